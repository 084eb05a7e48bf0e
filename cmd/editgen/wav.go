package main

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

const (
	wavHeaderSize    = 44
	wavBitsPerSample = 16
)

// writeWAV writes mono samples in [-1, 1] as 16-bit PCM. Samples out of range are clipped.
func writeWAV(w io.Writer, samples []float32, samplingRate int) error {
	if samplingRate <= 0 {
		return errors.Errorf("sampling rate must be positive, got %d", samplingRate)
	}
	const blockAlign = wavBitsPerSample / 8
	dataSize := uint32(len(samples) * blockAlign)

	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(wavHeaderSize - 8 + dataSize),
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16), // fmt chunk size
		uint16(1),  // PCM
		uint16(1),  // mono
		uint32(samplingRate),
		uint32(samplingRate * blockAlign),
		uint16(blockAlign),
		uint16(wavBitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return errors.Wrap(err, "failed to write WAV header")
		}
	}

	pcm := make([]int16, len(samples))
	for i, v := range samples {
		v = max(-1, min(1, v))
		pcm[i] = int16(math.Round(float64(v) * math.MaxInt16))
	}
	if err := binary.Write(w, binary.LittleEndian, pcm); err != nil {
		return errors.Wrap(err, "failed to write WAV samples")
	}
	return nil
}

// saveWAV writes samples to path and returns the file size.
func saveWAV(path string, samples []float32, samplingRate int) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %q", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeWAV(w, samples, samplingRate); err != nil {
		return 0, errors.WithMessagef(err, "file %q", path)
	}
	if err := w.Flush(); err != nil {
		return 0, errors.Wrapf(err, "failed to write %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat %q", path)
	}
	return info.Size(), nil
}
