package attention

import (
	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// KVCache stores key and value tensors for autoregressive decoding.
//
// Self-attention appends the K and V of each new position; cross-attention fills
// the cache once with the projected encoder states and reads it on every step.
//
// Shapes:
//   - K: (batch, num_kv_groups, max_length, head_dim)
//   - V: (batch, num_kv_groups, max_length, head_dim)
type KVCache struct {
	K          *tensor.Tensor
	V          *tensor.Tensor
	CurrentPos int // Next position to write (0 = empty)
	MaxLength  int
}

// NewKVCache creates a cache with capacity for maxLength positions.
func NewKVCache(batchSize, numKVGroups, maxLength, headDim int) *KVCache {
	cacheShape := []int{batchSize, numKVGroups, maxLength, headDim}
	return &KVCache{
		K:         tensor.NewTensor(cacheShape),
		V:         tensor.NewTensor(cacheShape),
		MaxLength: maxLength,
	}
}

// Update appends new K and V, shape (batch, num_kv_groups, new_tokens, head_dim),
// and returns the cached K and V up to the new position.
func (c *KVCache) Update(newK, newV *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(newK.Shape) != 4 || !newK.ShapeEquals(newV) {
		return nil, nil, errors.Errorf("newK and newV must be 4D with the same shape, got K=%v, V=%v",
			newK.Shape, newV.Shape)
	}
	for _, axis := range []int{0, 1, 3} {
		if newK.Shape[axis] != c.K.Shape[axis] {
			return nil, nil, errors.Errorf("cache of shape %v can't take K of shape %v", c.K.Shape, newK.Shape)
		}
	}
	newTokens := newK.Shape[2]
	if c.CurrentPos+newTokens > c.MaxLength {
		return nil, nil, errors.Errorf("cache overflow: cannot add %d tokens at position %d (max %d)",
			newTokens, c.CurrentPos, c.MaxLength)
	}

	if err := c.K.Assign(2, c.CurrentPos, newK); err != nil {
		return nil, nil, errors.Wrap(err, "failed to cache K")
	}
	if err := c.V.Assign(2, c.CurrentPos, newV); err != nil {
		return nil, nil, errors.Wrap(err, "failed to cache V")
	}
	c.CurrentPos += newTokens

	k, v, _ := c.GetKV()
	return k, v, nil
}

// GetKV returns copies of the cached K and V up to CurrentPos, and CurrentPos.
func (c *KVCache) GetKV() (k, v *tensor.Tensor, seqLen int) {
	// Narrow only fails on invalid ranges; [0, CurrentPos) is always valid.
	k, _ = c.K.Narrow(2, 0, c.CurrentPos)
	v, _ = c.V.Narrow(2, 0, c.CurrentPos)
	return k, v, c.CurrentPos
}

// Len returns the number of cached positions.
func (c *KVCache) Len() int {
	return c.CurrentPos
}

// Clear resets the cache to empty, zeroing the stored values.
func (c *KVCache) Clear() {
	c.CurrentPos = 0
	clear(c.K.Data)
	clear(c.V.Data)
}

// SizeBytes returns the memory held by the cache.
func (c *KVCache) SizeBytes() int {
	return (len(c.K.Data) + len(c.V.Data)) * 4
}

// LayerCache holds the caches of one decoder layer.
type LayerCache struct {
	Self  *KVCache
	Cross *KVCache
}

// Clear empties both caches.
func (c *LayerCache) Clear() {
	c.Self.Clear()
	c.Cross.Clear()
}
