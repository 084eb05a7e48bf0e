// Package intercept installs controllers on the attention sublayers of a decoder.
package intercept

import (
	"attnedit/pkg/control"
	"attnedit/pkg/model/attention"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoAttentionLayers is returned when the decoder has no self or cross-attention sublayer.
var ErrNoAttentionLayers = control.ErrNoAttentionLayers

// instrumented reports whether attention with this role goes through the controller.
func instrumented(role attention.Role) bool {
	return role == attention.RoleSelf || role == attention.RoleCross
}

// Register routes the post-softmax weights of every self and cross-attention
// sublayer of layers through c, and sets c's NumLayers to the number of
// sublayers instrumented.
//
// Sublayers are hooked in place, in execution order: the self-attention of each
// layer before its cross-attention, layers in model order. Registering again
// swaps the hook instead of stacking a second one. Every sublayer is checked
// before any is swapped, so on error the layers are left unhooked.
func Register(layers []*attention.DecoderLayer, c control.Controller) (int, error) {
	if c == nil {
		return 0, errors.New("cannot register a nil controller")
	}
	type swap struct {
		layer  int
		name   string
		hooked *attention.Hooked
	}
	hook := control.Hook(c)
	var swaps []swap
	for i, layer := range layers {
		if layer == nil {
			return 0, errors.Errorf("decoder layer %d is nil", i)
		}
		for _, sub := range layer.Sublayers() {
			if sub.Computation == nil || !instrumented(sub.Computation.Role()) {
				continue
			}
			hooked, err := attention.NewHooked(sub.Computation, hook)
			if err != nil {
				return 0, errors.WithMessagef(err, "decoder layer %d %s", i, sub.Name)
			}
			swaps = append(swaps, swap{layer: i, name: sub.Name, hooked: hooked})
		}
	}
	if len(swaps) == 0 {
		return 0, errors.Wrapf(ErrNoAttentionLayers, "%d decoder layers", len(layers))
	}

	for _, sw := range swaps {
		if err := layers[sw.layer].Replace(sw.name, sw.hooked); err != nil {
			if unErr := Unregister(layers); unErr != nil {
				klog.Warningf("Failed to unhook decoder layers after a failed registration: %v", unErr)
			}
			return 0, errors.WithMessagef(err, "decoder layer %d", sw.layer)
		}
	}
	c.Progress().NumLayers = len(swaps)
	klog.V(1).Infof("Instrumented %d attention sublayers in %d decoder layers", len(swaps), len(layers))
	return len(swaps), nil
}

// Unregister restores the unhooked attention sublayers of layers.
func Unregister(layers []*attention.DecoderLayer) error {
	for i, layer := range layers {
		if layer == nil {
			continue
		}
		for _, sub := range layer.Sublayers() {
			if _, ok := sub.Computation.(*attention.Hooked); !ok {
				continue
			}
			if err := layer.Replace(sub.Name, attention.Unwrap(sub.Computation)); err != nil {
				return errors.WithMessagef(err, "decoder layer %d", i)
			}
		}
	}
	return nil
}
