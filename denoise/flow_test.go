package denoise

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

func TestFlowVelocity(t *testing.T) {
	target := tensor.Full(1, 1, 1, 2, 2)
	f := NewFlow(target)

	t.Run("velocity points away from target scaled by level", func(t *testing.T) {
		x := tensor.Full(3, 1, 1, 2, 2)
		got := f.Invoke(x, 0.5, nil)
		for _, v := range got.Data {
			assert.InDelta(t, (3.0-1.0)/0.5, float64(v), 1e-6)
		}
	})

	t.Run("level is floored at eps", func(t *testing.T) {
		x := tensor.Full(2, 1, 1, 2, 2)
		got := f.Invoke(x, 0, nil)
		assert.InDelta(t, 1.0/f.Eps, float64(got.Data[0]), 1.0)
	})

	t.Run("conditioning target overrides", func(t *testing.T) {
		alt := tensor.Full(3, 1, 1, 2, 2)
		x := tensor.Full(3, 1, 1, 2, 2)
		got := f.Invoke(x, 0.5, map[string]any{"target": alt})
		for _, v := range got.Data {
			assert.Zero(t, v)
		}
	})
}
