// Package denoise provides the denoiser backends the patched model
// drives: an analytic flow denoiser for demos and tests, and an ONNX
// Runtime UNet behind the ort build tag.
package denoise

import (
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

// Flow is a deterministic flow-matching denoiser that predicts the
// velocity carrying the sample toward a fixed target. One Euler step
// with this velocity at sigma -> sigma' moves the sample to
// target + (x-target)*sigma'/sigma, so a full schedule converges to
// the target exactly. It is noise-level sensitive, which makes
// timestep perturbation observable in tests.
type Flow struct {
	Target *tensor.Tensor
	Eps    float64
}

// NewFlow builds a flow denoiser around a target latent.
func NewFlow(target *tensor.Tensor) *Flow {
	return &Flow{Target: target, Eps: 1e-6}
}

// Invoke returns the velocity (x - target) / max(sigma, eps). A
// "target" entry in the conditioning args overrides the built-in
// target, so conditional and unconditional passes can diverge.
func (f *Flow) Invoke(x *tensor.Tensor, noiseLevel float64, cond map[string]any) *tensor.Tensor {
	target := f.Target
	if t, ok := cond["target"].(*tensor.Tensor); ok {
		target = t
	}
	s := noiseLevel
	if s < f.Eps {
		s = f.Eps
	}
	inv := float32(1.0 / s)
	out := tensor.New(x.Shape...)
	for i := range x.Data {
		out.Data[i] = (x.Data[i] - target.Data[i]) * inv
	}
	return out
}
