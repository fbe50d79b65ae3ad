package patch

import (
	"go.uber.org/zap"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

// Sampler is the thin step loop standing in for the host sampler: it
// drives the model's schedule once, invoking the hooked denoiser for
// the conditional and unconditional passes and the guidance hook on
// their merge, then takes a plain Euler flow update.
type Sampler struct {
	GuidanceScale float64
	CondArgs      map[string]any
	UncondArgs    map[string]any
	Logger        *zap.Logger
}

// Run denoises latent across the model's full schedule and returns the
// final tensor. The input is not mutated.
func (s *Sampler) Run(m *Model, latent *tensor.Tensor) *tensor.Tensor {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}

	x := latent.Clone()
	steps := m.Schedule.Steps()
	for i := 0; i < steps; i++ {
		sigma := m.Schedule[i]
		sigmaNext := m.Schedule[i+1]

		uncond := m.Denoise(x, sigma, s.UncondArgs)
		cond := m.Denoise(x, sigma, s.CondArgs)

		merged := m.ApplyCFG(&StepContext{
			Cond:       cond,
			Uncond:     uncond,
			CondScale:  s.GuidanceScale,
			NoiseLevel: sigma,
			Input:      x,
			Args:       s.CondArgs,
		})

		// Euler update: the model output is a velocity field.
		x = tensor.AddScaled(x, merged, float32(sigmaNext-sigma))

		log.Debug("step",
			zap.Int("step", i+1),
			zap.Int("steps", steps),
			zap.Float64("sigma", sigma))
	}
	return x
}
