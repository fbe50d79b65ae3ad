// Package perturb jitters the noise level the denoiser sees at each
// step. Breaking the model's fixed perception of the schedule
// de-homogenizes outputs across seeds without touching the sampler.
package perturb

import (
	"math/rand"

	"go.uber.org/zap"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/patch"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/schedule"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

// Mode selects how the noise level is perturbed.
type Mode int

const (
	// Multiplicative scales the level by 1+(r-0.5)*strength. Suited to
	// classic diffusion sigmas.
	Multiplicative Mode = iota
	// Additive shifts the level within its headroom toward 0 and 1.
	// Suited to flow-matching models with levels in [0,1].
	Additive
)

func (m Mode) String() string {
	if m == Multiplicative {
		return "sigma"
	}
	return "flow"
}

// Diagnostic records are emitted for this many steps after attach.
const logSteps = 5

const minRange = 1e-6

// state is the per-attachment mutable state owned by the wrapper.
type state struct {
	schedule schedule.Schedule
	mode     Mode
	strength float64
	seed     int64
	window   patch.Window
	mask     *tensor.Tensor
	step     int
	log      *zap.Logger
}

// Attach clones the model and wraps its denoising function so the noise
// level is perturbed by a seeded, progress-gated jitter. With a region
// mask the denoiser runs twice per step and the outputs are blended
// per-pixel. strength <= 0 returns the clone unchanged, no wrapper
// installed.
func Attach(m *patch.Model, sched schedule.Schedule, mode Mode, strength float64, seed int64, window patch.Window, mask *tensor.Tensor, logger *zap.Logger) *patch.Model {
	out := m.Clone()
	if strength <= 0 {
		return out
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if mask != nil {
		mask = tensor.PromoteNCHW(mask)
	}
	s := &state{
		schedule: sched,
		mode:     mode,
		strength: strength,
		seed:     seed,
		window:   window,
		mask:     mask,
		log:      logger,
	}
	out.WrapDenoiser(s.wrap)
	return out
}

// Perturbed computes the jittered noise level for a given step index.
// Deterministic for a fixed (seed, step): the draw comes from a source
// seeded with seed+step, so steps decorrelate while runs reproduce.
func Perturbed(level float64, mode Mode, strength float64, seed int64, step int) float64 {
	rng := rand.New(rand.NewSource(seed + int64(step)))
	r := rng.Float64()

	if mode == Multiplicative {
		return level * (1 + (r-0.5)*strength)
	}

	// Additive: clamp the requested strength to the headroom on each
	// side of [0,1] independently, then map r onto [-down, +up].
	headroomUp := 1 - level
	headroomDown := level
	actualUp := min(strength, headroomUp)
	actualDown := min(strength, headroomDown)

	delta := 0.0
	if total := actualUp + actualDown; total > minRange {
		delta = r*total - actualDown
	}
	perturbed := level + delta
	if perturbed < 0 {
		perturbed = 0
	}
	if perturbed > 1 {
		perturbed = 1
	}
	return perturbed
}

func (s *state) wrap(inner patch.Denoiser, x *tensor.Tensor, level float64, cond map[string]any) *tensor.Tensor {
	s.step++

	progress := s.schedule.Progress(level)
	inRange := s.window.Contains(progress)

	var mask *tensor.Tensor
	if s.mask != nil {
		mask = tensor.AlignTo(s.mask, x)
	}

	// Computed every step, in range or not; the value feeds the step
	// diagnostics either way.
	perturbed := Perturbed(level, s.mode, s.strength, s.seed, s.step)

	if s.step <= logSteps {
		status := "skipped"
		if inRange {
			status = "applied"
		}
		s.log.Info("timestep perturbation",
			zap.Int("step", s.step),
			zap.Int("total_steps", s.schedule.Steps()),
			zap.Float64("progress", progress),
			zap.String("status", status),
			zap.Float64("level", level),
			zap.Float64("perturbed", perturbed),
			zap.Float64("delta", perturbed-level),
			zap.Bool("mask", mask != nil))
	}

	if !inRange {
		return inner.Invoke(x, level, cond)
	}

	if mask != nil {
		original := inner.Invoke(x, level, cond)
		noisy := inner.Invoke(x, perturbed, cond)
		return tensor.BlendMasked(original, noisy, mask)
	}
	return inner.Invoke(x, perturbed, cond)
}
