// Package inject nudges the guidance merge toward a reference latent.
// The patched model "learns" surface features of the reference (water
// droplets, texture, sheen) without changing the sampler itself.
package inject

import (
	"image"

	"go.uber.org/zap"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/latent"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/patch"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

// Injection direction stds beyond this multiple of the merge std get
// rescaled down, so the reference cannot dominate generation.
const stdClampRatio = 3.0

// Diagnostic records are emitted for this many steps after attach.
const logSteps = 3

// state is the per-attachment mutable state owned by the hook.
type state struct {
	ref      *tensor.Tensor
	mask     *tensor.Tensor
	strength float64
	window   patch.Window
	step     int
	log      *zap.Logger
}

// Attach clones the model and installs a guidance post-hook that blends
// the merged output toward the reference signal while sampling progress
// is inside window. mask is optional; 1 means fully apply, 0 untouched.
// strength <= 0 returns the clone unchanged, no hook installed.
func Attach(m *patch.Model, ref *tensor.Tensor, mask *tensor.Tensor, strength float64, window patch.Window, logger *zap.Logger) *patch.Model {
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
		ref:      tensor.PromoteNCHW(ref),
		mask:     mask,
		strength: strength,
		window:   window,
		log:      logger,
	}
	out.SetCFGHook(s.hook)
	return out
}

// AttachLatent attaches directly from a latent structure. When the
// latent carries a generation mask it is used as the region mask.
func AttachLatent(m *patch.Model, l *latent.Latent, strength float64, window patch.Window, logger *zap.Logger) *patch.Model {
	if logger != nil && l.NoiseMask != nil {
		logger.Info("using noise mask from latent")
	}
	return Attach(m, l.Samples, l.NoiseMask, strength, window, logger)
}

// AttachImage encodes a reference image once via the external encoder,
// normalizes it into the model family's latent domain, and attaches.
// Encoding failures surface here, at attach time; the per-step path
// never errors.
func AttachImage(m *patch.Model, enc latent.Encoder, res latent.Residency, img image.Image, f latent.Format, mask *tensor.Tensor, strength float64, window patch.Window, logger *zap.Logger) (*patch.Model, error) {
	if strength <= 0 {
		return m.Clone(), nil
	}
	ref, err := latent.EncodeReference(enc, res, img, f)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("reference encoded", zap.Ints("shape", ref.Shape))
	}
	return Attach(m, ref, mask, strength, window, logger), nil
}

func (s *state) hook(ctx *patch.StepContext) *tensor.Tensor {
	s.step++

	merged := ctx.MergeGuidance()

	// Noise level is normalized to [0,1] for flow-family models;
	// anything above 1 clamps to progress 0.
	sigma := ctx.NoiseLevel
	if sigma > 1 {
		sigma = 1
	}
	progress := 1 - sigma

	if progress < s.window.Start || progress > s.window.End {
		return merged
	}

	ref := tensor.AlignTo(s.ref, merged)
	var mask *tensor.Tensor
	if s.mask != nil {
		mask = tensor.AlignTo(s.mask, merged)
	}

	// Linear decay: strongest at window start, zero at window end.
	decay := 1.0
	if s.window.End > s.window.Start {
		decay = 1 - (progress-s.window.Start)/(s.window.End-s.window.Start)
	}
	effective := s.strength * decay

	direction := tensor.Sub(ref, merged)

	mergedStd := merged.Std()
	directionStd := direction.Std()
	if directionStd > mergedStd*stdClampRatio {
		direction = tensor.Scale(direction, float32(mergedStd*stdClampRatio/directionStd))
	}

	if mask != nil {
		direction = tensor.MulMask(direction, mask)
	}

	result := tensor.AddScaled(merged, direction, float32(effective))

	if s.step <= logSteps {
		s.log.Info("feature injection",
			zap.Int("step", s.step),
			zap.Float64("progress", progress),
			zap.Float64("effective_strength", effective),
			zap.Bool("mask", mask != nil))
	}

	return result
}
