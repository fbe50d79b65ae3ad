package patch

import (
	"go.uber.org/zap"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/schedule"
)

// ApplyShift clones the model and swaps its sampling schedule for a
// time-SNR-shifted discrete-flow schedule of the same length.
// shift=1.0 keeps the linear schedule, larger values bias early steps
// toward high noise. multiplier scales the noise-level domain: 1.0 for
// flow-family models, 1000 for SD3-style timesteps.
func ApplyShift(m *Model, shift, multiplier float64, logger *zap.Logger) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}

	out := m.Clone()
	out.Schedule = schedule.Shifted(m.Schedule.Steps(), shift)
	out.Multiplier = multiplier

	head := out.Schedule
	if len(head) > 5 {
		head = head[:5]
	}
	logger.Info("sampling offset applied",
		zap.Float64("shift", shift),
		zap.Float64("multiplier", multiplier),
		zap.Float64("sigma_min", out.Schedule.SigmaMin()),
		zap.Float64("sigma_max", out.Schedule.SigmaMax()),
		zap.Float64s("sigmas_head", []float64(head)))
	return out
}
