// Package patch holds the model-handle plumbing the sampling utilities
// hook into: a clonable model wrapper with one guidance post-hook slot
// and one denoiser-wrapper slot, plus the per-step context the external
// sampler presents to those hooks.
package patch

import (
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/schedule"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

// Denoiser is the underlying denoising function: one forward pass at a
// given noise level. Conditioning travels as opaque keyword arguments.
type Denoiser interface {
	Invoke(x *tensor.Tensor, noiseLevel float64, cond map[string]any) *tensor.Tensor
}

// DenoiserFunc adapts a function to the Denoiser interface.
type DenoiserFunc func(x *tensor.Tensor, noiseLevel float64, cond map[string]any) *tensor.Tensor

func (f DenoiserFunc) Invoke(x *tensor.Tensor, noiseLevel float64, cond map[string]any) *tensor.Tensor {
	return f(x, noiseLevel, cond)
}

// DenoiserWrapper decorates a denoiser invocation. It receives the
// inner denoiser and the original call arguments and must return a
// tensor of the same shape as x.
type DenoiserWrapper func(inner Denoiser, x *tensor.Tensor, noiseLevel float64, cond map[string]any) *tensor.Tensor

// StepContext is the read-only per-invocation bundle the sampler hands
// to the guidance hook.
type StepContext struct {
	Cond       *tensor.Tensor
	Uncond     *tensor.Tensor
	CondScale  float64
	NoiseLevel float64
	Input      *tensor.Tensor
	Args       map[string]any
}

// MergeGuidance computes the standard classifier-free-guidance merge
// uncond + scale*(cond - uncond).
func (c *StepContext) MergeGuidance() *tensor.Tensor {
	return tensor.AddScaled(c.Uncond, tensor.Sub(c.Cond, c.Uncond), float32(c.CondScale))
}

// CFGHook post-processes the guidance merge. It must compute the merge
// itself (via MergeGuidance) so it can substitute the result entirely.
type CFGHook func(*StepContext) *tensor.Tensor

// Window is a sampling-progress interval in [0,1]x[0,1] during which an
// effect is active.
type Window struct {
	Start float64
	End   float64
}

// Contains reports whether progress falls inside the window.
func (w Window) Contains(progress float64) bool {
	return progress >= w.Start && progress <= w.End
}

// Model is the patchable model handle. At most one hook of each kind is
// installed per attachment; attaching always goes through Clone so the
// original handle is unaffected.
type Model struct {
	Schedule   schedule.Schedule
	Multiplier float64 // noise-level domain scale: 1 for flow family, 1000 for SD3-style

	denoiser Denoiser
	cfgHook  CFGHook
	wrapper  DenoiserWrapper
}

// New builds a model handle around a denoiser and its sampling
// schedule. Multiplier defaults to the flow-family 1.0.
func New(d Denoiser, s schedule.Schedule) *Model {
	return &Model{Schedule: s, Multiplier: 1.0, denoiser: d}
}

// Clone returns an independent copy: hooks installed on the clone never
// touch the original.
func (m *Model) Clone() *Model {
	c := *m
	c.Schedule = append(schedule.Schedule{}, m.Schedule...)
	return &c
}

// SetCFGHook installs the guidance post-processing hook.
func (m *Model) SetCFGHook(h CFGHook) { m.cfgHook = h }

// WrapDenoiser installs the denoiser-wrapper hook.
func (m *Model) WrapDenoiser(w DenoiserWrapper) { m.wrapper = w }

// HasCFGHook reports whether a guidance hook is installed.
func (m *Model) HasCFGHook() bool { return m.cfgHook != nil }

// HasWrapper reports whether a denoiser wrapper is installed.
func (m *Model) HasWrapper() bool { return m.wrapper != nil }

// Denoise runs one forward pass through the wrapper when installed.
func (m *Model) Denoise(x *tensor.Tensor, noiseLevel float64, cond map[string]any) *tensor.Tensor {
	if m.wrapper != nil {
		return m.wrapper(m.denoiser, x, noiseLevel, cond)
	}
	return m.denoiser.Invoke(x, noiseLevel, cond)
}

// ApplyCFG runs the guidance hook, or the plain merge when none is
// installed.
func (m *Model) ApplyCFG(ctx *StepContext) *tensor.Tensor {
	if m.cfgHook != nil {
		return m.cfgHook(ctx)
	}
	return ctx.MergeGuidance()
}
