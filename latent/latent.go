// Package latent holds the latent-space data structures and the narrow
// interfaces to the external encoder and model-management collaborators.
package latent

import (
	"fmt"
	"image"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

// Latent is the latent structure exchanged with the host: a samples
// tensor plus an optional generation mask.
type Latent struct {
	Samples   *tensor.Tensor
	NoiseMask *tensor.Tensor
}

// Format is a model family's latent normalization: the transform that
// moves an encoder output into the numeric domain generation tensors
// live in.
type Format struct {
	Name        string
	ScaleFactor float32
	ShiftFactor float32
}

// Stock formats. SD is the classic 0.18215 scale; Flux additionally
// shifts before scaling.
var (
	FormatSD   = Format{Name: "sd", ScaleFactor: 0.18215}
	FormatFlux = Format{Name: "flux", ScaleFactor: 0.3611, ShiftFactor: 0.1159}
)

// ProcessIn normalizes a raw encoder latent into the model domain:
// (x - shift) * scale.
func (f Format) ProcessIn(t *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = (v - f.ShiftFactor) * f.ScaleFactor
	}
	return out
}

// ProcessOut inverts ProcessIn.
func (f Format) ProcessOut(t *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = v/f.ScaleFactor + f.ShiftFactor
	}
	return out
}

// Encoder turns a pixel image into a raw latent tensor. Implemented by
// the external variational encoder.
type Encoder interface {
	Encode(img image.Image) (*tensor.Tensor, error)
}

// Residency preserves GPU residency of already-loaded model weights
// around an out-of-band encode call.
type Residency interface {
	LoadedModels() []any
	LoadModels(models []any)
}

// NopResidency is the default when no model manager is wired in.
type NopResidency struct{}

func (NopResidency) LoadedModels() []any { return nil }
func (NopResidency) LoadModels([]any)    {}

// EncodeReference encodes a reference image once, applies the target
// family's process-in normalization, and restores residency of the
// models that were loaded before the encode. Called at attach time,
// never per step.
func EncodeReference(enc Encoder, res Residency, img image.Image, f Format) (*tensor.Tensor, error) {
	if res == nil {
		res = NopResidency{}
	}
	loaded := res.LoadedModels()
	raw, err := enc.Encode(img)
	if err != nil {
		return nil, fmt.Errorf("encode reference: %w", err)
	}
	res.LoadModels(loaded)
	return f.ProcessIn(raw), nil
}
