package inject

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/latent"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/patch"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/schedule"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

func newModel() *patch.Model {
	return patch.New(patch.DenoiserFunc(func(x *tensor.Tensor, _ float64, _ map[string]any) *tensor.Tensor {
		return x
	}), schedule.Linear(10))
}

// stepCtx builds a context whose guidance merge equals merged.
func stepCtx(merged *tensor.Tensor, sigma float64) *patch.StepContext {
	return &patch.StepContext{
		Cond:       merged,
		Uncond:     merged,
		CondScale:  1.0,
		NoiseLevel: sigma,
	}
}

func TestAttachNoOpOnZeroStrength(t *testing.T) {
	m := newModel()
	ref := tensor.Full(2, 1, 1, 4, 4)

	for _, strength := range []float64{0, -0.5} {
		patched := Attach(m, ref, nil, strength, patch.Window{End: 1}, nil)
		assert.False(t, patched.HasCFGHook())
		ctx := stepCtx(tensor.Randn(1, 1, 1, 4, 4), 0.5)
		assert.Equal(t, ctx.MergeGuidance().Data, patched.ApplyCFG(ctx).Data)
	}
	assert.False(t, m.HasCFGHook(), "original untouched")
}

func TestOutsideWindowReturnsExactMerge(t *testing.T) {
	ref := tensor.Full(2, 1, 1, 4, 4)
	patched := Attach(newModel(), ref, nil, 0.5, patch.Window{Start: 0.3, End: 0.6}, nil)

	for _, sigma := range []float64{0.9, 0.2, 1.5} {
		// progress = 1-min(sigma,1): 0.1, 0.8, 0 — all outside [0.3,0.6]
		merged := tensor.Randn(11, 1, 1, 4, 4)
		got := patched.ApplyCFG(stepCtx(merged, sigma))
		assert.Equal(t, merged.Data, got.Data)
	}
}

func TestInjectionBlend(t *testing.T) {
	t.Run("end to end constant case", func(t *testing.T) {
		// ref=2, merged=0, strength=0.2, decay=1 -> 0.4 everywhere
		ref := tensor.Full(2, 1, 1, 4, 4)
		merged := tensor.Full(0, 1, 1, 4, 4)
		patched := Attach(newModel(), ref, nil, 0.2, patch.Window{Start: 0.5, End: 0.5}, nil)

		got := patched.ApplyCFG(stepCtx(merged, 0.5)) // progress 0.5, degenerate window -> decay 1
		for _, v := range got.Data {
			assert.InDelta(t, 0.4, v, 1e-6)
		}
	})

	t.Run("decay is non-increasing across the window", func(t *testing.T) {
		ref := tensor.Full(1, 1, 1, 2, 2)
		patched := Attach(newModel(), ref, nil, 0.4, patch.Window{Start: 0.2, End: 0.8}, nil)

		prev := 1.0
		for _, progress := range []float64{0.2, 0.4, 0.6, 0.8} {
			merged := tensor.Full(0, 1, 1, 2, 2)
			got := patched.ApplyCFG(stepCtx(merged, 1-progress))
			// output = ref * strength * decay, so magnitude tracks decay
			mag := float64(got.Data[0])
			assert.LessOrEqual(t, mag, prev+1e-9)
			prev = mag
		}
		assert.InDelta(t, 0.0, prev, 1e-9, "effect reaches zero at window end")
	})
}

func TestMagnitudeClamp(t *testing.T) {
	// Small-amplitude merge, huge reference: the applied direction's
	// std must not exceed 3x the merge std.
	merged := tensor.Scale(tensor.Randn(5, 1, 4, 8, 8), 0.01)
	ref := tensor.Scale(tensor.Randn(6, 1, 4, 8, 8), 100)

	patched := Attach(newModel(), ref, nil, 1.0, patch.Window{Start: 0.5, End: 0.5}, nil)
	got := patched.ApplyCFG(stepCtx(merged, 0.5))

	applied := tensor.Sub(got, merged) // direction * strength(=1) * decay(=1)
	assert.LessOrEqual(t, applied.Std(), merged.Std()*3*(1+1e-5))
}

func TestRegionMask(t *testing.T) {
	ref := tensor.Full(2, 1, 1, 4, 4)
	merged := tensor.Full(0, 1, 1, 4, 4)
	window := patch.Window{Start: 0.5, End: 0.5}

	t.Run("all-zero mask leaves merge untouched", func(t *testing.T) {
		patched := Attach(newModel(), ref, tensor.Full(0, 4, 4), 0.2, window, nil)
		got := patched.ApplyCFG(stepCtx(merged, 0.5))
		assert.Equal(t, merged.Data, got.Data)
	})

	t.Run("all-one mask equals unmasked result", func(t *testing.T) {
		masked := Attach(newModel(), ref, tensor.Full(1, 4, 4), 0.2, window, nil)
		unmasked := Attach(newModel(), ref, nil, 0.2, window, nil)
		assert.Equal(t,
			unmasked.ApplyCFG(stepCtx(merged, 0.5)).Data,
			masked.ApplyCFG(stepCtx(merged, 0.5)).Data)
	})

	t.Run("partial mask confines the effect", func(t *testing.T) {
		mask := tensor.New(1, 1, 4, 4)
		mask.Data[0] = 1
		patched := Attach(newModel(), ref, mask, 0.2, window, nil)
		got := patched.ApplyCFG(stepCtx(merged, 0.5))
		assert.InDelta(t, 0.4, got.Data[0], 1e-6)
		for _, v := range got.Data[1:] {
			assert.Zero(t, v)
		}
	})
}

func TestShapeReconciliation(t *testing.T) {
	// Reference and mask at the wrong resolution and batch size must be
	// reconciled, never rejected.
	ref := tensor.Full(2, 1, 4, 8, 8)
	mask := tensor.Full(1, 16, 16) // [H,W] rank 2
	patched := Attach(newModel(), ref, mask, 0.2, patch.Window{Start: 0.5, End: 0.5}, nil)

	merged := tensor.Full(0, 3, 4, 16, 16)
	got := patched.ApplyCFG(stepCtx(merged, 0.5))
	require.Equal(t, merged.Shape, got.Shape)
	for _, v := range got.Data {
		assert.InDelta(t, 0.4, v, 1e-5)
	}
}

func TestAttachLatent(t *testing.T) {
	window := patch.Window{Start: 0.5, End: 0.5}
	merged := tensor.Full(0, 1, 1, 4, 4)

	t.Run("uses samples as reference", func(t *testing.T) {
		l := &latent.Latent{Samples: tensor.Full(2, 1, 1, 4, 4)}
		patched := AttachLatent(newModel(), l, 0.2, window, nil)
		got := patched.ApplyCFG(stepCtx(merged, 0.5))
		assert.InDelta(t, 0.4, float64(got.Data[0]), 1e-6)
	})

	t.Run("noise mask gates the effect", func(t *testing.T) {
		l := &latent.Latent{
			Samples:   tensor.Full(2, 1, 1, 4, 4),
			NoiseMask: tensor.Full(0, 4, 4),
		}
		patched := AttachLatent(newModel(), l, 0.2, window, nil)
		got := patched.ApplyCFG(stepCtx(merged, 0.5))
		assert.Equal(t, merged.Data, got.Data)
	})
}

type fakeEncoder struct {
	out *tensor.Tensor
	err error
}

func (f fakeEncoder) Encode(image.Image) (*tensor.Tensor, error) { return f.out, f.err }

func TestAttachImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	window := patch.Window{Start: 0.5, End: 0.5}

	t.Run("encodes once and normalizes", func(t *testing.T) {
		raw := tensor.Full(2, 1, 1, 4, 4)
		patched, err := AttachImage(newModel(), fakeEncoder{out: raw}, nil, img,
			latent.Format{Name: "test", ScaleFactor: 0.5}, nil, 1.0, window, nil)
		require.NoError(t, err)

		// ref = 2*0.5 = 1; merged = 0 -> output = 1*strength = 1
		merged := tensor.Full(0, 1, 1, 4, 4)
		got := patched.ApplyCFG(stepCtx(merged, 0.5))
		assert.InDelta(t, 1.0, float64(got.Data[0]), 1e-6)
	})

	t.Run("encode failure surfaces at attach time", func(t *testing.T) {
		_, err := AttachImage(newModel(), fakeEncoder{err: errors.New("boom")}, nil, img,
			latent.FormatSD, nil, 1.0, window, nil)
		assert.Error(t, err)
	})

	t.Run("zero strength skips encoding", func(t *testing.T) {
		patched, err := AttachImage(newModel(), fakeEncoder{err: errors.New("must not be called")},
			nil, img, latent.FormatSD, nil, 0, window, nil)
		require.NoError(t, err)
		assert.False(t, patched.HasCFGHook())
	})
}

func TestDiagnosticsBounded(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	ref := tensor.Full(2, 1, 1, 4, 4)
	patched := Attach(newModel(), ref, nil, 0.2, patch.Window{Start: 0, End: 1}, logger)

	for i := 0; i < 10; i++ {
		patched.ApplyCFG(stepCtx(tensor.Full(0, 1, 1, 4, 4), 0.5))
	}
	assert.Equal(t, 3, logs.FilterMessage("feature injection").Len())
}
