package tensor

// Alignment helpers. Every tensor entering a blend or compare must share
// batch and spatial dims with the live generation tensor first; these
// functions reconcile mismatches instead of failing.

// PromoteNCHW normalizes a rank 2/3/4 tensor to rank 4:
//
//	[H,W]     -> [1,1,H,W]
//	[B,H,W]   -> [B,1,H,W]
//	[N,C,H,W] -> unchanged
//
// Returns the input unchanged for any other rank.
func PromoteNCHW(t *Tensor) *Tensor {
	switch len(t.Shape) {
	case 2:
		return From(t.Data, []int{1, 1, t.Shape[0], t.Shape[1]})
	case 3:
		return From(t.Data, []int{t.Shape[0], 1, t.Shape[1], t.Shape[2]})
	default:
		return t
	}
}

// ResizeBilinear resizes a [N,C,H,W] tensor to [N,C,outH,outW] with
// bilinear sampling and half-pixel centers (align_corners=false).
// Returns the input when the target size already matches.
func ResizeBilinear(t *Tensor, outH, outW int) *Tensor {
	n, c, h, w := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	if h == outH && w == outW {
		return t
	}
	out := New(n, c, outH, outW)
	scaleH := float64(h) / float64(outH)
	scaleW := float64(w) / float64(outW)

	for oy := 0; oy < outH; oy++ {
		sy := (float64(oy)+0.5)*scaleH - 0.5
		y0 := int(sy)
		if sy < 0 {
			sy, y0 = 0, 0
		}
		y1 := y0 + 1
		if y1 > h-1 {
			y1 = h - 1
		}
		fy := float32(sy - float64(y0))
		for ox := 0; ox < outW; ox++ {
			sx := (float64(ox)+0.5)*scaleW - 0.5
			x0 := int(sx)
			if sx < 0 {
				sx, x0 = 0, 0
			}
			x1 := x0 + 1
			if x1 > w-1 {
				x1 = w - 1
			}
			fx := float32(sx - float64(x0))
			for ni := 0; ni < n; ni++ {
				for ci := 0; ci < c; ci++ {
					base := (ni*c + ci) * h * w
					v00 := t.Data[base+y0*w+x0]
					v01 := t.Data[base+y0*w+x1]
					v10 := t.Data[base+y1*w+x0]
					v11 := t.Data[base+y1*w+x1]
					top := v00 + (v01-v00)*fx
					bot := v10 + (v11-v10)*fx
					out.Data[((ni*c+ci)*outH+oy)*outW+ox] = top + (bot-top)*fy
				}
			}
		}
	}
	return out
}

// MatchBatch aligns the batch dim to want: a single-sample tensor is
// replicated, an oversized one truncated. Returns the input when the
// batch already matches or cannot be reconciled.
func MatchBatch(t *Tensor, want int) *Tensor {
	n := t.Dim(0)
	if n == want {
		return t
	}
	c, h, w := t.Dim(1), t.Dim(2), t.Dim(3)
	per := c * h * w
	if n == 1 {
		out := New(want, c, h, w)
		for b := 0; b < want; b++ {
			copy(out.Data[b*per:(b+1)*per], t.Data[:per])
		}
		return out
	}
	if n > want {
		return From(t.Data[:want*per], []int{want, c, h, w})
	}
	return t
}

// AlignTo promotes aux to rank 4 and reconciles its spatial and batch
// dims with target. Never fails.
func AlignTo(aux, target *Tensor) *Tensor {
	a := PromoteNCHW(aux)
	if !a.SameSpatial(target) {
		a = ResizeBilinear(a, target.Dim(2), target.Dim(3))
	}
	return MatchBatch(a, target.Dim(0))
}

// MulMask multiplies t element-wise by mask, broadcasting a
// single-channel mask across t's channels. Shapes must already be
// batch/spatially aligned (see AlignTo).
func MulMask(t, mask *Tensor) *Tensor {
	n, c, h, w := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	mc := mask.Dim(1)
	out := New(t.Shape...)
	hw := h * w
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			mci := ci
			if mc == 1 {
				mci = 0
			}
			tBase := (ni*c + ci) * hw
			mBase := (ni*mc + mci) * hw
			for i := 0; i < hw; i++ {
				out.Data[tBase+i] = t.Data[tBase+i] * mask.Data[mBase+i]
			}
		}
	}
	return out
}

// BlendMasked returns orig*(1-mask) + alt*mask per element, with the
// same channel broadcast as MulMask.
func BlendMasked(orig, alt, mask *Tensor) *Tensor {
	n, c, h, w := orig.Dim(0), orig.Dim(1), orig.Dim(2), orig.Dim(3)
	mc := mask.Dim(1)
	out := New(orig.Shape...)
	hw := h * w
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			mci := ci
			if mc == 1 {
				mci = 0
			}
			base := (ni*c + ci) * hw
			mBase := (ni*mc + mci) * hw
			for i := 0; i < hw; i++ {
				m := mask.Data[mBase+i]
				out.Data[base+i] = orig.Data[base+i]*(1-m) + alt.Data[base+i]*m
			}
		}
	}
	return out
}
