// Package tensor provides the flat float32 NCHW tensors shared by the
// sampling patches. It is deliberately small: elementwise arithmetic,
// the statistics the injection clamp needs, and the spatial/batch
// alignment helpers that reconcile auxiliary tensors with the live
// generation tensor.
package tensor

import "math"

// Tensor is an n-dimensional float32 array stored flat, row-major.
// The sampling code works with rank-4 [N,C,H,W] tensors; lower-rank
// inputs are promoted via PromoteNCHW before any arithmetic.
type Tensor struct {
	Data  []float32
	Shape []int
}

func New(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Tensor{Data: make([]float32, size), Shape: shape}
}

func From(data []float32, shape []int) *Tensor {
	return &Tensor{Data: data, Shape: shape}
}

// Full creates a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func (t *Tensor) Numel() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, Shape: append([]int{}, t.Shape...)}
}

// Dim returns the i-th dimension, or 1 when the tensor has fewer dims.
func (t *Tensor) Dim(i int) int {
	if i >= len(t.Shape) {
		return 1
	}
	return t.Shape[i]
}

// SameSpatial reports whether the trailing [H,W] dims match.
func (t *Tensor) SameSpatial(o *Tensor) bool {
	return t.Dim(2) == o.Dim(2) && t.Dim(3) == o.Dim(3)
}

// Add returns a+b element-wise. Sizes must match.
func Add(a, b *Tensor) *Tensor {
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Sub returns a-b element-wise.
func Sub(a, b *Tensor) *Tensor {
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out
}

// Scale returns x*s.
func Scale(x *Tensor, s float32) *Tensor {
	out := New(x.Shape...)
	for i := range x.Data {
		out.Data[i] = x.Data[i] * s
	}
	return out
}

// AddScaled returns a + b*s without materializing the intermediate.
func AddScaled(a, b *Tensor, s float32) *Tensor {
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]*s
	}
	return out
}

// Mean returns the mean over all elements.
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum / float64(len(t.Data))
}

// Std returns the sample standard deviation over all elements
// (n-1 denominator, matching the host runtime's tensor.std()).
func (t *Tensor) Std() float64 {
	n := len(t.Data)
	if n < 2 {
		return 0
	}
	mean := t.Mean()
	ss := 0.0
	for _, v := range t.Data {
		d := float64(v) - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// Min returns the smallest element.
func (t *Tensor) Min() float32 {
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Max returns the largest element.
func (t *Tensor) Max() float32 {
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
