package tensor

import (
	"math"
	"math/rand"
)

// Randn fills a new tensor with standard gaussian noise via Box-Muller,
// deterministic for a fixed seed.
func Randn(seed int64, shape ...int) *Tensor {
	rng := rand.New(rand.NewSource(seed))
	t := New(shape...)
	n := len(t.Data)
	for i := 0; i < n-1; i += 2 {
		u1 := rng.Float64()
		u2 := rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		r := math.Sqrt(-2 * math.Log(u1))
		theta := 2 * math.Pi * u2
		t.Data[i] = float32(r * math.Cos(theta))
		t.Data[i+1] = float32(r * math.Sin(theta))
	}
	if n%2 == 1 {
		u1 := rng.Float64()
		u2 := rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		t.Data[n-1] = float32(math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2))
	}
	return t
}
