package tensor

import (
	"math"
	"math/rand"
)

// Randn fills a new tensor with standard normal samples drawn from rng using
// the Box-Muller transform. The same seed always yields the same tensor.
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	FillRandn(rng, t.Data)
	return t
}

// FillRandn overwrites data with standard normal samples.
func FillRandn(rng *rand.Rand, data []float32) {
	next := func() (float64, float64) {
		u1 := rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		u2 := rng.Float64()
		return math.Sqrt(-2 * math.Log(u1)), 2 * math.Pi * u2
	}
	for i := 0; i+1 < len(data); i += 2 {
		r, theta := next()
		data[i] = float32(r * math.Cos(theta))
		data[i+1] = float32(r * math.Sin(theta))
	}
	if len(data)%2 == 1 {
		r, theta := next()
		data[len(data)-1] = float32(r * math.Cos(theta))
	}
}
