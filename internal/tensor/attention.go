package tensor

import (
	"math"
)

// Attention computes multi-head scaled dot-product attention.
// q: [Tq, D], k and v: [Tk, D] with heads splitting D evenly. When causal is
// set, query i only attends to keys 0..i. Batched [N, T, D] inputs are
// handled per batch element.
func Attention(q, k, v *Tensor, heads int, causal bool) *Tensor {
	if q.Dims() == 3 {
		N := q.Shape[0]
		parts := make([]*Tensor, N)
		for n := 0; n < N; n++ {
			kn, vn := k, v
			if k.Dims() == 3 {
				kn = k.Index(n).MustReshape(k.Shape[1], k.Shape[2])
				vn = v.Index(n).MustReshape(v.Shape[1], v.Shape[2])
			}
			parts[n] = Attention(q.Index(n).MustReshape(q.Shape[1], q.Shape[2]), kn, vn, heads, causal)
		}
		out, _ := Stack(unsqueezeAll(parts)...)
		return out
	}

	Tq, D := q.Shape[0], q.Shape[1]
	Tk := k.Shape[0]
	hd := D / heads
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	out := New(Tq, D)

	parallelFor(heads*Tq, func(lo, hi int) {
		scores := make([]float32, Tk)
		for job := lo; job < hi; job++ {
			h, i := job/Tq, job%Tq
			qi := q.Data[i*D+h*hd : i*D+(h+1)*hd]
			for j := 0; j < Tk; j++ {
				if causal && j > i {
					scores[j] = float32(math.Inf(-1))
					continue
				}
				kj := k.Data[j*D+h*hd : j*D+(h+1)*hd]
				s := float32(0)
				for d, x := range qi {
					s += x * kj[d]
				}
				scores[j] = s * scale
			}
			softmaxRows(scores, Tk)
			dst := out.Data[i*D+h*hd : i*D+(h+1)*hd]
			for j, p := range scores {
				if p == 0 {
					continue
				}
				vj := v.Data[j*D+h*hd : j*D+(h+1)*hd]
				for d, x := range vj {
					dst[d] += p * x
				}
			}
		}
	})
	return out
}

func unsqueezeAll(ts []*Tensor) []*Tensor {
	out := make([]*Tensor, len(ts))
	for i, t := range ts {
		out[i] = Unsqueeze(t)
	}
	return out
}
