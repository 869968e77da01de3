package diffusion

import (
	"fmt"
	"math"

	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// Schedule is the discrete forward-process noise schedule.
type Schedule struct {
	Betas         []float64
	AlphasCumprod []float64
}

// NewSchedule builds betas for T training steps. "linear" is the LDM schedule
// (linspace in sqrt space, squared), which diffusers calls scaled_linear.
func NewSchedule(kind string, T int, start, end float64) (*Schedule, error) {
	if T < 2 {
		return nil, fmt.Errorf("schedule: %d timesteps", T)
	}
	betas := make([]float64, T)
	switch kind {
	case "linear":
		s, e := math.Sqrt(start), math.Sqrt(end)
		for i := range betas {
			b := s + float64(i)/float64(T-1)*(e-s)
			betas[i] = b * b
		}
	case "sqrt_linear":
		for i := range betas {
			betas[i] = start + float64(i)/float64(T-1)*(end-start)
		}
	case "sqrt":
		for i := range betas {
			betas[i] = math.Sqrt(start + float64(i)/float64(T-1)*(end-start))
		}
	case "cosine":
		const s = 8e-3
		f := func(i int) float64 {
			c := math.Cos((float64(i)/float64(T) + s) / (1 + s) * math.Pi / 2)
			return c * c
		}
		for i := range betas {
			betas[i] = min(max(1-f(i+1)/f(i), 0), 0.999)
		}
	default:
		return nil, fmt.Errorf("schedule: unknown beta schedule %q", kind)
	}
	return scheduleFromBetas(betas), nil
}

func scheduleFromBetas(betas []float64) *Schedule {
	ac := make([]float64, len(betas))
	prod := 1.0
	for i, b := range betas {
		prod *= 1 - b
		ac[i] = prod
	}
	return &Schedule{Betas: betas, AlphasCumprod: ac}
}

func (s *Schedule) Len() int { return len(s.Betas) }

// scheduleBuffers holds the schedule-derived buffers LatentDiffusion keeps in
// its state dict. They are registered with computed values so checkpoints
// without them still load; a checkpoint that carries alphas_cumprod wins.
type scheduleBuffers struct {
	Betas                       *tensor.Tensor
	AlphasCumprod               *tensor.Tensor
	AlphasCumprodPrev           *tensor.Tensor
	SqrtAlphasCumprod           *tensor.Tensor
	SqrtOneMinusAlphasCumprod   *tensor.Tensor
	LogOneMinusAlphasCumprod    *tensor.Tensor
	SqrtRecipAlphasCumprod      *tensor.Tensor
	SqrtRecipm1AlphasCumprod    *tensor.Tensor
	PosteriorVariance           *tensor.Tensor
	PosteriorLogVarianceClipped *tensor.Tensor
	PosteriorMeanCoef1          *tensor.Tensor
	PosteriorMeanCoef2          *tensor.Tensor
}

func newScheduleBuffers(r *checkpoint.Registry, s *Schedule) *scheduleBuffers {
	T := s.Len()
	col := func(fn func(i int) float64) *tensor.Tensor {
		t := tensor.New(T)
		for i := range t.Data {
			t.Data[i] = float32(fn(i))
		}
		return t
	}
	ac := s.AlphasCumprod
	prev := func(i int) float64 {
		if i == 0 {
			return 1
		}
		return ac[i-1]
	}
	postVar := func(i int) float64 { return s.Betas[i] * (1 - prev(i)) / (1 - ac[i]) }

	b := &scheduleBuffers{
		Betas:                       col(func(i int) float64 { return s.Betas[i] }),
		AlphasCumprod:               col(func(i int) float64 { return ac[i] }),
		AlphasCumprodPrev:           col(prev),
		SqrtAlphasCumprod:           col(func(i int) float64 { return math.Sqrt(ac[i]) }),
		SqrtOneMinusAlphasCumprod:   col(func(i int) float64 { return math.Sqrt(1 - ac[i]) }),
		LogOneMinusAlphasCumprod:    col(func(i int) float64 { return math.Log(1 - ac[i]) }),
		SqrtRecipAlphasCumprod:      col(func(i int) float64 { return math.Sqrt(1 / ac[i]) }),
		SqrtRecipm1AlphasCumprod:    col(func(i int) float64 { return math.Sqrt(1/ac[i] - 1) }),
		PosteriorVariance:           col(postVar),
		PosteriorLogVarianceClipped: col(func(i int) float64 { return math.Log(max(postVar(i), 1e-20)) }),
		PosteriorMeanCoef1:          col(func(i int) float64 { return s.Betas[i] * math.Sqrt(prev(i)) / (1 - ac[i]) }),
		PosteriorMeanCoef2:          col(func(i int) float64 { return (1 - prev(i)) * math.Sqrt(1-s.Betas[i]) / (1 - ac[i]) }),
	}
	r.Add("betas", &b.Betas, T)
	r.Add("alphas_cumprod", &b.AlphasCumprod, T)
	r.Add("alphas_cumprod_prev", &b.AlphasCumprodPrev, T)
	r.Add("sqrt_alphas_cumprod", &b.SqrtAlphasCumprod, T)
	r.Add("sqrt_one_minus_alphas_cumprod", &b.SqrtOneMinusAlphasCumprod, T)
	r.Add("log_one_minus_alphas_cumprod", &b.LogOneMinusAlphasCumprod, T)
	r.Add("sqrt_recip_alphas_cumprod", &b.SqrtRecipAlphasCumprod, T)
	r.Add("sqrt_recipm1_alphas_cumprod", &b.SqrtRecipm1AlphasCumprod, T)
	r.Add("posterior_variance", &b.PosteriorVariance, T)
	r.Add("posterior_log_variance_clipped", &b.PosteriorLogVarianceClipped, T)
	r.Add("posterior_mean_coef1", &b.PosteriorMeanCoef1, T)
	r.Add("posterior_mean_coef2", &b.PosteriorMeanCoef2, T)
	return b
}

// alphasCumprod reads the (possibly checkpoint-provided) buffer back as
// float64.
func (b *scheduleBuffers) alphasCumprod() []float64 {
	out := make([]float64, len(b.AlphasCumprod.Data))
	for i, v := range b.AlphasCumprod.Data {
		out[i] = float64(v)
	}
	return out
}

// TimestepEmbedding is the sinusoidal embedding [N, dim] of timesteps t,
// cosines first.
func TimestepEmbedding(t []float64, dim int) *tensor.Tensor {
	half := dim / 2
	out := tensor.New(len(t), dim)
	for n, ts := range t {
		row := out.Data[n*dim : (n+1)*dim]
		for i := 0; i < half; i++ {
			freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
			arg := ts * freq
			row[i] = float32(math.Cos(arg))
			row[half+i] = float32(math.Sin(arg))
		}
	}
	return out
}
