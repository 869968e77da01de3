package sampler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// ddimSchedule holds the coefficients of the uniform DDIM subsequence.
type ddimSchedule struct {
	timesteps  []int // ascending
	alphas     []float64
	alphasPrev []float64
	sigmas     []float64
}

// newDDIMSchedule picks every (T/steps)-th training timestep, offset by one:
// range(0, T, T/steps) + 1. When steps does not divide T this yields a few
// more than steps entries.
func newDDIMSchedule(alphasCumprod []float64, steps int, eta float64) (*ddimSchedule, error) {
	T := len(alphasCumprod)
	c := T / steps
	s := &ddimSchedule{}
	for t := 0; t < T; t += c {
		s.timesteps = append(s.timesteps, t+1)
	}
	if last := s.timesteps[len(s.timesteps)-1]; last >= T {
		return nil, fmt.Errorf("ddim: timestep %d outside the %d step schedule", last, T)
	}
	for i, t := range s.timesteps {
		a := alphasCumprod[t]
		prev := alphasCumprod[0]
		if i > 0 {
			prev = alphasCumprod[s.timesteps[i-1]]
		}
		s.alphas = append(s.alphas, a)
		s.alphasPrev = append(s.alphasPrev, prev)
		s.sigmas = append(s.sigmas, eta*math.Sqrt((1-prev)/(1-a)*(1-a/prev)))
	}
	return s, nil
}

// ddim runs DDIM, or PLMS when plms is set. Both walk the same timestep
// subsequence and share the x_{t-1} update.
type ddim struct {
	base
	plms bool
}

func (d *ddim) Kind() Kind {
	if d.plms {
		return PLMS
	}
	return DDIM
}

func (d *ddim) Sample(ctx context.Context, req Request) (*Result, error) {
	if d.plms && req.Eta != 0 {
		return nil, fmt.Errorf("plms: eta must be 0, got %g", req.Eta)
	}
	r, x, err := d.prepare(req)
	if err != nil {
		return nil, err
	}
	sched, err := newDDIMSchedule(d.model.AlphasCumprod(), req.Steps, req.Eta)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := len(sched.timesteps)
	name := "DDIM"
	if d.plms {
		name = "PLMS"
	}
	d.logger.Info().Msgf("Running %s Sampling with %d timesteps", name, total)

	res := &Result{Intermediates: Intermediates{XInter: []*tensor.Tensor{x}, PredX0: []*tensor.Tensor{x}}}
	var oldEps []*tensor.Tensor
	start := time.Now()
	for i := 0; i < total; i++ {
		index := total - i - 1
		t := sched.timesteps[index]
		var predX0 *tensor.Tensor
		if d.plms {
			next := sched.timesteps[max(index-1, 0)]
			var e *tensor.Tensor
			x, predX0, e, err = d.plmsStep(r, sched, x, t, next, index, oldEps)
			if err == nil {
				oldEps = append(oldEps, e)
				if len(oldEps) > 3 {
					oldEps = oldEps[1:]
				}
			}
		} else {
			x, predX0, err = d.ddimStep(r, sched, x, t, index)
		}
		if err != nil {
			return nil, fmt.Errorf("%s step %d/%d: %w", d.Kind(), i+1, total, err)
		}
		if index%r.req.LogEvery == 0 || index == total-1 {
			res.Intermediates.XInter = append(res.Intermediates.XInter, x)
			res.Intermediates.PredX0 = append(res.Intermediates.PredX0, predX0)
		}
		if err := d.step(ctx, r, i, total, float64(t), start); err != nil {
			return nil, err
		}
	}
	d.logger.Info().Int("evaluations", r.evals).Dur("took", time.Since(start)).Msg("sampling done")
	res.Latent = x
	res.Evaluations = r.evals
	return res, nil
}

// eps returns the guided noise prediction at training timestep t.
func (d *ddim) eps(r *run, x *tensor.Tensor, t int) (*tensor.Tensor, error) {
	out, err := d.output(r, x, float64(t))
	if err != nil {
		return nil, err
	}
	a := d.model.AlphasCumprod()[t]
	return d.toEps(out, x, math.Sqrt(a), math.Sqrt(1-a)), nil
}

// update computes x_{t-1} and the x_0 estimate from a noise prediction:
//
//	pred_x0 = (x - sqrt(1-a_t) * e) / sqrt(a_t)
//	x_prev  = sqrt(a_prev) * pred_x0 + sqrt(1-a_prev-sigma^2) * e + sigma * z
func (d *ddim) update(r *run, s *ddimSchedule, x, e *tensor.Tensor, index int) (*tensor.Tensor, *tensor.Tensor) {
	a, aPrev, sigma := s.alphas[index], s.alphasPrev[index], s.sigmas[index]
	sqrtA := float32(math.Sqrt(a))
	sqrtOneMinusA := float32(math.Sqrt(1 - a))
	sqrtAPrev := float32(math.Sqrt(aPrev))
	dir := float32(math.Sqrt(max(1-aPrev-sigma*sigma, 0)))

	predX0 := tensor.New(x.Shape...)
	out := tensor.New(x.Shape...)
	for i := range x.Data {
		p := (x.Data[i] - sqrtOneMinusA*e.Data[i]) / sqrtA
		predX0.Data[i] = p
		out.Data[i] = sqrtAPrev*p + dir*e.Data[i]
	}
	if sigma > 0 {
		noise := tensor.Randn(r.req.Rand, x.Shape...)
		for i := range out.Data {
			out.Data[i] += float32(sigma) * noise.Data[i]
		}
	}
	return out, predX0
}

func (d *ddim) ddimStep(r *run, s *ddimSchedule, x *tensor.Tensor, t, index int) (*tensor.Tensor, *tensor.Tensor, error) {
	if s.sigmas[index] > 0 && r.req.Rand == nil {
		return nil, nil, fmt.Errorf("eta %g needs a random source", r.req.Eta)
	}
	e, err := d.eps(r, x, t)
	if err != nil {
		return nil, nil, err
	}
	xPrev, predX0 := d.update(r, s, x, e, index)
	return xPrev, predX0, nil
}

// plmsStep is one pseudo linear multistep update. The first step uses a
// pseudo improved Euler step (two evaluations); later steps use
// Adams-Bashforth of increasing order on the stored noise predictions.
func (d *ddim) plmsStep(r *run, s *ddimSchedule, x *tensor.Tensor, t, next, index int, oldEps []*tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	e, err := d.eps(r, x, t)
	if err != nil {
		return nil, nil, nil, err
	}
	var prime *tensor.Tensor
	n := len(oldEps)
	switch {
	case n == 0:
		xPrev, _ := d.update(r, s, x, e, index)
		eNext, err := d.eps(r, xPrev, next)
		if err != nil {
			return nil, nil, nil, err
		}
		prime = weighted([]*tensor.Tensor{e, eNext}, 0.5, 0.5)
	case n == 1:
		prime = weighted([]*tensor.Tensor{e, oldEps[n-1]}, 3.0/2, -1.0/2)
	case n == 2:
		prime = weighted([]*tensor.Tensor{e, oldEps[n-1], oldEps[n-2]}, 23.0/12, -16.0/12, 5.0/12)
	default:
		prime = weighted([]*tensor.Tensor{e, oldEps[n-1], oldEps[n-2], oldEps[n-3]}, 55.0/24, -59.0/24, 37.0/24, -9.0/24)
	}
	xPrev, predX0 := d.update(r, s, x, prime, index)
	return xPrev, predX0, e, nil
}

// weighted returns sum(c[i] * ts[i]).
func weighted(ts []*tensor.Tensor, c ...float64) *tensor.Tensor {
	out := tensor.New(ts[0].Shape...)
	for i, t := range ts {
		w := float32(c[i])
		for j, v := range t.Data {
			out.Data[j] += w * v
		}
	}
	return out
}
