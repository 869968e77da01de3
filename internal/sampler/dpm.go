package sampler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// noiseSchedule is the continuous-time VP view of a discrete schedule:
// t in [1/N, 1], log(alpha_t) interpolated piecewise linearly between the
// training timesteps.
type noiseSchedule struct {
	n        int
	tArray   []float64
	logAlpha []float64
}

func newNoiseSchedule(alphasCumprod []float64) *noiseSchedule {
	n := len(alphasCumprod)
	s := &noiseSchedule{n: n, tArray: make([]float64, n), logAlpha: make([]float64, n)}
	for i, a := range alphasCumprod {
		s.tArray[i] = float64(i+1) / float64(n)
		s.logAlpha[i] = 0.5 * math.Log(a)
	}
	return s
}

// marginalLogMeanCoeff is log(alpha_t), extrapolating the end segments.
func (s *noiseSchedule) marginalLogMeanCoeff(t float64) float64 {
	if s.n == 1 {
		return s.logAlpha[0]
	}
	i := int(math.Floor(t*float64(s.n))) - 1
	i = min(max(i, 0), s.n-2)
	x0, x1 := s.tArray[i], s.tArray[i+1]
	y0, y1 := s.logAlpha[i], s.logAlpha[i+1]
	return y0 + (t-x0)*(y1-y0)/(x1-x0)
}

func (s *noiseSchedule) alpha(t float64) float64 { return math.Exp(s.marginalLogMeanCoeff(t)) }

func (s *noiseSchedule) sigma(t float64) float64 {
	return math.Sqrt(1 - math.Exp(2*s.marginalLogMeanCoeff(t)))
}

// lambda is the half log-SNR log(alpha_t / sigma_t).
func (s *noiseSchedule) lambda(t float64) float64 {
	lmc := s.marginalLogMeanCoeff(t)
	return lmc - 0.5*math.Log(1-math.Exp(2*lmc))
}

// dpmSolver is DPM-Solver++ (data prediction), multistep, order 2, with
// time-uniform steps and lower-order final steps below 15 steps.
type dpmSolver struct {
	base
}

const dpmOrder = 2

func (d *dpmSolver) Kind() Kind { return DPMSolver }

func (d *dpmSolver) Sample(ctx context.Context, req Request) (*Result, error) {
	r, x, err := d.prepare(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ns := newNoiseSchedule(d.model.AlphasCumprod())
	steps := req.Steps
	tT, t0 := 1.0, 1.0/float64(ns.n)
	ts := make([]float64, steps+1)
	for i := range ts {
		ts[i] = tT + float64(i)*(t0-tT)/float64(steps)
	}
	d.logger.Info().Msgf("Running DPM-Solver++ Sampling with %d timesteps", steps)

	res := &Result{Intermediates: Intermediates{XInter: []*tensor.Tensor{x}}}
	start := time.Now()
	m, err := d.dataPrediction(r, ns, x, ts[0])
	if err != nil {
		return nil, fmt.Errorf("dpm step 1/%d: %w", steps, err)
	}
	models := []*tensor.Tensor{m}
	times := []float64{ts[0]}
	for step := 1; step <= steps; step++ {
		order := min(dpmOrder, step)
		if steps < 15 {
			order = min(order, steps+1-step)
		}
		t := ts[step]
		if order == 1 {
			x = d.firstOrder(ns, x, models[len(models)-1], times[len(times)-1], t)
		} else {
			x = d.secondOrder(ns, x, models, times, t)
		}
		if step < steps {
			m, err := d.dataPrediction(r, ns, x, t)
			if err != nil {
				return nil, fmt.Errorf("dpm step %d/%d: %w", step+1, steps, err)
			}
			models = append(models, m)
			times = append(times, t)
			if len(models) > dpmOrder {
				models, times = models[1:], times[1:]
			}
		}
		if err := d.step(ctx, r, step-1, steps, d.modelTime(ns, t), start); err != nil {
			return nil, err
		}
	}
	d.logger.Info().Int("evaluations", r.evals).Dur("took", time.Since(start)).Msg("sampling done")
	res.Intermediates.XInter = append(res.Intermediates.XInter, x)
	res.Latent = x
	res.Evaluations = r.evals
	return res, nil
}

// modelTime maps continuous t to the network's timestep input.
func (d *dpmSolver) modelTime(ns *noiseSchedule, t float64) float64 {
	return (t - 1/float64(ns.n)) * float64(ns.n)
}

// dataPrediction evaluates the guided model and returns the x_0 estimate
// (x - sigma_t * eps) / alpha_t.
func (d *dpmSolver) dataPrediction(r *run, ns *noiseSchedule, x *tensor.Tensor, t float64) (*tensor.Tensor, error) {
	out, err := d.output(r, x, d.modelTime(ns, t))
	if err != nil {
		return nil, err
	}
	alpha, sigma := ns.alpha(t), ns.sigma(t)
	eps := d.toEps(out, x, alpha, sigma)
	return tensor.Axpby(float32(1/alpha), x, float32(-sigma/alpha), eps), nil
}

// firstOrder is the DPM-Solver++ first order step (DDIM in data space):
//
//	x_t = sigma_t/sigma_s * x - alpha_t * expm1(-h) * m_s
func (d *dpmSolver) firstOrder(ns *noiseSchedule, x, ms *tensor.Tensor, s, t float64) *tensor.Tensor {
	h := ns.lambda(t) - ns.lambda(s)
	phi1 := math.Expm1(-h)
	return tensor.Axpby(float32(ns.sigma(t)/ns.sigma(s)), x, float32(-ns.alpha(t)*phi1), ms)
}

// secondOrder is the multistep DPM-Solver++(2M) update from the last two
// data predictions.
func (d *dpmSolver) secondOrder(ns *noiseSchedule, x *tensor.Tensor, models []*tensor.Tensor, times []float64, t float64) *tensor.Tensor {
	m1, m0 := models[len(models)-2], models[len(models)-1]
	t1, t0 := times[len(times)-2], times[len(times)-1]
	l1, l0, lt := ns.lambda(t1), ns.lambda(t0), ns.lambda(t)
	h0, h := l0-l1, lt-l0
	r0 := h0 / h
	phi1 := math.Expm1(-h)
	alphaT := ns.alpha(t)

	a := float32(ns.sigma(t) / ns.sigma(t0))
	// D1_0 = (m0 - m1) / r0
	b := float32(-alphaT * phi1)
	c := float32(-0.5 * alphaT * phi1 / r0)
	out := tensor.New(x.Shape...)
	for i := range x.Data {
		d1 := m0.Data[i] - m1.Data[i]
		out.Data[i] = a*x.Data[i] + b*m0.Data[i] + c*d1
	}
	return out
}
