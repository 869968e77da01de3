// Package sampler implements the reverse-diffusion solvers used to turn
// Gaussian noise into latents: DDIM, PLMS and DPM-Solver++. All three share
// the same request shape and classifier-free guidance.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// Kind selects the solver.
type Kind int

const (
	DDIM Kind = iota
	PLMS
	DPMSolver
)

func (k Kind) String() string {
	switch k {
	case DDIM:
		return "ddim"
	case PLMS:
		return "plms"
	case DPMSolver:
		return "dpm"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ErrConflictingSamplers is returned when more than one solver flag is set.
var ErrConflictingSamplers = errors.New("--plms and --dpm are mutually exclusive")

// FromFlags maps the CLI flags to a Kind. DDIM is the default.
func FromFlags(plms, dpm bool) (Kind, error) {
	switch {
	case plms && dpm:
		return 0, ErrConflictingSamplers
	case plms:
		return PLMS, nil
	case dpm:
		return DPMSolver, nil
	}
	return DDIM, nil
}

// Model is the denoiser as the solvers see it.
type Model interface {
	// Apply returns the network output for the whole batch at timestep t.
	// t is an index into AlphasCumprod, fractional for DPM-Solver.
	Apply(x *tensor.Tensor, t float64, cond *tensor.Tensor) (*tensor.Tensor, error)
	AlphasCumprod() []float64
	// Parameterization is "eps" or "v".
	Parameterization() string
}

// Request describes one sampling pass.
type Request struct {
	Steps     int
	BatchSize int
	Shape     [3]int // C, H, W of one latent

	Conditioning  *tensor.Tensor // [BatchSize, T, D]
	Unconditional *tensor.Tensor // required when GuidanceScale != 1
	GuidanceScale float64
	Eta           float64
	XT            *tensor.Tensor // optional starting noise [BatchSize, C, H, W]
	Rand          *rand.Rand
	Progress      func(step, total int)
	LogEvery      int // trajectory sampling interval, default 100
	Verbose       bool
}

type Intermediates struct {
	XInter []*tensor.Tensor
	PredX0 []*tensor.Tensor
}

type Result struct {
	Latent        *tensor.Tensor
	Intermediates Intermediates
	// Evaluations counts denoiser calls.
	Evaluations int
}

type Sampler interface {
	Kind() Kind
	Sample(ctx context.Context, req Request) (*Result, error)
}

// New returns the solver for kind bound to model.
func New(kind Kind, model Model) (Sampler, error) {
	if model == nil {
		return nil, fmt.Errorf("sampler: nil model")
	}
	b := base{
		model:  model,
		logger: log.With().Str("component", "sampler").Str("sampler", kind.String()).Logger(),
	}
	switch kind {
	case DDIM:
		return &ddim{base: b}, nil
	case PLMS:
		return &ddim{base: b, plms: true}, nil
	case DPMSolver:
		return &dpmSolver{base: b}, nil
	}
	return nil, fmt.Errorf("sampler: unknown kind %v", kind)
}

type base struct {
	model  Model
	logger zerolog.Logger
}

// run holds the per-request state shared by the solvers.
type run struct {
	req   Request
	evals int
}

func (b *base) prepare(req Request) (*run, *tensor.Tensor, error) {
	if req.Steps <= 0 {
		return nil, nil, fmt.Errorf("sampler: steps must be positive, got %d", req.Steps)
	}
	if n := len(b.model.AlphasCumprod()); req.Steps > n {
		return nil, nil, fmt.Errorf("sampler: %d steps exceed the %d training timesteps", req.Steps, n)
	}
	if req.BatchSize <= 0 {
		return nil, nil, fmt.Errorf("sampler: batch size must be positive, got %d", req.BatchSize)
	}
	if req.Conditioning == nil || req.Conditioning.Batch() != req.BatchSize {
		return nil, nil, fmt.Errorf("sampler: conditioning batch does not match batch size %d", req.BatchSize)
	}
	if req.GuidanceScale != 1 {
		if req.Unconditional == nil {
			return nil, nil, fmt.Errorf("sampler: guidance scale %g needs an unconditional conditioning", req.GuidanceScale)
		}
		if req.Unconditional.Batch() != req.BatchSize {
			return nil, nil, fmt.Errorf("sampler: unconditional batch %d, want %d", req.Unconditional.Batch(), req.BatchSize)
		}
	}
	if req.LogEvery <= 0 {
		req.LogEvery = 100
	}
	shape := []int{req.BatchSize, req.Shape[0], req.Shape[1], req.Shape[2]}
	var x *tensor.Tensor
	if req.XT != nil {
		if !sameDims(req.XT.Shape, shape) {
			return nil, nil, fmt.Errorf("sampler: start noise %v, want %v", req.XT.Shape, shape)
		}
		x = req.XT.Clone()
	} else {
		if req.Rand == nil {
			return nil, nil, fmt.Errorf("sampler: no start noise and no random source")
		}
		x = tensor.Randn(req.Rand, shape...)
	}
	return &run{req: req}, x, nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// output evaluates the denoiser with classifier-free guidance. At scale 1
// the unconditional branch is never evaluated.
func (b *base) output(r *run, x *tensor.Tensor, t float64) (*tensor.Tensor, error) {
	if r.req.GuidanceScale == 1 {
		r.evals++
		return b.model.Apply(x, t, r.req.Conditioning)
	}
	uncond, err := b.model.Apply(x, t, r.req.Unconditional)
	if err != nil {
		return nil, err
	}
	cond, err := b.model.Apply(x, t, r.req.Conditioning)
	if err != nil {
		return nil, err
	}
	r.evals += 2
	s := float32(r.req.GuidanceScale)
	return tensor.Axpby(1-s, uncond, s, cond), nil
}

// toEps converts a model output to a noise prediction given the signal and
// noise coefficients at the current step.
func (b *base) toEps(out, x *tensor.Tensor, alpha, sigma float64) *tensor.Tensor {
	if b.model.Parameterization() != "v" {
		return out
	}
	return tensor.Axpby(float32(alpha), out, float32(sigma), x)
}

func (b *base) step(ctx context.Context, r *run, i, total int, t float64, start time.Time) error {
	if r.req.Progress != nil {
		r.req.Progress(i+1, total)
	}
	ev := b.logger.Debug()
	if r.req.Verbose {
		ev = b.logger.Info()
	}
	ev.Msgf("step %d/%d t=%.0f %.1fs", i+1, total, t, time.Since(start).Seconds())
	return ctx.Err()
}
