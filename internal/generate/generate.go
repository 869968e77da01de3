// Package generate drives one brain-to-image run: a reference sample from
// the stored caption embedding, then n_iter batches conditioned on the scan,
// written as PNGs with a contact-sheet grid.
package generate

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/JacobB33/StableDiffusionFork/internal/dataset"
	"github.com/JacobB33/StableDiffusionFork/internal/device"
	"github.com/JacobB33/StableDiffusionFork/internal/imageio"
	"github.com/JacobB33/StableDiffusionFork/internal/sampler"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// Model is the part of the diffusion model the run needs besides the
// sampler.
type Model interface {
	LearnedConditioning(texts []string) (*tensor.Tensor, error)
	DecodeFirstStage(z *tensor.Tensor) (*tensor.Tensor, error)
}

// Conditioner maps scan features to conditioning.
type Conditioner interface {
	Condition(scan *tensor.Tensor) (*tensor.Tensor, error)
}

type Options struct {
	DataPath  string
	OutDir    string
	Steps     int
	BatchSize int // n_samples
	NIter     int
	NRows     int // grid images per row, 0 means BatchSize
	H, W      int
	C, F      int
	Scale     float64
	Eta       float64
	FixedCode bool
	Seed      int64
	Verbose   bool

	Runtime *device.Runtime
}

func (o Options) validate() error {
	switch {
	case o.Steps <= 0:
		return fmt.Errorf("steps must be positive, got %d", o.Steps)
	case o.BatchSize <= 0:
		return fmt.Errorf("n_samples must be positive, got %d", o.BatchSize)
	case o.NIter <= 0:
		return fmt.Errorf("n_iter must be positive, got %d", o.NIter)
	case o.C <= 0 || o.F <= 0 || o.H <= 0 || o.W <= 0:
		return fmt.Errorf("C, f, H and W must be positive")
	case o.H%o.F != 0 || o.W%o.F != 0:
		return fmt.Errorf("H=%d and W=%d must be divisible by f=%d", o.H, o.W, o.F)
	}
	return nil
}

// IterationError reports the sampling iteration that failed. Files written
// before it are kept and the grid covers the completed iterations.
type IterationError struct {
	Iteration int
	Err       error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("iteration %d: %v", e.Iteration, e.Err)
}

func (e *IterationError) Unwrap() error { return e.Err }

type Phase struct {
	Name string
	Took time.Duration
}

type Report struct {
	RunID  string
	Index  int
	OutDir string
	Files  []string
	Phases []Phase
	// Iterations counts completed sampling iterations.
	Iterations int
}

type Orchestrator struct {
	opts    Options
	model   Model
	cond    Conditioner
	sampler sampler.Sampler
}

func New(opts Options, model Model, cond Conditioner, s sampler.Sampler) *Orchestrator {
	if opts.NRows <= 0 {
		opts.NRows = opts.BatchSize
	}
	return &Orchestrator{opts: opts, model: model, cond: cond, sampler: s}
}

// run is the state of one Run call.
type run struct {
	*Orchestrator
	logger zerolog.Logger
	rep    *Report
	rng    *rand.Rand
	start  *tensor.Tensor // fixed starting noise, nil when drawn per pass
	images []*image.RGBA
	count  int
}

// Run generates every output for dataset entry index.
func (o *Orchestrator) Run(ctx context.Context, index int) (*Report, error) {
	if err := o.opts.validate(); err != nil {
		return nil, err
	}
	rep := &Report{RunID: uuid.NewString(), Index: index}
	r := &run{
		Orchestrator: o,
		rep:          rep,
		logger:       log.With().Str("component", "generate").Str("run_id", rep.RunID).Int("index", index).Logger(),
		rng:          rand.New(rand.NewSource(o.opts.Seed)),
	}

	ix, err := dataset.Load(o.opts.DataPath)
	if err != nil {
		return rep, err
	}
	rec, err := ix.Resolve(o.opts.DataPath, index)
	if err != nil {
		return rep, err
	}
	rep.OutDir = filepath.Join(o.opts.OutDir, fmt.Sprintf("results_image_%d", index))
	if err := os.MkdirAll(rep.OutDir, 0o755); err != nil {
		return rep, err
	}
	r.logger.Info().Str("image", rec.ImageID).Str("outdir", rep.OutDir).Msg("resolved dataset entry")

	if o.opts.FixedCode {
		r.start = tensor.Randn(r.rng, o.opts.BatchSize, o.opts.C, o.opts.H/o.opts.F, o.opts.W/o.opts.F)
	}

	var iterErr error
	err = autocast(o.opts.Runtime, func() error {
		if err := r.phase("target generation", func() error { return r.groundTruth(ctx, rec) }); err != nil {
			return err
		}
		var c *tensor.Tensor
		if err := r.phase("condition", func() error {
			var err error
			c, err = r.condition(rec)
			return err
		}); err != nil {
			return err
		}
		if err := r.phase("reference copy", func() error {
			return r.save(fmt.Sprintf("target_%d.png", index), func(path string) error {
				_, err := imageio.CopyAsPNG(rec.ImagePath, path)
				return err
			})
		}); err != nil {
			return err
		}
		return r.phase("sampling", func() error {
			iterErr = r.iterate(ctx, c)
			return nil
		})
	})
	if err != nil {
		return rep, err
	}

	if len(r.images) > 0 {
		if err := r.phase("grid", func() error { return r.grid(index) }); err != nil {
			return rep, err
		}
	}
	if iterErr != nil {
		r.logger.Error().Err(iterErr).Int("completed", rep.Iterations).Msg("sampling stopped")
		return rep, iterErr
	}
	r.logger.Info().Int("files", len(rep.Files)).Msgf("Your samples are ready and waiting for you here: %s", rep.OutDir)
	return rep, nil
}

func autocast(rt *device.Runtime, fn func() error) error {
	if rt == nil {
		return fn()
	}
	return rt.Autocast(fn)
}

func (r *run) phase(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	took := time.Since(start)
	r.rep.Phases = append(r.rep.Phases, Phase{Name: name, Took: took})
	if err != nil {
		return err
	}
	r.logger.Info().Str("phase", name).Dur("took", took).Msg("phase done")
	return nil
}

// save writes a file into the output directory via write and records it.
func (r *run) save(name string, write func(path string) error) error {
	path := filepath.Join(r.rep.OutDir, name)
	if err := write(path); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	r.rep.Files = append(r.rep.Files, path)
	r.logger.Debug().Str("file", path).Msg("written")
	return nil
}

func (r *run) unconditional(n int) (*tensor.Tensor, error) {
	if r.opts.Scale == 1 {
		return nil, nil
	}
	texts := make([]string, n)
	uc, err := r.model.LearnedConditioning(texts)
	if err != nil {
		return nil, fmt.Errorf("unconditional conditioning: %w", err)
	}
	return uc, nil
}

// sample runs one sampling pass and returns the decoded pixels in [0, 1].
func (r *run) sample(ctx context.Context, c, uc, xT *tensor.Tensor, batch int) (*tensor.Tensor, error) {
	res, err := r.sampler.Sample(ctx, sampler.Request{
		Steps:         r.opts.Steps,
		BatchSize:     batch,
		Shape:         [3]int{r.opts.C, r.opts.H / r.opts.F, r.opts.W / r.opts.F},
		Conditioning:  c,
		Unconditional: uc,
		GuidanceScale: r.opts.Scale,
		Eta:           r.opts.Eta,
		XT:            xT,
		Rand:          r.rng,
		Verbose:       r.opts.Verbose,
	})
	if err != nil {
		return nil, err
	}
	x, err := r.model.DecodeFirstStage(res.Latent)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return imageio.Normalize(x), nil
}

// groundTruth samples one image straight from caption embedding 0.
func (r *run) groundTruth(ctx context.Context, rec *dataset.Record) error {
	emb, err := rec.LoadCaptionEmbedding(0)
	if err != nil {
		return err
	}
	uc, err := r.unconditional(1)
	if err != nil {
		return err
	}
	var xT *tensor.Tensor
	if r.start != nil {
		xT = r.start.Index(0)
	}
	x, err := r.sample(ctx, emb, uc, xT, 1)
	if err != nil {
		return fmt.Errorf("target generation: %w", err)
	}
	img, err := imageio.ToRGBA(x.Index(0))
	if err != nil {
		return err
	}
	return r.save("target_generation.png", func(path string) error { return imageio.SavePNG(img, path) })
}

// condition embeds the scan once; every iteration reuses the result.
func (r *run) condition(rec *dataset.Record) (*tensor.Tensor, error) {
	scan, err := rec.LoadScan()
	if err != nil {
		return nil, err
	}
	c, err := r.cond.Condition(scan)
	if err != nil {
		return nil, err
	}
	if c.Dims() != 3 || c.Batch() != 1 {
		return nil, fmt.Errorf("condition: got %v, want [1, T, D]", c.Shape)
	}
	return c, nil
}

func (r *run) iterate(ctx context.Context, c *tensor.Tensor) error {
	B := r.opts.BatchSize
	cond := tensor.Repeat(c, B)
	for n := 0; n < r.opts.NIter; n++ {
		if err := ctx.Err(); err != nil {
			return &IterationError{Iteration: n, Err: err}
		}
		start := time.Now()
		if err := r.iteration(ctx, cond); err != nil {
			return &IterationError{Iteration: n, Err: err}
		}
		r.rep.Iterations++
		r.logger.Info().Msgf("Sampling %d/%d %.1fs", n+1, r.opts.NIter, time.Since(start).Seconds())
	}
	return nil
}

func (r *run) iteration(ctx context.Context, cond *tensor.Tensor) error {
	B := r.opts.BatchSize
	uc, err := r.unconditional(B)
	if err != nil {
		return err
	}
	x, err := r.sample(ctx, cond, uc, r.start, B)
	if err != nil {
		return err
	}
	var batch []*image.RGBA
	for i := 0; i < B; i++ {
		img, err := imageio.ToRGBA(x.Index(i))
		if err != nil {
			return err
		}
		if err := r.save(fmt.Sprintf("img_%d.png", r.count), func(path string) error { return imageio.SavePNG(img, path) }); err != nil {
			return err
		}
		r.count++
		batch = append(batch, img)
	}
	r.images = append(r.images, batch...)
	return nil
}

func (r *run) grid(index int) error {
	g, err := imageio.Grid(r.images, r.opts.NRows)
	if err != nil {
		return err
	}
	return r.save(fmt.Sprintf("grid-%d.png", index), func(path string) error { return imageio.SavePNG(g, path) })
}
