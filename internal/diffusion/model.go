package diffusion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/device"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// Backend runs the networks of a latent diffusion model. Latents crossing it
// are unscaled (scale_factor is applied by LatentDiffusion).
type Backend interface {
	Denoise(x *tensor.Tensor, t []float64, context *tensor.Tensor) (*tensor.Tensor, error)
	Decode(z *tensor.Tensor) (*tensor.Tensor, error)
	Encode(x *tensor.Tensor) (*tensor.Tensor, error)
	EncodeText(tokens [][]int) (*tensor.Tensor, error)
	Close() error
}

const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// LoadOptions says where the model pieces come from.
type LoadOptions struct {
	ConfigPath     string
	CheckpointPath string
	Backend        string
	ONNXDir        string
	TokenizerDir   string
	// UncondEmbedding is an .npy [T, D] or [1, T, D] used instead of running
	// the text encoder on "".
	UncondEmbedding string
	// UseEMA overrides the descriptor's use_ema when set.
	UseEMA  *bool
	Verbose bool
}

// LatentDiffusion is the loaded model as the samplers and the generation
// loop see it.
type LatentDiffusion struct {
	Desc          *Descriptor
	GlobalStep    int64
	HasGlobalStep bool

	backend       Backend
	tokenizer     *Tokenizer
	uncond        *tensor.Tensor
	alphasCumprod []float64
	rt            *device.Runtime
}

// NewLatentDiffusion assembles a model from an already constructed backend.
func NewLatentDiffusion(desc *Descriptor, b Backend, tok *Tokenizer, rt *device.Runtime) (*LatentDiffusion, error) {
	p := desc.Model.Params
	s, err := NewSchedule(p.BetaSchedule, p.Timesteps, p.LinearStart, p.LinearEnd)
	if err != nil {
		return nil, err
	}
	return &LatentDiffusion{Desc: desc, backend: b, tokenizer: tok, alphasCumprod: s.AlphasCumprod, rt: rt}, nil
}

// SetUnconditional replaces text encoding of "" with emb.
func (m *LatentDiffusion) SetUnconditional(emb *tensor.Tensor) error {
	switch emb.Dims() {
	case 2:
		emb = tensor.Unsqueeze(emb)
	case 3:
		if emb.Shape[0] != 1 {
			return fmt.Errorf("unconditional embedding: batch %d, want 1", emb.Shape[0])
		}
	default:
		return fmt.Errorf("unconditional embedding: shape %v, want [T, D]", emb.Shape)
	}
	if d := emb.Shape[2]; d != m.ContextDim() {
		return fmt.Errorf("unconditional embedding: width %d, model context dim %d", d, m.ContextDim())
	}
	m.uncond = emb
	return nil
}

func (m *LatentDiffusion) AlphasCumprod() []float64 { return m.alphasCumprod }

func (m *LatentDiffusion) NumTimesteps() int { return len(m.alphasCumprod) }

// Parameterization is "eps" or "v".
func (m *LatentDiffusion) Parameterization() string { return m.Desc.Model.Params.Parameterization }

func (m *LatentDiffusion) ContextDim() int { return m.Desc.ContextDim() }

func (m *LatentDiffusion) LatentChannels() int { return m.Desc.LatentChannels() }

func (m *LatentDiffusion) DownsampleFactor() int { return m.Desc.DownsampleFactor() }

func (m *LatentDiffusion) ScaleFactor() float64 { return m.Desc.Model.Params.ScaleFactor }

// Apply evaluates the denoiser at timestep t for the whole batch.
func (m *LatentDiffusion) Apply(x *tensor.Tensor, t float64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	ts := make([]float64, x.Batch())
	for i := range ts {
		ts[i] = t
	}
	out, err := m.backend.Denoise(m.rt.Round(x), ts, m.rt.Round(cond))
	if err != nil {
		return nil, err
	}
	return m.rt.Round(out), nil
}

// DecodeFirstStage maps scaled latents to pixels.
func (m *LatentDiffusion) DecodeFirstStage(z *tensor.Tensor) (*tensor.Tensor, error) {
	z = tensor.Scale(z, float32(1/m.ScaleFactor()))
	x, err := m.backend.Decode(m.rt.Round(z))
	if err != nil {
		return nil, err
	}
	return m.rt.Round(x), nil
}

// EncodeFirstStage maps pixels in [-1, 1] to scaled latents (posterior mean).
func (m *LatentDiffusion) EncodeFirstStage(x *tensor.Tensor) (*tensor.Tensor, error) {
	z, err := m.backend.Encode(x)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(z, float32(m.ScaleFactor())), nil
}

// LearnedConditioning encodes prompts into [len(texts), T, D].
func (m *LatentDiffusion) LearnedConditioning(texts []string) (*tensor.Tensor, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("conditioning: no prompts")
	}
	if m.uncond != nil {
		for _, s := range texts {
			if strings.TrimSpace(s) != "" {
				return nil, fmt.Errorf("conditioning: prompt %q needs the text encoder, only the stored unconditional embedding is loaded", s)
			}
		}
		return tensor.Repeat(m.uncond, len(texts)), nil
	}
	rows := make([][]int, len(texts))
	for i, s := range texts {
		ids, err := m.tokenizer.Encode(s)
		if err != nil {
			return nil, err
		}
		rows[i] = ids
	}
	c, err := m.backend.EncodeText(rows)
	if err != nil {
		return nil, fmt.Errorf("conditioning: %w", err)
	}
	if c.Shape[2] != m.ContextDim() {
		return nil, fmt.Errorf("conditioning: text width %d, model context dim %d", c.Shape[2], m.ContextDim())
	}
	return c, nil
}

func (m *LatentDiffusion) Close() error {
	if m.backend == nil {
		return nil
	}
	return m.backend.Close()
}

// nativeBackend runs the pure-Go networks.
type nativeBackend struct {
	unet *UNet
	ae   *Autoencoder
	text *TextEncoder
}

func (b *nativeBackend) Denoise(x *tensor.Tensor, t []float64, c *tensor.Tensor) (*tensor.Tensor, error) {
	return b.unet.Forward(x, t, c)
}

func (b *nativeBackend) Decode(z *tensor.Tensor) (*tensor.Tensor, error) { return b.ae.Decode(z) }

func (b *nativeBackend) Encode(x *tensor.Tensor) (*tensor.Tensor, error) { return b.ae.Encode(x) }

func (b *nativeBackend) EncodeText(tokens [][]int) (*tensor.Tensor, error) {
	if b.text == nil {
		return nil, fmt.Errorf("text encoder not loaded")
	}
	return b.text.Encode(tokens)
}

func (b *nativeBackend) Close() error { return nil }

// nativeNetworks builds the native networks for desc and registers their
// parameters under the LDM names. The text encoder is skipped when withText
// is false.
func nativeNetworks(desc *Descriptor, withText bool) (Backend, *checkpoint.Registry, *scheduleBuffers, error) {
	p := desc.Model.Params
	sched, err := NewSchedule(p.BetaSchedule, p.Timesteps, p.LinearStart, p.LinearEnd)
	if err != nil {
		return nil, nil, nil, err
	}
	r := checkpoint.NewRegistry()
	bufs := newScheduleBuffers(r, sched)
	b := &nativeBackend{}
	if b.unet, err = NewUNet(r.Scope("model.diffusion_model"), p.UNetConfig.Params); err != nil {
		return nil, nil, nil, err
	}
	if b.ae, err = NewAutoencoder(r.Scope("first_stage_model"), p.FirstStageConfig.Params); err != nil {
		return nil, nil, nil, err
	}
	if withText {
		if b.text, err = NewTextEncoder(r.Scope("cond_stage_model"), p.CondStageConfig.Target, p.CondStageConfig.Params); err != nil {
			return nil, nil, nil, err
		}
	}
	return b, r, bufs, nil
}

// Load reads the descriptor and the checkpoint and builds the model on the
// requested backend. Missing and unexpected parameters do not fail the load;
// they come back in the report. A parameter whose shape differs from the
// model's fails it with *checkpoint.ShapeMismatchError.
func Load(ctx context.Context, opts LoadOptions, rt *device.Runtime) (*LatentDiffusion, *checkpoint.LoadReport, error) {
	logger := log.With().Str("component", "diffusion").Logger()
	desc, err := ReadDescriptor(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	te := desc.Model.Params.CondStageConfig.Params
	pad := 0
	if !desc.openCLIP() {
		pad = clipEOS
	}
	tok := EmptyPromptTokenizer(pad, te.MaxLength)
	if opts.TokenizerDir != "" {
		if tok, err = LoadTokenizer(opts.TokenizerDir, pad, te.MaxLength); err != nil {
			return nil, nil, err
		}
	}
	var uncond *tensor.Tensor
	if opts.UncondEmbedding != "" {
		if uncond, err = tensor.LoadNpy(opts.UncondEmbedding); err != nil {
			return nil, nil, fmt.Errorf("unconditional embedding: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		m   *LatentDiffusion
		rep *checkpoint.LoadReport
	)
	switch opts.Backend {
	case BackendNative, "":
		m, rep, err = loadNative(ctx, desc, opts, uncond == nil, rt)
	case BackendONNX:
		var b Backend
		if b, err = newONNXBackend(desc, opts, rt); err == nil {
			m, err = NewLatentDiffusion(desc, b, tok, rt)
			rep = &checkpoint.LoadReport{}
		}
	default:
		err = fmt.Errorf("unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	m.tokenizer = tok
	if uncond != nil {
		if err := m.SetUnconditional(uncond); err != nil {
			m.Close()
			return nil, nil, err
		}
		logger.Info().Str("path", opts.UncondEmbedding).Msg("using stored unconditional embedding")
	}
	if rt != nil && rt.Device == device.CUDA && opts.Backend != BackendONNX {
		logger.Warn().Msg("native backend computes on the host; cuda only selects the device name")
	}
	return m, rep, nil
}

func loadNative(ctx context.Context, desc *Descriptor, opts LoadOptions, withText bool, rt *device.Runtime) (*LatentDiffusion, *checkpoint.LoadReport, error) {
	logger := log.With().Str("component", "diffusion").Logger()
	logger.Info().Str("path", opts.CheckpointPath).Msg("loading model from checkpoint")
	start := time.Now()
	ck, err := checkpoint.Open(opts.CheckpointPath)
	if err != nil {
		return nil, nil, err
	}
	if ck.HasGlobalStep {
		logger.Info().Msgf("Global Step: %d", ck.GlobalStep)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	b, reg, bufs, err := nativeNetworks(desc, withText)
	if err != nil {
		return nil, nil, err
	}

	params := ck.Params
	useEMA := desc.Model.Params.UseEMA
	if opts.UseEMA != nil {
		useEMA = *opts.UseEMA
	}
	if useEMA {
		var n int
		params, n = ck.WithEMA()
		logger.Info().Int("swapped", n).Msg("using EMA weights")
	}
	if !withText {
		params = withoutPrefix(params, "cond_stage_model.")
	}

	rep := reg.Load(params)
	logReport(rep, opts.Verbose)
	if len(rep.ShapeMismatches) > 0 {
		errs := make([]error, len(rep.ShapeMismatches))
		for i, sm := range rep.ShapeMismatches {
			errs[i] = sm
		}
		return nil, nil, fmt.Errorf("load %s: %w", opts.CheckpointPath, errors.Join(errs...))
	}
	logger.Info().
		Int("loaded", rep.Loaded).
		Int("params", reg.NumParams()).
		Str("format", ck.Format.String()).
		Dur("took", time.Since(start)).
		Msg("model loaded")

	m := &LatentDiffusion{
		Desc:          desc,
		GlobalStep:    ck.GlobalStep,
		HasGlobalStep: ck.HasGlobalStep,
		backend:       b,
		alphasCumprod: bufs.alphasCumprod(),
		rt:            rt,
	}
	return m, rep, nil
}

func withoutPrefix(params map[string]*tensor.Tensor, prefix string) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(params))
	for k, v := range params {
		if !strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// logReport logs mismatch counts at warn level; the names only when verbose.
func logReport(rep *checkpoint.LoadReport, verbose bool) {
	logger := log.With().Str("component", "diffusion").Logger()
	names := zerolog.DebugLevel
	if verbose {
		names = zerolog.InfoLevel
	}
	if len(rep.Missing) > 0 {
		logger.Warn().Int("count", len(rep.Missing)).Msg("missing keys")
		logger.WithLevel(names).Strs("keys", rep.Missing).Msg("missing keys")
	}
	if len(rep.Unexpected) > 0 {
		logger.Warn().Int("count", len(rep.Unexpected)).Msg("unexpected keys")
		logger.WithLevel(names).Strs("keys", rep.Unexpected).Msg("unexpected keys")
	}
	for _, sm := range rep.ShapeMismatches {
		logger.Error().Err(sm).Msg("size mismatch")
	}
}

// ErrBackendUnavailable is returned for the onnx backend in builds without
// the ort tag.
var ErrBackendUnavailable = errors.New("onnx backend not compiled in (build with -tags ort)")
