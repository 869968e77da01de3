// Package embedder restores the brain-scan embedding network and turns scan
// feature vectors into diffusion conditioning.
package embedder

import (
	"fmt"

	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/nn"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// Config fixes the network shape a snapshot must match.
type Config struct {
	// StageWidths are the Conv1d channel counts; the last one is the number
	// of conditioning tokens.
	StageWidths []int
	// InputLength is the expected scan length, or -1 to accept any.
	InputLength int
	Heads       int
	// ContextDim is the width of each conditioning token and must equal the
	// diffusion model's cross-attention context dim.
	ContextDim int
}

// DefaultConfig is the configuration the published snapshots were trained
// with.
func DefaultConfig(contextDim int) Config {
	return Config{
		StageWidths: []int{8, 16, 32, 48, 77},
		InputLength: -1,
		Heads:       8,
		ContextDim:  contextDim,
	}
}

func (c Config) Tokens() int { return c.StageWidths[len(c.StageWidths)-1] }

func (c Config) validate() error {
	if len(c.StageWidths) == 0 {
		return fmt.Errorf("embedder config: no stages")
	}
	if c.ContextDim <= 0 {
		return fmt.Errorf("embedder config: context dim %d", c.ContextDim)
	}
	if c.Heads <= 0 || c.ContextDim%c.Heads != 0 {
		return fmt.Errorf("embedder config: context dim %d not divisible by %d heads", c.ContextDim, c.Heads)
	}
	return nil
}

// BrainScanEmbedder maps a scan of any length to [tokens, ContextDim]:
// adaptive pooling to ContextDim bins, a Conv1d+GELU stack that widens the
// single channel to the token count, residual self-attention across tokens,
// then LayerNorm and a linear projection.
type BrainScanEmbedder struct {
	cfg    Config
	Stages []*nn.Conv1d
	Attn   *nn.MultiheadAttention
	Norm   *nn.LayerNorm
	Proj   *nn.Linear

	registry *checkpoint.Registry
}

func New(cfg Config) (*BrainScanEmbedder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := checkpoint.NewRegistry()
	e := &BrainScanEmbedder{cfg: cfg, registry: r}
	in := 1
	for i, w := range cfg.StageWidths {
		e.Stages = append(e.Stages, nn.NewConv1d(r, fmt.Sprintf("stages.%d.conv", i), in, w, 3, 1))
		in = w
	}
	e.Attn = nn.NewMultiheadAttention(r, "attn", cfg.ContextDim, cfg.Heads)
	e.Norm = nn.NewLayerNorm(r, "norm", cfg.ContextDim, 1e-5)
	e.Proj = nn.NewLinear(r, "proj", cfg.ContextDim, cfg.ContextDim, true)
	return e, nil
}

func (e *BrainScanEmbedder) Config() Config { return e.cfg }

// Registry exposes the parameter slots.
func (e *BrainScanEmbedder) Registry() *checkpoint.Registry { return e.registry }

// Forward embeds scans [L] or [B, L] into [B, tokens, ContextDim].
func (e *BrainScanEmbedder) Forward(scan *tensor.Tensor) (*tensor.Tensor, error) {
	x := scan
	switch scan.Dims() {
	case 1:
		x = tensor.Unsqueeze(scan)
	case 2:
	default:
		return nil, fmt.Errorf("embedder: scan must be [L] or [B, L], got %v", scan.Shape)
	}
	B, L := x.Shape[0], x.Shape[1]
	if L == 0 {
		return nil, fmt.Errorf("embedder: empty scan")
	}
	if e.cfg.InputLength > 0 && L != e.cfg.InputLength {
		return nil, fmt.Errorf("embedder: scan length %d, want %d", L, e.cfg.InputLength)
	}

	D, T := e.cfg.ContextDim, e.cfg.Tokens()
	out := tensor.New(B, T, D)
	for b := 0; b < B; b++ {
		row := tensor.From(x.Data[b*L:(b+1)*L], []int{1, L})
		h := tensor.AdaptiveAvgPool1d(row, D) // [1, D]
		for _, st := range e.Stages {
			h = tensor.GELU(st.Forward(h))
		}
		h = tensor.Add(h, e.Attn.Forward(h, false)) // [T, D]
		h = e.Proj.Forward(e.Norm.Forward(h))
		copy(out.Data[b*T*D:], h.Data)
	}
	return out, nil
}
