package diffusion

import (
	"fmt"

	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/nn"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// TextEncoder is the frozen CLIP text tower under cond_stage_model. Two
// layouts exist: OpenCLIP (SD 2.x, GELU, packed attention projection) and
// HF transformers CLIP (SD 1.x, QuickGELU, separate q/k/v).
type TextEncoder struct {
	p    TextEncoderParams
	hf   bool
	runN int  // layers evaluated
	norm bool // apply the final LayerNorm

	TokenEmbed *tensor.Tensor
	PosEmbed   *tensor.Tensor
	Layers     []*textLayer
	Final      *nn.LayerNorm

	// carried in the state dict but unused for conditioning
	PositionIDs    *tensor.Tensor
	TextProjection *tensor.Tensor
	LogitScale     *tensor.Tensor
}

type textLayer struct {
	LN1, LN2 *nn.LayerNorm

	Attn       *nn.MultiheadAttention // OpenCLIP
	Q, K, V, O *nn.Linear             // HF

	FC1, FC2  *nn.Linear
	quickGELU bool
	heads     int
}

func (l *textLayer) forward(x *tensor.Tensor) *tensor.Tensor {
	h := l.LN1.Forward(x)
	if l.Attn != nil {
		h = l.Attn.Forward(h, true)
	} else {
		h = l.O.Forward(tensor.Attention(l.Q.Forward(h), l.K.Forward(h), l.V.Forward(h), l.heads, true))
	}
	x = tensor.Add(x, h)

	h = l.FC1.Forward(l.LN2.Forward(x))
	if l.quickGELU {
		h = tensor.QuickGELU(h)
	} else {
		h = tensor.GELU(h)
	}
	return tensor.Add(x, l.FC2.Forward(h))
}

// NewTextEncoder registers the text tower under r (the cond_stage_model
// scope).
func NewTextEncoder(r *checkpoint.Registry, target string, p TextEncoderParams) (*TextEncoder, error) {
	if p.Width <= 0 || p.Heads <= 0 || p.Layers <= 0 {
		return nil, fmt.Errorf("text encoder: unknown arch %q and no width/heads/layers given", p.Arch)
	}
	if p.Width%p.Heads != 0 {
		return nil, fmt.Errorf("text encoder: width %d not divisible by %d heads", p.Width, p.Heads)
	}
	e := &TextEncoder{p: p, runN: p.Layers, norm: true}
	switch target {
	case openCLIPTarget:
		e.registerOpenCLIP(r.Scope("model"))
		if p.Layer == "penultimate" {
			e.runN = p.Layers - 1
		}
	case hfCLIPTarget, "":
		e.hf = true
		e.registerHF(r.Scope("transformer.text_model"))
		if p.Layer == "penultimate" {
			// hidden_states[-2]: the last layer is skipped and so is the
			// final norm
			e.runN, e.norm = p.Layers-1, false
		}
	default:
		return nil, fmt.Errorf("text encoder: unsupported target %q", target)
	}
	return e, nil
}

func (e *TextEncoder) registerOpenCLIP(r *checkpoint.Registry) {
	p := e.p
	r.Add("positional_embedding", &e.PosEmbed, p.MaxLength, p.Width)
	r.Add("text_projection", &e.TextProjection, p.Width, p.Width)
	r.Add("logit_scale", &e.LogitScale)
	r.Add("token_embedding.weight", &e.TokenEmbed, p.VocabSize, p.Width)
	for i := 0; i < p.Layers; i++ {
		s := r.Scope("transformer.resblocks.%d", i)
		e.Layers = append(e.Layers, &textLayer{
			LN1:   nn.NewLayerNorm(s, "ln_1", p.Width, 1e-5),
			Attn:  nn.NewMultiheadAttention(s, "attn", p.Width, p.Heads),
			LN2:   nn.NewLayerNorm(s, "ln_2", p.Width, 1e-5),
			FC1:   nn.NewLinear(s, "mlp.c_fc", p.Width, 4*p.Width, true),
			FC2:   nn.NewLinear(s, "mlp.c_proj", 4*p.Width, p.Width, true),
			heads: p.Heads,
		})
	}
	e.Final = nn.NewLayerNorm(r, "ln_final", p.Width, 1e-5)
}

func (e *TextEncoder) registerHF(r *checkpoint.Registry) {
	p := e.p
	emb := r.Scope("embeddings")
	emb.Add("token_embedding.weight", &e.TokenEmbed, p.VocabSize, p.Width)
	emb.Add("position_embedding.weight", &e.PosEmbed, p.MaxLength, p.Width)
	e.PositionIDs = tensor.New(1, p.MaxLength)
	for i := range e.PositionIDs.Data {
		e.PositionIDs.Data[i] = float32(i)
	}
	emb.Add("position_ids", &e.PositionIDs, 1, p.MaxLength)
	for i := 0; i < p.Layers; i++ {
		s := r.Scope("encoder.layers.%d", i)
		e.Layers = append(e.Layers, &textLayer{
			LN1:       nn.NewLayerNorm(s, "layer_norm1", p.Width, 1e-5),
			Q:         nn.NewLinear(s, "self_attn.q_proj", p.Width, p.Width, true),
			K:         nn.NewLinear(s, "self_attn.k_proj", p.Width, p.Width, true),
			V:         nn.NewLinear(s, "self_attn.v_proj", p.Width, p.Width, true),
			O:         nn.NewLinear(s, "self_attn.out_proj", p.Width, p.Width, true),
			LN2:       nn.NewLayerNorm(s, "layer_norm2", p.Width, 1e-5),
			FC1:       nn.NewLinear(s, "mlp.fc1", p.Width, 4*p.Width, true),
			FC2:       nn.NewLinear(s, "mlp.fc2", 4*p.Width, p.Width, true),
			quickGELU: true,
			heads:     p.Heads,
		})
	}
	e.Final = nn.NewLayerNorm(r, "final_layer_norm", p.Width, 1e-5)
}

// PadToken is the id that fills prompts up to MaxLength.
func (e *TextEncoder) PadToken() int {
	if e.hf {
		return clipEOS
	}
	return 0
}

func (e *TextEncoder) Width() int { return e.p.Width }

// Encode embeds token rows (each MaxLength long) into [N, MaxLength, Width].
func (e *TextEncoder) Encode(tokens [][]int) (*tensor.Tensor, error) {
	L, W := e.p.MaxLength, e.p.Width
	out := tensor.New(len(tokens), L, W)
	for n, row := range tokens {
		if len(row) != L {
			return nil, fmt.Errorf("text encoder: %d tokens, want %d", len(row), L)
		}
		x := tensor.New(L, W)
		for i, tok := range row {
			if tok < 0 || tok >= e.p.VocabSize {
				return nil, fmt.Errorf("text encoder: token %d out of vocabulary", tok)
			}
			dst := x.Data[i*W : (i+1)*W]
			copy(dst, e.TokenEmbed.Data[tok*W:(tok+1)*W])
			for j := range dst {
				dst[j] += e.PosEmbed.Data[i*W+j]
			}
		}
		for _, l := range e.Layers[:e.runN] {
			x = l.forward(x)
		}
		if e.norm {
			x = e.Final.Forward(x)
		}
		copy(out.Data[n*L*W:], x.Data)
	}
	return out, nil
}
