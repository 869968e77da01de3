package diffusion

import (
	"fmt"

	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/nn"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// UNet is the LDM openaimodel UNetModel with spatial transformers.
// Parameters live under model.diffusion_model.
type UNet struct {
	cfg UNetParams

	TimeEmbed1, TimeEmbed2 *nn.Linear

	InputBlocks  []*timestepSequential
	MiddleBlock  *timestepSequential
	OutputBlocks []*timestepSequential

	OutNorm *nn.GroupNorm
	OutConv *nn.Conv2d
}

// unetLayer is one module inside a TimestepEmbedSequential.
type unetLayer interface {
	forward(x, emb, context *tensor.Tensor) *tensor.Tensor
}

type timestepSequential struct {
	layers []unetLayer
}

func (s *timestepSequential) forward(x, emb, context *tensor.Tensor) *tensor.Tensor {
	for _, l := range s.layers {
		x = l.forward(x, emb, context)
	}
	return x
}

type convLayer struct{ *nn.Conv2d }

func (c convLayer) forward(x, _, _ *tensor.Tensor) *tensor.Tensor { return c.Forward(x) }

type upsampleLayer struct{ Conv *nn.Conv2d }

func (u upsampleLayer) forward(x, _, _ *tensor.Tensor) *tensor.Tensor {
	return u.Conv.Forward(tensor.Upsample2x(x))
}

// resBlock: GN → SiLU → conv, + time embedding, GN → SiLU → conv, + skip.
type resBlock struct {
	InNorm  *nn.GroupNorm
	InConv  *nn.Conv2d
	Emb     *nn.Linear
	OutNorm *nn.GroupNorm
	OutConv *nn.Conv2d
	Skip    *nn.Conv2d // nil when channels match
}

func newResBlock(r *checkpoint.Registry, in, embDim, out int) *resBlock {
	b := &resBlock{
		InNorm:  nn.NewGroupNorm(r, "in_layers.0", 32, in, 1e-5),
		InConv:  nn.NewConv2d(r, "in_layers.2", in, out, 3, 1, 1),
		Emb:     nn.NewLinear(r, "emb_layers.1", embDim, out, true),
		OutNorm: nn.NewGroupNorm(r, "out_layers.0", 32, out, 1e-5),
		OutConv: nn.NewConv2d(r, "out_layers.3", out, out, 3, 1, 1),
	}
	if in != out {
		b.Skip = nn.NewConv2d(r, "skip_connection", in, out, 1, 1, 0)
	}
	return b
}

func (b *resBlock) forward(x, emb, _ *tensor.Tensor) *tensor.Tensor {
	h := b.InConv.Forward(tensor.SiLU(b.InNorm.Forward(x)))
	h = tensor.AddBroadcast(h, b.Emb.Forward(tensor.SiLU(emb)))
	h = b.OutConv.Forward(tensor.SiLU(b.OutNorm.Forward(h)))
	skip := x
	if b.Skip != nil {
		skip = b.Skip.Forward(x)
	}
	return tensor.Add(skip, h)
}

type crossAttention struct {
	Q, K, V, Out *nn.Linear
	Heads        int
}

func newCrossAttention(r *checkpoint.Registry, queryDim, contextDim, heads, dimHead int) *crossAttention {
	inner := heads * dimHead
	return &crossAttention{
		Q:     nn.NewLinear(r, "to_q", queryDim, inner, false),
		K:     nn.NewLinear(r, "to_k", contextDim, inner, false),
		V:     nn.NewLinear(r, "to_v", contextDim, inner, false),
		Out:   nn.NewLinear(r, "to_out.0", inner, queryDim, true),
		Heads: heads,
	}
}

// forward attends x [N,T,D] to context [N,Tc,Dc], or to itself when context
// is nil.
func (a *crossAttention) forward(x, context *tensor.Tensor) *tensor.Tensor {
	if context == nil {
		context = x
	}
	q := a.Q.Forward(x)
	k := a.K.Forward(context)
	v := a.V.Forward(context)
	return a.Out.Forward(tensor.Attention(q, k, v, a.Heads, false))
}

type basicTransformerBlock struct {
	Norm1, Norm2, Norm3 *nn.LayerNorm
	Attn1, Attn2        *crossAttention
	FFIn, FFOut         *nn.Linear
}

func newBasicTransformerBlock(r *checkpoint.Registry, dim, heads, dimHead, contextDim int) *basicTransformerBlock {
	return &basicTransformerBlock{
		Attn1: newCrossAttention(r.Scope("attn1"), dim, dim, heads, dimHead),
		FFIn:  nn.NewLinear(r, "ff.net.0.proj", dim, dim*8, true),
		FFOut: nn.NewLinear(r, "ff.net.2", dim*4, dim, true),
		Attn2: newCrossAttention(r.Scope("attn2"), dim, contextDim, heads, dimHead),
		Norm1: nn.NewLayerNorm(r, "norm1", dim, 1e-5),
		Norm2: nn.NewLayerNorm(r, "norm2", dim, 1e-5),
		Norm3: nn.NewLayerNorm(r, "norm3", dim, 1e-5),
	}
}

func (b *basicTransformerBlock) forward(x, context *tensor.Tensor) *tensor.Tensor {
	x = tensor.Add(x, b.Attn1.forward(b.Norm1.Forward(x), nil))
	x = tensor.Add(x, b.Attn2.forward(b.Norm2.Forward(x), context))
	ff := b.FFOut.Forward(tensor.GEGLU(b.FFIn.Forward(b.Norm3.Forward(x))))
	return tensor.Add(x, ff)
}

// spatialTransformer runs transformer blocks over the H*W tokens of a
// feature map. SD 2.x projects with Linear layers, SD 1.x with 1x1 convs.
type spatialTransformer struct {
	Norm   *nn.GroupNorm
	Blocks []*basicTransformerBlock

	useLinear         bool
	ProjInL, ProjOutL *nn.Linear
	ProjInC, ProjOutC *nn.Conv2d
}

func newSpatialTransformer(r *checkpoint.Registry, ch, heads, dimHead, depth, contextDim int, useLinear bool) *spatialTransformer {
	inner := heads * dimHead
	st := &spatialTransformer{
		Norm:      nn.NewGroupNorm(r, "norm", 32, ch, 1e-6),
		useLinear: useLinear,
	}
	if useLinear {
		st.ProjInL = nn.NewLinear(r, "proj_in", ch, inner, true)
	} else {
		st.ProjInC = nn.NewConv2d(r, "proj_in", ch, inner, 1, 1, 0)
	}
	for d := 0; d < depth; d++ {
		st.Blocks = append(st.Blocks, newBasicTransformerBlock(r.Scope("transformer_blocks.%d", d), inner, heads, dimHead, contextDim))
	}
	if useLinear {
		st.ProjOutL = nn.NewLinear(r, "proj_out", inner, ch, true)
	} else {
		st.ProjOutC = nn.NewConv2d(r, "proj_out", inner, ch, 1, 1, 0)
	}
	return st
}

func (st *spatialTransformer) forward(x, _, context *tensor.Tensor) *tensor.Tensor {
	H, W := x.Shape[2], x.Shape[3]
	h := st.Norm.Forward(x)
	if !st.useLinear {
		h = st.ProjInC.Forward(h)
	}
	h = tensor.ToTokens(h)
	if st.useLinear {
		h = st.ProjInL.Forward(h)
	}
	for _, b := range st.Blocks {
		h = b.forward(h, context)
	}
	if st.useLinear {
		h = st.ProjOutL.Forward(h)
	}
	h = tensor.FromTokens(h, H, W)
	if !st.useLinear {
		h = st.ProjOutC.Forward(h)
	}
	return tensor.Add(h, x)
}

// NewUNet registers the UNet described by p under r.
func NewUNet(r *checkpoint.Registry, p UNetParams) (*UNet, error) {
	if !p.UseSpatialTransformer {
		return nil, fmt.Errorf("unet: only spatial-transformer UNets are supported")
	}
	if p.ModelChannels%32 != 0 {
		return nil, fmt.Errorf("unet: model_channels %d not divisible by 32 groups", p.ModelChannels)
	}
	attnAt := make(map[int]bool)
	for _, ds := range p.AttentionResolutions {
		attnAt[ds] = true
	}
	// headsFor mirrors how UNetModel splits a level's channels into heads.
	headsFor := func(ch int) (int, int) {
		heads, dimHead := p.NumHeads, 0
		if p.NumHeadChannels == -1 {
			dimHead = ch / heads
		} else {
			heads, dimHead = ch/p.NumHeadChannels, p.NumHeadChannels
		}
		if p.Legacy {
			dimHead = ch / heads
		}
		return heads, dimHead
	}
	transformer := func(s *checkpoint.Registry, ch int) *spatialTransformer {
		heads, dimHead := headsFor(ch)
		return newSpatialTransformer(s, ch, heads, dimHead, p.TransformerDepth, p.ContextDim, p.UseLinearInTransformer)
	}

	mc := p.ModelChannels
	embDim := mc * 4
	u := &UNet{cfg: p}
	u.TimeEmbed1 = nn.NewLinear(r, "time_embed.0", mc, embDim, true)
	u.TimeEmbed2 = nn.NewLinear(r, "time_embed.2", embDim, embDim, true)

	in := r.Scope("input_blocks")
	u.InputBlocks = append(u.InputBlocks, &timestepSequential{layers: []unetLayer{
		convLayer{nn.NewConv2d(in, "0.0", p.InChannels, mc, 3, 1, 1)},
	}})
	chans := []int{mc}
	ch, ds := mc, 1
	for level, mult := range p.ChannelMult {
		for i := 0; i < p.NumResBlocks; i++ {
			s := in.Scope("%d", len(u.InputBlocks))
			seq := &timestepSequential{}
			seq.layers = append(seq.layers, newResBlock(s.Scope("0"), ch, embDim, mult*mc))
			ch = mult * mc
			if attnAt[ds] {
				seq.layers = append(seq.layers, transformer(s.Scope("1"), ch))
			}
			u.InputBlocks = append(u.InputBlocks, seq)
			chans = append(chans, ch)
		}
		if level != len(p.ChannelMult)-1 {
			s := in.Scope("%d", len(u.InputBlocks))
			u.InputBlocks = append(u.InputBlocks, &timestepSequential{layers: []unetLayer{
				convLayer{nn.NewConv2d(s, "0.op", ch, ch, 3, 2, 1)},
			}})
			chans = append(chans, ch)
			ds *= 2
		}
	}

	mid := r.Scope("middle_block")
	u.MiddleBlock = &timestepSequential{layers: []unetLayer{
		newResBlock(mid.Scope("0"), ch, embDim, ch),
		transformer(mid.Scope("1"), ch),
		newResBlock(mid.Scope("2"), ch, embDim, ch),
	}}

	out := r.Scope("output_blocks")
	for level := len(p.ChannelMult) - 1; level >= 0; level-- {
		mult := p.ChannelMult[level]
		for i := 0; i <= p.NumResBlocks; i++ {
			s := out.Scope("%d", len(u.OutputBlocks))
			skip := chans[len(chans)-1]
			chans = chans[:len(chans)-1]
			seq := &timestepSequential{}
			seq.layers = append(seq.layers, newResBlock(s.Scope("0"), ch+skip, embDim, mc*mult))
			ch = mc * mult
			if attnAt[ds] {
				seq.layers = append(seq.layers, transformer(s.Scope("%d", len(seq.layers)), ch))
			}
			if level > 0 && i == p.NumResBlocks {
				seq.layers = append(seq.layers, upsampleLayer{
					Conv: nn.NewConv2d(s.Scope("%d", len(seq.layers)), "conv", ch, ch, 3, 1, 1),
				})
				ds /= 2
			}
			u.OutputBlocks = append(u.OutputBlocks, seq)
		}
	}

	u.OutNorm = nn.NewGroupNorm(r, "out.0", 32, ch, 1e-5)
	u.OutConv = nn.NewConv2d(r, "out.2", mc, p.OutChannels, 3, 1, 1)
	return u, nil
}

// Forward predicts the model output for latents x [N,C,H,W] at timesteps t
// (one per batch element) given context [N,T,D].
func (u *UNet) Forward(x *tensor.Tensor, t []float64, context *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 || x.Shape[1] != u.cfg.InChannels {
		return nil, fmt.Errorf("unet: input %v, want [N, %d, H, W]", x.Shape, u.cfg.InChannels)
	}
	N := x.Shape[0]
	if len(t) != N {
		return nil, fmt.Errorf("unet: %d timesteps for batch %d", len(t), N)
	}
	if f := 1 << (len(u.cfg.ChannelMult) - 1); x.Shape[2]%f != 0 || x.Shape[3]%f != 0 {
		return nil, fmt.Errorf("unet: latent %dx%d not divisible by %d", x.Shape[2], x.Shape[3], f)
	}
	if context == nil || context.Dims() != 3 || context.Shape[0] != N || context.Shape[2] != u.cfg.ContextDim {
		var got []int
		if context != nil {
			got = context.Shape
		}
		return nil, fmt.Errorf("unet: context %v, want [%d, T, %d]", got, N, u.cfg.ContextDim)
	}

	emb := TimestepEmbedding(t, u.cfg.ModelChannels)
	emb = u.TimeEmbed2.Forward(tensor.SiLU(u.TimeEmbed1.Forward(emb)))

	h := x
	hs := make([]*tensor.Tensor, 0, len(u.InputBlocks))
	for _, b := range u.InputBlocks {
		h = b.forward(h, emb, context)
		hs = append(hs, h)
	}
	h = u.MiddleBlock.forward(h, emb, context)
	for _, b := range u.OutputBlocks {
		h = tensor.ConcatChannels(h, hs[len(hs)-1])
		hs = hs[:len(hs)-1]
		h = b.forward(h, emb, context)
	}
	return u.OutConv.Forward(tensor.SiLU(u.OutNorm.Forward(h))), nil
}
