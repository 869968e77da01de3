package diffusion

import (
	"fmt"

	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/nn"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// Autoencoder is AutoencoderKL: parameters live under first_stage_model.
type Autoencoder struct {
	cfg AutoencoderParams

	Encoder       *vaeEncoder
	Decoder       *vaeDecoder
	QuantConv     *nn.Conv2d
	PostQuantConv *nn.Conv2d
}

type vaeResnet struct {
	Norm1, Norm2 *nn.GroupNorm
	Conv1, Conv2 *nn.Conv2d
	Shortcut     *nn.Conv2d // nin_shortcut, nil when channels match
}

func newVAEResnet(r *checkpoint.Registry, in, out int) *vaeResnet {
	b := &vaeResnet{
		Norm1: nn.NewGroupNorm(r, "norm1", 32, in, 1e-6),
		Conv1: nn.NewConv2d(r, "conv1", in, out, 3, 1, 1),
		Norm2: nn.NewGroupNorm(r, "norm2", 32, out, 1e-6),
		Conv2: nn.NewConv2d(r, "conv2", out, out, 3, 1, 1),
	}
	if in != out {
		b.Shortcut = nn.NewConv2d(r, "nin_shortcut", in, out, 1, 1, 0)
	}
	return b
}

func (b *vaeResnet) forward(x *tensor.Tensor) *tensor.Tensor {
	h := b.Conv1.Forward(tensor.SiLU(b.Norm1.Forward(x)))
	h = b.Conv2.Forward(tensor.SiLU(b.Norm2.Forward(h)))
	residual := x
	if b.Shortcut != nil {
		residual = b.Shortcut.Forward(x)
	}
	return tensor.Add(residual, h)
}

// vaeAttention is the single-head spatial self-attention with 1x1 conv
// projections.
type vaeAttention struct {
	Norm          *nn.GroupNorm
	Q, K, V, Proj *nn.Conv2d
}

func newVAEAttention(r *checkpoint.Registry, ch int) *vaeAttention {
	return &vaeAttention{
		Norm: nn.NewGroupNorm(r, "norm", 32, ch, 1e-6),
		Q:    nn.NewConv2d(r, "q", ch, ch, 1, 1, 0),
		K:    nn.NewConv2d(r, "k", ch, ch, 1, 1, 0),
		V:    nn.NewConv2d(r, "v", ch, ch, 1, 1, 0),
		Proj: nn.NewConv2d(r, "proj_out", ch, ch, 1, 1, 0),
	}
}

func (a *vaeAttention) forward(x *tensor.Tensor) *tensor.Tensor {
	H, W := x.Shape[2], x.Shape[3]
	h := a.Norm.Forward(x)
	q := tensor.ToTokens(a.Q.Forward(h))
	k := tensor.ToTokens(a.K.Forward(h))
	v := tensor.ToTokens(a.V.Forward(h))
	out := tensor.FromTokens(tensor.Attention(q, k, v, 1, false), H, W)
	return tensor.Add(x, a.Proj.Forward(out))
}

type vaeLevel struct {
	Blocks []*vaeResnet
	Attns  []*vaeAttention
	Resamp *nn.Conv2d // downsample or upsample conv, nil at the edge level
}

func (l *vaeLevel) forward(x *tensor.Tensor) *tensor.Tensor {
	for i, b := range l.Blocks {
		x = b.forward(x)
		if i < len(l.Attns) {
			x = l.Attns[i].forward(x)
		}
	}
	return x
}

type vaeMid struct {
	Block1, Block2 *vaeResnet
	Attn           *vaeAttention
}

func newVAEMid(r *checkpoint.Registry, ch int) *vaeMid {
	return &vaeMid{
		Block1: newVAEResnet(r.Scope("block_1"), ch, ch),
		Attn:   newVAEAttention(r.Scope("attn_1"), ch),
		Block2: newVAEResnet(r.Scope("block_2"), ch, ch),
	}
}

func (m *vaeMid) forward(x *tensor.Tensor) *tensor.Tensor {
	return m.Block2.forward(m.Attn.forward(m.Block1.forward(x)))
}

type vaeEncoder struct {
	ConvIn  *nn.Conv2d
	Down    []*vaeLevel
	Mid     *vaeMid
	NormOut *nn.GroupNorm
	ConvOut *nn.Conv2d
}

func newVAEEncoder(r *checkpoint.Registry, dd DDConfig) *vaeEncoder {
	attnAt := make(map[int]bool)
	for _, res := range dd.AttnResolutions {
		attnAt[res] = true
	}
	e := &vaeEncoder{ConvIn: nn.NewConv2d(r, "conv_in", dd.InChannels, dd.Ch, 3, 1, 1)}
	res := dd.Resolution
	blockIn := dd.Ch
	for i, mult := range dd.ChMult {
		s := r.Scope("down.%d", i)
		lvl := &vaeLevel{}
		blockOut := dd.Ch * mult
		for j := 0; j < dd.NumResBlocks; j++ {
			lvl.Blocks = append(lvl.Blocks, newVAEResnet(s.Scope("block.%d", j), blockIn, blockOut))
			blockIn = blockOut
			if attnAt[res] {
				lvl.Attns = append(lvl.Attns, newVAEAttention(s.Scope("attn.%d", j), blockIn))
			}
		}
		if i != len(dd.ChMult)-1 {
			lvl.Resamp = nn.NewConv2d(s, "downsample.conv", blockIn, blockIn, 3, 2, 0)
			lvl.Resamp.Padding = tensor.Padding{Bottom: 1, Right: 1}
			res /= 2
		}
		e.Down = append(e.Down, lvl)
	}
	e.Mid = newVAEMid(r.Scope("mid"), blockIn)
	e.NormOut = nn.NewGroupNorm(r, "norm_out", 32, blockIn, 1e-6)
	zc := dd.ZChannels
	if dd.DoubleZ {
		zc *= 2
	}
	e.ConvOut = nn.NewConv2d(r, "conv_out", blockIn, zc, 3, 1, 1)
	return e
}

func (e *vaeEncoder) forward(x *tensor.Tensor) *tensor.Tensor {
	h := e.ConvIn.Forward(x)
	for _, lvl := range e.Down {
		h = lvl.forward(h)
		if lvl.Resamp != nil {
			h = lvl.Resamp.Forward(h)
		}
	}
	h = e.Mid.forward(h)
	return e.ConvOut.Forward(tensor.SiLU(e.NormOut.Forward(h)))
}

type vaeDecoder struct {
	ConvIn  *nn.Conv2d
	Mid     *vaeMid
	Up      []*vaeLevel // indexed by level; run from the last to the first
	NormOut *nn.GroupNorm
	ConvOut *nn.Conv2d
}

func newVAEDecoder(r *checkpoint.Registry, dd DDConfig) *vaeDecoder {
	attnAt := make(map[int]bool)
	for _, res := range dd.AttnResolutions {
		attnAt[res] = true
	}
	levels := len(dd.ChMult)
	blockIn := dd.Ch * dd.ChMult[levels-1]
	res := dd.Resolution >> (levels - 1)
	d := &vaeDecoder{
		ConvIn: nn.NewConv2d(r, "conv_in", dd.ZChannels, blockIn, 3, 1, 1),
		Mid:    newVAEMid(r.Scope("mid"), blockIn),
		Up:     make([]*vaeLevel, levels),
	}
	for i := levels - 1; i >= 0; i-- {
		s := r.Scope("up.%d", i)
		lvl := &vaeLevel{}
		blockOut := dd.Ch * dd.ChMult[i]
		for j := 0; j <= dd.NumResBlocks; j++ {
			lvl.Blocks = append(lvl.Blocks, newVAEResnet(s.Scope("block.%d", j), blockIn, blockOut))
			blockIn = blockOut
			if attnAt[res] {
				lvl.Attns = append(lvl.Attns, newVAEAttention(s.Scope("attn.%d", j), blockIn))
			}
		}
		if i != 0 {
			lvl.Resamp = nn.NewConv2d(s, "upsample.conv", blockIn, blockIn, 3, 1, 1)
			res *= 2
		}
		d.Up[i] = lvl
	}
	d.NormOut = nn.NewGroupNorm(r, "norm_out", 32, blockIn, 1e-6)
	d.ConvOut = nn.NewConv2d(r, "conv_out", blockIn, dd.OutCh, 3, 1, 1)
	return d
}

func (d *vaeDecoder) forward(z *tensor.Tensor) *tensor.Tensor {
	h := d.Mid.forward(d.ConvIn.Forward(z))
	for i := len(d.Up) - 1; i >= 0; i-- {
		lvl := d.Up[i]
		h = lvl.forward(h)
		if lvl.Resamp != nil {
			h = lvl.Resamp.Forward(tensor.Upsample2x(h))
		}
	}
	return d.ConvOut.Forward(tensor.SiLU(d.NormOut.Forward(h)))
}

func NewAutoencoder(r *checkpoint.Registry, p AutoencoderParams) (*Autoencoder, error) {
	dd := p.DDConfig
	if dd.Ch%32 != 0 {
		return nil, fmt.Errorf("autoencoder: ch %d not divisible by 32 groups", dd.Ch)
	}
	zc := dd.ZChannels
	if dd.DoubleZ {
		zc *= 2
	}
	return &Autoencoder{
		cfg:           p,
		Encoder:       newVAEEncoder(r.Scope("encoder"), dd),
		Decoder:       newVAEDecoder(r.Scope("decoder"), dd),
		QuantConv:     nn.NewConv2d(r, "quant_conv", zc, 2*p.EmbedDim, 1, 1, 0),
		PostQuantConv: nn.NewConv2d(r, "post_quant_conv", p.EmbedDim, dd.ZChannels, 1, 1, 0),
	}, nil
}

// Decode maps unscaled latents [N, embed_dim, h, w] to pixels in about [-1, 1].
func (a *Autoencoder) Decode(z *tensor.Tensor) (*tensor.Tensor, error) {
	if z.Dims() != 4 || z.Shape[1] != a.cfg.EmbedDim {
		return nil, fmt.Errorf("decode: latent %v, want [N, %d, h, w]", z.Shape, a.cfg.EmbedDim)
	}
	return a.Decoder.forward(a.PostQuantConv.Forward(z)), nil
}

// Encode returns the posterior mean for pixels x [N, 3, H, W].
func (a *Autoencoder) Encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	dd := a.cfg.DDConfig
	f := 1 << (len(dd.ChMult) - 1)
	if x.Dims() != 4 || x.Shape[1] != dd.InChannels {
		return nil, fmt.Errorf("encode: image %v, want [N, %d, H, W]", x.Shape, dd.InChannels)
	}
	if x.Shape[2]%f != 0 || x.Shape[3]%f != 0 {
		return nil, fmt.Errorf("encode: image %dx%d not divisible by %d", x.Shape[2], x.Shape[3], f)
	}
	moments := a.QuantConv.Forward(a.Encoder.forward(x))
	N, h, w := moments.Shape[0], moments.Shape[2], moments.Shape[3]
	C := a.cfg.EmbedDim
	mean := tensor.New(N, C, h, w)
	for n := 0; n < N; n++ {
		copy(mean.Data[n*C*h*w:(n+1)*C*h*w], moments.Data[n*2*C*h*w:])
	}
	return mean, nil
}
