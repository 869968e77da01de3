// Package nn holds the parameterized layers the embedder and the diffusion
// networks are assembled from. Each constructor registers its parameters
// under torch's module path so checkpoints bind by name.
package nn

import (
	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// Linear: y = x @ W^T + b
type Linear struct {
	Weight, Bias *tensor.Tensor
}

func NewLinear(r *checkpoint.Registry, name string, in, out int, bias bool) *Linear {
	l := &Linear{}
	s := r.Scope(name)
	s.Add("weight", &l.Weight, out, in)
	if bias {
		s.Add("bias", &l.Bias, out)
	}
	return l
}

func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Linear(x, l.Weight, l.Bias)
}

type Conv2d struct {
	Weight, Bias *tensor.Tensor
	Stride       int
	Padding      tensor.Padding
}

func NewConv2d(r *checkpoint.Registry, name string, in, out, kernel, stride, padding int) *Conv2d {
	c := &Conv2d{Stride: stride, Padding: tensor.Pad(padding)}
	s := r.Scope(name)
	s.Add("weight", &c.Weight, out, in, kernel, kernel)
	s.Add("bias", &c.Bias, out)
	return c
}

func (c *Conv2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Conv2dPadded(x, c.Weight, c.Bias, c.Stride, c.Padding)
}

type Conv1d struct {
	Weight, Bias *tensor.Tensor
	Padding      int
}

func NewConv1d(r *checkpoint.Registry, name string, in, out, kernel, padding int) *Conv1d {
	c := &Conv1d{Padding: padding}
	s := r.Scope(name)
	s.Add("weight", &c.Weight, out, in, kernel)
	s.Add("bias", &c.Bias, out)
	return c
}

func (c *Conv1d) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Conv1d(x, c.Weight, c.Bias, c.Padding)
}

type GroupNorm struct {
	Weight, Bias *tensor.Tensor
	Groups       int
	Eps          float32
}

func NewGroupNorm(r *checkpoint.Registry, name string, groups, channels int, eps float32) *GroupNorm {
	g := &GroupNorm{Groups: groups, Eps: eps, Weight: ones(channels)}
	s := r.Scope(name)
	s.Add("weight", &g.Weight, channels)
	s.Add("bias", &g.Bias, channels)
	return g
}

func (g *GroupNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.GroupNorm(x, g.Weight, g.Bias, g.Groups, g.Eps)
}

// ones is the initial norm weight, kept when a checkpoint lacks it.
func ones(n int) *tensor.Tensor {
	t := tensor.New(n)
	for i := range t.Data {
		t.Data[i] = 1
	}
	return t
}

type LayerNorm struct {
	Weight, Bias *tensor.Tensor
	Eps          float32
}

func NewLayerNorm(r *checkpoint.Registry, name string, dim int, eps float32) *LayerNorm {
	l := &LayerNorm{Eps: eps, Weight: ones(dim)}
	s := r.Scope(name)
	s.Add("weight", &l.Weight, dim)
	s.Add("bias", &l.Bias, dim)
	return l
}

func (l *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.LayerNorm(x, l.Weight, l.Bias, l.Eps)
}

// MultiheadAttention mirrors torch.nn.MultiheadAttention with a packed
// in-projection.
type MultiheadAttention struct {
	InProjWeight, InProjBias *tensor.Tensor
	Out                      *Linear
	Dim, Heads               int
}

func NewMultiheadAttention(r *checkpoint.Registry, name string, dim, heads int) *MultiheadAttention {
	m := &MultiheadAttention{Dim: dim, Heads: heads}
	s := r.Scope(name)
	s.Add("in_proj_weight", &m.InProjWeight, 3*dim, dim)
	s.Add("in_proj_bias", &m.InProjBias, 3*dim)
	m.Out = NewLinear(s, "out_proj", dim, dim, true)
	return m
}

// Forward runs self-attention over x [T, D].
func (m *MultiheadAttention) Forward(x *tensor.Tensor, causal bool) *tensor.Tensor {
	T, D := x.Shape[0], m.Dim
	qkv := tensor.Linear(x, m.InProjWeight, m.InProjBias) // [T, 3D]
	q, k, v := tensor.New(T, D), tensor.New(T, D), tensor.New(T, D)
	for t := 0; t < T; t++ {
		row := qkv.Data[t*3*D : (t+1)*3*D]
		copy(q.Data[t*D:], row[:D])
		copy(k.Data[t*D:], row[D:2*D])
		copy(v.Data[t*D:], row[2*D:])
	}
	return m.Out.Forward(tensor.Attention(q, k, v, m.Heads, causal))
}
