package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

func TestLayerNames(t *testing.T) {
	r := checkpoint.NewRegistry()
	NewLinear(r, "proj", 4, 2, true)
	NewLinear(r, "to_q", 4, 4, false)
	NewConv2d(r.Scope("down.%d", 1), "conv", 3, 8, 3, 2, 1)
	NewConv1d(r, "stages.0.conv", 1, 8, 3, 1)
	NewGroupNorm(r, "norm_out", 2, 8, 1e-6)
	NewLayerNorm(r, "ln_final", 4, 1e-5)
	NewMultiheadAttention(r, "attn", 4, 2)

	assert.Equal(t, []string{
		"proj.weight", "proj.bias",
		"to_q.weight",
		"down.1.conv.weight", "down.1.conv.bias",
		"stages.0.conv.weight", "stages.0.conv.bias",
		"norm_out.weight", "norm_out.bias",
		"ln_final.weight", "ln_final.bias",
		"attn.in_proj_weight", "attn.in_proj_bias", "attn.out_proj.weight", "attn.out_proj.bias",
	}, r.Names())
}

func TestForwardShapes(t *testing.T) {
	r := checkpoint.NewRegistry()
	lin := NewLinear(r, "lin", 4, 6, true)
	conv := NewConv2d(r, "conv", 3, 5, 3, 2, 1)
	c1 := NewConv1d(r, "c1", 2, 7, 3, 1)
	gn := NewGroupNorm(r, "gn", 1, 5, 1e-6)
	mha := NewMultiheadAttention(r, "attn", 4, 2)
	r.Randomize(rand.New(rand.NewSource(1)), 0.2)

	assert.Equal(t, []int{3, 6}, lin.Forward(tensor.New(3, 4)).Shape)
	y := conv.Forward(tensor.New(2, 3, 8, 8))
	assert.Equal(t, []int{2, 5, 4, 4}, y.Shape)
	assert.Equal(t, []int{2, 5, 4, 4}, gn.Forward(y).Shape)
	assert.Equal(t, []int{7, 10}, c1.Forward(tensor.New(2, 10)).Shape)

	x := tensor.Randn(rand.New(rand.NewSource(2)), 5, 4)
	out := mha.Forward(x, false)
	require.Equal(t, []int{5, 4}, out.Shape)

	// causal attention: the first token only sees itself, so perturbing later
	// tokens leaves its output unchanged
	x2 := x.Clone()
	x2.Data[19] += 3
	a := mha.Forward(x, true)
	b := mha.Forward(x2, true)
	assert.InDeltaSlice(t, a.Data[:4], b.Data[:4], 1e-6)
}

func TestMissingNormWeightsStartAtOne(t *testing.T) {
	r := checkpoint.NewRegistry()
	gn := NewGroupNorm(r, "gn", 1, 3, 1e-6)
	ln := NewLayerNorm(r, "ln", 3, 1e-5)
	lin := NewLinear(r, "lin", 3, 3, true)

	rep := r.Load(map[string]*tensor.Tensor{"lin.weight": tensor.New(3, 3)})
	assert.ElementsMatch(t, []string{"gn.weight", "gn.bias", "ln.weight", "ln.bias", "lin.bias"}, rep.Missing)

	assert.Equal(t, []float32{1, 1, 1}, gn.Weight.Data)
	assert.Equal(t, []float32{1, 1, 1}, ln.Weight.Data)
	assert.Equal(t, []float32{0, 0, 0}, gn.Bias.Data)
	assert.Equal(t, []float32{0, 0, 0}, lin.Bias.Data)

	// a normalized row passes through unscaled
	y := ln.Forward(tensor.From([]float32{1, 2, 3}, []int{1, 3}))
	assert.InDelta(t, -1.2247, y.Data[0], 1e-3)
	assert.InDelta(t, 1.2247, y.Data[2], 1e-3)
}
