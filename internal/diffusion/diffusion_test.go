package diffusion

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/device"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

const v2Inference = `
model:
  base_learning_rate: 1.0e-4
  target: ldm.models.diffusion.ddpm.LatentDiffusion
  params:
    linear_start: 0.00085
    linear_end: 0.0120
    num_timesteps_cond: 1
    log_every_t: 200
    timesteps: 1000
    first_stage_key: "jpg"
    cond_stage_key: "txt"
    image_size: 64
    channels: 4
    cond_stage_trainable: false
    conditioning_key: crossattn
    monitor: val/loss_simple_ema
    scale_factor: 0.18215
    use_ema: False # we set this to false because this is an inference only config

    unet_config:
      target: ldm.modules.diffusionmodules.openaimodel.UNetModel
      params:
        use_checkpoint: True
        use_fp16: True
        image_size: 32 # unused
        in_channels: 4
        out_channels: 4
        model_channels: 320
        attention_resolutions: [ 4, 2, 1 ]
        num_res_blocks: 2
        channel_mult: [ 1, 2, 4, 4 ]
        num_head_channels: 64 # need to fix for flash-attn
        use_spatial_transformer: True
        use_linear_in_transformer: True
        transformer_depth: 1
        context_dim: 1024
        legacy: False

    first_stage_config:
      target: ldm.models.autoencoder.AutoencoderKL
      params:
        embed_dim: 4
        monitor: val/rec_loss
        ddconfig:
          #attn_type: "vanilla-xformers"
          double_z: true
          z_channels: 4
          resolution: 256
          in_channels: 3
          out_ch: 3
          ch: 128
          ch_mult:
          - 1
          - 2
          - 4
          - 4
          num_res_blocks: 2
          attn_resolutions: []
          dropout: 0.0
        lossconfig:
          target: torch.nn.Identity

    cond_stage_config:
      target: ldm.modules.encoders.modules.FrozenOpenCLIPEmbedder
      params:
        freeze: True
        layer: "penultimate"
`

// tinyModel is a structurally complete SD 2.x style config small enough to
// run with random weights.
const tinyModel = `
model:
  target: ldm.models.diffusion.ddpm.LatentDiffusion
  params:
    linear_start: 0.00085
    linear_end: 0.0120
    timesteps: 1000
    channels: 4
    scale_factor: 0.18215
    use_ema: False
    unet_config:
      params:
        in_channels: 4
        out_channels: 4
        model_channels: 32
        attention_resolutions: [2]
        num_res_blocks: 1
        channel_mult: [1, 2]
        num_head_channels: 16
        use_spatial_transformer: True
        use_linear_in_transformer: True
        context_dim: 16
        legacy: False
    first_stage_config:
      params:
        embed_dim: 4
        ddconfig:
          double_z: true
          z_channels: 4
          resolution: 16
          ch: 32
          ch_mult: [1, 2]
          num_res_blocks: 1
          attn_resolutions: []
    cond_stage_config:
      target: ldm.modules.encoders.modules.FrozenOpenCLIPEmbedder
      params:
        layer: penultimate
        width: 16
        heads: 2
        layers: 2
`

func tinyDescriptor(t *testing.T) *Descriptor {
	t.Helper()
	d, err := ParseDescriptor([]byte(tinyModel))
	require.NoError(t, err)
	return d
}

func TestParseV2Descriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte(v2Inference))
	require.NoError(t, err)
	p := d.Model.Params
	assert.Equal(t, 1000, p.Timesteps)
	assert.Equal(t, 0.18215, p.ScaleFactor)
	assert.False(t, p.UseEMA)
	assert.Equal(t, "eps", p.Parameterization)
	assert.Equal(t, []int{4, 2, 1}, p.UNetConfig.Params.AttentionResolutions)
	assert.Equal(t, -1, p.UNetConfig.Params.NumHeads)
	assert.Equal(t, 64, p.UNetConfig.Params.NumHeadChannels)
	assert.Equal(t, 1024, d.ContextDim())
	assert.Equal(t, 8, d.DownsampleFactor())
	assert.Equal(t, 4, d.LatentChannels())

	te := p.CondStageConfig.Params
	assert.True(t, d.openCLIP())
	assert.Equal(t, "penultimate", te.Layer)
	assert.Equal(t, 1024, te.Width)
	assert.Equal(t, 16, te.Heads)
	assert.Equal(t, 24, te.Layers)
	assert.Equal(t, 77, te.MaxLength)
}

func TestParseDescriptorErrors(t *testing.T) {
	_, err := ParseDescriptor([]byte("model: [1, 2"))
	assert.Error(t, err)
	_, err = ParseDescriptor([]byte(tinyModel + "    parameterization: x0\n"))
	assert.ErrorContains(t, err, "parameterization")

	_, err = ReadDescriptor(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLinearSchedule(t *testing.T) {
	s, err := NewSchedule("linear", 1000, 0.00085, 0.012)
	require.NoError(t, err)
	ac := s.AlphasCumprod
	assert.InDelta(t, 1-0.00085, ac[0], 1e-12)
	assert.InDelta(t, 0.012, s.Betas[999], 1e-12)
	assert.InDelta(t, 0.00466, ac[999], 2e-4)
	for i := 1; i < len(ac); i++ {
		require.Less(t, ac[i], ac[i-1])
	}

	for _, kind := range []string{"sqrt_linear", "sqrt", "cosine"} {
		s, err := NewSchedule(kind, 100, 1e-4, 2e-2)
		require.NoError(t, err, kind)
		assert.Len(t, s.AlphasCumprod, 100)
	}
	_, err = NewSchedule("quadratic", 10, 0, 1)
	assert.Error(t, err)
}

func TestTimestepEmbedding(t *testing.T) {
	e := TimestepEmbedding([]float64{0, 10}, 8)
	require.Equal(t, []int{2, 8}, e.Shape)
	assert.Equal(t, []float32{1, 1, 1, 1, 0, 0, 0, 0}, e.Data[:8])
	assert.InDelta(t, math.Cos(10), e.Data[8], 1e-6)
	assert.InDelta(t, math.Sin(10), e.Data[12], 1e-6)
}

func randomNetworks(t *testing.T, d *Descriptor, withText bool) (*nativeBackend, *checkpoint.Registry) {
	t.Helper()
	b, r, _, err := nativeNetworks(d, withText)
	require.NoError(t, err)
	r.Randomize(rand.New(rand.NewSource(5)), 0.1)
	return b.(*nativeBackend), r
}

func TestUNetLayout(t *testing.T) {
	_, r := randomNetworks(t, tinyDescriptor(t), false)
	names := r.Names()
	for _, n := range []string{
		"alphas_cumprod",
		"model.diffusion_model.time_embed.0.weight",
		"model.diffusion_model.input_blocks.0.0.weight",
		"model.diffusion_model.input_blocks.1.0.in_layers.0.weight",
		"model.diffusion_model.input_blocks.1.0.emb_layers.1.weight",
		"model.diffusion_model.input_blocks.2.0.op.weight",
		"model.diffusion_model.input_blocks.3.0.skip_connection.weight",
		"model.diffusion_model.input_blocks.3.1.transformer_blocks.0.attn2.to_k.weight",
		"model.diffusion_model.input_blocks.3.1.transformer_blocks.0.ff.net.0.proj.weight",
		"model.diffusion_model.middle_block.1.proj_in.weight",
		"model.diffusion_model.middle_block.2.out_layers.3.weight",
		"model.diffusion_model.output_blocks.1.2.conv.weight",
		"model.diffusion_model.output_blocks.3.0.skip_connection.weight",
		"model.diffusion_model.out.2.bias",
		"first_stage_model.encoder.down.0.downsample.conv.weight",
		"first_stage_model.encoder.down.1.block.0.nin_shortcut.weight",
		"first_stage_model.encoder.mid.attn_1.q.weight",
		"first_stage_model.decoder.up.1.upsample.conv.weight",
		"first_stage_model.decoder.up.0.block.1.conv2.weight",
		"first_stage_model.quant_conv.weight",
		"first_stage_model.post_quant_conv.bias",
	} {
		assert.Contains(t, names, n)
	}
	assert.NotContains(t, names, "model.diffusion_model.input_blocks.1.1.norm.weight", "no attention at ds=1")
	assert.NotContains(t, names, "cond_stage_model.model.ln_final.weight")

	state := r.State()
	assert.Equal(t, []int{64, 16}, state["model.diffusion_model.input_blocks.3.1.transformer_blocks.0.attn2.to_k.weight"].Shape)
	assert.Equal(t, []int{512, 64}, state["model.diffusion_model.middle_block.1.transformer_blocks.0.ff.net.0.proj.weight"].Shape)
}

func TestUNetForward(t *testing.T) {
	b, _ := randomNetworks(t, tinyDescriptor(t), false)
	rng := rand.New(rand.NewSource(1))
	x := tensor.Randn(rng, 2, 4, 8, 8)
	ctx := tensor.Randn(rng, 2, 5, 16)

	out, err := b.unet.Forward(x, []float64{500, 500}, ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 8, 8}, out.Shape)

	one, err := b.unet.Forward(x.Index(1), []float64{500}, ctx.Index(1))
	require.NoError(t, err)
	assert.InDeltaSlice(t, one.Data, out.Data[len(one.Data):], 1e-4)

	_, err = b.unet.Forward(x, []float64{1}, ctx)
	assert.Error(t, err)
	_, err = b.unet.Forward(tensor.New(1, 4, 7, 8), []float64{1}, ctx.Index(0))
	assert.Error(t, err)
	_, err = b.unet.Forward(x, []float64{1, 1}, tensor.New(2, 5, 8))
	assert.Error(t, err)
}

func TestAutoencoderShapes(t *testing.T) {
	b, _ := randomNetworks(t, tinyDescriptor(t), false)
	z := tensor.Randn(rand.New(rand.NewSource(2)), 1, 4, 4, 4)
	img, err := b.ae.Decode(z)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 8, 8}, img.Shape)

	back, err := b.ae.Encode(img)
	require.NoError(t, err)
	assert.Equal(t, z.Shape, back.Shape)

	_, err = b.ae.Encode(tensor.New(1, 3, 7, 8))
	assert.Error(t, err)
	_, err = b.ae.Decode(tensor.New(1, 3, 4, 4))
	assert.Error(t, err)
}

func TestFirstStageRoundTripNative(t *testing.T) {
	d := tinyDescriptor(t)
	b, _ := randomNetworks(t, d, false)
	m, err := NewLatentDiffusion(d, b, EmptyPromptTokenizer(0, 77), nil)
	require.NoError(t, err)

	z := tensor.Randn(rand.New(rand.NewSource(8)), 2, d.LatentChannels(), 4, 4)
	img, err := m.DecodeFirstStage(z)
	require.NoError(t, err)
	f := d.DownsampleFactor()
	assert.Equal(t, []int{2, 3, 4 * f, 4 * f}, img.Shape)

	back, err := m.EncodeFirstStage(img)
	require.NoError(t, err)
	assert.Equal(t, z.Shape, back.Shape)
	for _, v := range back.Data {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}

	// batch rows are independent through decode and encode
	solo, err := m.DecodeFirstStage(z.Index(1))
	require.NoError(t, err)
	assert.InDeltaSlice(t, img.Index(1).Data, solo.Data, 1e-4)
}

func TestTextEncoderCausal(t *testing.T) {
	b, r := randomNetworks(t, tinyDescriptor(t), true)
	assert.Contains(t, r.Names(), "cond_stage_model.model.transformer.resblocks.1.attn.in_proj_weight")
	assert.Contains(t, r.Names(), "cond_stage_model.model.ln_final.weight")

	tok := EmptyPromptTokenizer(b.text.PadToken(), 77)
	ids, err := tok.Encode("")
	require.NoError(t, err)
	assert.Equal(t, []int{49406, 49407, 0}, ids[:3])

	other := append([]int{}, ids...)
	other[10] = 320
	out, err := b.text.Encode([][]int{ids, other})
	require.NoError(t, err)
	require.Equal(t, []int{2, 77, 16}, out.Shape)
	// positions before the edit only attend to identical prefixes
	row := 77 * 16
	assert.InDeltaSlice(t, out.Data[:10*16], out.Data[row:row+10*16], 1e-5)
	assert.NotEqual(t, out.Data[10*16:row], out.Data[row+10*16:])

	_, err = b.text.Encode([][]int{ids[:5]})
	assert.Error(t, err)
}

func TestHFTextEncoderLayout(t *testing.T) {
	r := checkpoint.NewRegistry()
	te, err := NewTextEncoder(r.Scope("cond_stage_model"), hfCLIPTarget, TextEncoderParams{
		Layer: "last", MaxLength: 77, Width: 8, Heads: 2, Layers: 1, VocabSize: 49408,
	})
	require.NoError(t, err)
	assert.Equal(t, clipEOS, te.PadToken())
	names := r.Names()
	assert.Contains(t, names, "cond_stage_model.transformer.text_model.embeddings.position_ids")
	assert.Contains(t, names, "cond_stage_model.transformer.text_model.encoder.layers.0.self_attn.q_proj.bias")
	assert.Contains(t, names, "cond_stage_model.transformer.text_model.final_layer_norm.weight")
	// position_ids is a buffer with a computed default
	assert.Equal(t, float32(76), te.PositionIDs.Data[76])
}

func TestTokenizerBPE(t *testing.T) {
	dir := t.TempDir()
	vocab := `{"<|startoftext|>": 0, "<|endoftext|>": 1, "hello</w>": 2, "w": 3, "o": 4, "r": 5, "l": 6, "d</w>": 7, "!</w>": 8}`
	merges := "#version: 0.2\nh e\nl l\nhe ll\nhell o</w>\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.json"), []byte(vocab), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "merges.txt"), []byte(merges), 0o644))

	tok, err := LoadTokenizer(dir, 1, 12)
	require.NoError(t, err)
	ids, err := tok.Encode("  Hello   World!")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3, 4, 5, 6, 7, 8, 1, 1, 1, 1}, ids)

	tok.MaxLen = 4
	ids, err = tok.Encode("hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3, 1}, ids)
}

func TestEmptyPromptTokenizer(t *testing.T) {
	tok := EmptyPromptTokenizer(0, 77)
	ids, err := tok.Encode("   ")
	require.NoError(t, err)
	assert.Len(t, ids, 77)
	_, err = tok.Encode("a photo")
	assert.ErrorIs(t, err, ErrNoVocabulary)

	_, err = LoadTokenizer(t.TempDir(), 0, 77)
	assert.Error(t, err)
}

// fakeBackend records what LatentDiffusion hands to the networks.
type fakeBackend struct {
	decoded, denoised *tensor.Tensor
	timesteps         []float64
}

func (f *fakeBackend) Denoise(x *tensor.Tensor, t []float64, _ *tensor.Tensor) (*tensor.Tensor, error) {
	f.denoised, f.timesteps = x, t
	return x.Clone(), nil
}

func (f *fakeBackend) Decode(z *tensor.Tensor) (*tensor.Tensor, error) {
	f.decoded = z
	return z.Clone(), nil
}

func (f *fakeBackend) Encode(x *tensor.Tensor) (*tensor.Tensor, error) { return x.Clone(), nil }

func (f *fakeBackend) EncodeText(tokens [][]int) (*tensor.Tensor, error) {
	return tensor.New(len(tokens), len(tokens[0]), 16), nil
}

func (f *fakeBackend) Close() error { return nil }

func TestFirstStageScaling(t *testing.T) {
	fb := &fakeBackend{}
	m, err := NewLatentDiffusion(tinyDescriptor(t), fb, EmptyPromptTokenizer(0, 77), nil)
	require.NoError(t, err)

	z := tensor.From([]float32{0.18215, -0.3643}, []int{1, 2, 1, 1})
	_, err = m.DecodeFirstStage(z)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, -2}, fb.decoded.Data, 1e-6)

	enc, err := m.EncodeFirstStage(tensor.From([]float32{1, -2}, []int{1, 2, 1, 1}))
	require.NoError(t, err)
	assert.InDeltaSlice(t, z.Data, enc.Data, 1e-6)

	_, err = m.Apply(tensor.New(3, 4, 2, 2), 41, tensor.New(3, 77, 16))
	require.NoError(t, err)
	assert.Equal(t, []float64{41, 41, 41}, fb.timesteps)

	c, err := m.LearnedConditioning([]string{"", ""})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 77, 16}, c.Shape)
}

func TestApplyAutocastRounds(t *testing.T) {
	fb := &fakeBackend{}
	rt := device.NewRuntime(device.CPU, device.Autocast, false)
	m, err := NewLatentDiffusion(tinyDescriptor(t), fb, nil, rt)
	require.NoError(t, err)
	x := tensor.From([]float32{1.0001}, []int{1, 1, 1, 1})

	_, err = m.Apply(x, 1, tensor.New(1, 1, 16))
	require.NoError(t, err)
	assert.Equal(t, float32(1.0001), fb.denoised.Data[0], "outside autocast")

	require.NoError(t, rt.Autocast(func() error {
		_, err := m.Apply(x, 1, tensor.New(1, 1, 16))
		return err
	}))
	assert.Equal(t, float32(1), fb.denoised.Data[0], "float16 has no 1.0001")
}

// writeTinyCheckpoint saves random weights for the tiny model, letting edit
// adjust the state first.
func writeTinyCheckpoint(t *testing.T, edit func(map[string]*tensor.Tensor)) string {
	t.Helper()
	_, r := randomNetworks(t, tinyDescriptor(t), true)
	state := r.State()
	if edit != nil {
		edit(state)
	}
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, checkpoint.WriteSafeTensors(path, state, map[string]string{"global_step": "875000"}, false))
	return path
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPartial(t *testing.T) {
	ckpt := writeTinyCheckpoint(t, func(s map[string]*tensor.Tensor) {
		delete(s, "model.diffusion_model.out.2.bias")
		s["model_ema.decay"] = tensor.New()
		s["alphas_cumprod"] = tensor.From(make([]float32, 1000), []int{1000})
		s["alphas_cumprod"].Data[3] = 0.25
	})
	m, rep, err := Load(context.Background(), LoadOptions{
		ConfigPath:     writeConfig(t, tinyModel),
		CheckpointPath: ckpt,
	}, nil)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []string{"model.diffusion_model.out.2.bias"}, rep.Missing)
	assert.Equal(t, []string{"model_ema.decay"}, rep.Unexpected)
	assert.True(t, m.HasGlobalStep)
	assert.EqualValues(t, 875000, m.GlobalStep)
	assert.InDelta(t, 0.25, m.AlphasCumprod()[3], 1e-7, "checkpoint buffers win over computed ones")

	nb := m.backend.(*nativeBackend)
	assert.Equal(t, make([]float32, 4), nb.unet.OutConv.Bias.Data, "missing parameters are zero-filled")

	c, err := m.LearnedConditioning([]string{""})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 77, 16}, c.Shape)
}

func TestLoadShapeMismatchIsFatal(t *testing.T) {
	ckpt := writeTinyCheckpoint(t, func(s map[string]*tensor.Tensor) {
		s["model.diffusion_model.out.2.bias"] = tensor.New(5)
		delete(s, "model.diffusion_model.out.0.bias")
	})
	m, rep, err := Load(context.Background(), LoadOptions{
		ConfigPath:     writeConfig(t, tinyModel),
		CheckpointPath: ckpt,
	}, nil)
	var sme *checkpoint.ShapeMismatchError
	require.ErrorAs(t, err, &sme)
	assert.Equal(t, "model.diffusion_model.out.2.bias", sme.Name)
	assert.Equal(t, []int{5}, sme.Got)
	assert.Equal(t, []int{4}, sme.Want)
	assert.Nil(t, m)
	assert.Nil(t, rep)
}

func TestLoadEMA(t *testing.T) {
	ckpt := writeTinyCheckpoint(t, func(s map[string]*tensor.Tensor) {
		s["model_ema.diffusion_modelout2bias"] = tensor.From([]float32{7, 7, 7, 7}, []int{4})
		s["model_ema.num_updates"] = tensor.New()
	})
	useEMA := true
	m, rep, err := Load(context.Background(), LoadOptions{
		ConfigPath:     writeConfig(t, tinyModel),
		CheckpointPath: ckpt,
		UseEMA:         &useEMA,
	}, nil)
	require.NoError(t, err)
	assert.True(t, rep.Clean(), "%+v", rep)
	assert.Equal(t, []float32{7, 7, 7, 7}, m.backend.(*nativeBackend).unet.OutConv.Bias.Data)
}

func TestLoadWithStoredUnconditional(t *testing.T) {
	emb := tensor.Randn(rand.New(rand.NewSource(4)), 77, 16)
	npy := filepath.Join(t.TempDir(), "uncond.npy")
	require.NoError(t, tensor.SaveNpy(npy, emb))

	m, rep, err := Load(context.Background(), LoadOptions{
		ConfigPath:      writeConfig(t, tinyModel),
		CheckpointPath:  writeTinyCheckpoint(t, nil),
		UncondEmbedding: npy,
	}, nil)
	require.NoError(t, err)
	assert.True(t, rep.Clean(), "text encoder weights are dropped, not unexpected: %+v", rep)

	c, err := m.LearnedConditioning([]string{"", ""})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 77, 16}, c.Shape)
	assert.Equal(t, emb.Data, c.Data[77*16:])

	_, err = m.LearnedConditioning([]string{"a brain"})
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	cfg := writeConfig(t, tinyModel)
	_, _, err := Load(context.Background(), LoadOptions{ConfigPath: cfg, CheckpointPath: filepath.Join(t.TempDir(), "none.ckpt")}, nil)
	assert.True(t, checkpoint.IsNotExist(err))

	_, _, err = Load(context.Background(), LoadOptions{ConfigPath: cfg, Backend: "tpu"}, nil)
	assert.ErrorContains(t, err, "unknown backend")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = Load(ctx, LoadOptions{ConfigPath: cfg, CheckpointPath: writeTinyCheckpoint(t, nil)}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
