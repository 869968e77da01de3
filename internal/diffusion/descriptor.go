// Package diffusion loads a pretrained latent diffusion model and exposes the
// pieces the samplers and the generation loop need: the denoiser, the noise
// schedule, the autoencoder and the unconditional text conditioning.
package diffusion

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Descriptor is an LDM model config file (v1-inference.yaml,
// v2-inference.yaml and friends). Keys it does not know are ignored.
type Descriptor struct {
	Model struct {
		Target string      `yaml:"target"`
		Params ModelParams `yaml:"params"`
	} `yaml:"model"`
}

type ModelParams struct {
	LinearStart      float64 `yaml:"linear_start"`
	LinearEnd        float64 `yaml:"linear_end"`
	Timesteps        int     `yaml:"timesteps"`
	BetaSchedule     string  `yaml:"beta_schedule"`
	ImageSize        int     `yaml:"image_size"`
	Channels         int     `yaml:"channels"`
	ConditioningKey  string  `yaml:"conditioning_key"`
	ScaleFactor      float64 `yaml:"scale_factor"`
	UseEMA           bool    `yaml:"use_ema"`
	Parameterization string  `yaml:"parameterization"`

	UNetConfig       Component[UNetParams]        `yaml:"unet_config"`
	FirstStageConfig Component[AutoencoderParams] `yaml:"first_stage_config"`
	CondStageConfig  Component[TextEncoderParams] `yaml:"cond_stage_config"`
}

// Component is a `target` + `params` pair.
type Component[P any] struct {
	Target string `yaml:"target"`
	Params P      `yaml:"params"`
}

type UNetParams struct {
	InChannels             int   `yaml:"in_channels"`
	OutChannels            int   `yaml:"out_channels"`
	ModelChannels          int   `yaml:"model_channels"`
	AttentionResolutions   []int `yaml:"attention_resolutions"`
	NumResBlocks           int   `yaml:"num_res_blocks"`
	ChannelMult            []int `yaml:"channel_mult"`
	NumHeads               int   `yaml:"num_heads"`
	NumHeadChannels        int   `yaml:"num_head_channels"`
	UseSpatialTransformer  bool  `yaml:"use_spatial_transformer"`
	UseLinearInTransformer bool  `yaml:"use_linear_in_transformer"`
	TransformerDepth       int   `yaml:"transformer_depth"`
	ContextDim             int   `yaml:"context_dim"`
	Legacy                 bool  `yaml:"legacy"`
	UseFP16                bool  `yaml:"use_fp16"`
}

type AutoencoderParams struct {
	EmbedDim int      `yaml:"embed_dim"`
	DDConfig DDConfig `yaml:"ddconfig"`
}

type DDConfig struct {
	DoubleZ         bool  `yaml:"double_z"`
	ZChannels       int   `yaml:"z_channels"`
	Resolution      int   `yaml:"resolution"`
	InChannels      int   `yaml:"in_channels"`
	OutCh           int   `yaml:"out_ch"`
	Ch              int   `yaml:"ch"`
	ChMult          []int `yaml:"ch_mult"`
	NumResBlocks    int   `yaml:"num_res_blocks"`
	AttnResolutions []int `yaml:"attn_resolutions"`
}

// TextEncoderParams covers FrozenOpenCLIPEmbedder and FrozenCLIPEmbedder.
// Width, Heads and Layers are derived from Arch when zero.
type TextEncoderParams struct {
	Arch      string `yaml:"arch"`
	Version   string `yaml:"version"`
	Layer     string `yaml:"layer"`
	MaxLength int    `yaml:"max_length"`
	Width     int    `yaml:"width"`
	Heads     int    `yaml:"heads"`
	Layers    int    `yaml:"layers"`
	VocabSize int    `yaml:"vocab_size"`
}

const (
	openCLIPTarget = "ldm.modules.encoders.modules.FrozenOpenCLIPEmbedder"
	hfCLIPTarget   = "ldm.modules.encoders.modules.FrozenCLIPEmbedder"
)

// ReadDescriptor parses the YAML file at path and fills the defaults the LDM
// classes apply to omitted keys.
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("model config %s: %w", path, err)
	}
	return d, nil
}

func ParseDescriptor(data []byte) (*Descriptor, error) {
	d := &Descriptor{}
	// keys that default to non-zero values are pre-set so an explicit zero
	// in the file still wins
	d.Model.Params.UNetConfig.Params.NumHeads = -1
	d.Model.Params.UNetConfig.Params.NumHeadChannels = -1
	d.Model.Params.UNetConfig.Params.TransformerDepth = 1
	d.Model.Params.UNetConfig.Params.Legacy = true
	d.Model.Params.FirstStageConfig.Params.DDConfig.InChannels = 3
	d.Model.Params.FirstStageConfig.Params.DDConfig.OutCh = 3
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, err
	}
	d.applyDefaults()
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) applyDefaults() {
	p := &d.Model.Params
	if p.LinearStart == 0 {
		p.LinearStart = 1e-4
	}
	if p.LinearEnd == 0 {
		p.LinearEnd = 2e-2
	}
	if p.Timesteps == 0 {
		p.Timesteps = 1000
	}
	if p.BetaSchedule == "" {
		p.BetaSchedule = "linear"
	}
	if p.ScaleFactor == 0 {
		p.ScaleFactor = 1
	}
	if p.Parameterization == "" {
		p.Parameterization = "eps"
	}

	te := &p.CondStageConfig.Params
	if te.Layer == "" {
		te.Layer = "last"
	}
	if te.MaxLength == 0 {
		te.MaxLength = 77
	}
	if te.VocabSize == 0 {
		te.VocabSize = 49408
	}
	if te.Arch == "" {
		if p.CondStageConfig.Target == openCLIPTarget {
			te.Arch = "ViT-H-14"
		} else {
			te.Arch = "ViT-L-14"
		}
	}
	if w, h, l, ok := textArch(te.Arch); ok {
		if te.Width == 0 {
			te.Width = w
		}
		if te.Heads == 0 {
			te.Heads = h
		}
		if te.Layers == 0 {
			te.Layers = l
		}
	}
}

// textArch returns width, heads and layers of the known text towers.
func textArch(name string) (int, int, int, bool) {
	switch name {
	case "ViT-L-14":
		return 768, 12, 12, true
	case "ViT-H-14":
		return 1024, 16, 24, true
	case "ViT-bigG-14":
		return 1280, 20, 32, true
	}
	return 0, 0, 0, false
}

func (d *Descriptor) validate() error {
	p := d.Model.Params
	switch p.Parameterization {
	case "eps", "v":
	default:
		return fmt.Errorf("parameterization %q not supported", p.Parameterization)
	}
	u := p.UNetConfig.Params
	if u.ModelChannels <= 0 || len(u.ChannelMult) == 0 || u.NumResBlocks <= 0 {
		return fmt.Errorf("unet_config: model_channels, channel_mult and num_res_blocks are required")
	}
	if u.NumHeads == -1 && u.NumHeadChannels == -1 {
		return fmt.Errorf("unet_config: either num_heads or num_head_channels has to be set")
	}
	if u.UseSpatialTransformer && u.ContextDim <= 0 {
		return fmt.Errorf("unet_config: spatial transformer needs context_dim")
	}
	dd := p.FirstStageConfig.Params.DDConfig
	if dd.Ch <= 0 || len(dd.ChMult) == 0 || dd.ZChannels <= 0 || p.FirstStageConfig.Params.EmbedDim <= 0 {
		return fmt.Errorf("first_stage_config: ddconfig.ch, ch_mult, z_channels and embed_dim are required")
	}
	te := p.CondStageConfig.Params
	switch te.Layer {
	case "last", "penultimate":
	default:
		return fmt.Errorf("cond_stage_config: layer %q not supported", te.Layer)
	}
	return nil
}

// ContextDim is the cross-attention width conditioning must have.
func (d *Descriptor) ContextDim() int { return d.Model.Params.UNetConfig.Params.ContextDim }

// DownsampleFactor is the spatial factor between pixels and latents.
func (d *Descriptor) DownsampleFactor() int {
	return 1 << (len(d.Model.Params.FirstStageConfig.Params.DDConfig.ChMult) - 1)
}

// LatentChannels is the latent channel count.
func (d *Descriptor) LatentChannels() int { return d.Model.Params.FirstStageConfig.Params.EmbedDim }

func (d *Descriptor) openCLIP() bool {
	return d.Model.Params.CondStageConfig.Target == openCLIPTarget
}
