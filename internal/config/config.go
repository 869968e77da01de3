// Package config loads the brain2img run configuration.
//
// Sources are layered with koanf, later ones winning:
//  1. Defaults
//  2. Optional YAML file (--config-file)
//  3. Environment variables BRAIN2IMG_<KEY>
//  4. Command-line flags that were set explicitly
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/JacobB33/StableDiffusionFork/internal/device"
	"github.com/JacobB33/StableDiffusionFork/internal/diffusion"
	"github.com/JacobB33/StableDiffusionFork/internal/sampler"
)

const EnvPrefix = "BRAIN2IMG_"

// FileFlag names the flag holding the optional YAML file. It is not itself
// a configuration key.
const FileFlag = "config-file"

type Config struct {
	BrainCheckpoint string `koanf:"brain_checkpoint"`
	Ckpt            string `koanf:"ckpt"`
	ModelConfig     string `koanf:"config"`
	DataPath        string `koanf:"data_path"`
	Index           int    `koanf:"index"`
	OutDir          string `koanf:"outdir"`

	PLMS      bool    `koanf:"plms"`
	DPM       bool    `koanf:"dpm"`
	Steps     int     `koanf:"steps"`
	FixedCode bool    `koanf:"fixed_code"`
	DDIMEta   float64 `koanf:"ddim_eta"`
	NIter     int     `koanf:"n_iter"`
	H         int     `koanf:"h"`
	W         int     `koanf:"w"`
	C         int     `koanf:"c"`
	F         int     `koanf:"f"`
	NSamples  int     `koanf:"n_samples"`
	NRows     int     `koanf:"n_rows"`
	Scale     float64 `koanf:"scale"`
	Seed      int64   `koanf:"seed"`
	Repeat    int     `koanf:"repeat"` // accepted, unused

	Precision string `koanf:"precision"`
	BF16      bool   `koanf:"bf16"`
	Device    string `koanf:"device"`
	Threads   int    `koanf:"threads"`

	Backend         string `koanf:"backend"`
	ONNXDir         string `koanf:"onnx_dir"`
	Tokenizer       string `koanf:"tokenizer"`
	UncondEmbedding string `koanf:"uncond_embedding"`
	UseEMA          string `koanf:"use_ema"` // "", "true" or "false"; empty keeps the descriptor's choice

	Verbose   bool   `koanf:"verbose"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// Defaults returns the configuration used when nothing overrides a key.
func Defaults() map[string]any {
	return map[string]any{
		"brain_checkpoint": "",
		"ckpt":             "",
		"config":           "configs/stable-diffusion/v2-inference.yaml",
		"data_path":        "",
		"index":            0,
		"outdir":           "outputs",
		"plms":             false,
		"dpm":              false,
		"steps":            50,
		"fixed_code":       false,
		"ddim_eta":         0.0,
		"n_iter":           2,
		"h":                512,
		"w":                512,
		"c":                4,
		"f":                8,
		"n_samples":        3,
		"n_rows":           0,
		"scale":            9.0,
		"seed":             42,
		"repeat":           1,
		"precision":        "autocast",
		"bf16":             false,
		"device":           "cpu",
		"threads":          0,
		"backend":          diffusion.BackendNative,
		"onnx_dir":         "",
		"tokenizer":        "",
		"uncond_embedding": "",
		"use_ema":          "",
		"verbose":          false,
		"log_level":        "info",
		"log_format":       "console",
	}
}

// RegisterFlags adds one flag per key to fs. Flag names follow the keys;
// the image geometry flags keep their upper-case spelling (--H, --W, --C).
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FileFlag, "", "optional YAML file with configuration keys")

	fs.String("brain_checkpoint", "", "path to the brain embedder checkpoint")
	fs.String("ckpt", "", "path to checkpoint of model")
	fs.String("config", "configs/stable-diffusion/v2-inference.yaml", "path to config which constructs model")
	fs.String("data_path", "", "path to the processed data")
	fs.Int("index", 0, "index of the brain scan to use")
	fs.String("outdir", "outputs", "dir to write results to")

	fs.Bool("plms", false, "use plms sampling")
	fs.Bool("dpm", false, "use DPM (2) sampler")
	fs.Int("steps", 50, "number of sampling steps")
	fs.Bool("fixed_code", false, "use the same starting code across all samples")
	fs.Float64("ddim_eta", 0, "ddim eta (eta=0.0 corresponds to deterministic sampling)")
	fs.Int("n_iter", 2, "sample this often")
	fs.Int("H", 512, "image height, in pixel space")
	fs.Int("W", 512, "image width, in pixel space")
	fs.Int("C", 4, "latent channels")
	fs.Int("f", 8, "downsampling factor, most often 8 or 16")
	fs.Int("n_samples", 3, "how many samples to produce per iteration, a.k.a batch size")
	fs.Int("n_rows", 0, "images per grid row (default: n_samples)")
	fs.Float64("scale", 9.0, "unconditional guidance scale")
	fs.Int64("seed", 42, "the seed (for reproducible sampling)")
	fs.Int("repeat", 1, "accepted for compatibility, unused")

	fs.String("precision", "autocast", "evaluate at this precision: full or autocast")
	fs.Bool("bf16", false, "use bfloat16")
	fs.String("device", "cpu", "device on which the model runs: cpu or cuda")
	fs.Int("threads", 0, "CPU kernel workers (0 means GOMAXPROCS)")

	fs.String("backend", diffusion.BackendNative, "model backend: native or onnx")
	fs.String("onnx_dir", "", "directory with unet.onnx, vae_decoder.onnx and friends")
	fs.String("tokenizer", "", "directory with the text tokenizer files")
	fs.String("uncond_embedding", "", ".npy with the empty-prompt embedding")
	fs.String("use_ema", "", "override the model config's use_ema (true or false)")

	fs.Bool("verbose", false, "log every sampling step")
	fs.String("log_level", "info", "debug, info, warn or error")
	fs.String("log_format", "console", "console or json")
}

// Load layers defaults, the file named by --config-file, the environment
// and the flags set on fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if fs != nil {
		if path, _ := fs.GetString(FileFlag); path != "" {
			if err := loadFile(k, path); err != nil {
				return nil, err
			}
		}
	}

	// BRAIN2IMG_DATA_PATH -> data_path
	envKey := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if fs != nil {
		set := map[string]any{}
		fs.Visit(func(f *pflag.Flag) {
			if f.Name == FileFlag {
				return
			}
			set[strings.ToLower(f.Name)] = f.Value.String()
		})
		if err := k.Load(mapProvider(set), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// loadFile reads a YAML file of keys. Keys are matched case-insensitively
// so the file may spell the geometry keys H and W like the flags do.
func loadFile(k *koanf.Koanf, path string) error {
	b, err := file.Provider(path).ReadBytes()
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	m, err := yaml.Parser().Unmarshal(b)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	lower := make(map[string]any, len(m))
	for key, v := range m {
		lower[strings.ToLower(key)] = v
	}
	return k.Load(mapProvider(lower), nil)
}

// Validate checks everything that can be checked before a model is loaded.
func (c *Config) Validate() error {
	if _, err := device.Parse(c.Device); err != nil {
		return err
	}
	if _, err := device.ParsePrecision(c.Precision); err != nil {
		return err
	}
	if _, err := sampler.FromFlags(c.PLMS, c.DPM); err != nil {
		return err
	}
	if _, err := c.EMA(); err != nil {
		return err
	}
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("steps", c.Steps)
	positive("n_iter", c.NIter)
	positive("n_samples", c.NSamples)
	positive("H", c.H)
	positive("W", c.W)
	positive("C", c.C)
	positive("f", c.F)
	if c.F > 0 && (c.H%c.F != 0 || c.W%c.F != 0) {
		errs = append(errs, fmt.Errorf("H=%d and W=%d must be divisible by f=%d", c.H, c.W, c.F))
	}
	if c.NRows < 0 {
		errs = append(errs, fmt.Errorf("n_rows must not be negative, got %d", c.NRows))
	}
	if c.Threads < 0 {
		errs = append(errs, fmt.Errorf("threads must not be negative, got %d", c.Threads))
	}
	if c.Index < 0 {
		errs = append(errs, fmt.Errorf("index must not be negative, got %d", c.Index))
	}
	switch c.Backend {
	case diffusion.BackendNative, diffusion.BackendONNX:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Backend == diffusion.BackendONNX && c.ONNXDir == "" {
		errs = append(errs, errors.New("onnx backend needs onnx_dir"))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// EMA returns the use_ema override, nil when unset.
func (c *Config) EMA() (*bool, error) {
	switch strings.ToLower(c.UseEMA) {
	case "":
		return nil, nil
	case "true", "1":
		v := true
		return &v, nil
	case "false", "0":
		v := false
		return &v, nil
	}
	return nil, fmt.Errorf("use_ema: want true or false, got %q", c.UseEMA)
}

// Sampler returns the sampler selected by the plms and dpm switches.
func (c *Config) Sampler() sampler.Kind {
	k, _ := sampler.FromFlags(c.PLMS, c.DPM)
	return k
}

// Runtime builds the device runtime. Call Validate first.
func (c *Config) Runtime() (*device.Runtime, error) {
	dev, err := device.Parse(c.Device)
	if err != nil {
		return nil, err
	}
	prec, err := device.ParsePrecision(c.Precision)
	if err != nil {
		return nil, err
	}
	return device.NewRuntime(dev, prec, c.BF16), nil
}

// ModelOptions maps the configuration onto diffusion.LoadOptions.
func (c *Config) ModelOptions() diffusion.LoadOptions {
	ema, _ := c.EMA()
	return diffusion.LoadOptions{
		ConfigPath:      c.ModelConfig,
		CheckpointPath:  c.Ckpt,
		Backend:         c.Backend,
		ONNXDir:         c.ONNXDir,
		TokenizerDir:    c.Tokenizer,
		UncondEmbedding: c.UncondEmbedding,
		UseEMA:          ema,
		Verbose:         c.Verbose,
	}
}

// mapProvider feeds a plain map to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider has no byte form")
}

func (m mapProvider) Read() (map[string]any, error) { return m, nil }
