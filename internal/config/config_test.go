package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobB33/StableDiffusionFork/internal/device"
	"github.com/JacobB33/StableDiffusionFork/internal/sampler"
)

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestDefaults(t *testing.T) {
	c, err := Load(flags(t))
	require.NoError(t, err)
	assert.Equal(t, 50, c.Steps)
	assert.Equal(t, 512, c.H)
	assert.Equal(t, 512, c.W)
	assert.Equal(t, 4, c.C)
	assert.Equal(t, 8, c.F)
	assert.Equal(t, 3, c.NSamples)
	assert.Equal(t, 2, c.NIter)
	assert.Equal(t, 9.0, c.Scale)
	assert.Equal(t, int64(42), c.Seed)
	assert.Equal(t, "autocast", c.Precision)
	assert.Equal(t, "native", c.Backend)
	require.NoError(t, c.Validate())
	assert.Equal(t, sampler.DDIM, c.Sampler())
}

func TestFlagDefaultsMatchKeys(t *testing.T) {
	fs := flags(t)
	defaults := Defaults()
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == FileFlag {
			return
		}
		_, ok := defaults[strings.ToLower(f.Name)]
		assert.True(t, ok, "flag %s has no default", f.Name)
	})
	assert.Len(t, defaults, 33)
}

func TestLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
steps: 30
H: 256
W: 384
scale: 7.5
data_path: /from/file
dpm: true
use_ema: false
`), 0o644))

	t.Setenv("BRAIN2IMG_STEPS", "40")
	t.Setenv("BRAIN2IMG_OUTDIR", "/from/env")
	t.Setenv("BRAIN2IMG_N_ITER", "5")

	c, err := Load(flags(t, "--config-file", path, "--n_iter", "7", "--W", "128"))
	require.NoError(t, err)

	assert.Equal(t, 40, c.Steps, "env beats file")
	assert.Equal(t, 256, c.H, "file beats default")
	assert.Equal(t, 128, c.W, "flag beats file")
	assert.Equal(t, 7, c.NIter, "flag beats env")
	assert.Equal(t, 7.5, c.Scale)
	assert.Equal(t, "/from/file", c.DataPath)
	assert.Equal(t, "/from/env", c.OutDir)
	assert.True(t, c.DPM)
	assert.Equal(t, 3, c.NSamples, "untouched key keeps its default")

	ema, err := c.EMA()
	require.NoError(t, err)
	require.NotNil(t, ema)
	assert.False(t, *ema)
	assert.Equal(t, sampler.DPMSolver, c.Sampler())
}

func TestUnsetFlagDoesNotOverrideEnv(t *testing.T) {
	t.Setenv("BRAIN2IMG_SCALE", "1")
	c, err := Load(flags(t))
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.Scale)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(flags(t, "--config-file", filepath.Join(t.TempDir(), "nope.yaml")))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		c, err := Load(flags(t))
		require.NoError(t, err)
		return c
	}

	c := base(t)
	c.Device = "tpu"
	var de *device.InvalidDeviceError
	assert.ErrorAs(t, c.Validate(), &de)

	c = base(t)
	c.Precision = "half"
	var pe *device.UnsupportedPrecisionError
	assert.ErrorAs(t, c.Validate(), &pe)

	c = base(t)
	c.PLMS, c.DPM = true, true
	assert.ErrorIs(t, c.Validate(), sampler.ErrConflictingSamplers)

	c = base(t)
	c.H = 500
	assert.ErrorContains(t, c.Validate(), "divisible")

	c = base(t)
	c.Steps, c.NSamples = 0, -1
	err := c.Validate()
	assert.ErrorContains(t, err, "steps must be positive")
	assert.ErrorContains(t, err, "n_samples must be positive")

	c = base(t)
	c.Backend = "onnx"
	assert.ErrorContains(t, c.Validate(), "onnx_dir")

	c = base(t)
	c.UseEMA = "maybe"
	assert.Error(t, c.Validate())

	c = base(t)
	c.LogFormat = "xml"
	assert.Error(t, c.Validate())
}

func TestRuntimeAndModelOptions(t *testing.T) {
	c, err := Load(flags(t, "--precision", "full", "--bf16", "--device", "cuda", "--ckpt", "m.ckpt", "--use_ema", "true"))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	rt, err := c.Runtime()
	require.NoError(t, err)
	assert.Equal(t, device.CUDA, rt.Device)
	assert.Equal(t, device.Full, rt.Precision)
	assert.True(t, rt.BF16)

	opts := c.ModelOptions()
	assert.Equal(t, "m.ckpt", opts.CheckpointPath)
	require.NotNil(t, opts.UseEMA)
	assert.True(t, *opts.UseEMA)
}
