package generate

import (
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobB33/StableDiffusionFork/internal/dataset"
	"github.com/JacobB33/StableDiffusionFork/internal/device"
	"github.com/JacobB33/StableDiffusionFork/internal/imageio"
	"github.com/JacobB33/StableDiffusionFork/internal/sampler"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

const (
	tokens = 77
	width  = 8
)

func writeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	index := `{
  "annotations": [{"beta": "b0.npy", "img": 1}, {"beta": "b1.npy", "img": 2}],
  "images": {
    "1": {"im_path": "1.png", "captions": [{"embd": "e1.npy"}]},
    "2": {"im_path": "2.png", "captions": [{"embd": "e2.npy"}]}
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, dataset.IndexFile), []byte(index), 0o644))
	for _, id := range []string{"0", "1"} {
		require.NoError(t, tensor.SaveNpy(filepath.Join(dir, "b"+id+".npy"), tensor.From([]float32{1, 2, 3, 4}, []int{4})))
	}
	for _, id := range []string{"1", "2"} {
		require.NoError(t, tensor.SaveNpy(filepath.Join(dir, "e"+id+".npy"), tensor.New(tokens, width)))
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for i := range img.Pix {
			img.Pix[i] = 255
		}
		require.NoError(t, imageio.SavePNG(img, filepath.Join(dir, id+".png")))
	}
	return dir
}

// fakeModel decodes latents to mid-grey pixels f times larger.
type fakeModel struct {
	f         int
	uncondFor []int
}

func (m *fakeModel) LearnedConditioning(texts []string) (*tensor.Tensor, error) {
	m.uncondFor = append(m.uncondFor, len(texts))
	return tensor.New(len(texts), tokens, width), nil
}

func (m *fakeModel) DecodeFirstStage(z *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.New(z.Shape[0], 3, z.Shape[2]*m.f, z.Shape[3]*m.f), nil
}

type fakeAdapter struct{ calls int }

func (a *fakeAdapter) Condition(scan *tensor.Tensor) (*tensor.Tensor, error) {
	a.calls++
	c := tensor.New(1, tokens, width)
	c.Data[0] = scan.Data[0]
	return c, nil
}

// fakeSampler records requests and can fail on a given call.
type fakeSampler struct {
	reqs   []sampler.Request
	active []bool
	rt     *device.Runtime
	failAt int // 1-based call number, 0 never
}

func (s *fakeSampler) Kind() sampler.Kind { return sampler.DDIM }

func (s *fakeSampler) Sample(_ context.Context, req sampler.Request) (*sampler.Result, error) {
	s.reqs = append(s.reqs, req)
	s.active = append(s.active, s.rt.Active())
	if len(s.reqs) == s.failAt {
		return nil, errors.New("solver diverged")
	}
	return &sampler.Result{Latent: tensor.New(req.BatchSize, req.Shape[0], req.Shape[1], req.Shape[2])}, nil
}

func options(data, out string) Options {
	return Options{
		DataPath:  data,
		OutDir:    out,
		Steps:     10,
		BatchSize: 1,
		NIter:     1,
		H:         16,
		W:         16,
		C:         4,
		F:         8,
		Scale:     1,
		Seed:      42,
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func decodePNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	return img
}

// denoiser predicts zero noise for every input.
type denoiser struct{ alphas []float64 }

func (d denoiser) Apply(x *tensor.Tensor, _ float64, _ *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.New(x.Shape...), nil
}

func (d denoiser) AlphasCumprod() []float64 { return d.alphas }

func (d denoiser) Parameterization() string { return "eps" }

func TestEndToEndFileSet(t *testing.T) {
	data, out := writeDataset(t), t.TempDir()
	alphas := make([]float64, 1000)
	for i := range alphas {
		alphas[i] = math.Exp(-float64(i) / 200)
	}
	s, err := sampler.New(sampler.DDIM, denoiser{alphas: alphas})
	require.NoError(t, err)

	o := New(options(data, out), &fakeModel{f: 8}, &fakeAdapter{}, s)
	rep, err := o.Run(context.Background(), 0)
	require.NoError(t, err)

	dir := filepath.Join(out, "results_image_0")
	assert.Equal(t, dir, rep.OutDir)
	assert.Equal(t, []string{"grid-0.png", "img_0.png", "target_0.png", "target_generation.png"}, listDir(t, dir))
	assert.Len(t, rep.Files, 4)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 1, rep.Iterations)

	for _, name := range listDir(t, dir) {
		img := decodePNG(t, filepath.Join(dir, name))
		assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds(), name)
		r, g, b, a := img.At(3, 3).RGBA()
		assert.Equal(t, uint32(0xffff), a, name)
		assert.LessOrEqual(t, r>>8, uint32(255))
		assert.Equal(t, r, g)
		assert.Equal(t, g, b)
	}
}

func TestAdapterRunsOncePerRun(t *testing.T) {
	data, out := writeDataset(t), t.TempDir()
	adapter := &fakeAdapter{}
	fs := &fakeSampler{}
	opts := options(data, out)
	opts.NIter, opts.BatchSize = 3, 2

	rep, err := New(opts, &fakeModel{f: 8}, adapter, fs).Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.calls)
	require.Len(t, fs.reqs, 4)
	for _, req := range fs.reqs[1:] {
		assert.Same(t, fs.reqs[1].Conditioning, req.Conditioning)
		assert.Equal(t, []int{2, tokens, width}, req.Conditioning.Shape)
		assert.Equal(t, float32(1), req.Conditioning.Data[tokens*width], "scan conditioning replicated")
	}
	assert.Equal(t, 1, fs.reqs[0].BatchSize, "target generation is a single sample")
	assert.Equal(t, [3]int{4, 2, 2}, fs.reqs[0].Shape)

	dir := filepath.Join(out, "results_image_1")
	assert.Equal(t, []string{
		"grid-1.png", "img_0.png", "img_1.png", "img_2.png", "img_3.png", "img_4.png", "img_5.png",
		"target_1.png", "target_generation.png",
	}, listDir(t, dir))
	assert.Equal(t, 3, rep.Iterations)

	grid := decodePNG(t, filepath.Join(dir, "grid-1.png"))
	// 6 images, 2 per row: 2 x 3 cells of 18 px plus the outer 2 px
	assert.Equal(t, image.Rect(0, 0, 2*18+2, 3*18+2), grid.Bounds())
}

func TestGuidanceUsesEmptyPrompts(t *testing.T) {
	data := writeDataset(t)
	model := &fakeModel{f: 8}
	fs := &fakeSampler{}
	opts := options(data, t.TempDir())
	opts.Scale, opts.BatchSize, opts.NIter = 7.5, 3, 2

	_, err := New(opts, model, &fakeAdapter{}, fs).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 3}, model.uncondFor)
	assert.Equal(t, 1, fs.reqs[0].Unconditional.Batch())
	assert.Equal(t, 3, fs.reqs[1].Unconditional.Batch())
	assert.Equal(t, 7.5, fs.reqs[2].GuidanceScale)

	model.uncondFor = nil
	fs.reqs = nil
	opts.Scale = 1
	_, err = New(opts, model, &fakeAdapter{}, fs).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, model.uncondFor)
	assert.Nil(t, fs.reqs[1].Unconditional)
}

func TestFixedCode(t *testing.T) {
	data := writeDataset(t)
	fs := &fakeSampler{}
	opts := options(data, t.TempDir())
	opts.FixedCode, opts.BatchSize, opts.NIter = true, 2, 2

	_, err := New(opts, &fakeModel{f: 8}, &fakeAdapter{}, fs).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, fs.reqs, 3)
	start := fs.reqs[1].XT
	require.NotNil(t, start)
	assert.Equal(t, []int{2, 4, 2, 2}, start.Shape)
	assert.Same(t, start, fs.reqs[2].XT)
	assert.Equal(t, start.Index(0).Data, fs.reqs[0].XT.Data, "target generation starts from sample 0")

	fs.reqs = nil
	opts.FixedCode = false
	_, err = New(opts, &fakeModel{f: 8}, &fakeAdapter{}, fs).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, fs.reqs[1].XT)
	assert.NotNil(t, fs.reqs[1].Rand)
}

func TestIndexBoundary(t *testing.T) {
	data, out := writeDataset(t), t.TempDir()
	_, err := New(options(data, out), &fakeModel{f: 8}, &fakeAdapter{}, &fakeSampler{}).Run(context.Background(), 2)
	var ie *dataset.IndexError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Index)
	assert.NoDirExists(t, filepath.Join(out, "results_image_2"))
}

func TestIterationFailureKeepsOutputs(t *testing.T) {
	data, out := writeDataset(t), t.TempDir()
	fs := &fakeSampler{failAt: 3}
	opts := options(data, out)
	opts.NIter, opts.BatchSize = 3, 2

	rep, err := New(opts, &fakeModel{f: 8}, &fakeAdapter{}, fs).Run(context.Background(), 0)
	var ie *IterationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Iteration)
	assert.ErrorContains(t, err, "solver diverged")
	assert.Equal(t, 1, rep.Iterations)

	dir := filepath.Join(out, "results_image_0")
	assert.Equal(t, []string{"grid-0.png", "img_0.png", "img_1.png", "target_0.png", "target_generation.png"}, listDir(t, dir))
	grid := decodePNG(t, filepath.Join(dir, "grid-0.png"))
	assert.Equal(t, image.Rect(0, 0, 2*18+2, 18+2), grid.Bounds())
}

func TestAutocastScope(t *testing.T) {
	rt := device.NewRuntime(device.CPU, device.Autocast, false)
	fs := &fakeSampler{rt: rt, failAt: 2}
	opts := options(writeDataset(t), t.TempDir())
	opts.Runtime = rt

	_, err := New(opts, &fakeModel{f: 8}, &fakeAdapter{}, fs).Run(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, []bool{true, true}, fs.active)
	assert.False(t, rt.Active(), "reverted after a failed iteration")
}

func TestCancelledBeforeIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := New(options(writeDataset(t), t.TempDir()), &fakeModel{f: 8}, &fakeAdapter{}, &fakeSampler{}).Run(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, rep.Iterations)
}

func TestOptionsValidation(t *testing.T) {
	opts := options(t.TempDir(), t.TempDir())
	opts.H = 20
	_, err := New(opts, &fakeModel{}, &fakeAdapter{}, &fakeSampler{}).Run(context.Background(), 0)
	assert.ErrorContains(t, err, "divisible")

	opts = options(t.TempDir(), t.TempDir())
	opts.NIter = 0
	_, err = New(opts, &fakeModel{}, &fakeAdapter{}, &fakeSampler{}).Run(context.Background(), 0)
	assert.Error(t, err)
}
