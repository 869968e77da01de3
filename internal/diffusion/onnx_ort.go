//go:build ort

package diffusion

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/JacobB33/StableDiffusionFork/internal/device"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// onnxBackend runs exported text encoder, UNet and VAE graphs through ONNX
// Runtime. Expected files in the ONNX dir: text_encoder.onnx, unet.onnx,
// vae_decoder.onnx and optionally vae_encoder.onnx.
type onnxBackend struct {
	text, unet, dec, enc *onnxGraph
}

type onnxGraph struct {
	session  *ort.DynamicAdvancedSession
	inputs   []ort.InputOutputInfo
	outNames []string
}

// findORTLibrary looks for libonnxruntime in common locations; ORT_LIB wins.
func findORTLibrary() string {
	if p := os.Getenv("ORT_LIB"); p != "" {
		return p
	}
	candidates := []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func newONNXBackend(desc *Descriptor, opts LoadOptions, rt *device.Runtime) (Backend, error) {
	logger := log.With().Str("component", "onnx").Logger()
	if opts.ONNXDir == "" {
		return nil, fmt.Errorf("onnx backend: onnx_dir not set")
	}
	lib := findORTLibrary()
	if lib == "" {
		return nil, fmt.Errorf("onnx backend: libonnxruntime not found (set ORT_LIB)")
	}
	ort.SetSharedLibraryPath(lib)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("onnx backend: init: %w", err)
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("onnx backend: session options: %w", err)
	}
	defer so.Destroy()
	so.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)

	usedGPU := false
	if rt != nil && rt.Device == device.CUDA {
		cudaOpts, cudaErr := ort.NewCUDAProviderOptions()
		if cudaErr == nil {
			cudaErr = so.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
		}
		if cudaErr != nil {
			logger.Warn().Err(cudaErr).Msg("CUDA execution provider unavailable, falling back to CPU")
		} else {
			usedGPU = true
		}
	}
	if !usedGPU {
		so.SetIntraOpNumThreads(tensor.Workers())
		so.SetInterOpNumThreads(1)
	}
	logger.Info().Str("library", lib).Bool("cuda", usedGPU).Str("dir", opts.ONNXDir).Msg("onnx runtime ready")

	b := &onnxBackend{}
	open := func(name string, required bool) (*onnxGraph, error) {
		path := filepath.Join(opts.ONNXDir, name)
		if _, err := os.Stat(path); err != nil {
			if required {
				return nil, fmt.Errorf("onnx backend: %w", err)
			}
			return nil, nil
		}
		start := time.Now()
		g, err := openGraph(path, so)
		if err != nil {
			return nil, fmt.Errorf("onnx backend: %s: %w", name, err)
		}
		logger.Info().Str("graph", name).Dur("took", time.Since(start)).Msg("session loaded")
		return g, nil
	}
	if b.text, err = open("text_encoder.onnx", true); err == nil {
		if b.unet, err = open("unet.onnx", true); err == nil {
			if b.dec, err = open("vae_decoder.onnx", true); err == nil {
				b.enc, err = open("vae_encoder.onnx", false)
			}
		}
	}
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func openGraph(path string, so *ort.SessionOptions) (*onnxGraph, error) {
	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, err
	}
	g := &onnxGraph{inputs: ins}
	inNames := make([]string, len(ins))
	for i, in := range ins {
		inNames[i] = in.Name
	}
	for _, out := range outs {
		g.outNames = append(g.outNames, out.Name)
	}
	g.session, err = ort.NewDynamicAdvancedSession(path, inNames, g.outNames, so)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// run feeds one value per graph input and returns the first output as
// float32.
func (g *onnxGraph) run(inputs ...ort.Value) (*tensor.Tensor, error) {
	defer func() {
		for _, in := range inputs {
			in.Destroy()
		}
	}()
	outputs := make([]ort.Value, len(g.outNames))
	if err := g.session.Run(inputs, outputs); err != nil {
		return nil, err
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()
	data, dims, err := extractFloat32(outputs[0])
	if err != nil {
		return nil, err
	}
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}
	return tensor.From(data, shape), nil
}

func (g *onnxGraph) input(i int) ort.InputOutputInfo { return g.inputs[i] }

func shapeOf(t *tensor.Tensor) ort.Shape {
	dims := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int64(d)
	}
	return ort.NewShape(dims...)
}

// makeValue creates an input value in the element type the graph declares.
func makeValue(t *tensor.Tensor, dtype ort.TensorElementDataType) (ort.Value, error) {
	if dtype == ort.TensorElementDataTypeFloat16 {
		raw := make([]byte, len(t.Data)*2)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(raw[i*2:], float16.Fromfloat32(v).Bits())
		}
		return ort.NewCustomDataTensor(shapeOf(t), raw, ort.TensorElementDataTypeFloat16)
	}
	return ort.NewTensor(shapeOf(t), t.Data)
}

func extractFloat32(v ort.Value) ([]float32, ort.Shape, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return append([]float32(nil), t.GetData()...), t.GetShape(), nil
	case *ort.Tensor[uint16]:
		src := t.GetData()
		out := make([]float32, len(src))
		for i, bits := range src {
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, t.GetShape(), nil
	case *ort.CustomDataTensor:
		raw := t.GetData()
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, t.GetShape(), nil
	}
	return nil, nil, fmt.Errorf("unsupported output tensor type %T", v)
}

func (b *onnxBackend) Denoise(x *tensor.Tensor, t []float64, c *tensor.Tensor) (*tensor.Tensor, error) {
	sample, err := makeValue(x, b.unet.input(0).DataType)
	if err != nil {
		return nil, err
	}
	var ts ort.Value
	if b.unet.input(1).DataType == ort.TensorElementDataTypeInt64 {
		v := make([]int64, len(t))
		for i, f := range t {
			v[i] = int64(f + 0.5)
		}
		ts, err = ort.NewTensor(ort.NewShape(int64(len(t))), v)
	} else {
		v := tensor.New(len(t))
		for i, f := range t {
			v.Data[i] = float32(f)
		}
		ts, err = makeValue(v, b.unet.input(1).DataType)
	}
	if err != nil {
		sample.Destroy()
		return nil, err
	}
	ctx, err := makeValue(c, b.unet.input(2).DataType)
	if err != nil {
		sample.Destroy()
		ts.Destroy()
		return nil, err
	}
	out, err := b.unet.run(sample, ts, ctx)
	if err != nil {
		return nil, fmt.Errorf("unet: %w", err)
	}
	return out, nil
}

func (b *onnxBackend) Decode(z *tensor.Tensor) (*tensor.Tensor, error) {
	in, err := makeValue(z, b.dec.input(0).DataType)
	if err != nil {
		return nil, err
	}
	out, err := b.dec.run(in)
	if err != nil {
		return nil, fmt.Errorf("vae decoder: %w", err)
	}
	return out, nil
}

func (b *onnxBackend) Encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	if b.enc == nil {
		return nil, fmt.Errorf("vae encoder graph not present")
	}
	in, err := makeValue(x, b.enc.input(0).DataType)
	if err != nil {
		return nil, err
	}
	out, err := b.enc.run(in)
	if err != nil {
		return nil, fmt.Errorf("vae encoder: %w", err)
	}
	return out, nil
}

func (b *onnxBackend) EncodeText(tokens [][]int) (*tensor.Tensor, error) {
	L := len(tokens[0])
	ids := make([]int64, 0, len(tokens)*L)
	for _, row := range tokens {
		for _, id := range row {
			ids = append(ids, int64(id))
		}
	}
	in, err := ort.NewTensor(ort.NewShape(int64(len(tokens)), int64(L)), ids)
	if err != nil {
		return nil, err
	}
	out, err := b.text.run(in)
	if err != nil {
		return nil, fmt.Errorf("text encoder: %w", err)
	}
	return out, nil
}

func (b *onnxBackend) Close() error {
	for _, g := range []*onnxGraph{b.text, b.unet, b.dec, b.enc} {
		if g != nil && g.session != nil {
			g.session.Destroy()
		}
	}
	return ort.DestroyEnvironment()
}
