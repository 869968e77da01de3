package checkpoint

import (
	"fmt"
	"math/big"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// ReadTorch unpickles a torch.save file (zip or legacy format) and returns its
// top-level dictionary with stringified keys.
func ReadTorch(path string) (map[string]any, error) {
	v, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	top, err := toMap(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return top, nil
}

// toMap flattens the dictionary types gopickle produces.
func toMap(v any) (map[string]any, error) {
	out := make(map[string]any)
	switch d := v.(type) {
	case *types.Dict:
		for _, e := range *d {
			out[fmt.Sprint(e.Key)] = e.Value
		}
	case *types.OrderedDict:
		for el := d.List.Front(); el != nil; el = el.Next() {
			e := el.Value.(*types.OrderedDictEntry)
			out[fmt.Sprint(e.Key)] = e.Value
		}
	case map[any]any:
		for k, val := range d {
			out[fmt.Sprint(k)] = val
		}
	default:
		return nil, fmt.Errorf("expected a dict, got %T", v)
	}
	return out, nil
}

// StateDict converts a pickled mapping of parameter name to torch tensor.
// Non-tensor entries (e.g. LitEma's num_updates buffer stored as int) are
// skipped.
func StateDict(v any) (map[string]*tensor.Tensor, error) {
	m, err := toMap(v)
	if err != nil {
		return nil, fmt.Errorf("state dict: %w", err)
	}
	params := make(map[string]*tensor.Tensor, len(m))
	for name, val := range m {
		pt, ok := val.(*pytorch.Tensor)
		if !ok {
			continue
		}
		t, err := FromTorch(pt)
		if err != nil {
			return nil, fmt.Errorf("state dict %s: %w", name, err)
		}
		params[name] = t
	}
	return params, nil
}

// FromTorch copies a (possibly strided) torch tensor into a contiguous
// float32 tensor.
func FromTorch(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	var at func(i int) float32
	var size int
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		at, size = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.HalfStorage:
		at, size = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.BFloat16Storage:
		at, size = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, size = func(i int) float32 { return float32(s.Data[i]) }, len(s.Data)
	case *pytorch.LongStorage:
		at, size = func(i int) float32 { return float32(s.Data[i]) }, len(s.Data)
	case *pytorch.IntStorage:
		at, size = func(i int) float32 { return float32(s.Data[i]) }, len(s.Data)
	default:
		return nil, fmt.Errorf("unsupported storage %T", pt.Source)
	}

	shape := append([]int{}, pt.Size...)
	out := tensor.New(shape...)
	stride := pt.Stride
	if len(stride) != len(shape) {
		stride = contiguousStride(shape)
	}

	idx := make([]int, len(shape))
	for i := range out.Data {
		off := pt.StorageOffset
		for d, v := range idx {
			off += v * stride[d]
		}
		if off < 0 || off >= size {
			return nil, fmt.Errorf("offset %d outside storage of %d elements", off, size)
		}
		out.Data[i] = at(off)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

func contiguousStride(shape []int) []int {
	stride := make([]int, len(shape))
	s := 1
	for d := len(shape) - 1; d >= 0; d-- {
		stride[d] = s
		s *= shape[d]
	}
	return stride
}

// PyInt reads a pickled Python int (small ints, *big.Int and
// integral floats).
func PyInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case *big.Int:
		return n.Int64(), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
