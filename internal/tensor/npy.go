package tensor

import (
	"bufio"
	"fmt"
	"io"
	"os"

	dense "github.com/pdevine/tensor"
)

// ReadNpy decodes a NumPy .npy array and converts it to float32. Float64 and
// integer arrays are accepted; anything else is an error.
func ReadNpy(r io.Reader) (*Tensor, error) {
	d := new(dense.Dense)
	if err := d.ReadNpy(r); err != nil {
		return nil, fmt.Errorf("read npy: %w", err)
	}

	shape := append([]int{}, d.Shape()...)
	if len(shape) == 0 {
		shape = []int{1}
	}

	var data []float32
	switch v := d.Data().(type) {
	case []float32:
		data = append([]float32{}, v...)
	case float32:
		data = []float32{v}
	case []float64:
		data = make([]float32, len(v))
		for i, x := range v {
			data[i] = float32(x)
		}
	case float64:
		data = []float32{float32(v)}
	case []int64:
		data = make([]float32, len(v))
		for i, x := range v {
			data[i] = float32(x)
		}
	case []int32:
		data = make([]float32, len(v))
		for i, x := range v {
			data[i] = float32(x)
		}
	case []int:
		data = make([]float32, len(v))
		for i, x := range v {
			data[i] = float32(x)
		}
	default:
		return nil, fmt.Errorf("read npy: unsupported dtype %v", d.Dtype())
	}

	if numel(shape) != len(data) {
		return nil, fmt.Errorf("read npy: shape %v does not match %d elements", shape, len(data))
	}
	return From(data, shape), nil
}

// WriteNpy encodes t as a little-endian float32 .npy array.
func WriteNpy(w io.Writer, t *Tensor) error {
	backing := append([]float32{}, t.Data...)
	d := dense.New(dense.WithShape(t.Shape...), dense.WithBacking(backing))
	if err := d.WriteNpy(w); err != nil {
		return fmt.Errorf("write npy: %w", err)
	}
	return nil
}

// LoadNpy reads a .npy file from disk.
func LoadNpy(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := ReadNpy(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// SaveNpy writes t to path as float32.
func SaveNpy(path string, t *Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteNpy(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
