// Package tensor holds the dense float32 tensor type shared by every model in
// the pipeline, plus the CPU kernels that operate on it.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is an n-dimensional float32 array stored row-major.
type Tensor struct {
	Data  []float32
	Shape []int
}

func New(shape ...int) *Tensor {
	return &Tensor{Data: make([]float32, numel(shape)), Shape: append([]int{}, shape...)}
}

// From wraps data without copying. len(data) must equal the product of shape.
func From(data []float32, shape []int) *Tensor {
	return &Tensor{Data: data, Shape: append([]int{}, shape...)}
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func (t *Tensor) Numel() int { return numel(t.Shape) }

func (t *Tensor) Dims() int { return len(t.Shape) }

func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, Shape: append([]int{}, t.Shape...)}
}

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = append([]int{}, shape...)
	infer := -1
	known := 1
	for i, s := range shape {
		if s == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("reshape %v: more than one inferred dimension", shape)
			}
			infer = i
			continue
		}
		known *= s
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, fmt.Errorf("reshape %v -> %v: size %d not divisible", t.Shape, shape, len(t.Data))
		}
		shape[infer] = len(t.Data) / known
	}
	if numel(shape) != len(t.Data) {
		return nil, fmt.Errorf("reshape %v -> %v: size mismatch", t.Shape, shape)
	}
	return &Tensor{Data: t.Data, Shape: shape}, nil
}

// MustReshape is Reshape for shapes known to be valid.
func (t *Tensor) MustReshape(shape ...int) *Tensor {
	r, err := t.Reshape(shape...)
	if err != nil {
		panic(err)
	}
	return r
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor%v", t.Shape)
	if len(t.Data) > 0 {
		fmt.Fprintf(&b, " range=[%.4f, %.4f]", t.Min(), t.Max())
	}
	return b.String()
}

func (t *Tensor) Min() float32 {
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func (t *Tensor) Max() float32 {
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// --- batch helpers ---

// Batch returns the size of the leading dimension.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// Index copies element i of the leading dimension, keeping a leading 1.
func (t *Tensor) Index(i int) *Tensor {
	rest := t.Shape[1:]
	n := numel(rest)
	out := New(append([]int{1}, rest...)...)
	copy(out.Data, t.Data[i*n:(i+1)*n])
	return out
}

// Stack concatenates tensors along the leading dimension. All trailing
// dimensions must agree.
func Stack(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("stack: no tensors")
	}
	rest := ts[0].Shape[1:]
	total := 0
	for _, t := range ts {
		if len(t.Shape) != len(ts[0].Shape) || numel(t.Shape[1:]) != numel(rest) {
			return nil, fmt.Errorf("stack: shape %v incompatible with %v", t.Shape, ts[0].Shape)
		}
		total += t.Shape[0]
	}
	out := New(append([]int{total}, rest...)...)
	off := 0
	for _, t := range ts {
		copy(out.Data[off:], t.Data)
		off += len(t.Data)
	}
	return out, nil
}

// Repeat tiles a batch-1 tensor n times along the leading dimension.
func Repeat(t *Tensor, n int) *Tensor {
	if t.Batch() == n {
		return t
	}
	rest := t.Shape[1:]
	out := New(append([]int{n}, rest...)...)
	for i := 0; i < n; i++ {
		copy(out.Data[i*len(t.Data):], t.Data)
	}
	return out
}

// Unsqueeze returns t with a new leading dimension of size 1.
func Unsqueeze(t *Tensor) *Tensor {
	return &Tensor{Data: t.Data, Shape: append([]int{1}, t.Shape...)}
}
