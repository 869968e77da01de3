// Package device describes where and at what precision the models run.
package device

import (
	"fmt"
	"strings"
	"sync"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

type Device int

const (
	CPU Device = iota
	CUDA
)

func (d Device) String() string {
	switch d {
	case CUDA:
		return "cuda"
	default:
		return "cpu"
	}
}

// InvalidDeviceError reports a device name other than "cpu" or "cuda".
type InvalidDeviceError struct {
	Name string
}

func (e *InvalidDeviceError) Error() string {
	return fmt.Sprintf("incorrect device name: %q (want cpu or cuda)", e.Name)
}

// Parse accepts exactly "cpu" and "cuda".
func Parse(name string) (Device, error) {
	switch name {
	case "cpu":
		return CPU, nil
	case "cuda":
		return CUDA, nil
	}
	return CPU, &InvalidDeviceError{Name: name}
}

type Precision int

const (
	Full Precision = iota
	Autocast
)

func (p Precision) String() string {
	if p == Autocast {
		return "autocast"
	}
	return "full"
}

type UnsupportedPrecisionError struct {
	Name string
}

func (e *UnsupportedPrecisionError) Error() string {
	return fmt.Sprintf("unsupported precision: %q (want full or autocast)", e.Name)
}

func ParsePrecision(name string) (Precision, error) {
	switch strings.ToLower(name) {
	case "full":
		return Full, nil
	case "autocast":
		return Autocast, nil
	}
	return Full, &UnsupportedPrecisionError{Name: name}
}

// Runtime carries the device and the reduced-precision mode. Rounding only
// takes effect inside Autocast.
type Runtime struct {
	Device    Device
	Precision Precision
	BF16      bool

	mu    sync.Mutex
	depth int
}

func NewRuntime(dev Device, prec Precision, bf16 bool) *Runtime {
	return &Runtime{Device: dev, Precision: prec, BF16: bf16}
}

// reduced reports whether Autocast rounds at all. bf16 implies autocast.
func (r *Runtime) reduced() bool {
	return r.Precision == Autocast || r.BF16
}

// Autocast runs fn with reduced precision active and restores the previous
// mode on every exit path, including panics.
func (r *Runtime) Autocast(fn func() error) error {
	if !r.reduced() {
		return fn()
	}
	r.mu.Lock()
	r.depth++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.depth--
		r.mu.Unlock()
	}()
	return fn()
}

// Active reports whether the caller is inside Autocast.
func (r *Runtime) Active() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth > 0
}

// DType names the reduced type Round converts through.
func (r *Runtime) DType() string {
	if r.BF16 {
		return "bfloat16"
	}
	return "float16"
}

// Round returns t rounded through float16 or bfloat16 when autocast is
// active, otherwise t itself.
func (r *Runtime) Round(t *tensor.Tensor) *tensor.Tensor {
	if !r.Active() {
		return t
	}
	out := tensor.New(t.Shape...)
	if r.BF16 {
		copy(out.Data, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(t.Data)))
		return out
	}
	for i, v := range t.Data {
		out.Data[i] = float16.Fromfloat32(v).Float32()
	}
	return out
}
