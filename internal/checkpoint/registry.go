package checkpoint

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// Registry collects the named parameter slots a model exposes so a
// checkpoint can be bound to them. Scopes share one slot set and prefix
// names the way torch module paths nest.
type Registry struct {
	prefix string
	set    *slotSet
}

type slotSet struct {
	order []string
	slots map[string]slot
}

type slot struct {
	shape []int
	dst   **tensor.Tensor
}

func NewRegistry() *Registry {
	return &Registry{set: &slotSet{slots: make(map[string]slot)}}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "." + name
}

// Scope returns a view whose names are nested under name.
func (r *Registry) Scope(name string, more ...any) *Registry {
	if len(more) > 0 {
		name = fmt.Sprintf(name, more...)
	}
	return &Registry{prefix: join(r.prefix, name), set: r.set}
}

// Add registers dst under name with the expected shape. A slot that already
// holds a tensor keeps it when the checkpoint has no entry for it (buffers
// with computed defaults).
func (r *Registry) Add(name string, dst **tensor.Tensor, shape ...int) {
	full := join(r.prefix, name)
	if _, dup := r.set.slots[full]; dup {
		panic("checkpoint: duplicate parameter " + full)
	}
	r.set.order = append(r.set.order, full)
	r.set.slots[full] = slot{shape: append([]int{}, shape...), dst: dst}
}

// Names lists registered names in registration order.
func (r *Registry) Names() []string {
	return append([]string{}, r.set.order...)
}

func (r *Registry) Len() int { return len(r.set.order) }

// NumParams is the total element count over all slots.
func (r *Registry) NumParams() int {
	n := 0
	for _, s := range r.set.slots {
		c := 1
		for _, d := range s.shape {
			c *= d
		}
		n += c
	}
	return n
}

// LoadReport is what a partial load could not match.
type LoadReport struct {
	Loaded          int
	Missing         []string
	Unexpected      []string
	ShapeMismatches []*ShapeMismatchError
}

func (r *LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 && len(r.ShapeMismatches) == 0
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Load binds params to the registered slots and reports what did not match.
// Shape mismatches are reported, not bound; callers decide whether they are
// fatal. Slots without a bound tensor keep their initial value (norm weights
// start at one) or are zero-filled.
func (r *Registry) Load(params map[string]*tensor.Tensor) *LoadReport {
	rep := &LoadReport{}
	for _, name := range r.set.order {
		s := r.set.slots[name]
		src, ok := params[name]
		switch {
		case !ok:
			rep.Missing = append(rep.Missing, name)
		case !sameShape(src.Shape, s.shape):
			rep.ShapeMismatches = append(rep.ShapeMismatches, &ShapeMismatchError{Name: name, Want: s.shape, Got: src.Shape})
		default:
			*s.dst = src
			rep.Loaded++
			continue
		}
		if *s.dst == nil {
			*s.dst = tensor.New(s.shape...)
		}
	}
	for name := range params {
		if _, ok := r.set.slots[name]; !ok {
			rep.Unexpected = append(rep.Unexpected, name)
		}
	}
	sort.Strings(rep.Unexpected)
	return rep
}

// LoadStrict binds params and fails on any shape mismatch or any missing or
// unexpected name. Shape errors take precedence.
func (r *Registry) LoadStrict(params map[string]*tensor.Tensor) error {
	rep := r.Load(params)
	if len(rep.ShapeMismatches) > 0 {
		return rep.ShapeMismatches[0]
	}
	if len(rep.Missing) > 0 || len(rep.Unexpected) > 0 {
		return &KeyMismatchError{Missing: rep.Missing, Unexpected: rep.Unexpected}
	}
	return nil
}

// Randomize fills every slot with N(0, std²) noise. Tiny test networks use it
// in place of trained weights.
func (r *Registry) Randomize(rng *rand.Rand, std float32) {
	for _, name := range r.set.order {
		s := r.set.slots[name]
		t := tensor.Randn(rng, s.shape...)
		for i := range t.Data {
			t.Data[i] *= std
		}
		*s.dst = t
	}
}

// State returns the current slot contents keyed by name.
func (r *Registry) State() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(r.set.order))
	for _, name := range r.set.order {
		if t := *r.set.slots[name].dst; t != nil {
			out[name] = t
		}
	}
	return out
}
