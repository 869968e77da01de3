// Package checkpoint reads parameter bundles (torch pickles and safetensors)
// and binds them to model parameters by name.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

type Format int

const (
	Pickle Format = iota
	SafeTensorsFormat
)

func (f Format) String() string {
	if f == SafeTensorsFormat {
		return "safetensors"
	}
	return "pickle"
}

// Checkpoint is a read-only parameter mapping plus the training step it was
// saved at, when recorded.
type Checkpoint struct {
	Params        map[string]*tensor.Tensor
	GlobalStep    int64
	HasGlobalStep bool
	Format        Format
	Path          string

	// Extra holds the remaining top-level pickle entries (epoch, optimizer
	// state, ...) or the safetensors string metadata.
	Extra map[string]any
}

// FormatOf picks the reader from the file extension.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		return SafeTensorsFormat
	}
	return Pickle
}

// Open reads a model checkpoint. For pickles the parameters come from the
// "state_dict" entry, or the top-level mapping itself when there is none.
// A missing file wraps fs.ErrNotExist.
func Open(path string) (*Checkpoint, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}

	ck := &Checkpoint{Path: path, Format: FormatOf(path), Extra: make(map[string]any)}
	switch ck.Format {
	case SafeTensorsFormat:
		st, err := OpenSafeTensors(path)
		if err != nil {
			return nil, err
		}
		if ck.Params, err = st.All(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for k, v := range st.Metadata {
			ck.Extra[k] = v
		}
		if s, ok := st.Metadata["global_step"]; ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				ck.GlobalStep, ck.HasGlobalStep = n, true
			}
		}
	default:
		top, err := ReadTorch(path)
		if err != nil {
			return nil, err
		}
		sd, ok := top["state_dict"]
		if !ok {
			sd = top
		}
		if ck.Params, err = StateDict(sd); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for k, v := range top {
			if k != "state_dict" {
				ck.Extra[k] = v
			}
		}
		if v, ok := top["global_step"]; ok {
			ck.GlobalStep, ck.HasGlobalStep = PyInt(v)
		}
	}
	return ck, nil
}

// IsNotExist reports whether err came from a missing checkpoint file.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// EMAName maps a "model." parameter to the buffer LitEma keeps for it:
// the "model." prefix is dropped, the dots removed, and "model_ema." prepended.
func EMAName(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, "model.")
	if !ok {
		return "", false
	}
	return "model_ema." + strings.ReplaceAll(rest, ".", ""), true
}

// WithEMA returns a parameter view where every "model." entry is replaced by
// its EMA shadow, and the number of substitutions. The model_ema.* entries
// are dropped from the view.
func (c *Checkpoint) WithEMA() (map[string]*tensor.Tensor, int) {
	out := make(map[string]*tensor.Tensor, len(c.Params))
	n := 0
	for name, t := range c.Params {
		if strings.HasPrefix(name, "model_ema.") {
			continue
		}
		if ema, ok := EMAName(name); ok {
			if et, ok := c.Params[ema]; ok {
				out[name] = et
				n++
				continue
			}
		}
		out[name] = t
	}
	return out, n
}

// ShapeMismatchError reports a parameter whose stored shape differs from the
// shape the model expects.
type ShapeMismatchError struct {
	Name string
	Want []int
	Got  []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: checkpoint has shape %v, model expects %v", e.Name, e.Got, e.Want)
}

// KeyMismatchError lists the names a strict load could not pair up.
type KeyMismatchError struct {
	Missing    []string
	Unexpected []string
}

func (e *KeyMismatchError) Error() string {
	var b strings.Builder
	b.WriteString("error loading state dict:")
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " missing keys %s", quoteList(e.Missing))
	}
	if len(e.Unexpected) > 0 {
		if len(e.Missing) > 0 {
			b.WriteString(";")
		}
		fmt.Fprintf(&b, " unexpected keys %s", quoteList(e.Unexpected))
	}
	return b.String()
}

func quoteList(names []string) string {
	const limit = 8
	quoted := make([]string, 0, min(len(names), limit))
	for i, n := range names {
		if i == limit {
			break
		}
		quoted = append(quoted, strconv.Quote(n))
	}
	s := "[" + strings.Join(quoted, ", ")
	if len(names) > limit {
		s += fmt.Sprintf(", ... %d more", len(names)-limit)
	}
	return s + "]"
}
