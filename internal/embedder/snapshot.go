package embedder

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/JacobB33/StableDiffusionFork/internal/checkpoint"
	"github.com/JacobB33/StableDiffusionFork/internal/device"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// ErrNotFound is returned (wrapped) when the snapshot file cannot be opened.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is a training snapshot of the embedder.
type Snapshot struct {
	ModelState map[string]*tensor.Tensor
	EpochsRun  int
}

// ReadSnapshot reads a torch.save'd {"model_state", "epochs_run"} dict, or a
// safetensors file whose tensors are the model state and whose metadata may
// carry epochs_run.
func ReadSnapshot(path string) (*Snapshot, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, path, err)
	}

	if checkpoint.FormatOf(path) == checkpoint.SafeTensorsFormat {
		st, err := checkpoint.OpenSafeTensors(path)
		if err != nil {
			return nil, err
		}
		state, err := st.All()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		snap := &Snapshot{ModelState: state}
		if s, ok := st.Metadata["epochs_run"]; ok {
			snap.EpochsRun, _ = strconv.Atoi(s)
		}
		return snap, nil
	}

	top, err := checkpoint.ReadTorch(path)
	if err != nil {
		return nil, err
	}
	ms, ok := top["model_state"]
	if !ok {
		return nil, fmt.Errorf("%s: snapshot has no model_state", path)
	}
	state, err := checkpoint.StateDict(ms)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	snap := &Snapshot{ModelState: state}
	if v, ok := top["epochs_run"]; ok {
		if n, ok := checkpoint.PyInt(v); ok {
			snap.EpochsRun = int(n)
		}
	}
	return snap, nil
}

// Embedder is a restored BrainScanEmbedder ready for inference.
type Embedder struct {
	*BrainScanEmbedder
	Snapshot *Snapshot
	Device   device.Device
}

// Load restores the embedder from a snapshot. A missing file wraps
// ErrNotFound; a state that does not fit cfg fails with
// *checkpoint.ShapeMismatchError or *checkpoint.KeyMismatchError.
func Load(path string, cfg Config, rt *device.Runtime) (*Embedder, error) {
	snap, err := ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap, cfg, rt)
}

func FromSnapshot(snap *Snapshot, cfg Config, rt *device.Runtime) (*Embedder, error) {
	net, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := net.Registry().LoadStrict(snap.ModelState); err != nil {
		return nil, fmt.Errorf("load embedder state: %w", err)
	}

	e := &Embedder{BrainScanEmbedder: net, Snapshot: snap}
	if rt != nil {
		e.Device = rt.Device
	}
	log.Info().
		Str("component", "embedder").
		Int("epochs_run", snap.EpochsRun).
		Int("params", net.Registry().NumParams()).
		Stringer("device", e.Device).
		Msg("brain scan embedder loaded")
	return e, nil
}
