package embedder

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// Adapter turns raw scan features into conditioning tensors.
type Adapter struct {
	emb *Embedder
}

func NewAdapter(e *Embedder) *Adapter {
	return &Adapter{emb: e}
}

// Condition maps a scan [L] or [1, L] to conditioning [1, tokens, D].
func (a *Adapter) Condition(scan *tensor.Tensor) (*tensor.Tensor, error) {
	if scan.Dims() == 2 && scan.Shape[0] != 1 {
		return nil, fmt.Errorf("condition: expected a single scan, got batch %d", scan.Shape[0])
	}
	start := time.Now()
	c, err := a.emb.Forward(scan)
	if err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	log.Debug().
		Str("component", "adapter").
		Ints("scan", scan.Shape).
		Ints("conditioning", c.Shape).
		Dur("took", time.Since(start)).
		Msg("scan embedded")
	return c, nil
}
