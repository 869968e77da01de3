//go:build !ort

package diffusion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestONNXBackendNotCompiled(t *testing.T) {
	_, _, err := Load(context.Background(), LoadOptions{
		ConfigPath: writeConfig(t, tinyModel),
		Backend:    BackendONNX,
		ONNXDir:    t.TempDir(),
	}, nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
