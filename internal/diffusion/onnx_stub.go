//go:build !ort

package diffusion

import "github.com/JacobB33/StableDiffusionFork/internal/device"

func newONNXBackend(*Descriptor, LoadOptions, *device.Runtime) (Backend, error) {
	return nil, ErrBackendUnavailable
}
