//go:build !opencl

package device

import (
	"errors"

	"parwave/grid"
)

// OpenAll reports that OpenCL support was not compiled in. Build with
// -tags opencl to enable the GPU backend.
func OpenAll[T grid.Real]() ([]Device[T], error) {
	return nil, errors.New("OpenCL support is not enabled; rebuild with -tags opencl")
}
