// Package device abstracts the compute backends the solver partitions work
// across. A Device owns field memory, moves sample ranges in and out, and
// executes one stencil update per call. Backends: a host (CPU) device that
// runs the kernel on worker goroutines, and an OpenCL device behind the
// "opencl" build tag.
package device

import "parwave/grid"

// Info reports a device's identity and memory budget. Free and total memory
// are consumed only at partition-planning time.
type Info struct {
	ID         int
	Name       string
	FreeBytes  uint64
	TotalBytes uint64
}

// Field is an opaque handle to a device-resident array of pressure samples
// or coefficients. A Field is only valid on the device that allocated it.
type Field[T grid.Real] interface {
	Len() int
}

// Bytes is an opaque handle to device-resident byte data (position codes).
type Bytes interface {
	Size() int
}

// StepArgs describes one stencil launch over a partition-local block. The
// block is NX*NY*NZ samples including halo layers; only z layers in the
// half-open [Z0, Z1) owned range are updated.
type StepArgs[T grid.Real] struct {
	NX, NY, NZ int
	Z0, Z1     int

	Lambda  T // Courant number
	Lambda2 T // Courant number squared

	Prev Field[T]
	Curr Field[T]
	Next Field[T]
	Pos  Bytes
	Beta Field[T] // per-voxel boundary loss factor

	// Sliced selects the layer-sliced launch strategy: one unit of work per
	// z layer instead of one contiguous block per worker.
	Sliced bool
}

// Device is one compute backend. All offsets and lengths are in elements.
// Implementations execute transfers and launches in submission order, so a
// blocking read observes every previously submitted write and launch.
type Device[T grid.Real] interface {
	// Name identifies the device for fault reporting.
	Name() string

	// Info reports the device's memory budget for partition planning.
	Info() Info

	AllocField(n int) (Field[T], error)
	AllocBytes(n int) (Bytes, error)
	FreeField(f Field[T])
	FreeBytes(b Bytes)

	WriteRange(dst Field[T], offset int, src []T) error
	ReadRange(src Field[T], offset int, dst []T) error
	WriteBytes(dst Bytes, src []byte) error
	Fill(dst Field[T], v T) error

	// ReadAt returns a single sample; used by receiver sampling.
	ReadAt(src Field[T], index int) (T, error)

	// AddAt adds to a single sample in place; used by source injection.
	AddAt(dst Field[T], index int, v T) error

	// Step runs one stencil update over the owned range of the block.
	Step(args *StepArgs[T]) error

	// Close releases every backend resource still held by the device.
	Close()
}

// Infos collects the planning info of a device list.
func Infos[T grid.Real](devs []Device[T]) []Info {
	out := make([]Info, len(devs))
	for i, d := range devs {
		out[i] = d.Info()
	}
	return out
}
