package device

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync"

	"parwave/grid"
)

// hostField stores samples in host memory.
type hostField[T grid.Real] struct {
	data []T
}

func (f *hostField[T]) Len() int { return len(f.data) }

// hostBytes stores position codes in host memory.
type hostBytes struct {
	data []byte
}

func (b *hostBytes) Size() int { return len(b.data) }

// Host executes stencil updates on CPU worker goroutines. Several Host
// devices can coexist in one process, which makes the multi-partition path
// testable without GPU hardware.
type Host[T grid.Real] struct {
	id      int
	name    string
	workers int
	free    uint64
	total   uint64
}

// defaultHostMemory is the planning budget reported by a host device when
// none is configured.
const defaultHostMemory = 16 << 30

// NewHost creates a host device with the given id. workers <= 0 selects one
// worker per CPU.
func NewHost[T grid.Real](id, workers int) *Host[T] {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	return &Host[T]{
		id:      id,
		name:    fmt.Sprintf("host-%d", id),
		workers: workers,
		free:    defaultHostMemory,
		total:   defaultHostMemory,
	}
}

// SetMemory overrides the memory budget the device reports to the planner.
func (h *Host[T]) SetMemory(free, total uint64) {
	h.free = free
	h.total = total
}

// Name returns the device name.
func (h *Host[T]) Name() string { return h.name }

// Info reports the device's planning info.
func (h *Host[T]) Info() Info {
	return Info{ID: h.id, Name: h.name, FreeBytes: h.free, TotalBytes: h.total}
}

// AllocField allocates a zeroed sample array.
func (h *Host[T]) AllocField(n int) (Field[T], error) {
	if n < 1 {
		return nil, fmt.Errorf("%s: invalid field size %d", h.name, n)
	}
	return &hostField[T]{data: make([]T, n)}, nil
}

// AllocBytes allocates a zeroed byte array.
func (h *Host[T]) AllocBytes(n int) (Bytes, error) {
	if n < 1 {
		return nil, fmt.Errorf("%s: invalid byte buffer size %d", h.name, n)
	}
	return &hostBytes{data: make([]byte, n)}, nil
}

// FreeField releases a field.
func (h *Host[T]) FreeField(f Field[T]) {}

// FreeBytes releases a byte buffer.
func (h *Host[T]) FreeBytes(b Bytes) {}

// Close releases the device.
func (h *Host[T]) Close() {}

func (h *Host[T]) field(f Field[T], op string) (*hostField[T], error) {
	hf, ok := f.(*hostField[T])
	if !ok {
		return nil, fmt.Errorf("%s: %s: field was not allocated on a host device", h.name, op)
	}
	return hf, nil
}

// WriteRange copies src into the field starting at offset.
func (h *Host[T]) WriteRange(dst Field[T], offset int, src []T) error {
	hf, err := h.field(dst, "write")
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(src) > len(hf.data) {
		return fmt.Errorf("%s: write of %d elements at %d exceeds field of %d", h.name, len(src), offset, len(hf.data))
	}
	copy(hf.data[offset:], src)
	return nil
}

// ReadRange copies from the field starting at offset into dst.
func (h *Host[T]) ReadRange(src Field[T], offset int, dst []T) error {
	hf, err := h.field(src, "read")
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(dst) > len(hf.data) {
		return fmt.Errorf("%s: read of %d elements at %d exceeds field of %d", h.name, len(dst), offset, len(hf.data))
	}
	copy(dst, hf.data[offset:])
	return nil
}

// WriteBytes uploads position codes.
func (h *Host[T]) WriteBytes(dst Bytes, src []byte) error {
	hb, ok := dst.(*hostBytes)
	if !ok {
		return fmt.Errorf("%s: byte buffer was not allocated on a host device", h.name)
	}
	if len(src) != len(hb.data) {
		return fmt.Errorf("%s: byte upload of %d into buffer of %d", h.name, len(src), len(hb.data))
	}
	copy(hb.data, src)
	return nil
}

// Fill sets every sample of the field to v.
func (h *Host[T]) Fill(dst Field[T], v T) error {
	hf, err := h.field(dst, "fill")
	if err != nil {
		return err
	}
	for i := range hf.data {
		hf.data[i] = v
	}
	return nil
}

// ReadAt returns one sample.
func (h *Host[T]) ReadAt(src Field[T], index int) (T, error) {
	hf, err := h.field(src, "read")
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= len(hf.data) {
		return 0, fmt.Errorf("%s: index %d out of field of %d", h.name, index, len(hf.data))
	}
	return hf.data[index], nil
}

// AddAt adds v to one sample in place.
func (h *Host[T]) AddAt(dst Field[T], index int, v T) error {
	hf, err := h.field(dst, "add")
	if err != nil {
		return err
	}
	if index < 0 || index >= len(hf.data) {
		return fmt.Errorf("%s: index %d out of field of %d", h.name, index, len(hf.data))
	}
	hf.data[index] += v
	return nil
}

// Step runs one stencil update over [Z0, Z1), parallelized across the
// device's workers by z layer.
func (h *Host[T]) Step(a *StepArgs[T]) error {
	prev, err := h.field(a.Prev, "step")
	if err != nil {
		return err
	}
	curr, err := h.field(a.Curr, "step")
	if err != nil {
		return err
	}
	next, err := h.field(a.Next, "step")
	if err != nil {
		return err
	}
	beta, err := h.field(a.Beta, "step")
	if err != nil {
		return err
	}
	pos, ok := a.Pos.(*hostBytes)
	if !ok {
		return fmt.Errorf("%s: step: position buffer was not allocated on a host device", h.name)
	}
	n := a.NX * a.NY * a.NZ
	if len(curr.data) != n || len(prev.data) != n || len(next.data) != n ||
		len(beta.data) != n || len(pos.data) != n {
		return fmt.Errorf("%s: step: buffer sizes do not match block of %d elements", h.name, n)
	}
	if a.Z0 < 0 || a.Z1 > a.NZ || a.Z0 >= a.Z1 {
		return fmt.Errorf("%s: step: owned range [%d,%d) outside block of %d layers", h.name, a.Z0, a.Z1, a.NZ)
	}

	layers := a.Z1 - a.Z0
	workers := h.workers
	if workers > layers {
		workers = layers
	}
	var wg sync.WaitGroup
	if a.Sliced {
		// Round robin layer assignment, one task per layer.
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for z := a.Z0 + w; z < a.Z1; z += workers {
					stepLayers(a, prev.data, curr.data, next.data, pos.data, beta.data, z, z+1)
				}
			}(w)
		}
	} else {
		per := (layers + workers - 1) / workers
		for w := 0; w < workers; w++ {
			z0 := a.Z0 + w*per
			if z0 >= a.Z1 {
				break
			}
			z1 := z0 + per
			if z1 > a.Z1 {
				z1 = a.Z1
			}
			wg.Add(1)
			go func(z0, z1 int) {
				defer wg.Done()
				stepLayers(a, prev.data, curr.data, next.data, pos.data, beta.data, z0, z1)
			}(z0, z1)
		}
	}
	wg.Wait()
	return nil
}

// stepLayers applies the leapfrog update to z layers [z0, z1). The unified
// formula covers air and boundary voxels: with K active neighbor directions
// and per-voxel loss factor beta,
//
//	next = ((2 - K*l2)*curr + l2*sum + (l*beta - 1)*prev) / (1 + l*beta)
//
// Air voxels have K = 6 and beta = 0; voxels outside the volume are pinned
// to zero and never contribute (their neighbors' direction bits are clear).
func stepLayers[T grid.Real](a *StepArgs[T], prev, curr, next []T, pos []byte, beta []T, z0, z1 int) {
	nx := a.NX
	layer := a.NX * a.NY
	l := a.Lambda
	l2 := a.Lambda2
	for z := z0; z < z1; z++ {
		base := z * layer
		for y := 0; y < a.NY; y++ {
			row := base + y*nx
			for x := 0; x < nx; x++ {
				i := row + x
				code := pos[i]
				if code&grid.Inside == 0 {
					next[i] = 0
					continue
				}
				var sum T
				if code&grid.DirNegX != 0 {
					sum += curr[i-1]
				}
				if code&grid.DirPosX != 0 {
					sum += curr[i+1]
				}
				if code&grid.DirNegY != 0 {
					sum += curr[i-nx]
				}
				if code&grid.DirPosY != 0 {
					sum += curr[i+nx]
				}
				if code&grid.DirNegZ != 0 {
					sum += curr[i-layer]
				}
				if code&grid.DirPosZ != 0 {
					sum += curr[i+layer]
				}
				k := T(bits.OnesCount8(code & grid.DirMask))
				b := beta[i] * l
				next[i] = ((2-k*l2)*curr[i] + l2*sum + (b-1)*prev[i]) / (1 + b)
			}
		}
	}
}
