package solver

import (
	"unsafe"

	"github.com/cpmech/gosl/io"

	"parwave/device"
	"parwave/grid"
)

// Verbose enables informational planner and setup prints.
var Verbose = false

// haloRadius is the stencil interaction radius; each interior partition
// boundary duplicates this many neighbor layers.
const haloRadius = 1

// autoPartitionLimit is the element count below which an automatic plan uses
// a single partition; halved for double precision.
const autoPartitionLimit = 90_000_000

// Span is a half-open owned range of z layers, [Lo, Hi). Owned ranges tile
// the grid axis exactly once; halo layers are shadow copies on top of them.
type Span struct {
	Lo, Hi int
}

// Layers returns the number of owned layers.
func (s Span) Layers() int { return s.Hi - s.Lo }

// Plan describes how the grid splits into per-device slabs along z.
type Plan struct {
	Dims   grid.Dims
	Spans  []Span
	Radius int
}

// Partitions returns the partition count.
func (p *Plan) Partitions() int { return len(p.Spans) }

// LocalRange returns the global z range [lo, hi) of partition i including
// its halo layers. Outer grid faces carry no halo.
func (p *Plan) LocalRange(i int) (lo, hi int) {
	s := p.Spans[i]
	lo, hi = s.Lo, s.Hi
	if i > 0 {
		lo -= p.Radius
	}
	if i < len(p.Spans)-1 {
		hi += p.Radius
	}
	return lo, hi
}

// bytesPerElement is the per-voxel device memory cost for precision T:
// three pressure buffers plus the coefficient buffer, plus the position and
// material bytes.
func bytesPerElement[T grid.Real]() int {
	var t T
	return 4*int(unsafe.Sizeof(t)) + 2
}

// PlanPartitions splits the grid into contiguous z slabs, one per device.
// The estimate of the full mesh footprint is checked against the summed
// per-device free memory before anything is allocated; on overflow a
// CapacityError is returned and no partitions are created. A forced count
// is honored when it does not exceed the device count; otherwise small
// grids collapse to a single partition and large grids use every device.
func PlanPartitions[T grid.Real](d grid.Dims, infos []device.Info, force int) (*Plan, error) {
	if len(infos) == 0 {
		return nil, configErrf("no compute devices available")
	}
	elements := d.Elements()
	if elements < 1 {
		return nil, configErrf("empty grid %dx%dx%d", d.X, d.Y, d.Z)
	}
	need := uint64(elements) * uint64(bytesPerElement[T]())
	var avail uint64
	for _, in := range infos {
		avail += in.FreeBytes
	}
	if Verbose {
		io.Pf("plan: %d elements, estimated %d MB across %d device(s) with %d MB free\n",
			elements, need/1e6, len(infos), avail/1e6)
	}
	if need > avail {
		return nil, &CapacityError{Elements: elements, RequiredBytes: need, AvailableBytes: avail}
	}

	limit := autoPartitionLimit
	if bytesPerElement[T]() > 18 {
		limit /= 2
	}
	count := 0
	switch {
	case force > 0:
		if force > len(infos) {
			return nil, configErrf("forced partition count %d exceeds %d available device(s)", force, len(infos))
		}
		if force > d.Z {
			return nil, configErrf("forced partition count %d exceeds %d grid layers", force, d.Z)
		}
		count = force
	case elements < limit:
		count = 1
	default:
		count = len(infos)
		if count > d.Z {
			count = d.Z
		}
	}
	if Verbose {
		io.Pf("plan: %d partition(s) along z (%d layers)\n", count, d.Z)
	}

	spans := make([]Span, count)
	base := d.Z / count
	extra := d.Z % count
	lo := 0
	for i := range spans {
		layers := base
		if i < extra {
			layers++
		}
		spans[i] = Span{Lo: lo, Hi: lo + layers}
		lo += layers
	}
	return &Plan{Dims: d, Spans: spans, Radius: haloRadius}, nil
}
