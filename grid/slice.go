package grid

import "fmt"

// SliceOrientation selects the plane of a 2D pressure snapshot.
type SliceOrientation int

const (
	SliceXY SliceOrientation = iota // fixed z
	SliceXZ                         // fixed y
	SliceYZ                         // fixed x
)

// String returns the plane name.
func (o SliceOrientation) String() string {
	switch o {
	case SliceXY:
		return "xy"
	case SliceXZ:
		return "xz"
	case SliceYZ:
		return "yz"
	}
	return fmt.Sprintf("orientation(%d)", int(o))
}

// PlaneDims returns the in-plane voxel counts (u, v) of a slice through a
// grid of the given dimensions.
func (o SliceOrientation) PlaneDims(d Dims) (int, int) {
	switch o {
	case SliceXY:
		return d.X, d.Y
	case SliceXZ:
		return d.X, d.Z
	default:
		return d.Y, d.Z
	}
}

// Cell maps in-plane coordinates (u, v) at the fixed index back to a grid
// coordinate.
func (o SliceOrientation) Cell(index, u, v int) (x, y, z int) {
	switch o {
	case SliceXY:
		return u, v, index
	case SliceXZ:
		return u, index, v
	default:
		return index, u, v
	}
}

// Depth returns the number of distinct slices of this orientation.
func (o SliceOrientation) Depth(d Dims) int {
	switch o {
	case SliceXY:
		return d.Z
	case SliceXZ:
		return d.Y
	default:
		return d.X
	}
}

// Slice is a read-only snapshot of one plane of the pressure field together
// with the matching position codes. It is produced on request (pull
// interface); the engine never pushes slices anywhere.
type Slice struct {
	Orientation SliceOrientation
	Index       int
	NU, NV      int
	Pressure    []float64 // len = NU*NV, v-major
	Pos         []byte    // len = NU*NV, v-major
}

// At returns the pressure sample at in-plane coordinates (u, v).
func (s *Slice) At(u, v int) float64 { return s.Pressure[v*s.NU+u] }

// CodeAt returns the position code at in-plane coordinates (u, v).
func (s *Slice) CodeAt(u, v int) byte { return s.Pos[v*s.NU+u] }
