// Package grid holds the voxelized representation of the simulated space:
// grid dimensions, per-voxel position codes and material ids, and the
// contract with the external voxelizer that produces them.
package grid

import (
	"fmt"
	"math/bits"
)

// Real is the set of sample precisions the engine can run in. The precision
// is fixed for the lifetime of a pressure field.
type Real interface {
	~float32 | ~float64
}

// Position-code layout. Bit 7 marks a voxel that belongs to the simulated
// volume, bit 6 marks a boundary voxel, and bits 0-5 form the
// active-direction mask: a set bit means the neighbor in that direction is
// part of the volume and contributes to the stencil update. Air voxels carry
// all six direction bits; a cleared bit is an inert ("outside") direction.
const (
	Inside   byte = 0x80
	Boundary byte = 0x40

	DirNegX byte = 1 << 0
	DirPosX byte = 1 << 1
	DirNegY byte = 1 << 2
	DirPosY byte = 1 << 3
	DirNegZ byte = 1 << 4
	DirPosZ byte = 1 << 5

	DirMask byte = 0x3F

	// Air is the code of an interior air voxel.
	Air byte = Inside | DirMask

	// Outside is the code of a voxel excluded from the simulation volume.
	Outside byte = 0x00
)

// IsInside reports whether the voxel belongs to the simulated volume.
func IsInside(code byte) bool { return code&Inside != 0 }

// IsBoundary reports whether the voxel carries a boundary admittance rule.
func IsBoundary(code byte) bool { return code&Inside != 0 && code&Boundary != 0 }

// IsAir reports whether the voxel is a plain interior air voxel.
func IsAir(code byte) bool { return code&Inside != 0 && code&Boundary == 0 }

// ActiveNeighbors returns the number of stencil directions that contribute
// to the voxel's update.
func ActiveNeighbors(code byte) int { return bits.OnesCount8(code & DirMask) }

// Dims holds the voxel counts of the grid along each axis.
type Dims struct {
	X, Y, Z int
}

// Elements returns the total voxel count.
func (d Dims) Elements() int { return d.X * d.Y * d.Z }

// Index maps a voxel coordinate to its flat array index. The layout is
// x-fastest, z-slowest so that one z layer occupies a contiguous range.
func (d Dims) Index(x, y, z int) int { return (z*d.Y+y)*d.X + x }

// Contains reports whether the coordinate lies within the grid.
func (d Dims) Contains(x, y, z int) bool {
	return x >= 0 && x < d.X && y >= 0 && y < d.Y && z >= 0 && z < d.Z
}

// VoxelGrid is the immutable voxelized geometry handed to the engine by the
// voxelizer: per-voxel position codes and material ids at spatial step Dx.
type VoxelGrid struct {
	Dims Dims
	Dx   float64 // spatial step [m]
	Pos  []byte  // position codes, len = Dims.Elements()
	Mat  []byte  // material ids, len = Dims.Elements()
}

// Validate checks the internal consistency of the grid arrays.
func (g *VoxelGrid) Validate() error {
	if g.Dims.X < 1 || g.Dims.Y < 1 || g.Dims.Z < 1 {
		return fmt.Errorf("grid: invalid dimensions %dx%dx%d", g.Dims.X, g.Dims.Y, g.Dims.Z)
	}
	if g.Dx <= 0 {
		return fmt.Errorf("grid: spatial step must be positive, got %v", g.Dx)
	}
	n := g.Dims.Elements()
	if len(g.Pos) != n {
		return fmt.Errorf("grid: position array has %d entries, want %d", len(g.Pos), n)
	}
	if len(g.Mat) != n {
		return fmt.Errorf("grid: material array has %d entries, want %d", len(g.Mat), n)
	}
	return nil
}

// CodeAt returns the position code of a voxel.
func (g *VoxelGrid) CodeAt(x, y, z int) byte { return g.Pos[g.Dims.Index(x, y, z)] }

// Voxelizer rasterizes triangle geometry into a VoxelGrid. It is an external
// collaborator: the engine treats it as a pure function and only checks the
// resulting dimensions against its memory budget.
type Voxelizer interface {
	Voxelize(vertices []float32, indices []uint32, triangleMaterial []byte,
		uniqueMaterials int, dx float64) (*VoxelGrid, error)
}

// NewShoeBox builds a closed rectangular room: every voxel belongs to the
// volume, the outermost shell is boundary voxels of the given material and
// the interior is air. Direction bits pointing past the grid edge are
// cleared, so shell voxels never read outside the arrays.
func NewShoeBox(d Dims, dx float64, mat byte) *VoxelGrid {
	n := d.Elements()
	g := &VoxelGrid{
		Dims: d,
		Dx:   dx,
		Pos:  make([]byte, n),
		Mat:  make([]byte, n),
	}
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				code := Inside | DirMask
				if x == 0 {
					code &^= DirNegX
				}
				if x == d.X-1 {
					code &^= DirPosX
				}
				if y == 0 {
					code &^= DirNegY
				}
				if y == d.Y-1 {
					code &^= DirPosY
				}
				if z == 0 {
					code &^= DirNegZ
				}
				if z == d.Z-1 {
					code &^= DirPosZ
				}
				i := d.Index(x, y, z)
				if code&DirMask != DirMask {
					code |= Boundary
					g.Mat[i] = mat
				}
				g.Pos[i] = code
			}
		}
	}
	return g
}
