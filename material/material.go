// Package material holds the per-band acoustic properties of boundary
// surfaces and derives the finite-difference boundary coefficients the
// stencil kernel consumes.
package material

import (
	"fmt"
	"math"

	"parwave/grid"
)

// NumBands is the number of octave bands a material is specified over.
const NumBands = 9

// BandCenters lists the octave band center frequencies in Hz.
var BandCenters = [NumBands]float64{31.5, 63, 125, 250, 500, 1000, 2000, 4000, 8000}

// Material describes one surface type by its specific admittance per octave
// band. An admittance of zero is fully reflective, one is fully absorptive.
type Material struct {
	Name       string
	Admittance [NumBands]float64
}

// FromAbsorption builds a material from random-incidence absorption
// coefficients per band.
func FromAbsorption(name string, absorption [NumBands]float64) Material {
	m := Material{Name: name}
	for b, a := range absorption {
		m.Admittance[b] = AbsorptionToAdmittance(a)
	}
	return m
}

// Reflective returns a material with zero admittance in every band.
func Reflective(name string) Material {
	return Material{Name: name}
}

// Table maps material ids to materials. It is immutable for the duration of
// a run; ids are assigned in insertion order and match the voxel grid's
// material indices.
type Table struct {
	materials []Material
}

// NewTable builds a table from the given materials, id 0 first.
func NewTable(materials ...Material) *Table {
	return &Table{materials: materials}
}

// Add appends a material and returns its id.
func (t *Table) Add(m Material) int {
	t.materials = append(t.materials, m)
	return len(t.materials) - 1
}

// Count returns the number of unique materials.
func (t *Table) Count() int { return len(t.materials) }

// AdmittanceAt returns the admittance of material id at the given band.
func (t *Table) AdmittanceAt(id, band int) (float64, error) {
	if id < 0 || id >= len(t.materials) {
		return 0, fmt.Errorf("material: id %d out of range (have %d materials)", id, len(t.materials))
	}
	if band < 0 || band >= NumBands {
		return 0, fmt.Errorf("material: band %d out of range [0,%d)", band, NumBands)
	}
	return t.materials[id].Admittance[band], nil
}

// MeanAbsorption returns the absorption coefficient averaged over all
// materials at the given band.
func (t *Table) MeanAbsorption(band int) float64 {
	if len(t.materials) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range t.materials {
		sum += AdmittanceToAbsorption(m.Admittance[band])
	}
	return sum / float64(len(t.materials))
}

// AdmittanceToReflection converts a specific admittance to a pressure
// reflection coefficient.
func AdmittanceToReflection(xi float64) float64 { return (1 - xi) / (1 + xi) }

// ReflectionToAdmittance is the inverse of AdmittanceToReflection.
func ReflectionToAdmittance(r float64) float64 { return (1 - r) / (1 + r) }

// AdmittanceToAbsorption converts a specific admittance to an energy
// absorption coefficient.
func AdmittanceToAbsorption(xi float64) float64 {
	r := AdmittanceToReflection(xi)
	return 1 - r*r
}

// AbsorptionToAdmittance converts an energy absorption coefficient to a
// specific admittance.
func AbsorptionToAdmittance(alpha float64) float64 {
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return ReflectionToAdmittance(math.Sqrt(1 - alpha))
}

// BoundaryCoef returns the per-voxel loss factor of the admittance boundary
// update for a voxel with the given number of active neighbor directions:
// beta = xi*(6-K)/2. Air voxels (K = 6) get zero.
func BoundaryCoef[T grid.Real](xi float64, activeNeighbors int) T {
	return T(xi * float64(6-activeNeighbors) / 2)
}
