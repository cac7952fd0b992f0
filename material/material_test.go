package material

import (
	"testing"

	"github.com/cpmech/gosl/chk"
)

func TestConversions(tst *testing.T) {

	chk.PrintTitle("admittance/reflection/absorption conversions")

	// fully reflective
	chk.Float64(tst, "R(xi=0)", 1e-15, AdmittanceToReflection(0), 1)
	chk.Float64(tst, "alpha(xi=0)", 1e-15, AdmittanceToAbsorption(0), 0)

	// perfectly matched
	chk.Float64(tst, "R(xi=1)", 1e-15, AdmittanceToReflection(1), 0)
	chk.Float64(tst, "alpha(xi=1)", 1e-15, AdmittanceToAbsorption(1), 1)

	// round trips
	for _, xi := range []float64{0.01, 0.2, 0.5, 0.9} {
		r := AdmittanceToReflection(xi)
		chk.Float64(tst, "xi->R->xi", 1e-12, ReflectionToAdmittance(r), xi)
		a := AdmittanceToAbsorption(xi)
		chk.Float64(tst, "xi->alpha->xi", 1e-12, AbsorptionToAdmittance(a), xi)
	}
}

func TestTable(tst *testing.T) {

	chk.PrintTitle("material table")

	var abs [NumBands]float64
	for b := range abs {
		abs[b] = 0.3
	}
	t := NewTable(Reflective("concrete"))
	id := t.Add(FromAbsorption("curtain", abs))
	chk.Int(tst, "curtain id", id, 1)
	chk.Int(tst, "count", t.Count(), 2)

	xi, err := t.AdmittanceAt(0, 4)
	if err != nil {
		tst.Errorf("lookup failed: %v\n", err)
		return
	}
	chk.Float64(tst, "concrete admittance", 1e-15, xi, 0)

	xi, err = t.AdmittanceAt(1, 4)
	if err != nil {
		tst.Errorf("lookup failed: %v\n", err)
		return
	}
	chk.Float64(tst, "curtain absorption", 1e-12, AdmittanceToAbsorption(xi), 0.3)

	if _, err := t.AdmittanceAt(2, 0); err == nil {
		tst.Errorf("unknown material id accepted\n")
	}
	if _, err := t.AdmittanceAt(0, NumBands); err == nil {
		tst.Errorf("out-of-range band accepted\n")
	}
}

func TestBoundaryCoef(tst *testing.T) {

	chk.PrintTitle("boundary loss factor")

	// air voxels carry no loss
	chk.Float64(tst, "beta air", 1e-15, float64(BoundaryCoef[float64](0.5, 6)), 0)

	// face voxel: beta = xi*(6-5)/2
	chk.Float64(tst, "beta face", 1e-15, float64(BoundaryCoef[float64](0.5, 5)), 0.25)

	// corner voxel: beta = xi*(6-3)/2
	chk.Float64(tst, "beta corner", 1e-15, float64(BoundaryCoef[float64](0.5, 3)), 0.75)

	// single precision variant matches within float32 resolution
	chk.Float64(tst, "beta float32", 1e-7, float64(BoundaryCoef[float32](0.5, 5)), 0.25)
}
