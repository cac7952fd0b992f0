package solver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cpmech/gosl/chk"

	"parwave/device"
	"parwave/grid"
	"parwave/material"
)

// reflectiveBox builds a closed shoebox grid with fully reflective walls.
func reflectiveBox(n int, dx float64) (*grid.VoxelGrid, *material.Table) {
	d := grid.Dims{X: n, Y: n, Z: n}
	return grid.NewShoeBox(d, dx, 0), material.NewTable(material.Reflective("wall"))
}

func hosts[T grid.Real](n int) []device.Device[T] {
	devs := make([]device.Device[T], n)
	for i := range devs {
		devs[i] = device.NewHost[T](i, 2)
	}
	return devs
}

func TestMeshSetupCounts(tst *testing.T) {

	chk.PrintTitle("mesh setup element accounting")

	g, table := reflectiveBox(6, 0.1)
	devs := hosts[float32](1)
	plan, err := PlanPartitions[float32](g.Dims, device.Infos(devs), 1)
	if err != nil {
		tst.Errorf("plan failed: %v\n", err)
		return
	}
	m := NewMesh[float32]()
	if err := m.Setup(g, table, plan, devs, 0, SchemeLinear); err != nil {
		tst.Errorf("setup failed: %v\n", err)
		return
	}
	defer m.Teardown()

	chk.Int(tst, "air elements", m.AirElements(), 4*4*4)
	chk.Int(tst, "boundary elements", m.BoundaryElements(), 6*6*6-4*4*4)
	if !m.Configured() {
		tst.Errorf("mesh did not report configured\n")
	}
	if err := m.Setup(g, table, plan, devs, 0, SchemeLinear); err == nil {
		tst.Errorf("double setup accepted\n")
	}
}

func TestMeshResetIdempotent(tst *testing.T) {

	chk.PrintTitle("mesh reset restores a silent field")

	g, table := reflectiveBox(8, 0.1)
	par := DefaultParams()
	par.Dx = 0.1
	par.NumSteps = 5
	par.Sources = []Source{{X: 4, Y: 4, Z: 4, Signal: Impulse(1)}}
	par.Receivers = []Receiver{{X: 5, Y: 4, Z: 4}}

	sim, err := New[float32](g, table, par, hosts[float32](1))
	if err != nil {
		tst.Errorf("new failed: %v\n", err)
		return
	}
	defer sim.Teardown()
	if _, err := sim.Run(); err != nil {
		tst.Errorf("run failed: %v\n", err)
		return
	}
	e, err := sim.Mesh().FieldEnergy()
	if err != nil {
		tst.Errorf("energy failed: %v\n", err)
		return
	}
	if e <= 0 {
		tst.Errorf("field carries no energy after an impulse run\n")
	}
	if err := sim.Reset(); err != nil {
		tst.Errorf("reset failed: %v\n", err)
		return
	}
	e, err = sim.Mesh().FieldEnergy()
	if err != nil {
		tst.Errorf("energy failed: %v\n", err)
		return
	}
	chk.Float64(tst, "energy after reset", 1e-15, e, 0)
	for _, r := range sim.Response() {
		if r != 0 {
			tst.Errorf("response buffer not cleared by reset\n")
			return
		}
	}
	// reset twice is harmless
	if err := sim.Reset(); err != nil {
		tst.Errorf("second reset failed: %v\n", err)
	}
	chk.Int(tst, "step counter after reset", sim.CurrentStep(), 0)
}

func TestMeshPartitionEquivalence(tst *testing.T) {

	chk.PrintTitle("one and two partitions produce identical responses")

	run := func(parts int) []float64 {
		g, table := reflectiveBox(16, 0.05)
		par := DefaultParams()
		par.Dx = 0.05
		par.NumSteps = 40
		par.ForcePartitions = parts
		par.Sources = []Source{{X: 8, Y: 8, Z: 8, Signal: Impulse(1)}}
		par.Receivers = []Receiver{
			{X: 12, Y: 8, Z: 8},
			{X: 8, Y: 8, Z: 3},  // below the partition seam
			{X: 8, Y: 8, Z: 12}, // above the partition seam
		}
		sim, err := New[float32](g, table, par, hosts[float32](parts))
		if err != nil {
			tst.Fatalf("new failed for %d partition(s): %v\n", parts, err)
		}
		defer sim.Teardown()
		res, err := sim.Run()
		if err != nil {
			tst.Fatalf("run failed for %d partition(s): %v\n", parts, err)
		}
		chk.Int(tst, "steps completed", res.StepsCompleted, 40)
		return res.Response
	}

	one := run(1)
	two := run(2)
	chk.Int(tst, "response length", len(one), 40*3)
	for i := range one {
		if one[i] != two[i] {
			tst.Errorf("responses diverge at sample %d: %v vs %v\n", i, one[i], two[i])
			return
		}
	}
}

func TestSeamSourceVisibility(tst *testing.T) {

	chk.PrintTitle("source in a seam layer reaches both partitions at once")

	// 12 layers split [0,6)/[6,12): an impulse at z=6 sits in the lower
	// partition's first owned layer and in the upper partition's halo. Both
	// neighbors of the source must see it in the very first update.
	run := func(parts int) []float64 {
		g, table := reflectiveBox(12, 0.05)
		par := DefaultParams()
		par.Dx = 0.05
		par.NumSteps = 3
		par.ForcePartitions = parts
		par.Sources = []Source{{X: 6, Y: 6, Z: 6, Signal: Impulse(1)}}
		par.Receivers = []Receiver{
			{X: 6, Y: 6, Z: 5}, // one layer below the seam
			{X: 6, Y: 6, Z: 7}, // one layer above the seam
		}
		sim, err := New[float32](g, table, par, hosts[float32](parts))
		if err != nil {
			tst.Fatalf("new failed for %d partition(s): %v\n", parts, err)
		}
		defer sim.Teardown()
		res, err := sim.Run()
		if err != nil {
			tst.Fatalf("run failed for %d partition(s): %v\n", parts, err)
		}
		return res.Response
	}

	two := run(2)
	// air voxel next to a unit impulse picks up lambda^2 in one step
	chk.Float64(tst, "below seam, step 0", 1e-6, two[0], 1.0/3.0)
	chk.Float64(tst, "above seam, step 0", 1e-6, two[1], 1.0/3.0)

	one := run(1)
	for i := range one {
		if one[i] != two[i] {
			tst.Errorf("responses diverge at sample %d: %v vs %v\n", i, one[i], two[i])
			return
		}
	}
}

func TestMeshCaptureSlice(tst *testing.T) {

	chk.PrintTitle("slice capture across a partition seam")

	g, table := reflectiveBox(10, 0.05)
	par := DefaultParams()
	par.Dx = 0.05
	par.NumSteps = 8
	par.ForcePartitions = 2
	par.Sources = []Source{{X: 5, Y: 5, Z: 5, Signal: Impulse(1)}}
	par.Receivers = []Receiver{{X: 5, Y: 5, Z: 6}}

	sim, err := New[float32](g, table, par, hosts[float32](2))
	if err != nil {
		tst.Errorf("new failed: %v\n", err)
		return
	}
	defer sim.Teardown()
	if _, err := sim.Run(); err != nil {
		tst.Errorf("run failed: %v\n", err)
		return
	}
	m := sim.Mesh()

	for _, o := range []grid.SliceOrientation{grid.SliceXY, grid.SliceXZ, grid.SliceYZ} {
		s, err := m.CaptureSlice(o, 5)
		if err != nil {
			tst.Errorf("capture %s failed: %v\n", o, err)
			return
		}
		nu, nv := o.PlaneDims(g.Dims)
		chk.Int(tst, "nu", s.NU, nu)
		chk.Int(tst, "nv", s.NV, nv)
		chk.Int(tst, "samples", len(s.Pressure), nu*nv)
		for v := 0; v < nv; v++ {
			for u := 0; u < nu; u++ {
				x, y, z := o.Cell(5, u, v)
				want, err := m.PressureAt(x, y, z)
				if err != nil {
					tst.Errorf("pressure read failed: %v\n", err)
					return
				}
				if s.At(u, v) != want {
					tst.Errorf("%s slice disagrees with the field at (%d,%d,%d)\n", o, x, y, z)
					return
				}
				if s.CodeAt(u, v) != g.CodeAt(x, y, z) {
					tst.Errorf("%s slice carries the wrong position code at (%d,%d,%d)\n", o, x, y, z)
					return
				}
			}
		}
	}
	if _, err := m.CaptureSlice(grid.SliceXY, 10); err == nil {
		tst.Errorf("out-of-range slice index accepted\n")
	}
}

// failingDevice rejects field allocations after a budget of successes.
type failingDevice struct {
	*device.Host[float32]
	allowed int
}

func (f *failingDevice) AllocField(n int) (device.Field[float32], error) {
	if f.allowed <= 0 {
		return nil, fmt.Errorf("simulated out-of-memory for %d elements", n)
	}
	f.allowed--
	return f.Host.AllocField(n)
}

func TestMeshAllocationFailure(tst *testing.T) {

	chk.PrintTitle("allocation failure releases partial state")

	g, table := reflectiveBox(6, 0.1)
	devs := []device.Device[float32]{
		&failingDevice{Host: device.NewHost[float32](0, 1), allowed: 2},
	}
	plan, err := PlanPartitions[float32](g.Dims, device.Infos(devs), 1)
	if err != nil {
		tst.Errorf("plan failed: %v\n", err)
		return
	}
	m := NewMesh[float32]()
	err = m.Setup(g, table, plan, devs, 0, SchemeLinear)
	var ae *AllocationError
	if !errors.As(err, &ae) {
		tst.Errorf("wanted AllocationError, got %v\n", err)
		return
	}
	if m.Configured() {
		tst.Errorf("mesh reports configured after failed setup\n")
	}
}
