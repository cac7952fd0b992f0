package solver

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/cpmech/gosl/chk"

	"parwave/device"
	"parwave/grid"
)

func bigInfos(n int) []device.Info {
	infos := make([]device.Info, n)
	for i := range infos {
		infos[i] = device.Info{ID: i, Name: "test", FreeBytes: 1 << 40, TotalBytes: 1 << 40}
	}
	return infos
}

func TestPlanTiling(tst *testing.T) {

	chk.PrintTitle("forced plans tile the z axis exactly")

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		nz := 1 + rng.Intn(60)
		devs := 1 + rng.Intn(4)
		force := 1 + rng.Intn(devs)
		if force > nz {
			force = nz
		}
		d := grid.Dims{X: 3, Y: 4, Z: nz}
		plan, err := PlanPartitions[float32](d, bigInfos(devs), force)
		if err != nil {
			tst.Errorf("plan failed for z=%d devs=%d force=%d: %v\n", nz, devs, force, err)
			return
		}
		if plan.Partitions() != force {
			tst.Errorf("wanted %d partitions, got %d\n", force, plan.Partitions())
			return
		}
		lo := 0
		minL, maxL := nz, 0
		for _, s := range plan.Spans {
			if s.Lo != lo {
				tst.Errorf("spans are not contiguous at layer %d\n", s.Lo)
				return
			}
			if s.Layers() < 1 {
				tst.Errorf("empty span [%d,%d)\n", s.Lo, s.Hi)
				return
			}
			if s.Layers() < minL {
				minL = s.Layers()
			}
			if s.Layers() > maxL {
				maxL = s.Layers()
			}
			lo = s.Hi
		}
		if lo != nz {
			tst.Errorf("spans cover %d of %d layers\n", lo, nz)
			return
		}
		if maxL-minL > 1 {
			tst.Errorf("unbalanced split: layers range from %d to %d\n", minL, maxL)
			return
		}
	}
}

func TestPlanLocalRange(tst *testing.T) {

	chk.PrintTitle("halo layers extend interior boundaries only")

	d := grid.Dims{X: 4, Y: 4, Z: 30}
	plan, err := PlanPartitions[float32](d, bigInfos(3), 3)
	if err != nil {
		tst.Errorf("plan failed: %v\n", err)
		return
	}
	lo, hi := plan.LocalRange(0)
	chk.Ints(tst, "first partition", []int{lo, hi}, []int{0, 11})
	lo, hi = plan.LocalRange(1)
	chk.Ints(tst, "middle partition", []int{lo, hi}, []int{9, 21})
	lo, hi = plan.LocalRange(2)
	chk.Ints(tst, "last partition", []int{lo, hi}, []int{19, 30})
}

func TestPlanCapacity(tst *testing.T) {

	chk.PrintTitle("capacity check fires before any allocation")

	d := grid.Dims{X: 100, Y: 100, Z: 100}
	infos := []device.Info{
		{ID: 0, Name: "tiny-0", FreeBytes: 1 << 20, TotalBytes: 1 << 20},
		{ID: 1, Name: "tiny-1", FreeBytes: 1 << 20, TotalBytes: 1 << 20},
	}
	_, err := PlanPartitions[float32](d, infos, -1)
	var ce *CapacityError
	if !errors.As(err, &ce) {
		tst.Errorf("wanted CapacityError, got %v\n", err)
		return
	}
	chk.Int(tst, "elements", ce.Elements, 1000000)
	if ce.RequiredBytes <= ce.AvailableBytes {
		tst.Errorf("capacity error with required %d <= available %d\n", ce.RequiredBytes, ce.AvailableBytes)
	}

	// double precision doubles the sample cost
	_, err64 := PlanPartitions[float64](d, bigInfos(1), -1)
	if err64 != nil {
		tst.Errorf("plan failed: %v\n", err64)
	}
	if bytesPerElement[float64]() != 2*bytesPerElement[float32]()-2 {
		tst.Errorf("unexpected per-element cost: %d vs %d\n",
			bytesPerElement[float64](), bytesPerElement[float32]())
	}
}

func TestPlanForcedCountErrors(tst *testing.T) {

	chk.PrintTitle("forced partition count validation")

	d := grid.Dims{X: 4, Y: 4, Z: 4}
	var ce *ConfigError

	_, err := PlanPartitions[float32](d, bigInfos(2), 3)
	if !errors.As(err, &ce) {
		tst.Errorf("force > devices: wanted ConfigError, got %v\n", err)
	}
	_, err = PlanPartitions[float32](d, bigInfos(8), 5)
	if !errors.As(err, &ce) {
		tst.Errorf("force > layers: wanted ConfigError, got %v\n", err)
	}
	_, err = PlanPartitions[float32](d, nil, -1)
	if !errors.As(err, &ce) {
		tst.Errorf("no devices: wanted ConfigError, got %v\n", err)
	}
}

func TestPlanAutoCount(tst *testing.T) {

	chk.PrintTitle("automatic partition count")

	// small grids collapse to one partition even with several devices
	small := grid.Dims{X: 20, Y: 20, Z: 20}
	plan, err := PlanPartitions[float32](small, bigInfos(3), -1)
	if err != nil {
		tst.Errorf("plan failed: %v\n", err)
		return
	}
	chk.Int(tst, "small grid partitions", plan.Partitions(), 1)

	// past the element limit the plan spreads across every device
	big := grid.Dims{X: 512, Y: 512, Z: 400}
	plan, err = PlanPartitions[float32](big, bigInfos(2), -1)
	if err != nil {
		tst.Errorf("plan failed: %v\n", err)
		return
	}
	chk.Int(tst, "large grid partitions", plan.Partitions(), 2)
}
