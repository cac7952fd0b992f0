package solver

import (
	"fmt"

	"github.com/cpmech/gosl/io"
	"golang.org/x/sync/errgroup"

	"parwave/device"
	"parwave/grid"
	"parwave/material"
)

// part is the per-device slab of the decomposed grid: the owned z range plus
// halo layers, three pressure buffers, position codes and the precomputed
// boundary coefficients. Only the owning device mutates a part; the only
// cross-part traffic is the halo exchange.
type part[T grid.Real] struct {
	dev  device.Device[T]
	span Span // owned global z range

	z0           int // global z of local layer 0
	nz           int // local layer count including halo
	ownLo, ownHi int // owned local z range, half-open

	prev, curr, next device.Field[T]
	beta             device.Field[T]
	pos              device.Bytes
}

// Mesh owns the partitioned simulation state. Precision is fixed by the
// type parameter at setup; switching precision means teardown plus a new
// setup of a differently instantiated mesh.
type Mesh[T grid.Real] struct {
	grid  *grid.VoxelGrid
	plan  *Plan
	parts []*part[T]

	scheme  UpdateScheme
	lambda  T
	lambda2 T

	airElements      int
	boundaryElements int

	// halo staging buffers, one per exchange direction
	stageUp, stageDown []T

	configured bool
}

// NewMesh returns an unconfigured mesh.
func NewMesh[T grid.Real]() *Mesh[T] { return &Mesh[T]{} }

// Configured reports whether Setup completed successfully.
func (m *Mesh[T]) Configured() bool { return m.configured }

// Dimensions returns the voxel grid dimensions.
func (m *Mesh[T]) Dimensions() grid.Dims { return m.grid.Dims }

// NumberOfElements returns the total voxel count.
func (m *Mesh[T]) NumberOfElements() int { return m.grid.Dims.Elements() }

// AirElements returns the number of interior air voxels.
func (m *Mesh[T]) AirElements() int { return m.airElements }

// BoundaryElements returns the number of boundary voxels.
func (m *Mesh[T]) BoundaryElements() int { return m.boundaryElements }

// Dx returns the spatial step of the underlying grid.
func (m *Mesh[T]) Dx() float64 { return m.grid.Dx }

// Setup uploads the per-device state for the given plan: position codes,
// boundary coefficients derived from the material table at the active band,
// and zeroed pressure buffers. On any device allocation error the partially
// allocated state is released and the mesh stays unconfigured.
func (m *Mesh[T]) Setup(g *grid.VoxelGrid, table *material.Table, plan *Plan,
	devs []device.Device[T], band int, scheme UpdateScheme) error {

	if m.configured {
		return configErrf("mesh is already configured; teardown first")
	}
	if err := g.Validate(); err != nil {
		return err
	}
	if plan == nil || plan.Partitions() == 0 {
		return configErrf("empty partition plan")
	}
	if plan.Dims != g.Dims {
		return configErrf("partition plan was made for %v, grid is %v", plan.Dims, g.Dims)
	}
	if len(devs) < plan.Partitions() {
		return configErrf("plan needs %d device(s), got %d", plan.Partitions(), len(devs))
	}
	if band < 0 || band >= material.NumBands {
		return configErrf("octave band %d out of range [0,%d)", band, material.NumBands)
	}

	m.grid = g
	m.plan = plan
	m.scheme = scheme
	m.lambda = T(courant)
	m.lambda2 = T(courant * courant)
	m.airElements = 0
	m.boundaryElements = 0

	layer := g.Dims.X * g.Dims.Y

	// Per-voxel boundary coefficients, derived once on the host.
	beta := make([]T, g.Dims.Elements())
	for i, code := range g.Pos {
		switch {
		case grid.IsAir(code):
			m.airElements++
		case grid.IsBoundary(code):
			m.boundaryElements++
			xi, err := table.AdmittanceAt(int(g.Mat[i]), band)
			if err != nil {
				return configErrf("voxel %d: %v", i, err)
			}
			beta[i] = material.BoundaryCoef[T](xi, grid.ActiveNeighbors(code))
		}
	}

	parts := make([]*part[T], 0, plan.Partitions())
	fail := func(dev device.Device[T], err error) error {
		for _, p := range parts {
			p.free()
		}
		m.parts = nil
		return &AllocationError{Device: dev.Name(), Err: err}
	}
	for i := range plan.Spans {
		dev := devs[i]
		lo, hi := plan.LocalRange(i)
		p := &part[T]{
			dev:   dev,
			span:  plan.Spans[i],
			z0:    lo,
			nz:    hi - lo,
			ownLo: plan.Spans[i].Lo - lo,
		}
		p.ownHi = p.ownLo + p.span.Layers()
		n := p.nz * layer

		var err error
		if p.prev, err = dev.AllocField(n); err != nil {
			return fail(dev, err)
		}
		if p.curr, err = dev.AllocField(n); err != nil {
			p.free()
			return fail(dev, err)
		}
		if p.next, err = dev.AllocField(n); err != nil {
			p.free()
			return fail(dev, err)
		}
		if p.beta, err = dev.AllocField(n); err != nil {
			p.free()
			return fail(dev, err)
		}
		if p.pos, err = dev.AllocBytes(n); err != nil {
			p.free()
			return fail(dev, err)
		}
		off := lo * layer
		if err = dev.WriteBytes(p.pos, g.Pos[off:off+n]); err != nil {
			p.free()
			return fail(dev, err)
		}
		if err = dev.WriteRange(p.beta, 0, beta[off:off+n]); err != nil {
			p.free()
			return fail(dev, err)
		}
		parts = append(parts, p)
		if Verbose {
			io.Pf("mesh: partition %d on %s: layers [%d,%d) + halo, %d elements\n",
				i, dev.Name(), p.span.Lo, p.span.Hi, n)
		}
	}

	m.parts = parts
	m.stageUp = make([]T, layer*plan.Radius)
	m.stageDown = make([]T, layer*plan.Radius)
	m.configured = true
	return nil
}

// free releases whatever buffers the part holds.
func (p *part[T]) free() {
	if p.prev != nil {
		p.dev.FreeField(p.prev)
		p.prev = nil
	}
	if p.curr != nil {
		p.dev.FreeField(p.curr)
		p.curr = nil
	}
	if p.next != nil {
		p.dev.FreeField(p.next)
		p.next = nil
	}
	if p.beta != nil {
		p.dev.FreeField(p.beta)
		p.beta = nil
	}
	if p.pos != nil {
		p.dev.FreeBytes(p.pos)
		p.pos = nil
	}
}

// Teardown releases all device buffers. The devices themselves stay open;
// they belong to the caller.
func (m *Mesh[T]) Teardown() {
	for _, p := range m.parts {
		p.free()
	}
	m.parts = nil
	m.configured = false
}

// Reset zeroes every pressure buffer without reallocating. Idempotent.
func (m *Mesh[T]) Reset() error {
	if !m.configured {
		return configErrf("mesh is not configured")
	}
	for _, p := range m.parts {
		for _, f := range []device.Field[T]{p.prev, p.curr, p.next} {
			if err := p.dev.Fill(f, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// step launches the stencil update on every partition in parallel and waits
// for all of them. Each partition updates only its owned layers.
func (m *Mesh[T]) step() error {
	var g errgroup.Group
	for _, p := range m.parts {
		p := p
		g.Go(func() error {
			args := &device.StepArgs[T]{
				NX:      m.grid.Dims.X,
				NY:      m.grid.Dims.Y,
				NZ:      p.nz,
				Z0:      p.ownLo,
				Z1:      p.ownHi,
				Lambda:  m.lambda,
				Lambda2: m.lambda2,
				Prev:    p.prev,
				Curr:    p.curr,
				Next:    p.next,
				Pos:     p.pos,
				Beta:    p.beta,
				Sliced:  m.scheme == SchemeSliced,
			}
			if err := p.dev.Step(args); err != nil {
				return &DeviceFault{Device: p.dev.Name(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// rotate advances the triple buffering: next becomes current, current
// becomes previous.
func (m *Mesh[T]) rotate() {
	for _, p := range m.parts {
		p.prev, p.curr, p.next = p.curr, p.next, p.prev
	}
}

// swapTime exchanges the previous and current samples so the time-symmetric
// scheme walks backward through earlier states.
func (m *Mesh[T]) swapTime() {
	for _, p := range m.parts {
		p.prev, p.curr = p.curr, p.prev
	}
}

// exchangeHalos copies the freshly computed boundary-adjacent layers across
// every interior partition boundary, in both directions. The copies go
// through host staging; blocking reads on the in-order device queues
// guarantee the layers reflect the update that was just launched. With one
// partition this is a no-op.
func (m *Mesh[T]) exchangeHalos() error {
	if len(m.parts) < 2 {
		return nil
	}
	layer := m.grid.Dims.X * m.grid.Dims.Y
	hs := layer * m.plan.Radius
	for i := 0; i < len(m.parts)-1; i++ {
		upper := m.parts[i]
		lower := m.parts[i+1]
		// upper's topmost owned layers feed lower's bottom halo
		up := m.stageUp[:hs]
		if err := upper.dev.ReadRange(upper.curr, (upper.ownHi-m.plan.Radius)*layer, up); err != nil {
			return &DeviceFault{Device: upper.dev.Name(), Err: err}
		}
		if err := lower.dev.WriteRange(lower.curr, 0, up); err != nil {
			return &DeviceFault{Device: lower.dev.Name(), Err: err}
		}
		// lower's bottommost owned layers feed upper's top halo
		down := m.stageDown[:hs]
		if err := lower.dev.ReadRange(lower.curr, lower.ownLo*layer, down); err != nil {
			return &DeviceFault{Device: lower.dev.Name(), Err: err}
		}
		if err := upper.dev.WriteRange(upper.curr, upper.ownHi*layer, down); err != nil {
			return &DeviceFault{Device: upper.dev.Name(), Err: err}
		}
	}
	return nil
}

// locate resolves a global voxel coordinate to its owning partition and the
// partition-local flat index. Halo copies never own a voxel, so a
// coordinate resolves to exactly one partition.
func (m *Mesh[T]) locate(x, y, z int) (*part[T], int, error) {
	if !m.grid.Dims.Contains(x, y, z) {
		return nil, 0, fmt.Errorf("solver: voxel (%d,%d,%d) outside grid %v", x, y, z, m.grid.Dims)
	}
	for _, p := range m.parts {
		if z >= p.span.Lo && z < p.span.Hi {
			local := ((z-p.z0)*m.grid.Dims.Y+y)*m.grid.Dims.X + x
			return p, local, nil
		}
	}
	return nil, 0, fmt.Errorf("solver: no partition owns layer %d", z)
}

// PressureAt returns the current pressure sample at a voxel.
func (m *Mesh[T]) PressureAt(x, y, z int) (float64, error) {
	if !m.configured {
		return 0, configErrf("mesh is not configured")
	}
	p, idx, err := m.locate(x, y, z)
	if err != nil {
		return 0, err
	}
	v, err := p.dev.ReadAt(p.curr, idx)
	return float64(v), err
}

// locateAll resolves a global voxel coordinate to every partition holding a
// copy of it, owned or halo. Halo layers are staged at the end of the
// previous step, so a write into a seam-adjacent voxel must reach every copy
// or the neighboring partition would update from a stale layer.
func (m *Mesh[T]) locateAll(x, y, z int) ([]boundPoint[T], error) {
	if !m.grid.Dims.Contains(x, y, z) {
		return nil, fmt.Errorf("solver: voxel (%d,%d,%d) outside grid %v", x, y, z, m.grid.Dims)
	}
	var points []boundPoint[T]
	for _, p := range m.parts {
		if z >= p.z0 && z < p.z0+p.nz {
			local := ((z-p.z0)*m.grid.Dims.Y+y)*m.grid.Dims.X + x
			points = append(points, boundPoint[T]{part: p, index: local})
		}
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("solver: no partition holds layer %d", z)
	}
	return points, nil
}

// FieldEnergy returns the sum of squared current pressure samples over the
// owned (non-halo) voxels of every partition.
func (m *Mesh[T]) FieldEnergy() (float64, error) {
	if !m.configured {
		return 0, configErrf("mesh is not configured")
	}
	layer := m.grid.Dims.X * m.grid.Dims.Y
	stage := make([]T, layer)
	total := 0.0
	for _, p := range m.parts {
		for z := p.ownLo; z < p.ownHi; z++ {
			if err := p.dev.ReadRange(p.curr, z*layer, stage); err != nil {
				return 0, err
			}
			for _, v := range stage {
				total += float64(v) * float64(v)
			}
		}
	}
	return total, nil
}

// CaptureSlice snapshots one plane of the current pressure field together
// with the matching position codes. It is a pull interface for external
// visualization or export; the engine never pushes slices.
func (m *Mesh[T]) CaptureSlice(o grid.SliceOrientation, index int) (*grid.Slice, error) {
	if !m.configured {
		return nil, configErrf("mesh is not configured")
	}
	d := m.grid.Dims
	if index < 0 || index >= o.Depth(d) {
		return nil, fmt.Errorf("solver: slice index %d out of range [0,%d) for %s", index, o.Depth(d), o)
	}
	nu, nv := o.PlaneDims(d)
	out := &grid.Slice{
		Orientation: o,
		Index:       index,
		NU:          nu,
		NV:          nv,
		Pressure:    make([]float64, nu*nv),
		Pos:         make([]byte, nu*nv),
	}
	for v := 0; v < nv; v++ {
		for u := 0; u < nu; u++ {
			x, y, z := o.Cell(index, u, v)
			out.Pos[v*nu+u] = m.grid.Pos[d.Index(x, y, z)]
		}
	}
	layer := d.X * d.Y
	switch o {
	case grid.SliceXY:
		p, _, err := m.locate(0, 0, index)
		if err != nil {
			return nil, err
		}
		stage := make([]T, layer)
		if err := p.dev.ReadRange(p.curr, (index-p.z0)*layer, stage); err != nil {
			return nil, err
		}
		for i, s := range stage {
			out.Pressure[i] = float64(s)
		}
	case grid.SliceXZ:
		stage := make([]T, d.X)
		for z := 0; z < d.Z; z++ {
			p, rowIdx, err := m.locate(0, index, z)
			if err != nil {
				return nil, err
			}
			if err := p.dev.ReadRange(p.curr, rowIdx, stage); err != nil {
				return nil, err
			}
			for x, s := range stage {
				out.Pressure[z*nu+x] = float64(s)
			}
		}
	default: // SliceYZ
		for z := 0; z < d.Z; z++ {
			for y := 0; y < d.Y; y++ {
				val, err := m.PressureAt(index, y, z)
				if err != nil {
					return nil, err
				}
				out.Pressure[z*nu+y] = val
			}
		}
	}
	return out, nil
}
