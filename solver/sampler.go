package solver

import "parwave/grid"

// boundPoint is a source or receiver voxel resolved to a partition-local
// index once, before stepping begins.
type boundPoint[T grid.Real] struct {
	part  *part[T]
	index int
}

// sampler injects excitation at the source voxels before each update and
// records receiver samples into the response buffer after it. Each source is
// bound to every copy of its voxel, owned and halo, so injection stays
// consistent with the halo exchange.
type sampler[T grid.Real] struct {
	mesh      *Mesh[T]
	sources   [][]boundPoint[T]
	signals   []SourceFunc
	receivers []boundPoint[T]
	steps     int
	resp      []float64
}

// newSampler resolves the configured source and receiver voxels and
// allocates the response buffer (steps x receivers).
func newSampler[T grid.Real](m *Mesh[T], par *Params) (*sampler[T], error) {
	s := &sampler[T]{
		mesh:  m,
		steps: par.NumSteps,
		resp:  make([]float64, par.NumSteps*len(par.Receivers)),
	}
	for i, src := range par.Sources {
		pts, err := m.locateAll(src.X, src.Y, src.Z)
		if err != nil {
			return nil, configErrf("source %d: %v", i, err)
		}
		if !grid.IsInside(m.grid.Pos[m.grid.Dims.Index(src.X, src.Y, src.Z)]) {
			return nil, configErrf("source %d at (%d,%d,%d) is outside the simulated volume", i, src.X, src.Y, src.Z)
		}
		s.sources = append(s.sources, pts)
		s.signals = append(s.signals, src.Signal)
	}
	for i, rcv := range par.Receivers {
		p, idx, err := m.locate(rcv.X, rcv.Y, rcv.Z)
		if err != nil {
			return nil, configErrf("receiver %d: %v", i, err)
		}
		if !grid.IsInside(m.grid.Pos[m.grid.Dims.Index(rcv.X, rcv.Y, rcv.Z)]) {
			return nil, configErrf("receiver %d at (%d,%d,%d) is outside the simulated volume", i, rcv.X, rcv.Y, rcv.Z)
		}
		s.receivers = append(s.receivers, boundPoint[T]{part: p, index: idx})
	}
	return s, nil
}

// inject adds each source's excitation at the given step index to the
// current pressure sample. The value is added, never overwritten, so
// coincident sources superpose. Every copy of the voxel receives the
// addition: a source in a seam-adjacent layer was staged into the neighbor's
// halo before the injection, and the neighbor's update must not read the
// stale value.
func (s *sampler[T]) inject(step int) error {
	if step < 0 || step >= s.steps {
		return nil
	}
	for i, copies := range s.sources {
		v := s.signals[i](step)
		if v == 0 {
			continue
		}
		for _, src := range copies {
			if err := src.part.dev.AddAt(src.part.curr, src.index, T(v)); err != nil {
				return &DeviceFault{Device: src.part.dev.Name(), Step: step, Err: err}
			}
		}
	}
	return nil
}

// record reads every receiver's freshly updated sample into the response
// buffer at step*receiverCount + receiverIndex.
func (s *sampler[T]) record(step int) error {
	if step < 0 || step >= s.steps {
		return nil
	}
	base := step * len(s.receivers)
	for i, rcv := range s.receivers {
		v, err := rcv.part.dev.ReadAt(rcv.part.curr, rcv.index)
		if err != nil {
			return &DeviceFault{Device: rcv.part.dev.Name(), Step: step, Err: err}
		}
		s.resp[base+i] = float64(v)
	}
	return nil
}

// reset zeroes the response buffer.
func (s *sampler[T]) reset() {
	for i := range s.resp {
		s.resp[i] = 0
	}
}
