// Package solver is the multi-device FDTD engine core: it plans the spatial
// domain decomposition, owns the per-partition mesh state, keeps partition
// seams consistent through halo exchange each step, and drives the stepping
// state machine with source injection and receiver sampling.
package solver

import (
	"math"

	"parwave/material"
)

// SpeedOfSound is the propagation speed used to derive the time step [m/s].
const SpeedOfSound = 343.0

// courant is the Courant number of the rectilinear 3D leapfrog scheme,
// 1/sqrt(3), the largest value for which the update is stable.
var courant = 1.0 / math.Sqrt(3.0)

// UpdateScheme selects the stencil launch strategy. Both strategies compute
// the same samples; they differ in how work is split on a device.
type UpdateScheme int

const (
	// SchemeLinear covers a partition's owned block with one contiguous
	// launch per worker.
	SchemeLinear UpdateScheme = iota
	// SchemeSliced issues one unit of work per z layer.
	SchemeSliced
)

// Direction is the time-stepping direction.
type Direction int

const (
	Forward Direction = 1
	Reverse Direction = -1
)

// SourceFunc returns the excitation sample injected at a step index.
type SourceFunc func(step int) float64

// Impulse returns a unit impulse scaled by amplitude at step 0.
func Impulse(amplitude float64) SourceFunc {
	return func(step int) float64 {
		if step == 0 {
			return amplitude
		}
		return 0
	}
}

// GaussianPulse returns a Gaussian excitation centered at the given step
// with the given width in steps.
func GaussianPulse(amplitude float64, center, width float64) SourceFunc {
	return func(step int) float64 {
		d := (float64(step) - center) / width
		return amplitude * math.Exp(-d*d)
	}
}

// Sine returns a sinusoidal excitation at freq Hz for a run with time step
// dt seconds.
func Sine(amplitude, freq, dt float64) SourceFunc {
	w := 2 * math.Pi * freq * dt
	return func(step int) float64 {
		return amplitude * math.Sin(w*float64(step))
	}
}

// Samples turns a precomputed excitation series into a SourceFunc; indices
// outside the series are silent.
func Samples(series []float64) SourceFunc {
	return func(step int) float64 {
		if step < 0 || step >= len(series) {
			return 0
		}
		return series[step]
	}
}

// Source is an excitation point. The signal value is added to the pressure
// sample at the voxel before each update, never overwriting it.
type Source struct {
	X, Y, Z int
	Signal  SourceFunc
}

// Receiver is a voxel whose pressure is recorded after each update.
type Receiver struct {
	X, Y, Z int
}

// Params is the run configuration surface consumed by the engine. The
// orchestration layer that fills it in is an external collaborator.
type Params struct {
	Dx       float64 // spatial step [m]
	NumSteps int
	Octave   int // active octave band index into material.BandCenters

	Scheme    UpdateScheme
	Direction Direction

	// ForcePartitions pins the partition count; -1 selects automatically.
	ForcePartitions int

	Sources   []Source
	Receivers []Receiver
}

// DefaultParams returns a forward single-band configuration with automatic
// partitioning.
func DefaultParams() Params {
	return Params{
		Dx:              0.01,
		Octave:          0,
		Scheme:          SchemeLinear,
		Direction:       Forward,
		ForcePartitions: -1,
	}
}

// Validate checks parameter consistency. Grid-dependent checks (coordinates
// inside the volume) happen at mesh setup.
func (p *Params) Validate() error {
	if p.Dx <= 0 {
		return configErrf("spatial step must be positive, got %v", p.Dx)
	}
	if p.NumSteps < 1 {
		return configErrf("number of steps must be at least 1, got %d", p.NumSteps)
	}
	if p.Octave < 0 || p.Octave >= material.NumBands {
		return configErrf("octave band %d out of range [0,%d)", p.Octave, material.NumBands)
	}
	if p.Direction != Forward && p.Direction != Reverse {
		return configErrf("step direction must be +1 or -1, got %d", p.Direction)
	}
	if p.Scheme != SchemeLinear && p.Scheme != SchemeSliced {
		return configErrf("unknown update scheme %d", p.Scheme)
	}
	if p.ForcePartitions == 0 || p.ForcePartitions < -1 {
		return configErrf("forced partition count must be positive or -1 for automatic, got %d", p.ForcePartitions)
	}
	for i, s := range p.Sources {
		if s.Signal == nil {
			return configErrf("source %d has no excitation signal", i)
		}
	}
	return nil
}

// TimeStep returns the simulation time step dt = dx/(c*sqrt(3)) [s].
func (p *Params) TimeStep() float64 {
	return p.Dx * courant / SpeedOfSound
}

// SampleRate returns the temporal sampling rate of the response [Hz].
func (p *Params) SampleRate() float64 { return 1.0 / p.TimeStep() }
