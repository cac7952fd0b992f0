package solver

import (
	"errors"
	"time"

	"github.com/cpmech/gosl/io"

	"parwave/device"
	"parwave/grid"
	"parwave/material"
)

// Status is the orchestrator state machine:
// Idle -> Stepping -> {Completed | Interrupted | Failed}.
type Status int

const (
	Idle Status = iota
	Stepping
	Completed
	Interrupted
	Failed
)

// String returns the state name.
func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Stepping:
		return "stepping"
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ProgressFunc is called once per step with the current step counter, the
// requested step count and the moving-average wall time per step in seconds.
// No return value is consumed.
type ProgressFunc func(currentStep, totalSteps int, timePerStep float64)

// InterruptFunc is polled once per step; returning true stops the run
// cooperatively at the step boundary.
type InterruptFunc func() bool

// Result is the outcome of a run. Response holds whatever was recorded up
// to the final step, including on interrupt and device fault.
type Result struct {
	Status         Status
	StepsCompleted int
	Response       []float64
	TimePerStep    float64
}

// Simulation drives a configured mesh through N update steps in either time
// direction, injecting sources, exchanging halos and sampling receivers.
// Every callback is registered on the instance, so independent simulations
// can run concurrently in one process.
type Simulation[T grid.Real] struct {
	mesh *Mesh[T]
	par  Params
	samp *sampler[T]

	status      Status
	currentStep int
	direction   int
	timePerStep float64

	progress  ProgressFunc
	interrupt InterruptFunc
}

// New plans the partitioning for the given devices, sets up the mesh and
// binds the sources and receivers. Capacity, allocation and configuration
// failures surface here, before any stepping.
func New[T grid.Real](g *grid.VoxelGrid, table *material.Table, par Params,
	devs []device.Device[T]) (*Simulation[T], error) {

	if err := par.Validate(); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	plan, err := PlanPartitions[T](g.Dims, device.Infos(devs), par.ForcePartitions)
	if err != nil {
		return nil, err
	}
	mesh := NewMesh[T]()
	if err := mesh.Setup(g, table, plan, devs, par.Octave, par.Scheme); err != nil {
		return nil, err
	}
	samp, err := newSampler(mesh, &par)
	if err != nil {
		mesh.Teardown()
		return nil, err
	}
	sim := &Simulation[T]{
		mesh:      mesh,
		par:       par,
		samp:      samp,
		status:    Idle,
		direction: int(par.Direction),
	}
	if par.Direction == Reverse {
		sim.currentStep = par.NumSteps
	}
	return sim, nil
}

// OnProgress registers the per-step progress callback.
func (s *Simulation[T]) OnProgress(f ProgressFunc) { s.progress = f }

// OnInterrupt registers the per-step interrupt predicate.
func (s *Simulation[T]) OnInterrupt(f InterruptFunc) { s.interrupt = f }

// Mesh exposes the partitioned state for diagnostics and slice capture.
func (s *Simulation[T]) Mesh() *Mesh[T] { return s.mesh }

// Status returns the orchestrator state.
func (s *Simulation[T]) Status() Status { return s.status }

// CurrentStep returns the step counter.
func (s *Simulation[T]) CurrentStep() int { return s.currentStep }

// TimePerStep returns the moving-average wall time per step in seconds.
func (s *Simulation[T]) TimePerStep() float64 { return s.timePerStep }

// Response returns the response buffer, laid out step-major:
// index = step*receiverCount + receiverIndex.
func (s *Simulation[T]) Response() []float64 { return s.samp.resp }

// Params returns a copy of the run configuration.
func (s *Simulation[T]) Params() Params { return s.par }

// InvertTime flips the stepping direction and swaps the previous and
// current pressure roles, so subsequent steps recover earlier states.
func (s *Simulation[T]) InvertTime() {
	s.direction = -s.direction
	s.mesh.swapTime()
}

// Reset zeroes the pressure field and the response buffer and rewinds the
// step counter; the mesh stays allocated.
func (s *Simulation[T]) Reset() error {
	if err := s.mesh.Reset(); err != nil {
		return err
	}
	s.samp.reset()
	s.currentStep = 0
	s.direction = int(s.par.Direction)
	if s.par.Direction == Reverse {
		s.currentStep = s.par.NumSteps
	}
	s.status = Idle
	s.timePerStep = 0
	return nil
}

// Teardown releases the mesh's device buffers.
func (s *Simulation[T]) Teardown() {
	s.mesh.Teardown()
	s.status = Idle
}

// Run executes the configured number of steps. Interrupts end the run at a
// step boundary with a partial-success result and no error; device faults
// end it with the completed steps' data preserved and the fault returned.
func (s *Simulation[T]) Run() (Result, error) {
	if !s.mesh.Configured() {
		return Result{Status: Failed}, configErrf("mesh is not configured")
	}
	if s.status == Stepping {
		return Result{Status: Failed}, configErrf("simulation is already stepping")
	}
	s.status = Stepping
	total := s.par.NumSteps
	for i := 0; i < total; i++ {
		if err := s.ExecuteStep(); err != nil {
			s.status = Failed
			return s.result(i), err
		}
		if s.interrupt != nil && s.interrupt() {
			s.status = Interrupted
			return s.result(i + 1), nil
		}
		if s.progress != nil {
			s.progress(s.currentStep, total, s.timePerStep)
		}
	}
	s.status = Completed
	if Verbose {
		io.Pf("run: %d steps completed, %.6f s/step, %.2f Mvox/s\n",
			total, s.timePerStep, float64(s.mesh.NumberOfElements())/s.timePerStep/1e6)
	}
	return s.result(total), nil
}

// result snapshots the run outcome after n completed steps.
func (s *Simulation[T]) result(n int) Result {
	return Result{
		Status:         s.status,
		StepsCompleted: n,
		Response:       s.samp.resp,
		TimePerStep:    s.timePerStep,
	}
}

// ExecuteStep advances the field by one sample in the current direction:
// source injection, parallel stencil update across all partitions, buffer
// rotation, halo exchange, receiver sampling, counter update, timing. The
// exchange completes in both directions before the call returns, so no
// partition's next update can observe stale halo data.
func (s *Simulation[T]) ExecuteStep() error {
	start := time.Now()

	t := s.currentStep
	if s.direction < 0 {
		t--
	}
	if err := s.samp.inject(t); err != nil {
		return s.fault(t, err)
	}
	if err := s.mesh.step(); err != nil {
		return s.fault(t, err)
	}
	s.mesh.rotate()
	if err := s.mesh.exchangeHalos(); err != nil {
		return s.fault(t, err)
	}
	if err := s.samp.record(t); err != nil {
		return s.fault(t, err)
	}
	if s.direction > 0 {
		s.currentStep = t + 1
	} else {
		s.currentStep = t
	}

	elapsed := time.Since(start).Seconds()
	if s.timePerStep == 0 {
		s.timePerStep = elapsed
	} else {
		s.timePerStep = (s.timePerStep + elapsed) / 2
	}
	return nil
}

// fault stamps the step index onto a device fault before it propagates.
func (s *Simulation[T]) fault(step int, err error) error {
	var df *DeviceFault
	if errors.As(err, &df) {
		df.Step = step
	}
	return err
}
