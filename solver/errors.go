package solver

import "fmt"

// CapacityError reports that the estimated grid memory exceeds the summed
// device budget. It is raised before any device allocation happens; the
// caller must lower the resolution or provide more devices, there is no
// retry inside the engine.
type CapacityError struct {
	Elements       int
	RequiredBytes  uint64
	AvailableBytes uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("solver: estimated mesh of %d elements needs %d bytes, devices report %d bytes free",
		e.Elements, e.RequiredBytes, e.AvailableBytes)
}

// AllocationError reports that a device rejected an allocation during mesh
// setup despite the earlier estimate. Setup aborts and every partially
// allocated device resource is released.
type AllocationError struct {
	Device string
	Err    error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("solver: allocation failed on %s: %v", e.Device, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// DeviceFault reports a device-level failure during stepping. Completed
// steps' response data remain valid and are returned alongside it.
type DeviceFault struct {
	Device string
	Step   int
	Err    error
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("solver: device fault on %s at step %d: %v", e.Device, e.Step, e.Err)
}

func (e *DeviceFault) Unwrap() error { return e.Err }

// ConfigError reports inconsistent run parameters. It is surfaced at setup,
// before any stepping.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "solver: " + e.Msg }

func configErrf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}
