//go:build opencl

package device

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"

	"parwave/grid"
)

// stepKernelTemplate is the stencil update in OpenCL C. The sample type and
// the Courant constants are baked into the source when the program is built,
// so the same template serves both precisions. Bit values mirror the
// position-code layout in package grid.
const stepKernelTemplate = `%s
#define LAMBDA  ((real)%.17g)
#define LAMBDA2 ((real)%.17g)

__kernel void wave_step(
    const int nx,
    const int ny,
    const int z0,
    const int layers,
    __global const real* prev,
    __global const real* curr,
    __global real* next_buffer,
    __global const uchar* pos,
    __global const real* beta)
{
    int gid = get_global_id(0);
    int layer = nx * ny;
    if (gid >= layers * layer) {
        return;
    }
    int i = z0 * layer + gid;
    uchar code = pos[i];
    if ((code & 0x80) == 0) {
        next_buffer[i] = (real)0;
        return;
    }
    real sum = (real)0;
    int k = 0;
    if (code & 0x01) { sum += curr[i - 1];     k++; }
    if (code & 0x02) { sum += curr[i + 1];     k++; }
    if (code & 0x04) { sum += curr[i - nx];    k++; }
    if (code & 0x08) { sum += curr[i + nx];    k++; }
    if (code & 0x10) { sum += curr[i - layer]; k++; }
    if (code & 0x20) { sum += curr[i + layer]; k++; }
    real b = beta[i] * LAMBDA;
    next_buffer[i] = (((real)2 - (real)k * LAMBDA2) * curr[i]
                      + LAMBDA2 * sum
                      + (b - (real)1) * prev[i]) / ((real)1 + b);
}`

// clField is a device buffer of samples.
type clField[T grid.Real] struct {
	mem *cl.MemObject
	n   int
}

func (f *clField[T]) Len() int { return f.n }

// clBytes is a device buffer of position codes.
type clBytes struct {
	mem *cl.MemObject
	n   int
}

func (b *clBytes) Size() int { return b.n }

// CL drives one OpenCL device with an in-order command queue. The stencil
// program is built on first launch, once the Courant constants are known.
type CL[T grid.Real] struct {
	id      int
	device  *cl.Device
	context *cl.Context
	queue   *cl.CommandQueue
	program *cl.Program
	kernel  *cl.Kernel
}

// OpenAll opens every available GPU device, falling back to CPU devices when
// no GPU is found. The caller owns the returned devices and must Close them.
func OpenAll[T grid.Real]() ([]Device[T], error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		msg := "querying OpenCL platforms"
		if strings.Contains(err.Error(), "-1001") {
			msg += ": no ICD loader reported any platforms; install OpenCL drivers and verify with `clinfo`"
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	if len(platforms) == 0 {
		return nil, errors.New("no OpenCL platforms available; ensure a vendor driver is installed and detected by `clinfo`")
	}
	var found []*cl.Device
	for _, p := range platforms {
		devices, derr := p.GetDevices(cl.DeviceTypeGPU)
		if derr != nil && derr != cl.ErrDeviceNotFound {
			continue
		}
		found = append(found, devices...)
	}
	if len(found) == 0 {
		for _, p := range platforms {
			devices, derr := p.GetDevices(cl.DeviceTypeCPU)
			if derr != nil && derr != cl.ErrDeviceNotFound {
				continue
			}
			found = append(found, devices...)
		}
	}
	if len(found) == 0 {
		return nil, errors.New("no suitable OpenCL devices found")
	}
	out := make([]Device[T], 0, len(found))
	for i, d := range found {
		opened, err := newCL[T](i, d)
		if err != nil {
			for _, o := range out {
				o.Close()
			}
			return nil, err
		}
		out = append(out, opened)
	}
	return out, nil
}

// newCL creates the context and command queue for one device.
func newCL[T grid.Real](id int, dev *cl.Device) (*CL[T], error) {
	context, err := cl.CreateContext([]*cl.Device{dev})
	if err != nil {
		return nil, fmt.Errorf("creating OpenCL context for %s: %w", dev.Name(), err)
	}
	queue, err := context.CreateCommandQueue(dev, 0)
	if err != nil {
		context.Release()
		return nil, fmt.Errorf("creating OpenCL command queue for %s: %w", dev.Name(), err)
	}
	return &CL[T]{id: id, device: dev, context: context, queue: queue}, nil
}

func elemSize[T grid.Real]() int {
	var t T
	return int(unsafe.Sizeof(t))
}

// typeHeader returns the preamble defining the kernel sample type.
func typeHeader[T grid.Real]() string {
	if elemSize[T]() == 8 {
		return "#pragma OPENCL EXTENSION cl_khr_fp64 : enable\ntypedef double real;"
	}
	return "typedef float real;"
}

// ensureProgram builds the stencil program with the run's Courant constants.
func (s *CL[T]) ensureProgram(lambda, lambda2 T) error {
	if s.kernel != nil {
		return nil
	}
	source := fmt.Sprintf(stepKernelTemplate, typeHeader[T](), float64(lambda), float64(lambda2))
	program, err := s.context.CreateProgramWithSource([]string{source})
	if err != nil {
		return fmt.Errorf("creating OpenCL program: %w", err)
	}
	if err := program.BuildProgram([]*cl.Device{s.device}, ""); err != nil {
		program.Release()
		if buildErr, ok := err.(cl.BuildError); ok {
			return fmt.Errorf("building OpenCL program: %s", string(buildErr))
		}
		return fmt.Errorf("building OpenCL program: %w", err)
	}
	kernel, err := program.CreateKernel("wave_step")
	if err != nil {
		program.Release()
		return fmt.Errorf("creating OpenCL kernel: %w", err)
	}
	s.program = program
	s.kernel = kernel
	return nil
}

// Name returns the device name reported by the driver.
func (s *CL[T]) Name() string { return s.device.Name() }

// Info reports the device memory budget. OpenCL exposes no free-memory
// query, so the global size stands in for both figures.
func (s *CL[T]) Info() Info {
	size := uint64(s.device.GlobalMemSize())
	return Info{ID: s.id, Name: s.device.Name(), FreeBytes: size, TotalBytes: size}
}

// AllocField allocates a zeroed sample buffer on the device.
func (s *CL[T]) AllocField(n int) (Field[T], error) {
	if n < 1 {
		return nil, fmt.Errorf("%s: invalid field size %d", s.Name(), n)
	}
	mem, err := s.context.CreateEmptyBuffer(cl.MemReadWrite, n*elemSize[T]())
	if err != nil {
		return nil, fmt.Errorf("%s: allocating field of %d elements: %w", s.Name(), n, err)
	}
	f := &clField[T]{mem: mem, n: n}
	if err := s.Fill(f, 0); err != nil {
		mem.Release()
		return nil, err
	}
	return f, nil
}

// AllocBytes allocates a position-code buffer on the device.
func (s *CL[T]) AllocBytes(n int) (Bytes, error) {
	if n < 1 {
		return nil, fmt.Errorf("%s: invalid byte buffer size %d", s.Name(), n)
	}
	mem, err := s.context.CreateEmptyBuffer(cl.MemReadOnly, n)
	if err != nil {
		return nil, fmt.Errorf("%s: allocating byte buffer of %d: %w", s.Name(), n, err)
	}
	return &clBytes{mem: mem, n: n}, nil
}

// FreeField releases a field buffer.
func (s *CL[T]) FreeField(f Field[T]) {
	if cf, ok := f.(*clField[T]); ok && cf.mem != nil {
		cf.mem.Release()
		cf.mem = nil
	}
}

// FreeBytes releases a byte buffer.
func (s *CL[T]) FreeBytes(b Bytes) {
	if cb, ok := b.(*clBytes); ok && cb.mem != nil {
		cb.mem.Release()
		cb.mem = nil
	}
}

func (s *CL[T]) field(f Field[T], op string) (*clField[T], error) {
	cf, ok := f.(*clField[T])
	if !ok || cf.mem == nil {
		return nil, fmt.Errorf("%s: %s: field was not allocated on this device", s.Name(), op)
	}
	return cf, nil
}

// WriteRange copies src into the field starting at offset.
func (s *CL[T]) WriteRange(dst Field[T], offset int, src []T) error {
	cf, err := s.field(dst, "write")
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(src) > cf.n {
		return fmt.Errorf("%s: write of %d elements at %d exceeds field of %d", s.Name(), len(src), offset, cf.n)
	}
	if len(src) == 0 {
		return nil
	}
	es := elemSize[T]()
	if _, err := s.queue.EnqueueWriteBuffer(cf.mem, true, offset*es, len(src)*es, unsafe.Pointer(&src[0]), nil); err != nil {
		return fmt.Errorf("%s: writing %d elements: %w", s.Name(), len(src), err)
	}
	return nil
}

// ReadRange copies from the field starting at offset into dst. The read
// blocks, so it observes every previously enqueued launch.
func (s *CL[T]) ReadRange(src Field[T], offset int, dst []T) error {
	cf, err := s.field(src, "read")
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(dst) > cf.n {
		return fmt.Errorf("%s: read of %d elements at %d exceeds field of %d", s.Name(), len(dst), offset, cf.n)
	}
	if len(dst) == 0 {
		return nil
	}
	es := elemSize[T]()
	if _, err := s.queue.EnqueueReadBuffer(cf.mem, true, offset*es, len(dst)*es, unsafe.Pointer(&dst[0]), nil); err != nil {
		return fmt.Errorf("%s: reading %d elements: %w", s.Name(), len(dst), err)
	}
	return nil
}

// WriteBytes uploads position codes.
func (s *CL[T]) WriteBytes(dst Bytes, src []byte) error {
	cb, ok := dst.(*clBytes)
	if !ok || cb.mem == nil {
		return fmt.Errorf("%s: byte buffer was not allocated on this device", s.Name())
	}
	if len(src) != cb.n {
		return fmt.Errorf("%s: byte upload of %d into buffer of %d", s.Name(), len(src), cb.n)
	}
	if _, err := s.queue.EnqueueWriteBuffer(cb.mem, true, 0, len(src), unsafe.Pointer(&src[0]), nil); err != nil {
		return fmt.Errorf("%s: writing position codes: %w", s.Name(), err)
	}
	return nil
}

// fillChunk bounds the staging slice used by Fill.
const fillChunk = 1 << 20

// Fill sets every sample of the field to v via chunked host writes.
func (s *CL[T]) Fill(dst Field[T], v T) error {
	cf, err := s.field(dst, "fill")
	if err != nil {
		return err
	}
	n := cf.n
	chunk := n
	if chunk > fillChunk {
		chunk = fillChunk
	}
	stage := make([]T, chunk)
	if v != 0 {
		for i := range stage {
			stage[i] = v
		}
	}
	for off := 0; off < n; off += chunk {
		m := chunk
		if off+m > n {
			m = n - off
		}
		if err := s.WriteRange(dst, off, stage[:m]); err != nil {
			return err
		}
	}
	return nil
}

// ReadAt returns one sample.
func (s *CL[T]) ReadAt(src Field[T], index int) (T, error) {
	var out [1]T
	if err := s.ReadRange(src, index, out[:]); err != nil {
		return 0, err
	}
	return out[0], nil
}

// AddAt adds v to one sample through a read-modify-write. The in-order
// queue keeps it consistent with surrounding launches.
func (s *CL[T]) AddAt(dst Field[T], index int, v T) error {
	cur, err := s.ReadAt(dst, index)
	if err != nil {
		return err
	}
	var buf [1]T
	buf[0] = cur + v
	return s.WriteRange(dst, index, buf[:])
}

// Step enqueues the stencil kernel over the owned z range. The sliced
// strategy enqueues one launch per layer; the linear strategy covers the
// whole owned block in a single launch.
func (s *CL[T]) Step(a *StepArgs[T]) error {
	if err := s.ensureProgram(a.Lambda, a.Lambda2); err != nil {
		return err
	}
	prev, err := s.field(a.Prev, "step")
	if err != nil {
		return err
	}
	curr, err := s.field(a.Curr, "step")
	if err != nil {
		return err
	}
	next, err := s.field(a.Next, "step")
	if err != nil {
		return err
	}
	beta, err := s.field(a.Beta, "step")
	if err != nil {
		return err
	}
	pos, ok := a.Pos.(*clBytes)
	if !ok || pos.mem == nil {
		return fmt.Errorf("%s: step: position buffer was not allocated on this device", s.Name())
	}
	layer := a.NX * a.NY
	launch := func(z0, layers int) error {
		if err := s.kernel.SetArgs(
			int32(a.NX),
			int32(a.NY),
			int32(z0),
			int32(layers),
			prev.mem,
			curr.mem,
			next.mem,
			pos.mem,
			beta.mem,
		); err != nil {
			return fmt.Errorf("%s: setting kernel arguments: %w", s.Name(), err)
		}
		if _, err := s.queue.EnqueueNDRangeKernel(s.kernel, nil, []int{layers * layer}, nil, nil); err != nil {
			return fmt.Errorf("%s: enqueueing kernel: %w", s.Name(), err)
		}
		return nil
	}
	if a.Sliced {
		for z := a.Z0; z < a.Z1; z++ {
			if err := launch(z, 1); err != nil {
				return err
			}
		}
		return nil
	}
	return launch(a.Z0, a.Z1-a.Z0)
}

// Close releases every OpenCL resource held by the device.
func (s *CL[T]) Close() {
	if s.kernel != nil {
		s.kernel.Release()
		s.kernel = nil
	}
	if s.program != nil {
		s.program.Release()
		s.program = nil
	}
	if s.queue != nil {
		s.queue.Release()
		s.queue = nil
	}
	if s.context != nil {
		s.context.Release()
		s.context = nil
	}
}
