package soft

import (
	"fmt"
	"sync"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/log"
)

// An emulated device.
type device struct {
	logger  log.Logger
	backend *Backend
	info    backend.DeviceInfo

	mem *arena

	mu            sync.Mutex
	closed        bool
	nextProgramID uint32
	programs      map[uint32]*program
	accels        map[backend.TraversableHandle]*accel
	streams       []*stream
}

func newDevice(b *Backend, info backend.DeviceInfo) *device {
	base := backend.DevicePtr(info.Ordinal+1) << deviceAddrShift
	return &device{
		logger:   log.New(fmt.Sprintf("soft device (%s)", info.Name)),
		backend:  b,
		info:     info,
		mem:      newArena(info.Name, base, info.MemoryBytes),
		programs: make(map[uint32]*program),
		accels:   make(map[backend.TraversableHandle]*accel),
	}
}

func (d *device) Info() backend.DeviceInfo {
	return d.info
}

func (d *device) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return backend.ErrDeviceClosed
	}
	return nil
}

func (d *device) Alloc(size int) (backend.Memory, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	mem, err := d.mem.alloc(size)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// Resolve an address range in either the device or the shared address space.
func (d *device) resolve(ptr backend.DevicePtr, size int) ([]byte, error) {
	var (
		buf []byte
		ok  bool
	)
	if ptr >= sharedAddrBase {
		buf, ok = d.backend.shared.resolve(ptr, size)
	} else {
		buf, ok = d.mem.resolve(ptr, size)
	}
	if !ok {
		return nil, fmt.Errorf("soft device (%s): range 0x%x+%d: %w", d.info.Name, uint64(ptr), size, backend.ErrInvalidAddress)
	}
	return buf, nil
}

func (d *device) CompileModule(source string) (backend.Module, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	symbols, err := compileSource(source)
	if err != nil {
		d.logger.Debugf("module compilation failed: %v", err)
		return nil, err
	}
	d.logger.Debugf("compiled module with %d entry points", len(symbols))
	return &module{dev: d, symbols: symbols}, nil
}

func (d *device) registerProgram(p *program) (*program, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrDeviceClosed
	}

	d.nextProgramID++
	p.id = d.nextProgramID
	p.dev = d
	d.programs[p.id] = p
	return p, nil
}

func (d *device) lookupProgram(id uint32) (*program, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[id]
	return p, ok
}

// Cast a program to the device's implementation. A nil program is allowed
// and yields nil.
func (d *device) ownProgram(p backend.Program, kind backend.ProgramKind) (*program, error) {
	if p == nil {
		return nil, nil
	}
	prog, ok := p.(*program)
	if !ok || prog == nil || prog.dev != d {
		return nil, fmt.Errorf("soft device (%s): program does not belong to this device: %w", d.info.Name, backend.ErrInvalidProgram)
	}
	if prog.kind != kind {
		return nil, fmt.Errorf("soft device (%s): expected %s program; got %s: %w", d.info.Name, kind, prog.kind, backend.ErrInvalidProgram)
	}
	return prog, nil
}

func (d *device) CreateHitGroup(closestHit, anyHit, intersect backend.Program) (backend.Program, error) {
	var (
		hg  = &program{kind: backend.HitGroupProgram}
		err error
	)
	if hg.closestHit, err = d.ownProgram(closestHit, backend.ClosestHitProgram); err != nil {
		return nil, err
	}
	if hg.anyHit, err = d.ownProgram(anyHit, backend.AnyHitProgram); err != nil {
		return nil, err
	}
	if hg.intersect, err = d.ownProgram(intersect, backend.IntersectionProgram); err != nil {
		return nil, err
	}

	hg.symbol = "hitgroup"
	for _, p := range []*program{hg.closestHit, hg.anyHit, hg.intersect} {
		if p != nil {
			hg.symbol += ":" + p.symbol
		}
	}
	prog, err := d.registerProgram(hg)
	if err != nil {
		return nil, err
	}
	return prog, nil
}

func (d *device) CreatePipeline(programs []backend.Program, opts backend.PipelineOptions) (backend.Pipeline, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if opts.MaxTraversableDepth < 1 {
		return nil, fmt.Errorf("soft device (%s): max traversable depth must be at least 1; got %d", d.info.Name, opts.MaxTraversableDepth)
	}

	pl := &pipeline{
		dev:      d,
		programs: make(map[uint32]bool, len(programs)),
		maxDepth: opts.MaxTraversableDepth,
	}
	for _, p := range programs {
		prog, ok := p.(*program)
		if !ok || prog == nil || prog.dev != d {
			return nil, fmt.Errorf("soft device (%s): pipeline program does not belong to this device: %w", d.info.Name, backend.ErrInvalidProgram)
		}
		pl.programs[prog.id] = true
	}

	d.logger.Debugf("linked pipeline with %d programs (max traversable depth %d)", len(programs), opts.MaxTraversableDepth)
	return pl, nil
}

func (d *device) ComputeBounds(bounds backend.Program, geomData []byte, numPrims int, out backend.DevicePtr) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	prog, err := d.ownProgram(bounds, backend.BoundsProgram)
	if err != nil {
		return err
	}
	if prog == nil {
		return fmt.Errorf("soft device (%s): no bounds program: %w", d.info.Name, backend.ErrInvalidProgram)
	}

	fn, ok := d.backend.boundsKernel(prog.symbol)
	if !ok {
		return fmt.Errorf("soft device (%s): no kernel registered for %s", d.info.Name, prog.symbol)
	}

	dst, err := d.resolve(out, numPrims*backend.AABBSize)
	if err != nil {
		return err
	}

	ctx := &KernelContext{dev: d}
	for primID := 0; primID < numPrims; primID++ {
		box, err := fn(ctx, geomData, primID)
		if err != nil {
			return fmt.Errorf("soft device (%s): bounds kernel %s failed for primitive %d: %w", d.info.Name, prog.symbol, primID, err)
		}
		backend.EncodeAABB(dst[primID*backend.AABBSize:], box)
	}
	return nil
}

func (d *device) NewStream() (backend.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrDeviceClosed
	}

	s := newStream(d, len(d.streams))
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *device) Synchronize() error {
	d.mu.Lock()
	streams := append([]*stream(nil), d.streams...)
	d.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		if err := s.Synchronize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return backend.ErrDeviceClosed
	}
	d.closed = true
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}

	d.mu.Lock()
	d.programs = make(map[uint32]*program)
	d.accels = make(map[backend.TraversableHandle]*accel)
	d.mu.Unlock()

	d.mem.reset()
	d.logger.Debugf("closed device")
	return nil
}
