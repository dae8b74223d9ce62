// Package soft implements backend.Backend entirely in host memory. Each
// emulated device owns a private address space; host-pinned and managed
// allocations live in a shared space visible to every device.
//
// Modules are validated by a small text compiler that extracts entry points.
// Launching a ray-gen program or running a bounds program executes the Go
// kernel registered under the program's symbol name.
package soft

import (
	"fmt"
	"sync"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/log"
)

const (
	// Emulated devices are addressed starting at (ordinal+1) << deviceAddrShift.
	deviceAddrShift = 40

	// The shared address space used by host-pinned and managed allocations.
	sharedAddrBase backend.DevicePtr = 1 << 47

	maxDevices = 64
)

type Options struct {
	// Number of emulated devices. Defaults to 1.
	Devices int

	// Optional device names; missing entries get a generated name.
	DeviceNames []string

	// Optional per-device memory limits in bytes; 0 means unbounded.
	DeviceMemory []int64

	// Limit for host-pinned and managed allocations; 0 means unbounded.
	SharedMemory int64

	ComputeUnits int
	ClockMHz     int
}

// A software backend.
type Backend struct {
	logger log.Logger
	opts   Options

	shared *arena

	mu      sync.RWMutex
	rayGens map[string]RayGenFunc
	bounds  map[string]BoundsFunc
}

// Create a software backend.
func New(opts Options) (*Backend, error) {
	if opts.Devices == 0 {
		opts.Devices = 1
	}
	if opts.Devices < 0 || opts.Devices > maxDevices {
		return nil, fmt.Errorf("soft backend: device count must be in [1, %d]; got %d", maxDevices, opts.Devices)
	}
	if opts.ComputeUnits <= 0 {
		opts.ComputeUnits = 1
	}
	if opts.ClockMHz <= 0 {
		opts.ClockMHz = 1000
	}

	return &Backend{
		logger:  log.New("soft backend"),
		opts:    opts,
		shared:  newArena("shared", sharedAddrBase, opts.SharedMemory),
		rayGens: make(map[string]RayGenFunc),
		bounds:  make(map[string]BoundsFunc),
	}, nil
}

func (b *Backend) Name() string {
	return "soft"
}

func (b *Backend) Devices() ([]backend.DeviceInfo, error) {
	infos := make([]backend.DeviceInfo, b.opts.Devices)
	for i := range infos {
		infos[i] = b.deviceInfo(i)
	}
	return infos, nil
}

func (b *Backend) deviceInfo(ordinal int) backend.DeviceInfo {
	info := backend.DeviceInfo{
		Ordinal:      ordinal,
		Name:         fmt.Sprintf("soft-%d", ordinal),
		ComputeUnits: b.opts.ComputeUnits,
		ClockMHz:     b.opts.ClockMHz,
	}
	if ordinal < len(b.opts.DeviceNames) && b.opts.DeviceNames[ordinal] != "" {
		info.Name = b.opts.DeviceNames[ordinal]
	}
	if ordinal < len(b.opts.DeviceMemory) {
		info.MemoryBytes = b.opts.DeviceMemory[ordinal]
	}
	return info
}

func (b *Backend) Open(ordinal int) (backend.Device, error) {
	if ordinal < 0 || ordinal >= b.opts.Devices {
		return nil, fmt.Errorf("soft backend: device ordinal %d: %w", ordinal, backend.ErrNoSuchDevice)
	}

	info := b.deviceInfo(ordinal)
	b.logger.Debugf("opening %s", info)
	return newDevice(b, info), nil
}

func (b *Backend) AllocHostPinned(size int) (backend.Memory, error) {
	return b.allocShared(size)
}

func (b *Backend) AllocManaged(size int) (backend.Memory, error) {
	return b.allocShared(size)
}

func (b *Backend) allocShared(size int) (backend.Memory, error) {
	mem, err := b.shared.alloc(size)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// Register the Go kernel executed for the ray-gen program with the given
// entry point name (without the kind prefix).
func (b *Backend) RegisterRayGen(name string, fn RayGenFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rayGens[backend.RayGenProgram.Symbol(name)] = fn
}

// Register the Go kernel executed for the bounds program with the given
// entry point name (without the kind prefix).
func (b *Backend) RegisterBounds(name string, fn BoundsFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bounds[backend.BoundsProgram.Symbol(name)] = fn
}

func (b *Backend) rayGenKernel(symbol string) (RayGenFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.rayGens[symbol]
	return fn, ok
}

func (b *Backend) boundsKernel(symbol string) (BoundsFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.bounds[symbol]
	return fn, ok
}
