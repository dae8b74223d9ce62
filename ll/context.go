// Package ll implements a handle-based ray-tracing resource registry on top
// of a backend.Backend.
//
// Callers describe a scene with small integer IDs per resource kind
// (buffers, modules, ray-gen and miss programs, geometry types, geometries,
// groups and launch parameter blocks). The Context replicates every resource
// on each of its devices, builds acceleration structures bottom-up, lays out
// shader binding table records and issues launches.
//
// A Context is single-writer: mutating calls must not run concurrently with
// each other or with getters. Getters may run concurrently with each other.
package ll

import (
	"sync"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/log"
)

type Options struct {
	// Backend device ordinals to use; empty selects every device.
	Devices []int

	// Number of ray types. Defaults to 1.
	RayTypeCount int

	// Maximum nesting of instance groups. Defaults to 1.
	MaxInstancingDepth int

	// If true, building an instance group deeper than MaxInstancingDepth
	// fails with InstancingDepthExceeded; otherwise a warning is logged.
	ValidateInstancingDepth bool

	// Maximum number of devices driven concurrently by operations that run
	// on every device; 0 means one goroutine per device.
	Parallelism int
}

// Get the default context options.
func DefaultOptions() Options {
	return Options{
		RayTypeCount:            1,
		MaxInstancingDepth:      1,
		ValidateInstancingDepth: true,
	}
}

// The context owns every resource table and every device allocation.
type Context struct {
	logger  log.Logger
	backend backend.Backend
	opts    Options

	devices []*deviceState

	rayTypeCount       int
	maxInstancingDepth int

	buffers      table[buffer]
	modules      table[moduleEntry]
	rayGens      table[program]
	missProgs    table[program]
	geomTypes    table[geomType]
	geoms        table[geom]
	groups       table[group]
	launchParams table[launchParams]

	// Hit record slots handed out to geometry groups.
	sbtSlots rangeAllocator

	pipeline perDevice[backend.Pipeline]
	sbt      perDevice[*deviceSBT]

	// Failing getters record errors too, and getters may run concurrently.
	errMu   sync.Mutex
	lastErr error

	poisoned error
	closed   bool
}

// Create a new context. Every selected device is opened and given a default
// stream used by synchronous launches.
func NewContext(b backend.Backend, opts Options) (*Context, error) {
	const op = "NewContext"

	if opts.RayTypeCount == 0 {
		opts.RayTypeCount = 1
	}
	if opts.MaxInstancingDepth == 0 {
		opts.MaxInstancingDepth = 1
	}
	if opts.RayTypeCount < 0 || opts.MaxInstancingDepth < 0 || opts.Parallelism < 0 {
		return nil, errorf(InvalidArgument, op, "ray type count, instancing depth and parallelism must be positive")
	}

	infos, err := b.Devices()
	if err != nil {
		return nil, &Error{Code: BackendFailure, Op: op, msg: "could not enumerate devices", Err: err}
	}

	ordinals := opts.Devices
	if len(ordinals) == 0 {
		for _, info := range infos {
			ordinals = append(ordinals, info.Ordinal)
		}
	}
	if len(ordinals) == 0 {
		return nil, errorf(InvalidState, op, "backend %q exposes no devices", b.Name())
	}

	c := &Context{
		logger:             log.New("ll context"),
		backend:            b,
		opts:               opts,
		rayTypeCount:       opts.RayTypeCount,
		maxInstancingDepth: opts.MaxInstancingDepth,
		buffers:            newTable[buffer]("buffer"),
		modules:            newTable[moduleEntry]("module"),
		rayGens:            newTable[program]("ray-gen program"),
		missProgs:          newTable[program]("miss program"),
		geomTypes:          newTable[geomType]("geometry type"),
		geoms:              newTable[geom]("geometry"),
		groups:             newTable[group]("group"),
		launchParams:       newTable[launchParams]("launch params"),
	}

	seen := make(map[int]bool)
	for id, ordinal := range ordinals {
		if seen[ordinal] {
			c.closeDevices()
			return nil, errorf(InvalidArgument, op, "device ordinal %d selected twice", ordinal)
		}
		seen[ordinal] = true

		dev, err := b.Open(ordinal)
		if err != nil {
			c.closeDevices()
			return nil, &Error{Code: BackendFailure, Op: op, msg: "could not open device", Err: err}
		}
		stream, err := dev.NewStream()
		if err != nil {
			dev.Close()
			c.closeDevices()
			return nil, &Error{Code: BackendFailure, Op: op, msg: "could not create default stream", Err: err}
		}

		info := dev.Info()
		c.devices = append(c.devices, &deviceState{
			id:     id,
			info:   info,
			dev:    dev,
			stream: stream,
			stats:  DeviceStats{Device: info},
		})
	}

	c.pipeline = make(perDevice[backend.Pipeline], len(c.devices))
	c.sbt = make(perDevice[*deviceSBT], len(c.devices))
	for id := range c.sbt {
		c.sbt[id] = &deviceSBT{}
	}

	c.logger.Noticef("created context on %d device(s) using the %s backend", len(c.devices), b.Name())
	return c, nil
}

func (c *Context) closeDevices() {
	for _, d := range c.devices {
		if d.stream != nil {
			d.stream.Close()
		}
		if err := d.dev.Close(); err != nil {
			c.logger.Warningf("could not close %s: %v", d.info, err)
		}
	}
	c.devices = nil
}

// Release every resource and close all devices.
func (c *Context) Close() error {
	if c.closed {
		return c.track(errorf(InvalidState, "Close", "context already closed"))
	}

	c.launchParams.alloc(0, c.destroyLaunchParams)
	c.groups.alloc(0, c.destroyGroup)
	c.geoms.alloc(0, c.destroyGeom)
	c.geomTypes.alloc(0, nil)
	c.rayGens.alloc(0, nil)
	c.missProgs.alloc(0, nil)
	c.modules.alloc(0, c.destroyModule)
	c.buffers.alloc(0, c.destroyBuffer)
	c.releaseSBT()
	c.releasePipeline()

	c.closeDevices()
	c.closed = true
	c.logger.Noticef("context closed")
	return nil
}

// Number of devices in the context.
func (c *Context) DeviceCount() int {
	return len(c.devices)
}

// Information about a context device.
func (c *Context) DeviceInfo(deviceID int) (backend.DeviceInfo, error) {
	d, err := c.device("DeviceInfo", deviceID)
	if err != nil {
		return backend.DeviceInfo{}, c.track(err)
	}
	return d.info, nil
}

// The diagnostic of the most recent failing call; empty if no call failed.
func (c *Context) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.lastErr == nil {
		return ""
	}
	return c.lastErr.Error()
}

// Number of ray types.
func (c *Context) RayTypeCount() int {
	return c.rayTypeCount
}

// Set the number of ray types. Only allowed before any group is created
// since group SBT offsets are scaled by the ray type count.
func (c *Context) SetRayTypeCount(n int) error {
	const op = "SetRayTypeCount"
	if err := c.begin(op); err != nil {
		return err
	}
	if n < 1 {
		return c.track(errorf(InvalidArgument, op, "ray type count must be at least 1; got %d", n))
	}
	if c.groups.count() != 0 {
		return c.track(errorf(InvalidState, op, "ray type count cannot change once groups exist"))
	}
	c.rayTypeCount = n
	c.logger.Debugf("ray type count set to %d", n)
	return nil
}

// Maximum instancing depth.
func (c *Context) MaxInstancingDepth() int {
	return c.maxInstancingDepth
}

// Set the maximum instancing depth. A depth of 1 allows a single level of
// instance groups over geometry groups.
func (c *Context) SetMaxInstancingDepth(depth int) error {
	const op = "SetMaxInstancingDepth"
	if err := c.begin(op); err != nil {
		return err
	}
	if depth < 1 {
		return c.track(errorf(InvalidArgument, op, "max instancing depth must be at least 1; got %d", depth))
	}
	c.maxInstancingDepth = depth
	return nil
}

// Record a failure so LastError can report it.
func (c *Context) track(err error) error {
	if err != nil {
		c.errMu.Lock()
		c.lastErr = err
		c.errMu.Unlock()
		c.logger.Debugf("%v", err)
	}
	return err
}

// Check that a mutating operation may run.
func (c *Context) begin(op string) error {
	if c.closed {
		return c.track(errorf(InvalidState, op, "context closed"))
	}
	if c.poisoned != nil {
		return c.track(&Error{Code: InvalidState, Op: op, msg: "context devices are out of sync", Err: c.poisoned})
	}
	return nil
}

// Mark the context unusable after an operation mutated some devices but
// not others.
func (c *Context) poison(err error) {
	c.poisoned = err
	c.logger.Errorf("devices are out of sync; context is no longer usable: %v", err)
}

func (c *Context) device(op string, deviceID int) (*deviceState, error) {
	if deviceID < 0 || deviceID >= len(c.devices) {
		return nil, errorf(InvalidArgument, op, "device ID %d out of range [0, %d)", deviceID, len(c.devices))
	}
	return c.devices[deviceID], nil
}

// Validate a table size.
func checkCount(op string, n int) error {
	if n < 0 {
		return errorf(InvalidArgument, op, "count must not be negative; got %d", n)
	}
	return nil
}
