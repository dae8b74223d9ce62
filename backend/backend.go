// Package backend defines the capability a ray-tracing device backend must
// provide: device enumeration, memory allocation, module compilation, program
// objects, acceleration structure builds and asynchronous launches on
// per-device streams.
//
// All handles returned by a backend are opaque. Device pointers and
// traversable handles are only meaningful on the device that produced them,
// except for host-pinned and managed memory which is addressable from every
// device of the backend.
package backend

import "fmt"

// An address in a device's memory space.
type DevicePtr uint64

// An opaque handle to a built acceleration structure.
type TraversableHandle uint64

// Information about a device exposed by a backend.
type DeviceInfo struct {
	Ordinal      int
	Name         string
	ComputeUnits int
	ClockMHz     int

	// Total device memory in bytes; 0 if unbounded.
	MemoryBytes int64
}

// Implements Stringer.
func (d DeviceInfo) String() string {
	return fmt.Sprintf("device %d (%s)", d.Ordinal, d.Name)
}

// Speed estimate in GFlops.
func (d DeviceInfo) SpeedEstimate() float32 {
	return float32(d.ComputeUnits*d.ClockMHz) / 1000.0
}

type Backend interface {
	// Backend name.
	Name() string

	// Enumerate available devices.
	Devices() ([]DeviceInfo, error)

	// Open a device by ordinal.
	Open(ordinal int) (Device, error)

	// Allocate host-pinned memory that is visible to all devices.
	AllocHostPinned(size int) (Memory, error)

	// Allocate managed memory that is visible to all devices and migrated by
	// the backend.
	AllocManaged(size int) (Memory, error)
}

type Device interface {
	// Device information.
	Info() DeviceInfo

	// Allocate device-local memory.
	Alloc(size int) (Memory, error)

	// Compile module source. Compilation errors carry the compiler log.
	CompileModule(source string) (Module, error)

	// Combine intersect, closest-hit and any-hit programs into a hit group
	// program. Any of the arguments may be nil.
	CreateHitGroup(closestHit, anyHit, intersect Program) (Program, error)

	// Link programs into a pipeline that launches can use.
	CreatePipeline(programs []Program, opts PipelineOptions) (Pipeline, error)

	// Run a bounds program for numPrims primitives writing one AABB per
	// primitive to out.
	ComputeBounds(bounds Program, geomData []byte, numPrims int, out DevicePtr) error

	// Build an acceleration structure.
	BuildAccel(input BuildInput) (Accel, error)

	// Create a new execution stream.
	NewStream() (Stream, error)

	// Wait until all work queued on the device completes.
	Synchronize() error

	// Release device and all resources still allocated on it.
	Close() error
}

// A memory allocation.
type Memory interface {
	Addr() DevicePtr
	Size() int

	// Copy host data into the allocation starting at a byte offset.
	Write(offset int, src []byte) error

	// Copy allocation contents starting at a byte offset into dst.
	Read(offset int, dst []byte) error

	Free() error
}

// A compiled module.
type Module interface {
	// Resolve a program entry point by kind and name.
	Program(kind ProgramKind, name string) (Program, error)

	Release() error
}

// A program object that can be referenced from SBT records.
type Program interface {
	Kind() ProgramKind
	Name() string

	// Write the SBT record header for this program into dst which must be
	// at least SBTRecordHeaderSize bytes long.
	PackHeader(dst []byte) error
}

type PipelineOptions struct {
	// Maximum depth of the traversable graph (instance levels + 1).
	MaxTraversableDepth int
}

type Pipeline interface {
	Release() error
}

type Accel interface {
	Handle() TraversableHandle
	Size() int
	Release() error
}

type Stream interface {
	// Enqueue a 2D launch. The call returns as soon as the launch is queued.
	Launch2D(req LaunchRequest) error

	// Wait for all queued launches; returns the first launch error, if any.
	Synchronize() error

	Close() error
}

// A launch request.
type LaunchRequest struct {
	Pipeline Pipeline
	SBT      ShaderBindingTable

	// Launch parameter block; zero if the launch uses no parameters.
	Params     DevicePtr
	ParamsSize int

	Width  int
	Height int
}

// Device-side location of the SBT record arrays.
type ShaderBindingTable struct {
	RayGenRecord     DevicePtr
	RayGenRecordSize int

	MissRecordBase   DevicePtr
	MissRecordStride int
	MissRecordCount  int

	HitRecordBase   DevicePtr
	HitRecordStride int
	HitRecordCount  int
}

// Triangle mesh input for a bottom-level build. Vertices are packed float32
// triples, indices packed int32 triples; a zero Indices pointer selects
// non-indexed triangles (VertexCount / 3 of them).
type TriangleInput struct {
	Vertices     DevicePtr
	VertexCount  int
	VertexStride int

	Indices     DevicePtr
	IndexCount  int
	IndexStride int
}

// User primitive input for a bottom-level build.
type AABBInput struct {
	Bounds DevicePtr
	Count  int
}

// Instance array input for a top-level build.
type InstanceInput struct {
	Instances DevicePtr
	Count     int
}

// A build request. Exactly one of the three input kinds must be populated.
type BuildInput struct {
	Triangles []TriangleInput
	AABBs     []AABBInput
	Instances *InstanceInput
}
