package soft

import (
	"fmt"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/types"
)

// A kernel executed for every launch index of a 2D launch.
type RayGenFunc func(ctx *KernelContext, idx LaunchIndex) error

// A kernel that computes the bounds of a single primitive.
type BoundsFunc func(ctx *KernelContext, geomData []byte, primID int) (types.Box3, error)

// The launch index and the inputs visible to a ray-gen kernel.
type LaunchIndex struct {
	X, Y          int
	Width, Height int

	// Ray-gen record payload (the bytes following the record header).
	Record []byte

	// Snapshot of the launch parameter block taken when the launch started.
	Params []byte
}

// Gives kernels access to device memory and launch state.
type KernelContext struct {
	dev *device

	// The SBT the launch was issued with; zero for bounds kernels.
	SBT backend.ShaderBindingTable
}

// The ordinal of the device executing the kernel.
func (k *KernelContext) DeviceOrdinal() int {
	return k.dev.info.Ordinal
}

// Copy len(dst) bytes from device memory.
func (k *KernelContext) Load(ptr backend.DevicePtr, dst []byte) error {
	src, err := k.dev.resolve(ptr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Copy src to device memory.
func (k *KernelContext) Store(ptr backend.DevicePtr, src []byte) error {
	dst, err := k.dev.resolve(ptr, len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Load a packed float32 triple.
func (k *KernelContext) LoadVec3(ptr backend.DevicePtr) (types.Vec3, error) {
	var buf [backend.VertexSize]byte
	if err := k.Load(ptr, buf[:]); err != nil {
		return types.Vec3{}, err
	}
	return backend.DecodeVec3(buf[:]), nil
}

// Load the payload of the miss record at index.
func (k *KernelContext) MissRecord(index int) ([]byte, error) {
	return k.record(k.SBT.MissRecordBase, k.SBT.MissRecordStride, k.SBT.MissRecordCount, index)
}

// Load the payload of the hit record at index.
func (k *KernelContext) HitRecord(index int) ([]byte, error) {
	return k.record(k.SBT.HitRecordBase, k.SBT.HitRecordStride, k.SBT.HitRecordCount, index)
}

func (k *KernelContext) record(base backend.DevicePtr, stride, count, index int) ([]byte, error) {
	if index < 0 || index >= count {
		return nil, fmt.Errorf("soft device (%s): record index %d out of range [0, %d)", k.dev.info.Name, index, count)
	}
	rec := make([]byte, stride)
	if err := k.Load(base+backend.DevicePtr(index*stride), rec); err != nil {
		return nil, err
	}
	return rec[backend.SBTRecordHeaderSize:], nil
}
