package backend

import (
	"encoding/binary"
	"math"

	"github.com/achilleasa/raygraph/types"
)

// Binary layout sizes in bytes.
const (
	SBTRecordHeaderSize = 32
	SBTRecordAlignment  = 16

	// min xyz + max xyz as float32.
	AABBSize = 24

	// row-major 3x4 float32 transform, 4 uint32 fields, traversable handle, 2 pad words.
	InstanceSize = 80

	// Packed float32 vertex and int32 index triples.
	VertexSize = 12
	IndexSize  = 12
)

// Size of an SBT record holding dataSize bytes of payload after the header.
func SBTRecordSize(dataSize int) int {
	size := SBTRecordHeaderSize + dataSize
	return (size + SBTRecordAlignment - 1) / SBTRecordAlignment * SBTRecordAlignment
}

// Instance flags.
const (
	InstanceFlagNone uint32 = 0
)

// A top-level instance in the backend's native layout.
type Instance struct {
	// Row-major 3x4 object-to-world transform.
	Transform      [12]float32
	InstanceID     uint32
	SBTOffset      uint32
	VisibilityMask uint32
	Flags          uint32
	Traversable    TraversableHandle
}

// Encode the instance into dst which must be at least InstanceSize bytes long.
func (inst *Instance) Encode(dst []byte) {
	for i, v := range inst.Transform {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(dst[48:], inst.InstanceID)
	binary.LittleEndian.PutUint32(dst[52:], inst.SBTOffset)
	binary.LittleEndian.PutUint32(dst[56:], inst.VisibilityMask)
	binary.LittleEndian.PutUint32(dst[60:], inst.Flags)
	binary.LittleEndian.PutUint64(dst[64:], uint64(inst.Traversable))
	for i := 72; i < InstanceSize; i++ {
		dst[i] = 0
	}
}

// Decode an instance encoded with Encode.
func DecodeInstance(src []byte) Instance {
	var inst Instance
	for i := range inst.Transform {
		inst.Transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	inst.InstanceID = binary.LittleEndian.Uint32(src[48:])
	inst.SBTOffset = binary.LittleEndian.Uint32(src[52:])
	inst.VisibilityMask = binary.LittleEndian.Uint32(src[56:])
	inst.Flags = binary.LittleEndian.Uint32(src[60:])
	inst.Traversable = TraversableHandle(binary.LittleEndian.Uint64(src[64:]))
	return inst
}

// Encode a box into dst which must be at least AABBSize bytes long.
func EncodeAABB(dst []byte, box types.Box3) {
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint32(dst[axis*4:], math.Float32bits(box.Min[axis]))
		binary.LittleEndian.PutUint32(dst[12+axis*4:], math.Float32bits(box.Max[axis]))
	}
}

// Decode a box encoded with EncodeAABB.
func DecodeAABB(src []byte) types.Box3 {
	var box types.Box3
	for axis := 0; axis < 3; axis++ {
		box.Min[axis] = math.Float32frombits(binary.LittleEndian.Uint32(src[axis*4:]))
		box.Max[axis] = math.Float32frombits(binary.LittleEndian.Uint32(src[12+axis*4:]))
	}
	return box
}

// Decode a packed float32 triple.
func DecodeVec3(src []byte) types.Vec3 {
	return types.Vec3{
		math.Float32frombits(binary.LittleEndian.Uint32(src[0:])),
		math.Float32frombits(binary.LittleEndian.Uint32(src[4:])),
		math.Float32frombits(binary.LittleEndian.Uint32(src[8:])),
	}
}

// Encode a slice of vectors as packed float32 triples.
func EncodeVec3s(vecs []types.Vec3) []byte {
	out := make([]byte, len(vecs)*VertexSize)
	for i, v := range vecs {
		for axis := 0; axis < 3; axis++ {
			binary.LittleEndian.PutUint32(out[i*VertexSize+axis*4:], math.Float32bits(v[axis]))
		}
	}
	return out
}

// Encode a slice of index triples as packed int32 triples.
func EncodeIndices(tris [][3]int32) []byte {
	out := make([]byte, len(tris)*IndexSize)
	for i, tri := range tris {
		for j := 0; j < 3; j++ {
			binary.LittleEndian.PutUint32(out[i*IndexSize+j*4:], uint32(tri[j]))
		}
	}
	return out
}

// Encode float32 values in little-endian order.
func EncodeFloat32s(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Encode int32 values in little-endian order.
func EncodeInt32s(vals []int32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

// Decode little-endian float32 values.
func DecodeFloat32s(src []byte) []float32 {
	out := make([]float32, len(src)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return out
}
