package backend

import (
	"testing"

	"github.com/achilleasa/raygraph/types"
)

func TestSBTRecordSize(t *testing.T) {
	type spec struct {
		dataSize int
		expSize  int
	}
	specs := []spec{
		{0, 32},
		{1, 48},
		{16, 48},
		{17, 64},
		{32, 64},
	}

	for index, s := range specs {
		if got := SBTRecordSize(s.dataSize); got != s.expSize {
			t.Fatalf("[spec %d] expected record size %d; got %d", index, s.expSize, got)
		}
	}
}

func TestInstanceEncoding(t *testing.T) {
	inst := Instance{
		Transform:      types.AffineTranslate(types.Vec3{1, 2, 3}).RowMajor3x4(),
		InstanceID:     7,
		SBTOffset:      4,
		VisibilityMask: 0xff,
		Traversable:    0xdeadbeef00,
	}

	buf := make([]byte, InstanceSize)
	for i := range buf {
		buf[i] = 0xaa
	}
	inst.Encode(buf)

	for i := 72; i < InstanceSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("expected padding byte %d to be cleared; got %x", i, buf[i])
		}
	}

	if got := DecodeInstance(buf); got != inst {
		t.Fatalf("expected decoded instance %+v; got %+v", inst, got)
	}
}

func TestAABBEncoding(t *testing.T) {
	box := types.Box3{Min: types.Vec3{-1, -2, -3}, Max: types.Vec3{4, 5, 6}}
	buf := make([]byte, AABBSize)
	EncodeAABB(buf, box)

	if got := DecodeAABB(buf); got != box {
		t.Fatalf("expected decoded box %v; got %v", box, got)
	}

	floats := DecodeFloat32s(buf)
	exp := []float32{-1, -2, -3, 4, 5, 6}
	for i := range exp {
		if floats[i] != exp[i] {
			t.Fatalf("expected float %d to be %f; got %f", i, exp[i], floats[i])
		}
	}
}
