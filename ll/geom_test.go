package ll

import (
	"testing"

	"github.com/achilleasa/raygraph/types"
)

func unitBox(deviceID, geomID, primID int) types.Box3 {
	return types.Box3{
		Min: types.XYZ(float32(primID), 0, 0),
		Max: types.XYZ(float32(primID)+1, 1, 1),
	}
}

func TestBoundsSources(t *testing.T) {
	c, _ := newTestContext(t, 1, Options{})
	buildTestModule(t, c)
	c.AllocGeomTypes(2)
	c.GeomTypeCreate(0, 0)
	c.GeomTypeCreate(1, 0)
	c.GeomTypeBoundsProgDevice(1, 0, "sphere", 0)
	c.AllocBuffers(1)
	c.DeviceBufferCreate(0, 24, 4, nil)
	c.AllocGeoms(3)
	c.UserGeomCreate(0, 0, 4)
	c.UserGeomCreate(1, 1, 4)
	c.TrianglesGeomCreate(2, 0)

	type spec struct {
		fn      func() error
		expCode ErrorCode
	}
	specs := []spec{
		{func() error { return c.UserGeomSetBoundsBuffer(0, 0) }, Success},
		{func() error { return c.UserGeomSetBoundsBuffer(0, 0) }, ConflictingBoundsSource},
		{func() error { return c.UserGeomSetBoundsCallback(0, unitBox) }, ConflictingBoundsSource},
		{func() error { return c.UserGeomUseBoundsProgram(0) }, ConflictingBoundsSource},
		{func() error { return c.UserGeomUseBoundsProgram(1) }, Success},
		{func() error { return c.UserGeomSetBoundsBuffer(1, 0) }, ConflictingBoundsSource},
		{func() error { return c.UserGeomSetBoundsCallback(2, unitBox) }, InvalidArgument},
		{func() error { return c.UserGeomSetBoundsCallback(1, nil) }, InvalidArgument},
		{func() error { return c.UserGeomSetPrimCount(0, -1) }, InvalidArgument},
		{func() error { return c.UserGeomSetPrimCount(0, 2) }, Success},
	}

	for index, s := range specs {
		if got := CodeOf(s.fn()); got != s.expCode {
			t.Fatalf("[spec %d] expected code %q; got %q", index, s.expCode, got)
		}
	}

	// The conflicting calls left the original binding in place.
	if got := c.geoms.slots[0].bounds.kind; got != boundsFromBuffer {
		t.Fatalf("expected geometry 0 to keep its bounds buffer; got %s", got)
	}

	// A recreated geometry starts without a bounds source.
	if err := c.UserGeomCreate(0, 0, 4); err != nil {
		t.Fatal(err)
	}
	if err := c.UserGeomSetBoundsCallback(0, unitBox); err != nil {
		t.Fatal(err)
	}
}

func TestBoundsProgramRequiresTypeProgram(t *testing.T) {
	c, _ := newTestContext(t, 1, Options{})
	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 0)
	c.AllocGeoms(1)
	c.UserGeomCreate(0, 0, 1)

	expCode(t, c.UserGeomUseBoundsProgram(0), InvalidState)
}

func TestTriangleArrays(t *testing.T) {
	c, _ := newTestContext(t, 1, Options{})
	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 0)
	c.AllocBuffers(2)
	c.DeviceBufferCreate(0, 12, 4, nil)
	c.DeviceBufferCreate(1, 12, 2, nil)
	c.AllocGeoms(2)
	c.TrianglesGeomCreate(0, 0)
	c.UserGeomCreate(1, 0, 1)

	type spec struct {
		fn      func() error
		expCode ErrorCode
	}
	specs := []spec{
		{func() error { return c.TrianglesGeomSetVertexBuffer(0, 0, 4, 0, 0) }, Success},
		{func() error { return c.TrianglesGeomSetVertexBuffer(0, 0, 3, 16, 0) }, Success},
		{func() error { return c.TrianglesGeomSetVertexBuffer(0, 0, 4, 12, 4) }, InvalidArgument},
		{func() error { return c.TrianglesGeomSetVertexBuffer(0, 0, 2, 8, 0) }, InvalidArgument},
		{func() error { return c.TrianglesGeomSetVertexBuffer(0, 2, 1, 0, 0) }, InvalidHandle},
		{func() error { return c.TrianglesGeomSetVertexBuffer(1, 0, 1, 0, 0) }, InvalidArgument},
		{func() error { return c.TrianglesGeomSetIndexBuffer(0, 1, 2, 0, 0) }, Success},
		{func() error { return c.TrianglesGeomSetIndexBuffer(0, 1, 3, 0, 0) }, InvalidArgument},
	}

	for index, s := range specs {
		if got := CodeOf(s.fn()); got != s.expCode {
			t.Fatalf("[spec %d] expected code %q; got %q", index, s.expCode, got)
		}
	}
}

func TestGeomTypeRecreate(t *testing.T) {
	c, _ := newTestContext(t, 1, Options{})
	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 8)
	c.AllocGeoms(1)

	expCode(t, c.UserGeomCreate(0, 1, 1), InvalidHandle)
	if err := c.UserGeomCreate(0, 0, 1); err != nil {
		t.Fatal(err)
	}
	expCode(t, c.GeomTypeCreate(0, 16), InvalidState)

	// The table cannot be replaced under a live geometry either.
	expCode(t, c.AllocGeomTypes(1), InvalidState)
	if err := c.GeomTypeCreate(0, 64); err == nil {
		t.Fatal("expected the payload size of a referenced type to stay fixed")
	}

	// Once nothing references the type it may be recreated.
	c.AllocGeoms(0)
	if err := c.AllocGeomTypes(1); err != nil {
		t.Fatal(err)
	}
	if err := c.GeomTypeCreate(0, 16); err != nil {
		t.Fatal(err)
	}
	c.AllocGeoms(1)
	if err := c.UserGeomCreate(0, 0, 1); err != nil {
		t.Fatal(err)
	}
	c.AllocGeoms(0)
	if err := c.GeomTypeCreate(0, 32); err != nil {
		t.Fatalf("expected the reference count to drop back to zero; got %v", err)
	}
}
