package ll

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/backend/soft"
	"github.com/achilleasa/raygraph/types"
)

// Set up a triangle geometry holding a unit quad as geometry 0. Buffer
// slot 2 is left free.
func setupQuad(t *testing.T, c *Context) {
	t.Helper()
	verts := backend.EncodeVec3s([]types.Vec3{
		types.XYZ(0, 0, 0), types.XYZ(1, 0, 0), types.XYZ(1, 1, 0), types.XYZ(0, 1, 0),
	})
	indices := backend.EncodeIndices([][3]int32{{0, 1, 2}, {0, 2, 3}})

	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 0)
	c.AllocBuffers(3)
	if err := c.DeviceBufferCreate(0, backend.VertexSize, 4, verts); err != nil {
		t.Fatal(err)
	}
	if err := c.DeviceBufferCreate(1, backend.IndexSize, 2, indices); err != nil {
		t.Fatal(err)
	}
	c.AllocGeoms(1)
	c.TrianglesGeomCreate(0, 0)
	if err := c.TrianglesGeomSetVertexBuffer(0, 0, 4, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.TrianglesGeomSetIndexBuffer(0, 1, 2, 0, 0); err != nil {
		t.Fatal(err)
	}
}

func expState(t *testing.T, c *Context, groupID int, exp GroupState) {
	t.Helper()
	state, err := c.GroupGetState(groupID)
	if err != nil {
		t.Fatal(err)
	}
	if state != exp {
		t.Fatalf("expected group %d to be %s; got %s", groupID, exp, state)
	}
}

func TestTrianglesGroupBuild(t *testing.T) {
	c, _ := newTestContext(t, 2, Options{})
	setupQuad(t, c)
	c.AllocGroups(1)

	if err := c.TrianglesGeomGroupCreate(0, []int{-1}); err != nil {
		t.Fatal(err)
	}
	expCode(t, c.GroupAccelBuild(0), InvalidState)
	_, err := c.GroupGetTraversable(0, 0)
	expCode(t, err, InvalidState)

	if err = c.GeomGroupSetChild(0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err = c.GroupAccelBuild(0); err != nil {
		t.Fatal(err)
	}
	expState(t, c, 0, Built)

	h0, _ := c.GroupGetTraversable(0, 0)
	h1, _ := c.GroupGetTraversable(0, 1)
	if h0 == 0 || h1 == 0 || h0 == h1 {
		t.Fatalf("expected distinct per-device traversables; got 0x%x and 0x%x", h0, h1)
	}
	for devID, s := range c.Stats() {
		if s.AccelBuilds != 1 || s.AccelBytes == 0 {
			t.Fatalf("expected one accel build on device %d; got %+v", devID, s)
		}
	}

	// Membership changes mark the group stale; rebuilding releases the old accel.
	c.GeomGroupSetChild(0, 0, 0)
	expState(t, c, 0, Stale)
	bytesBefore := c.Stats()[0].AccelBytes
	if err = c.GroupAccelBuild(0); err != nil {
		t.Fatal(err)
	}
	expState(t, c, 0, Built)
	if got := c.Stats()[0].AccelBytes; got != bytesBefore {
		t.Fatalf("expected accel memory to stay at %d bytes after a rebuild; got %d", bytesBefore, got)
	}
}

func TestTrianglesGroupBuildWithoutVertices(t *testing.T) {
	c, _ := newTestContext(t, 1, Options{})
	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 0)
	c.AllocGeoms(1)
	c.TrianglesGeomCreate(0, 0)
	c.AllocGroups(1)
	c.TrianglesGeomGroupCreate(0, []int{0})

	expCode(t, c.GroupAccelBuild(0), InvalidState)
	expState(t, c, 0, Unbuilt)
}

func TestGroupMembership(t *testing.T) {
	c, _ := newTestContext(t, 1, Options{})
	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 0)
	c.AllocGeoms(2)
	c.TrianglesGeomCreate(0, 0)
	c.UserGeomCreate(1, 0, 1)
	c.AllocGroups(3)
	c.UserGeomGroupCreate(0, []int{1})
	c.InstanceGroupCreate(1, []int{0, -1})

	type spec struct {
		fn      func() error
		expCode ErrorCode
	}
	specs := []spec{
		{func() error { return c.TrianglesGeomGroupCreate(2, []int{0, 1}) }, InvalidArgument},
		{func() error { return c.UserGeomGroupCreate(2, []int{0}) }, InvalidArgument},
		{func() error { return c.UserGeomGroupCreate(2, []int{2}) }, InvalidHandle},
		{func() error { return c.InstanceGroupCreate(2, []int{2}) }, InvalidArgument},
		{func() error { return c.InstanceGroupCreate(2, []int{1, 0}) }, Success},
		{func() error { return c.InstanceGroupSetChild(1, 1, 1) }, InvalidArgument},
		{func() error { return c.InstanceGroupSetChild(1, 2, 0) }, InvalidArgument},
		{func() error { return c.InstanceGroupSetChild(0, 0, 1) }, InvalidArgument},
		{func() error { return c.GeomGroupSetChild(1, 0, 1) }, InvalidArgument},
		{func() error { return c.GeomGroupSetChild(0, 0, 0) }, InvalidArgument},
		{func() error { return c.InstanceGroupSetTransform(0, 0, types.AffineIdent()) }, InvalidArgument},
		{func() error { return c.InstanceGroupSetTransform(1, 1, types.AffineIdent()) }, Success},
	}

	for index, s := range specs {
		if got := CodeOf(s.fn()); got != s.expCode {
			t.Fatalf("[spec %d] expected code %q; got %q", index, s.expCode, got)
		}
	}
}

func TestUserGroupCallbackBounds(t *testing.T) {
	c, _ := newTestContext(t, 2, Options{})
	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 0)
	c.AllocGeoms(1)
	c.UserGeomCreate(0, 0, 3)
	c.AllocGroups(1)
	c.UserGeomGroupCreate(0, []int{0})

	// No bounds source yet.
	expCode(t, c.GroupAccelBuild(0), InvalidState)

	calls := 0
	c.UserGeomSetBoundsCallback(0, func(deviceID, geomID, primID int) types.Box3 {
		calls++
		return unitBox(deviceID, geomID, primID)
	})
	if err := c.GroupAccelBuild(0); err != nil {
		t.Fatal(err)
	}
	if calls != 3*2 {
		t.Fatalf("expected the bounds callback to run once per primitive per device; got %d calls", calls)
	}
	expState(t, c, 0, Built)

	// Changing the primitive count drops the computed bounds.
	c.UserGeomSetPrimCount(0, 5)
	if err := c.GroupAccelBuild(0); err != nil {
		t.Fatal(err)
	}
	if calls != 6+5*2 {
		t.Fatalf("expected bounds to be recomputed for 5 primitives; got %d calls", calls)
	}
}

func TestUserGroupBoundsBuffer(t *testing.T) {
	c, _ := newTestContext(t, 1, Options{})
	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 0)
	c.AllocBuffers(1)
	c.DeviceBufferCreate(0, backend.AABBSize, 2, nil)
	c.AllocGeoms(1)
	c.UserGeomCreate(0, 0, 3)
	c.UserGeomSetBoundsBuffer(0, 0)
	c.AllocGroups(1)
	c.UserGeomGroupCreate(0, []int{0})

	// The buffer holds 2 boxes but the geometry has 3 primitives.
	expCode(t, c.GroupAccelBuild(0), InvalidArgument)

	c.UserGeomSetPrimCount(0, 2)
	if err := c.GroupAccelBuild(0); err != nil {
		t.Fatal(err)
	}
}

func TestUserGroupProgramBounds(t *testing.T) {
	c, b := newTestContext(t, 2, Options{})
	buildTestModule(t, c)

	// The geometry data holds a sphere radius; primitive i sits at x = 10*i.
	b.RegisterBounds("sphere", func(_ *soft.KernelContext, geomData []byte, primID int) (types.Box3, error) {
		r := math.Float32frombits(binary.LittleEndian.Uint32(geomData))
		center := types.XYZ(float32(10*primID), 0, 0)
		return types.Box3{Min: center.Sub(types.XYZ(r, r, r)), Max: center.Add(types.XYZ(r, r, r))}, nil
	})

	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 0)
	c.GeomTypeBoundsProgDevice(0, 0, "sphere", 4)
	c.AllocGeoms(1)
	c.UserGeomCreate(0, 0, 4)
	c.UserGeomUseBoundsProgram(0)
	c.AllocGroups(1)
	c.UserGeomGroupCreate(0, []int{0})

	expCode(t, c.GroupAccelBuild(0), InvalidState)

	var calls []int
	writer := func(geomData []byte, deviceID, geomID, childID int) {
		calls = append(calls, deviceID)
		if geomID != 0 || childID != 0 {
			t.Fatalf("unexpected geometry %d / child %d", geomID, childID)
		}
		binary.LittleEndian.PutUint32(geomData, math.Float32bits(0.5))
	}

	expCode(t, c.GroupBuildPrimitiveBounds(0, 2, writer), InvalidArgument)
	if err := c.GroupBuildPrimitiveBounds(0, 4, writer); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0] != 0 || calls[1] != 1 {
		t.Fatalf("expected one data callback per device in device order; got %v", calls)
	}
	expState(t, c, 0, BoundsComputed)

	if err := c.GroupAccelBuild(0); err != nil {
		t.Fatal(err)
	}
	expState(t, c, 0, Built)
}

func TestInstanceGroupBuild(t *testing.T) {
	c, _ := newTestContext(t, 2, DefaultOptions())
	setupQuad(t, c)
	c.AllocGroups(3)
	c.TrianglesGeomGroupCreate(0, []int{0})
	c.InstanceGroupCreate(1, []int{0, 0})
	c.InstanceGroupCreate(2, []int{1})

	// Children must be built first.
	expCode(t, c.GroupAccelBuild(1), InvalidState)

	if err := c.GroupAccelBuild(0); err != nil {
		t.Fatal(err)
	}
	c.InstanceGroupSetTransform(1, 1, types.AffineTranslate(types.XYZ(5, 0, 0)))
	if err := c.GroupAccelBuild(1); err != nil {
		t.Fatal(err)
	}
	expState(t, c, 1, Built)

	// Instance of an instance group exceeds the default depth of 1.
	expCode(t, c.GroupAccelBuild(2), InstancingDepthExceeded)
	expState(t, c, 2, Unbuilt)

	if err := c.SetMaxInstancingDepth(2); err != nil {
		t.Fatal(err)
	}
	if err := c.GroupAccelBuild(2); err != nil {
		t.Fatal(err)
	}

	// A stale child can still be instanced.
	c.InstanceGroupSetTransform(1, 0, types.AffineScale(types.XYZ(2, 2, 2)))
	expState(t, c, 1, Stale)
	if err := c.GroupAccelBuild(2); err != nil {
		t.Fatal(err)
	}
}

func TestInstancingDepthWarning(t *testing.T) {
	c, _ := newTestContext(t, 1, Options{ValidateInstancingDepth: false})
	c.AllocGroups(3)
	c.UserGeomGroupCreate(0, nil)
	c.InstanceGroupCreate(1, []int{0})
	c.InstanceGroupCreate(2, []int{1})

	for id := 0; id < 3; id++ {
		if err := c.GroupAccelBuild(id); err != nil {
			t.Fatalf("group %d: %v", id, err)
		}
	}
}

func TestGroupSbtOffsets(t *testing.T) {
	c, _ := newTestContext(t, 1, Options{RayTypeCount: 2})
	c.AllocGeomTypes(1)
	c.GeomTypeCreate(0, 0)
	c.AllocGeoms(1)
	c.UserGeomCreate(0, 0, 1)
	c.AllocGroups(3)
	c.UserGeomGroupCreate(0, []int{0, 0})
	c.UserGeomGroupCreate(1, []int{0, 0, 0})
	c.InstanceGroupCreate(2, []int{0, 1})

	type spec struct {
		groupID   int
		expOffset int
	}
	specs := []spec{
		{0, 0},
		{1, 4},
		{2, 0},
	}
	for index, s := range specs {
		offset, err := c.GroupGetSbtOffset(s.groupID)
		if err != nil {
			t.Fatal(err)
		}
		if offset != s.expOffset {
			t.Fatalf("[spec %d] expected offset %d; got %d", index, s.expOffset, offset)
		}
	}

	// Recreating a group with fewer children reuses its slots.
	c.UserGeomGroupCreate(0, []int{0})
	if offset, _ := c.GroupGetSbtOffset(0); offset != 0 {
		t.Fatalf("expected recreated group to start at offset 0; got %d", offset)
	}
	_, err := c.GroupGetSbtOffset(3)
	expCode(t, err, InvalidHandle)
}
