package ll

import (
	"encoding/binary"
	"testing"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/backend/soft"
)

// Set up programs, a pipeline and ray-gen/miss records for a context with
// the test module compiled as module 0.
func setupPipeline(t *testing.T, c *Context, rgWriter RayGenWriter) {
	t.Helper()
	buildTestModule(t, c)
	c.AllocRayGens(1)
	c.AllocMissProgs(1)
	if err := c.RayGenCreate(0, 0, "fill", 4); err != nil {
		t.Fatal(err)
	}
	if err := c.MissProgCreate(0, 0, "background", 0); err != nil {
		t.Fatal(err)
	}
	if err := c.BuildPrograms(); err != nil {
		t.Fatal(err)
	}
	if err := c.CreatePipeline(); err != nil {
		t.Fatal(err)
	}
	if err := c.SbtRayGensBuild(rgWriter); err != nil {
		t.Fatal(err)
	}
	if err := c.SbtMissProgsBuild(nil); err != nil {
		t.Fatal(err)
	}
}

func putUint32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst, v)
}

func TestLaunch2D(t *testing.T) {
	const w, h = 4, 2
	c, b := newTestContext(t, 2, Options{})

	c.AllocBuffers(1)
	if err := c.ManagedBufferCreate(0, 4, 2*w*h, nil); err != nil {
		t.Fatal(err)
	}
	fb, _ := c.BufferGetPointer(0, 0)

	// Each device writes its record payload into its half of the frame buffer.
	b.RegisterRayGen("fill", func(ctx *soft.KernelContext, idx soft.LaunchIndex) error {
		offset := ctx.DeviceOrdinal()*w*h + idx.X + idx.Y*idx.Width
		return ctx.Store(fb+backend.DevicePtr(offset*4), idx.Record[:4])
	})

	setupPipeline(t, c, func(record []byte, deviceID, rayGenID int) {
		if len(record) != 4 {
			t.Fatalf("expected a 4-byte record payload; got %d", len(record))
		}
		putUint32(record, uint32(100+deviceID))
	})

	if err := c.Launch2D(0, w, h); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 2*w*h*4)
	c.BufferDownload(0, 0, data)
	for i := 0; i < 2*w*h; i++ {
		exp := uint32(100 + i/(w*h))
		if got := binary.LittleEndian.Uint32(data[i*4:]); got != exp {
			t.Fatalf("expected pixel %d to be %d; got %d", i, exp, got)
		}
	}
	for devID, s := range c.Stats() {
		if s.Launches != 1 {
			t.Fatalf("expected one launch on device %d; got %d", devID, s.Launches)
		}
	}
}

func TestParamsLaunch2D(t *testing.T) {
	c, b := newTestContext(t, 2, Options{})

	c.AllocBuffers(1)
	c.ManagedBufferCreate(0, 4, 2, nil)
	fb, _ := c.BufferGetPointer(0, 0)

	// Params hold a value the kernel accumulates into the device slot.
	b.RegisterRayGen("fill", func(ctx *soft.KernelContext, idx soft.LaunchIndex) error {
		addr := fb + backend.DevicePtr(ctx.DeviceOrdinal()*4)
		var cur [4]byte
		if err := ctx.Load(addr, cur[:]); err != nil {
			return err
		}
		putUint32(cur[:], binary.LittleEndian.Uint32(cur[:])+binary.LittleEndian.Uint32(idx.Params))
		return ctx.Store(addr, cur[:])
	})
	setupPipeline(t, c, nil)

	c.AllocLaunchParams(1)
	if err := c.LaunchParamsCreate(0, 4); err != nil {
		t.Fatal(err)
	}
	s0, _ := c.LaunchParamsGetStream(0, 0)
	s1, _ := c.LaunchParamsGetStream(0, 1)
	if s0 == nil || s1 == nil || s0 == s1 {
		t.Fatal("expected a distinct stream per device")
	}

	for launch := 1; launch <= 3; launch++ {
		err := c.ParamsLaunch2D(0, 0, 1, 1, func(params []byte, deviceID int) {
			putUint32(params, uint32(launch*(deviceID+1)))
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := c.LaunchParamsSync(0); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 8)
	c.BufferDownload(0, 0, data)
	if got := binary.LittleEndian.Uint32(data); got != 6 {
		t.Fatalf("expected device 0 to accumulate 6; got %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[4:]); got != 12 {
		t.Fatalf("expected device 1 to accumulate 12; got %d", got)
	}
}

func TestLaunchErrors(t *testing.T) {
	c, b := newTestContext(t, 1, Options{})
	buildTestModule(t, c)
	c.AllocRayGens(1)
	c.RayGenCreate(0, 0, "fill", 0)
	c.AllocLaunchParams(1)

	type spec struct {
		fn      func() error
		expCode ErrorCode
	}
	specs := []spec{
		{func() error { return c.Launch2D(0, 0, 1) }, InvalidArgument},
		{func() error { return c.Launch2D(1, 1, 1) }, InvalidHandle},
		{func() error { return c.Launch2D(0, 1, 1) }, InvalidState},
		{func() error { return c.CreatePipeline() }, Success},
		{func() error { return c.Launch2D(0, 1, 1) }, InvalidState},
		{func() error { return c.ParamsLaunch2D(0, 0, 1, 1, nil) }, UnknownResource},
		{func() error { return c.LaunchParamsCreate(0, -1) }, InvalidArgument},
		{func() error { return c.SbtRayGensBuild(nil) }, Success},
		// No kernel is registered for the program.
		{func() error { return c.Launch2D(0, 1, 1) }, BackendFailure},
	}

	for index, s := range specs {
		if got := CodeOf(s.fn()); got != s.expCode {
			t.Fatalf("[spec %d] expected code %q; got %q (%s)", index, s.expCode, got, c.LastError())
		}
	}

	s := c.Stats()[0]
	if s.Launches != 0 || s.LaunchFailures != 1 {
		t.Fatalf("expected 0 launches and 1 failure; got %d launches and %d failures", s.Launches, s.LaunchFailures)
	}

	b.RegisterRayGen("fill", func(*soft.KernelContext, soft.LaunchIndex) error { return nil })
	if err := c.Launch2D(0, 1, 1); err != nil {
		t.Fatal(err)
	}
	s = c.Stats()[0]
	if s.Launches != 1 || s.LaunchFailures != 1 {
		t.Fatalf("expected 1 launch and 1 failure; got %d launches and %d failures", s.Launches, s.LaunchFailures)
	}
}

func TestHitRecords(t *testing.T) {
	const rayTypes = 2
	c, b := newTestContext(t, 2, Options{RayTypeCount: rayTypes})
	setupQuad(t, c)
	c.AllocGeoms(3)
	c.GeomTypeCreate(0, 4)
	for geomID := 0; geomID < 3; geomID++ {
		c.TrianglesGeomCreate(geomID, 0)
		c.TrianglesGeomSetVertexBuffer(geomID, 0, 4, 0, 0)
	}
	c.AllocGroups(3)
	c.TrianglesGeomGroupCreate(0, []int{0})
	c.TrianglesGeomGroupCreate(1, []int{1, 2})
	c.TrianglesGeomGroupCreate(2, []int{2})
	c.GroupAccelBuild(0)
	c.GroupAccelBuild(1)

	type hitKey struct{ device, geom, rayType int }
	seen := make(map[hitKey]int)
	hitWriter := func(record []byte, deviceID, geomID, rayType int) {
		seen[hitKey{deviceID, geomID, rayType}]++
		putUint32(record, uint32(geomID*10+rayType))
	}

	// Hit groups have not been created.
	expCode(t, c.SbtHitProgsBuild(hitWriter), InvalidState)

	// The ray-gen kernel copies every hit record payload into a frame buffer.
	c.ManagedBufferCreate(2, 4, 2*3*rayTypes, nil)
	fb, _ := c.BufferGetPointer(2, 0)
	b.RegisterRayGen("fill", func(ctx *soft.KernelContext, idx soft.LaunchIndex) error {
		rec, err := ctx.HitRecord(idx.X)
		if err != nil {
			return err
		}
		return ctx.Store(fb+backend.DevicePtr((ctx.DeviceOrdinal()*idx.Width+idx.X)*4), rec[:4])
	})

	setupPipeline(t, c, nil)
	if err := c.SbtHitProgsBuild(hitWriter); err != nil {
		t.Fatal(err)
	}

	// Group 2 is not built so geometry 2 gets records through group 1 only.
	for devID := 0; devID < 2; devID++ {
		for geomID := 0; geomID < 3; geomID++ {
			for rayType := 0; rayType < rayTypes; rayType++ {
				if n := seen[hitKey{devID, geomID, rayType}]; n != 1 {
					t.Fatalf("expected one callback for device %d, geometry %d, ray type %d; got %d", devID, geomID, rayType, n)
				}
			}
		}
	}

	if err := c.Launch2D(0, 3*rayTypes, 1); err != nil {
		t.Fatal(err)
	}

	// Slots: group 0 -> [0], group 1 -> [1, 2]; record index = slot*rayTypes + rayType.
	expPayloads := []uint32{0, 1, 10, 11, 20, 21}
	data := make([]byte, 2*len(expPayloads)*4)
	c.BufferDownload(2, 0, data)
	for devID := 0; devID < 2; devID++ {
		for i, exp := range expPayloads {
			if got := binary.LittleEndian.Uint32(data[(devID*len(expPayloads)+i)*4:]); got != exp {
				t.Fatalf("expected hit record %d on device %d to hold %d; got %d", i, devID, exp, got)
			}
		}
	}
}
