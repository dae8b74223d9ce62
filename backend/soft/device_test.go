package soft

import (
	"errors"
	"strings"
	"testing"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/types"
)

const testModule = `
.version 7.0
// entry points
.entry __raygen__main {
}
.entry __miss__sky { }
.entry __closesthit__sphere {}
.entry __intersection__sphere {}
.entry __boundsFunc__sphere {}
`

func openTestDevice(t *testing.T, b *Backend, ordinal int) backend.Device {
	dev, err := b.Open(ordinal)
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

func TestCompileModule(t *testing.T) {
	type spec struct {
		source string
		expLog string
	}
	specs := []spec{
		{testModule, ""},
		{".entry __raygen__main {}", "expected .version directive"},
		{"", "expected .version directive"},
		{".version 7.0\n.entry __raygen__main {", "unclosed '{'"},
		{".version 7.0\n}", "unexpected '}'"},
		{".version 7.0\n.entry __miss__a {}\n.entry __miss__a {}", "duplicate entry point"},
	}

	b, _ := New(Options{})
	dev := openTestDevice(t, b, 0)
	defer dev.Close()

	for index, s := range specs {
		_, err := dev.CompileModule(s.source)
		if s.expLog == "" {
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", index, err)
			}
			continue
		}

		var compileErr *backend.CompileError
		if !errors.As(err, &compileErr) {
			t.Fatalf("[spec %d] expected a compile error; got %v", index, err)
		}
		if !strings.Contains(compileErr.Log, s.expLog) {
			t.Fatalf("[spec %d] expected compile log to contain %q; got %q", index, s.expLog, compileErr.Log)
		}
	}
}

func TestModulePrograms(t *testing.T) {
	b, _ := New(Options{})
	dev := openTestDevice(t, b, 0)
	defer dev.Close()

	mod, err := dev.CompileModule(testModule)
	if err != nil {
		t.Fatal(err)
	}

	rg, err := mod.Program(backend.RayGenProgram, "main")
	if err != nil {
		t.Fatal(err)
	}
	if rg.Name() != "__raygen__main" {
		t.Fatalf("expected program symbol %q; got %q", "__raygen__main", rg.Name())
	}

	if _, err = mod.Program(backend.MissProgram, "main"); !errors.Is(err, backend.ErrSymbolNotFound) {
		t.Fatalf("expected ErrSymbolNotFound; got %v", err)
	}

	header := make([]byte, backend.SBTRecordHeaderSize)
	if err = rg.PackHeader(header); err != nil {
		t.Fatal(err)
	}
	if string(header[:4]) != "SOFT" {
		t.Fatalf("expected header magic; got %q", header[:4])
	}

	ch, _ := mod.Program(backend.ClosestHitProgram, "sphere")
	is, _ := mod.Program(backend.IntersectionProgram, "sphere")
	hg, err := dev.CreateHitGroup(ch, nil, is)
	if err != nil {
		t.Fatal(err)
	}
	if hg.Kind() != backend.HitGroupProgram {
		t.Fatalf("expected a hit group program; got %s", hg.Kind())
	}

	// Kind mismatch
	if _, err = dev.CreateHitGroup(is, nil, nil); !errors.Is(err, backend.ErrInvalidProgram) {
		t.Fatalf("expected ErrInvalidProgram; got %v", err)
	}

	// Programs from another device
	other := openTestDevice(t, b, 0)
	defer other.Close()
	if _, err = other.CreatePipeline([]backend.Program{rg}, backend.PipelineOptions{MaxTraversableDepth: 1}); !errors.Is(err, backend.ErrInvalidProgram) {
		t.Fatalf("expected ErrInvalidProgram; got %v", err)
	}
}

func TestMemoryAddressing(t *testing.T) {
	b, _ := New(Options{Devices: 2, DeviceMemory: []int64{1024}})
	dev0 := openTestDevice(t, b, 0).(*device)
	dev1 := openTestDevice(t, b, 1).(*device)
	defer dev0.Close()
	defer dev1.Close()

	mem, err := dev0.Alloc(512)
	if err != nil {
		t.Fatal(err)
	}
	if err = mem.Write(500, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err = mem.Write(510, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected out of bounds write to fail")
	}

	if _, err = dev0.Alloc(1024); !errors.Is(err, backend.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	// Device pointers do not resolve on other devices
	if _, err = dev0.resolve(mem.Addr()+500, 3); err != nil {
		t.Fatal(err)
	}
	if _, err = dev1.resolve(mem.Addr()+500, 3); !errors.Is(err, backend.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress; got %v", err)
	}

	// Shared memory resolves everywhere
	pinned, err := b.AllocHostPinned(64)
	if err != nil {
		t.Fatal(err)
	}
	for _, dev := range []*device{dev0, dev1} {
		if _, err = dev.resolve(pinned.Addr(), 64); err != nil {
			t.Fatalf("expected shared memory to resolve on %s; got %v", dev.info, err)
		}
	}

	if err = mem.Free(); err != nil {
		t.Fatal(err)
	}
	if err = mem.Free(); !errors.Is(err, backend.ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased; got %v", err)
	}
	if _, err = dev0.resolve(mem.Addr(), 1); !errors.Is(err, backend.ErrInvalidAddress) {
		t.Fatalf("expected freed memory to stop resolving; got %v", err)
	}
}

func TestComputeBounds(t *testing.T) {
	b, _ := New(Options{})
	dev := openTestDevice(t, b, 0)
	defer dev.Close()

	mod, _ := dev.CompileModule(testModule)
	bounds, err := mod.Program(backend.BoundsProgram, "sphere")
	if err != nil {
		t.Fatal(err)
	}

	out, _ := dev.Alloc(3 * backend.AABBSize)
	if err = dev.ComputeBounds(bounds, nil, 3, out.Addr()); err == nil {
		t.Fatal("expected bounds without a registered kernel to fail")
	}

	b.RegisterBounds("sphere", func(ctx *KernelContext, geomData []byte, primID int) (types.Box3, error) {
		c := float32(primID) * 10
		r := float32(geomData[0])
		return types.Box3{Min: types.Vec3{c - r, -r, -r}, Max: types.Vec3{c + r, r, r}}, nil
	})
	if err = dev.ComputeBounds(bounds, []byte{2}, 3, out.Addr()); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, out.Size())
	out.Read(0, data)
	got := backend.DecodeAABB(data[2*backend.AABBSize:])
	exp := types.Box3{Min: types.Vec3{18, -2, -2}, Max: types.Vec3{22, 2, 2}}
	if got != exp {
		t.Fatalf("expected primitive 2 bounds %v; got %v", exp, got)
	}
}

func TestBuildAccel(t *testing.T) {
	b, _ := New(Options{})
	dev := openTestDevice(t, b, 0).(*device)
	defer dev.Close()

	verts := backend.EncodeVec3s([]types.Vec3{
		{0, 0, 0}, {1, 0, 0}, {0, 1, 0},
		{4, 0, 0}, {5, 0, 0}, {4, 1, 1},
	})
	vbuf, _ := dev.Alloc(len(verts))
	vbuf.Write(0, verts)

	blas, err := dev.BuildAccel(backend.BuildInput{
		Triangles: []backend.TriangleInput{{Vertices: vbuf.Addr(), VertexCount: 6}},
	})
	if err != nil {
		t.Fatal(err)
	}
	expBounds := types.Box3{Min: types.Vec3{0, 0, 0}, Max: types.Vec3{5, 1, 1}}
	if got := blas.(*accel).bounds; got != expBounds {
		t.Fatalf("expected blas bounds %v; got %v", expBounds, got)
	}

	// Bad index
	indices := backend.EncodeIndices([][3]int32{{0, 1, 7}})
	ibuf, _ := dev.Alloc(len(indices))
	ibuf.Write(0, indices)
	_, err = dev.BuildAccel(backend.BuildInput{
		Triangles: []backend.TriangleInput{{Vertices: vbuf.Addr(), VertexCount: 6, Indices: ibuf.Addr(), IndexCount: 1}},
	})
	if !errors.Is(err, backend.ErrInvalidBuild) {
		t.Fatalf("expected ErrInvalidBuild; got %v", err)
	}

	// Two instances of the blas
	instData := make([]byte, 2*backend.InstanceSize)
	for i, offset := range []types.Vec3{{0, 0, 0}, {0, 10, 0}} {
		inst := backend.Instance{
			Transform:      types.AffineTranslate(offset).RowMajor3x4(),
			InstanceID:     uint32(i),
			VisibilityMask: 0xff,
			Traversable:    blas.Handle(),
		}
		inst.Encode(instData[i*backend.InstanceSize:])
	}
	ibuf, _ = dev.Alloc(len(instData))
	ibuf.Write(0, instData)

	tlas, err := dev.BuildAccel(backend.BuildInput{Instances: &backend.InstanceInput{Instances: ibuf.Addr(), Count: 2}})
	if err != nil {
		t.Fatal(err)
	}
	expBounds = types.Box3{Min: types.Vec3{0, 0, 0}, Max: types.Vec3{5, 11, 1}}
	ctx := &KernelContext{dev: dev}
	if got := ctx.TraversableBounds(tlas.Handle()); got != expBounds {
		t.Fatalf("expected tlas bounds %v; got %v", expBounds, got)
	}

	// Instances referencing a released accel are rejected
	if err = blas.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err = dev.BuildAccel(backend.BuildInput{Instances: &backend.InstanceInput{Instances: ibuf.Addr(), Count: 2}}); !errors.Is(err, backend.ErrInvalidBuild) {
		t.Fatalf("expected ErrInvalidBuild; got %v", err)
	}

	// Mixed inputs
	_, err = dev.BuildAccel(backend.BuildInput{
		AABBs:     []backend.AABBInput{{Bounds: vbuf.Addr(), Count: 1}},
		Instances: &backend.InstanceInput{Instances: ibuf.Addr(), Count: 2},
	})
	if !errors.Is(err, backend.ErrInvalidBuild) {
		t.Fatalf("expected ErrInvalidBuild; got %v", err)
	}
}

func TestClosedDevice(t *testing.T) {
	b, _ := New(Options{})
	dev := openTestDevice(t, b, 0)
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Alloc(16); !errors.Is(err, backend.ErrDeviceClosed) {
		t.Fatalf("expected ErrDeviceClosed; got %v", err)
	}
	if _, err := b.Open(3); !errors.Is(err, backend.ErrNoSuchDevice) {
		t.Fatalf("expected ErrNoSuchDevice; got %v", err)
	}
}
