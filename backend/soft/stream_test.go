package soft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/achilleasa/raygraph/backend"
)

// Upload a ray-gen record with a 4-byte payload and return its address.
func uploadRayGenRecord(t *testing.T, dev backend.Device, prog backend.Program, payload uint32) (backend.DevicePtr, int) {
	size := backend.SBTRecordSize(4)
	rec := make([]byte, size)
	if err := prog.PackHeader(rec); err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint32(rec[backend.SBTRecordHeaderSize:], payload)

	mem, err := dev.Alloc(size)
	if err != nil {
		t.Fatal(err)
	}
	mem.Write(0, rec)
	return mem.Addr(), size
}

func TestStreamLaunch(t *testing.T) {
	b, _ := New(Options{})
	dev := openTestDevice(t, b, 0)
	defer dev.Close()

	mod, _ := dev.CompileModule(testModule)
	rg, _ := mod.Program(backend.RayGenProgram, "main")
	pl, err := dev.CreatePipeline([]backend.Program{rg}, backend.PipelineOptions{MaxTraversableDepth: 2})
	if err != nil {
		t.Fatal(err)
	}

	const w, h = 4, 3
	fb, _ := dev.Alloc(w * h * 4)
	params, _ := b.AllocManaged(8)
	pdata := make([]byte, 8)
	binary.LittleEndian.PutUint64(pdata, uint64(fb.Addr()))
	params.Write(0, pdata)

	// Each launch index writes record payload + x + y*w into the frame buffer
	b.RegisterRayGen("main", func(ctx *KernelContext, idx LaunchIndex) error {
		base := backend.DevicePtr(binary.LittleEndian.Uint64(idx.Params))
		var out [4]byte
		binary.LittleEndian.PutUint32(out[:], binary.LittleEndian.Uint32(idx.Record)+uint32(idx.X+idx.Y*idx.Width))
		return ctx.Store(base+backend.DevicePtr((idx.X+idx.Y*idx.Width)*4), out[:])
	})

	recAddr, recSize := uploadRayGenRecord(t, dev, rg, 100)
	stream, err := dev.NewStream()
	if err != nil {
		t.Fatal(err)
	}

	err = stream.Launch2D(backend.LaunchRequest{
		Pipeline:   pl,
		SBT:        backend.ShaderBindingTable{RayGenRecord: recAddr, RayGenRecordSize: recSize},
		Params:     params.Addr(),
		ParamsSize: 8,
		Width:      w,
		Height:     h,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = dev.Synchronize(); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, fb.Size())
	fb.Read(0, data)
	for i := 0; i < w*h; i++ {
		if got := binary.LittleEndian.Uint32(data[i*4:]); got != uint32(100+i) {
			t.Fatalf("expected pixel %d to be %d; got %d", i, 100+i, got)
		}
	}

	if err = stream.Close(); err != nil {
		t.Fatal(err)
	}
	if err = stream.Launch2D(backend.LaunchRequest{Pipeline: pl, Width: 1, Height: 1}); !errors.Is(err, backend.ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed; got %v", err)
	}
}

func TestStreamLaunchErrors(t *testing.T) {
	b, _ := New(Options{})
	dev := openTestDevice(t, b, 0)
	defer dev.Close()

	mod, _ := dev.CompileModule(testModule)
	rg, _ := mod.Program(backend.RayGenProgram, "main")
	miss, _ := mod.Program(backend.MissProgram, "sky")
	pl, _ := dev.CreatePipeline([]backend.Program{rg}, backend.PipelineOptions{MaxTraversableDepth: 1})
	stream, _ := dev.NewStream()

	recAddr, recSize := uploadRayGenRecord(t, dev, rg, 0)
	req := backend.LaunchRequest{
		Pipeline: pl,
		SBT:      backend.ShaderBindingTable{RayGenRecord: recAddr, RayGenRecordSize: recSize},
		Width:    2,
		Height:   2,
	}

	// No kernel registered; the error surfaces at synchronization
	if err := stream.Launch2D(req); err != nil {
		t.Fatal(err)
	}
	if err := stream.Synchronize(); err == nil {
		t.Fatal("expected launch without a registered kernel to fail")
	}

	// Kernel failures stop the launch
	calls := 0
	b.RegisterRayGen("main", func(ctx *KernelContext, idx LaunchIndex) error {
		calls++
		return fmt.Errorf("boom")
	})
	stream.Launch2D(req)
	if err := stream.Synchronize(); err == nil {
		t.Fatal("expected kernel error to be reported")
	}
	if calls != 1 {
		t.Fatalf("expected kernel to be called once; got %d", calls)
	}

	// Errors are reset after synchronization
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("expected no pending error; got %v", err)
	}

	// Record that references a program outside the pipeline
	missAddr, missSize := uploadRayGenRecord(t, dev, miss, 0)
	stream.Launch2D(backend.LaunchRequest{
		Pipeline: pl,
		SBT:      backend.ShaderBindingTable{RayGenRecord: missAddr, RayGenRecordSize: missSize},
		Width:    1,
		Height:   1,
	})
	if err := stream.Synchronize(); !errors.Is(err, backend.ErrInvalidLaunch) {
		t.Fatalf("expected ErrInvalidLaunch; got %v", err)
	}

	req.Width = 0
	if err := stream.Launch2D(req); !errors.Is(err, backend.ErrInvalidLaunch) {
		t.Fatalf("expected ErrInvalidLaunch; got %v", err)
	}
}
