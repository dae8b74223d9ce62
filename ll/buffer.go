package ll

import (
	"github.com/achilleasa/raygraph/backend"
)

type BufferKind uint8

// Supported buffer kinds.
const (
	// Every device holds its own copy.
	DeviceBuffer BufferKind = iota

	// A single host-pinned allocation shared by all devices.
	HostPinnedBuffer

	// A single managed allocation shared by all devices.
	ManagedBuffer
)

func (k BufferKind) String() string {
	switch k {
	case DeviceBuffer:
		return "device"
	case HostPinnedBuffer:
		return "host-pinned"
	case ManagedBuffer:
		return "managed"
	}
	return "unknown"
}

// Buffer metadata.
type BufferInfo struct {
	Kind        BufferKind
	ElementSize int
	Count       int
}

// Size in bytes.
func (bi BufferInfo) Size() int {
	return bi.ElementSize * bi.Count
}

type buffer struct {
	BufferInfo

	// One entry per device. Shared buffers store the same allocation in
	// every entry.
	mem perDevice[backend.Memory]
}

// Resize the buffer table to n slots, destroying every existing buffer.
func (c *Context) AllocBuffers(n int) error {
	const op = "AllocBuffers"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := checkCount(op, n); err != nil {
		return c.track(err)
	}
	c.buffers.alloc(n, c.destroyBuffer)
	return nil
}

// Create a buffer where every device holds its own copy, optionally
// initialized from initData.
func (c *Context) DeviceBufferCreate(bufferID, elemSize, count int, initData []byte) error {
	return c.track(c.createBuffer("DeviceBufferCreate", bufferID, BufferInfo{DeviceBuffer, elemSize, count}, initData))
}

// Create a host-pinned buffer shared by all devices.
func (c *Context) HostPinnedBufferCreate(bufferID, elemSize, count int) error {
	return c.track(c.createBuffer("HostPinnedBufferCreate", bufferID, BufferInfo{HostPinnedBuffer, elemSize, count}, nil))
}

// Create a managed buffer shared by all devices, optionally initialized
// from initData.
func (c *Context) ManagedBufferCreate(bufferID, elemSize, count int, initData []byte) error {
	return c.track(c.createBuffer("ManagedBufferCreate", bufferID, BufferInfo{ManagedBuffer, elemSize, count}, initData))
}

func (c *Context) createBuffer(op string, bufferID int, info BufferInfo, initData []byte) error {
	if err := c.begin(op); err != nil {
		return err
	}
	existing, err := c.buffers.lookup(op, bufferID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errorf(InvalidState, op, "buffer %d already exists; destroy it first", bufferID)
	}
	if info.ElementSize <= 0 || info.Count < 0 {
		return errorf(InvalidArgument, op, "invalid element size %d or count %d", info.ElementSize, info.Count)
	}
	if initData != nil && len(initData) != info.Size() {
		return errorf(InvalidArgument, op, "init data is %d bytes; buffer size is %d bytes", len(initData), info.Size())
	}

	mem, err := c.allocBufferMemory(op, info)
	if err != nil {
		return err
	}
	buf := &buffer{BufferInfo: info, mem: mem}

	if initData != nil {
		// The buffer is not visible yet so a failed write can be undone.
		if devErrs := c.writeBuffer(buf, initData); len(devErrs) != 0 {
			c.freeBufferMemory(buf)
			return c.deviceFailure(op, devErrs)
		}
	}

	c.buffers.put(bufferID, buf)
	c.logger.Debugf("created %s buffer %d (%d x %d bytes)", info.Kind, bufferID, info.Count, info.ElementSize)
	return nil
}

func (c *Context) allocBufferMemory(op string, info BufferInfo) (perDevice[backend.Memory], error) {
	if info.Kind == DeviceBuffer {
		mem, devErrs := c.allocPerDevice(info.Size())
		if len(devErrs) != 0 {
			return nil, c.deviceFailure(op, devErrs)
		}
		return mem, nil
	}

	var (
		shared backend.Memory
		err    error
	)
	if info.Kind == HostPinnedBuffer {
		shared, err = c.backend.AllocHostPinned(info.Size())
	} else {
		shared, err = c.backend.AllocManaged(info.Size())
	}
	if err != nil {
		return nil, &Error{Code: BackendFailure, Op: op, msg: "shared allocation failed", Err: err}
	}

	mem := make(perDevice[backend.Memory], len(c.devices))
	for id := range mem {
		mem[id] = shared
	}
	return mem, nil
}

func (c *Context) freeBufferMemory(buf *buffer) {
	if buf.Kind == DeviceBuffer {
		c.freePerDevice(buf.mem)
		return
	}
	if len(buf.mem) != 0 && buf.mem[0] != nil {
		if err := buf.mem[0].Free(); err != nil {
			c.logger.Warningf("could not release shared buffer memory: %v", err)
		}
	}
}

// Write data to every copy of the buffer.
func (c *Context) writeBuffer(buf *buffer, data []byte) DeviceErrors {
	if buf.Kind != DeviceBuffer {
		if err := buf.mem[0].Write(0, data); err != nil {
			return DeviceErrors{{Device: 0, Err: err}}
		}
		return nil
	}
	return c.fanOut(func(d *deviceState) error {
		return buf.mem[d.id].Write(0, data)
	})
}

func (c *Context) destroyBuffer(bufferID int, buf *buffer) {
	c.freeBufferMemory(buf)
	c.logger.Debugf("destroyed buffer %d", bufferID)
}

// Destroy a buffer. Its ID may then be reused by a create call.
func (c *Context) BufferDestroy(bufferID int) error {
	const op = "BufferDestroy"
	if err := c.begin(op); err != nil {
		return err
	}
	buf, err := c.buffers.get(op, bufferID)
	if err != nil {
		return c.track(err)
	}
	c.destroyBuffer(bufferID, buf)
	c.buffers.clear(bufferID)
	return nil
}

// Overwrite the full buffer contents. The data length must match the buffer
// size.
func (c *Context) BufferUpload(bufferID int, data []byte) error {
	const op = "BufferUpload"
	if err := c.begin(op); err != nil {
		return err
	}
	buf, err := c.buffers.get(op, bufferID)
	if err != nil {
		return c.track(err)
	}
	if len(data) != buf.Size() {
		return c.track(errorf(InvalidArgument, op, "upload is %d bytes; buffer %d is %d bytes", len(data), bufferID, buf.Size()))
	}

	devErrs := c.writeBuffer(buf, data)
	if len(devErrs) == 0 {
		return nil
	}
	failure := c.deviceFailure(op, devErrs)
	if buf.Kind == DeviceBuffer && len(devErrs) < len(c.devices) {
		c.poison(failure)
	}
	return c.track(failure)
}

// Reallocate the buffer to hold count elements. The buffer kind and element
// size are preserved; contents are not.
func (c *Context) BufferResize(bufferID, count int) error {
	const op = "BufferResize"
	if err := c.begin(op); err != nil {
		return err
	}
	buf, err := c.buffers.get(op, bufferID)
	if err != nil {
		return c.track(err)
	}
	if count < 0 {
		return c.track(errorf(InvalidArgument, op, "invalid count %d", count))
	}

	info := buf.BufferInfo
	info.Count = count
	mem, err := c.allocBufferMemory(op, info)
	if err != nil {
		// Old allocation stays intact.
		return c.track(err)
	}

	c.freeBufferMemory(buf)
	buf.BufferInfo = info
	buf.mem = mem
	c.logger.Debugf("resized buffer %d to %d elements", bufferID, count)
	return nil
}

// Get the buffer's address on a device.
func (c *Context) BufferGetPointer(bufferID, deviceID int) (backend.DevicePtr, error) {
	const op = "BufferGetPointer"
	buf, err := c.buffers.get(op, bufferID)
	if err != nil {
		return 0, c.track(err)
	}
	if _, err = c.device(op, deviceID); err != nil {
		return 0, c.track(err)
	}
	return buf.mem[deviceID].Addr(), nil
}

// Get buffer metadata.
func (c *Context) BufferGetInfo(bufferID int) (BufferInfo, error) {
	buf, err := c.buffers.get("BufferGetInfo", bufferID)
	if err != nil {
		return BufferInfo{}, c.track(err)
	}
	return buf.BufferInfo, nil
}

// Copy the buffer contents held by a device into dst, which must be exactly
// the buffer size.
func (c *Context) BufferDownload(bufferID, deviceID int, dst []byte) error {
	const op = "BufferDownload"
	buf, err := c.buffers.get(op, bufferID)
	if err != nil {
		return c.track(err)
	}
	if _, err = c.device(op, deviceID); err != nil {
		return c.track(err)
	}
	if len(dst) != buf.Size() {
		return c.track(errorf(InvalidArgument, op, "destination is %d bytes; buffer %d is %d bytes", len(dst), bufferID, buf.Size()))
	}
	if err = buf.mem[deviceID].Read(0, dst); err != nil {
		return c.track(&Error{Code: BackendFailure, Op: op, msg: "read failed", Err: err})
	}
	return nil
}
