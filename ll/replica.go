package ll

import (
	"fmt"

	"github.com/achilleasa/raygraph/backend"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// One value per context device, indexed by device ID.
type perDevice[T any] []T

// The state the context keeps for each of its devices.
type deviceState struct {
	id     int
	info   backend.DeviceInfo
	dev    backend.Device
	stream backend.Stream

	stats DeviceStats
}

// Run fn on every device and collect the failures. Devices may run
// concurrently; fn must only touch state belonging to the device it is
// given. All devices run to completion regardless of failures.
func (c *Context) fanOut(fn func(d *deviceState) error) DeviceErrors {
	errs := make([]error, len(c.devices))

	var g errgroup.Group
	if c.opts.Parallelism > 0 {
		g.SetLimit(c.opts.Parallelism)
	}
	for _, d := range c.devices {
		d := d
		g.Go(func() error {
			if err := fn(d); err != nil {
				errs[d.id] = errors.Wrapf(err, "%s", d.info)
			}
			return nil
		})
	}
	g.Wait()

	var devErrs DeviceErrors
	for id, err := range errs {
		if err != nil {
			devErrs = append(devErrs, DeviceError{Device: id, Err: err})
		}
	}
	return devErrs
}

// Wrap fan-out failures into a BackendFailure error.
func (c *Context) deviceFailure(op string, devErrs DeviceErrors) *Error {
	return &Error{
		Code: BackendFailure,
		Op:   op,
		msg:  formatFailedDevices(len(devErrs), len(c.devices)),
		Err:  devErrs,
	}
}

func formatFailedDevices(failed, total int) string {
	if failed == total {
		return "failed on all devices"
	}
	return fmt.Sprintf("failed on %d of %d devices", failed, total)
}

// Allocate one device-local block per device. On any failure the blocks
// that were allocated are released so no device is left holding memory.
func (c *Context) allocPerDevice(size int) (perDevice[backend.Memory], DeviceErrors) {
	mem := make(perDevice[backend.Memory], len(c.devices))
	devErrs := c.fanOut(func(d *deviceState) (err error) {
		mem[d.id], err = d.dev.Alloc(size)
		if err == nil {
			d.stats.BytesAllocated += int64(size)
		}
		return err
	})
	if len(devErrs) != 0 {
		c.freePerDevice(mem)
		return nil, devErrs
	}
	return mem, nil
}

// Release per-device blocks. Nil entries are skipped.
func (c *Context) freePerDevice(mem perDevice[backend.Memory]) {
	for id, m := range mem {
		if m == nil {
			continue
		}
		size := m.Size()
		if err := m.Free(); err != nil {
			c.logger.Warningf("could not release %d bytes on device %d: %v", size, id, err)
			continue
		}
		c.devices[id].stats.BytesAllocated -= int64(size)
	}
}
