package ll

import (
	"time"

	"github.com/achilleasa/raygraph/backend"
)

// A callback that fills the launch parameter block of a device.
type LaunchParamsWriter func(params []byte, deviceID int)

// A launch parameter block with its own stream on every device.
type launchParams struct {
	size    int
	mem     perDevice[backend.Memory]
	streams perDevice[backend.Stream]
}

// Resize the launch parameter table to n slots.
func (c *Context) AllocLaunchParams(n int) error {
	const op = "AllocLaunchParams"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := checkCount(op, n); err != nil {
		return c.track(err)
	}
	c.launchParams.alloc(n, c.destroyLaunchParams)
	return nil
}

func (c *Context) destroyLaunchParams(id int, lp *launchParams) {
	c.closeStreams(id, lp.streams)
	c.freePerDevice(lp.mem)
}

func (c *Context) closeStreams(paramsID int, streams perDevice[backend.Stream]) {
	for devID, s := range streams {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			c.logger.Warningf("could not close stream of launch params %d on device %d: %v", paramsID, devID, err)
		}
	}
}

// Create a launch parameter block of size bytes. Each device gets its own
// block and stream so launches using different blocks may overlap.
func (c *Context) LaunchParamsCreate(paramsID, size int) error {
	const op = "LaunchParamsCreate"
	if err := c.begin(op); err != nil {
		return err
	}
	existing, err := c.launchParams.lookup(op, paramsID)
	if err != nil {
		return c.track(err)
	}
	if size < 0 {
		return c.track(errorf(InvalidArgument, op, "invalid size %d", size))
	}

	mem, devErrs := c.allocPerDevice(size)
	if len(devErrs) != 0 {
		return c.track(c.deviceFailure(op, devErrs))
	}
	streams := make(perDevice[backend.Stream], len(c.devices))
	devErrs = c.fanOut(func(d *deviceState) (err error) {
		streams[d.id], err = d.dev.NewStream()
		return err
	})
	if len(devErrs) != 0 {
		c.closeStreams(paramsID, streams)
		c.freePerDevice(mem)
		return c.track(c.deviceFailure(op, devErrs))
	}

	if existing != nil {
		c.destroyLaunchParams(paramsID, existing)
	}
	c.launchParams.put(paramsID, &launchParams{size: size, mem: mem, streams: streams})
	return nil
}

// Get the stream launches with a parameter block use on a device.
func (c *Context) LaunchParamsGetStream(paramsID, deviceID int) (backend.Stream, error) {
	const op = "LaunchParamsGetStream"
	lp, err := c.launchParams.get(op, paramsID)
	if err != nil {
		return nil, c.track(err)
	}
	if _, err = c.device(op, deviceID); err != nil {
		return nil, c.track(err)
	}
	return lp.streams[deviceID], nil
}

// Wait for every launch using a parameter block to complete.
func (c *Context) LaunchParamsSync(paramsID int) error {
	const op = "LaunchParamsSync"
	lp, err := c.launchParams.get(op, paramsID)
	if err != nil {
		return c.track(err)
	}
	if devErrs := c.syncStreams(lp.streams); len(devErrs) != 0 {
		return c.track(c.deviceFailure(op, devErrs))
	}
	return nil
}

func (c *Context) syncStreams(streams perDevice[backend.Stream]) DeviceErrors {
	return c.fanOut(func(d *deviceState) error {
		return streams[d.id].Synchronize()
	})
}

// Validate the arguments of a launch and the pipeline state it needs.
func (c *Context) checkLaunch(op string, rayGenID, width, height int) error {
	if width <= 0 || height <= 0 {
		return errorf(InvalidArgument, op, "invalid launch dimensions %dx%d", width, height)
	}
	if _, err := c.rayGens.get(op, rayGenID); err != nil {
		return err
	}
	if c.pipeline[0] == nil {
		return errorf(InvalidState, op, "no pipeline; call CreatePipeline first")
	}
	if s := c.sbt[0]; rayGenID >= s.rayGen.count {
		return errorf(InvalidState, op, "no SBT record for ray-gen program %d; call SbtRayGensBuild first", rayGenID)
	}
	return nil
}

// Launch a ray-gen program over a width x height grid on every device and
// wait for it to complete.
func (c *Context) Launch2D(rayGenID, width, height int) error {
	const op = "Launch2D"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := c.checkLaunch(op, rayGenID, width, height); err != nil {
		return c.track(err)
	}

	devErrs := c.fanOut(func(d *deviceState) error {
		start := time.Now()
		err := d.stream.Launch2D(backend.LaunchRequest{
			Pipeline: c.pipeline[d.id],
			SBT:      c.shaderBindingTable(d.id, rayGenID),
			Width:    width,
			Height:   height,
		})
		if err == nil {
			err = d.stream.Synchronize()
		}
		d.stats.LaunchTime += time.Since(start)
		d.countLaunch(err)
		return err
	})
	if len(devErrs) != 0 {
		return c.track(c.deviceFailure(op, devErrs))
	}
	return nil
}

// Fill a parameter block through cb and launch a ray-gen program on every
// device using the block's streams. The call returns once the launches are
// queued; use LaunchParamsSync to wait for them. A pending launch using the
// same block is waited for before the block is overwritten.
func (c *Context) ParamsLaunch2D(paramsID, rayGenID, width, height int, cb LaunchParamsWriter) error {
	const op = "ParamsLaunch2D"
	if err := c.begin(op); err != nil {
		return err
	}
	lp, err := c.launchParams.get(op, paramsID)
	if err != nil {
		return c.track(err)
	}
	if err = c.checkLaunch(op, rayGenID, width, height); err != nil {
		return c.track(err)
	}

	if devErrs := c.syncStreams(lp.streams); len(devErrs) != 0 {
		return c.track(c.deviceFailure(op, devErrs))
	}

	params := make(perDevice[[]byte], len(c.devices))
	for id := range params {
		params[id] = make([]byte, lp.size)
		if cb != nil {
			cb(params[id], id)
		}
	}

	devErrs := c.fanOut(func(d *deviceState) error {
		if err := lp.mem[d.id].Write(0, params[d.id]); err != nil {
			return err
		}
		start := time.Now()
		err := lp.streams[d.id].Launch2D(backend.LaunchRequest{
			Pipeline:   c.pipeline[d.id],
			SBT:        c.shaderBindingTable(d.id, rayGenID),
			Params:     lp.mem[d.id].Addr(),
			ParamsSize: lp.size,
			Width:      width,
			Height:     height,
		})
		d.stats.LaunchTime += time.Since(start)
		d.countLaunch(err)
		return err
	})
	if len(devErrs) != 0 {
		return c.track(c.deviceFailure(op, devErrs))
	}
	return nil
}
