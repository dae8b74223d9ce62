package ll

import (
	"time"

	"github.com/achilleasa/raygraph/backend"
)

// Per-device counters collected by a context.
type DeviceStats struct {
	Device backend.DeviceInfo

	ModulesCompiled int
	CompileFailures int
	CompileTime     time.Duration

	AccelBuilds    int
	AccelBuildTime time.Duration
	AccelBytes     int64

	SBTBuilds int
	SBTBytes  int64

	// Launches issued successfully; a queued launch that fails later while
	// executing on its stream is reported by the next sync.
	Launches       int
	LaunchFailures int
	LaunchTime     time.Duration

	// Bytes of device-local and shared memory currently held.
	BytesAllocated int64
}

// Get a snapshot of the counters of every device.
func (c *Context) Stats() []DeviceStats {
	stats := make([]DeviceStats, len(c.devices))
	for id, d := range c.devices {
		stats[id] = d.stats
	}
	return stats
}

func (d *deviceState) countLaunch(err error) {
	if err != nil {
		d.stats.LaunchFailures++
		return
	}
	d.stats.Launches++
}
