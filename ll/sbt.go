package ll

import (
	"github.com/achilleasa/raygraph/backend"
)

// Callbacks that fill the payload of a single SBT record. The record slice
// starts right after the record header and is sized to the payload size of
// the program the record belongs to.
type (
	RayGenWriter   func(record []byte, deviceID, rayGenID int)
	MissProgWriter func(record []byte, deviceID, missProgID int)
	HitProgWriter  func(record []byte, deviceID, geomID, rayType int)
)

// A record array in device memory.
type sbtArray struct {
	mem    backend.Memory
	stride int
	count  int
}

func (a *sbtArray) base() backend.DevicePtr {
	if a.mem == nil {
		return 0
	}
	return a.mem.Addr()
}

// The SBT of a single device.
type deviceSBT struct {
	rayGen sbtArray
	miss   sbtArray
	hit    sbtArray
}

func (c *Context) releaseSBT() {
	for id, s := range c.sbt {
		for _, arr := range []*sbtArray{&s.rayGen, &s.miss, &s.hit} {
			c.freeOnDevice(id, arr.mem)
			*arr = sbtArray{}
		}
	}
}

// Lay out one record per ray-gen program slot on every device. Record i
// lives at base + i*stride; unused slots are zero-filled. cb may be nil.
func (c *Context) SbtRayGensBuild(cb RayGenWriter) error {
	const op = "SbtRayGensBuild"
	if err := c.begin(op); err != nil {
		return err
	}
	return c.track(c.buildProgramRecords(op, &c.rayGens, func(s *deviceSBT) *sbtArray { return &s.rayGen }, cb))
}

// Lay out one record per miss program slot on every device; the record of
// miss program i serves ray type i. cb may be nil.
func (c *Context) SbtMissProgsBuild(cb MissProgWriter) error {
	const op = "SbtMissProgsBuild"
	if err := c.begin(op); err != nil {
		return err
	}
	return c.track(c.buildProgramRecords(op, &c.missProgs, func(s *deviceSBT) *sbtArray { return &s.miss }, cb))
}

// Pack a record per slot of a ray-gen or miss program table and upload the
// array to every device.
func (c *Context) buildProgramRecords(op string, tbl *table[program], arrayOf func(*deviceSBT) *sbtArray, cb func(record []byte, deviceID, progID int)) error {
	maxData := 0
	tbl.each(func(_ int, p *program) {
		if p.dataSize > maxData {
			maxData = p.dataSize
		}
	})
	stride := backend.SBTRecordSize(maxData)
	count := tbl.len()

	records := make(perDevice[[]byte], len(c.devices))
	for id := range records {
		data := make([]byte, count*stride)
		var err error
		tbl.each(func(progID int, p *program) {
			if err != nil {
				return
			}
			rec := data[progID*stride : (progID+1)*stride]
			if err = p.progs[id].PackHeader(rec); err != nil {
				err = &Error{Code: BackendFailure, Op: op, msg: "could not pack record header", Err: DeviceErrors{{Device: id, Err: err}}}
				return
			}
			if cb != nil {
				cb(rec[backend.SBTRecordHeaderSize:backend.SBTRecordHeaderSize+p.dataSize], id, progID)
			}
		})
		if err != nil {
			return err
		}
		records[id] = data
	}

	return c.uploadRecords(op, arrayOf, records, stride, count)
}

// Lay out the hit records of every built geometry group on every device.
// The record of child j of a group whose first slot is s, for ray type r,
// lives at index (s+j)*rayTypeCount + r, so instances reach it through
// their SBT offset. Slots of unbuilt groups are zero-filled. cb may be nil.
func (c *Context) SbtHitProgsBuild(cb HitProgWriter) error {
	const op = "SbtHitProgsBuild"
	if err := c.begin(op); err != nil {
		return err
	}

	type hitEntry struct {
		index  int
		geomID int
		gt     *geomType
	}

	var (
		entries []hitEntry
		err     error
		maxData int
	)
	c.groups.each(func(groupID int, g *group) {
		if err != nil || !g.isGeomGroup() || (g.state != Built && g.state != Stale) {
			return
		}
		for childNo, geomID := range g.children {
			if geomID == unsetChild {
				continue
			}
			var gm *geom
			if gm, err = c.geoms.get(op, geomID); err != nil {
				return
			}
			gt := c.geomTypeOf(gm)
			if gt == nil || len(gt.hitGroups) != c.rayTypeCount {
				err = errorf(InvalidState, op, "hit groups of geometry type %d are missing; call BuildPrograms first", gm.geomType)
				return
			}
			if gt.dataSize > maxData {
				maxData = gt.dataSize
			}
			entries = append(entries, hitEntry{index: (g.sbtBegin + childNo) * c.rayTypeCount, geomID: geomID, gt: gt})
		}
	})
	if err != nil {
		return c.track(err)
	}

	stride := backend.SBTRecordSize(maxData)
	count := c.sbtSlots.size * c.rayTypeCount
	records := make(perDevice[[]byte], len(c.devices))
	for id := range records {
		data := make([]byte, count*stride)
		for _, e := range entries {
			for rayType := 0; rayType < c.rayTypeCount; rayType++ {
				offset := (e.index + rayType) * stride
				rec := data[offset : offset+stride]
				if err = e.gt.hitGroups[rayType][id].PackHeader(rec); err != nil {
					return c.track(&Error{Code: BackendFailure, Op: op, msg: "could not pack record header", Err: DeviceErrors{{Device: id, Err: err}}})
				}
				if cb != nil {
					cb(rec[backend.SBTRecordHeaderSize:backend.SBTRecordHeaderSize+e.gt.dataSize], id, e.geomID, rayType)
				}
			}
		}
		records[id] = data
	}

	return c.track(c.uploadRecords(op, func(s *deviceSBT) *sbtArray { return &s.hit }, records, stride, count))
}

// Upload packed record arrays and swap them in. Existing arrays are kept if
// any device fails.
func (c *Context) uploadRecords(op string, arrayOf func(*deviceSBT) *sbtArray, records perDevice[[]byte], stride, count int) error {
	mem, devErrs := c.allocPerDevice(count * stride)
	if len(devErrs) != 0 {
		return c.deviceFailure(op, devErrs)
	}
	devErrs = c.fanOut(func(d *deviceState) error {
		return mem[d.id].Write(0, records[d.id])
	})
	if len(devErrs) != 0 {
		c.freePerDevice(mem)
		return c.deviceFailure(op, devErrs)
	}

	for id, d := range c.devices {
		arr := arrayOf(c.sbt[id])
		c.freeOnDevice(id, arr.mem)
		*arr = sbtArray{mem: mem[id], stride: stride, count: count}
		d.stats.SBTBuilds++
		d.stats.SBTBytes = c.sbtBytes(id)
	}
	c.logger.Debugf("%s: %d record(s) of %d bytes", op, count, stride)
	return nil
}

func (c *Context) sbtBytes(id int) int64 {
	var total int64
	s := c.sbt[id]
	for _, arr := range []*sbtArray{&s.rayGen, &s.miss, &s.hit} {
		total += int64(arr.count * arr.stride)
	}
	return total
}

// The SBT a launch of a ray-gen program uses on a device.
func (c *Context) shaderBindingTable(id, rayGenID int) backend.ShaderBindingTable {
	s := c.sbt[id]
	return backend.ShaderBindingTable{
		RayGenRecord:     s.rayGen.base() + backend.DevicePtr(rayGenID*s.rayGen.stride),
		RayGenRecordSize: s.rayGen.stride,
		MissRecordBase:   s.miss.base(),
		MissRecordStride: s.miss.stride,
		MissRecordCount:  s.miss.count,
		HitRecordBase:    s.hit.base(),
		HitRecordStride:  s.hit.stride,
		HitRecordCount:   s.hit.count,
	}
}
