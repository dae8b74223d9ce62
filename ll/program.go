package ll

import (
	"github.com/achilleasa/raygraph/backend"
)

// A ray-gen or miss program.
type program struct {
	module   int
	name     string
	dataSize int

	progs perDevice[backend.Program]
}

// Resize the ray-gen program table to n slots.
func (c *Context) AllocRayGens(n int) error {
	const op = "AllocRayGens"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := checkCount(op, n); err != nil {
		return c.track(err)
	}
	c.rayGens.alloc(n, nil)
	return nil
}

// Resize the miss program table to n slots.
func (c *Context) AllocMissProgs(n int) error {
	const op = "AllocMissProgs"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := checkCount(op, n); err != nil {
		return c.track(err)
	}
	c.missProgs.alloc(n, nil)
	return nil
}

// Create a ray-gen program from an entry point of a built module. dataSize
// is the size of the program's SBT record payload.
func (c *Context) RayGenCreate(rayGenID, moduleID int, name string, dataSize int) error {
	return c.track(c.createProgram("RayGenCreate", &c.rayGens, backend.RayGenProgram, rayGenID, moduleID, name, dataSize))
}

// Create a miss program from an entry point of a built module. dataSize is
// the size of the program's SBT record payload.
func (c *Context) MissProgCreate(missProgID, moduleID int, name string, dataSize int) error {
	return c.track(c.createProgram("MissProgCreate", &c.missProgs, backend.MissProgram, missProgID, moduleID, name, dataSize))
}

func (c *Context) createProgram(op string, tbl *table[program], kind backend.ProgramKind, id, moduleID int, name string, dataSize int) error {
	if err := c.begin(op); err != nil {
		return err
	}
	if err := tbl.check(op, id); err != nil {
		return err
	}
	if dataSize < 0 {
		return errorf(InvalidArgument, op, "invalid data size %d", dataSize)
	}

	progs, err := c.resolveProgram(op, moduleID, kind, name)
	if err != nil {
		return err
	}
	tbl.put(id, &program{module: moduleID, name: name, dataSize: dataSize, progs: progs})
	c.logger.Debugf("created %s program %d (%s) from module %d", kind, id, name, moduleID)
	return nil
}

// Create the hit group programs of every geometry type: one per ray type
// per device.
func (c *Context) BuildPrograms() error {
	const op = "BuildPrograms"
	if err := c.begin(op); err != nil {
		return err
	}

	type pendingType struct {
		id int
		gt *geomType
	}
	var pending []pendingType
	c.geomTypes.each(func(id int, gt *geomType) {
		pending = append(pending, pendingType{id, gt})
	})

	// hitGroups[type][rayType][device]
	hitGroups := make([][]perDevice[backend.Program], len(pending))
	for i := range hitGroups {
		hitGroups[i] = make([]perDevice[backend.Program], c.rayTypeCount)
		for rayType := range hitGroups[i] {
			hitGroups[i][rayType] = make(perDevice[backend.Program], len(c.devices))
		}
	}

	devErrs := c.fanOut(func(d *deviceState) error {
		for i, pt := range pending {
			for rayType := 0; rayType < c.rayTypeCount; rayType++ {
				hg, err := d.dev.CreateHitGroup(
					pt.gt.closestHit.program(rayType, d.id),
					pt.gt.anyHit.program(rayType, d.id),
					pt.gt.intersect.program(rayType, d.id),
				)
				if err != nil {
					return err
				}
				hitGroups[i][rayType][d.id] = hg
			}
		}
		return nil
	})
	if len(devErrs) != 0 {
		return c.track(c.deviceFailure(op, devErrs))
	}

	for i, pt := range pending {
		pt.gt.hitGroups = hitGroups[i]
	}
	c.logger.Infof("built hit group programs for %d geometry type(s) and %d ray type(s)", len(pending), c.rayTypeCount)
	return nil
}

// Link every ray-gen, miss and hit group program into a pipeline on each
// device. The pipeline supports traversal graphs up to the configured
// instancing depth.
func (c *Context) CreatePipeline() error {
	const op = "CreatePipeline"
	if err := c.begin(op); err != nil {
		return err
	}

	missing := -1
	c.geomTypes.each(func(id int, gt *geomType) {
		if missing < 0 && len(gt.hitGroups) != c.rayTypeCount {
			missing = id
		}
	})
	if missing >= 0 {
		return c.track(errorf(InvalidState, op, "hit groups of geometry type %d are missing; call BuildPrograms first", missing))
	}

	pipelines := make(perDevice[backend.Pipeline], len(c.devices))
	opts := backend.PipelineOptions{MaxTraversableDepth: c.maxInstancingDepth + 1}
	devErrs := c.fanOut(func(d *deviceState) (err error) {
		var progs []backend.Program
		c.rayGens.each(func(_ int, p *program) {
			progs = append(progs, p.progs[d.id])
		})
		c.missProgs.each(func(_ int, p *program) {
			progs = append(progs, p.progs[d.id])
		})
		c.geomTypes.each(func(_ int, gt *geomType) {
			for _, hg := range gt.hitGroups {
				progs = append(progs, hg[d.id])
			}
		})
		pipelines[d.id], err = d.dev.CreatePipeline(progs, opts)
		return err
	})
	if len(devErrs) != 0 {
		for _, pl := range pipelines {
			if pl != nil {
				pl.Release()
			}
		}
		return c.track(c.deviceFailure(op, devErrs))
	}

	c.releasePipeline()
	c.pipeline = pipelines
	c.logger.Infof("created pipeline (max traversable depth %d)", opts.MaxTraversableDepth)
	return nil
}

func (c *Context) releasePipeline() {
	for id, pl := range c.pipeline {
		if pl == nil {
			continue
		}
		if err := pl.Release(); err != nil {
			c.logger.Warningf("could not release pipeline on device %d: %v", id, err)
		}
		c.pipeline[id] = nil
	}
}
