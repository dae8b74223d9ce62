package ll

import (
	"github.com/achilleasa/raygraph/backend"
)

// A program bound to a geometry type slot.
type programBinding struct {
	module int
	name   string
	progs  perDevice[backend.Program]
}

// Program bindings indexed by ray type; nil entries are unbound.
type rayTypePrograms []*programBinding

func (rp rayTypePrograms) program(rayType, deviceID int) backend.Program {
	if rayType >= len(rp) || rp[rayType] == nil {
		return nil
	}
	return rp[rayType].progs[deviceID]
}

type geomType struct {
	// SBT hit record payload size.
	dataSize int

	intersect  rayTypePrograms
	closestHit rayTypePrograms
	anyHit     rayTypePrograms

	// Device bounds program for user geometries and the size of the
	// per-geometry data block it receives.
	bounds         *programBinding
	boundsDataSize int

	// Hit group program per ray type per device; set by BuildPrograms.
	hitGroups []perDevice[backend.Program]

	// Number of geometries referencing this type.
	geomCount int
}

// Resize the geometry type table to n slots. Fails while any geometry still
// references an existing type; destroy the geometries first.
func (c *Context) AllocGeomTypes(n int) error {
	const op = "AllocGeomTypes"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := checkCount(op, n); err != nil {
		return c.track(err)
	}
	referenced := -1
	c.geomTypes.each(func(id int, gt *geomType) {
		if referenced < 0 && gt.geomCount != 0 {
			referenced = id
		}
	})
	if referenced >= 0 {
		return c.track(errorf(InvalidState, op, "geometry type %d is still referenced by geometries", referenced))
	}
	c.geomTypes.alloc(n, nil)
	return nil
}

// Create a geometry type whose hit records carry dataSize bytes of payload.
// The payload size of a type cannot change once geometries reference it.
func (c *Context) GeomTypeCreate(geomTypeID, dataSize int) error {
	const op = "GeomTypeCreate"
	if err := c.begin(op); err != nil {
		return err
	}
	existing, err := c.geomTypes.lookup(op, geomTypeID)
	if err != nil {
		return c.track(err)
	}
	if dataSize < 0 {
		return c.track(errorf(InvalidArgument, op, "invalid data size %d", dataSize))
	}
	if existing != nil && existing.geomCount != 0 {
		return c.track(errorf(InvalidState, op, "geometry type %d is referenced by %d geometries", geomTypeID, existing.geomCount))
	}

	c.geomTypes.put(geomTypeID, &geomType{dataSize: dataSize})
	return nil
}

// Bind the intersection program used for a ray type.
func (c *Context) GeomTypeIntersect(geomTypeID, rayType, moduleID int, name string) error {
	return c.track(c.bindRayTypeProgram("GeomTypeIntersect", geomTypeID, rayType, moduleID, backend.IntersectionProgram, name))
}

// Bind the closest-hit program used for a ray type.
func (c *Context) GeomTypeClosestHit(geomTypeID, rayType, moduleID int, name string) error {
	return c.track(c.bindRayTypeProgram("GeomTypeClosestHit", geomTypeID, rayType, moduleID, backend.ClosestHitProgram, name))
}

// Bind the any-hit program used for a ray type.
func (c *Context) GeomTypeAnyHit(geomTypeID, rayType, moduleID int, name string) error {
	return c.track(c.bindRayTypeProgram("GeomTypeAnyHit", geomTypeID, rayType, moduleID, backend.AnyHitProgram, name))
}

func (c *Context) bindRayTypeProgram(op string, geomTypeID, rayType, moduleID int, kind backend.ProgramKind, name string) error {
	if err := c.begin(op); err != nil {
		return err
	}
	gt, err := c.geomTypes.get(op, geomTypeID)
	if err != nil {
		return err
	}
	if rayType < 0 || rayType >= c.rayTypeCount {
		return errorf(InvalidRayType, op, "ray type %d out of range [0, %d)", rayType, c.rayTypeCount)
	}

	progs, err := c.resolveProgram(op, moduleID, kind, name)
	if err != nil {
		return err
	}

	var slots *rayTypePrograms
	switch kind {
	case backend.IntersectionProgram:
		slots = &gt.intersect
	case backend.ClosestHitProgram:
		slots = &gt.closestHit
	default:
		slots = &gt.anyHit
	}
	for len(*slots) <= rayType {
		*slots = append(*slots, nil)
	}
	(*slots)[rayType] = &programBinding{module: moduleID, name: name, progs: progs}

	// Hit groups must be rebuilt to pick up the new program.
	gt.hitGroups = nil
	return nil
}

// Bind the device program that computes user geometry bounds. Each geometry
// of this type passes geomDataSize bytes of data to the program.
func (c *Context) GeomTypeBoundsProgDevice(geomTypeID, moduleID int, name string, geomDataSize int) error {
	const op = "GeomTypeBoundsProgDevice"
	if err := c.begin(op); err != nil {
		return err
	}
	gt, err := c.geomTypes.get(op, geomTypeID)
	if err != nil {
		return c.track(err)
	}
	if geomDataSize < 0 {
		return c.track(errorf(InvalidArgument, op, "invalid geometry data size %d", geomDataSize))
	}

	progs, err := c.resolveProgram(op, moduleID, backend.BoundsProgram, name)
	if err != nil {
		return c.track(err)
	}
	gt.bounds = &programBinding{module: moduleID, name: name, progs: progs}
	gt.boundsDataSize = geomDataSize
	return nil
}
