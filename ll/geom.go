package ll

import (
	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/types"
)

type GeomKind uint8

// Supported geometry kinds.
const (
	TrianglesGeom GeomKind = iota
	UserGeom
)

func (k GeomKind) String() string {
	if k == TrianglesGeom {
		return "triangles"
	}
	return "user"
}

// A host callback that returns the bounds of a single user primitive.
type BoundsFunc func(deviceID, geomID, primID int) types.Box3

// A strided array inside a buffer.
type arrayBinding struct {
	buffer int
	count  int
	stride int
	offset int
}

type boundsSourceKind uint8

const (
	noBounds boundsSourceKind = iota
	boundsFromBuffer
	boundsFromProgram
	boundsFromCallback
)

func (k boundsSourceKind) String() string {
	switch k {
	case boundsFromBuffer:
		return "bounds buffer"
	case boundsFromProgram:
		return "device bounds program"
	case boundsFromCallback:
		return "host bounds callback"
	}
	return "none"
}

// The bounds source of a user geometry. Only the field matching kind is
// meaningful.
type boundsSource struct {
	kind     boundsSourceKind
	buffer   int
	callback BoundsFunc
}

type geom struct {
	kind     GeomKind
	geomType int

	// Triangles.
	vertices *arrayBinding
	indices  *arrayBinding

	// User primitives.
	primCount int
	bounds    boundsSource

	// Bounds produced by a bounds pass, one block per device.
	boundsMem perDevice[backend.Memory]
}

// Resize the geometry table to n slots, destroying every existing geometry.
func (c *Context) AllocGeoms(n int) error {
	const op = "AllocGeoms"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := checkCount(op, n); err != nil {
		return c.track(err)
	}
	c.geoms.alloc(n, c.destroyGeom)
	return nil
}

func (c *Context) destroyGeom(_ int, g *geom) {
	c.dropComputedBounds(g)
	if gt := c.geomTypeOf(g); gt != nil {
		gt.geomCount--
	}
}

func (c *Context) geomTypeOf(g *geom) *geomType {
	if g.geomType < 0 || g.geomType >= c.geomTypes.len() {
		return nil
	}
	return c.geomTypes.slots[g.geomType]
}

func (c *Context) dropComputedBounds(g *geom) {
	if g.boundsMem != nil {
		c.freePerDevice(g.boundsMem)
		g.boundsMem = nil
	}
}

// Create a triangle geometry of the given type.
func (c *Context) TrianglesGeomCreate(geomID, geomTypeID int) error {
	return c.track(c.createGeom("TrianglesGeomCreate", geomID, &geom{kind: TrianglesGeom, geomType: geomTypeID}))
}

// Create a user geometry of the given type with numPrims primitives.
func (c *Context) UserGeomCreate(geomID, geomTypeID, numPrims int) error {
	if numPrims < 0 {
		return c.track(errorf(InvalidArgument, "UserGeomCreate", "invalid primitive count %d", numPrims))
	}
	return c.track(c.createGeom("UserGeomCreate", geomID, &geom{kind: UserGeom, geomType: geomTypeID, primCount: numPrims}))
}

func (c *Context) createGeom(op string, geomID int, g *geom) error {
	if err := c.begin(op); err != nil {
		return err
	}
	existing, err := c.geoms.lookup(op, geomID)
	if err != nil {
		return err
	}
	gt, err := c.geomTypes.get(op, g.geomType)
	if err != nil {
		return err
	}

	if existing != nil {
		c.destroyGeom(geomID, existing)
	}
	gt.geomCount++
	c.geoms.put(geomID, g)
	c.logger.Debugf("created %s geometry %d of type %d", g.kind, geomID, g.geomType)
	return nil
}

// Lookup a geometry and verify its kind.
func (c *Context) geomOfKind(op string, geomID int, kind GeomKind) (*geom, error) {
	g, err := c.geoms.get(op, geomID)
	if err != nil {
		return nil, err
	}
	if g.kind != kind {
		return nil, errorf(InvalidArgument, op, "geometry %d is a %s geometry", geomID, g.kind)
	}
	return g, nil
}

// Validate that count elements of elemSize bytes at the given stride and
// offset fit inside a buffer.
func (c *Context) checkArray(op string, bufferID, count, stride, offset, elemSize int) (*arrayBinding, error) {
	buf, err := c.buffers.get(op, bufferID)
	if err != nil {
		return nil, err
	}
	if stride == 0 {
		stride = elemSize
	}
	if count < 0 || offset < 0 || stride < elemSize {
		return nil, errorf(InvalidArgument, op, "invalid array layout (count %d, stride %d, offset %d)", count, stride, offset)
	}
	if count > 0 && offset+(count-1)*stride+elemSize > buf.Size() {
		return nil, errorf(InvalidArgument, op, "array of %d elements (stride %d, offset %d) exceeds the %d bytes of buffer %d", count, stride, offset, buf.Size(), bufferID)
	}
	return &arrayBinding{buffer: bufferID, count: count, stride: stride, offset: offset}, nil
}

// Bind a vertex array of packed float32 triples. A zero stride selects a
// tightly packed layout.
func (c *Context) TrianglesGeomSetVertexBuffer(geomID, bufferID, count, stride, offset int) error {
	const op = "TrianglesGeomSetVertexBuffer"
	if err := c.begin(op); err != nil {
		return err
	}
	g, err := c.geomOfKind(op, geomID, TrianglesGeom)
	if err != nil {
		return c.track(err)
	}
	binding, err := c.checkArray(op, bufferID, count, stride, offset, backend.VertexSize)
	if err != nil {
		return c.track(err)
	}
	g.vertices = binding
	return nil
}

// Bind an index array of packed int32 triples. A zero stride selects a
// tightly packed layout.
func (c *Context) TrianglesGeomSetIndexBuffer(geomID, bufferID, count, stride, offset int) error {
	const op = "TrianglesGeomSetIndexBuffer"
	if err := c.begin(op); err != nil {
		return err
	}
	g, err := c.geomOfKind(op, geomID, TrianglesGeom)
	if err != nil {
		return c.track(err)
	}
	binding, err := c.checkArray(op, bufferID, count, stride, offset, backend.IndexSize)
	if err != nil {
		return c.track(err)
	}
	g.indices = binding
	return nil
}

// Set the number of primitives of a user geometry. Previously computed
// bounds are discarded.
func (c *Context) UserGeomSetPrimCount(geomID, numPrims int) error {
	const op = "UserGeomSetPrimCount"
	if err := c.begin(op); err != nil {
		return err
	}
	g, err := c.geomOfKind(op, geomID, UserGeom)
	if err != nil {
		return c.track(err)
	}
	if numPrims < 0 {
		return c.track(errorf(InvalidArgument, op, "invalid primitive count %d", numPrims))
	}
	if numPrims != g.primCount {
		c.dropComputedBounds(g)
	}
	g.primCount = numPrims
	return nil
}

// Use a buffer of primCount AABBs (6 float32 each) as the bounds source.
// Fails with ConflictingBoundsSource if the geometry already has a source,
// including another bounds buffer.
func (c *Context) UserGeomSetBoundsBuffer(geomID, bufferID int) error {
	const op = "UserGeomSetBoundsBuffer"
	if err := c.begin(op); err != nil {
		return err
	}
	if _, err := c.buffers.get(op, bufferID); err != nil {
		return c.track(err)
	}
	return c.track(c.setBoundsSource(op, geomID, boundsSource{kind: boundsFromBuffer, buffer: bufferID}))
}

// Use the geometry type's device bounds program as the bounds source.
func (c *Context) UserGeomUseBoundsProgram(geomID int) error {
	const op = "UserGeomUseBoundsProgram"
	if err := c.begin(op); err != nil {
		return err
	}
	return c.track(c.setBoundsSource(op, geomID, boundsSource{kind: boundsFromProgram}))
}

// Use a host callback invoked once per primitive per device as the bounds
// source.
func (c *Context) UserGeomSetBoundsCallback(geomID int, cb BoundsFunc) error {
	const op = "UserGeomSetBoundsCallback"
	if err := c.begin(op); err != nil {
		return err
	}
	if cb == nil {
		return c.track(errorf(InvalidArgument, op, "nil bounds callback"))
	}
	return c.track(c.setBoundsSource(op, geomID, boundsSource{kind: boundsFromCallback, callback: cb}))
}

// A user geometry has exactly one bounds source, set once. Recreate the
// geometry to bind a different one.
func (c *Context) setBoundsSource(op string, geomID int, src boundsSource) error {
	g, err := c.geomOfKind(op, geomID, UserGeom)
	if err != nil {
		return err
	}
	if g.bounds.kind != noBounds {
		return errorf(ConflictingBoundsSource, op, "geometry %d already uses a %s", geomID, g.bounds.kind)
	}
	if src.kind == boundsFromProgram {
		if gt := c.geomTypeOf(g); gt == nil || gt.bounds == nil {
			return errorf(InvalidState, op, "geometry type %d has no device bounds program", g.geomType)
		}
	}

	c.dropComputedBounds(g)
	g.bounds = src
	return nil
}
