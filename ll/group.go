package ll

import (
	"time"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/types"
)

type GroupKind uint8

// Supported group kinds.
const (
	TrianglesGeomGroup GroupKind = iota
	UserGeomGroup
	InstanceGroup
)

func (k GroupKind) String() string {
	switch k {
	case TrianglesGeomGroup:
		return "triangles geometry group"
	case UserGeomGroup:
		return "user geometry group"
	}
	return "instance group"
}

type GroupState uint8

// Group build states.
const (
	Unbuilt GroupState = iota

	// Primitive bounds of every user geometry child are available.
	BoundsComputed

	Built

	// Built, but membership or transforms changed since.
	Stale
)

func (s GroupState) String() string {
	switch s {
	case Unbuilt:
		return "unbuilt"
	case BoundsComputed:
		return "bounds computed"
	case Built:
		return "built"
	}
	return "stale"
}

// A callback that fills the data block a device bounds program receives for
// one geometry of a group.
type BoundsDataWriter func(geomData []byte, deviceID, geomID, childID int)

// Child slots that have not been assigned hold this ID.
const unsetChild = -1

// Instances are visible to every ray.
const defaultVisibilityMask = 0xff

type group struct {
	kind GroupKind

	// Geometry IDs for geometry groups, group IDs for instance groups.
	children []int

	// Per-child transforms of an instance group.
	transforms []types.Affine3

	state GroupState

	// First hit record slot of a geometry group.
	sbtBegin int

	// Instance nesting depth; 0 for geometry groups.
	depth int

	accels      perDevice[backend.Accel]
	instanceMem perDevice[backend.Memory]
}

func (g *group) isGeomGroup() bool {
	return g.kind != InstanceGroup
}

func (g *group) builtEverywhere() bool {
	if g.accels == nil {
		return false
	}
	for _, accel := range g.accels {
		if accel == nil {
			return false
		}
	}
	return true
}

// Mark the group as out of date after a membership or transform change.
func (g *group) invalidate() {
	switch g.state {
	case Built:
		g.state = Stale
	case BoundsComputed:
		g.state = Unbuilt
	}
}

// Resize the group table to n slots, destroying every existing group.
func (c *Context) AllocGroups(n int) error {
	const op = "AllocGroups"
	if err := c.begin(op); err != nil {
		return err
	}
	if err := checkCount(op, n); err != nil {
		return c.track(err)
	}
	c.groups.alloc(n, c.destroyGroup)
	return nil
}

func (c *Context) destroyGroup(groupID int, g *group) {
	c.releaseAccels(groupID, g.accels)
	g.accels = nil
	c.freePerDevice(g.instanceMem)
	g.instanceMem = nil
	if g.isGeomGroup() {
		c.sbtSlots.release(g.sbtBegin, len(g.children))
	}
}

func (c *Context) releaseAccels(groupID int, accels perDevice[backend.Accel]) {
	for id, accel := range accels {
		c.releaseAccel(groupID, id, accel)
	}
}

func (c *Context) releaseAccel(groupID, id int, accel backend.Accel) {
	if accel == nil {
		return
	}
	size := accel.Size()
	if err := accel.Release(); err != nil {
		c.logger.Warningf("could not release accel of group %d on device %d: %v", groupID, id, err)
		return
	}
	c.devices[id].stats.AccelBytes -= int64(size)
}

// Create a group of triangle geometries. Child IDs may be -1 and assigned
// later with GeomGroupSetChild.
func (c *Context) TrianglesGeomGroupCreate(groupID int, geomIDs []int) error {
	return c.track(c.createGroup("TrianglesGeomGroupCreate", groupID, TrianglesGeomGroup, geomIDs))
}

// Create a group of user geometries. Child IDs may be -1 and assigned later
// with GeomGroupSetChild.
func (c *Context) UserGeomGroupCreate(groupID int, geomIDs []int) error {
	return c.track(c.createGroup("UserGeomGroupCreate", groupID, UserGeomGroup, geomIDs))
}

// Create an instance group over other groups. Every child starts with an
// identity transform. Child IDs may be -1 and assigned later with
// InstanceGroupSetChild.
func (c *Context) InstanceGroupCreate(groupID int, childGroupIDs []int) error {
	return c.track(c.createGroup("InstanceGroupCreate", groupID, InstanceGroup, childGroupIDs))
}

func (c *Context) createGroup(op string, groupID int, kind GroupKind, children []int) error {
	if err := c.begin(op); err != nil {
		return err
	}
	existing, err := c.groups.lookup(op, groupID)
	if err != nil {
		return err
	}

	g := &group{kind: kind, children: make([]int, len(children))}
	for childNo, childID := range children {
		if childID != unsetChild {
			if err = c.checkChild(op, groupID, g, childID); err != nil {
				return err
			}
		}
		g.children[childNo] = childID
	}

	if existing != nil {
		c.destroyGroup(groupID, existing)
	}
	if kind == InstanceGroup {
		g.transforms = make([]types.Affine3, len(children))
		for i := range g.transforms {
			g.transforms[i] = types.AffineIdent()
		}
	} else {
		g.sbtBegin = c.sbtSlots.alloc(len(children))
	}

	c.groups.put(groupID, g)
	c.logger.Debugf("created %s %d with %d children", kind, groupID, len(children))
	return nil
}

// Validate a child ID for a group.
func (c *Context) checkChild(op string, groupID int, g *group, childID int) error {
	if g.kind == InstanceGroup {
		if childID == groupID {
			return errorf(InvalidArgument, op, "group %d cannot instance itself", groupID)
		}
		_, err := c.groups.get(op, childID)
		return err
	}

	want := TrianglesGeom
	if g.kind == UserGeomGroup {
		want = UserGeom
	}
	_, err := c.geomOfKind(op, childID, want)
	return err
}

func (c *Context) checkChildNo(op string, groupID int, g *group, childNo int) error {
	if childNo < 0 || childNo >= len(g.children) {
		return errorf(InvalidArgument, op, "child %d out of range [0, %d) for group %d", childNo, len(g.children), groupID)
	}
	return nil
}

// Assign a child of a geometry group.
func (c *Context) GeomGroupSetChild(groupID, childNo, geomID int) error {
	return c.track(c.setChild("GeomGroupSetChild", groupID, childNo, geomID, false))
}

// Assign a child of an instance group.
func (c *Context) InstanceGroupSetChild(groupID, childNo, childGroupID int) error {
	return c.track(c.setChild("InstanceGroupSetChild", groupID, childNo, childGroupID, true))
}

func (c *Context) setChild(op string, groupID, childNo, childID int, instance bool) error {
	if err := c.begin(op); err != nil {
		return err
	}
	g, err := c.groups.get(op, groupID)
	if err != nil {
		return err
	}
	if instance != (g.kind == InstanceGroup) {
		return errorf(InvalidArgument, op, "group %d is a %s", groupID, g.kind)
	}
	if err = c.checkChildNo(op, groupID, g, childNo); err != nil {
		return err
	}
	if err = c.checkChild(op, groupID, g, childID); err != nil {
		return err
	}

	g.children[childNo] = childID
	g.invalidate()
	return nil
}

// Set the transform of an instance group child.
func (c *Context) InstanceGroupSetTransform(groupID, childNo int, xfm types.Affine3) error {
	const op = "InstanceGroupSetTransform"
	if err := c.begin(op); err != nil {
		return err
	}
	g, err := c.groups.get(op, groupID)
	if err != nil {
		return c.track(err)
	}
	if g.kind != InstanceGroup {
		return c.track(errorf(InvalidArgument, op, "group %d is a %s", groupID, g.kind))
	}
	if err = c.checkChildNo(op, groupID, g, childNo); err != nil {
		return c.track(err)
	}

	g.transforms[childNo] = xfm
	g.invalidate()
	return nil
}

// Get the build state of a group.
func (c *Context) GroupGetState(groupID int) (GroupState, error) {
	g, err := c.groups.get("GroupGetState", groupID)
	if err != nil {
		return Unbuilt, c.track(err)
	}
	return g.state, nil
}

// Get the traversable handle of a built group on a device.
func (c *Context) GroupGetTraversable(groupID, deviceID int) (backend.TraversableHandle, error) {
	const op = "GroupGetTraversable"
	g, err := c.groups.get(op, groupID)
	if err != nil {
		return 0, c.track(err)
	}
	if _, err = c.device(op, deviceID); err != nil {
		return 0, c.track(err)
	}
	if g.accels == nil || g.accels[deviceID] == nil {
		return 0, c.track(errorf(InvalidState, op, "group %d has not been built", groupID))
	}
	return g.accels[deviceID].Handle(), nil
}

// Get the SBT offset instances of this group use: the index of the group's
// first hit record. Instance groups have no hit records and report 0.
func (c *Context) GroupGetSbtOffset(groupID int) (int, error) {
	g, err := c.groups.get("GroupGetSbtOffset", groupID)
	if err != nil {
		return 0, c.track(err)
	}
	return c.sbtOffset(g), nil
}

func (c *Context) sbtOffset(g *group) int {
	if !g.isGeomGroup() {
		return 0
	}
	return g.sbtBegin * c.rayTypeCount
}

// Resolve the geometry children of a geometry group. Every slot must be
// assigned.
func (c *Context) groupGeoms(op string, groupID int, g *group) ([]*geom, error) {
	geoms := make([]*geom, len(g.children))
	for childNo, geomID := range g.children {
		if geomID == unsetChild {
			return nil, errorf(InvalidState, op, "child %d of group %d is unset", childNo, groupID)
		}
		geom, err := c.geoms.get(op, geomID)
		if err != nil {
			return nil, err
		}
		geoms[childNo] = geom
	}
	return geoms, nil
}

// Compute the primitive bounds of every user geometry in the group whose
// bounds come from a device program or a host callback. For device
// programs, cb fills the per-geometry data block (at most maxGeomDataSize
// bytes) passed to the program on each device; cb may be nil.
func (c *Context) GroupBuildPrimitiveBounds(groupID, maxGeomDataSize int, cb BoundsDataWriter) error {
	const op = "GroupBuildPrimitiveBounds"
	if err := c.begin(op); err != nil {
		return err
	}
	g, err := c.groups.get(op, groupID)
	if err != nil {
		return c.track(err)
	}
	if g.kind != UserGeomGroup {
		return c.track(errorf(InvalidArgument, op, "group %d is a %s", groupID, g.kind))
	}
	geoms, err := c.groupGeoms(op, groupID, g)
	if err != nil {
		return c.track(err)
	}

	// Validate every child before touching any of them.
	for childNo, geom := range geoms {
		switch geom.bounds.kind {
		case noBounds:
			return c.track(errorf(InvalidState, op, "geometry %d has no bounds source", g.children[childNo]))
		case boundsFromProgram:
			gt := c.geomTypeOf(geom)
			if gt == nil || gt.bounds == nil {
				return c.track(errorf(InvalidState, op, "geometry type %d has no device bounds program", geom.geomType))
			}
			if gt.boundsDataSize > maxGeomDataSize {
				return c.track(errorf(InvalidArgument, op, "geometry type %d needs %d bytes of bounds data; max is %d", geom.geomType, gt.boundsDataSize, maxGeomDataSize))
			}
		}
	}

	for childNo, geom := range geoms {
		if geom.bounds.kind == boundsFromBuffer {
			continue
		}
		if err = c.computeBounds(op, g.children[childNo], childNo, geom, cb); err != nil {
			return c.track(err)
		}
	}

	switch g.state {
	case Unbuilt:
		g.state = BoundsComputed
	case Built:
		g.state = Stale
	}
	c.logger.Debugf("computed primitive bounds for group %d", groupID)
	return nil
}

// Run the bounds pass of a single user geometry and keep the result.
func (c *Context) computeBounds(op string, geomID, childNo int, g *geom, cb BoundsDataWriter) error {
	size := g.primCount * backend.AABBSize
	mem, devErrs := c.allocPerDevice(size)
	if len(devErrs) != 0 {
		return c.deviceFailure(op, devErrs)
	}

	if g.bounds.kind == boundsFromProgram {
		gt := c.geomTypeOf(g)
		geomData := make(perDevice[[]byte], len(c.devices))
		for id := range geomData {
			geomData[id] = make([]byte, gt.boundsDataSize)
			if cb != nil {
				cb(geomData[id], id, geomID, childNo)
			}
		}
		devErrs = c.fanOut(func(d *deviceState) error {
			return d.dev.ComputeBounds(gt.bounds.progs[d.id], geomData[d.id], g.primCount, mem[d.id].Addr())
		})
	} else {
		boxes := make(perDevice[[]byte], len(c.devices))
		for id := range boxes {
			boxes[id] = make([]byte, size)
			for primID := 0; primID < g.primCount; primID++ {
				backend.EncodeAABB(boxes[id][primID*backend.AABBSize:], g.bounds.callback(id, geomID, primID))
			}
		}
		devErrs = c.fanOut(func(d *deviceState) error {
			return mem[d.id].Write(0, boxes[d.id])
		})
	}

	if len(devErrs) != 0 {
		c.freePerDevice(mem)
		return c.deviceFailure(op, devErrs)
	}

	c.dropComputedBounds(g)
	g.boundsMem = mem
	return nil
}

// Build the acceleration structure of a group on every device. Geometry
// groups need their geometry bound (and, for device bounds programs, their
// bounds computed); instance groups need every child group built.
func (c *Context) GroupAccelBuild(groupID int) error {
	const op = "GroupAccelBuild"
	if err := c.begin(op); err != nil {
		return err
	}
	g, err := c.groups.get(op, groupID)
	if err != nil {
		return c.track(err)
	}

	var (
		inputs  perDevice[backend.BuildInput]
		instMem perDevice[backend.Memory]
		depth   int
	)
	switch g.kind {
	case TrianglesGeomGroup:
		inputs, err = c.triangleBuildInputs(op, groupID, g)
	case UserGeomGroup:
		inputs, err = c.userBuildInputs(op, groupID, g)
	case InstanceGroup:
		inputs, instMem, depth, err = c.instanceBuildInputs(op, groupID, g)
	}
	if err != nil {
		return c.track(err)
	}

	accels := make(perDevice[backend.Accel], len(c.devices))
	devErrs := c.fanOut(func(d *deviceState) (err error) {
		start := time.Now()
		accels[d.id], err = d.dev.BuildAccel(inputs[d.id])
		d.stats.AccelBuildTime += time.Since(start)
		if err == nil {
			d.stats.AccelBuilds++
			d.stats.AccelBytes += int64(accels[d.id].Size())
		}
		return err
	})

	if g.accels == nil {
		g.accels = make(perDevice[backend.Accel], len(c.devices))
	}
	if instMem != nil && g.instanceMem == nil {
		g.instanceMem = make(perDevice[backend.Memory], len(c.devices))
	}

	// Devices that succeeded switch to the new accel; the rest keep theirs.
	failed := make(map[int]bool, len(devErrs))
	for _, devErr := range devErrs {
		failed[devErr.Device] = true
	}
	for id := range c.devices {
		if failed[id] {
			if instMem != nil {
				c.freeOnDevice(id, instMem[id])
			}
			continue
		}
		c.releaseAccel(groupID, id, g.accels[id])
		g.accels[id] = accels[id]
		if instMem != nil {
			c.freeOnDevice(id, g.instanceMem[id])
			g.instanceMem[id] = instMem[id]
		}
	}

	if len(devErrs) != 0 {
		if len(devErrs) < len(c.devices) {
			g.state = Stale
		}
		return c.track(c.deviceFailure(op, devErrs))
	}

	g.depth = depth
	g.state = Built
	c.logger.Infof("built %s %d on %d device(s)", g.kind, groupID, len(c.devices))
	return nil
}

func (c *Context) freeOnDevice(id int, mem backend.Memory) {
	if mem == nil {
		return
	}
	single := make(perDevice[backend.Memory], len(c.devices))
	single[id] = mem
	c.freePerDevice(single)
}

// Bind the vertex (and optional index) arrays of every child in child order.
func (c *Context) triangleBuildInputs(op string, groupID int, g *group) (perDevice[backend.BuildInput], error) {
	geoms, err := c.groupGeoms(op, groupID, g)
	if err != nil {
		return nil, err
	}

	type meshArrays struct {
		vertices, indices *arrayBinding
		vbuf, ibuf        *buffer
	}
	meshes := make([]meshArrays, len(geoms))
	for childNo, geom := range geoms {
		geomID := g.children[childNo]
		if geom.vertices == nil {
			return nil, errorf(InvalidState, op, "geometry %d has no vertex buffer", geomID)
		}
		// The buffers may have been resized since they were bound.
		v := geom.vertices
		if meshes[childNo].vertices, err = c.checkArray(op, v.buffer, v.count, v.stride, v.offset, backend.VertexSize); err != nil {
			return nil, err
		}
		meshes[childNo].vbuf = c.buffers.slots[v.buffer]
		if ix := geom.indices; ix != nil {
			if meshes[childNo].indices, err = c.checkArray(op, ix.buffer, ix.count, ix.stride, ix.offset, backend.IndexSize); err != nil {
				return nil, err
			}
			meshes[childNo].ibuf = c.buffers.slots[ix.buffer]
		}
	}

	inputs := make(perDevice[backend.BuildInput], len(c.devices))
	for id := range inputs {
		if len(meshes) == 0 {
			inputs[id] = backend.BuildInput{AABBs: []backend.AABBInput{{}}}
			continue
		}
		tris := make([]backend.TriangleInput, len(meshes))
		for i, m := range meshes {
			tris[i] = backend.TriangleInput{
				Vertices:     m.vbuf.mem[id].Addr() + backend.DevicePtr(m.vertices.offset),
				VertexCount:  m.vertices.count,
				VertexStride: m.vertices.stride,
			}
			if m.indices != nil {
				tris[i].Indices = m.ibuf.mem[id].Addr() + backend.DevicePtr(m.indices.offset)
				tris[i].IndexCount = m.indices.count
				tris[i].IndexStride = m.indices.stride
			}
		}
		inputs[id] = backend.BuildInput{Triangles: tris}
	}
	return inputs, nil
}

// Collect the primitive bounds of every child. Host callback bounds that
// have not been computed yet are computed here.
func (c *Context) userBuildInputs(op string, groupID int, g *group) (perDevice[backend.BuildInput], error) {
	geoms, err := c.groupGeoms(op, groupID, g)
	if err != nil {
		return nil, err
	}

	for childNo, geom := range geoms {
		geomID := g.children[childNo]
		switch geom.bounds.kind {
		case noBounds:
			return nil, errorf(InvalidState, op, "geometry %d has no bounds source", geomID)
		case boundsFromBuffer:
			buf, err := c.buffers.get(op, geom.bounds.buffer)
			if err != nil {
				return nil, err
			}
			if need := geom.primCount * backend.AABBSize; buf.Size() < need {
				return nil, errorf(InvalidArgument, op, "bounds buffer %d holds %d bytes; geometry %d needs %d", geom.bounds.buffer, buf.Size(), geomID, need)
			}
		case boundsFromProgram:
			if geom.boundsMem == nil {
				return nil, errorf(InvalidState, op, "bounds of geometry %d have not been computed; call GroupBuildPrimitiveBounds first", geomID)
			}
		}
	}
	for childNo, geom := range geoms {
		if geom.bounds.kind == boundsFromCallback && geom.boundsMem == nil {
			if err = c.computeBounds(op, g.children[childNo], childNo, geom, nil); err != nil {
				return nil, err
			}
		}
	}

	inputs := make(perDevice[backend.BuildInput], len(c.devices))
	for id := range inputs {
		aabbs := make([]backend.AABBInput, len(geoms))
		for i, geom := range geoms {
			aabbs[i].Count = geom.primCount
			if geom.bounds.kind == boundsFromBuffer {
				aabbs[i].Bounds = c.buffers.slots[geom.bounds.buffer].mem[id].Addr()
			} else {
				aabbs[i].Bounds = geom.boundsMem[id].Addr()
			}
		}
		if len(aabbs) == 0 {
			aabbs = []backend.AABBInput{{}}
		}
		inputs[id] = backend.BuildInput{AABBs: aabbs}
	}
	return inputs, nil
}

// Encode the instance array of an instance group on every device and
// compute the nesting depth of the group.
func (c *Context) instanceBuildInputs(op string, groupID int, g *group) (perDevice[backend.BuildInput], perDevice[backend.Memory], int, error) {
	children := make([]*group, len(g.children))
	depth := 1
	for childNo, childID := range g.children {
		if childID == unsetChild {
			return nil, nil, 0, errorf(InvalidState, op, "child %d of group %d is unset", childNo, groupID)
		}
		child, err := c.groups.get(op, childID)
		if err != nil {
			return nil, nil, 0, err
		}
		if child.state != Built && child.state != Stale || !child.builtEverywhere() {
			return nil, nil, 0, errorf(InvalidState, op, "child group %d of group %d has not been built", childID, groupID)
		}
		if child.depth+1 > depth {
			depth = child.depth + 1
		}
		children[childNo] = child
	}

	if depth > c.maxInstancingDepth {
		if c.opts.ValidateInstancingDepth {
			return nil, nil, 0, errorf(InstancingDepthExceeded, op, "group %d has instancing depth %d; max is %d", groupID, depth, c.maxInstancingDepth)
		}
		c.logger.Warningf("group %d has instancing depth %d which exceeds the max of %d", groupID, depth, c.maxInstancingDepth)
	}

	instMem, devErrs := c.allocPerDevice(len(children) * backend.InstanceSize)
	if len(devErrs) != 0 {
		return nil, nil, 0, c.deviceFailure(op, devErrs)
	}
	devErrs = c.fanOut(func(d *deviceState) error {
		data := make([]byte, len(children)*backend.InstanceSize)
		for i, child := range children {
			inst := backend.Instance{
				Transform:      g.transforms[i].RowMajor3x4(),
				InstanceID:     uint32(i),
				SBTOffset:      uint32(c.sbtOffset(child)),
				VisibilityMask: defaultVisibilityMask,
				Traversable:    child.accels[d.id].Handle(),
			}
			inst.Encode(data[i*backend.InstanceSize:])
		}
		return instMem[d.id].Write(0, data)
	})
	if len(devErrs) != 0 {
		c.freePerDevice(instMem)
		return nil, nil, 0, c.deviceFailure(op, devErrs)
	}

	inputs := make(perDevice[backend.BuildInput], len(c.devices))
	for id := range inputs {
		inputs[id] = backend.BuildInput{Instances: &backend.InstanceInput{
			Instances: instMem[id].Addr(),
			Count:     len(children),
		}}
	}
	return inputs, instMem, depth, nil
}
