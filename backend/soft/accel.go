package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/backend/soft/bvh"
	"github.com/achilleasa/raygraph/types"
)

type accelKind uint8

const (
	triangleAccel accelKind = iota
	aabbAccel
	instanceAccel
)

func (k accelKind) String() string {
	switch k {
	case triangleAccel:
		return "triangles"
	case aabbAccel:
		return "aabbs"
	}
	return "instances"
}

const (
	// node count, primitive count, kind, padding.
	accelHeaderSize = 16

	// build input index + primitive index.
	primRefSize = 8

	minLeafPrims = 2
)

// A primitive reference gathered from a build input.
type primRef struct {
	input int
	prim  int
	box   types.Box3
}

// A built acceleration structure. Its handle is the address of the device
// memory block that holds the encoded BVH.
type accel struct {
	dev    *device
	mem    *memory
	kind   accelKind
	bounds types.Box3
	prims  int

	// Child handles referenced by an instance accel.
	children []backend.TraversableHandle
}

func (a *accel) Handle() backend.TraversableHandle {
	return backend.TraversableHandle(a.mem.addr)
}

func (a *accel) Size() int {
	return a.mem.Size()
}

func (a *accel) Release() error {
	a.dev.mu.Lock()
	delete(a.dev.accels, a.Handle())
	a.dev.mu.Unlock()
	return a.mem.Free()
}

func (d *device) BuildAccel(input backend.BuildInput) (backend.Accel, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	var (
		refs     []primRef
		kind     accelKind
		children []backend.TraversableHandle
		err      error
		inputs   int
	)

	if len(input.Triangles) != 0 {
		inputs++
		kind = triangleAccel
		for i, tri := range input.Triangles {
			var triRefs []primRef
			if triRefs, err = d.gatherTriangles(i, tri); err != nil {
				return nil, err
			}
			refs = append(refs, triRefs...)
		}
	}
	if len(input.AABBs) != 0 {
		inputs++
		kind = aabbAccel
		for i, aabbs := range input.AABBs {
			var boxRefs []primRef
			if boxRefs, err = d.gatherAABBs(i, aabbs); err != nil {
				return nil, err
			}
			refs = append(refs, boxRefs...)
		}
	}
	if input.Instances != nil {
		inputs++
		kind = instanceAccel
		if refs, children, err = d.gatherInstances(*input.Instances); err != nil {
			return nil, err
		}
	}
	if inputs != 1 {
		return nil, fmt.Errorf("soft device (%s): build input must populate exactly one input kind; got %d: %w", d.info.Name, inputs, backend.ErrInvalidBuild)
	}

	items := make([]bvh.Item, len(refs))
	for i, ref := range refs {
		items[i] = bvh.Primitive{Index: i, Box: ref.box}
	}

	order := make([]int, 0, len(refs))
	nodes := bvh.Build(items, minLeafPrims, func(leaf *bvh.Node, leafItems []bvh.Item) {
		leaf.SetPrimitives(uint32(len(order)), uint32(len(leafItems)))
		for _, item := range leafItems {
			order = append(order, item.(bvh.Primitive).Index)
		}
	}, bvh.SurfaceAreaHeuristic)

	nodeData := bvh.EncodeNodes(nodes)
	data := make([]byte, accelHeaderSize+len(nodeData)+len(order)*primRefSize)
	binary.LittleEndian.PutUint32(data[0:], uint32(len(nodes)))
	binary.LittleEndian.PutUint32(data[4:], uint32(len(order)))
	data[8] = byte(kind)
	copy(data[accelHeaderSize:], nodeData)
	offset := accelHeaderSize + len(nodeData)
	for _, refIndex := range order {
		binary.LittleEndian.PutUint32(data[offset:], uint32(refs[refIndex].input))
		binary.LittleEndian.PutUint32(data[offset+4:], uint32(refs[refIndex].prim))
		offset += primRefSize
	}

	mem, err := d.mem.alloc(len(data))
	if err != nil {
		return nil, err
	}
	if err = mem.Write(0, data); err != nil {
		mem.Free()
		return nil, err
	}

	a := &accel{
		dev:      d,
		mem:      mem,
		kind:     kind,
		bounds:   nodes[0].Bounds(),
		prims:    len(refs),
		children: children,
	}

	d.mu.Lock()
	d.accels[a.Handle()] = a
	d.mu.Unlock()

	d.logger.Debugf("built %s accel with %d primitives (%d bytes)", kind, len(refs), len(data))
	return a, nil
}

func (d *device) gatherTriangles(inputIndex int, in backend.TriangleInput) ([]primRef, error) {
	vStride := in.VertexStride
	if vStride == 0 {
		vStride = backend.VertexSize
	}
	iStride := in.IndexStride
	if iStride == 0 {
		iStride = backend.IndexSize
	}
	if vStride < backend.VertexSize || iStride < backend.IndexSize || in.VertexCount < 0 || in.IndexCount < 0 {
		return nil, fmt.Errorf("soft device (%s): triangle input %d has invalid strides or counts: %w", d.info.Name, inputIndex, backend.ErrInvalidBuild)
	}
	if in.VertexCount == 0 {
		return nil, nil
	}

	verts, err := d.resolve(in.Vertices, (in.VertexCount-1)*vStride+backend.VertexSize)
	if err != nil {
		return nil, err
	}
	vertex := func(i int) types.Vec3 {
		return backend.DecodeVec3(verts[i*vStride:])
	}

	if in.Indices == 0 {
		refs := make([]primRef, in.VertexCount/3)
		for i := range refs {
			refs[i] = primRef{
				input: inputIndex,
				prim:  i,
				box:   types.BoxFromPoints(vertex(3*i), vertex(3*i+1), vertex(3*i+2)),
			}
		}
		return refs, nil
	}

	if in.IndexCount == 0 {
		return nil, nil
	}
	indices, err := d.resolve(in.Indices, (in.IndexCount-1)*iStride+backend.IndexSize)
	if err != nil {
		return nil, err
	}

	refs := make([]primRef, in.IndexCount)
	for i := range refs {
		var points [3]types.Vec3
		for j := 0; j < 3; j++ {
			vi := int32(binary.LittleEndian.Uint32(indices[i*iStride+j*4:]))
			if vi < 0 || int(vi) >= in.VertexCount {
				return nil, fmt.Errorf("soft device (%s): triangle %d of input %d references vertex %d (vertex count %d): %w", d.info.Name, i, inputIndex, vi, in.VertexCount, backend.ErrInvalidBuild)
			}
			points[j] = vertex(int(vi))
		}
		refs[i] = primRef{input: inputIndex, prim: i, box: types.BoxFromPoints(points[:]...)}
	}
	return refs, nil
}

func (d *device) gatherAABBs(inputIndex int, in backend.AABBInput) ([]primRef, error) {
	if in.Count < 0 {
		return nil, fmt.Errorf("soft device (%s): aabb input %d has negative count: %w", d.info.Name, inputIndex, backend.ErrInvalidBuild)
	}
	if in.Count == 0 {
		return nil, nil
	}

	data, err := d.resolve(in.Bounds, in.Count*backend.AABBSize)
	if err != nil {
		return nil, err
	}
	refs := make([]primRef, in.Count)
	for i := range refs {
		refs[i] = primRef{input: inputIndex, prim: i, box: backend.DecodeAABB(data[i*backend.AABBSize:])}
	}
	return refs, nil
}

func (d *device) gatherInstances(in backend.InstanceInput) ([]primRef, []backend.TraversableHandle, error) {
	if in.Count < 0 {
		return nil, nil, fmt.Errorf("soft device (%s): instance input has negative count: %w", d.info.Name, backend.ErrInvalidBuild)
	}
	if in.Count == 0 {
		return nil, nil, nil
	}

	data, err := d.resolve(in.Instances, in.Count*backend.InstanceSize)
	if err != nil {
		return nil, nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	refs := make([]primRef, in.Count)
	children := make([]backend.TraversableHandle, in.Count)
	for i := range refs {
		inst := backend.DecodeInstance(data[i*backend.InstanceSize:])
		child, ok := d.accels[inst.Traversable]
		if !ok {
			return nil, nil, fmt.Errorf("soft device (%s): instance %d references unknown traversable 0x%x: %w", d.info.Name, i, uint64(inst.Traversable), backend.ErrInvalidBuild)
		}
		xform := types.AffineFromRowMajor3x4(inst.Transform)
		refs[i] = primRef{input: 0, prim: i, box: xform.TransformBox(child.bounds)}
		children[i] = inst.Traversable
	}
	return refs, children, nil
}

// Lookup a built accel by handle.
func (d *device) lookupAccel(handle backend.TraversableHandle) (*accel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[handle]
	return a, ok
}

// The bounds enclosed by a traversable; empty if the handle is unknown to
// the device running the kernel.
func (k *KernelContext) TraversableBounds(handle backend.TraversableHandle) types.Box3 {
	if a, ok := k.dev.lookupAccel(handle); ok {
		return a.bounds
	}
	return types.EmptyBox()
}
