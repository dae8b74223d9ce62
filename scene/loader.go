package scene

import (
	"time"

	"github.com/achilleasa/raygraph/asset"
	"github.com/achilleasa/raygraph/asset/mesh"
	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/ll"
	"github.com/achilleasa/raygraph/log"
	"github.com/achilleasa/raygraph/types"
	"github.com/pkg/errors"
)

// A scene registered with a context. The maps translate description names
// to context resource IDs.
type Scene struct {
	Desc *Description

	Modules      map[string]int
	Buffers      map[string]int
	GeomTypes    map[string]int
	Geoms        map[string]int
	Groups       map[string]int
	RayGens      map[string]int
	MissProgs    map[string]int
	LaunchParams map[string]int

	// Meshes by description name.
	Meshes map[string]*mesh.Mesh

	// How long each load stage took, in execution order.
	Timings []StageTiming

	ctx    *ll.Context
	idx    *sceneIndex
	logger log.Logger
}

type StageTiming struct {
	Stage string
	Time  time.Duration
}

// The buffer names used for the arrays of a mesh.
func MeshVertexBuffer(meshName string) string { return meshName + ".vertices" }
func MeshIndexBuffer(meshName string) string  { return meshName + ".indices" }

// Register every resource in desc with ctx and build it: modules are
// compiled, programs created, bounds computed, groups built bottom-up, the
// pipeline linked and the shader binding table filled in. The context
// tables are reallocated, so any resource ctx already holds is destroyed.
func Load(ctx *ll.Context, desc *Description) (*Scene, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	idx, err := desc.index()
	if err != nil {
		return nil, err
	}

	s := &Scene{
		Desc:         desc,
		Modules:      map[string]int(idx.modules),
		Buffers:      make(map[string]int),
		GeomTypes:    map[string]int(idx.geomTypes),
		Geoms:        map[string]int(idx.geoms),
		Groups:       map[string]int(idx.groups),
		RayGens:      map[string]int(idx.rayGens),
		MissProgs:    map[string]int(idx.missProgs),
		LaunchParams: map[string]int(idx.launchParams),
		Meshes:       make(map[string]*mesh.Mesh),
		ctx:          ctx,
		idx:          idx,
		logger:       log.New("scene loader"),
	}

	stages := []struct {
		name string
		fn   func() error
	}{
		{"settings", s.applySettings},
		{"modules", s.loadModules},
		{"buffers", s.loadBuffers},
		{"programs", s.createPrograms},
		{"geometry types", s.createGeomTypes},
		{"geometries", s.createGeoms},
		{"groups", s.createGroups},
		{"hit groups", ctx.BuildPrograms},
		{"accels", s.buildGroups},
		{"pipeline", ctx.CreatePipeline},
		{"sbt", s.buildSBT},
		{"launch params", s.createLaunchParams},
	}

	start := time.Now()
	for _, stage := range stages {
		stageStart := time.Now()
		if err = stage.fn(); err != nil {
			return nil, errors.Wrapf(err, "scene: %s", stage.name)
		}
		elapsed := time.Since(stageStart)
		s.Timings = append(s.Timings, StageTiming{Stage: stage.name, Time: elapsed})
		s.logger.Debugf("%s ready in %d ms", stage.name, elapsed.Nanoseconds()/1e6)
	}

	s.logger.Noticef(
		"loaded scene with %d geometries in %d groups on %d device(s) in %d ms",
		len(desc.Geometries), len(desc.Groups), ctx.DeviceCount(), time.Since(start).Nanoseconds()/1e6,
	)
	return s, nil
}

// The context the scene was loaded into.
func (s *Scene) Context() *ll.Context {
	return s.ctx
}

// Run a named ray-gen program over a width x height grid on every device.
func (s *Scene) Launch(rayGen string, width, height int) error {
	rayGenID, exists := s.RayGens[rayGen]
	if !exists {
		return errors.Errorf("scene: unknown ray-gen program %q", rayGen)
	}
	return s.ctx.Launch2D(rayGenID, width, height)
}

// Get the build state of every group.
func (s *Scene) GroupStates() (map[string]ll.GroupState, error) {
	states := make(map[string]ll.GroupState, len(s.Groups))
	for name, groupID := range s.Groups {
		state, err := s.ctx.GroupGetState(groupID)
		if err != nil {
			return nil, err
		}
		states[name] = state
	}
	return states, nil
}

func (s *Scene) applySettings() error {
	// Drop groups and geometries first; they reference every other table
	// and the ray type count cannot change while groups exist.
	if err := s.ctx.AllocGroups(0); err != nil {
		return err
	}
	if err := s.ctx.AllocGeoms(0); err != nil {
		return err
	}

	if s.Desc.RayTypes > 0 {
		if err := s.ctx.SetRayTypeCount(s.Desc.RayTypes); err != nil {
			return err
		}
	}
	if s.Desc.MaxInstancingDepth > 0 {
		return s.ctx.SetMaxInstancingDepth(s.Desc.MaxInstancingDepth)
	}
	return nil
}

func (s *Scene) loadModules() error {
	if err := s.ctx.AllocModules(len(s.Desc.Modules)); err != nil {
		return err
	}
	for moduleID, m := range s.Desc.Modules {
		source := m.Code
		if m.Source != "" {
			data, err := asset.ReadAll(m.Source, s.Desc.source)
			if err != nil {
				return errors.Wrapf(err, "module %q", m.Name)
			}
			source = string(data)
		}
		if err := s.ctx.ModuleCreate(moduleID, source); err != nil {
			return errors.Wrapf(err, "module %q", m.Name)
		}
	}
	return s.ctx.BuildModules()
}

func (s *Scene) loadMesh(m MeshDesc) (*mesh.Mesh, error) {
	meshes, err := mesh.Load(m.Path, s.Desc.source)
	if err != nil {
		return nil, err
	}

	if m.Object != "" {
		for _, candidate := range meshes {
			if candidate.Name == m.Object {
				return candidate, nil
			}
		}
		return nil, errors.Errorf("%s does not define object %q", m.Path, m.Object)
	}

	merged := &mesh.Mesh{Name: m.Name}
	for _, part := range meshes {
		base := int32(len(merged.Vertices))
		merged.Vertices = append(merged.Vertices, part.Vertices...)
		for _, tri := range part.Indices {
			merged.Indices = append(merged.Indices, [3]int32{tri[0] + base, tri[1] + base, tri[2] + base})
		}
	}
	if len(merged.Indices) == 0 {
		return nil, errors.Errorf("%s defines no faces", m.Path)
	}
	return merged, nil
}

func (s *Scene) loadBuffers() error {
	numBuffers := len(s.Desc.Buffers) + 2*len(s.Desc.Meshes)
	if err := s.ctx.AllocBuffers(numBuffers); err != nil {
		return err
	}

	for bufferID, b := range s.Desc.Buffers {
		if err := s.createBuffer(bufferID, b); err != nil {
			return errors.Wrapf(err, "buffer %q", b.Name)
		}
		s.Buffers[b.Name] = bufferID
	}

	bufferID := len(s.Desc.Buffers)
	for _, m := range s.Desc.Meshes {
		loaded, err := s.loadMesh(m)
		if err != nil {
			return errors.Wrapf(err, "mesh %q", m.Name)
		}
		s.Meshes[m.Name] = loaded

		arrays := []struct {
			name     string
			elemSize int
			count    int
			data     []byte
		}{
			{MeshVertexBuffer(m.Name), backend.VertexSize, len(loaded.Vertices), loaded.VertexData()},
			{MeshIndexBuffer(m.Name), backend.IndexSize, len(loaded.Indices), loaded.IndexData()},
		}
		for _, a := range arrays {
			if _, exists := s.Buffers[a.name]; exists {
				return errors.Errorf("mesh %q buffer %q clashes with an existing buffer", m.Name, a.name)
			}
			if err = s.ctx.DeviceBufferCreate(bufferID, a.elemSize, a.count, a.data); err != nil {
				return errors.Wrapf(err, "mesh %q", m.Name)
			}
			s.Buffers[a.name] = bufferID
			bufferID++
		}
		s.logger.Infof("uploaded mesh %q: %d vertices, %d triangles", m.Name, len(loaded.Vertices), len(loaded.Indices))
	}
	return nil
}

func (s *Scene) createBuffer(bufferID int, b BufferDesc) error {
	var data []byte
	switch {
	case len(b.Floats) != 0:
		data = backend.EncodeFloat32s(b.Floats)
	case len(b.Ints) != 0:
		data = backend.EncodeInt32s(b.Ints)
	}

	switch b.Kind {
	case PinnedBuffer:
		if err := s.ctx.HostPinnedBufferCreate(bufferID, b.ElementSize, b.Count); err != nil {
			return err
		}
		if data != nil {
			return s.ctx.BufferUpload(bufferID, data)
		}
		return nil
	case ManagedBuffer:
		return s.ctx.ManagedBufferCreate(bufferID, b.ElementSize, b.Count, data)
	default:
		return s.ctx.DeviceBufferCreate(bufferID, b.ElementSize, b.Count, data)
	}
}

func (s *Scene) createPrograms() error {
	if err := s.ctx.AllocRayGens(len(s.Desc.RayGens)); err != nil {
		return err
	}
	for rayGenID, p := range s.Desc.RayGens {
		if err := s.ctx.RayGenCreate(rayGenID, s.idx.modules[p.Module], p.Program, p.recordSize()); err != nil {
			return errors.Wrapf(err, "ray-gen %q", p.Name)
		}
	}

	if err := s.ctx.AllocMissProgs(len(s.Desc.MissProgs)); err != nil {
		return err
	}
	for missProgID, p := range s.Desc.MissProgs {
		if err := s.ctx.MissProgCreate(missProgID, s.idx.modules[p.Module], p.Program, p.recordSize()); err != nil {
			return errors.Wrapf(err, "miss program %q", p.Name)
		}
	}
	return nil
}

func (s *Scene) createGeomTypes() error {
	if err := s.ctx.AllocGeomTypes(len(s.Desc.GeomTypes)); err != nil {
		return err
	}

	for typeID, gt := range s.Desc.GeomTypes {
		if err := s.ctx.GeomTypeCreate(typeID, gt.DataSize); err != nil {
			return errors.Wrapf(err, "geometry type %q", gt.Name)
		}

		bindings := []struct {
			refs []ProgramRef
			bind func(geomTypeID, rayType, moduleID int, name string) error
		}{
			{gt.ClosestHit, s.ctx.GeomTypeClosestHit},
			{gt.AnyHit, s.ctx.GeomTypeAnyHit},
			{gt.Intersect, s.ctx.GeomTypeIntersect},
		}
		for _, binding := range bindings {
			for _, ref := range binding.refs {
				if err := binding.bind(typeID, ref.RayType, s.idx.modules[ref.Module], ref.Program); err != nil {
					return errors.Wrapf(err, "geometry type %q", gt.Name)
				}
			}
		}

		if b := gt.Bounds; b != nil {
			if err := s.ctx.GeomTypeBoundsProgDevice(typeID, s.idx.modules[b.Module], b.Program, b.DataSize); err != nil {
				return errors.Wrapf(err, "geometry type %q", gt.Name)
			}
		}
	}
	return nil
}

func (s *Scene) createGeoms() error {
	if err := s.ctx.AllocGeoms(len(s.Desc.Geometries)); err != nil {
		return err
	}
	for geomID, g := range s.Desc.Geometries {
		var err error
		switch g.Kind {
		case TrianglesKind:
			err = s.createTrianglesGeom(geomID, g)
		case UserKind:
			err = s.createUserGeom(geomID, g)
		}
		if err != nil {
			return errors.Wrapf(err, "geometry %q", g.Name)
		}
	}
	return nil
}

func (s *Scene) createTrianglesGeom(geomID int, g GeomDesc) error {
	if err := s.ctx.TrianglesGeomCreate(geomID, s.idx.geomTypes[g.Type]); err != nil {
		return err
	}

	vertices, indices := g.Vertices, g.Indices
	if g.Mesh != "" {
		m := s.Meshes[g.Mesh]
		vertices = &ArrayDesc{Buffer: MeshVertexBuffer(g.Mesh), Count: len(m.Vertices)}
		indices = &ArrayDesc{Buffer: MeshIndexBuffer(g.Mesh), Count: len(m.Indices)}
	}

	if err := s.ctx.TrianglesGeomSetVertexBuffer(geomID, s.Buffers[vertices.Buffer], vertices.Count, vertices.Stride, vertices.Offset); err != nil {
		return err
	}
	if indices != nil {
		return s.ctx.TrianglesGeomSetIndexBuffer(geomID, s.Buffers[indices.Buffer], indices.Count, indices.Stride, indices.Offset)
	}
	return nil
}

func (s *Scene) createUserGeom(geomID int, g GeomDesc) error {
	if err := s.ctx.UserGeomCreate(geomID, s.idx.geomTypes[g.Type], g.Prims); err != nil {
		return err
	}

	switch b := g.Bounds; {
	case b.Buffer != "":
		return s.ctx.UserGeomSetBoundsBuffer(geomID, s.Buffers[b.Buffer])
	case b.Program:
		return s.ctx.UserGeomUseBoundsProgram(geomID)
	default:
		boxes := make([]types.Box3, len(b.Boxes))
		for i, box := range b.Boxes {
			boxes[i] = types.Box3{
				Min: types.XYZ(box[0], box[1], box[2]),
				Max: types.XYZ(box[3], box[4], box[5]),
			}
		}
		return s.ctx.UserGeomSetBoundsCallback(geomID, func(_, _, primID int) types.Box3 {
			return boxes[primID]
		})
	}
}

func (s *Scene) createGroups() error {
	if err := s.ctx.AllocGroups(len(s.Desc.Groups)); err != nil {
		return err
	}

	order, err := s.Desc.instanceOrder(s.idx)
	if err != nil {
		return err
	}
	for _, groupID := range order {
		g := s.Desc.Groups[groupID]
		if err = s.createGroup(groupID, g); err != nil {
			return errors.Wrapf(err, "group %q", g.Name)
		}
	}
	return nil
}

func (s *Scene) createGroup(groupID int, g GroupDesc) error {
	switch g.Kind {
	case TrianglesKind, UserKind:
		geomIDs := make([]int, len(g.Children))
		for i, child := range g.Children {
			geomIDs[i] = s.idx.geoms[child]
		}
		if g.Kind == TrianglesKind {
			return s.ctx.TrianglesGeomGroupCreate(groupID, geomIDs)
		}
		return s.ctx.UserGeomGroupCreate(groupID, geomIDs)
	default:
		childIDs := make([]int, len(g.Children))
		for i, child := range g.Children {
			childIDs[i] = s.idx.groups[child]
		}
		if err := s.ctx.InstanceGroupCreate(groupID, childIDs); err != nil {
			return err
		}
		for childNo, xfm := range g.Transforms {
			if err := s.ctx.InstanceGroupSetTransform(groupID, childNo, xfm.Affine()); err != nil {
				return err
			}
		}
		return nil
	}
}

// Build accels in instancing order so children are built before the groups
// that instance them.
func (s *Scene) buildGroups() error {
	order, err := s.Desc.instanceOrder(s.idx)
	if err != nil {
		return err
	}

	for _, groupID := range order {
		g := s.Desc.Groups[groupID]
		if g.Kind == UserKind {
			if err = s.buildProgramBounds(groupID, g); err != nil {
				return errors.Wrapf(err, "group %q", g.Name)
			}
		}
		if err = s.ctx.GroupAccelBuild(groupID); err != nil {
			return errors.Wrapf(err, "group %q", g.Name)
		}
	}
	return nil
}

func (s *Scene) buildProgramBounds(groupID int, g GroupDesc) error {
	maxDataSize := -1
	for _, child := range g.Children {
		geom := s.Desc.Geometries[s.idx.geoms[child]]
		if !geom.Bounds.Program {
			continue
		}
		if b := s.Desc.GeomTypes[s.idx.geomTypes[geom.Type]].Bounds; b.DataSize > maxDataSize {
			maxDataSize = b.DataSize
		}
	}
	if maxDataSize < 0 {
		return nil
	}

	return s.ctx.GroupBuildPrimitiveBounds(groupID, maxDataSize, func(geomData []byte, _, geomID, _ int) {
		copy(geomData, backend.EncodeFloat32s(s.Desc.Geometries[geomID].BoundsData))
	})
}

func (s *Scene) buildSBT() error {
	if err := s.ctx.SbtRayGensBuild(func(record []byte, _, rayGenID int) {
		copy(record, backend.EncodeFloat32s(s.Desc.RayGens[rayGenID].Record))
	}); err != nil {
		return err
	}
	if err := s.ctx.SbtMissProgsBuild(func(record []byte, _, missProgID int) {
		copy(record, backend.EncodeFloat32s(s.Desc.MissProgs[missProgID].Record))
	}); err != nil {
		return err
	}
	return s.ctx.SbtHitProgsBuild(func(record []byte, _, geomID, _ int) {
		copy(record, backend.EncodeFloat32s(s.Desc.Geometries[geomID].Record))
	})
}

func (s *Scene) createLaunchParams() error {
	if err := s.ctx.AllocLaunchParams(len(s.Desc.LaunchParams)); err != nil {
		return err
	}
	for paramsID, lp := range s.Desc.LaunchParams {
		if err := s.ctx.LaunchParamsCreate(paramsID, lp.Size); err != nil {
			return errors.Wrapf(err, "launch params %q", lp.Name)
		}
	}
	return nil
}
