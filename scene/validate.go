package scene

import (
	"github.com/pkg/errors"
)

type nameSet map[string]int

func indexNames(section string, count int, nameOf func(int) string) (nameSet, error) {
	names := make(nameSet, count)
	for i := 0; i < count; i++ {
		name := nameOf(i)
		if name == "" {
			return nil, errors.Errorf("scene: %s entry %d has no name", section, i)
		}
		if _, exists := names[name]; exists {
			return nil, errors.Errorf("scene: duplicate %s name %q", section, name)
		}
		names[name] = i
	}
	return names, nil
}

// The indices of every named section entry.
type sceneIndex struct {
	modules      nameSet
	meshes       nameSet
	buffers      nameSet
	geomTypes    nameSet
	geoms        nameSet
	groups       nameSet
	rayGens      nameSet
	missProgs    nameSet
	launchParams nameSet
}

func (d *Description) index() (*sceneIndex, error) {
	var (
		idx sceneIndex
		err error
	)
	if idx.modules, err = indexNames("module", len(d.Modules), func(i int) string { return d.Modules[i].Name }); err != nil {
		return nil, err
	}
	if idx.meshes, err = indexNames("mesh", len(d.Meshes), func(i int) string { return d.Meshes[i].Name }); err != nil {
		return nil, err
	}
	if idx.buffers, err = indexNames("buffer", len(d.Buffers), func(i int) string { return d.Buffers[i].Name }); err != nil {
		return nil, err
	}
	if idx.geomTypes, err = indexNames("geometry type", len(d.GeomTypes), func(i int) string { return d.GeomTypes[i].Name }); err != nil {
		return nil, err
	}
	if idx.geoms, err = indexNames("geometry", len(d.Geometries), func(i int) string { return d.Geometries[i].Name }); err != nil {
		return nil, err
	}
	if idx.groups, err = indexNames("group", len(d.Groups), func(i int) string { return d.Groups[i].Name }); err != nil {
		return nil, err
	}
	if idx.rayGens, err = indexNames("ray-gen", len(d.RayGens), func(i int) string { return d.RayGens[i].Name }); err != nil {
		return nil, err
	}
	if idx.missProgs, err = indexNames("miss program", len(d.MissProgs), func(i int) string { return d.MissProgs[i].Name }); err != nil {
		return nil, err
	}
	if idx.launchParams, err = indexNames("launch params", len(d.LaunchParams), func(i int) string { return d.LaunchParams[i].Name }); err != nil {
		return nil, err
	}
	return &idx, nil
}

// Check the description for consistency. Constraints that depend on the
// context (ray type count, device limits) are left to the context.
func (d *Description) Validate() error {
	if d.RayTypes < 0 || d.MaxInstancingDepth < 0 {
		return errors.New("scene: ray_types and max_instancing_depth must not be negative")
	}

	idx, err := d.index()
	if err != nil {
		return err
	}

	for _, m := range d.Modules {
		if (m.Source == "") == (m.Code == "") {
			return errors.Errorf("scene: module %q must define exactly one of source or code", m.Name)
		}
	}

	for _, m := range d.Meshes {
		if m.Path == "" {
			return errors.Errorf("scene: mesh %q has no path", m.Name)
		}
	}

	for _, b := range d.Buffers {
		if err = b.validate(); err != nil {
			return err
		}
	}

	for _, gt := range d.GeomTypes {
		if gt.DataSize < 0 {
			return errors.Errorf("scene: geometry type %q has a negative data size", gt.Name)
		}
		for _, refs := range [][]ProgramRef{gt.ClosestHit, gt.AnyHit, gt.Intersect} {
			for _, ref := range refs {
				if _, exists := idx.modules[ref.Module]; !exists {
					return errors.Errorf("scene: geometry type %q references unknown module %q", gt.Name, ref.Module)
				}
			}
		}
		if gt.Bounds != nil {
			if _, exists := idx.modules[gt.Bounds.Module]; !exists {
				return errors.Errorf("scene: geometry type %q references unknown module %q", gt.Name, gt.Bounds.Module)
			}
		}
	}

	for _, g := range d.Geometries {
		if err = d.validateGeom(idx, g); err != nil {
			return err
		}
	}

	for _, g := range d.Groups {
		if err = d.validateGroup(idx, g); err != nil {
			return err
		}
	}
	if _, err = d.instanceOrder(idx); err != nil {
		return err
	}

	for _, progs := range [][]ProgramDesc{d.RayGens, d.MissProgs} {
		for _, p := range progs {
			if _, exists := idx.modules[p.Module]; !exists {
				return errors.Errorf("scene: program %q references unknown module %q", p.Name, p.Module)
			}
			if p.DataSize < 0 || (p.DataSize > 0 && p.DataSize < 4*len(p.Record)) {
				return errors.Errorf("scene: program %q record does not fit in %d bytes", p.Name, p.DataSize)
			}
		}
	}

	for _, lp := range d.LaunchParams {
		if lp.Size <= 0 {
			return errors.Errorf("scene: launch params %q must have a positive size", lp.Name)
		}
	}
	return nil
}

func (b BufferDesc) validate() error {
	switch b.Kind {
	case "", DeviceBuffer, PinnedBuffer, ManagedBuffer:
	default:
		return errors.Errorf("scene: buffer %q has unknown kind %q", b.Name, b.Kind)
	}
	if b.ElementSize <= 0 || b.Count < 0 {
		return errors.Errorf("scene: buffer %q needs a positive element size and a non-negative count", b.Name)
	}
	if len(b.Floats) != 0 && len(b.Ints) != 0 {
		return errors.Errorf("scene: buffer %q defines both floats and ints", b.Name)
	}
	if n := len(b.Floats) + len(b.Ints); n != 0 && n*4 != b.ElementSize*b.Count {
		return errors.Errorf("scene: buffer %q holds %d bytes but its contents are %d bytes", b.Name, b.ElementSize*b.Count, n*4)
	}
	return nil
}

func (d *Description) validateGeom(idx *sceneIndex, g GeomDesc) error {
	typeIdx, exists := idx.geomTypes[g.Type]
	if !exists {
		return errors.Errorf("scene: geometry %q references unknown type %q", g.Name, g.Type)
	}
	if dataSize := d.GeomTypes[typeIdx].DataSize; 4*len(g.Record) > dataSize {
		return errors.Errorf("scene: geometry %q record does not fit in the %d bytes of type %q", g.Name, dataSize, g.Type)
	}

	checkArray := func(what string, a *ArrayDesc) error {
		if a == nil {
			return nil
		}
		if _, exists := idx.buffers[a.Buffer]; !exists {
			return errors.Errorf("scene: geometry %q %s reference unknown buffer %q", g.Name, what, a.Buffer)
		}
		return nil
	}

	switch g.Kind {
	case TrianglesKind:
		if (g.Mesh == "") == (g.Vertices == nil) {
			return errors.Errorf("scene: triangle geometry %q must define exactly one of mesh or vertices", g.Name)
		}
		if g.Mesh != "" {
			if _, exists := idx.meshes[g.Mesh]; !exists {
				return errors.Errorf("scene: geometry %q references unknown mesh %q", g.Name, g.Mesh)
			}
			if g.Indices != nil {
				return errors.Errorf("scene: geometry %q takes its indices from mesh %q", g.Name, g.Mesh)
			}
		}
		if err := checkArray("vertices", g.Vertices); err != nil {
			return err
		}
		return checkArray("indices", g.Indices)
	case UserKind:
		if g.Prims < 0 {
			return errors.Errorf("scene: geometry %q has a negative primitive count", g.Name)
		}
		b := g.Bounds
		if b == nil {
			return errors.Errorf("scene: user geometry %q has no bounds", g.Name)
		}
		sources := 0
		if b.Buffer != "" {
			sources++
			if _, exists := idx.buffers[b.Buffer]; !exists {
				return errors.Errorf("scene: geometry %q bounds reference unknown buffer %q", g.Name, b.Buffer)
			}
		}
		if b.Program {
			sources++
			if d.GeomTypes[typeIdx].Bounds == nil {
				return errors.Errorf("scene: geometry %q uses the bounds program of type %q which has none", g.Name, g.Type)
			}
		}
		if b.Boxes != nil {
			sources++
			if len(b.Boxes) != g.Prims {
				return errors.Errorf("scene: geometry %q lists %d boxes for %d primitives", g.Name, len(b.Boxes), g.Prims)
			}
		}
		if sources != 1 {
			return errors.Errorf("scene: user geometry %q must define exactly one bounds source", g.Name)
		}
		return nil
	default:
		return errors.Errorf("scene: geometry %q has unknown kind %q", g.Name, g.Kind)
	}
}

func (d *Description) validateGroup(idx *sceneIndex, g GroupDesc) error {
	switch g.Kind {
	case TrianglesKind, UserKind:
		if len(g.Transforms) != 0 {
			return errors.Errorf("scene: geometry group %q cannot define transforms", g.Name)
		}
		for _, child := range g.Children {
			geomIdx, exists := idx.geoms[child]
			if !exists {
				return errors.Errorf("scene: group %q references unknown geometry %q", g.Name, child)
			}
			if kind := d.Geometries[geomIdx].Kind; kind != g.Kind {
				return errors.Errorf("scene: %s group %q cannot hold %s geometry %q", g.Kind, g.Name, kind, child)
			}
		}
	case InstanceKind:
		if len(g.Transforms) > len(g.Children) {
			return errors.Errorf("scene: group %q defines %d transforms for %d children", g.Name, len(g.Transforms), len(g.Children))
		}
		for _, child := range g.Children {
			if child == g.Name {
				return errors.Errorf("scene: group %q instances itself", g.Name)
			}
			if _, exists := idx.groups[child]; !exists {
				return errors.Errorf("scene: group %q references unknown group %q", g.Name, child)
			}
		}
	default:
		return errors.Errorf("scene: group %q has unknown kind %q", g.Name, g.Kind)
	}
	return nil
}

// Order groups so that every group comes after the groups it instances.
func (d *Description) instanceOrder(idx *sceneIndex) ([]int, error) {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make([]int, len(d.Groups))
	order := make([]int, 0, len(d.Groups))

	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return errors.Errorf("scene: instancing cycle %v", append(path, d.Groups[i].Name))
		}
		state[i] = visiting
		if d.Groups[i].Kind == InstanceKind {
			for _, child := range d.Groups[i].Children {
				if err := visit(idx.groups[child], append(path, d.Groups[i].Name)); err != nil {
					return err
				}
			}
		}
		state[i] = done
		order = append(order, i)
		return nil
	}

	for i := range d.Groups {
		if err := visit(i, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
