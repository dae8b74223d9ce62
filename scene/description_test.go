package scene

import (
	"strings"
	"testing"

	"github.com/achilleasa/raygraph/types"
)

func TestParseValidation(t *testing.T) {
	type spec struct {
		payload  string
		expError string
	}
	specs := []spec{
		{"unknown_key: 1", "field unknown_key not found"},
		{"ray_types: -1", "must not be negative"},
		{"modules: [{name: a, code: x}, {name: a, code: y}]", `duplicate module name "a"`},
		{"modules: [{code: x}]", "module entry 0 has no name"},
		{"modules: [{name: a}]", `module "a" must define exactly one of source or code`},
		{"modules: [{name: a, code: x, source: y}]", `module "a" must define exactly one of source or code`},
		{"meshes: [{name: m}]", `mesh "m" has no path`},
		{"buffers: [{name: b, kind: texture, element_size: 4, count: 1}]", `unknown kind "texture"`},
		{"buffers: [{name: b, element_size: 0, count: 1}]", "positive element size"},
		{"buffers: [{name: b, element_size: 4, count: 2, floats: [1]}]", "holds 8 bytes but its contents are 4 bytes"},
		{"buffers: [{name: b, element_size: 4, count: 1, floats: [1], ints: [1]}]", "both floats and ints"},
		{"geom_types: [{name: t, closest_hit: [{module: nope, program: p}]}]", `unknown module "nope"`},
		{"geometries: [{name: g, type: nope, kind: user}]", `unknown type "nope"`},
		{"geom_types: [{name: t}]\ngeometries: [{name: g, type: t, kind: points}]", `unknown kind "points"`},
		{"geom_types: [{name: t}]\ngeometries: [{name: g, type: t, kind: user, record: [1]}]", "record does not fit"},
		{"geom_types: [{name: t}]\ngeometries: [{name: g, type: t, kind: triangles}]", "exactly one of mesh or vertices"},
		{"geom_types: [{name: t}]\ngeometries: [{name: g, type: t, kind: triangles, mesh: m}]", `unknown mesh "m"`},
		{"geom_types: [{name: t}]\ngeometries: [{name: g, type: t, kind: triangles, vertices: {buffer: b}}]", `unknown buffer "b"`},
		{"geom_types: [{name: t}]\ngeometries: [{name: g, type: t, kind: user, prims: 1}]", "has no bounds"},
		{"geom_types: [{name: t}]\ngeometries: [{name: g, type: t, kind: user, prims: 1, bounds: {}}]", "exactly one bounds source"},
		{"geom_types: [{name: t}]\ngeometries: [{name: g, type: t, kind: user, prims: 2, bounds: {boxes: [[0, 0, 0, 1, 1, 1]]}}]", "lists 1 boxes for 2 primitives"},
		{"geom_types: [{name: t}]\ngeometries: [{name: g, type: t, kind: user, prims: 1, bounds: {program: true}}]", "which has none"},
		{"groups: [{name: g, kind: triangles, children: [x]}]", `unknown geometry "x"`},
		{"buffers: [{name: b, element_size: 24, count: 0}]\ngeom_types: [{name: t}]\ngeometries: [{name: u, type: t, kind: user, bounds: {buffer: b}}]\ngroups: [{name: g, kind: triangles, children: [u]}]", `cannot hold user geometry "u"`},
		{"groups: [{name: g, kind: user, transforms: [{}]}]", "cannot define transforms"},
		{"groups: [{name: g, kind: instance, children: [g]}]", `group "g" instances itself`},
		{"groups: [{name: g, kind: instance, children: [h]}]", `unknown group "h"`},
		{"groups: [{name: g, kind: instance, transforms: [{}]}]", "defines 1 transforms for 0 children"},
		{"groups: [{name: a, kind: instance, children: [b]}, {name: b, kind: instance, children: [a]}]", "instancing cycle [a b a]"},
		{"groups: [{name: g, kind: mesh}]", `unknown kind "mesh"`},
		{"ray_gens: [{name: r, module: m, program: p}]", `unknown module "m"`},
		{"modules: [{name: m, code: x}]\nmiss_progs: [{name: r, module: m, program: p, data_size: 2, record: [1]}]", "does not fit in 2 bytes"},
		{"launch_params: [{name: lp}]", "must have a positive size"},
	}

	for index, s := range specs {
		_, err := Parse(strings.NewReader(s.payload))
		if err == nil || !strings.Contains(err.Error(), s.expError) {
			t.Fatalf("[spec %d] expected error containing %q; got %v", index, s.expError, err)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	desc, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if len(desc.Modules) != 0 || desc.RayTypes != 0 {
		t.Fatalf("expected an empty description; got %+v", desc)
	}
}

func TestInstanceOrder(t *testing.T) {
	payload := `
groups:
  - {name: top, kind: instance, children: [mid, leaf]}
  - {name: mid, kind: instance, children: [leaf]}
  - {name: leaf, kind: user}
`
	desc, err := Parse(strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	idx, _ := desc.index()
	order, err := desc.instanceOrder(idx)
	if err != nil {
		t.Fatal(err)
	}

	pos := make(map[string]int)
	for i, groupID := range order {
		pos[desc.Groups[groupID].Name] = i
	}
	if !(pos["leaf"] < pos["mid"] && pos["mid"] < pos["top"]) {
		t.Fatalf("expected children to come before their parents; got order %v", order)
	}
}

func TestTransformDesc(t *testing.T) {
	type spec struct {
		xfm      TransformDesc
		in       types.Vec3
		expPoint types.Vec3
	}
	specs := []spec{
		{TransformDesc{}, types.XYZ(1, 2, 3), types.XYZ(1, 2, 3)},
		{TransformDesc{Translate: &[3]float32{1, 0, 0}}, types.XYZ(1, 2, 3), types.XYZ(2, 2, 3)},
		{TransformDesc{Scale: &[3]float32{2, 2, 2}, Translate: &[3]float32{0, 1, 0}}, types.XYZ(1, 1, 1), types.XYZ(2, 3, 2)},
		{TransformDesc{Rotate: &[4]float32{0, 0, 1, 90}}, types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)},
	}

	for index, s := range specs {
		got := s.xfm.Affine().TransformPoint(s.in)
		if !got.ApproxEqual(s.expPoint) {
			t.Fatalf("[spec %d] expected %v; got %v", index, s.expPoint, got)
		}
	}
}
