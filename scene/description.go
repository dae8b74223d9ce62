// Package scene describes a ray-tracing scene in yaml and replays the
// description against an ll.Context: modules are compiled, buffers and
// meshes uploaded, geometries and groups registered, acceleration structures
// built bottom-up and the shader binding table filled in.
package scene

import (
	"io"
	"math"

	"github.com/achilleasa/raygraph/asset"
	"github.com/achilleasa/raygraph/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Buffer kinds.
const (
	DeviceBuffer  = "device"
	PinnedBuffer  = "pinned"
	ManagedBuffer = "managed"
)

// Geometry and group kinds.
const (
	TrianglesKind = "triangles"
	UserKind      = "user"
	InstanceKind  = "instance"
)

type Description struct {
	RayTypes           int `yaml:"ray_types"`
	MaxInstancingDepth int `yaml:"max_instancing_depth"`

	Modules      []ModuleDesc       `yaml:"modules"`
	Meshes       []MeshDesc         `yaml:"meshes"`
	Buffers      []BufferDesc       `yaml:"buffers"`
	GeomTypes    []GeomTypeDesc     `yaml:"geom_types"`
	Geometries   []GeomDesc         `yaml:"geometries"`
	Groups       []GroupDesc        `yaml:"groups"`
	RayGens      []ProgramDesc      `yaml:"ray_gens"`
	MissProgs    []ProgramDesc      `yaml:"miss_progs"`
	LaunchParams []LaunchParamsDesc `yaml:"launch_params"`

	// Relative paths resolve against this resource.
	source *asset.Resource
}

// A module is either loaded from Source or given inline as Code.
type ModuleDesc struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Code   string `yaml:"code"`
}

// A wavefront obj file. If Object is set only the mesh with that name is
// used; otherwise every mesh in the file is merged.
type MeshDesc struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Object string `yaml:"object"`
}

type BufferDesc struct {
	Name        string    `yaml:"name"`
	Kind        string    `yaml:"kind"`
	ElementSize int       `yaml:"element_size"`
	Count       int       `yaml:"count"`
	Floats      []float32 `yaml:"floats"`
	Ints        []int32   `yaml:"ints"`
}

// A program inside a module.
type ProgramRef struct {
	RayType int    `yaml:"ray_type"`
	Module  string `yaml:"module"`
	Program string `yaml:"program"`
}

type BoundsProgDesc struct {
	Module   string `yaml:"module"`
	Program  string `yaml:"program"`
	DataSize int    `yaml:"data_size"`
}

type GeomTypeDesc struct {
	Name       string          `yaml:"name"`
	DataSize   int             `yaml:"data_size"`
	ClosestHit []ProgramRef    `yaml:"closest_hit"`
	AnyHit     []ProgramRef    `yaml:"any_hit"`
	Intersect  []ProgramRef    `yaml:"intersect"`
	Bounds     *BoundsProgDesc `yaml:"bounds"`
}

// A strided array inside a named buffer. A zero stride selects the
// buffer element size.
type ArrayDesc struct {
	Buffer string `yaml:"buffer"`
	Count  int    `yaml:"count"`
	Stride int    `yaml:"stride"`
	Offset int    `yaml:"offset"`
}

// Exactly one of Buffer, Program or Boxes must be set.
type GeomBoundsDesc struct {
	Buffer  string       `yaml:"buffer"`
	Program bool         `yaml:"program"`
	Boxes   [][6]float32 `yaml:"boxes"`
}

type GeomDesc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Kind string `yaml:"kind"`

	// Triangle geometries take their arrays from a mesh or explicit buffers.
	Mesh     string     `yaml:"mesh"`
	Vertices *ArrayDesc `yaml:"vertices"`
	Indices  *ArrayDesc `yaml:"indices"`

	// User geometries.
	Prims      int             `yaml:"prims"`
	Bounds     *GeomBoundsDesc `yaml:"bounds"`
	BoundsData []float32       `yaml:"bounds_data"`

	// Hit record payload shared by every ray type.
	Record []float32 `yaml:"record"`
}

// An instance transform: scale, then rotate, then translate.
type TransformDesc struct {
	Translate *[3]float32 `yaml:"translate"`
	Scale     *[3]float32 `yaml:"scale"`

	// Axis and angle in degrees.
	Rotate *[4]float32 `yaml:"rotate"`
}

// Build the affine transform.
func (t TransformDesc) Affine() types.Affine3 {
	xfm := types.AffineIdent()
	if t.Scale != nil {
		xfm = types.AffineScale(types.Vec3(*t.Scale))
	}
	if t.Rotate != nil {
		r := t.Rotate
		angle := r[3] * math.Pi / 180.0
		xfm = types.AffineRotate(types.QuatFromAxisAngle(types.XYZ(r[0], r[1], r[2]), angle)).Mul(xfm)
	}
	if t.Translate != nil {
		xfm = types.AffineTranslate(types.Vec3(*t.Translate)).Mul(xfm)
	}
	return xfm
}

type GroupDesc struct {
	Name       string          `yaml:"name"`
	Kind       string          `yaml:"kind"`
	Children   []string        `yaml:"children"`
	Transforms []TransformDesc `yaml:"transforms"`
}

// A ray-gen or miss program. DataSize defaults to the size of Record.
type ProgramDesc struct {
	Name     string    `yaml:"name"`
	Module   string    `yaml:"module"`
	Program  string    `yaml:"program"`
	DataSize int       `yaml:"data_size"`
	Record   []float32 `yaml:"record"`
}

func (p ProgramDesc) recordSize() int {
	if p.DataSize > 0 {
		return p.DataSize
	}
	return 4 * len(p.Record)
}

type LaunchParamsDesc struct {
	Name string `yaml:"name"`
	Size int    `yaml:"size"`
}

// Read a scene description from a local file or http(s) URL. Module sources
// and meshes referenced with relative paths resolve against it.
func ReadDescription(pathToScene string) (*Description, error) {
	res, err := asset.NewResource(pathToScene, nil)
	if err != nil {
		return nil, errors.Wrap(err, "scene")
	}
	defer res.Close()

	desc, err := Parse(res)
	if err != nil {
		return nil, errors.Wrapf(err, "scene: %s", res.Path())
	}
	desc.source = res
	return desc, nil
}

// Parse and validate a yaml scene description. Relative paths resolve
// against the current directory.
func Parse(r io.Reader) (*Description, error) {
	desc := &Description{}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(desc); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "could not decode scene")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}
