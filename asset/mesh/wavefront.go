// Package mesh reads triangle meshes from wavefront obj files and packs them
// into the vertex and index layouts consumed by triangle geometries.
package mesh

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/achilleasa/raygraph/asset"
	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/log"
	"github.com/achilleasa/raygraph/types"
)

// An indexed triangle mesh. Vertices only include the positions referenced
// by the mesh faces.
type Mesh struct {
	Name     string
	Vertices []types.Vec3
	Indices  [][3]int32

	// Maps global obj vertex indices to Vertices.
	remap map[int]int32
}

func newMesh(name string) *Mesh {
	return &Mesh{
		Name:  name,
		remap: make(map[int]int32),
	}
}

// The mesh bounding box.
func (m *Mesh) Bounds() types.Box3 {
	return types.BoxFromPoints(m.Vertices...)
}

// Vertex positions packed as 3 x float32 records.
func (m *Mesh) VertexData() []byte {
	return backend.EncodeVec3s(m.Vertices)
}

// Triangle indices packed as 3 x int32 records.
func (m *Mesh) IndexData() []byte {
	return backend.EncodeIndices(m.Indices)
}

func (m *Mesh) vertexIndex(global int, vertexList []types.Vec3) int32 {
	if local, exists := m.remap[global]; exists {
		return local
	}
	local := int32(len(m.Vertices))
	m.Vertices = append(m.Vertices, vertexList[global])
	m.remap[global] = local
	return local
}

type wavefrontReader struct {
	logger log.Logger

	vertexList []types.Vec3
	meshes     []*Mesh

	// Include chain used to annotate errors.
	errStack []string
}

// Read all meshes defined by a wavefront obj resource. Each "o" or "g"
// statement starts a new mesh; faces before the first one go to a mesh
// called "default". Polygons are fan-triangulated while texture coordinates,
// normals and material statements are ignored.
func ReadWavefront(res *asset.Resource) ([]*Mesh, error) {
	r := &wavefrontReader{
		logger: log.New("wavefront reader"),
	}

	r.logger.Noticef(`parsing meshes from "%s"`, res.Path())
	start := time.Now()

	if err := r.parse(res); err != nil {
		return nil, err
	}

	// Drop objects without faces
	meshes := make([]*Mesh, 0, len(r.meshes))
	for _, m := range r.meshes {
		if len(m.Indices) == 0 {
			r.logger.Warningf(`skipping mesh "%s" as it defines no faces`, m.Name)
			continue
		}
		m.remap = nil
		meshes = append(meshes, m)
	}

	r.logger.Infof("parsed %d mesh(es) in %d ms", len(meshes), time.Since(start).Nanoseconds()/1e6)
	return meshes, nil
}

// Open the obj file at path (resolved relative to relTo) and read its meshes.
func Load(path string, relTo *asset.Resource) ([]*Mesh, error) {
	res, err := asset.NewResource(path, relTo)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	return ReadWavefront(res)
}

func (r *wavefrontReader) emitError(file string, line int, msgFormat string, args ...interface{}) error {
	msg := fmt.Sprintf(msgFormat, args...)
	return fmt.Errorf("%s", strings.Trim(
		fmt.Sprintf("wavefront: [%s: %d] error: %s\n%s", file, line, msg, strings.Join(r.errStack, "\n")),
		"\n",
	))
}

func (r *wavefrontReader) parse(res *asset.Resource) error {
	lineNum := 0

	// Positive face indices in included files are relative to the vertices
	// that file defines.
	relVertexOffset := len(r.vertexList)

	scanner := bufio.NewScanner(res)
	for scanner.Scan() {
		lineNum++
		lineTokens := strings.Fields(scanner.Text())
		if len(lineTokens) == 0 || strings.HasPrefix(lineTokens[0], "#") {
			continue
		}

		switch lineTokens[0] {
		case "call":
			if len(lineTokens) != 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "call"; expected 1 argument; got %d`, len(lineTokens)-1)
			}

			r.errStack = append(r.errStack, fmt.Sprintf("referenced from %s:%d [call]", res.Path(), lineNum))
			incRes, err := asset.NewResource(lineTokens[1], res)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
			err = r.parse(incRes)
			incRes.Close()
			if err != nil {
				return err
			}
			r.errStack = r.errStack[:len(r.errStack)-1]
		case "v":
			v, err := parseVec3(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
			r.vertexList = append(r.vertexList, v)
		case "g", "o":
			if len(lineTokens) < 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "%s"; expected 1 argument for object name; got %d`, lineTokens[0], len(lineTokens)-1)
			}
			r.meshes = append(r.meshes, newMesh(lineTokens[1]))
		case "f":
			if len(r.meshes) == 0 {
				r.meshes = append(r.meshes, newMesh("default"))
			}
			if err := r.parseFace(r.meshes[len(r.meshes)-1], lineTokens, relVertexOffset); err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
		case "vt", "vn", "usemtl", "mtllib", "s":
		default:
			r.logger.Debugf("%s:%d: ignoring unsupported statement %q", res.Path(), lineNum, lineTokens[0])
		}
	}

	if err := scanner.Err(); err != nil {
		return r.emitError(res.Path(), lineNum, "%s", err.Error())
	}
	return nil
}

func (r *wavefrontReader) parseFace(m *Mesh, lineTokens []string, relVertexOffset int) error {
	if len(lineTokens) < 4 {
		return fmt.Errorf(`unsupported syntax for "f"; expected at least 3 arguments; got %d`, len(lineTokens)-1)
	}

	corners := make([]int32, len(lineTokens)-1)
	expIndices := 0
	for arg := range corners {
		vTokens := strings.Split(lineTokens[arg+1], "/")

		// The first arg defines the format for the following args
		if arg == 0 {
			expIndices = len(vTokens)
		} else if len(vTokens) != expIndices {
			return fmt.Errorf("expected each face argument to contain %d indices; arg %d contains %d indices", expIndices, arg, len(vTokens))
		}

		if vTokens[0] == "" {
			return fmt.Errorf("face argument %d does not include a vertex index", arg)
		}

		vOffset, err := selectFaceCoordIndex(vTokens[0], len(r.vertexList), relVertexOffset)
		if err != nil {
			return fmt.Errorf("could not parse vertex coord for face argument %d: %s", arg, err.Error())
		}
		corners[arg] = m.vertexIndex(vOffset, r.vertexList)
	}

	for i := 1; i < len(corners)-1; i++ {
		m.Indices = append(m.Indices, [3]int32{corners[0], corners[i], corners[i+1]})
	}
	return nil
}

func selectFaceCoordIndex(indexToken string, coordListLen int, relOffset int) (int, error) {
	index, err := strconv.ParseInt(indexToken, 10, 32)
	if err != nil {
		return -1, err
	}

	var vOffset int
	switch {
	case index < 0:
		vOffset = coordListLen + int(index)
	case index == 0:
		return -1, fmt.Errorf("index 0 is not valid")
	default:
		vOffset = relOffset + int(index-1)
	}
	if vOffset < 0 || vOffset >= coordListLen {
		return -1, fmt.Errorf("index out of bounds")
	}
	return vOffset, nil
}

// Parse a Vec3 row.
func parseVec3(lineTokens []string) (types.Vec3, error) {
	if len(lineTokens) < 4 {
		return types.Vec3{}, fmt.Errorf(`unsupported syntax for "%s"; expected 3 arguments; got %d`, lineTokens[0], len(lineTokens)-1)
	}

	v := types.Vec3{}
	for tokIdx := 1; tokIdx <= 3; tokIdx++ {
		coord, err := strconv.ParseFloat(lineTokens[tokIdx], 32)
		if err != nil {
			return v, err
		}
		v[tokIdx-1] = float32(coord)
	}
	return v, nil
}
