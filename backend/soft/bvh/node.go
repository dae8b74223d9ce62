package bvh

import (
	"encoding/binary"
	"math"

	"github.com/achilleasa/raygraph/types"
)

// Encoded node size in bytes.
const NodeSize = 32

// Bvh nodes are comprised of two Vec3 and two multipurpose int32 parameters
// whose value depends on the node type:
//
// - For inner nodes they are both >0 and point to the L/R child nodes
// - For leafs left W is <= 0 and points (negated) to the first entry in the
// primitive order list while right W holds the number of leaf primitives
type Node struct {
	Min   types.Vec3
	LData int32

	Max   types.Vec3
	RData int32
}

// Node bounding box.
func (n *Node) Bounds() types.Box3 {
	return types.Box3{Min: n.Min, Max: n.Max}
}

// Set left and right child node indices.
func (n *Node) SetChildNodes(left, right uint32) {
	n.LData = int32(left)
	n.RData = int32(right)
}

// Set primitive order index and count.
func (n *Node) SetPrimitives(first, count uint32) {
	n.LData = -int32(first)
	n.RData = int32(count)
}

// Get primitive order index and count.
func (n *Node) Primitives() (first, count uint32) {
	return uint32(-n.LData), uint32(n.RData)
}

// Returns true if this is a leaf node.
func (n *Node) IsLeaf() bool {
	return n.LData <= 0
}

// Encode a node list into its device layout.
func EncodeNodes(nodes []Node) []byte {
	out := make([]byte, len(nodes)*NodeSize)
	for i, n := range nodes {
		b := out[i*NodeSize:]
		for axis := 0; axis < 3; axis++ {
			binary.LittleEndian.PutUint32(b[axis*4:], math.Float32bits(n.Min[axis]))
			binary.LittleEndian.PutUint32(b[16+axis*4:], math.Float32bits(n.Max[axis]))
		}
		binary.LittleEndian.PutUint32(b[12:], uint32(n.LData))
		binary.LittleEndian.PutUint32(b[28:], uint32(n.RData))
	}
	return out
}

// Decode a node list encoded with EncodeNodes.
func DecodeNodes(src []byte) []Node {
	nodes := make([]Node, len(src)/NodeSize)
	for i := range nodes {
		b := src[i*NodeSize:]
		for axis := 0; axis < 3; axis++ {
			nodes[i].Min[axis] = math.Float32frombits(binary.LittleEndian.Uint32(b[axis*4:]))
			nodes[i].Max[axis] = math.Float32frombits(binary.LittleEndian.Uint32(b[16+axis*4:]))
		}
		nodes[i].LData = int32(binary.LittleEndian.Uint32(b[12:]))
		nodes[i].RData = int32(binary.LittleEndian.Uint32(b[28:]))
	}
	return nodes
}
