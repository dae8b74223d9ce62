package types

import "math"

// An axis-aligned bounding box. An empty box has Min > Max on every axis.
type Box3 struct {
	Min Vec3
	Max Vec3
}

// Create an empty box that any Extend call will replace.
func EmptyBox() Box3 {
	return Box3{
		Min: Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32},
		Max: Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32},
	}
}

// Create a box that tightly encloses the given points.
func BoxFromPoints(points ...Vec3) Box3 {
	b := EmptyBox()
	for _, p := range points {
		b = b.ExtendPoint(p)
	}
	return b
}

// Returns true if the box does not enclose any point.
func (b Box3) IsEmpty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Grow box to include a point.
func (b Box3) ExtendPoint(p Vec3) Box3 {
	return Box3{Min: MinVec3(b.Min, p), Max: MaxVec3(b.Max, p)}
}

// Grow box to include another box.
func (b Box3) Extend(o Box3) Box3 {
	if o.IsEmpty() {
		return b
	}
	return Box3{Min: MinVec3(b.Min, o.Min), Max: MaxVec3(b.Max, o.Max)}
}

// Box center.
func (b Box3) Center() Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Box corners in xyz bit order (bit 0 selects max x, bit 1 max y, bit 2 max z).
func (b Box3) Corners() [8]Vec3 {
	var out [8]Vec3
	for i := 0; i < 8; i++ {
		for axis := 0; axis < 3; axis++ {
			if i&(1<<uint(axis)) != 0 {
				out[i][axis] = b.Max[axis]
			} else {
				out[i][axis] = b.Min[axis]
			}
		}
	}
	return out
}
