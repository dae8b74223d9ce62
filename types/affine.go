package types

// A 4x3 affine transform stored column-major: the three linear basis vectors
// followed by the translation. This is the layout callers pass when setting
// instance transforms.
type Affine3 struct {
	VX Vec3
	VY Vec3
	VZ Vec3
	P  Vec3
}

// The identity transform.
func AffineIdent() Affine3 {
	return Affine3{
		VX: Vec3{1, 0, 0},
		VY: Vec3{0, 1, 0},
		VZ: Vec3{0, 0, 1},
	}
}

// Build an affine transform from a column-major float array. Returns false
// if xfm does not contain exactly 12 elements.
func AffineFromColumnMajor(xfm []float32) (Affine3, bool) {
	if len(xfm) != 12 {
		return Affine3{}, false
	}
	return Affine3{
		VX: Vec3{xfm[0], xfm[1], xfm[2]},
		VY: Vec3{xfm[3], xfm[4], xfm[5]},
		VZ: Vec3{xfm[6], xfm[7], xfm[8]},
		P:  Vec3{xfm[9], xfm[10], xfm[11]},
	}, true
}

// Create a translation.
func AffineTranslate(t Vec3) Affine3 {
	a := AffineIdent()
	a.P = t
	return a
}

// Create a non-uniform scale.
func AffineScale(s Vec3) Affine3 {
	return Affine3{
		VX: Vec3{s[0], 0, 0},
		VY: Vec3{0, s[1], 0},
		VZ: Vec3{0, 0, s[2]},
	}
}

// Create a rotation from a quaternion.
func AffineRotate(q Quat) Affine3 {
	q = q.Normalize()
	return Affine3{
		VX: q.Rotate(Vec3{1, 0, 0}),
		VY: q.Rotate(Vec3{0, 1, 0}),
		VZ: q.Rotate(Vec3{0, 0, 1}),
	}
}

// Compose two transforms; the result applies a2 first and then a.
func (a Affine3) Mul(a2 Affine3) Affine3 {
	return Affine3{
		VX: a.TransformVector(a2.VX),
		VY: a.TransformVector(a2.VY),
		VZ: a.TransformVector(a2.VZ),
		P:  a.TransformPoint(a2.P),
	}
}

// Apply the linear part of the transform.
func (a Affine3) TransformVector(v Vec3) Vec3 {
	return a.VX.Mul(v[0]).Add(a.VY.Mul(v[1])).Add(a.VZ.Mul(v[2]))
}

// Apply the full transform to a point.
func (a Affine3) TransformPoint(p Vec3) Vec3 {
	return a.TransformVector(p).Add(a.P)
}

// Transform a box and return the box enclosing all of its transformed corners.
func (a Affine3) TransformBox(b Box3) Box3 {
	if b.IsEmpty() {
		return b
	}
	out := EmptyBox()
	for _, c := range b.Corners() {
		out = out.ExtendPoint(a.TransformPoint(c))
	}
	return out
}

// Return the transform as a column-major float array.
func (a Affine3) ColumnMajor() [12]float32 {
	return [12]float32{
		a.VX[0], a.VX[1], a.VX[2],
		a.VY[0], a.VY[1], a.VY[2],
		a.VZ[0], a.VZ[1], a.VZ[2],
		a.P[0], a.P[1], a.P[2],
	}
}

// Return the transform as a row-major 3x4 matrix; each row holds the basis
// component for one axis followed by the translation component.
func (a Affine3) RowMajor3x4() [12]float32 {
	return [12]float32{
		a.VX[0], a.VY[0], a.VZ[0], a.P[0],
		a.VX[1], a.VY[1], a.VZ[1], a.P[1],
		a.VX[2], a.VY[2], a.VZ[2], a.P[2],
	}
}

// Inverse of RowMajor3x4.
func AffineFromRowMajor3x4(m [12]float32) Affine3 {
	return Affine3{
		VX: Vec3{m[0], m[4], m[8]},
		VY: Vec3{m[1], m[5], m[9]},
		VZ: Vec3{m[2], m[6], m[10]},
		P:  Vec3{m[3], m[7], m[11]},
	}
}
