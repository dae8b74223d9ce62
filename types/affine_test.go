package types

import (
	"math"
	"testing"
)

func TestAffineLayouts(t *testing.T) {
	xfm := []float32{
		1, 2, 3, // vx
		4, 5, 6, // vy
		7, 8, 9, // vz
		10, 11, 12, // p
	}

	a, ok := AffineFromColumnMajor(xfm)
	if !ok {
		t.Fatal("expected column-major conversion to succeed")
	}

	cm := a.ColumnMajor()
	for i := range xfm {
		if cm[i] != xfm[i] {
			t.Fatalf("[%d] expected column-major value %f; got %f", i, xfm[i], cm[i])
		}
	}

	expRows := [12]float32{
		1, 4, 7, 10,
		2, 5, 8, 11,
		3, 6, 9, 12,
	}
	rm := a.RowMajor3x4()
	if rm != expRows {
		t.Fatalf("expected row-major layout %v; got %v", expRows, rm)
	}

	if back := AffineFromRowMajor3x4(rm); back != a {
		t.Fatalf("expected row-major round trip to yield %v; got %v", a, back)
	}

	if _, ok = AffineFromColumnMajor(xfm[:11]); ok {
		t.Fatal("expected conversion of a short array to fail")
	}
}

func TestAffineTransformBox(t *testing.T) {
	type spec struct {
		xfm    Affine3
		expMin Vec3
		expMax Vec3
	}

	unit := Box3{Min: Vec3{0, 0, 0}, Max: Vec3{1, 1, 1}}
	specs := []spec{
		{AffineIdent(), Vec3{0, 0, 0}, Vec3{1, 1, 1}},
		{AffineTranslate(Vec3{1, 2, 3}), Vec3{1, 2, 3}, Vec3{2, 3, 4}},
		{AffineScale(Vec3{2, 2, 2}), Vec3{0, 0, 0}, Vec3{2, 2, 2}},
		{AffineRotate(QuatFromAxisAngle(Vec3{0, 0, 1}, math.Pi/2)), Vec3{-1, 0, 0}, Vec3{0, 1, 1}},
		{AffineTranslate(Vec3{5, 0, 0}).Mul(AffineScale(Vec3{2, 1, 1})), Vec3{5, 0, 0}, Vec3{7, 1, 1}},
	}

	for index, s := range specs {
		out := s.xfm.TransformBox(unit)
		if !out.Min.ApproxEqual(s.expMin) || !out.Max.ApproxEqual(s.expMax) {
			t.Fatalf("[spec %d] expected box [%v, %v]; got [%v, %v]", index, s.expMin, s.expMax, out.Min, out.Max)
		}
	}

	if !AffineIdent().TransformBox(EmptyBox()).IsEmpty() {
		t.Fatal("expected transformed empty box to remain empty")
	}
}
