package ll

import "testing"

func TestTable(t *testing.T) {
	tbl := newTable[int]("widget")
	tbl.alloc(3, nil)

	type spec struct {
		id      int
		expCode ErrorCode
	}
	specs := []spec{
		{-1, InvalidHandle},
		{3, InvalidHandle},
		{0, UnknownResource},
		{1, Success},
	}

	v := 42
	tbl.put(1, &v)
	for index, s := range specs {
		_, err := tbl.get("op", s.id)
		if got := CodeOf(err); got != s.expCode {
			t.Fatalf("[spec %d] expected code %q; got %q", index, s.expCode, got)
		}
	}

	if tbl.count() != 1 {
		t.Fatalf("expected 1 set entry; got %d", tbl.count())
	}

	var destroyed []int
	tbl.alloc(5, func(id int, _ *int) { destroyed = append(destroyed, id) })
	if len(destroyed) != 1 || destroyed[0] != 1 {
		t.Fatalf("expected entry 1 to be destroyed; got %v", destroyed)
	}
	if tbl.len() != 5 || tbl.count() != 0 {
		t.Fatalf("expected 5 unset slots; got len %d, count %d", tbl.len(), tbl.count())
	}
}

func TestRangeAllocator(t *testing.T) {
	var r rangeAllocator

	a := r.alloc(3)
	b := r.alloc(2)
	c := r.alloc(4)
	if a != 0 || b != 3 || c != 5 || r.size != 9 {
		t.Fatalf("expected ranges at 0, 3, 5 (size 9); got %d, %d, %d (size %d)", a, b, c, r.size)
	}

	// A released hole is reused first-fit.
	r.release(b, 2)
	if got := r.alloc(1); got != 3 {
		t.Fatalf("expected hole at 3 to be reused; got %d", got)
	}
	if got := r.alloc(2); got != 9 {
		t.Fatalf("expected a 2-slot range to be appended at 9; got %d", got)
	}

	// Releasing the tail shrinks the index space and merges free neighbors.
	r.release(9, 2)
	r.release(c, 4)
	if r.size != 4 {
		t.Fatalf("expected size 4 after releasing the tail; got %d", r.size)
	}
	r.release(3, 1)
	r.release(a, 3)
	if r.size != 0 || len(r.free) != 0 {
		t.Fatalf("expected an empty allocator; got size %d, free %v", r.size, r.free)
	}

	if got := r.alloc(0); got != 0 || r.size != 0 {
		t.Fatalf("expected empty allocations to reserve nothing")
	}
}
