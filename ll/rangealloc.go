package ll

import "sort"

type span struct {
	begin int
	size  int
}

// Hands out contiguous ranges from a growable index space. Released ranges
// are reused first-fit; adjacent free ranges are merged.
type rangeAllocator struct {
	free []span

	// One past the highest index ever handed out that is still in use.
	size int
}

// Reserve n contiguous indices and return the first.
func (r *rangeAllocator) alloc(n int) int {
	if n <= 0 {
		return 0
	}
	for i, s := range r.free {
		if s.size < n {
			continue
		}
		begin := s.begin
		if s.size == n {
			r.free = append(r.free[:i], r.free[i+1:]...)
		} else {
			r.free[i] = span{begin: s.begin + n, size: s.size - n}
		}
		return begin
	}

	begin := r.size
	r.size += n
	return begin
}

// Return a range previously handed out by alloc.
func (r *rangeAllocator) release(begin, n int) {
	if n <= 0 {
		return
	}

	index := sort.Search(len(r.free), func(i int) bool { return r.free[i].begin > begin })
	r.free = append(r.free, span{})
	copy(r.free[index+1:], r.free[index:])
	r.free[index] = span{begin: begin, size: n}

	// Merge with neighbors.
	if index+1 < len(r.free) && r.free[index].begin+r.free[index].size == r.free[index+1].begin {
		r.free[index].size += r.free[index+1].size
		r.free = append(r.free[:index+1], r.free[index+2:]...)
	}
	if index > 0 && r.free[index-1].begin+r.free[index-1].size == r.free[index].begin {
		r.free[index-1].size += r.free[index].size
		r.free = append(r.free[:index], r.free[index+1:]...)
	}

	// Shrink the index space if the tail is free.
	if last := r.free[len(r.free)-1]; last.begin+last.size == r.size {
		r.size = last.begin
		r.free = r.free[:len(r.free)-1]
	}
}
