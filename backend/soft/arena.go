package soft

import (
	"fmt"
	"sort"
	"sync"

	"github.com/achilleasa/raygraph/backend"
)

const allocAlignment = 256

// An address space from which memory allocations are carved. Addresses are
// never reused so stale pointers always fail to resolve.
type arena struct {
	sync.RWMutex

	name  string
	next  backend.DevicePtr
	limit int64
	used  int64

	// Live allocations sorted by address.
	allocs []*memory
}

func newArena(name string, base backend.DevicePtr, limit int64) *arena {
	return &arena{
		name:  name,
		next:  base,
		limit: limit,
	}
}

// Allocate a zero-filled block.
func (a *arena) alloc(size int) (*memory, error) {
	if size < 0 {
		return nil, fmt.Errorf("soft arena (%s): invalid allocation size %d", a.name, size)
	}

	a.Lock()
	defer a.Unlock()

	if a.limit > 0 && a.used+int64(size) > a.limit {
		return nil, fmt.Errorf("soft arena (%s): could not allocate %d bytes (%d of %d in use): %w", a.name, size, a.used, a.limit, backend.ErrOutOfMemory)
	}

	span := size
	if span == 0 {
		span = 1
	}
	m := &memory{
		arena: a,
		addr:  a.next,
		data:  make([]byte, size),
	}
	a.next += backend.DevicePtr((span + allocAlignment - 1) / allocAlignment * allocAlignment)
	a.used += int64(size)
	a.allocs = append(a.allocs, m)

	return m, nil
}

// Remove an allocation from the arena.
func (a *arena) release(m *memory) error {
	a.Lock()
	defer a.Unlock()

	if m.data == nil {
		return backend.ErrAlreadyReleased
	}

	index := sort.Search(len(a.allocs), func(i int) bool { return a.allocs[i].addr >= m.addr })
	if index < len(a.allocs) && a.allocs[index] == m {
		a.allocs = append(a.allocs[:index], a.allocs[index+1:]...)
	}
	a.used -= int64(len(m.data))
	m.data = nil
	return nil
}

// Release every allocation.
func (a *arena) reset() {
	a.Lock()
	defer a.Unlock()

	for _, m := range a.allocs {
		m.data = nil
	}
	a.allocs = nil
	a.used = 0
}

// Resolve an address range to the backing slice. The whole range must fall
// within a single live allocation.
func (a *arena) resolve(ptr backend.DevicePtr, size int) ([]byte, bool) {
	a.RLock()
	defer a.RUnlock()

	index := sort.Search(len(a.allocs), func(i int) bool { return a.allocs[i].addr > ptr }) - 1
	if index < 0 {
		return nil, false
	}

	m := a.allocs[index]
	offset := int(ptr - m.addr)
	if size < 0 || offset+size > len(m.data) {
		return nil, false
	}
	return m.data[offset : offset+size], true
}

// Bytes currently allocated.
func (a *arena) inUse() int64 {
	a.RLock()
	defer a.RUnlock()
	return a.used
}

// A memory block implementing backend.Memory.
type memory struct {
	arena *arena
	addr  backend.DevicePtr
	data  []byte
}

func (m *memory) Addr() backend.DevicePtr {
	return m.addr
}

func (m *memory) Size() int {
	m.arena.RLock()
	defer m.arena.RUnlock()
	return len(m.data)
}

func (m *memory) Write(offset int, src []byte) error {
	m.arena.RLock()
	defer m.arena.RUnlock()

	if m.data == nil {
		return backend.ErrAlreadyReleased
	}
	if offset < 0 || offset+len(src) > len(m.data) {
		return fmt.Errorf("soft arena (%s): write of %d bytes at offset %d exceeds allocation size %d", m.arena.name, len(src), offset, len(m.data))
	}
	copy(m.data[offset:], src)
	return nil
}

func (m *memory) Read(offset int, dst []byte) error {
	m.arena.RLock()
	defer m.arena.RUnlock()

	if m.data == nil {
		return backend.ErrAlreadyReleased
	}
	if offset < 0 || offset+len(dst) > len(m.data) {
		return fmt.Errorf("soft arena (%s): read of %d bytes at offset %d exceeds allocation size %d", m.arena.name, len(dst), offset, len(m.data))
	}
	copy(dst, m.data[offset:])
	return nil
}

func (m *memory) Free() error {
	return m.arena.release(m)
}
