package ll

// A dense ID table for one resource kind. A nil slot is allocated but unset.
type table[T any] struct {
	kind  string
	slots []*T
}

func newTable[T any](kind string) table[T] {
	return table[T]{kind: kind}
}

// Replace the table with n unset slots. Existing entries are passed to
// destroy first.
func (t *table[T]) alloc(n int, destroy func(id int, entry *T)) {
	if destroy != nil {
		for id, entry := range t.slots {
			if entry != nil {
				destroy(id, entry)
			}
		}
	}
	t.slots = make([]*T, n)
}

func (t *table[T]) len() int {
	return len(t.slots)
}

// Validate that id is in range.
func (t *table[T]) check(op string, id int) error {
	if id < 0 || id >= len(t.slots) {
		return errorf(InvalidHandle, op, "%s ID %d out of range [0, %d)", t.kind, id, len(t.slots))
	}
	return nil
}

// Get the entry at id.
func (t *table[T]) get(op string, id int) (*T, error) {
	if err := t.check(op, id); err != nil {
		return nil, err
	}
	if t.slots[id] == nil {
		return nil, errorf(UnknownResource, op, "%s %d has not been created", t.kind, id)
	}
	return t.slots[id], nil
}

// Get the entry at id or nil if the slot is unset.
func (t *table[T]) lookup(op string, id int) (*T, error) {
	if err := t.check(op, id); err != nil {
		return nil, err
	}
	return t.slots[id], nil
}

func (t *table[T]) put(id int, entry *T) {
	t.slots[id] = entry
}

func (t *table[T]) clear(id int) {
	t.slots[id] = nil
}

// Visit set entries in ID order.
func (t *table[T]) each(fn func(id int, entry *T)) {
	for id, entry := range t.slots {
		if entry != nil {
			fn(id, entry)
		}
	}
}

// Number of set entries.
func (t *table[T]) count() int {
	n := 0
	for _, entry := range t.slots {
		if entry != nil {
			n++
		}
	}
	return n
}
