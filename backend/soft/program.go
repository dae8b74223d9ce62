package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/achilleasa/raygraph/backend"
)

var headerMagic = [4]byte{'S', 'O', 'F', 'T'}

type module struct {
	dev      *device
	symbols  map[string]bool
	released bool
}

func (m *module) Program(kind backend.ProgramKind, name string) (backend.Program, error) {
	if m.released {
		return nil, backend.ErrAlreadyReleased
	}
	if kind == backend.HitGroupProgram {
		return nil, fmt.Errorf("soft device (%s): hit groups are not module entry points: %w", m.dev.info.Name, backend.ErrInvalidProgram)
	}

	symbol := kind.Symbol(name)
	if !m.symbols[symbol] {
		return nil, fmt.Errorf("soft device (%s): %s: %w", m.dev.info.Name, symbol, backend.ErrSymbolNotFound)
	}
	prog, err := m.dev.registerProgram(&program{kind: kind, symbol: symbol})
	if err != nil {
		return nil, err
	}
	return prog, nil
}

func (m *module) Release() error {
	if m.released {
		return backend.ErrAlreadyReleased
	}
	m.released = true
	return nil
}

type program struct {
	dev    *device
	id     uint32
	kind   backend.ProgramKind
	symbol string

	// Set for hit group programs.
	closestHit, anyHit, intersect *program
}

func (p *program) Kind() backend.ProgramKind {
	return p.kind
}

func (p *program) Name() string {
	return p.symbol
}

func (p *program) PackHeader(dst []byte) error {
	if len(dst) < backend.SBTRecordHeaderSize {
		return fmt.Errorf("soft device (%s): record header needs %d bytes; got %d", p.dev.info.Name, backend.SBTRecordHeaderSize, len(dst))
	}
	copy(dst, headerMagic[:])
	binary.LittleEndian.PutUint32(dst[4:], p.id)
	dst[8] = byte(p.kind)
	for i := 9; i < backend.SBTRecordHeaderSize; i++ {
		dst[i] = 0
	}
	return nil
}

type pipeline struct {
	dev      *device
	programs map[uint32]bool
	maxDepth int
	released bool
}

func (p *pipeline) Release() error {
	if p.released {
		return backend.ErrAlreadyReleased
	}
	p.released = true
	return nil
}
