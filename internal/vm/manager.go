package vm

import (
	"sync"

	"github.com/copland-os/copland/internal/arch"
	"github.com/copland-os/copland/internal/kernerr"
	"github.com/copland-os/copland/internal/mem"
)

// AttrClassifier decides whether the memory attribute at a physical
// address should be Device or Normal: device MMIO ranges get the
// device-memory attribute, everything else gets normal cacheable.
type AttrClassifier func(paddr uintptr) AttrKind

// Manager is an ISA-neutral multi-level page-table manager backed by
// one Arena, with a named directory of roots (the "kernel" root plus
// one per user task).
type Manager struct {
	arena  *mem.Arena
	alloc  mem.Allocator
	codec  Codec
	levels int
	attr   AttrClassifier

	mu   sync.Mutex
	dirs map[string]Table
}

// NewManager builds a page-table manager. levels is the table depth
// (3 for the Sv39-shaped layout this kernel uses on every ISA); attr
// classifies a physical address as Device or Normal memory.
func NewManager(a *mem.Arena, alloc mem.Allocator, codec Codec, levels int, attr AttrClassifier) *Manager {
	if attr == nil {
		attr = func(uintptr) AttrKind { return AttrNormal }
	}
	return &Manager{arena: a, alloc: alloc, codec: codec, levels: levels, attr: attr, dirs: map[string]Table{}}
}

func blockSize(level int) uintptr {
	return uintptr(1) << (arch.PageShift + 9*uint(level))
}

func indexAt(vaddr uintptr, level int) int {
	return int((vaddr >> (arch.PageShift + 9*uint(level))) & (EntriesPerTable - 1))
}

func aligned4k(addr uintptr) bool { return addr%arch.PageSize == 0 }

// CreateAddressSpace allocates a fresh, zeroed root table and registers
// it under name in the directory. Address spaces are never deleted.
func (m *Manager) CreateAddressSpace(name string) Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.dirs[name]; ok {
		return t
	}
	t := newTable(m.arena, m.alloc)
	m.dirs[name] = t
	return t
}

// Root returns the named root table, if one has been created.
func (m *Manager) Root(name string) (Table, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.dirs[name]
	return t, ok
}

// IdentityMapAll fills the named root's top-level table so every entry
// i maps the contiguous physical range [i<<(12+9*topLevel),
// (i+1)<<(12+9*topLevel)) to itself with kernel RWX permissions --
// the bootstrap identity map. Used once, while constructing the
// kernel's own address space.
func (m *Manager) IdentityMapAll(name string) error {
	root, ok := m.Root(name)
	if !ok {
		return kernerr.NewNotFound(0)
	}
	topLevel := m.levels - 1
	m.identityFill(root, topLevel, 0)
	return nil
}

// identityFill fills every entry of table (which covers the range
// [base, base+512*blockSize(level)) at the given level) with a leaf
// entry mapping its slice of that range to itself. This both builds
// the initial bootstrap identity map and is reused by Map to expand a
// previously block entry into a sub-table without losing the mapping
// it covers: a freshly split child table is identity-filled the same
// way before its parent is rewritten to point at it, so a Walk issued
// before any further Map call still resolves through the split exactly
// as it did through the block.
func (m *Manager) identityFill(t Table, level int, base uintptr) {
	bs := blockSize(level)
	for i := 0; i < EntriesPerTable; i++ {
		addr := base + uintptr(i)*bs
		e := Entry{
			Valid: true,
			Leaf:  true,
			Frame: addr,
			Perms: arch.KernelRWX,
			Attr:  m.attr(addr),
		}
		setRaw(m.arena, t, i, m.codec.Encode(e))
	}
}

// Map installs a mapping from vaddr to paddr in the named address
// space with the requested permissions, splitting any block entry (or
// allocating a fresh child, identity-filled to cover its slice of the
// parent's range) along the way.
func (m *Manager) Map(name string, paddr, vaddr uintptr, r, w, x, u bool) error {
	if !aligned4k(paddr) {
		return kernerr.NewMisaligned(paddr)
	}
	if !aligned4k(vaddr) {
		return kernerr.NewMisaligned(vaddr)
	}

	root, ok := m.Root(name)
	if !ok {
		return kernerr.NewNotFound(vaddr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := root
	base := uintptr(0)
	for level := m.levels - 1; level >= 1; level-- {
		idx := indexAt(vaddr, level)
		entryBase := base + uintptr(idx)*blockSize(level)

		raw := getRaw(m.arena, cur, idx)
		e := m.codec.Decode(raw)

		if !e.Valid || e.Leaf {
			child := newTable(m.arena, m.alloc)
			m.identityFill(child, level-1, entryBase)
			setRaw(m.arena, cur, idx, m.codec.Encode(Entry{Valid: true, Leaf: false, Frame: child.PhysAddr}))
			cur = child
		} else {
			cur = Table{PhysAddr: e.Frame}
		}
		base = entryBase
	}

	idx0 := indexAt(vaddr, 0)
	leaf := Entry{
		Valid: true,
		Leaf:  true,
		Frame: paddr,
		Perms: arch.Perms{R: r, W: w, X: x, U: u},
		Attr:  m.attr(paddr),
	}
	setRaw(m.arena, cur, idx0, m.codec.Encode(leaf))
	return nil
}

// Walk resolves vaddr to its backing physical address in the named
// address space. Block entries (still covering a range larger than one
// page, because nothing has split them with Map yet) return their base
// plus the in-block offset; a missing entry at any level yields
// kernerr.ErrNotFound.
func (m *Manager) Walk(name string, vaddr uintptr) (uintptr, error) {
	root, ok := m.Root(name)
	if !ok {
		return 0, kernerr.NewNotFound(vaddr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := root
	base := uintptr(0)
	for level := m.levels - 1; level >= 1; level-- {
		idx := indexAt(vaddr, level)
		entryBase := base + uintptr(idx)*blockSize(level)

		raw := getRaw(m.arena, cur, idx)
		e := m.codec.Decode(raw)
		if !e.Valid {
			return 0, kernerr.NewNotFound(vaddr)
		}
		if e.Leaf {
			off := vaddr - entryBase
			return e.Frame + off, nil
		}
		cur = Table{PhysAddr: e.Frame}
		base = entryBase
	}

	idx0 := indexAt(vaddr, 0)
	raw := getRaw(m.arena, cur, idx0)
	e := m.codec.Decode(raw)
	if !e.Valid {
		return 0, kernerr.NewNotFound(vaddr)
	}
	off := vaddr & (arch.PageSize - 1)
	return e.Frame + off, nil
}

// Perms reports the permission bits the leaf entry backing vaddr
// carries.
func (m *Manager) Perms(name string, vaddr uintptr) (arch.Perms, error) {
	root, ok := m.Root(name)
	if !ok {
		return arch.Perms{}, kernerr.NewNotFound(vaddr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := root
	base := uintptr(0)
	for level := m.levels - 1; level >= 1; level-- {
		idx := indexAt(vaddr, level)
		entryBase := base + uintptr(idx)*blockSize(level)
		raw := getRaw(m.arena, cur, idx)
		e := m.codec.Decode(raw)
		if !e.Valid {
			return arch.Perms{}, kernerr.NewNotFound(vaddr)
		}
		if e.Leaf {
			return e.Perms, nil
		}
		cur = Table{PhysAddr: e.Frame}
		base = entryBase
	}
	idx0 := indexAt(vaddr, 0)
	raw := getRaw(m.arena, cur, idx0)
	e := m.codec.Decode(raw)
	if !e.Valid {
		return arch.Perms{}, kernerr.NewNotFound(vaddr)
	}
	return e.Perms, nil
}
