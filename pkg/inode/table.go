// Package inode allocates stable identifiers for remote objects and keeps
// the name and parent indexes of the projected namespace.
package inode

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ahafs/ahafs/pkg/models"
	"github.com/ahafs/ahafs/pkg/uri"
)

// RootID is the identifier of the namespace root.
const RootID uint64 = 1

var (
	// ErrUnknownParent is returned when registering under an identifier
	// that was never allocated.
	ErrUnknownParent = errors.New("unknown parent identifier")

	// ErrNameTaken is returned when a name is already bound to a different
	// identifier in the same directory.
	ErrNameTaken = errors.New("name already bound in directory")
)

// Entry describes one allocated identifier. Parent and Path record where
// the object was first discovered.
type Entry struct {
	ID     uint64
	Parent uint64
	Name   string
	Path   string
	Ref    models.Ref
}

// Child is one directory member. Seq is its 1-based registration order in
// that directory and never changes.
type Child struct {
	ID   uint64
	Name string
	Kind models.Kind
	Seq  uint64
}

// Registration asks for name to be bound to ref under a parent.
type Registration struct {
	Name string
	Ref  models.Ref
}

// Table is the identifier table. It is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	entries  map[uint64]*Entry
	byRef    map[models.Ref]uint64
	names    map[uint64]map[string]uint64
	children map[uint64][]Child

	hash func(string) uint64
}

// NewTable creates a table holding only the root.
func NewTable() *Table {
	t := &Table{
		entries:  make(map[uint64]*Entry),
		byRef:    make(map[models.Ref]uint64),
		names:    make(map[uint64]map[string]uint64),
		children: make(map[uint64][]Child),
		hash:     xxhash.Sum64String,
	}
	root := &Entry{
		ID:     RootID,
		Parent: RootID,
		Path:   "/",
		Ref:    models.Ref{Kind: models.KindRoot},
	}
	t.entries[RootID] = root
	t.byRef[root.Ref] = RootID
	return t
}

// AllocateOrGet binds name to ref under parent and returns ref's
// identifier. Registering the same ref again returns the identifier it
// was first given.
func (t *Table) AllocateOrGet(parent uint64, name string, ref models.Ref) (uint64, error) {
	ids, err := t.Commit(parent, []Registration{{Name: name, Ref: ref}}, nil)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// Commit registers a batch of children under parent. Either every
// registration is applied or none is. onCommit, if set, runs with the
// allocated identifiers before the table lock is released, so readers
// never observe an identifier before its companion state exists.
func (t *Table) Commit(parent uint64, regs []Registration, onCommit func(ids []uint64)) ([]uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parentEntry, ok := t.entries[parent]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParent, parent)
	}

	// Validate the whole batch before touching any index.
	staged := make(map[string]models.Ref, len(regs))
	for _, reg := range regs {
		if prev, ok := staged[reg.Name]; ok && prev != reg.Ref {
			return nil, fmt.Errorf("%w: %q in %s", ErrNameTaken, reg.Name, parentEntry.Path)
		}
		staged[reg.Name] = reg.Ref
		if id, ok := t.names[parent][reg.Name]; ok && t.entries[id].Ref != reg.Ref {
			return nil, fmt.Errorf("%w: %q in %s", ErrNameTaken, reg.Name, parentEntry.Path)
		}
	}

	ids := make([]uint64, len(regs))
	for i, reg := range regs {
		id, ok := t.byRef[reg.Ref]
		if !ok {
			id = t.deriveLocked(reg.Ref)
			t.entries[id] = &Entry{
				ID:     id,
				Parent: parent,
				Name:   reg.Name,
				Path:   uri.BuildChildPath(parentEntry.Path, reg.Name),
				Ref:    reg.Ref,
			}
			t.byRef[reg.Ref] = id
		}
		ids[i] = id

		names := t.names[parent]
		if names == nil {
			names = make(map[string]uint64)
			t.names[parent] = names
		}
		if _, bound := names[reg.Name]; !bound {
			names[reg.Name] = id
			t.children[parent] = append(t.children[parent], Child{
				ID:   id,
				Name: reg.Name,
				Kind: reg.Ref.Kind,
				Seq:  uint64(len(t.children[parent]) + 1),
			})
		}
	}

	if onCommit != nil {
		onCommit(ids)
	}
	return ids, nil
}

// deriveLocked hashes the kind tag together with the remote id. Values 0
// and RootID are reserved; a hash already owned by another ref is
// re-derived with a salt. Must be called with mu held.
func (t *Table) deriveLocked(ref models.Ref) uint64 {
	key := ref.String()
	id := t.hash(key)
	for salt := 1; id <= RootID || t.entries[id] != nil; salt++ {
		id = t.hash(key + "#" + strconv.Itoa(salt))
	}
	return id
}

// LookupByName returns the identifier bound to name under parent.
func (t *Table) LookupByName(parent uint64, name string) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.names[parent][name]
	return id, ok
}

// LookupByIdentifier returns a copy of the entry for id.
func (t *Table) LookupByIdentifier(id uint64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Children returns the members of a directory in registration order.
func (t *Table) Children(parent uint64) []Child {
	t.mu.RLock()
	defer t.mu.RUnlock()
	children := make([]Child, len(t.children[parent]))
	copy(children, t.children[parent])
	return children
}

// Len returns the number of allocated identifiers, root included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Path returns the path under which id was first registered.
func (t *Table) Path(id uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return entry.Path, true
}
