// Package cache holds the attributes and leaf content of discovered entries.
package cache

import (
	"sync"
	"time"

	"github.com/ahafs/ahafs/pkg/models"
)

// Permission bits handed to the kernel. Nothing else is enforced.
const (
	RootMode uint32 = 0o755
	DirMode  uint32 = 0o750
	FileMode uint32 = 0o640
)

// DefaultTime is used when the remote service reports no timestamp
// (2015-03-12 00:00 PST).
var DefaultTime = time.Unix(1426147200, 0).UTC()

// Attr is the POSIX-style attribute record of one entry.
type Attr struct {
	IsDir  bool
	Size   uint64
	Mode   uint32
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time
}

// DirAttr returns a directory record with all timestamps set to t.
func DirAttr(mode uint32, t time.Time) Attr {
	return Attr{
		IsDir:  true,
		Mode:   mode,
		Atime:  t,
		Mtime:  t,
		Ctime:  t,
		Crtime: t,
	}
}

// AttrFor derives the record of a remote object. Features are leaves sized
// by their description body; everything else is an empty directory.
func AttrFor(obj models.RemoteObject) Attr {
	created := obj.CreatedAt
	if created.IsZero() {
		created = DefaultTime
	}
	updated := obj.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	attr := Attr{
		IsDir:  obj.Kind.IsDir(),
		Mode:   DirMode,
		Atime:  updated,
		Mtime:  updated,
		Ctime:  updated,
		Crtime: created,
	}
	if !attr.IsDir {
		attr.Mode = FileMode
		attr.Size = uint64(len(obj.Body))
	}
	return attr
}

// Cache maps identifiers to attribute records and leaf content.
// Records are never refreshed or evicted.
type Cache struct {
	mu      sync.RWMutex
	attrs   map[uint64]Attr
	content map[uint64][]byte
	size    int64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		attrs:   make(map[uint64]Attr),
		content: make(map[uint64][]byte),
	}
}

// Get returns the record for id.
func (c *Cache) Get(id uint64) (Attr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	attr, ok := c.attrs[id]
	return attr, ok
}

// Put stores the record for id unless one is already present. It reports
// whether the record was stored.
func (c *Cache) Put(id uint64, attr Attr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.attrs[id]; ok {
		return false
	}
	c.attrs[id] = attr
	return true
}

// PutContent stores the leaf content for id unless already present.
func (c *Cache) PutContent(id uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.content[id]; ok {
		return
	}
	c.content[id] = data
	c.size += int64(len(data))
}

// Content returns the leaf content for id.
func (c *Cache) Content(id uint64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.content[id]
	return data, ok
}

// Stats returns the number of records and the bytes of cached content.
func (c *Cache) Stats() (count int, contentBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.attrs), c.size
}
