// Package fuse exposes the projected hierarchy as a read-only FUSE
// filesystem.
package fuse

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ahafs/ahafs/pkg/cache"
	"github.com/ahafs/ahafs/pkg/inode"
	"github.com/ahafs/ahafs/pkg/loader"
	"github.com/ahafs/ahafs/pkg/logger"
	"github.com/ahafs/ahafs/pkg/uri"
)

// Offsets of the dot entries in every directory listing. Children start
// after them.
const (
	dotOffset    = 1
	dotDotOffset = 2
)

// Stats holds driver statistics.
type Stats struct {
	Lookups     atomic.Int64
	Getattrs    atomic.Int64
	Readdirs    atomic.Int64
	Reads       atomic.Int64
	BytesServed atomic.Int64
	Failures    atomic.Int64
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name   string
	ID     uint64
	IsDir  bool
	Offset uint64
}

// Config holds driver configuration.
type Config struct {
	Loader loader.Config
	Logger *zap.Logger
}

// Driver answers filesystem requests from the inode table and attribute
// cache, loading directories on first traversal. One Driver owns all state
// of one mount.
type Driver struct {
	table  *inode.Table
	attrs  *cache.Cache
	loader *loader.Loader
	log    *zap.Logger

	stats Stats
}

// NewDriver creates a driver whose root lists the configured connectors.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("fuse")
	}
	if cfg.Loader.Logger == nil {
		cfg.Loader.Logger = cfg.Logger.Named("loader")
	}

	table := inode.NewTable()
	attrs := cache.New()
	l, err := loader.New(table, attrs, cfg.Loader)
	if err != nil {
		return nil, fmt.Errorf("create loader: %w", err)
	}

	return &Driver{
		table:  table,
		attrs:  attrs,
		loader: l,
		log:    cfg.Logger,
	}, nil
}

// Lookup resolves name inside directory parent. A miss in a directory that
// was never loaded loads it and tries once more.
func (d *Driver) Lookup(ctx context.Context, parent uint64, name string) (uint64, cache.Attr, error) {
	d.stats.Lookups.Add(1)

	entry, ok := d.table.LookupByIdentifier(parent)
	if !ok {
		return 0, cache.Attr{}, d.fail(fmt.Errorf("%w: identifier %d", ErrNotFound, parent))
	}
	if !entry.Ref.Kind.IsDir() {
		return 0, cache.Attr{}, d.fail(fmt.Errorf("%w: %s is not a directory", ErrNotFound, entry.Path))
	}

	id, ok := d.table.LookupByName(parent, name)
	if !ok && d.loader.State(parent) != loader.Loaded {
		if err := d.loader.EnsureLoaded(ctx, parent); err != nil {
			return 0, cache.Attr{}, d.fail(err)
		}
		id, ok = d.table.LookupByName(parent, name)
	}
	if !ok {
		return 0, cache.Attr{}, fmt.Errorf("%w: %s", ErrNotFound, uri.BuildChildPath(entry.Path, name))
	}

	attr, ok := d.attrs.Get(id)
	if !ok {
		return 0, cache.Attr{}, d.fail(fmt.Errorf("%w: no attributes for %d", ErrNotFound, id))
	}
	return id, attr, nil
}

// Getattr returns the cached attributes of id. It never contacts the
// remote service.
func (d *Driver) Getattr(id uint64) (cache.Attr, error) {
	d.stats.Getattrs.Add(1)

	attr, ok := d.attrs.Get(id)
	if !ok {
		return cache.Attr{}, fmt.Errorf("%w: identifier %d", ErrNotFound, id)
	}
	return attr, nil
}

// Readdir lists directory id, loading it first if needed. The listing
// starts with "." and "..".
func (d *Driver) Readdir(ctx context.Context, id uint64) ([]DirEntry, error) {
	d.stats.Readdirs.Add(1)

	entry, ok := d.table.LookupByIdentifier(id)
	if !ok {
		return nil, d.fail(fmt.Errorf("%w: identifier %d", ErrNotFound, id))
	}
	if !entry.Ref.Kind.IsDir() {
		return nil, d.fail(fmt.Errorf("%w: %s", loader.ErrNotDirectory, entry.Path))
	}
	if err := d.loader.EnsureLoaded(ctx, id); err != nil {
		return nil, d.fail(err)
	}

	children := d.table.Children(id)
	entries := make([]DirEntry, 0, len(children)+2)
	entries = append(entries,
		DirEntry{Name: ".", ID: id, IsDir: true, Offset: dotOffset},
		DirEntry{Name: "..", ID: entry.Parent, IsDir: true, Offset: dotDotOffset},
	)
	for _, c := range children {
		entries = append(entries, DirEntry{
			Name:   c.Name,
			ID:     c.ID,
			IsDir:  c.Kind.IsDir(),
			Offset: c.Seq + dotDotOffset,
		})
	}
	return entries, nil
}

// ReaddirFrom returns the entries of directory id whose Offset is greater
// than offset. Offsets come from each child's registration sequence, not
// its position in the listing, so a resumed listing neither repeats nor
// skips entries. Offset 0 returns the whole listing.
func (d *Driver) ReaddirFrom(ctx context.Context, id uint64, offset uint64) ([]DirEntry, error) {
	entries, err := d.Readdir(ctx, id)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.Offset > offset {
			return entries[i:], nil
		}
	}
	return nil, nil
}

// Read returns up to size bytes of leaf id starting at off.
func (d *Driver) Read(id uint64, off int64, size int) ([]byte, error) {
	d.stats.Reads.Add(1)

	attr, ok := d.attrs.Get(id)
	if !ok {
		return nil, d.fail(fmt.Errorf("%w: identifier %d", ErrNotFound, id))
	}
	if attr.IsDir {
		return nil, d.fail(fmt.Errorf("%w: read on directory %d", ErrUnsupported, id))
	}
	if off < 0 || size < 0 {
		return nil, d.fail(fmt.Errorf("%w: read at %d size %d", ErrUnsupported, off, size))
	}

	data, ok := d.attrs.Content(id)
	if !ok {
		return nil, d.fail(fmt.Errorf("%w: no content for %d", loader.ErrBackend, id))
	}

	if off >= int64(len(data)) {
		return []byte{}, nil
	}
	end := int64(len(data))
	if int64(size) < end-off {
		end = off + int64(size)
	}
	d.stats.BytesServed.Add(end - off)
	return data[off:end], nil
}

// LookupPath resolves an absolute path component by component.
func (d *Driver) LookupPath(ctx context.Context, p string) (uint64, cache.Attr, error) {
	segs := uri.Segments(p)
	if len(segs) == 0 {
		attr, err := d.Getattr(inode.RootID)
		return inode.RootID, attr, err
	}
	if !uri.IsProtocol(segs[0]) {
		return 0, cache.Attr{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}

	var (
		id   = inode.RootID
		attr cache.Attr
		err  error
	)
	for _, name := range segs {
		id, attr, err = d.Lookup(ctx, id, name)
		if err != nil {
			return 0, cache.Attr{}, err
		}
	}
	return id, attr, nil
}

// URI returns the remote URI of id.
func (d *Driver) URI(id uint64) (string, error) {
	p, ok := d.table.Path(id)
	if !ok {
		return "", fmt.Errorf("%w: identifier %d", ErrNotFound, id)
	}
	return uri.PathToURI(p)
}

// CacheStats returns the number of cached records and content bytes.
func (d *Driver) CacheStats() (count int, contentBytes int64) {
	return d.attrs.Stats()
}

// Stats returns driver statistics.
func (d *Driver) Stats() *Stats {
	return &d.stats
}

func (d *Driver) fail(err error) error {
	d.stats.Failures.Add(1)
	d.log.Debug("request failed", zap.Error(err))
	return err
}
