// Package loader fetches the children of a directory from the remote
// service the first time the directory is traversed.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ahafs/ahafs/internal/metrics"
	"github.com/ahafs/ahafs/pkg/cache"
	"github.com/ahafs/ahafs/pkg/inode"
	"github.com/ahafs/ahafs/pkg/logger"
	"github.com/ahafs/ahafs/pkg/models"
	"github.com/ahafs/ahafs/pkg/uri"
)

// Collection directory names synthesized inside every release.
const (
	EpicsDir    = "epics"
	FeaturesDir = "features"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultWorkers = 8
)

var (
	// ErrBackend marks every failure caused by the remote side: transport
	// errors, malformed payloads and deadline expiry.
	ErrBackend = errors.New("backend failure")

	// ErrNotDirectory is returned when asked to load a leaf.
	ErrNotDirectory = errors.New("not a directory")

	// ErrUnknown is returned for identifiers the table never allocated.
	ErrUnknown = errors.New("unknown identifier")
)

// State is the load state of one directory.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Config holds loader configuration.
type Config struct {
	// Timeout bounds one remote fetch. Expiry is a backend failure.
	Timeout time.Duration

	// Workers bounds the number of concurrent remote fetches.
	Workers int64

	// Clients maps a connector name (first path segment) to its client.
	// Connectors without a client are listed but fail to load.
	Clients map[string]models.ResourceClient

	// Connectors are the directories listed at the root. Defaults to the
	// keys of Clients.
	Connectors []string

	Logger *zap.Logger
}

// Loader populates the inode table and attribute cache on demand.
type Loader struct {
	table   *inode.Table
	attrs   *cache.Cache
	clients map[string]models.ResourceClient
	timeout time.Duration
	workers *semaphore.Weighted
	log     *zap.Logger

	flight singleflight.Group

	mu     sync.Mutex
	states map[uint64]State
}

// New creates a loader and registers the connector directories under the
// root, which is Loaded from the start.
func New(table *inode.Table, attrs *cache.Cache, cfg Config) (*Loader, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("loader")
	}
	if len(cfg.Connectors) == 0 {
		for name := range cfg.Clients {
			cfg.Connectors = append(cfg.Connectors, name)
		}
		sort.Strings(cfg.Connectors)
	}

	l := &Loader{
		table:   table,
		attrs:   attrs,
		clients: cfg.Clients,
		timeout: cfg.Timeout,
		workers: semaphore.NewWeighted(cfg.Workers),
		log:     cfg.Logger,
		states:  make(map[uint64]State),
	}

	attrs.Put(inode.RootID, cache.DirAttr(cache.RootMode, cache.DefaultTime))

	regs := make([]inode.Registration, 0, len(cfg.Connectors))
	for _, name := range cfg.Connectors {
		if !uri.IsProtocol(name) {
			return nil, fmt.Errorf("connector %q is not a recognized protocol", name)
		}
		regs = append(regs, inode.Registration{
			Name: name,
			Ref:  models.Ref{Kind: models.KindConnector, ID: name},
		})
	}
	_, err := table.Commit(inode.RootID, regs, func(ids []uint64) {
		for _, id := range ids {
			attrs.Put(id, cache.DirAttr(cache.DirMode, cache.DefaultTime))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("register connectors: %w", err)
	}
	l.states[inode.RootID] = Loaded

	return l, nil
}

// State returns the load state of a directory.
func (l *Loader) State(id uint64) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[id]
}

// EnsureLoaded loads the children of directory id unless already loaded.
// Concurrent callers for the same directory share one fetch. If ctx ends
// first the caller gets a backend failure, but the fetch still runs to
// completion and fills the cache for later callers.
func (l *Loader) EnsureLoaded(ctx context.Context, id uint64) error {
	if l.State(id) == Loaded {
		return nil
	}

	ch := l.flight.DoChan(strconv.FormatUint(id, 10), func() (interface{}, error) {
		return nil, l.load(context.WithoutCancel(ctx), id)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.RecordLoadJoin()
		}
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for directory %d: %v", ErrBackend, id, ctx.Err())
	}
}

func (l *Loader) setState(id uint64, s State) {
	l.mu.Lock()
	l.states[id] = s
	l.mu.Unlock()
}

// load runs one fetch for directory id. Only one load per directory runs
// at a time; the singleflight key guarantees it.
func (l *Loader) load(ctx context.Context, id uint64) (err error) {
	l.mu.Lock()
	if l.states[id] == Loaded {
		l.mu.Unlock()
		return nil
	}
	l.states[id] = Loading
	l.mu.Unlock()

	defer func() {
		if err != nil {
			l.setState(id, Unloaded)
		}
	}()

	entry, ok := l.table.LookupByIdentifier(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknown, id)
	}
	if !entry.Ref.Kind.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, entry.Path)
	}

	log := l.log.With(zap.String("path", entry.Path), zap.Uint64("ino", id))
	if u, uriErr := uri.PathToURI(entry.Path); uriErr == nil {
		log = log.With(zap.String("uri", u))
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	objs, err := l.fetch(ctx, entry)
	metrics.RecordDirectoryLoad(entry.Ref.Kind.String(), time.Since(start), err == nil)
	if err != nil {
		log.Warn("directory load failed", zap.Error(err))
		return fmt.Errorf("%w: list %s: %v", ErrBackend, entry.Path, err)
	}

	regs, objs, err := stage(entry.Ref, objs)
	if err != nil {
		log.Warn("directory listing rejected", zap.Error(err))
		return fmt.Errorf("%w: list %s: %v", ErrBackend, entry.Path, err)
	}

	_, err = l.table.Commit(id, regs, func(ids []uint64) {
		for i, cid := range ids {
			obj := objs[i]
			l.attrs.Put(cid, cache.AttrFor(obj))
			if !obj.Kind.IsDir() {
				l.attrs.PutContent(cid, []byte(obj.Body))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("%w: register %s: %v", ErrBackend, entry.Path, err)
	}

	l.setState(id, Loaded)
	metrics.SetInodesRegistered(l.table.Len())
	log.Debug("directory loaded", zap.Int("children", len(regs)), zap.Duration("took", time.Since(start)))
	return nil
}

// fetch resolves the endpoint for a directory from its position in the
// hierarchy and returns its children.
func (l *Loader) fetch(ctx context.Context, entry inode.Entry) ([]models.RemoteObject, error) {
	ref := entry.Ref

	// Release collections are synthesized, not fetched.
	if ref.Kind == models.KindRelease {
		return []models.RemoteObject{
			{ID: ref.ID + "/" + EpicsDir, Name: EpicsDir, Kind: models.KindCollection, Parent: ref},
			{ID: ref.ID + "/" + FeaturesDir, Name: FeaturesDir, Kind: models.KindCollection, Parent: ref},
		}, nil
	}

	client, err := l.clientFor(entry.Path)
	if err != nil {
		return nil, err
	}

	if err := l.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.workers.Release(1)

	switch ref.Kind {
	case models.KindConnector:
		return expect(client.ListTopLevel(ctx))(models.KindProduct)
	case models.KindProduct:
		return expect(client.ListChildren(ctx, ref, models.KindRelease))(models.KindRelease)
	case models.KindEpic:
		return expect(client.ListChildren(ctx, ref, models.KindFeature))(models.KindFeature)
	case models.KindCollection:
		releaseID, dir, ok := strings.Cut(ref.ID, "/")
		if !ok {
			return nil, fmt.Errorf("malformed collection id %q", ref.ID)
		}
		release := models.Ref{Kind: models.KindRelease, ID: releaseID}
		switch dir {
		case EpicsDir:
			return expect(client.ListChildren(ctx, release, models.KindEpic))(models.KindEpic)
		case FeaturesDir:
			return expect(client.ListChildren(ctx, release, models.KindFeature))(models.KindFeature)
		}
		return nil, fmt.Errorf("unknown collection %q", dir)
	}
	return nil, fmt.Errorf("no endpoint lists children of a %s", ref.Kind)
}

// clientFor picks the client of the connector a path lives under.
func (l *Loader) clientFor(path string) (models.ResourceClient, error) {
	segs := uri.Segments(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("path %q has no connector", path)
	}
	client, ok := l.clients[segs[0]]
	if !ok || client == nil {
		return nil, fmt.Errorf("connector %q has no client", segs[0])
	}
	return client, nil
}

// expect checks that every returned object is of the wanted kind.
func expect(objs []models.RemoteObject, err error) func(models.Kind) ([]models.RemoteObject, error) {
	return func(kind models.Kind) ([]models.RemoteObject, error) {
		if err != nil {
			return nil, err
		}
		for _, obj := range objs {
			if obj.Kind != kind {
				return nil, fmt.Errorf("object %q is a %s, want %s", obj.ID, obj.Kind, kind)
			}
		}
		return objs, nil
	}
}

// stage validates a listing and picks a unique name for every object.
// Names that repeat get the object's reference (or id) appended. Objects
// listed twice are kept once.
func stage(parent models.Ref, objs []models.RemoteObject) ([]inode.Registration, []models.RemoteObject, error) {
	regs := make([]inode.Registration, 0, len(objs))
	kept := make([]models.RemoteObject, 0, len(objs))
	seen := make(map[string]bool, len(objs))
	refs := make(map[models.Ref]bool, len(objs))
	for i, obj := range objs {
		if obj.ID == "" {
			return nil, nil, fmt.Errorf("object %d under %s has no id", i, parent)
		}
		if strings.TrimSpace(obj.Name) == "" {
			return nil, nil, fmt.Errorf("object %s under %s has no name", obj.Ref(), parent)
		}
		if refs[obj.Ref()] {
			continue
		}
		refs[obj.Ref()] = true

		name := uri.SanitizeName(obj.Name)
		if seen[name] {
			tag := obj.Reference
			if tag == "" {
				tag = obj.ID
			}
			name = uri.SanitizeName(fmt.Sprintf("%s (%s)", obj.Name, tag))
			for n := 2; seen[name]; n++ {
				name = uri.SanitizeName(fmt.Sprintf("%s (%s-%d)", obj.Name, tag, n))
			}
		}
		seen[name] = true
		regs = append(regs, inode.Registration{Name: name, Ref: obj.Ref()})
		kept = append(kept, obj)
	}
	return regs, kept, nil
}
