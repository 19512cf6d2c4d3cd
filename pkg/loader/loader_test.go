package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ahafs/ahafs/pkg/cache"
	"github.com/ahafs/ahafs/pkg/inode"
	"github.com/ahafs/ahafs/pkg/models"
)

// fakeClient serves a fixed hierarchy and counts calls.
type fakeClient struct {
	topLevel []models.RemoteObject
	children map[string][]models.RemoteObject // key: parent ref + "/" + kind

	calls atomic.Int32
	gate  chan struct{} // when set, every call blocks until closed
	fail  atomic.Int32  // number of calls that fail before succeeding
}

func (f *fakeClient) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return errors.New("connection reset")
	}
	return nil
}

func (f *fakeClient) ListTopLevel(ctx context.Context) ([]models.RemoteObject, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.topLevel, nil
}

func (f *fakeClient) ListChildren(ctx context.Context, parent models.Ref, kind models.Kind) ([]models.RemoteObject, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.children[parent.String()+"/"+kind.String()], nil
}

func product(id, name string) models.RemoteObject {
	return models.RemoteObject{ID: id, Name: name, Kind: models.KindProduct}
}

func newFixture(t *testing.T, client *fakeClient, timeout time.Duration) (*Loader, *inode.Table, *cache.Cache) {
	t.Helper()
	tbl := inode.NewTable()
	attrs := cache.New()
	l, err := New(tbl, attrs, Config{
		Timeout: timeout,
		Clients: map[string]models.ResourceClient{"data": client},
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, tbl, attrs
}

func dataID(t *testing.T, tbl *inode.Table) uint64 {
	t.Helper()
	id, ok := tbl.LookupByName(inode.RootID, "data")
	if !ok {
		t.Fatal("data connector not registered")
	}
	return id
}

func TestNew_RegistersConnectors(t *testing.T) {
	l, tbl, attrs := newFixture(t, &fakeClient{}, 0)

	if got := l.State(inode.RootID); got != Loaded {
		t.Errorf("root state = %v, want loaded", got)
	}
	id := dataID(t, tbl)
	if got := l.State(id); got != Unloaded {
		t.Errorf("data state = %v, want unloaded", got)
	}
	attr, ok := attrs.Get(id)
	if !ok || !attr.IsDir || attr.Mode != cache.DirMode {
		t.Errorf("data attr = %+v, %v", attr, ok)
	}
	if _, ok := attrs.Get(inode.RootID); !ok {
		t.Error("root has no attributes")
	}
}

func TestNew_ConnectorsFromClientsAreSorted(t *testing.T) {
	for i := 0; i < 5; i++ {
		tbl := inode.NewTable()
		_, err := New(tbl, cache.New(), Config{
			Clients: map[string]models.ResourceClient{
				"s3":      &fakeClient{},
				"data":    &fakeClient{},
				"dropbox": &fakeClient{},
			},
			Logger: zap.NewNop(),
		})
		if err != nil {
			t.Fatal(err)
		}

		children := tbl.Children(inode.RootID)
		want := []string{"data", "dropbox", "s3"}
		if len(children) != len(want) {
			t.Fatalf("children = %+v", children)
		}
		for j, c := range children {
			if c.Name != want[j] || c.Seq != uint64(j+1) {
				t.Errorf("child %d = %s seq %d, want %s seq %d", j, c.Name, c.Seq, want[j], j+1)
			}
		}
	}
}

func TestNew_RejectsUnknownConnector(t *testing.T) {
	_, err := New(inode.NewTable(), cache.New(), Config{
		Connectors: []string{"ftp"},
		Logger:     zap.NewNop(),
	})
	if err == nil {
		t.Fatal("expected error for ftp connector")
	}
}

func TestEnsureLoaded_SingleFetchForConcurrentCallers(t *testing.T) {
	client := &fakeClient{
		topLevel: []models.RemoteObject{product("1", "Alpha"), product("2", "Beta")},
		gate:     make(chan struct{}),
	}
	l, tbl, _ := newFixture(t, client, time.Second)
	id := dataID(t, tbl)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.EnsureLoaded(context.Background(), id)
		}()
	}

	// Let the callers pile up on the in-flight fetch.
	for client.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(client.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureLoaded: %v", err)
		}
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}
	if got := len(tbl.Children(id)); got != 2 {
		t.Errorf("children = %d, want 2", got)
	}
	if l.State(id) != Loaded {
		t.Errorf("state = %v, want loaded", l.State(id))
	}

	// Loaded directories never fetch again.
	if err := l.EnsureLoaded(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("remote calls after reload = %d, want 1", got)
	}
}

func TestEnsureLoaded_FailureIsRetried(t *testing.T) {
	client := &fakeClient{topLevel: []models.RemoteObject{product("1", "Alpha")}}
	client.fail.Store(1)
	l, tbl, _ := newFixture(t, client, time.Second)
	id := dataID(t, tbl)

	err := l.EnsureLoaded(context.Background(), id)
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("first load err = %v, want backend failure", err)
	}
	if l.State(id) != Unloaded {
		t.Errorf("state after failure = %v, want unloaded", l.State(id))
	}
	if got := len(tbl.Children(id)); got != 0 {
		t.Errorf("children after failure = %d, want 0", got)
	}

	if err := l.EnsureLoaded(context.Background(), id); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if got := client.calls.Load(); got != 2 {
		t.Errorf("remote calls = %d, want 2", got)
	}
	if _, ok := tbl.LookupByName(id, "Alpha"); !ok {
		t.Error("Alpha not registered after retry")
	}
}

func TestEnsureLoaded_DeadlineIsBackendFailure(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	defer close(client.gate)
	l, tbl, _ := newFixture(t, client, 20*time.Millisecond)
	id := dataID(t, tbl)

	err := l.EnsureLoaded(context.Background(), id)
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("err = %v, want backend failure", err)
	}
	if l.State(id) != Unloaded {
		t.Errorf("state = %v, want unloaded", l.State(id))
	}
}

func TestEnsureLoaded_AbandonedCallerStillPopulates(t *testing.T) {
	client := &fakeClient{
		topLevel: []models.RemoteObject{product("1", "Alpha")},
		gate:     make(chan struct{}),
	}
	l, tbl, attrs := newFixture(t, client, 5*time.Second)
	id := dataID(t, tbl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.EnsureLoaded(ctx, id) }()

	for client.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, ErrBackend) {
		t.Fatalf("abandoned caller err = %v, want backend failure", err)
	}

	close(client.gate)
	deadline := time.Now().Add(2 * time.Second)
	for l.State(id) != Loaded {
		if time.Now().After(deadline) {
			t.Fatal("detached fetch never completed")
		}
		time.Sleep(time.Millisecond)
	}

	child, ok := tbl.LookupByName(id, "Alpha")
	if !ok {
		t.Fatal("Alpha not registered")
	}
	if _, ok := attrs.Get(child); !ok {
		t.Error("Alpha has no attributes")
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}
}

func TestEnsureLoaded_MalformedListingCommitsNothing(t *testing.T) {
	tests := []struct {
		name string
		objs []models.RemoteObject
	}{
		{"missing id", []models.RemoteObject{product("1", "Alpha"), product("", "Beta")}},
		{"missing name", []models.RemoteObject{product("1", "Alpha"), product("2", "  ")}},
		{"wrong kind", []models.RemoteObject{product("1", "Alpha"), {ID: "9", Name: "x", Kind: models.KindFeature}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, tbl, _ := newFixture(t, &fakeClient{topLevel: tt.objs}, time.Second)
			id := dataID(t, tbl)

			if err := l.EnsureLoaded(context.Background(), id); !errors.Is(err, ErrBackend) {
				t.Fatalf("err = %v, want backend failure", err)
			}
			if got := len(tbl.Children(id)); got != 0 {
				t.Errorf("children = %d, want 0", got)
			}
			if got := tbl.Len(); got != 2 {
				t.Errorf("table size = %d, want 2", got)
			}
		})
	}
}

func TestEnsureLoaded_DuplicateNames(t *testing.T) {
	objs := []models.RemoteObject{
		{ID: "1", Name: "Roadmap", Kind: models.KindProduct, Reference: "RM"},
		{ID: "2", Name: "Roadmap", Kind: models.KindProduct, Reference: "RM2"},
		{ID: "3", Name: "Roadmap", Kind: models.KindProduct},
		{ID: "4", Name: "a/b", Kind: models.KindProduct},
		{ID: "1", Name: "Roadmap", Kind: models.KindProduct, Reference: "RM"},
	}
	l, tbl, _ := newFixture(t, &fakeClient{topLevel: objs}, time.Second)
	id := dataID(t, tbl)

	if err := l.EnsureLoaded(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Roadmap", "Roadmap (RM2)", "Roadmap (3)", "a_b"} {
		if _, ok := tbl.LookupByName(id, name); !ok {
			t.Errorf("%q not registered", name)
		}
	}
	if got := len(tbl.Children(id)); got != 4 {
		t.Errorf("children = %d, want 4", got)
	}
}

func TestEnsureLoaded_Hierarchy(t *testing.T) {
	release := models.Ref{Kind: models.KindRelease, ID: "r1"}
	epic := models.Ref{Kind: models.KindEpic, ID: "e1"}
	shared := models.RemoteObject{ID: "f1", Name: "Login", Kind: models.KindFeature, Body: "hello"}

	client := &fakeClient{
		topLevel: []models.RemoteObject{product("p1", "Alpha")},
		children: map[string][]models.RemoteObject{
			"product:p1/release": {{ID: "r1", Name: "1.0", Kind: models.KindRelease}},
			release.String() + "/epic": {{ID: "e1", Name: "Auth", Kind: models.KindEpic}},
			release.String() + "/feature": {shared},
			epic.String() + "/feature": {shared},
		},
	}
	l, tbl, attrs := newFixture(t, client, time.Second)
	ctx := context.Background()

	walk := func(parent uint64, name string) uint64 {
		t.Helper()
		if err := l.EnsureLoaded(ctx, parent); err != nil {
			t.Fatalf("load %d: %v", parent, err)
		}
		id, ok := tbl.LookupByName(parent, name)
		if !ok {
			t.Fatalf("%q not found under %d", name, parent)
		}
		return id
	}

	rel := walk(walk(dataID(t, tbl), "Alpha"), "1.0")
	callsBefore := client.calls.Load()
	features := walk(rel, FeaturesDir)
	epics := walk(rel, EpicsDir)
	if got := client.calls.Load(); got != callsBefore {
		t.Errorf("release collections fetched remotely: %d calls", got-callsBefore)
	}

	viaRelease := walk(features, "Login")
	viaEpic := walk(walk(epics, "Auth"), "Login")
	if viaRelease != viaEpic {
		t.Errorf("shared feature ids differ: %d vs %d", viaRelease, viaEpic)
	}

	entry, _ := tbl.LookupByIdentifier(viaRelease)
	if entry.Path != "/data/Alpha/1.0/features/Login" {
		t.Errorf("path = %q", entry.Path)
	}
	attr, _ := attrs.Get(viaRelease)
	if attr.IsDir || attr.Size != 5 || attr.Mode != cache.FileMode {
		t.Errorf("feature attr = %+v", attr)
	}
	if data, _ := attrs.Content(viaRelease); string(data) != "hello" {
		t.Errorf("content = %q", data)
	}

	if err := l.EnsureLoaded(ctx, viaRelease); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("loading a feature: err = %v, want ErrNotDirectory", err)
	}
}

func TestEnsureLoaded_ConnectorWithoutClient(t *testing.T) {
	tbl := inode.NewTable()
	l, err := New(tbl, cache.New(), Config{
		Connectors: []string{"data", "s3"},
		Clients:    map[string]models.ResourceClient{"data": &fakeClient{}},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	id, ok := tbl.LookupByName(inode.RootID, "s3")
	if !ok {
		t.Fatal("s3 not registered")
	}
	if err := l.EnsureLoaded(context.Background(), id); !errors.Is(err, ErrBackend) {
		t.Errorf("err = %v, want backend failure", err)
	}
}

func TestEnsureLoaded_UnknownID(t *testing.T) {
	l, _, _ := newFixture(t, &fakeClient{}, time.Second)
	if err := l.EnsureLoaded(context.Background(), 999); !errors.Is(err, ErrUnknown) {
		t.Errorf("err = %v, want ErrUnknown", err)
	}
}

func TestEnsureLoaded_WorkerLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	client := &limitClient{inflight: &inflight, peak: &peak}
	tbl := inode.NewTable()
	l, err := New(tbl, cache.New(), Config{
		Workers: 2,
		Clients: map[string]models.ResourceClient{"data": client},
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	data := dataID(t, tbl)
	if err := l.EnsureLoaded(context.Background(), data); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, c := range tbl.Children(data) {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if err := l.EnsureLoaded(context.Background(), id); err != nil {
				t.Errorf("load %d: %v", id, err)
			}
		}(c.ID)
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent fetches = %d, want <= 2", got)
	}
}

// limitClient records the peak number of concurrent calls.
type limitClient struct {
	inflight, peak *atomic.Int32
}

func (c *limitClient) track() {
	n := c.inflight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	c.inflight.Add(-1)
}

func (c *limitClient) ListTopLevel(ctx context.Context) ([]models.RemoteObject, error) {
	objs := make([]models.RemoteObject, 8)
	for i := range objs {
		objs[i] = product(fmt.Sprint(i+1), fmt.Sprintf("P%d", i+1))
	}
	return objs, nil
}

func (c *limitClient) ListChildren(ctx context.Context, parent models.Ref, kind models.Kind) ([]models.RemoteObject, error) {
	c.track()
	return nil, nil
}
