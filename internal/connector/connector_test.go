package connector

import (
	"context"
	"testing"

	"github.com/avenoir-dev/spyglass/internal/fetcher"
	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
	"github.com/avenoir-dev/spyglass/internal/store/sqlite"
)

// fakeConnector is an in-memory reference Connector used only for tests; no
// concrete wire binding (Google Drive, GitHub, etc.) ships in this package.
type fakeConnector struct {
	id          string
	items       []Item
	rotateCreds bool
}

func (f *fakeConnector) ID() string { return f.id }

func (f *fakeConnector) Sync(ctx context.Context, conn model.Connection, persist func(model.Connection) error) (<-chan Item, error) {
	out := make(chan Item, len(f.items))
	if f.rotateCreds {
		conn.CredentialBlob = []byte("rotated")
		if err := persist(conn); err != nil {
			return nil, err
		}
	}
	for _, it := range f.items {
		out <- it
	}
	close(out)
	return out, nil
}

func (f *fakeConnector) Get(ctx context.Context, path string) (fetcher.CrawlResult, error) {
	return fetcher.CrawlResult{Status: 200, Content: "fake content for " + path}, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRegistryGetDispatchesToRegisteredConnector(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeConnector{id: "gdrive"})

	result, err := reg.Get(context.Background(), "gdrive", "/doc/123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if result.Content != "fake content for /doc/123" {
		t.Errorf("unexpected content: %q", result.Content)
	}
}

func TestRegistryGetUnknownAPIIDErrors(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get(context.Background(), "nope", "/x"); err == nil {
		t.Fatal("expected an error for an unregistered api id")
	}
}

func TestSchedulerSyncNowEnqueuesItemsAndClearsSyncingFlag(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conn := model.Connection{APIID: "gdrive", Account: "me@example.com"}
	if err := st.UpsertConnection(ctx, conn); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	reg := NewRegistry()
	reg.Register(&fakeConnector{id: "gdrive", items: []Item{
		{URI: "api://gdrive/doc-1"},
		{URI: "api://gdrive/doc-2"},
	}})

	settings := store.Settings{DomainCrawlLimit: store.Unlimited, InflightCrawlLimit: store.Unlimited, InflightDomainLimit: store.Unlimited}
	sched, err := NewScheduler(reg, st, settings, "@every 1h", nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	sched.SyncNow(ctx)

	task, err := st.Dequeue(ctx, settings, nil, nil)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task == nil || task.URL != "api://gdrive/doc-1" {
		t.Fatalf("expected first synced item enqueued, got %v", task)
	}

	conns, err := st.ListConnections(ctx)
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(conns) != 1 || conns[0].IsSyncing {
		t.Errorf("expected the syncing flag to be cleared after sync, got %+v", conns)
	}
}

func TestSchedulerSkipsConnectionAlreadySyncing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conn := model.Connection{APIID: "gdrive", Account: "me@example.com", IsSyncing: true}
	if err := st.UpsertConnection(ctx, conn); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	reg := NewRegistry()
	reg.Register(&fakeConnector{id: "gdrive", items: []Item{{URI: "api://gdrive/doc-1"}}})

	settings := store.Settings{DomainCrawlLimit: store.Unlimited, InflightCrawlLimit: store.Unlimited, InflightDomainLimit: store.Unlimited}
	sched, err := NewScheduler(reg, st, settings, "@every 1h", nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.SyncNow(ctx)

	task, err := st.Dequeue(ctx, settings, nil, nil)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task != nil {
		t.Errorf("expected no sync to occur while IsSyncing is true, got task %v", task)
	}
}

func TestSchedulerPersistsRotatedCredentialsMidSync(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conn := model.Connection{APIID: "gdrive", Account: "me@example.com", CredentialBlob: []byte("stale")}
	if err := st.UpsertConnection(ctx, conn); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	reg := NewRegistry()
	reg.Register(&fakeConnector{id: "gdrive", rotateCreds: true})

	settings := store.Settings{DomainCrawlLimit: store.Unlimited, InflightCrawlLimit: store.Unlimited, InflightDomainLimit: store.Unlimited}
	sched, err := NewScheduler(reg, st, settings, "@every 1h", nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.SyncNow(ctx)

	conns, err := st.ListConnections(ctx)
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(conns) != 1 || string(conns[0].CredentialBlob) != "rotated" {
		t.Errorf("expected rotated credentials to be persisted, got %+v", conns)
	}
}

func TestNewSchedulerRejectsInvalidCronExpression(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	if _, err := NewScheduler(reg, st, store.Settings{}, "not a cron expression", nil, nil); err == nil {
		t.Fatal("expected an error for an invalid cron schedule")
	}
}

func TestSyncNowIsIdempotentWithNoConnections(t *testing.T) {
	st := newTestStore(t)
	reg := NewRegistry()
	sched, err := NewScheduler(reg, st, store.Settings{}, "@every 1h", nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.SyncNow(context.Background())
}
