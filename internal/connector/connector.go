// Package connector implements the capability-typed Connector Sync component
// of spec §4.9: a Connector enumerates remote items into the crawl queue
// under api:// URIs and resolves individual items on demand. This package
// defines the capability and a periodic scheduler; no concrete Google
// Drive/GCal/GitHub wire binding is included (spec §1 Non-goals reserve
// those to out-of-tree connector plugins).
package connector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avenoir-dev/spyglass/internal/diagnostics"
	"github.com/avenoir-dev/spyglass/internal/fetcher"
	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
	"github.com/robfig/cron/v3"
)

// Item is one remote object a Connector's Sync enumerates.
type Item struct {
	// URI is an api://<api_id>/<path> reference, ready to enqueue.
	URI string
}

// Connector is the narrow two-method capability spec §4.9 defines,
// generalizing original_source's connection::Connection trait (sync/get)
// into idiomatic Go. persist lets a Connector write back credentials it
// rotated mid-sync (e.g. an OAuth refresh), satisfying the "credentials
// updated mid-sync must be persisted" requirement without a second
// interface method.
type Connector interface {
	ID() string
	Sync(ctx context.Context, conn model.Connection, persist func(model.Connection) error) (<-chan Item, error)
	Get(ctx context.Context, path string) (fetcher.CrawlResult, error)
}

// Registry dispatches api:// fetches to the Connector registered for the
// URI's api_id. Satisfies fetcher.ConnectorRegistry.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry builds an empty Registry; Register each Connector before use.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register associates a Connector with its own ID() for Get dispatch and
// Sync scheduling.
func (r *Registry) Register(c Connector) {
	r.connectors[c.ID()] = c
}

// Get resolves an api://<apiID>/<path> URI via the registered Connector.
func (r *Registry) Get(ctx context.Context, apiID, path string) (fetcher.CrawlResult, error) {
	c, ok := r.connectors[apiID]
	if !ok {
		return fetcher.CrawlResult{}, fmt.Errorf("connector: no connector registered for api id %q", apiID)
	}
	return c.Get(ctx, path)
}

// Scheduler runs each registered Connector's Sync on a shared cron schedule,
// enqueuing discovered items under crawl_type=Api.
type Scheduler struct {
	registry *Registry
	store    store.Store
	settings store.Settings
	cron     *cron.Cron
	logger   *slog.Logger
	stats    *diagnostics.Tracker
}

// NewScheduler builds a Scheduler. schedule is a standard 5-field cron
// expression or a `cron.ParseStandard`-compatible `@every` shorthand (e.g.
// "@every 30m"). stats may be nil to skip library-stats tracking.
func NewScheduler(registry *Registry, st store.Store, settings store.Settings, schedule string, logger *slog.Logger, stats *diagnostics.Tracker) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = diagnostics.NewTracker()
	}
	s := &Scheduler{registry: registry, store: st, settings: settings, cron: cron.New(), logger: logger, stats: stats}

	if _, err := s.cron.AddFunc(schedule, func() {
		s.syncAll(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("connector: schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the cron schedule. Stop should be called on shutdown.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule without waiting; the returned context is done
// once any in-flight sync has finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// SyncNow runs one sync pass immediately, bypassing the cron schedule. Tests
// and manual-trigger RPCs use this instead of waiting for the next tick.
func (s *Scheduler) SyncNow(ctx context.Context) { s.syncAll(ctx) }

func (s *Scheduler) syncAll(ctx context.Context) {
	conns, err := s.store.ListConnections(ctx)
	if err != nil {
		s.logger.Error("connector: list connections", "err", err)
		return
	}

	for _, conn := range conns {
		if conn.IsSyncing {
			s.logger.Debug("connector: sync already in progress, skipping", "api_id", conn.APIID, "account", conn.Account)
			continue
		}
		s.syncOne(ctx, conn)
	}
}

func (s *Scheduler) syncOne(ctx context.Context, conn model.Connection) {
	c, ok := s.registry.connectors[conn.APIID]
	if !ok {
		s.logger.Warn("connector: no connector registered", "api_id", conn.APIID)
		return
	}

	conn.IsSyncing = true
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		s.logger.Error("connector: mark syncing", "api_id", conn.APIID, "err", err)
		return
	}

	persist := func(updated model.Connection) error {
		updated.IsSyncing = true
		if err := s.store.UpsertConnection(ctx, updated); err != nil {
			return err
		}
		conn = updated
		return nil
	}

	items, err := c.Sync(ctx, conn, persist)
	if err != nil {
		s.logger.Error("connector: sync", "api_id", conn.APIID, "err", err)
		conn.IsSyncing = false
		_ = s.store.UpsertConnection(ctx, conn)
		return
	}

	count := 0
	for item := range items {
		added, reason, err := s.store.Enqueue(ctx, item.URI, s.settings, store.EnqueueSettings{CrawlType: model.CrawlApi, SourceDomain: conn.APIID})
		if err != nil {
			s.logger.Error("connector: enqueue item", "uri", item.URI, "err", err)
			continue
		}
		if added {
			count++
			s.stats.IncEnqueued(conn.APIID)
		} else {
			s.logger.Debug("connector: item skipped", "uri", item.URI, "reason", reason.String())
		}
	}

	s.logger.Info("connector: sync complete", "api_id", conn.APIID, "account", conn.Account, "enqueued", count)

	conn.IsSyncing = false
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		s.logger.Error("connector: clear syncing flag", "api_id", conn.APIID, "err", err)
	}
}
