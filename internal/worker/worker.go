// Package worker implements the bounded worker pool of spec §4.8: each
// worker pulls a claimed CrawlTask from the Scheduler's channel and routes it
// through Fetcher → Parser → Index/Store, enqueuing discovered links back
// through the Store.
//
// Generalizes the teacher's internal/scraper.Crawler.Run/processJob (bounded
// channel, errgroup.WithContext-managed goroutines) from an in-memory BFS
// queue to a Store-backed one: the Scheduler now owns priority and dedup, so
// the worker pool is just "drain the channel, run the pipeline, repeat".
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/avenoir-dev/spyglass/internal/diagnostics"
	"github.com/avenoir-dev/spyglass/internal/fetcher"
	"github.com/avenoir-dev/spyglass/internal/index"
	"github.com/avenoir-dev/spyglass/internal/lens"
	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/robots"
	"github.com/avenoir-dev/spyglass/internal/store"
	"golang.org/x/sync/errgroup"
)

// Config configures a Pool.
type Config struct {
	Concurrency     int
	Settings        store.Settings
	EnqueueSettings store.EnqueueSettings
}

// Pool is a bounded set of workers draining a shared CrawlTask channel.
type Pool struct {
	cfg     Config
	store   store.Store
	idx     *index.Index
	fetch   *fetcher.Fetcher
	lenses  *lens.Registry
	auditor *robots.Auditor
	tasks   <-chan *model.CrawlTask
	logger  *slog.Logger
	stats   *diagnostics.Tracker
}

// New builds a Pool. auditor may be nil to skip the robots.txt check (e.g.
// file/api crawl types, or tests). stats may be nil to skip library-stats
// tracking (e.g. tests that don't assert on it).
func New(st store.Store, idx *index.Index, f *fetcher.Fetcher, lenses *lens.Registry, auditor *robots.Auditor, tasks <-chan *model.CrawlTask, cfg Config, logger *slog.Logger, stats *diagnostics.Tracker) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = diagnostics.NewTracker()
	}
	return &Pool{cfg: cfg, store: st, idx: idx, fetch: f, lenses: lenses, auditor: auditor, tasks: tasks, logger: logger, stats: stats}
}

// Run starts Concurrency workers draining tasks until the channel closes or
// ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					return gCtx.Err()
				case task, ok := <-p.tasks:
					if !ok {
						return nil
					}
					p.process(gCtx, task)
				}
			}
		})
	}

	return g.Wait()
}

func (p *Pool) process(ctx context.Context, task *model.CrawlTask) {
	if p.auditor != nil {
		allowed, err := p.auditor.IsAllowed(ctx, task.URL)
		if err != nil {
			p.logger.Warn("worker: robots check failed, allowing", "url", task.URL, "err", err)
		} else if !allowed {
			p.logger.Debug("worker: blocked by robots.txt", "url", task.URL)
			if err := p.store.MarkDone(ctx, task.ID, model.StatusCompleted); err != nil {
				p.logger.Error("worker: mark done (robots-blocked)", "url", task.URL, "err", err)
			}
			return
		}
	}

	result, err := p.fetch.Fetch(ctx, task)
	if err != nil {
		p.logger.Warn("worker: fetch failed", "url", task.URL, "err", err)
		p.stats.IncFailed(task.Pipeline)
		if merr := p.store.MarkDone(ctx, task.ID, model.StatusFailed); merr != nil {
			p.logger.Error("worker: mark done (fetch error)", "url", task.URL, "err", merr)
		}
		return
	}

	if !result.IsSuccess() && !result.IsBadRequest() {
		p.stats.IncFailed(task.Pipeline)
		if err := p.store.MarkDone(ctx, task.ID, model.StatusFailed); err != nil {
			p.logger.Error("worker: mark done (transport failure)", "url", task.URL, "err", err)
		}
		return
	}

	if result.IsSuccess() {
		if err := p.indexAndTag(ctx, task, result); err != nil {
			p.logger.Error("worker: index", "url", task.URL, "err", err)
			p.stats.IncFailed(task.Pipeline)
			if merr := p.store.MarkDone(ctx, task.ID, model.StatusFailed); merr != nil {
				p.logger.Error("worker: mark done (index error)", "url", task.URL, "err", merr)
			}
			return
		}
		p.stats.IncIndexed(task.Pipeline)
		p.enqueueLinks(ctx, task, result)
	}

	if err := p.store.MarkDone(ctx, task.ID, model.StatusCompleted); err != nil {
		p.logger.Error("worker: mark done", "url", task.URL, "err", err)
	}
}

// indexAndTag implements spec §4.8 step 3's index/store sequence: delete any
// prior document for this URL (Index and Store), write the fresh document,
// upsert IndexedDocument, then upsert its tags.
func (p *Pool) indexAndTag(ctx context.Context, task *model.CrawlTask, result *fetcher.CrawlResult) error {
	existing, err := p.store.GetIndexedDocumentByURL(ctx, task.URL)
	if err != nil {
		return fmt.Errorf("worker: lookup existing document: %w", err)
	}
	if existing != nil {
		if err := p.idx.Delete(existing.DocID); err != nil {
			return fmt.Errorf("worker: delete stale index entry: %w", err)
		}
		if err := p.store.DeleteManyByID(ctx, []int64{existing.ID}); err != nil {
			return fmt.Errorf("worker: delete stale document row: %w", err)
		}
	}

	openURL := result.OpenURL
	if openURL == "" {
		openURL = task.URL
	}

	docID, err := p.idx.Upsert(index.Document{
		URL:         openURL,
		Domain:      task.Domain,
		Title:       result.Title,
		Description: result.Description,
		Content:     result.Content,
	})
	if err != nil {
		return fmt.Errorf("worker: index upsert: %w", err)
	}

	doc := &model.IndexedDocument{URL: task.URL, Domain: task.Domain, DocID: docID, OpenURL: openURL}
	if err := p.store.UpsertIndexedDocument(ctx, doc); err != nil {
		return fmt.Errorf("worker: upsert indexed document: %w", err)
	}

	tags := []model.Tag{{Label: model.TagSource, Value: sourceTagValue(task.URL)}}
	tags = append(tags, result.Tags...)
	if task.Pipeline != "" {
		tags = append(tags, model.Tag{Label: model.TagLens, Value: task.Pipeline})
	}

	if p.lenses != nil {
		names, err := p.lenses.MatchingLenses(ctx, openURL)
		if err != nil {
			return fmt.Errorf("worker: matching lenses: %w", err)
		}
		for _, name := range names {
			tags = append(tags, model.Tag{Label: model.TagLens, Value: name})
		}
	}

	if err := p.store.InsertTagsForDocs(ctx, []int64{doc.ID}, tags, false); err != nil {
		return fmt.Errorf("worker: upsert tags: %w", err)
	}
	return nil
}

// sourceTagValue classifies where a CrawlTask's content originated, by URL
// scheme: http(s) is a web crawl, file is a filesystem ingest, api is a
// named connector.
func sourceTagValue(taskURL string) string {
	u, err := url.Parse(taskURL)
	if err != nil {
		return "web"
	}
	switch u.Scheme {
	case "file":
		return "file"
	case "api":
		return u.Host
	default:
		return "web"
	}
}

// enqueueLinks normalizes and enqueues each discovered link, admitting only
// URLs matched by at least one enabled Simple lens (spec §4.8's "applying
// Lens Resolver admission rules"); the user blocklist is enforced by
// Store.Enqueue itself via Settings.BlockList. With no enabled Simple lenses
// at all, links are enqueued unfiltered: a fresh install with zero lenses
// configured must not silently refuse to crawl anything.
func (p *Pool) enqueueLinks(ctx context.Context, task *model.CrawlTask, result *fetcher.CrawlResult) {
	if len(result.Links) == 0 {
		return
	}

	candidates := result.Links
	if p.lenses != nil {
		anyLens, err := p.anyEnabledSimpleLens(ctx)
		if err != nil {
			p.logger.Warn("worker: checking for enabled lenses", "err", err)
		} else if anyLens {
			filtered := candidates[:0]
			for _, link := range result.Links {
				names, err := p.lenses.MatchingLenses(ctx, link)
				if err != nil {
					p.logger.Warn("worker: lens admission check", "url", link, "err", err)
					continue
				}
				if len(names) > 0 {
					filtered = append(filtered, link)
				}
			}
			candidates = filtered
		}
	}

	overrides := p.cfg.EnqueueSettings
	overrides.CrawlType = model.CrawlNormal
	overrides.Pipeline = task.Pipeline

	added, err := p.store.EnqueueAll(ctx, candidates, p.cfg.Settings, overrides)
	if err != nil {
		p.logger.Warn("worker: enqueue discovered links", "url", task.URL, "err", err)
		return
	}
	for i := 0; i < added; i++ {
		p.stats.IncEnqueued(task.Pipeline)
	}
}

func (p *Pool) anyEnabledSimpleLens(ctx context.Context) (bool, error) {
	all, err := p.store.ListLenses(ctx)
	if err != nil {
		return false, err
	}
	for _, cfg := range all {
		if cfg.IsEnabled && !cfg.IsPlugin {
			return true, nil
		}
	}
	return false, nil
}
