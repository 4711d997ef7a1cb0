package fswatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/avenoir-dev/spyglass/internal/diagnostics"
	"github.com/avenoir-dev/spyglass/internal/index"
	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
)

// PipelineName is the fixed lens/pipeline tag value spec §4.10 step 3
// assigns to everything the FS Watcher discovers, regardless of which
// lenses (if any) are configured.
const PipelineName = "files"

// Dispatcher implements spec §4.10 step 3: route a reconciled Event either
// into the crawl queue (indexable extensions, which then flow through the
// normal Fetcher/Parser/Worker pipeline) or directly into the Index as a
// filename-only document (unsupported extensions), so path-based search
// works universally. Deletes remove the document from both Index and Store.
type Dispatcher struct {
	store      store.Store
	idx        *index.Index
	extensions map[string]bool
	settings   store.Settings
	logger     *slog.Logger
	stats      *diagnostics.Tracker
}

// NewDispatcher builds a Dispatcher. extensions are compared case
// insensitively and without a leading dot (e.g. "pdf", not ".pdf"). stats
// may be nil to skip library-stats tracking.
func NewDispatcher(st store.Store, idx *index.Index, extensions []string, settings store.Settings, logger *slog.Logger, stats *diagnostics.Tracker) *Dispatcher {
	set := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		set[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = diagnostics.NewTracker()
	}
	return &Dispatcher{store: st, idx: idx, extensions: set, settings: settings, logger: logger, stats: stats}
}

// Dispatch routes a single Event per spec §4.10 step 3.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if ev.Kind == EventDelete {
		return d.delete(ctx, ev.URI)
	}

	if target, ok := resolveShortcut(ev.Path); ok {
		ev = Event{Kind: ev.Kind, URI: pathToURI(target), Path: target}
	}

	if d.extensions[extensionOf(ev.Path)] {
		return d.enqueue(ctx, ev)
	}
	return d.indexMinimal(ctx, ev)
}

func (d *Dispatcher) enqueue(ctx context.Context, ev Event) error {
	_, reason, err := d.store.Enqueue(ctx, ev.URI, d.settings, store.EnqueueSettings{
		CrawlType:  model.CrawlNormal,
		ForceAllow: true,
		Pipeline:   PipelineName,
	})
	if err != nil {
		return fmt.Errorf("fswatch: enqueue %s: %w", ev.URI, err)
	}
	if reason != store.SkipNone {
		d.logger.Debug("fswatch: enqueue skipped", "uri", ev.URI, "reason", reason.String())
		return nil
	}
	d.stats.IncEnqueued(PipelineName)
	return nil
}

// indexMinimal creates a document whose content is just the filename and
// path, so files with extensions outside the indexable set are still
// reachable through path-based search (spec §4.10 step 3).
func (d *Dispatcher) indexMinimal(ctx context.Context, ev Event) error {
	existing, err := d.store.GetIndexedDocumentByURL(ctx, ev.URI)
	if err != nil {
		return fmt.Errorf("fswatch: lookup existing document %s: %w", ev.URI, err)
	}
	if existing != nil {
		if err := d.idx.Delete(existing.DocID); err != nil {
			return fmt.Errorf("fswatch: delete stale index entry %s: %w", ev.URI, err)
		}
		if err := d.store.DeleteManyByID(ctx, []int64{existing.ID}); err != nil {
			return fmt.Errorf("fswatch: delete stale document row %s: %w", ev.URI, err)
		}
	}

	name := filepath.Base(ev.Path)
	docID, err := d.idx.Upsert(index.Document{
		URL:         ev.URI,
		Domain:      PipelineName,
		Title:       name,
		Description: name,
		Content:     name + " " + ev.Path,
	})
	if err != nil {
		return fmt.Errorf("fswatch: index upsert %s: %w", ev.URI, err)
	}

	doc := &model.IndexedDocument{URL: ev.URI, Domain: PipelineName, DocID: docID, OpenURL: ev.URI}
	if err := d.store.UpsertIndexedDocument(ctx, doc); err != nil {
		return fmt.Errorf("fswatch: upsert indexed document %s: %w", ev.URI, err)
	}

	tags := []model.Tag{{Label: model.TagLens, Value: PipelineName}}
	if ext := extensionOf(ev.Path); ext != "" {
		tags = append(tags, model.Tag{Label: model.TagFileExt, Value: ext})
	}
	if err := d.store.InsertTagsForDocs(ctx, []int64{doc.ID}, tags, false); err != nil {
		return fmt.Errorf("fswatch: upsert tags %s: %w", ev.URI, err)
	}
	d.stats.IncIndexed(PipelineName)
	return nil
}

func (d *Dispatcher) delete(ctx context.Context, uri string) error {
	existing, err := d.store.GetIndexedDocumentByURL(ctx, uri)
	if err != nil {
		return fmt.Errorf("fswatch: lookup document to delete %s: %w", uri, err)
	}
	if existing == nil {
		return nil
	}
	if err := d.idx.Delete(existing.DocID); err != nil {
		return fmt.Errorf("fswatch: delete index entry %s: %w", uri, err)
	}
	return d.store.DeleteManyByURL(ctx, []string{uri})
}

func extensionOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
