// Package diagnostics tracks per-lens library stats (spec §6's
// `get_library_stats` RPC, spec §7's "library-stats `failed` counter per
// lens") as a live in-memory counter, and exports them to CSV for support
// bundles.
//
// Generalizes the teacher's internal/storage/csvbackend (mutex-guarded
// *os.File, encoding/csv, explicit header row) from scrape-result export
// into stats export: same I/O shape, a different row type.
package diagnostics

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"sync"
)

// defaultLens is the bucket used for documents with no associated lens
// (e.g. a fresh install crawling before any lens is configured).
const defaultLens = "default"

// Counts is one lens's running totals.
type Counts struct {
	Enqueued int64 `json:"enqueued"`
	Indexed  int64 `json:"indexed"`
	Failed   int64 `json:"failed"`
}

// Tracker accumulates Counts per lens name. Safe for concurrent use by the
// Worker Pool, Connector Scheduler, and FS Watcher Dispatcher.
type Tracker struct {
	mu    sync.Mutex
	stats map[string]*Counts
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{stats: make(map[string]*Counts)}
}

// IncEnqueued records one document enqueued under lens. An empty lens is
// recorded under the "default" bucket.
func (t *Tracker) IncEnqueued(lens string) { t.inc(lens, func(c *Counts) { c.Enqueued++ }) }

// IncIndexed records one document successfully indexed under lens.
func (t *Tracker) IncIndexed(lens string) { t.inc(lens, func(c *Counts) { c.Indexed++ }) }

// IncFailed records one document that failed to fetch or index under lens.
func (t *Tracker) IncFailed(lens string) { t.inc(lens, func(c *Counts) { c.Failed++ }) }

func (t *Tracker) inc(lens string, apply func(*Counts)) {
	if lens == "" {
		lens = defaultLens
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.stats[lens]
	if !ok {
		c = &Counts{}
		t.stats[lens] = c
	}
	apply(c)
}

// Snapshot returns a copy of the current per-lens counts, for the
// `get_library_stats` RPC.
func (t *Tracker) Snapshot() map[string]Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Counts, len(t.stats))
	for lens, c := range t.stats {
		out[lens] = *c
	}
	return out
}

var header = []string{"lens", "enqueued", "indexed", "failed"}

// ExportCSV writes the current snapshot to w as a CSV support bundle,
// ordered by lens name for a stable diff between exports.
func (t *Tracker) ExportCSV(w io.Writer) error {
	snapshot := t.Snapshot()
	names := make([]string, 0, len(snapshot))
	for lens := range snapshot {
		names = append(names, lens)
	}
	sort.Strings(names)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("diagnostics: write header: %w", err)
	}
	for _, lens := range names {
		c := snapshot[lens]
		record := []string{
			lens,
			fmt.Sprintf("%d", c.Enqueued),
			fmt.Sprintf("%d", c.Indexed),
			fmt.Sprintf("%d", c.Failed),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("diagnostics: write row for lens %q: %w", lens, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("diagnostics: flush: %w", err)
	}
	return nil
}
