// Package store defines the transactional persistence interface for the
// crawl queue, document/tag graph, fetch history, robots rules, lenses,
// processed files, and connector connections.
package store

import (
	"context"
	"time"

	"github.com/avenoir-dev/spyglass/internal/model"
)

// ChunkSize bounds the number of rows touched by a single batched write, so
// that no individual transaction grows unbounded.
const ChunkSize = 500

// SkipReason explains why Enqueue declined to add a task.
type SkipReason int

const (
	// SkipNone is returned alongside added=true; it is not itself a skip.
	SkipNone SkipReason = iota
	SkipInvalid
	SkipBlocked
	SkipDuplicate
)

func (r SkipReason) String() string {
	switch r {
	case SkipInvalid:
		return "Invalid"
	case SkipBlocked:
		return "Blocked"
	case SkipDuplicate:
		return "Duplicate"
	default:
		return "None"
	}
}

// Limit models a user-configurable cap that may be Infinite.
type Limit struct {
	Infinite bool
	Value    uint32
}

// Finite builds a finite Limit.
func Finite(v uint32) Limit { return Limit{Value: v} }

// Unlimited is the Infinite limit.
var Unlimited = Limit{Infinite: true}

// Allows reports whether count is still under the limit.
func (l Limit) Allows(count uint32) bool {
	return l.Infinite || count < l.Value
}

// Settings carries the subset of user preferences the Store's dequeue/enqueue
// policy needs to consult.
type Settings struct {
	DomainCrawlLimit    Limit
	InflightCrawlLimit  Limit
	InflightDomainLimit Limit
	BlockList           []string
}

// EnqueueSettings are per-call overrides to the default enqueue policy.
type EnqueueSettings struct {
	CrawlType    model.CrawlType
	ForceAllow   bool
	Pipeline     string
	SourceDomain string
}

// DocRef is a lightweight (store id, index doc id) pair, as returned by
// FindByLens.
type DocRef struct {
	ID    int64
	DocID string
}

// Store is the transactional interface over all relational entities in
// spec §3. All mutating operations are coarse-grained (one logical action
// per call) and idempotent where the natural key permits.
type Store interface {
	// Queue
	Enqueue(ctx context.Context, url string, settings Settings, overrides EnqueueSettings) (added bool, reason SkipReason, err error)
	EnqueueAll(ctx context.Context, urls []string, settings Settings, overrides EnqueueSettings) (added int, err error)
	Dequeue(ctx context.Context, settings Settings, prioritizedDomains, prioritizedPrefixes []string) (*model.CrawlTask, error)
	MarkDone(ctx context.Context, id int64, status model.CrawlStatus) error
	ResetProcessing(ctx context.Context) error
	GetTask(ctx context.Context, id int64) (*model.CrawlTask, error)
	CountByStatus(ctx context.Context, status model.CrawlStatus) (int, error)
	CountByStatusAndDomain(ctx context.Context, status model.CrawlStatus, domain string) (int, error)

	// Fetch history
	UpsertFetchHistory(ctx context.Context, fh model.FetchHistory) error
	GetFetchHistory(ctx context.Context, domain, path string) (*model.FetchHistory, error)

	// Documents & tags
	UpsertIndexedDocument(ctx context.Context, doc *model.IndexedDocument) error
	GetIndexedDocumentByURL(ctx context.Context, url string) (*model.IndexedDocument, error)
	GetIndexedDocumentByID(ctx context.Context, id int64) (*model.IndexedDocument, error)
	CountIndexedByDomain(ctx context.Context, domain string) (int, error)
	InsertTagsForDocs(ctx context.Context, docIDs []int64, tags []model.Tag, removeUnused bool) error
	DeleteManyByID(ctx context.Context, ids []int64) error
	DeleteManyByURL(ctx context.Context, urls []string) error
	FindByLens(ctx context.Context, lensName string) ([]DocRef, error)
	FindSoleLensDocs(ctx context.Context, lensName string) ([]DocRef, error)
	FindURLsByDomain(ctx context.Context, domain string) ([]string, error)

	// Robots & rules
	UpsertResourceRules(ctx context.Context, domain string, rules []model.ResourceRule) error
	GetResourceRules(ctx context.Context, domain string) (rules []model.ResourceRule, lastFetched time.Time, found bool, err error)

	// Lenses
	UpsertLens(ctx context.Context, lens model.LensConfig) (isNew bool, err error)
	GetLensesByTrigger(ctx context.Context, trigger string) ([]model.LensConfig, error)
	ListLenses(ctx context.Context) ([]model.LensConfig, error)
	DeleteLens(ctx context.Context, name string) error

	// Filesystem watcher
	UpsertProcessedFile(ctx context.Context, pf model.ProcessedFile) error
	GetProcessedFile(ctx context.Context, uri string) (*model.ProcessedFile, error)
	ListProcessedFilesUnder(ctx context.Context, rootPrefix string) ([]model.ProcessedFile, error)
	DeleteProcessedFile(ctx context.Context, uri string) error

	// Connector connections
	UpsertConnection(ctx context.Context, conn model.Connection) error
	ListConnections(ctx context.Context) ([]model.Connection, error)
	GetConnection(ctx context.Context, apiID, account string) (*model.Connection, error)
	DeleteConnection(ctx context.Context, apiID, account string) error

	Close() error
}

// Chunk splits ids into ChunkSize batches, applying fn to each in turn.
func Chunk[T any](items []T, fn func([]T) error) error {
	for start := 0; start < len(items); start += ChunkSize {
		end := start + ChunkSize
		if end > len(items) {
			end = len(items)
		}
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}
