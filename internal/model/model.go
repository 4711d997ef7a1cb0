// Package model defines the shared entity types persisted by the Store and
// referenced throughout the crawl/index pipeline.
package model

import "time"

// CrawlStatus is the lifecycle state of a CrawlTask.
type CrawlStatus string

const (
	StatusQueued     CrawlStatus = "Queued"
	StatusProcessing CrawlStatus = "Processing"
	StatusCompleted  CrawlStatus = "Completed"
	StatusFailed     CrawlStatus = "Failed"
)

// CrawlType distinguishes normal link-following crawls from connector and
// bootstrap (archive-seeded) crawls.
type CrawlType string

const (
	CrawlNormal    CrawlType = "Normal"
	CrawlApi       CrawlType = "Api"
	CrawlBootstrap CrawlType = "Bootstrap"
)

// MaxRetries bounds the number of times a Failed task is retried before
// becoming terminal.
const MaxRetries = 5

// CrawlTask is one row in the crawl queue.
type CrawlTask struct {
	ID         int64
	URL        string
	Domain     string
	Status     CrawlStatus
	CrawlType  CrawlType
	NumRetries int
	Pipeline   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IndexedDocument points at a document in the Index.
type IndexedDocument struct {
	ID        int64
	URL       string
	Domain    string
	DocID     string
	OpenURL   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TagLabel enumerates the well-known tag categories. Other(label) is
// represented as "other:<label>" so it remains comparable/hashable without a
// separate sum type.
type TagLabel string

const (
	TagSource     TagLabel = "source"
	TagMimeType   TagLabel = "mime_type"
	TagType       TagLabel = "type"
	TagOwner      TagLabel = "owner"
	TagSharedWith TagLabel = "shared_with"
	TagLens       TagLabel = "lens"
	TagRepository TagLabel = "repository"
	TagFileExt    TagLabel = "file_ext"
	TagCategory   TagLabel = "category"
	TagFavorited  TagLabel = "favorited"
)

// OtherTagLabel builds an open-ended tag label for categories not covered by
// the enumerated set.
func OtherTagLabel(name string) TagLabel {
	return TagLabel("other:" + name)
}

// Tag is an append-only (label, value) identifier. Tags are never mutated in
// place; a changed value is a new Tag row.
type Tag struct {
	ID    int64
	Label TagLabel
	Value string
}

// FetchHistory records the last time a (domain, path) was fetched, keyed for
// the refetch-window gate and content-hash change detection.
type FetchHistory struct {
	Domain    string
	Path      string
	Hash      string
	Status    int
	UpdatedAt time.Time
	NoIndex   bool
}

// ResourceRule is one parsed robots.txt directive, persisted so the cache
// survives restarts.
type ResourceRule struct {
	ID         int64
	Domain     string
	Regex      string
	AllowCrawl bool
	NoIndex    bool
	UpdatedAt  time.Time
}

// LensRule is a single allow/deny regex contributed by a Simple lens's
// declarative `rules` list.
type LensRule struct {
	Allow   bool
	Pattern string
}

// LensConfig is a declarative, file-backed lens definition.
type LensConfig struct {
	Name      string
	Trigger   string
	URLs      []string
	Domains   []string
	Rules     []LensRule
	IsEnabled bool
	Pipeline  string
	IsPlugin  bool
}

// ProcessedFile is the sole source of truth for "has the watcher already
// seen this path?".
type ProcessedFile struct {
	URI          string
	LastModified time.Time
}

// Connection is a configured connector account. CredentialBlob is treated as
// an opaque black box by the core; only the credential store interprets it.
type Connection struct {
	APIID          string
	Account        string
	IsSyncing      bool
	CredentialBlob []byte
}
