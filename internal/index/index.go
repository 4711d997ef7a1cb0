// Package index wraps github.com/blevesearch/bleve/v2 as the inverted
// full-text index over indexed documents, mirroring the relational Store's
// identity (doc_id) so the two stay consistent.
package index

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
)

// Document is the indexed representation of a crawled/ingested resource.
// Fields map directly onto the bleve index mapping below.
type Document struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Domain      string  `json:"domain"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Content     string  `json:"content"`
	Tags        []int64 `json:"tags"`
}

// Hit is one scored search result, carrying the subset of stored fields the
// RPC surface needs to render a result without a second Store round trip.
type Hit struct {
	ID      string
	URL     string
	Domain  string
	Title   string
	Score   float64
	Explain string
}

// QueryBoost names a should-clause family callers can weight independently.
type QueryBoost struct {
	Tag   float64 // boost applied to tag-id matches (e.g. favorited)
	URL   float64 // boost applied to exact/prefix URL matches
	DocID float64 // boost applied to exact doc_id matches
}

// DefaultQueryBoost matches spec's suggested weighting: exact identifier
// matches should dominate free-text relevance.
var DefaultQueryBoost = QueryBoost{Tag: 2.0, URL: 3.0, DocID: 5.0}

// LensFilter restricts results to documents whose url/domain satisfy at
// least one enabled lens, mirroring internal/lens's admission predicate.
type LensFilter struct {
	URLPrefixes []string
	Domains     []string
}

// Index is a single-writer, lock-free-reader wrapper around a bleve.Index.
// Writers serialize through writeMu; bleve's own index handle is safe for
// concurrent reads while a batch is being prepared.
type Index struct {
	bi      bleve.Index
	writeMu sync.Mutex
}

func buildMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	textField := bleve.NewTextFieldMapping()

	numericField := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("id", keywordField)
	doc.AddFieldMappingsAt("url", keywordField)
	doc.AddFieldMappingsAt("domain", keywordField)
	doc.AddFieldMappingsAt("title", textField)
	doc.AddFieldMappingsAt("description", textField)
	doc.AddFieldMappingsAt("content", textField)
	doc.AddFieldMappingsAt("tags", numericField)

	m.DefaultMapping = doc
	return m
}

// Open opens (or creates) a bleve index rooted at path.
func Open(path string) (*Index, error) {
	bi, err := bleve.Open(path)
	if err == nil {
		return &Index{bi: bi}, nil
	}

	bi, err = bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	return &Index{bi: bi}, nil
}

// OpenMemOnly opens an in-memory index, used by tests and ephemeral
// deployments that never persist to disk.
func OpenMemOnly() (*Index, error) {
	bi, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("index: open_mem_only: %w", err)
	}
	return &Index{bi: bi}, nil
}

func (idx *Index) Close() error {
	return idx.bi.Close()
}

// Upsert writes doc, assigning a random doc_id when doc.ID is unset (bleve
// otherwise requires a caller-chosen key). Returns the id actually used.
func (idx *Index) Upsert(doc Document) (string, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if err := idx.bi.Index(doc.ID, doc); err != nil {
		return "", fmt.Errorf("index: upsert: %w", err)
	}
	return doc.ID, nil
}

// UpsertBatch writes many documents in one bleve batch; the batch is not
// split into chunks.
func (idx *Index) UpsertBatch(docs []Document) ([]string, error) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	batch := idx.bi.NewBatch()
	ids := make([]string, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		ids[i] = doc.ID
		if err := batch.Index(doc.ID, doc); err != nil {
			return nil, fmt.Errorf("index: upsert_batch build: %w", err)
		}
	}
	if err := idx.bi.Batch(batch); err != nil {
		return nil, fmt.Errorf("index: upsert_batch: %w", err)
	}
	return ids, nil
}

// Delete removes a document by id. Deleting an id that doesn't exist is not
// an error, matching the Store's tolerant delete semantics.
func (idx *Index) Delete(id string) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if err := idx.bi.Delete(id); err != nil {
		return fmt.Errorf("index: delete: %w", err)
	}
	return nil
}

// DeleteBatch removes many documents in one bleve batch.
func (idx *Index) DeleteBatch(ids []string) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	batch := idx.bi.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := idx.bi.Batch(batch); err != nil {
		return fmt.Errorf("index: delete_batch: %w", err)
	}
	return nil
}

// Save is a no-op beyond what Upsert/Delete already committed: bleve has no
// separate reader-reload step the way tantivy's IndexReader does, so once a
// Batch call returns, subsequent Search calls already observe it. Kept as an
// explicit method so callers written against a reload-then-read two-step
// (the original spec's wording) have a natural place to call it.
func (idx *Index) Save() error { return nil }

// Search runs a free-text query over title/description/content, applying
// lens admission and QueryBoost should-clauses.
func (idx *Index) Search(text string, lens *LensFilter, boost QueryBoost, favoriteTagID int64, topK int) ([]Hit, error) {
	req, err := idx.buildSearchRequest(text, lens, boost, favoriteTagID, topK, false)
	if err != nil {
		return nil, err
	}

	res, err := idx.bi.Search(req)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		if h.Score <= 0 {
			continue // non-positive score never ranks above an unscored miss
		}
		hits = append(hits, hitFromResult(h))
	}
	return hits, nil
}

// Explain runs the same query as Search but returns bleve's scoring
// explanation alongside each hit, for diagnostics/debugging the RPC surface
// exposes.
func (idx *Index) Explain(text string, lens *LensFilter, boost QueryBoost, favoriteTagID int64, topK int) ([]Hit, error) {
	req, err := idx.buildSearchRequest(text, lens, boost, favoriteTagID, topK, true)
	if err != nil {
		return nil, err
	}

	res, err := idx.bi.Search(req)
	if err != nil {
		return nil, fmt.Errorf("index: explain: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		if h.Score <= 0 {
			continue
		}
		explain := ""
		if h.Expl != nil {
			explain = h.Expl.String()
		}
		hit := hitFromResult(h)
		hit.Explain = explain
		hits = append(hits, hit)
	}
	return hits, nil
}

func hitFromResult(h *search.DocumentMatch) Hit {
	hit := Hit{ID: h.ID, Score: h.Score}
	if v, ok := h.Fields["url"].(string); ok {
		hit.URL = v
	}
	if v, ok := h.Fields["domain"].(string); ok {
		hit.Domain = v
	}
	if v, ok := h.Fields["title"].(string); ok {
		hit.Title = v
	}
	return hit
}

func (idx *Index) buildSearchRequest(text string, lens *LensFilter, boost QueryBoost, favoriteTagID int64, topK int, explain bool) (*bleve.SearchRequest, error) {
	must := bleve.NewConjunctionQuery()

	textQuery := bleve.NewDisjunctionQuery(
		fieldMatch("title", text, 3.0),
		fieldMatch("description", text, 2.0),
		fieldMatch("content", text, 1.0),
	)
	must.AddQuery(textQuery)

	if lens != nil && (len(lens.URLPrefixes) > 0 || len(lens.Domains) > 0) {
		admission := bleve.NewDisjunctionQuery()
		for _, prefix := range lens.URLPrefixes {
			q := bleve.NewWildcardQuery(prefix + "*")
			q.SetField("url")
			admission.AddQuery(q)
		}
		for _, domain := range lens.Domains {
			q := bleve.NewTermQuery(domain)
			q.SetField("domain")
			admission.AddQuery(q)
		}
		must.AddQuery(admission)
	}

	var boosts []query.Query

	if favoriteTagID != 0 {
		favQuery := query.NewNumericRangeQuery(float64Ptr(float64(favoriteTagID)), float64Ptr(float64(favoriteTagID)))
		favQuery.SetField("tags")
		favQuery.SetBoost(boost.Tag)
		boosts = append(boosts, favQuery)
	}

	urlQuery := bleve.NewMatchQuery(text)
	urlQuery.SetField("url")
	urlQuery.SetBoost(boost.URL)
	boosts = append(boosts, urlQuery)

	docIDQuery := bleve.NewTermQuery(text)
	docIDQuery.SetField("id")
	docIDQuery.SetBoost(boost.DocID)
	boosts = append(boosts, docIDQuery)

	// must holds the text match and lens admission; boosts only add score.
	q := bleve.NewBooleanQuery([]query.Query{must}, boosts, nil)
	req := bleve.NewSearchRequestOptions(q, topK, 0, explain)
	req.Fields = []string{"url", "domain", "title"}
	return req, nil
}

func fieldMatch(field, text string, boost float64) query.Query {
	q := bleve.NewMatchQuery(text)
	q.SetField(field)
	q.SetBoost(boost)
	return q
}

func float64Ptr(v float64) *float64 { return &v }
