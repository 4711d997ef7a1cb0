// Package postgres implements store.Store on top of jackc/pgx/v5, the
// optional server-backed store for deployments that point data_directory's
// DSN at a running Postgres instance instead of the sqlite default.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ store.Store = (*Backend)(nil)

// Backend is a Postgres-backed store.Store.
type Backend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS crawl_tasks (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	domain TEXT NOT NULL,
	status TEXT NOT NULL,
	crawl_type TEXT NOT NULL,
	num_retries INTEGER NOT NULL DEFAULT 0,
	pipeline TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crawl_tasks_status ON crawl_tasks(status);
CREATE INDEX IF NOT EXISTS idx_crawl_tasks_domain ON crawl_tasks(domain);

CREATE TABLE IF NOT EXISTS indexed_documents (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	domain TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	open_url TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_indexed_documents_domain ON indexed_documents(domain);

CREATE TABLE IF NOT EXISTS tags (
	id BIGSERIAL PRIMARY KEY,
	label TEXT NOT NULL,
	value TEXT NOT NULL,
	UNIQUE(label, value)
);

CREATE TABLE IF NOT EXISTS document_tags (
	doc_id BIGINT NOT NULL,
	tag_id BIGINT NOT NULL,
	UNIQUE(doc_id, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_document_tags_doc ON document_tags(doc_id);
CREATE INDEX IF NOT EXISTS idx_document_tags_tag ON document_tags(tag_id);

CREATE TABLE IF NOT EXISTS fetch_history (
	domain TEXT NOT NULL,
	path TEXT NOT NULL,
	hash TEXT,
	status INTEGER NOT NULL,
	no_index BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (domain, path)
);

CREATE TABLE IF NOT EXISTS resource_rules (
	id BIGSERIAL PRIMARY KEY,
	domain TEXT NOT NULL,
	regex TEXT NOT NULL,
	allow_crawl BOOLEAN NOT NULL,
	no_index BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resource_rules_domain ON resource_rules(domain);

CREATE TABLE IF NOT EXISTS lenses (
	name TEXT PRIMARY KEY,
	trigger_token TEXT NOT NULL,
	urls JSONB NOT NULL DEFAULT '[]',
	domains JSONB NOT NULL DEFAULT '[]',
	rules JSONB NOT NULL DEFAULT '[]',
	is_enabled BOOLEAN NOT NULL DEFAULT true,
	pipeline TEXT,
	is_plugin BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_lenses_trigger ON lenses(trigger_token);

CREATE TABLE IF NOT EXISTS processed_files (
	uri TEXT PRIMARY KEY,
	last_modified TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	api_id TEXT NOT NULL,
	account TEXT NOT NULL,
	is_syncing BOOLEAN NOT NULL DEFAULT false,
	credential BYTEA,
	PRIMARY KEY (api_id, account)
);
`

// Open connects to Postgres at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store/postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store/postgres: migrate: %w", err)
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// normalizeEnqueueURL strips the fragment (never meaningful for crawl
// identity) and extracts the registrable host used as the domain column.
// normalizeEnqueueURL accepts the three schemes the Fetcher dispatches on
// (fetcher.go): http/https for ordinary crawl targets, file for FS Watcher
// paths (spec §4.10), and api for Connector Sync items (spec §4.9). domain
// drives the per-domain crawl limit and block list; file:// URIs carry no
// host, so they're grouped under the fixed "files" tag (matches
// fswatch.PipelineName) rather than per-domain.
func normalizeEnqueueURL(raw string) (normalized, domain string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}
	switch u.Scheme {
	case "http", "https", "api":
		if u.Host == "" {
			return "", "", false
		}
		u.Fragment = ""
		return u.String(), u.Hostname(), true
	case "file":
		u.Fragment = ""
		return u.String(), "files", true
	default:
		return "", "", false
	}
}

func (b *Backend) Enqueue(ctx context.Context, rawURL string, settings store.Settings, overrides store.EnqueueSettings) (bool, store.SkipReason, error) {
	enqueueURL, domain, ok := normalizeEnqueueURL(rawURL)
	if !ok {
		return false, store.SkipInvalid, nil
	}

	if !overrides.ForceAllow {
		for _, blocked := range settings.BlockList {
			if strings.EqualFold(blocked, domain) {
				return false, store.SkipBlocked, nil
			}
		}
	}

	crawlType := overrides.CrawlType
	if crawlType == "" {
		crawlType = model.CrawlNormal
	}
	now := time.Now().UTC()

	var existingStatus model.CrawlStatus
	err := b.pool.QueryRow(ctx, `SELECT status FROM crawl_tasks WHERE url = $1`, enqueueURL).Scan(&existingStatus)
	switch {
	case err == nil:
		if !overrides.ForceAllow {
			return false, store.SkipDuplicate, nil
		}
		// ForceAllow re-queues a previously seen URL (recrawl_domain's use
		// case) instead of silently no-opping on the existing row.
		if _, err := b.pool.Exec(ctx, `
			UPDATE crawl_tasks SET status = $1, crawl_type = $2, num_retries = 0, pipeline = $3, updated_at = $4
			WHERE url = $5`,
			model.StatusQueued, crawlType, nullIfEmpty(overrides.Pipeline), now, enqueueURL); err != nil {
			return false, 0, fmt.Errorf("store/postgres: enqueue requeue: %w", err)
		}
		return true, store.SkipNone, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, 0, fmt.Errorf("store/postgres: enqueue lookup: %w", err)
	}

	if !overrides.ForceAllow {
		var exists int
		err := b.pool.QueryRow(ctx, `SELECT 1 FROM indexed_documents WHERE url = $1`, enqueueURL).Scan(&exists)
		if err == nil {
			return false, store.SkipDuplicate, nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return false, 0, fmt.Errorf("store/postgres: enqueue indexed lookup: %w", err)
		}
	}

	if _, err := b.pool.Exec(ctx, `
		INSERT INTO crawl_tasks (url, domain, status, crawl_type, num_retries, pipeline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
		ON CONFLICT(url) DO NOTHING`,
		enqueueURL, domain, model.StatusQueued, crawlType, nullIfEmpty(overrides.Pipeline), now, now); err != nil {
		return false, 0, fmt.Errorf("store/postgres: enqueue insert: %w", err)
	}
	return true, store.SkipNone, nil
}

func (b *Backend) EnqueueAll(ctx context.Context, urls []string, settings store.Settings, overrides store.EnqueueSettings) (int, error) {
	seen := make(map[string]struct{}, len(urls))
	deduped := make([]string, 0, len(urls))
	for _, u := range urls {
		norm, _, ok := normalizeEnqueueURL(u)
		if !ok {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		deduped = append(deduped, norm)
	}

	added := 0
	err := store.Chunk(deduped, func(batch []string) error {
		for _, u := range batch {
			ok, _, err := b.Enqueue(ctx, u, settings, overrides)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		return nil
	})
	return added, err
}

// Dequeue uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent callers never
// contend for the same candidate row, the idiomatic Postgres job-queue
// pattern (cleaner here than sqlite's CAS-retry loop since pgx exposes
// row-level locking directly).
func (b *Backend) Dequeue(ctx context.Context, settings store.Settings, prioritizedDomains, prioritizedPrefixes []string) (*model.CrawlTask, error) {
	if !settings.InflightCrawlLimit.Infinite {
		n, err := b.CountByStatus(ctx, model.StatusProcessing)
		if err != nil {
			return nil, err
		}
		if !settings.InflightCrawlLimit.Allows(uint32(n)) {
			return nil, nil
		}
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: dequeue begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM crawl_tasks
		WHERE status = $1 AND crawl_type = $2
		ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		model.StatusQueued, model.CrawlBootstrap).Scan(&id)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store/postgres: dequeue bootstrap select: %w", err)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		query, args := dequeuePrioritySQL(settings, prioritizedDomains, prioritizedPrefixes)
		if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("store/postgres: dequeue select: %w", err)
		}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE crawl_tasks SET status = $1, updated_at = $2 WHERE id = $3`, model.StatusProcessing, now, id); err != nil {
		return nil, fmt.Errorf("store/postgres: dequeue claim: %w", err)
	}

	task, err := scanTaskRow(tx.QueryRow(ctx, `
		SELECT id, url, domain, status, crawl_type, num_retries, COALESCE(pipeline, ''), created_at, updated_at
		FROM crawl_tasks WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store/postgres: dequeue commit: %w", err)
	}
	return task, nil
}

func dequeuePrioritySQL(settings store.Settings, domains, prefixes []string) (string, []any) {
	var args []any
	domainValues := valuesClause(&args, domains, false)
	prefixValues := valuesClause(&args, prefixes, true)

	domainLimitClause := "1=1"
	if !settings.DomainCrawlLimit.Infinite {
		args = append(args, settings.DomainCrawlLimit.Value)
		domainLimitClause = fmt.Sprintf("COALESCE(indexed.count, 0) < $%d", len(args))
	}
	inflightLimitClause := "1=1"
	if !settings.InflightDomainLimit.Infinite {
		args = append(args, settings.InflightDomainLimit.Value)
		inflightLimitClause = fmt.Sprintf("COALESCE(inflight.count, 0) < $%d", len(args))
	}

	query := fmt.Sprintf(`
WITH
	p_domain(domain, priority) AS (VALUES %s),
	p_prefix(prefix, priority) AS (VALUES %s),
	indexed AS (
		SELECT domain, count(*) AS count FROM indexed_documents GROUP BY domain
	),
	inflight AS (
		SELECT domain, count(*) AS count FROM crawl_tasks WHERE status = 'Processing' GROUP BY domain
	)
SELECT cq.id
FROM crawl_tasks cq
LEFT JOIN p_domain ON cq.domain = p_domain.domain
LEFT JOIN p_prefix ON cq.url LIKE p_prefix.prefix
LEFT JOIN indexed ON indexed.domain = cq.domain
LEFT JOIN inflight ON inflight.domain = cq.domain
WHERE cq.status = 'Queued'
	AND %s AND %s
ORDER BY COALESCE(p_prefix.priority, 0) DESC, COALESCE(p_domain.priority, 0) DESC, cq.updated_at ASC
LIMIT 1 FOR UPDATE OF cq SKIP LOCKED`, domainValues, prefixValues, domainLimitClause, inflightLimitClause)

	return query, args
}

func valuesClause(args *[]any, items []string, isPrefix bool) string {
	if len(items) == 0 {
		return `(NULL::text, 0)`
	}
	parts := make([]string, len(items))
	for i, item := range items {
		if isPrefix {
			item += "%"
		}
		*args = append(*args, item)
		parts[i] = fmt.Sprintf("($%d, 1)", len(*args))
	}
	return strings.Join(parts, ",")
}

func (b *Backend) MarkDone(ctx context.Context, id int64, status model.CrawlStatus) error {
	task, err := b.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("store/postgres: mark_done: no such task %d", id)
	}

	now := time.Now().UTC()
	if status == model.StatusFailed && task.NumRetries < model.MaxRetries {
		_, err := b.pool.Exec(ctx, `
			UPDATE crawl_tasks SET status = $1, num_retries = num_retries + 1, updated_at = $2 WHERE id = $3`,
			model.StatusQueued, now, id)
		if err != nil {
			return fmt.Errorf("store/postgres: mark_done retry: %w", err)
		}
		return nil
	}

	_, err = b.pool.Exec(ctx, `UPDATE crawl_tasks SET status = $1, updated_at = $2 WHERE id = $3`, status, now, id)
	if err != nil {
		return fmt.Errorf("store/postgres: mark_done: %w", err)
	}
	return nil
}

func (b *Backend) ResetProcessing(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `UPDATE crawl_tasks SET status = $1, updated_at = $2 WHERE status = $3`,
		model.StatusQueued, time.Now().UTC(), model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("store/postgres: reset_processing: %w", err)
	}
	return nil
}

func (b *Backend) GetTask(ctx context.Context, id int64) (*model.CrawlTask, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, url, domain, status, crawl_type, num_retries, COALESCE(pipeline, ''), created_at, updated_at
		FROM crawl_tasks WHERE id = $1`, id)
	return scanTaskRow(row)
}

func scanTaskRow(row pgx.Row) (*model.CrawlTask, error) {
	var t model.CrawlTask
	err := row.Scan(&t.ID, &t.URL, &t.Domain, &t.Status, &t.CrawlType, &t.NumRetries, &t.Pipeline, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/postgres: scan_task: %w", err)
	}
	return &t, nil
}

func (b *Backend) CountByStatus(ctx context.Context, status model.CrawlStatus) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx, `SELECT count(*) FROM crawl_tasks WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store/postgres: count_by_status: %w", err)
	}
	return n, nil
}

func (b *Backend) CountByStatusAndDomain(ctx context.Context, status model.CrawlStatus, domain string) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx, `SELECT count(*) FROM crawl_tasks WHERE status = $1 AND domain = $2`, status, domain).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store/postgres: count_by_status_domain: %w", err)
	}
	return n, nil
}

func (b *Backend) UpsertFetchHistory(ctx context.Context, fh model.FetchHistory) error {
	now := fh.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO fetch_history (domain, path, hash, status, no_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(domain, path) DO UPDATE SET hash = excluded.hash, status = excluded.status, no_index = excluded.no_index, updated_at = excluded.updated_at`,
		fh.Domain, fh.Path, fh.Hash, fh.Status, fh.NoIndex, now)
	if err != nil {
		return fmt.Errorf("store/postgres: upsert_fetch_history: %w", err)
	}
	return nil
}

func (b *Backend) GetFetchHistory(ctx context.Context, domain, path string) (*model.FetchHistory, error) {
	row := b.pool.QueryRow(ctx, `SELECT domain, path, COALESCE(hash, ''), status, no_index, updated_at FROM fetch_history WHERE domain = $1 AND path = $2`, domain, path)
	var fh model.FetchHistory
	err := row.Scan(&fh.Domain, &fh.Path, &fh.Hash, &fh.Status, &fh.NoIndex, &fh.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get_fetch_history: %w", err)
	}
	return &fh, nil
}

func (b *Backend) UpsertIndexedDocument(ctx context.Context, doc *model.IndexedDocument) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	err := b.pool.QueryRow(ctx, `
		INSERT INTO indexed_documents (url, domain, doc_id, open_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(url) DO UPDATE SET domain = excluded.domain, doc_id = excluded.doc_id, open_url = excluded.open_url, updated_at = excluded.updated_at
		RETURNING id`,
		doc.URL, doc.Domain, doc.DocID, nullIfEmpty(doc.OpenURL), doc.CreatedAt, doc.UpdatedAt).Scan(&doc.ID)
	if err != nil {
		return fmt.Errorf("store/postgres: upsert_indexed_document: %w", err)
	}
	return nil
}

func (b *Backend) GetIndexedDocumentByURL(ctx context.Context, url string) (*model.IndexedDocument, error) {
	row := b.pool.QueryRow(ctx, `SELECT id, url, domain, doc_id, COALESCE(open_url, ''), created_at, updated_at FROM indexed_documents WHERE url = $1`, url)
	return scanDocRow(row)
}

func (b *Backend) GetIndexedDocumentByID(ctx context.Context, id int64) (*model.IndexedDocument, error) {
	row := b.pool.QueryRow(ctx, `SELECT id, url, domain, doc_id, COALESCE(open_url, ''), created_at, updated_at FROM indexed_documents WHERE id = $1`, id)
	return scanDocRow(row)
}

func scanDocRow(row pgx.Row) (*model.IndexedDocument, error) {
	var d model.IndexedDocument
	err := row.Scan(&d.ID, &d.URL, &d.Domain, &d.DocID, &d.OpenURL, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/postgres: scan_doc: %w", err)
	}
	return &d, nil
}

func (b *Backend) CountIndexedByDomain(ctx context.Context, domain string) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx, `SELECT count(*) FROM indexed_documents WHERE domain = $1`, domain).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store/postgres: count_indexed_by_domain: %w", err)
	}
	return n, nil
}

func (b *Backend) tagID(ctx context.Context, tx pgx.Tx, tag model.Tag) (int64, error) {
	_, err := tx.Exec(ctx, `INSERT INTO tags (label, value) VALUES ($1, $2) ON CONFLICT(label, value) DO NOTHING`, tag.Label, tag.Value)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM tags WHERE label = $1 AND value = $2`, tag.Label, tag.Value).Scan(&id)
	return id, err
}

func (b *Backend) InsertTagsForDocs(ctx context.Context, docIDs []int64, tags []model.Tag, removeUnused bool) error {
	return store.Chunk(docIDs, func(batch []int64) error {
		tx, err := b.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("store/postgres: insert_tags begin: %w", err)
		}
		defer tx.Rollback(ctx)

		tagIDs := make([]int64, 0, len(tags))
		for _, tag := range tags {
			id, err := b.tagID(ctx, tx, tag)
			if err != nil {
				return fmt.Errorf("store/postgres: insert_tags tag: %w", err)
			}
			tagIDs = append(tagIDs, id)
		}

		for _, docID := range batch {
			for _, tagID := range tagIDs {
				if _, err := tx.Exec(ctx, `INSERT INTO document_tags (doc_id, tag_id) VALUES ($1, $2) ON CONFLICT(doc_id, tag_id) DO NOTHING`, docID, tagID); err != nil {
					return fmt.Errorf("store/postgres: insert_tags link: %w", err)
				}
			}

			if removeUnused {
				query := `DELETE FROM document_tags WHERE doc_id = $1`
				args := []any{docID}
				if len(tagIDs) > 0 {
					query += ` AND tag_id != ALL($2)`
					args = append(args, tagIDs)
				}
				if _, err := tx.Exec(ctx, query, args...); err != nil {
					return fmt.Errorf("store/postgres: insert_tags prune: %w", err)
				}
			}
		}

		return tx.Commit(ctx)
	})
}

func (b *Backend) DeleteManyByID(ctx context.Context, ids []int64) error {
	return store.Chunk(ids, func(batch []int64) error {
		tx, err := b.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("store/postgres: delete_many begin: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM document_tags WHERE doc_id = ANY($1)`, batch); err != nil {
			return fmt.Errorf("store/postgres: delete_many tags: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM indexed_documents WHERE id = ANY($1)`, batch); err != nil {
			return fmt.Errorf("store/postgres: delete_many docs: %w", err)
		}
		return tx.Commit(ctx)
	})
}

func (b *Backend) DeleteManyByURL(ctx context.Context, urls []string) error {
	var ids []int64
	for _, u := range urls {
		doc, err := b.GetIndexedDocumentByURL(ctx, u)
		if err != nil {
			return err
		}
		if doc != nil {
			ids = append(ids, doc.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return b.DeleteManyByID(ctx, ids)
}

func (b *Backend) FindByLens(ctx context.Context, lensName string) ([]store.DocRef, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT d.id, d.doc_id
		FROM indexed_documents d
		JOIN document_tags dt ON dt.doc_id = d.id
		JOIN tags t ON t.id = dt.tag_id
		WHERE t.label = $1 AND t.value = $2`, model.TagLens, lensName)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: find_by_lens: %w", err)
	}
	defer rows.Close()

	var refs []store.DocRef
	for rows.Next() {
		var ref store.DocRef
		if err := rows.Scan(&ref.ID, &ref.DocID); err != nil {
			return nil, fmt.Errorf("store/postgres: find_by_lens scan: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// FindSoleLensDocs lists every IndexedDocument tagged (Lens, lensName) that
// carries no other Lens tag, for `uninstall_lens`'s purge (spec invariant 8:
// only documents exclusive to the uninstalled lens are removed).
func (b *Backend) FindSoleLensDocs(ctx context.Context, lensName string) ([]store.DocRef, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT d.id, d.doc_id
		FROM indexed_documents d
		JOIN document_tags dt ON dt.doc_id = d.id
		JOIN tags t ON t.id = dt.tag_id
		WHERE t.label = $1 AND t.value = $2
		AND NOT EXISTS (
			SELECT 1 FROM document_tags dt2
			JOIN tags t2 ON t2.id = dt2.tag_id
			WHERE dt2.doc_id = d.id AND t2.label = $1 AND t2.value != $2
		)`, model.TagLens, lensName)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: find_sole_lens_docs: %w", err)
	}
	defer rows.Close()

	var refs []store.DocRef
	for rows.Next() {
		var ref store.DocRef
		if err := rows.Scan(&ref.ID, &ref.DocID); err != nil {
			return nil, fmt.Errorf("store/postgres: find_sole_lens_docs scan: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// FindURLsByDomain lists every IndexedDocument's URL under domain, for the
// `recrawl_domain` RPC's re-seeding of the crawl queue.
func (b *Backend) FindURLsByDomain(ctx context.Context, domain string) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT url FROM indexed_documents WHERE domain = $1`, domain)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: find_urls_by_domain: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("store/postgres: find_urls_by_domain scan: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

func (b *Backend) UpsertResourceRules(ctx context.Context, domain string, rules []model.ResourceRule) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store/postgres: upsert_rules begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM resource_rules WHERE domain = $1`, domain); err != nil {
		return fmt.Errorf("store/postgres: upsert_rules delete: %w", err)
	}

	now := time.Now().UTC()
	for _, r := range rules {
		if _, err := tx.Exec(ctx, `
			INSERT INTO resource_rules (domain, regex, allow_crawl, no_index, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			domain, r.Regex, r.AllowCrawl, r.NoIndex, now); err != nil {
			return fmt.Errorf("store/postgres: upsert_rules insert: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (b *Backend) GetResourceRules(ctx context.Context, domain string) ([]model.ResourceRule, time.Time, bool, error) {
	rows, err := b.pool.Query(ctx, `SELECT id, domain, regex, allow_crawl, no_index, updated_at FROM resource_rules WHERE domain = $1`, domain)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("store/postgres: get_rules: %w", err)
	}
	defer rows.Close()

	var rules []model.ResourceRule
	var latest time.Time
	for rows.Next() {
		var r model.ResourceRule
		if err := rows.Scan(&r.ID, &r.Domain, &r.Regex, &r.AllowCrawl, &r.NoIndex, &r.UpdatedAt); err != nil {
			return nil, time.Time{}, false, fmt.Errorf("store/postgres: get_rules scan: %w", err)
		}
		rules = append(rules, r)
		if r.UpdatedAt.After(latest) {
			latest = r.UpdatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, false, err
	}
	return rules, latest, len(rules) > 0, nil
}

func (b *Backend) UpsertLens(ctx context.Context, lens model.LensConfig) (bool, error) {
	var existed int
	err := b.pool.QueryRow(ctx, `SELECT 1 FROM lenses WHERE name = $1`, lens.Name).Scan(&existed)
	isNew := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !isNew {
		return false, fmt.Errorf("store/postgres: upsert_lens lookup: %w", err)
	}

	urlsJSON, _ := json.Marshal(lens.URLs)
	domainsJSON, _ := json.Marshal(lens.Domains)
	rulesJSON, _ := json.Marshal(lens.Rules)

	_, err = b.pool.Exec(ctx, `
		INSERT INTO lenses (name, trigger_token, urls, domains, rules, is_enabled, pipeline, is_plugin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(name) DO UPDATE SET trigger_token = excluded.trigger_token, urls = excluded.urls,
			domains = excluded.domains, rules = excluded.rules, is_enabled = excluded.is_enabled,
			pipeline = excluded.pipeline, is_plugin = excluded.is_plugin`,
		lens.Name, lens.Trigger, urlsJSON, domainsJSON, rulesJSON, lens.IsEnabled, nullIfEmpty(lens.Pipeline), lens.IsPlugin)
	if err != nil {
		return false, fmt.Errorf("store/postgres: upsert_lens: %w", err)
	}
	return isNew, nil
}

func (b *Backend) GetLensesByTrigger(ctx context.Context, trigger string) ([]model.LensConfig, error) {
	rows, err := b.pool.Query(ctx, `SELECT name, trigger_token, urls, domains, rules, is_enabled, COALESCE(pipeline, ''), is_plugin FROM lenses WHERE trigger_token = $1 AND is_enabled = true`, trigger)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get_lenses_by_trigger: %w", err)
	}
	defer rows.Close()
	return scanLenses(rows)
}

func (b *Backend) ListLenses(ctx context.Context) ([]model.LensConfig, error) {
	rows, err := b.pool.Query(ctx, `SELECT name, trigger_token, urls, domains, rules, is_enabled, COALESCE(pipeline, ''), is_plugin FROM lenses ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list_lenses: %w", err)
	}
	defer rows.Close()
	return scanLenses(rows)
}

func scanLenses(rows pgx.Rows) ([]model.LensConfig, error) {
	var out []model.LensConfig
	for rows.Next() {
		var l model.LensConfig
		var urlsJSON, domainsJSON, rulesJSON []byte
		if err := rows.Scan(&l.Name, &l.Trigger, &urlsJSON, &domainsJSON, &rulesJSON, &l.IsEnabled, &l.Pipeline, &l.IsPlugin); err != nil {
			return nil, fmt.Errorf("store/postgres: scan_lens: %w", err)
		}
		_ = json.Unmarshal(urlsJSON, &l.URLs)
		_ = json.Unmarshal(domainsJSON, &l.Domains)
		_ = json.Unmarshal(rulesJSON, &l.Rules)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (b *Backend) DeleteLens(ctx context.Context, name string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM lenses WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("store/postgres: delete_lens: %w", err)
	}
	return nil
}

func (b *Backend) UpsertProcessedFile(ctx context.Context, pf model.ProcessedFile) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO processed_files (uri, last_modified) VALUES ($1, $2)
		ON CONFLICT(uri) DO UPDATE SET last_modified = excluded.last_modified`, pf.URI, pf.LastModified)
	if err != nil {
		return fmt.Errorf("store/postgres: upsert_processed_file: %w", err)
	}
	return nil
}

func (b *Backend) GetProcessedFile(ctx context.Context, uri string) (*model.ProcessedFile, error) {
	row := b.pool.QueryRow(ctx, `SELECT uri, last_modified FROM processed_files WHERE uri = $1`, uri)
	var pf model.ProcessedFile
	err := row.Scan(&pf.URI, &pf.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get_processed_file: %w", err)
	}
	return &pf, nil
}

func (b *Backend) ListProcessedFilesUnder(ctx context.Context, rootPrefix string) ([]model.ProcessedFile, error) {
	rows, err := b.pool.Query(ctx, `SELECT uri, last_modified FROM processed_files WHERE uri LIKE $1`, rootPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list_processed_files: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessedFile
	for rows.Next() {
		var pf model.ProcessedFile
		if err := rows.Scan(&pf.URI, &pf.LastModified); err != nil {
			return nil, fmt.Errorf("store/postgres: list_processed_files scan: %w", err)
		}
		out = append(out, pf)
	}
	return out, rows.Err()
}

func (b *Backend) DeleteProcessedFile(ctx context.Context, uri string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM processed_files WHERE uri = $1`, uri)
	if err != nil {
		return fmt.Errorf("store/postgres: delete_processed_file: %w", err)
	}
	return nil
}

func (b *Backend) UpsertConnection(ctx context.Context, conn model.Connection) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO connections (api_id, account, is_syncing, credential) VALUES ($1, $2, $3, $4)
		ON CONFLICT(api_id, account) DO UPDATE SET is_syncing = excluded.is_syncing, credential = excluded.credential`,
		conn.APIID, conn.Account, conn.IsSyncing, conn.CredentialBlob)
	if err != nil {
		return fmt.Errorf("store/postgres: upsert_connection: %w", err)
	}
	return nil
}

func (b *Backend) ListConnections(ctx context.Context) ([]model.Connection, error) {
	rows, err := b.pool.Query(ctx, `SELECT api_id, account, is_syncing, credential FROM connections`)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list_connections: %w", err)
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		var c model.Connection
		if err := rows.Scan(&c.APIID, &c.Account, &c.IsSyncing, &c.CredentialBlob); err != nil {
			return nil, fmt.Errorf("store/postgres: list_connections scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *Backend) GetConnection(ctx context.Context, apiID, account string) (*model.Connection, error) {
	row := b.pool.QueryRow(ctx, `SELECT api_id, account, is_syncing, credential FROM connections WHERE api_id = $1 AND account = $2`, apiID, account)
	var c model.Connection
	err := row.Scan(&c.APIID, &c.Account, &c.IsSyncing, &c.CredentialBlob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get_connection: %w", err)
	}
	return &c, nil
}

func (b *Backend) DeleteConnection(ctx context.Context, apiID, account string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM connections WHERE api_id = $1 AND account = $2`, apiID, account)
	if err != nil {
		return fmt.Errorf("store/postgres: delete_connection: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
