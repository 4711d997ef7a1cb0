package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/avenoir-dev/spyglass/internal/config"
	"github.com/avenoir-dev/spyglass/internal/index"
	"github.com/avenoir-dev/spyglass/internal/lens"
	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store/sqlite"
	"github.com/go-chi/chi/v5"
)

func newTestContext() context.Context { return context.Background() }

// withURLParam simulates chi's router having matched a {name} path segment,
// so handlers calling chi.URLParam(r, name) see val when invoked directly
// (bypassing Router()) in a handler-level test.
func withURLParam(r *http.Request, name, val string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(name, val)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

type fakePauser struct{ paused bool }

func (p *fakePauser) SetPaused(v bool) { p.paused = v }
func (p *fakePauser) Paused() bool     { return p.paused }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := sqlite.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	idx, err := index.OpenMemOnly()
	if err != nil {
		t.Fatalf("index.OpenMemOnly: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	cfgStore, err := config.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}
	layout := config.NewLayout(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("ensure_dirs: %v", err)
	}

	return NewServer(Server{
		Store:       st,
		Index:       idx,
		Lenses:      lens.New(st),
		Layout:      layout,
		Settings:    cfgStore,
		CrawlPauser: &fakePauser{},
	})
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestSearchDocsFindsIndexedDocument(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.Index.Upsert(index.Document{
		ID: "doc-1", URL: "https://example.com/rust", Domain: "example.com",
		Title: "Rust book", Content: "systems programming",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec := doJSON(t, s.handleSearchDocs, http.MethodPost, `{"query":"rust"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp searchDocsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].URL != "https://example.com/rust" {
		t.Fatalf("expected one matching result, got %+v", resp.Results)
	}
}

func TestSearchLensesMatchesByTriggerSubstring(t *testing.T) {
	s := newTestServer(t)
	ctx := newTestContext()
	if _, err := s.Store.UpsertLens(ctx, model.LensConfig{Name: "rust-docs", Trigger: "rust", IsEnabled: true}); err != nil {
		t.Fatalf("upsert_lens: %v", err)
	}

	rec := doJSON(t, s.handleSearchLenses, http.MethodPost, `{"query":"ru"}`)
	var resp searchLensesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Name != "rust-docs" {
		t.Fatalf("expected rust-docs match, got %+v", resp.Results)
	}
}

func TestAuthorizeThenListThenRevokeConnection(t *testing.T) {
	s := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/authorize_connection/gdrive", bytes.NewBufferString(`{"account":"me@example.com"}`))
	r = withURLParam(r, "id", "gdrive")
	rec := httptest.NewRecorder()
	s.handleAuthorizeConnection(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.handleListConnections, http.MethodGet, "")
	var list listConnectionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.UserConnections) != 1 || list.UserConnections[0].APIID != "gdrive" {
		t.Fatalf("expected one connection, got %+v", list.UserConnections)
	}

	r = httptest.NewRequest(http.MethodPost, "/revoke_connection/gdrive", bytes.NewBufferString(`{"account":"me@example.com"}`))
	r = withURLParam(r, "id", "gdrive")
	rec = httptest.NewRecorder()
	s.handleRevokeConnection(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.handleListConnections, http.MethodGet, "")
	list = listConnectionsResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.UserConnections) != 0 {
		t.Fatalf("expected no connections after revoke, got %+v", list.UserConnections)
	}
}

func TestResyncConnectionWithoutSchedulerReturnsServiceUnavailable(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.handleResyncConnection, http.MethodPost, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestDeleteDocumentRemovesFromIndexAndStore(t *testing.T) {
	s := newTestServer(t)
	ctx := newTestContext()

	doc := &model.IndexedDocument{URL: "https://example.com/a", Domain: "example.com", DocID: "doc-1"}
	if err := s.Store.UpsertIndexedDocument(ctx, doc); err != nil {
		t.Fatalf("upsert_indexed_document: %v", err)
	}
	if _, err := s.Index.Upsert(index.Document{ID: "doc-1", URL: doc.URL, Domain: doc.Domain}); err != nil {
		t.Fatalf("index upsert: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/delete_document/1", nil)
	r = withURLParam(r, "id", "1")
	rec := httptest.NewRecorder()
	s.handleDeleteDocument(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := s.Store.GetIndexedDocumentByID(ctx, 1)
	if err != nil {
		t.Fatalf("get_indexed_document_by_id: %v", err)
	}
	if got != nil {
		t.Fatalf("expected document removed from store, got %+v", got)
	}
}

func TestRecrawlDomainEnqueuesIndexedURLs(t *testing.T) {
	s := newTestServer(t)
	ctx := newTestContext()

	doc := &model.IndexedDocument{URL: "https://example.com/a", Domain: "example.com", DocID: "doc-1"}
	if err := s.Store.UpsertIndexedDocument(ctx, doc); err != nil {
		t.Fatalf("upsert_indexed_document: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/recrawl_domain/example.com", nil)
	r = withURLParam(r, "domain", "example.com")
	rec := httptest.NewRecorder()
	s.handleRecrawlDomain(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp recrawlDomainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Enqueued != 1 {
		t.Fatalf("expected one url re-enqueued, got %d", resp.Enqueued)
	}
}

func TestLibraryStatsReflectsTracker(t *testing.T) {
	s := newTestServer(t)
	s.Stats.IncEnqueued("rust-docs")
	s.Stats.IncIndexed("rust-docs")

	rec := doJSON(t, s.handleLibraryStats, http.MethodGet, "")
	var snapshot map[string]struct {
		Enqueued int64 `json:"enqueued"`
		Indexed  int64 `json:"indexed"`
		Failed   int64 `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot["rust-docs"].Enqueued != 1 || snapshot["rust-docs"].Indexed != 1 {
		t.Fatalf("expected tracked counts, got %+v", snapshot["rust-docs"])
	}
}

func TestUpdateUserSettingsPersistsAndRoundTrips(t *testing.T) {
	s := newTestServer(t)
	body := `{"port":9999,"data_directory":"/tmp/data"}`
	rec := doJSON(t, s.handleUpdateUserSettings, http.MethodPost, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if s.Settings.Settings().Port != 9999 {
		t.Fatalf("expected port updated, got %d", s.Settings.Settings().Port)
	}
}

func TestTogglePauseFlipsCrawlPauser(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.handleTogglePause, http.MethodPost, `{"paused":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !s.CrawlPauser.Paused() {
		t.Fatal("expected crawl pauser to be paused")
	}
}

func TestUninstallLensRemovesExclusiveDocsButKeepsSharedOnes(t *testing.T) {
	s := newTestServer(t)
	ctx := newTestContext()

	solo := &model.IndexedDocument{URL: "https://example.com/solo", Domain: "example.com", DocID: "doc-solo"}
	shared := &model.IndexedDocument{URL: "https://example.com/shared", Domain: "example.com", DocID: "doc-shared"}
	if err := s.Store.UpsertIndexedDocument(ctx, solo); err != nil {
		t.Fatalf("upsert solo: %v", err)
	}
	if err := s.Store.UpsertIndexedDocument(ctx, shared); err != nil {
		t.Fatalf("upsert shared: %v", err)
	}
	if err := s.Store.InsertTagsForDocs(ctx, []int64{solo.ID}, []model.Tag{{Label: model.TagLens, Value: "rust-docs"}}, false); err != nil {
		t.Fatalf("tag solo: %v", err)
	}
	if err := s.Store.InsertTagsForDocs(ctx, []int64{shared.ID}, []model.Tag{
		{Label: model.TagLens, Value: "rust-docs"},
		{Label: model.TagLens, Value: "go-docs"},
	}, false); err != nil {
		t.Fatalf("tag shared: %v", err)
	}
	if _, err := s.Store.UpsertLens(ctx, model.LensConfig{Name: "rust-docs", Trigger: "rust", IsEnabled: true}); err != nil {
		t.Fatalf("upsert_lens: %v", err)
	}
	if _, err := s.Index.Upsert(index.Document{ID: "doc-solo", URL: solo.URL}); err != nil {
		t.Fatalf("index solo: %v", err)
	}
	if _, err := s.Index.Upsert(index.Document{ID: "doc-shared", URL: shared.URL}); err != nil {
		t.Fatalf("index shared: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/uninstall_lens/rust-docs", nil)
	r = withURLParam(r, "name", "rust-docs")
	rec := httptest.NewRecorder()
	s.handleUninstallLens(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if got, _ := s.Store.GetIndexedDocumentByID(ctx, solo.ID); got != nil {
		t.Fatalf("expected solo document purged, got %+v", got)
	}
	if got, _ := s.Store.GetIndexedDocumentByID(ctx, shared.ID); got == nil {
		t.Fatal("expected shared document to survive (still tagged with go-docs)")
	}

	lenses, err := s.Store.ListLenses(ctx)
	if err != nil {
		t.Fatalf("list_lenses: %v", err)
	}
	for _, l := range lenses {
		if l.Name == "rust-docs" {
			t.Fatalf("expected rust-docs lens removed, still present: %+v", l)
		}
	}
}
