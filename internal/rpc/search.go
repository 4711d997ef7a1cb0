package rpc

import (
	"context"
	"net/http"
	"strings"

	"github.com/avenoir-dev/spyglass/internal/index"
)

type searchDocsRequest struct {
	Lenses []string `json:"lenses"`
	Query  string   `json:"query"`
}

type searchResult struct {
	DocID  string  `json:"doc_id"`
	URL    string  `json:"url"`
	Domain string  `json:"domain"`
	Title  string  `json:"title"`
	Score  float64 `json:"score"`
}

type searchDocsResponse struct {
	Results []searchResult `json:"results"`
}

// handleSearchDocs implements `search_docs({lenses, query}) → SearchResults`
// (spec §6). An empty Lenses list searches unfiltered; a non-empty list
// unions the named lenses' url/domain admission sets, matching
// index.LensFilter's coarse (non-regex) filtering.
func (s *Server) handleSearchDocs(w http.ResponseWriter, r *http.Request) {
	var req searchDocsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.Logger, "search_docs", http.StatusBadRequest, err)
		return
	}

	var filter *index.LensFilter
	if len(req.Lenses) > 0 {
		f, err := s.lensFilterFor(r.Context(), req.Lenses)
		if err != nil {
			writeError(w, s.Logger, "search_docs", http.StatusInternalServerError, err)
			return
		}
		filter = f
	}

	hits, err := s.Index.Search(req.Query, filter, index.DefaultQueryBoost, 0, 50)
	if err != nil {
		writeError(w, s.Logger, "search_docs", http.StatusInternalServerError, err)
		return
	}

	results := make([]searchResult, len(hits))
	for i, h := range hits {
		results[i] = searchResult{DocID: h.ID, URL: h.URL, Domain: h.Domain, Title: h.Title, Score: h.Score}
	}
	writeJSON(w, http.StatusOK, searchDocsResponse{Results: results})
}

// lensFilterFor unions the named lenses' URL prefixes and domains. Plugin
// lenses (connector-backed) have no static admission set and are skipped;
// they follow-crawl through the Worker Pool instead of index-time filtering.
func (s *Server) lensFilterFor(ctx context.Context, names []string) (*index.LensFilter, error) {
	all, err := s.Store.ListLenses(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	filter := &index.LensFilter{}
	for _, cfg := range all {
		if !wanted[cfg.Name] || cfg.IsPlugin {
			continue
		}
		filter.URLPrefixes = append(filter.URLPrefixes, cfg.URLs...)
		filter.Domains = append(filter.Domains, cfg.Domains...)
	}
	return filter, nil
}

type searchLensesRequest struct {
	Query string `json:"query"`
}

type lensResult struct {
	Name      string `json:"name"`
	Trigger   string `json:"trigger"`
	IsEnabled bool   `json:"is_enabled"`
}

type searchLensesResponse struct {
	Results []lensResult `json:"results"`
}

// handleSearchLenses implements `search_lenses({query}) → {results:
// [LensResult]}`: a case-insensitive substring match over installed lens
// names and triggers. An empty query returns every installed lens.
func (s *Server) handleSearchLenses(w http.ResponseWriter, r *http.Request) {
	var req searchLensesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.Logger, "search_lenses", http.StatusBadRequest, err)
		return
	}

	all, err := s.Store.ListLenses(r.Context())
	if err != nil {
		writeError(w, s.Logger, "search_lenses", http.StatusInternalServerError, err)
		return
	}

	query := strings.ToLower(req.Query)
	var results []lensResult
	for _, cfg := range all {
		if query != "" && !strings.Contains(strings.ToLower(cfg.Name), query) && !strings.Contains(strings.ToLower(cfg.Trigger), query) {
			continue
		}
		results = append(results, lensResult{Name: cfg.Name, Trigger: cfg.Trigger, IsEnabled: cfg.IsEnabled})
	}
	writeJSON(w, http.StatusOK, searchLensesResponse{Results: results})
}
