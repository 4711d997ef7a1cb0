// Package rpc implements spec §6's transport-agnostic operation list as an
// HTTP+SSE API, generalizing the chi-router/Handler-struct pattern from the
// pack's OPDS aggregator server (dependencies injected into one Handler,
// one method per operation) onto Spyglass's search/lens/connection surface.
package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/avenoir-dev/spyglass/internal/config"
	"github.com/avenoir-dev/spyglass/internal/connector"
	"github.com/avenoir-dev/spyglass/internal/diagnostics"
	"github.com/avenoir-dev/spyglass/internal/index"
	"github.com/avenoir-dev/spyglass/internal/lens"
	"github.com/avenoir-dev/spyglass/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Pauser is satisfied by the crawl Scheduler; a narrow interface keeps this
// package from depending on the scheduler's poll-loop internals.
type Pauser interface {
	SetPaused(bool)
	Paused() bool
}

// Server holds every dependency an RPC handler needs and builds the chi
// router that serves spec §6's operation list.
type Server struct {
	Store       store.Store
	Index       *index.Index
	Lenses      *lens.Registry
	Layout      config.Layout
	Settings    *config.Store
	Connectors  *connector.Scheduler
	CrawlPauser Pauser
	Stats       *diagnostics.Tracker
	Events      *Hub
	Logger      *slog.Logger
}

// NewServer builds a Server. Logger defaults to slog.Default, Events to a
// fresh Hub, if not supplied.
func NewServer(s Server) *Server {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Events == nil {
		s.Events = NewHub()
	}
	if s.Stats == nil {
		s.Stats = diagnostics.NewTracker()
	}
	srv := s
	return &srv
}

// Router builds the chi mux serving every operation in spec §6's bullet
// list, one handler per route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/search_docs", s.handleSearchDocs)
	r.Post("/search_lenses", s.handleSearchLenses)

	r.Get("/list_connections", s.handleListConnections)
	r.Post("/authorize_connection/{id}", s.handleAuthorizeConnection)
	r.Post("/revoke_connection/{id}", s.handleRevokeConnection)
	r.Post("/resync_connection/{id}", s.handleResyncConnection)

	r.Post("/delete_document/{id}", s.handleDeleteDocument)
	r.Post("/recrawl_domain/{domain}", s.handleRecrawlDomain)

	r.Get("/get_library_stats", s.handleLibraryStats)

	r.Get("/user_settings", s.handleGetUserSettings)
	r.Post("/update_user_settings", s.handleUpdateUserSettings)
	r.Get("/default_indices", s.handleDefaultIndices)

	r.Post("/toggle_pause", s.handleTogglePause)
	r.Post("/uninstall_lens/{name}", s.handleUninstallLens)

	r.Get("/events", s.Events.ServeHTTP)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, op string, status int, err error) {
	logger.Error("rpc: "+op, "err", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
