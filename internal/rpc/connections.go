package rpc

import (
	"net/http"

	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/go-chi/chi/v5"
)

type connectionView struct {
	APIID     string `json:"api_id"`
	Account   string `json:"account"`
	IsSyncing bool   `json:"is_syncing"`
}

type listConnectionsResponse struct {
	UserConnections []connectionView `json:"user_connections"`
}

// handleListConnections implements `list_connections() → { supported,
// user_connections }`. The "supported" side (which connector types this
// build ships) is a property of the registered Connector set, which is a
// deploy-time decision made by cmd/spyglassd, not something the Store
// tracks; only the user's established connections are relational state.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.Store.ListConnections(r.Context())
	if err != nil {
		writeError(w, s.Logger, "list_connections", http.StatusInternalServerError, err)
		return
	}
	views := make([]connectionView, len(conns))
	for i, c := range conns {
		views[i] = connectionView{APIID: c.APIID, Account: c.Account, IsSyncing: c.IsSyncing}
	}
	writeJSON(w, http.StatusOK, listConnectionsResponse{UserConnections: views})
}

type authorizeConnectionRequest struct {
	Account        string `json:"account"`
	CredentialBlob []byte `json:"credential_blob"`
}

// handleAuthorizeConnection implements `authorize_connection(id)`: records a
// new Connection row for api_id=id. The OAuth/credential exchange itself is
// out of scope (spec §1 Non-goals reserve concrete connector wiring to
// out-of-tree plugins); this persists whatever opaque credential blob the
// caller already obtained.
func (s *Server) handleAuthorizeConnection(w http.ResponseWriter, r *http.Request) {
	apiID := chi.URLParam(r, "id")
	var req authorizeConnectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.Logger, "authorize_connection", http.StatusBadRequest, err)
		return
	}
	conn := model.Connection{APIID: apiID, Account: req.Account, CredentialBlob: req.CredentialBlob}
	if err := s.Store.UpsertConnection(r.Context(), conn); err != nil {
		writeError(w, s.Logger, "authorize_connection", http.StatusInternalServerError, err)
		return
	}
	s.Events.Publish(Event{Type: EventConnectionAuthorized, Data: connectionView{APIID: apiID, Account: req.Account}})
	writeJSON(w, http.StatusOK, nil)
}

type accountRequest struct {
	Account string `json:"account"`
}

// handleRevokeConnection implements `revoke_connection(id, account)`.
func (s *Server) handleRevokeConnection(w http.ResponseWriter, r *http.Request) {
	apiID := chi.URLParam(r, "id")
	var req accountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.Logger, "revoke_connection", http.StatusBadRequest, err)
		return
	}
	if err := s.Store.DeleteConnection(r.Context(), apiID, req.Account); err != nil {
		writeError(w, s.Logger, "revoke_connection", http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleResyncConnection implements `resync_connection(id, account)`,
// triggering an immediate out-of-band sync via the Connector Scheduler
// rather than waiting for the next cron tick.
func (s *Server) handleResyncConnection(w http.ResponseWriter, r *http.Request) {
	if s.Connectors == nil {
		writeError(w, s.Logger, "resync_connection", http.StatusServiceUnavailable, errNoConnectors)
		return
	}
	s.Connectors.SyncNow(r.Context())
	writeJSON(w, http.StatusOK, nil)
}
