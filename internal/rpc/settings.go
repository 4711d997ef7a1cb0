package rpc

import (
	"net/http"

	"github.com/avenoir-dev/spyglass/internal/config"
	"github.com/go-chi/chi/v5"
)

// handleGetUserSettings implements `user_settings()`.
func (s *Server) handleGetUserSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Settings.Settings())
}

// handleUpdateUserSettings implements `update_user_settings(s)`, persisting
// and atomically swapping the snapshot every other component reads.
func (s *Server) handleUpdateUserSettings(w http.ResponseWriter, r *http.Request) {
	var next config.Settings
	if err := decodeJSON(r, &next); err != nil {
		writeError(w, s.Logger, "update_user_settings", http.StatusBadRequest, err)
		return
	}
	if err := s.Settings.Update(func(cur *config.Settings) { *cur = next }); err != nil {
		writeError(w, s.Logger, "update_user_settings", http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Settings.Settings())
}

// defaultExtensions are the file extensions the FS Watcher indexes
// out-of-the-box, mirrored from the original implementation's
// config::DEFAULT_EXTENSIONS (supplemented; spec.md's distillation dropped
// the exact list).
var defaultExtensions = []string{"txt", "md", "markdown", "org", "rst", "pdf", "html", "htm"}

type defaultIndicesResponse struct {
	FilePaths  []string `json:"file_paths"`
	Extensions []string `json:"extensions"`
}

// handleDefaultIndices implements `default_indices()`: suggests filesystem
// roots and extensions for a first-run FS Watcher configuration. Unlike the
// desktop original, this build has no reliable "desktop"/"documents" folder
// convention to probe, so FilePaths is left for the caller to populate from
// its own environment; only the default extension list is meaningful here.
func (s *Server) handleDefaultIndices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, defaultIndicesResponse{Extensions: defaultExtensions})
}

type togglePauseRequest struct {
	Paused bool `json:"paused"`
}

// handleTogglePause implements `toggle_pause(bool)`, gating the crawl
// Scheduler's poll loop without tearing down any in-flight fetch.
func (s *Server) handleTogglePause(w http.ResponseWriter, r *http.Request) {
	var req togglePauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.Logger, "toggle_pause", http.StatusBadRequest, err)
		return
	}
	s.CrawlPauser.SetPaused(req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.CrawlPauser.Paused()})
}

// handleUninstallLens implements `uninstall_lens(name)` (spec invariant 8):
// removes the lens file, the Store's LensConfig row, and every document
// tagged only with this lens from both Index and Store.
func (s *Server) handleUninstallLens(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	refs, err := s.Store.FindSoleLensDocs(r.Context(), name)
	if err != nil {
		writeError(w, s.Logger, "uninstall_lens", http.StatusInternalServerError, err)
		return
	}

	if len(refs) > 0 {
		docIDs := make([]string, len(refs))
		storeIDs := make([]int64, len(refs))
		for i, ref := range refs {
			docIDs[i] = ref.DocID
			storeIDs[i] = ref.ID
		}
		if err := s.Index.DeleteBatch(docIDs); err != nil {
			writeError(w, s.Logger, "uninstall_lens", http.StatusInternalServerError, err)
			return
		}
		if err := s.Store.DeleteManyByID(r.Context(), storeIDs); err != nil {
			writeError(w, s.Logger, "uninstall_lens", http.StatusInternalServerError, err)
			return
		}
	}

	if err := s.Store.DeleteLens(r.Context(), name); err != nil {
		writeError(w, s.Logger, "uninstall_lens", http.StatusInternalServerError, err)
		return
	}
	if err := config.DeleteLensFile(s.Layout.LensesDir(), name); err != nil {
		writeError(w, s.Logger, "uninstall_lens", http.StatusInternalServerError, err)
		return
	}

	s.Events.Publish(Event{Type: EventLensUninstalled, Data: name})
	writeJSON(w, http.StatusOK, nil)
}
