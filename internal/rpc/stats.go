package rpc

import "net/http"

// handleLibraryStats implements `get_library_stats() → map<lens_name,
// { enqueued, indexed, failed }>`, reading the shared diagnostics.Tracker
// every crawl-producing component (Worker Pool, Connector Scheduler, FS
// Watcher Dispatcher) increments into.
func (s *Server) handleLibraryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats.Snapshot())
}
