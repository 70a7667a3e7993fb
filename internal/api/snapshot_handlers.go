package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/shehryarbajwa/browser-agent/internal/snapshot"
)

// SnapshotStore is the persisted session state the snapshot routes expose.
type SnapshotStore interface {
	Load(ctx context.Context) (*snapshot.Snapshot, error)
	Path() string
}

// SnapshotHandler holds dependencies for snapshot HTTP handlers
type SnapshotHandler struct {
	store   SnapshotStore
	session Session
}

// NewSnapshotHandler creates a new snapshot HTTP handler
func NewSnapshotHandler(store SnapshotStore, sess Session) *SnapshotHandler {
	return &SnapshotHandler{store: store, session: sess}
}

// GetSnapshot handles GET /snapshot. It summarizes the file without
// returning cookie values.
func (h *SnapshotHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.Load(r.Context())
	if errors.Is(err, snapshot.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "no session snapshot saved",
			"path":    h.store.Path(),
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}

	origins := make([]string, 0, len(snap.Storage))
	for _, o := range snap.Storage {
		origins = append(origins, o.Origin)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"path":    h.store.Path(),
		"cookies": len(snap.Cookies),
		"origins": origins,
		"savedAt": snap.SavedAt,
	})
}

// SaveSnapshot handles POST /snapshot
func (h *SnapshotHandler) SaveSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.session.SaveSnapshot(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": h.store.Path()})
}

// DeleteSnapshot handles DELETE /snapshot
func (h *SnapshotHandler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	existed, err := h.session.ClearSnapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "existed": existed})
}
