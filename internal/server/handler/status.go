package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports how this process was started.
type StatusHandler struct {
	mode        string
	store       string
	idempotency string
	started     time.Time
}

// NewStatusHandler creates a StatusHandler for a process that started now.
func NewStatusHandler(mode, store, idempotency string) *StatusHandler {
	return &StatusHandler{mode: mode, store: store, idempotency: idempotency, started: time.Now()}
}

// GetStatus responds with the run mode, storage backends and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":                h.mode,
		"store":               h.store,
		"idempotency_backend": h.idempotency,
		"started_at":          h.started.UTC(),
		"uptime_seconds":      int64(time.Since(h.started).Seconds()),
	})
}
