package handler

import (
	"log/slog"
	"net/http"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/server/middleware"
)

type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// ListAudit pages through the audit log, newest first.
// GET /api/audit
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.RequireActor(r.Context(), domain.RoleAdmin); err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
