package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/server/middleware"
	"github.com/leafline/greenledger/internal/service"
)

type AnalysisIngester interface {
	Ingest(ctx context.Context, a domain.Analysis) (service.IngestResult, error)
}

// AnalysisHandler receives finished analyses from the pipeline.
type AnalysisHandler struct {
	ingestor AnalysisIngester
	analyses domain.AnalysisStore
	logger   *slog.Logger
}

func NewAnalysisHandler(ingestor AnalysisIngester, analyses domain.AnalysisStore, logger *slog.Logger) *AnalysisHandler {
	return &AnalysisHandler{ingestor: ingestor, analyses: analyses, logger: logger}
}

// Ingest stores an analysis and mints its credits. Re-sending the same
// analysis returns 200 with already_processed set.
// POST /api/analyses
func (h *AnalysisHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.RequireActor(r.Context(), domain.RoleAdmin); err != nil {
		writeServiceError(w, r, h.logger, "ingest analysis", err)
		return
	}

	var in service.AnalysisInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeServiceError(w, r, h.logger, "ingest analysis", err)
		return
	}

	a, err := in.Analysis()
	if err != nil {
		writeServiceError(w, r, h.logger, "ingest analysis", err)
		return
	}
	res, err := h.ingestor.Ingest(r.Context(), a)
	if err != nil {
		writeServiceError(w, r, h.logger, "ingest analysis", err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyProcessed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// GetAnalysis returns one stored analysis.
// GET /api/analyses/{id}
func (h *AnalysisHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := h.analyses.GetAnalysis(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
