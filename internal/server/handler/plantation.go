package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/server/middleware"
	"github.com/leafline/greenledger/internal/service"
)

type DashboardReader interface {
	Dashboard(ctx context.Context, plantationID string) (service.Dashboard, error)
}

// PlantationHandler records ownership facts from the registration service
// and serves plantation dashboards.
type PlantationHandler struct {
	plantations domain.PlantationStore
	dashboards  DashboardReader
	logger      *slog.Logger
}

func NewPlantationHandler(plantations domain.PlantationStore, dashboards DashboardReader, logger *slog.Logger) *PlantationHandler {
	return &PlantationHandler{plantations: plantations, dashboards: dashboards, logger: logger}
}

type putPlantationRequest struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

// PutPlantation registers or updates a plantation's owner.
// PUT /api/plantations/{id}
func (h *PlantationHandler) PutPlantation(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.RequireActor(r.Context(), domain.RoleAdmin); err != nil {
		writeServiceError(w, r, h.logger, "put plantation", err)
		return
	}

	var req putPlantationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "put plantation", err)
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		writeServiceError(w, r, h.logger, "put plantation", fmt.Errorf("%w: owner_id is required", domain.ErrInvalidRequest))
		return
	}

	p := domain.Plantation{
		ID:        pathParam(r, "id"),
		OwnerID:   req.OwnerID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.plantations.UpsertPlantation(r.Context(), p); err != nil {
		writeServiceError(w, r, h.logger, "put plantation", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Dashboard joins the plantation, its latest analysis, its credit balance and
// its open listings. Only the owner or an admin may read it once the owner
// is known.
// GET /api/plantations/{id}/dashboard
func (h *PlantationHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireActor(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "dashboard", err)
		return
	}

	d, err := h.dashboards.Dashboard(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "dashboard", err)
		return
	}
	if d.Plantation != nil && actor.Role != domain.RoleAdmin && d.Plantation.OwnerID != actor.ID {
		writeServiceError(w, r, h.logger, "dashboard", domain.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
