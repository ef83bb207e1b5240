package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/server/middleware"
	"github.com/leafline/greenledger/internal/service"
)

// ListingService is the part of the listing registry the API uses.
type ListingService interface {
	CreateListing(ctx context.Context, req service.CreateListingRequest) (domain.Listing, error)
	CancelListing(ctx context.Context, listingID, requesterID string) (domain.Listing, error)
	GetListing(ctx context.Context, id string) (domain.Listing, error)
	ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error)
	ListByPlantation(ctx context.Context, plantationID string, openOnly bool) ([]domain.Listing, error)
}

type ListingHandler struct {
	listings ListingService
	logger   *slog.Logger
}

func NewListingHandler(listings ListingService, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{listings: listings, logger: logger}
}

type listListingsResponse struct {
	Listings []domain.Listing `json:"listings"`
}

// ListListings returns open listings, newest first. With plantation_id it
// returns that plantation's listings instead, open only unless
// open_only=false.
// GET /api/listings?plantation_id=...&open_only=true&limit=50&offset=0
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	var (
		listings []domain.Listing
		err      error
	)
	if plantationID := r.URL.Query().Get("plantation_id"); plantationID != "" {
		openOnly := true
		if v := r.URL.Query().Get("open_only"); v != "" {
			if openOnly, err = strconv.ParseBool(v); err != nil {
				writeError(w, http.StatusBadRequest, "open_only must be a boolean")
				return
			}
		}
		listings, err = h.listings.ListByPlantation(r.Context(), plantationID, openOnly)
	} else {
		var opts domain.ListOpts
		if opts, err = parseListOpts(r); err != nil {
			writeServiceError(w, r, h.logger, "list listings", err)
			return
		}
		listings, err = h.listings.ListOpen(r.Context(), opts)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "list listings", err)
		return
	}

	if listings == nil {
		listings = []domain.Listing{}
	}
	writeJSON(w, http.StatusOK, listListingsResponse{Listings: listings})
}

// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.listings.GetListing(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get listing", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// CreateListing offers credits from the caller's plantation.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireActor(r.Context(), domain.RolePlantationOwner)
	if err != nil {
		writeServiceError(w, r, h.logger, "create listing", err)
		return
	}

	var req service.CreateListingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "create listing", err)
		return
	}
	req.SellerID = actor.ID

	l, err := h.listings.CreateListing(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "create listing", err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// CancelListing withdraws the unsold part of the caller's listing.
// DELETE /api/listings/{id}
func (h *ListingHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireActor(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel listing", err)
		return
	}

	l, err := h.listings.CancelListing(r.Context(), pathParam(r, "id"), actor.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel listing", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}
