package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/server/middleware"
)

// HeaderIdempotencyKey names the client-chosen key that makes a trade
// request safe to retry.
const HeaderIdempotencyKey = "Idempotency-Key"

type TradeService interface {
	ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error)
	GetTrade(ctx context.Context, id string) (domain.Trade, error)
	ListTrades(ctx context.Context, buyerID, listingID string, opts domain.ListOpts) ([]domain.Trade, error)
}

type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

type executeTradeRequest struct {
	ListingID string          `json:"listing_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type executeTradeResponse struct {
	Trade     domain.Trade    `json:"trade"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Replayed  bool            `json:"replayed"`
}

// ExecuteTrade buys credits from a listing for the calling industry user.
// A replayed request answers 200 with the original trade; a fresh one 201.
// POST /api/trades
func (h *TradeHandler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireActor(r.Context(), domain.RoleIndustry)
	if err != nil {
		writeServiceError(w, r, h.logger, "execute trade", err)
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		writeServiceError(w, r, h.logger, "execute trade",
			fmt.Errorf("%w: %s header is required", domain.ErrInvalidRequest, HeaderIdempotencyKey))
		return
	}

	var body executeTradeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeServiceError(w, r, h.logger, "execute trade", err)
		return
	}

	res, err := h.trades.ExecuteTrade(r.Context(), domain.TradeRequest{
		ListingID:      body.ListingID,
		BuyerID:        actor.ID,
		Quantity:       body.Quantity,
		IdempotencyKey: key,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "execute trade", err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, executeTradeResponse{
		Trade:     res.Trade,
		FillPrice: res.Trade.UnitPrice,
		Replayed:  res.Replayed,
	})
}

type listTradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

// ListTrades filters by exactly one of buyer_id or listing_id. Industry
// callers may only list their own purchases by buyer.
// GET /api/trades?buyer_id=...|listing_id=...
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireActor(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}

	q := r.URL.Query()
	buyerID, listingID := q.Get("buyer_id"), q.Get("listing_id")
	if buyerID != "" && actor.Role == domain.RoleIndustry && buyerID != actor.ID {
		writeServiceError(w, r, h.logger, "list trades", domain.ErrForbidden)
		return
	}

	opts, err := parseListOpts(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}

	trades, err := h.trades.ListTrades(r.Context(), buyerID, listingID, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.trades.GetTrade(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get trade", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
