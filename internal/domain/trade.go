package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is the immutable record of one fill against a listing.
type Trade struct {
	ID             string          `json:"id"`
	ListingID      string          `json:"listing_id"`
	BuyerID        string          `json:"buyer_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// TradeRequest is a buyer's intent to fill part of a listing.
type TradeRequest struct {
	ListingID      string          `json:"listing_id"`
	BuyerID        string          `json:"buyer_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	IdempotencyKey string          `json:"-"`
}

// TradeResult is returned by settlement. Replayed is set when the outcome was
// served from the idempotency store instead of being executed.
type TradeResult struct {
	Trade    Trade `json:"trade"`
	Replayed bool  `json:"replayed"`
}
