package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ListingStatus tracks the listing lifecycle.
type ListingStatus string

const (
	ListingStatusOpen      ListingStatus = "OPEN"
	ListingStatusFilled    ListingStatus = "FILLED"
	ListingStatusCancelled ListingStatus = "CANCELLED"
)

// Listing offers credits locked on a plantation account for sale at a fixed
// price.
//
// Invariants: 0 <= Remaining <= Total; Filled implies Remaining = 0.
type Listing struct {
	ID             string          `json:"id"`
	PlantationID   string          `json:"plantation_id"`
	SellerID       string          `json:"seller_id"`
	Total          decimal.Decimal `json:"total_credits"`
	Remaining      decimal.Decimal `json:"remaining_credits"`
	PricePerCredit decimal.Decimal `json:"price_per_credit"`
	Status         ListingStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Account returns the wallet holding the credits locked for this listing.
func (l Listing) Account() AccountID {
	return PlantationAccount(l.PlantationID)
}

// Check verifies the listing invariants.
func (l Listing) Check() error {
	if l.Remaining.IsNegative() || l.Remaining.GreaterThan(l.Total) {
		return fmt.Errorf("%w: listing %s remaining=%s outside [0,%s]",
			ErrIntegrityViolation, l.ID, l.Remaining, l.Total)
	}
	if l.Status == ListingStatusFilled && !l.Remaining.IsZero() {
		return fmt.Errorf("%w: listing %s filled with remaining=%s",
			ErrIntegrityViolation, l.ID, l.Remaining)
	}
	return nil
}
