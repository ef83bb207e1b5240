package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountID identifies a credit wallet. Plantations and buyers share the same
// balance shape; the prefix tells them apart.
type AccountID string

const (
	plantationPrefix = "plantation:"
	buyerPrefix      = "buyer:"
)

// PlantationAccount returns the wallet that receives minted credits for a
// plantation and from which its listings are sold.
func PlantationAccount(plantationID string) AccountID {
	return AccountID(plantationPrefix + plantationID)
}

// BuyerAccount returns the wallet credited when a buyer fills a listing.
func BuyerAccount(buyerID string) AccountID {
	return AccountID(buyerPrefix + buyerID)
}

// ParseAccountID validates the textual form used by the HTTP API.
func ParseAccountID(s string) (AccountID, error) {
	for _, p := range []string{plantationPrefix, buyerPrefix} {
		if strings.HasPrefix(s, p) && len(s) > len(p) {
			return AccountID(s), nil
		}
	}
	return "", fmt.Errorf("%w: account %q must be plantation:<id> or buyer:<id>", ErrInvalidRequest, s)
}

// Balance is the green-credit position of one account.
//
// Invariant: Total = Available + Locked, all non-negative.
type Balance struct {
	Account   AccountID       `json:"account"`
	Total     decimal.Decimal `json:"total_credits"`
	Available decimal.Decimal `json:"available_credits"`
	Locked    decimal.Decimal `json:"locked_credits"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewBalance returns the zero balance for an account that has never been
// credited.
func NewBalance(account AccountID) Balance {
	return Balance{
		Account:   account,
		Total:     decimal.Zero,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
	}
}

// Check verifies the balance invariant.
func (b Balance) Check() error {
	if b.Total.IsNegative() || b.Available.IsNegative() || b.Locked.IsNegative() {
		return fmt.Errorf("%w: negative component in %s (total=%s available=%s locked=%s)",
			ErrIntegrityViolation, b.Account, b.Total, b.Available, b.Locked)
	}
	if !b.Total.Equal(b.Available.Add(b.Locked)) {
		return fmt.Errorf("%w: %s total=%s != available=%s + locked=%s",
			ErrIntegrityViolation, b.Account, b.Total, b.Available, b.Locked)
	}
	return nil
}

// MintRecord is the durable proof that an analysis has been converted into
// credits. At most one exists per analysis.
type MintRecord struct {
	AnalysisID string          `json:"analysis_id"`
	Account    AccountID       `json:"account"`
	Amount     decimal.Decimal `json:"amount"`
	MintedAt   time.Time       `json:"minted_at"`
}
