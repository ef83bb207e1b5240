package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leafline/greenledger/internal/domain"
)

// Observer receives ledger measurements. internal/metrics provides the
// Prometheus implementation.
type Observer interface {
	SettlementFinished(outcome string, elapsed time.Duration)
	CreditsMinted(amount decimal.Decimal)
	CreditsTraded(amount decimal.Decimal)
	ListingChanged(status domain.ListingStatus)
	IntegrityFault(op string)
}

// Alerter pages an operator. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Alert event names understood by the notifier filter.
const (
	AlertIntegrity  = "integrity_violation"
	AlertSettlement = "settlement_failure"
)

type nopObserver struct{}

func (nopObserver) SettlementFinished(string, time.Duration) {}
func (nopObserver) CreditsMinted(decimal.Decimal) {}
func (nopObserver) CreditsTraded(decimal.Decimal) {}
func (nopObserver) ListingChanged(domain.ListingStatus) {}
func (nopObserver) IntegrityFault(string) {}

type nopAlerter struct{}

func (nopAlerter) Notify(context.Context, string, string, string) error { return nil }
