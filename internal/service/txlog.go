package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/leafline/greenledger/internal/domain"
)

// Event is the envelope written to the transaction log stream and published
// to live subscribers.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Event types.
const (
	EventCreditsMinted    = "credits.minted"
	EventListingCreated   = "listing.created"
	EventListingFilled    = "listing.filled"
	EventListingCancelled = "listing.cancelled"
	EventTradeExecuted    = "trade.executed"
)

// TransactionLog records committed ledger changes. Each event goes to the
// durable txlog stream, the live channel for its kind and the audit log.
// Failures are logged and never undo the committed change.
type TransactionLog struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	now    func() time.Time
	logger *slog.Logger
}

// NewTransactionLog creates a TransactionLog. bus and audit may be nil.
func NewTransactionLog(bus domain.SignalBus, audit domain.AuditStore, logger *slog.Logger) *TransactionLog {
	return &TransactionLog{
		bus:    bus,
		audit:  audit,
		now:    time.Now,
		logger: logger.With(slog.String("component", "txlog")),
	}
}

// Record emits one event. ctx cancellation is ignored so a disconnecting
// client cannot drop the record of a committed change.
func (l *TransactionLog) Record(ctx context.Context, channel, eventType string, data any, detail map[string]any) {
	if l == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	payload, err := json.Marshal(Event{Type: eventType, At: l.now().UTC(), Data: data})
	if err != nil {
		l.logger.ErrorContext(ctx, "marshal event failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
		return
	}

	if l.bus != nil {
		if err := l.bus.StreamAppend(ctx, domain.StreamTxLog, payload); err != nil {
			l.logger.WarnContext(ctx, "txlog append failed",
				slog.String("event", eventType),
				slog.String("error", err.Error()),
			)
		}
		if err := l.bus.Publish(ctx, channel, payload); err != nil {
			l.logger.WarnContext(ctx, "publish event failed",
				slog.String("event", eventType),
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}

	if l.audit != nil {
		if err := l.audit.Log(ctx, eventType, detail); err != nil {
			l.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", eventType),
				slog.String("error", err.Error()),
			)
		}
	}
}
