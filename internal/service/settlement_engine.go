package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leafline/greenledger/internal/domain"
)

// maxIdempotencyKeyLen bounds client-supplied keys.
const maxIdempotencyKeyLen = 255

// Settlement outcomes reported to the Observer.
const (
	outcomeExecuted = "executed"
	outcomeReplayed = "replayed"
	outcomeRejected = "rejected"
	outcomeConflict = "conflict"
	outcomeInFlight = "in_flight"
	outcomeFailed   = "failed"
)

// terminal errors are business rejections: they are recorded against the
// idempotency key and replayed to retries. Anything else releases the key.
var terminal = []error{
	domain.ErrNotFound,
	domain.ErrListingNotOpen,
	domain.ErrInsufficientListingQuantity,
	domain.ErrSelfTrade,
}

func isTerminal(err error) bool {
	for _, t := range terminal {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// SettlementEngine executes trades against listings. Each request is guarded
// by an idempotency key so a retried request never fills twice.
type SettlementEngine struct {
	uow    domain.UnitOfWork
	trades domain.TradeStore
	idem   domain.IdempotencyStore
	txlog  *TransactionLog
	alerts Alerter
	obs    Observer
	lease  time.Duration
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// NewSettlementEngine creates a SettlementEngine. lease is how long a pending
// idempotency record blocks retries before another caller may take it over.
// txlog, alerts and obs may be nil.
func NewSettlementEngine(
	uow domain.UnitOfWork,
	trades domain.TradeStore,
	idem domain.IdempotencyStore,
	txlog *TransactionLog,
	alerts Alerter,
	obs Observer,
	lease time.Duration,
	logger *slog.Logger,
) *SettlementEngine {
	if alerts == nil {
		alerts = nopAlerter{}
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &SettlementEngine{
		uow:    uow,
		trades: trades,
		idem:   idem,
		txlog:  txlog,
		alerts: alerts,
		obs:    obs,
		lease:  lease,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger.With(slog.String("component", "settlement_engine")),
	}
}

// ExecuteTrade fills req.Quantity of a listing for a buyer. A repeat of a
// finished request returns the original trade (Replayed) or the original
// rejection.
func (e *SettlementEngine) ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
	start := e.now()
	res, outcome, err := e.executeTrade(ctx, req)
	e.obs.SettlementFinished(outcome, e.now().Sub(start))
	return res, err
}

func (e *SettlementEngine) executeTrade(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, string, error) {
	if err := validateTradeRequest(req); err != nil {
		return domain.TradeResult{}, outcomeRejected, fmt.Errorf("settlement: %w", err)
	}

	fp := req.Fingerprint()
	rec, acquired, err := e.idem.Reserve(ctx, req.IdempotencyKey, fp, e.lease)
	if err != nil {
		return domain.TradeResult{}, outcomeFailed, fmt.Errorf("settlement: reserve key: %w", err)
	}
	if !acquired {
		return e.resolveExisting(ctx, req, fp, rec)
	}

	// The key is ours from here on. Its outcome must be recorded even if the
	// caller goes away.
	bg := context.WithoutCancel(ctx)

	trade, listing, replayed, err := e.settle(ctx, req)
	if errors.Is(err, domain.ErrAlreadyExists) {
		trade, err = e.trades.GetTradeByIdempotencyKey(bg, req.IdempotencyKey)
		if err == nil {
			err = matchTrade(req, fp, trade)
		}
		replayed = true
	}

	switch {
	case err == nil:
		e.complete(bg, req.IdempotencyKey, domain.IdempotencyOutcome{TradeID: trade.ID})
		if replayed {
			return domain.TradeResult{Trade: trade, Replayed: true}, outcomeReplayed, nil
		}
		e.recordTrade(bg, trade, listing)
		return domain.TradeResult{Trade: trade}, outcomeExecuted, nil

	case isTerminal(err):
		e.complete(bg, req.IdempotencyKey, domain.IdempotencyOutcome{ErrorKind: domain.ErrorKind(err)})
		e.logger.InfoContext(ctx, "trade rejected",
			slog.String("listing_id", req.ListingID),
			slog.String("buyer_id", req.BuyerID),
			slog.String("reason", domain.ErrorKind(err)),
		)
		return domain.TradeResult{}, outcomeRejected, fmt.Errorf("settlement: %w", err)

	case errors.Is(err, domain.ErrIdempotencyKeyConflict):
		// The key already names another trade whose record is gone. Leave
		// no record behind so the original request still replays.
		e.release(bg, req.IdempotencyKey, rec.LeaseToken)
		return domain.TradeResult{}, outcomeConflict, fmt.Errorf("settlement: %w", err)

	default:
		e.release(bg, req.IdempotencyKey, rec.LeaseToken)
		e.reportFailure(bg, req, err)
		return domain.TradeResult{}, outcomeFailed, fmt.Errorf("settlement: execute: %w", err)
	}
}

// settle runs the fill in one unit of work. Lock order: listing, then both
// balances in ascending account order.
func (e *SettlementEngine) settle(ctx context.Context, req domain.TradeRequest) (domain.Trade, domain.Listing, bool, error) {
	var (
		trade    domain.Trade
		listing  domain.Listing
		replayed bool
	)
	err := e.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		l, err := tx.LockListing(ctx, req.ListingID)
		if err != nil {
			return err
		}

		// A previous owner of this key may have committed before losing
		// its lease.
		existing, err := tx.TradeByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			if err := matchTrade(req, req.Fingerprint(), existing); err != nil {
				return err
			}
			trade, replayed = existing, true
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		// A filled listing lost a race for its last credits; only a
		// cancelled one is closed to trading.
		switch l.Status {
		case domain.ListingStatusOpen:
		case domain.ListingStatusFilled:
			return fmt.Errorf("%w: listing %s is filled, requested %s",
				domain.ErrInsufficientListingQuantity, l.ID, req.Quantity)
		default:
			return fmt.Errorf("%w: listing %s is %s", domain.ErrListingNotOpen, l.ID, l.Status)
		}
		if req.Quantity.GreaterThan(l.Remaining) {
			return fmt.Errorf("%w: listing %s has %s remaining, requested %s",
				domain.ErrInsufficientListingQuantity, l.ID, l.Remaining, req.Quantity)
		}
		if req.BuyerID == l.SellerID {
			return fmt.Errorf("%w: buyer %s sells listing %s", domain.ErrSelfTrade, req.BuyerID, l.ID)
		}

		now := e.now().UTC()
		l, err = reduceRemaining(l, req.Quantity, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		listing = l
		if _, _, err := transferLockedTx(ctx, tx, l.Account(), domain.BuyerAccount(req.BuyerID), req.Quantity); err != nil {
			return err
		}

		trade = domain.Trade{
			ID:             e.newID(),
			ListingID:      l.ID,
			BuyerID:        req.BuyerID,
			IdempotencyKey: req.IdempotencyKey,
			Quantity:       req.Quantity,
			UnitPrice:      l.PricePerCredit,
			TotalPrice:     req.Quantity.Mul(l.PricePerCredit),
			ExecutedAt:     now,
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		return domain.Trade{}, domain.Listing{}, false, err
	}
	return trade, listing, replayed, nil
}

// resolveExisting answers a request whose key is already reserved.
func (e *SettlementEngine) resolveExisting(ctx context.Context, req domain.TradeRequest, fp string, rec domain.IdempotencyRecord) (domain.TradeResult, string, error) {
	if rec.Fingerprint != fp {
		return domain.TradeResult{}, outcomeConflict, fmt.Errorf("settlement: key %q: %w", req.IdempotencyKey, domain.ErrIdempotencyKeyConflict)
	}

	if rec.State == domain.IdempotencyCompleted {
		if rec.TradeID != "" {
			trade, err := e.trades.GetTrade(ctx, rec.TradeID)
			if err != nil {
				return domain.TradeResult{}, outcomeFailed, fmt.Errorf("settlement: replay trade %s: %w", rec.TradeID, err)
			}
			return domain.TradeResult{Trade: trade, Replayed: true}, outcomeReplayed, nil
		}
		cached := domain.KindError(rec.ErrorKind)
		if cached == nil {
			return domain.TradeResult{}, outcomeFailed, fmt.Errorf("settlement: key %q has unknown outcome %q", req.IdempotencyKey, rec.ErrorKind)
		}
		return domain.TradeResult{}, outcomeReplayed, fmt.Errorf("settlement: replayed: %w", cached)
	}

	// Pending: the owner may have committed and crashed before completing.
	trade, err := e.trades.GetTradeByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		err = matchTrade(req, fp, trade)
	}
	switch {
	case err == nil:
		e.complete(context.WithoutCancel(ctx), req.IdempotencyKey, domain.IdempotencyOutcome{TradeID: trade.ID})
		return domain.TradeResult{Trade: trade, Replayed: true}, outcomeReplayed, nil
	case errors.Is(err, domain.ErrIdempotencyKeyConflict):
		return domain.TradeResult{}, outcomeConflict, fmt.Errorf("settlement: %w", err)
	case errors.Is(err, domain.ErrNotFound):
		return domain.TradeResult{}, outcomeInFlight, fmt.Errorf("settlement: key %q: %w", req.IdempotencyKey, domain.ErrRequestInFlight)
	default:
		return domain.TradeResult{}, outcomeFailed, fmt.Errorf("settlement: reconcile key %q: %w", req.IdempotencyKey, err)
	}
}

// matchTrade checks that a trade found by idempotency key was made for the
// request now carrying that key.
func matchTrade(req domain.TradeRequest, fp string, t domain.Trade) error {
	made := domain.TradeRequest{BuyerID: t.BuyerID, ListingID: t.ListingID, Quantity: t.Quantity}
	if made.Fingerprint() != fp {
		return fmt.Errorf("key %q names trade %s: %w", req.IdempotencyKey, t.ID, domain.ErrIdempotencyKeyConflict)
	}
	return nil
}

// release gives the key back unless another caller has since taken over the
// lease.
func (e *SettlementEngine) release(ctx context.Context, key, token string) {
	if err := e.idem.Release(ctx, key, token); err != nil {
		e.logger.ErrorContext(ctx, "release idempotency key failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (e *SettlementEngine) complete(ctx context.Context, key string, outcome domain.IdempotencyOutcome) {
	if err := e.idem.Complete(ctx, key, outcome); err != nil {
		// The trade (if any) is committed; a retry reconciles through the
		// trade's idempotency key.
		e.logger.ErrorContext(ctx, "complete idempotency key failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (e *SettlementEngine) recordTrade(ctx context.Context, t domain.Trade, l domain.Listing) {
	e.obs.CreditsTraded(t.Quantity)
	e.txlog.Record(ctx, domain.ChannelTrades, EventTradeExecuted, t, map[string]any{
		"trade_id":    t.ID,
		"listing_id":  t.ListingID,
		"buyer_id":    t.BuyerID,
		"quantity":    t.Quantity.String(),
		"unit_price":  t.UnitPrice.String(),
		"total_price": t.TotalPrice.String(),
	})
	e.logger.InfoContext(ctx, "trade executed",
		slog.String("trade_id", t.ID),
		slog.String("listing_id", t.ListingID),
		slog.String("buyer_id", t.BuyerID),
		slog.String("quantity", t.Quantity.String()),
		slog.String("unit_price", t.UnitPrice.String()),
	)

	if l.Status == domain.ListingStatusFilled {
		e.obs.ListingChanged(l.Status)
		e.txlog.Record(ctx, domain.ChannelListings, EventListingFilled, l, map[string]any{
			"listing_id": l.ID,
		})
	}
}

func (e *SettlementEngine) reportFailure(ctx context.Context, req domain.TradeRequest, err error) {
	event, title := AlertSettlement, "Settlement failed"
	if domain.IsIntegrityFault(err) {
		event, title = AlertIntegrity, "Ledger integrity fault"
		e.obs.IntegrityFault("settlement")
	}
	e.logger.ErrorContext(ctx, "trade failed",
		slog.String("key", req.IdempotencyKey),
		slog.String("listing_id", req.ListingID),
		slog.String("buyer_id", req.BuyerID),
		slog.String("error", err.Error()),
	)
	msg := fmt.Sprintf("listing=%s buyer=%s qty=%s: %v", req.ListingID, req.BuyerID, req.Quantity, err)
	if alertErr := e.alerts.Notify(ctx, event, title, msg); alertErr != nil {
		e.logger.WarnContext(ctx, "alert failed", slog.String("error", alertErr.Error()))
	}
}

// GetTrade returns one trade.
func (e *SettlementEngine) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	t, err := e.trades.GetTrade(ctx, id)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("settlement: get trade %s: %w", id, err)
	}
	return t, nil
}

// ListTrades returns trades for a buyer or a listing. Exactly one filter must
// be set.
func (e *SettlementEngine) ListTrades(ctx context.Context, buyerID, listingID string, opts domain.ListOpts) ([]domain.Trade, error) {
	var (
		out []domain.Trade
		err error
	)
	switch {
	case buyerID != "" && listingID == "":
		out, err = e.trades.ListByBuyer(ctx, buyerID, opts)
	case listingID != "" && buyerID == "":
		out, err = e.trades.ListByListing(ctx, listingID, opts)
	default:
		return nil, fmt.Errorf("settlement: list trades: %w: exactly one of buyer_id, listing_id", domain.ErrInvalidRequest)
	}
	if err != nil {
		return nil, fmt.Errorf("settlement: list trades: %w", err)
	}
	return out, nil
}

func validateTradeRequest(req domain.TradeRequest) error {
	switch {
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	case len(req.IdempotencyKey) > maxIdempotencyKeyLen:
		return fmt.Errorf("%w: idempotency key longer than %d", domain.ErrInvalidRequest, maxIdempotencyKeyLen)
	case req.ListingID == "":
		return fmt.Errorf("%w: listing_id is required", domain.ErrInvalidRequest)
	case req.BuyerID == "":
		return fmt.Errorf("%w: buyer_id is required", domain.ErrInvalidRequest)
	case !req.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity %s must be > 0", domain.ErrInvalidAmount, req.Quantity)
	}
	return nil
}
