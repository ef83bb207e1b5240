package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/leafline/greenledger/internal/domain"
)

// CreditLedger owns balances. Each public method runs in its own unit of
// work; the unexported *Tx helpers let the ingestor, registry and settlement
// engine compose ledger moves with their own writes.
type CreditLedger struct {
	uow      domain.UnitOfWork
	balances domain.BalanceStore
	obs      Observer
	logger   *slog.Logger
}

// NewCreditLedger creates a CreditLedger. obs may be nil.
func NewCreditLedger(uow domain.UnitOfWork, balances domain.BalanceStore, obs Observer, logger *slog.Logger) *CreditLedger {
	if obs == nil {
		obs = nopObserver{}
	}
	return &CreditLedger{
		uow:      uow,
		balances: balances,
		obs:      obs,
		logger:   logger.With(slog.String("component", "credit_ledger")),
	}
}

// Mint credits amount to account, once per analysis id.
func (l *CreditLedger) Mint(ctx context.Context, account domain.AccountID, amount decimal.Decimal, analysisID string) (domain.Balance, error) {
	var out domain.Balance
	err := l.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		b, err := mintTx(ctx, tx, account, amount, analysisID)
		out = b
		return err
	})
	if err != nil {
		return domain.Balance{}, l.fail(ctx, "mint", err)
	}
	l.obs.CreditsMinted(amount)
	return out, nil
}

// Lock moves amount from available to locked.
func (l *CreditLedger) Lock(ctx context.Context, account domain.AccountID, amount decimal.Decimal) (domain.Balance, error) {
	var out domain.Balance
	err := l.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		b, err := lockTx(ctx, tx, account, amount)
		out = b
		return err
	})
	if err != nil {
		return domain.Balance{}, l.fail(ctx, "lock", err)
	}
	return out, nil
}

// Unlock moves amount from locked back to available.
func (l *CreditLedger) Unlock(ctx context.Context, account domain.AccountID, amount decimal.Decimal) (domain.Balance, error) {
	var out domain.Balance
	err := l.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		b, err := unlockTx(ctx, tx, account, amount)
		out = b
		return err
	})
	if err != nil {
		return domain.Balance{}, l.fail(ctx, "unlock", err)
	}
	return out, nil
}

// TransferLocked moves amount out of from's locked credits into to's
// available credits.
func (l *CreditLedger) TransferLocked(ctx context.Context, from, to domain.AccountID, amount decimal.Decimal) error {
	err := l.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, _, err := transferLockedTx(ctx, tx, from, to, amount)
		return err
	})
	if err != nil {
		return l.fail(ctx, "transfer_locked", err)
	}
	return nil
}

// Balance returns the committed balance of account.
func (l *CreditLedger) Balance(ctx context.Context, account domain.AccountID) (domain.Balance, error) {
	b, err := l.balances.GetBalance(ctx, account)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("ledger: balance %s: %w", account, err)
	}
	return b, nil
}

func (l *CreditLedger) fail(ctx context.Context, op string, err error) error {
	if domain.IsIntegrityFault(err) {
		l.obs.IntegrityFault("ledger." + op)
		l.logger.ErrorContext(ctx, "ledger integrity fault",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("ledger: %s: %w", op, err)
}

// ──────────────────────────────────────────────────
// Unit-of-work steps
// ──────────────────────────────────────────────────

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be > 0", domain.ErrInvalidAmount, amount)
	}
	return nil
}

func putChecked(ctx context.Context, tx domain.Tx, bals ...domain.Balance) error {
	for _, b := range bals {
		if err := b.Check(); err != nil {
			return err
		}
	}
	for _, b := range bals {
		if err := tx.PutBalance(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func mintTx(ctx context.Context, tx domain.Tx, account domain.AccountID, amount decimal.Decimal, analysisID string) (domain.Balance, error) {
	if err := requirePositive(amount); err != nil {
		return domain.Balance{}, err
	}
	if analysisID == "" {
		return domain.Balance{}, fmt.Errorf("%w: analysis id is required", domain.ErrInvalidRequest)
	}

	bals, err := tx.LockBalances(ctx, account)
	if err != nil {
		return domain.Balance{}, err
	}
	err = tx.InsertMint(ctx, domain.MintRecord{AnalysisID: analysisID, Account: account, Amount: amount})
	if errors.Is(err, domain.ErrAlreadyExists) {
		return domain.Balance{}, fmt.Errorf("%w: analysis %s", domain.ErrDuplicateMint, analysisID)
	}
	if err != nil {
		return domain.Balance{}, err
	}

	b := bals[account]
	b.Total = b.Total.Add(amount)
	b.Available = b.Available.Add(amount)
	return b, putChecked(ctx, tx, b)
}

func lockTx(ctx context.Context, tx domain.Tx, account domain.AccountID, amount decimal.Decimal) (domain.Balance, error) {
	if err := requirePositive(amount); err != nil {
		return domain.Balance{}, err
	}
	bals, err := tx.LockBalances(ctx, account)
	if err != nil {
		return domain.Balance{}, err
	}

	b := bals[account]
	if b.Available.LessThan(amount) {
		return domain.Balance{}, fmt.Errorf("%w: %s has %s available, needs %s",
			domain.ErrInsufficientAvailableCredits, account, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return b, putChecked(ctx, tx, b)
}

func unlockTx(ctx context.Context, tx domain.Tx, account domain.AccountID, amount decimal.Decimal) (domain.Balance, error) {
	if err := requirePositive(amount); err != nil {
		return domain.Balance{}, err
	}
	bals, err := tx.LockBalances(ctx, account)
	if err != nil {
		return domain.Balance{}, err
	}

	b := bals[account]
	if b.Locked.LessThan(amount) {
		return domain.Balance{}, fmt.Errorf("%w: %s has %s locked, needs %s",
			domain.ErrInsufficientLockedCredits, account, b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	return b, putChecked(ctx, tx, b)
}

func transferLockedTx(ctx context.Context, tx domain.Tx, from, to domain.AccountID, amount decimal.Decimal) (domain.Balance, domain.Balance, error) {
	if err := requirePositive(amount); err != nil {
		return domain.Balance{}, domain.Balance{}, err
	}
	if from == to {
		return domain.Balance{}, domain.Balance{}, fmt.Errorf("%w: transfer from %s to itself", domain.ErrInvalidRequest, from)
	}

	bals, err := tx.LockBalances(ctx, from, to)
	if err != nil {
		return domain.Balance{}, domain.Balance{}, err
	}

	src, dst := bals[from], bals[to]
	if src.Locked.LessThan(amount) {
		return domain.Balance{}, domain.Balance{}, fmt.Errorf("%w: %s has %s locked, needs %s",
			domain.ErrInsufficientLockedCredits, from, src.Locked, amount)
	}
	src.Locked = src.Locked.Sub(amount)
	src.Total = src.Total.Sub(amount)
	dst.Total = dst.Total.Add(amount)
	dst.Available = dst.Available.Add(amount)
	return src, dst, putChecked(ctx, tx, src, dst)
}
