package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Tx is the set of row-level operations available inside a unit of work.
// Lock* methods hold their rows until the unit of work ends. Callers lock the
// listing (if any) before balances and pass every balance they need in a
// single LockBalances call; implementations acquire balances in ascending
// account order.
type Tx interface {
	// LockBalances locks the given accounts and returns their current
	// balances. Accounts never credited come back as zero balances.
	LockBalances(ctx context.Context, accounts ...AccountID) (map[AccountID]Balance, error)
	PutBalance(ctx context.Context, b Balance) error

	// InsertMint returns ErrAlreadyExists when the analysis was minted.
	InsertMint(ctx context.Context, m MintRecord) error
	// InsertAnalysis returns ErrAlreadyExists when the analysis is stored.
	InsertAnalysis(ctx context.Context, a Analysis) error

	LockListing(ctx context.Context, id string) (Listing, error)
	InsertListing(ctx context.Context, l Listing) error
	UpdateListing(ctx context.Context, l Listing) error

	// InsertTrade returns ErrAlreadyExists when a trade with the same
	// idempotency key exists.
	InsertTrade(ctx context.Context, t Trade) error
	TradeByIdempotencyKey(ctx context.Context, key string) (Trade, error)
}

// UnitOfWork runs fn atomically: every write made through tx commits
// together when fn returns nil, and none do otherwise.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// BalanceStore reads balances outside a unit of work.
type BalanceStore interface {
	GetBalance(ctx context.Context, account AccountID) (Balance, error)
	GetMint(ctx context.Context, analysisID string) (MintRecord, error)
}

// ListingStore reads listings outside a unit of work.
type ListingStore interface {
	GetListing(ctx context.Context, id string) (Listing, error)
	ListOpen(ctx context.Context, opts ListOpts) ([]Listing, error)
	ListByPlantation(ctx context.Context, plantationID string, openOnly bool) ([]Listing, error)
}

// TradeStore reads the trade log.
type TradeStore interface {
	GetTrade(ctx context.Context, id string) (Trade, error)
	GetTradeByIdempotencyKey(ctx context.Context, key string) (Trade, error)
	ListByBuyer(ctx context.Context, buyerID string, opts ListOpts) ([]Trade, error)
	ListByListing(ctx context.Context, listingID string, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
}

// AnalysisStore reads stored analyses.
type AnalysisStore interface {
	GetAnalysis(ctx context.Context, id string) (Analysis, error)
	LatestByPlantation(ctx context.Context, plantationID string) (Analysis, error)
}

// PlantationStore persists the plantation ownership facts supplied by the
// registration service.
type PlantationStore interface {
	UpsertPlantation(ctx context.Context, p Plantation) error
	GetPlantation(ctx context.Context, id string) (Plantation, error)
}

// IdempotencyStore records idempotency keys with compare-and-set semantics.
type IdempotencyStore interface {
	// Reserve inserts a pending record for key unless one exists. acquired is
	// true when the caller now owns execution: the key was new, or a pending
	// record with the same fingerprint had a lease older than lease. In every
	// other case the existing record is returned untouched.
	Reserve(ctx context.Context, key, fingerprint string, lease time.Duration) (rec IdempotencyRecord, acquired bool, err error)
	// Complete stores the outcome. Completing an already-completed key is a
	// no-op.
	Complete(ctx context.Context, key string, outcome IdempotencyOutcome) error
	// Release drops a pending record so the key can be retried. It is a no-op
	// unless token is the LeaseToken of the current lease.
	Release(ctx context.Context, key, token string) error
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
