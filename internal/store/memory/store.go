// Package memory provides in-process implementations of the domain stores.
// It backs the "memory" store backend and the service tests; state is lost
// when the process exits.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leafline/greenledger/internal/domain"
)

// Store holds every ledger table in maps guarded by one RWMutex. Row locks
// taken by units of work live in a separate lockset so readers are never
// blocked by a long transaction.
type Store struct {
	mu          sync.RWMutex
	balances    map[domain.AccountID]domain.Balance
	mints       map[string]domain.MintRecord
	analyses    map[string]domain.Analysis
	listings    map[string]domain.Listing
	trades      map[string]domain.Trade
	tradeByKey  map[string]string
	plantations map[string]domain.Plantation

	rows *lockset
	now  func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		balances:    make(map[domain.AccountID]domain.Balance),
		mints:       make(map[string]domain.MintRecord),
		analyses:    make(map[string]domain.Analysis),
		listings:    make(map[string]domain.Listing),
		trades:      make(map[string]domain.Trade),
		tradeByKey:  make(map[string]string),
		plantations: make(map[string]domain.Plantation),
		rows:        newLockset(),
		now:         time.Now,
	}
}

// Compile-time interface checks.
var (
	_ domain.UnitOfWork      = (*Store)(nil)
	_ domain.BalanceStore    = (*Store)(nil)
	_ domain.ListingStore    = (*Store)(nil)
	_ domain.TradeStore      = (*Store)(nil)
	_ domain.AnalysisStore   = (*Store)(nil)
	_ domain.PlantationStore = (*Store)(nil)
)

// ──────────────────────────────────────────────────
// Balances
// ──────────────────────────────────────────────────

// GetBalance returns the committed balance, or a zero balance for an account
// that has never been credited.
func (s *Store) GetBalance(_ context.Context, account domain.AccountID) (domain.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[account]; ok {
		return b, nil
	}
	return domain.NewBalance(account), nil
}

func (s *Store) GetMint(_ context.Context, analysisID string) (domain.MintRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mints[analysisID]
	if !ok {
		return domain.MintRecord{}, fmt.Errorf("memory: mint %s: %w", analysisID, domain.ErrNotFound)
	}
	return m, nil
}

// ──────────────────────────────────────────────────
// Analyses and plantations
// ──────────────────────────────────────────────────

func (s *Store) GetAnalysis(_ context.Context, id string) (domain.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.analyses[id]
	if !ok {
		return domain.Analysis{}, fmt.Errorf("memory: analysis %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// LatestByPlantation returns the most recently analysed run for a plantation.
func (s *Store) LatestByPlantation(_ context.Context, plantationID string) (domain.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest domain.Analysis
		found  bool
	)
	for _, a := range s.analyses {
		if a.PlantationID != plantationID {
			continue
		}
		if !found || a.AnalyzedAt.After(latest.AnalyzedAt) {
			latest, found = a, true
		}
	}
	if !found {
		return domain.Analysis{}, fmt.Errorf("memory: latest analysis for %s: %w", plantationID, domain.ErrNotFound)
	}
	return latest, nil
}

func (s *Store) UpsertPlantation(_ context.Context, p domain.Plantation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.plantations[p.ID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = existing.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	s.plantations[p.ID] = p
	return nil
}

func (s *Store) GetPlantation(_ context.Context, id string) (domain.Plantation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plantations[id]
	if !ok {
		return domain.Plantation{}, fmt.Errorf("memory: plantation %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// ──────────────────────────────────────────────────
// Listings
// ──────────────────────────────────────────────────

func (s *Store) GetListing(_ context.Context, id string) (domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return domain.Listing{}, fmt.Errorf("memory: listing %s: %w", id, domain.ErrNotFound)
	}
	return l, nil
}

// ListOpen returns open listings, newest first.
func (s *Store) ListOpen(_ context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	s.mu.RLock()
	var out []domain.Listing
	for _, l := range s.listings {
		if l.Status != domain.ListingStatusOpen || !inRange(l.CreatedAt, opts) {
			continue
		}
		out = append(out, l)
	}
	s.mu.RUnlock()

	sortListings(out)
	return paginate(out, opts), nil
}

func (s *Store) ListByPlantation(_ context.Context, plantationID string, openOnly bool) ([]domain.Listing, error) {
	s.mu.RLock()
	var out []domain.Listing
	for _, l := range s.listings {
		if l.PlantationID != plantationID {
			continue
		}
		if openOnly && l.Status != domain.ListingStatusOpen {
			continue
		}
		out = append(out, l)
	}
	s.mu.RUnlock()

	sortListings(out)
	return out, nil
}

func sortListings(ls []domain.Listing) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].ID > ls[j].ID
		}
		return ls[i].CreatedAt.After(ls[j].CreatedAt)
	})
}

// ──────────────────────────────────────────────────
// Trades
// ──────────────────────────────────────────────────

func (s *Store) GetTrade(_ context.Context, id string) (domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return domain.Trade{}, fmt.Errorf("memory: trade %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (s *Store) GetTradeByIdempotencyKey(_ context.Context, key string) (domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tradeByKeyLocked(key)
}

func (s *Store) tradeByKeyLocked(key string) (domain.Trade, error) {
	id, ok := s.tradeByKey[key]
	if !ok {
		return domain.Trade{}, fmt.Errorf("memory: trade for key %q: %w", key, domain.ErrNotFound)
	}
	return s.trades[id], nil
}

func (s *Store) ListByBuyer(_ context.Context, buyerID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return s.filterTrades(opts, func(t domain.Trade) bool { return t.BuyerID == buyerID }), nil
}

func (s *Store) ListByListing(_ context.Context, listingID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return s.filterTrades(opts, func(t domain.Trade) bool { return t.ListingID == listingID }), nil
}

// ListBefore returns every trade executed before the cutoff, oldest first.
func (s *Store) ListBefore(_ context.Context, before time.Time) ([]domain.Trade, error) {
	s.mu.RLock()
	var out []domain.Trade
	for _, t := range s.trades {
		if t.ExecutedAt.Before(before) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func (s *Store) filterTrades(opts domain.ListOpts, keep func(domain.Trade) bool) []domain.Trade {
	s.mu.RLock()
	var out []domain.Trade
	for _, t := range s.trades {
		if keep(t) && inRange(t.ExecutedAt, opts) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ExecutedAt.After(out[j].ExecutedAt)
	})
	return paginate(out, opts)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func inRange(ts time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && ts.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !ts.Before(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
