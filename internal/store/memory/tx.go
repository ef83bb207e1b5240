package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/leafline/greenledger/internal/domain"
)

// WithinTx runs fn against a staged transaction. Row locks taken through the
// transaction are held until the staged writes are applied or discarded.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	t := &tx{
		s:        s,
		held:     make(map[string]bool),
		balances: make(map[domain.AccountID]domain.Balance),
		listings: make(map[string]domain.Listing),
		inserted: make(map[string]bool),
		mints:    make(map[string]domain.MintRecord),
		analyses: make(map[string]domain.Analysis),
		tradeKey: make(map[string]int),
	}
	defer t.releaseAll()

	if err := fn(ctx, t); err != nil {
		return err
	}
	return s.commit(t)
}

type tx struct {
	s     *Store
	held  map[string]bool
	order []string

	// highest balance account locked so far, to reject out-of-order locking
	maxAccount domain.AccountID

	balances map[domain.AccountID]domain.Balance
	listings map[string]domain.Listing
	inserted map[string]bool
	mints    map[string]domain.MintRecord
	analyses map[string]domain.Analysis
	trades   []domain.Trade
	tradeKey map[string]int
}

var _ domain.Tx = (*tx)(nil)

func (t *tx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.rows.acquire(ctx, key); err != nil {
		return fmt.Errorf("memory: lock %s: %w", key, err)
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *tx) releaseAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.s.rows.release(t.order[i])
	}
	t.order = nil
}

func (t *tx) LockBalances(ctx context.Context, accounts ...domain.AccountID) (map[domain.AccountID]domain.Balance, error) {
	sorted := make([]domain.AccountID, 0, len(accounts))
	seen := make(map[domain.AccountID]bool, len(accounts))
	for _, a := range accounts {
		if !seen[a] {
			seen[a] = true
			sorted = append(sorted, a)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, a := range sorted {
		key := "balance:" + string(a)
		if t.held[key] {
			continue
		}
		if t.maxAccount != "" && a < t.maxAccount {
			return nil, fmt.Errorf("memory: balance %s locked after %s: %w", a, t.maxAccount, domain.ErrIntegrityViolation)
		}
		if err := t.lock(ctx, key); err != nil {
			return nil, err
		}
		t.maxAccount = a
	}

	out := make(map[domain.AccountID]domain.Balance, len(sorted))
	t.s.mu.RLock()
	for _, a := range sorted {
		if b, ok := t.balances[a]; ok {
			out[a] = b
		} else if b, ok := t.s.balances[a]; ok {
			out[a] = b
		} else {
			out[a] = domain.NewBalance(a)
		}
	}
	t.s.mu.RUnlock()
	return out, nil
}

func (t *tx) PutBalance(_ context.Context, b domain.Balance) error {
	if !t.held["balance:"+string(b.Account)] {
		return fmt.Errorf("memory: put balance %s without lock: %w", b.Account, domain.ErrIntegrityViolation)
	}
	b.UpdatedAt = t.s.now().UTC()
	t.balances[b.Account] = b
	return nil
}

func (t *tx) InsertMint(_ context.Context, m domain.MintRecord) error {
	t.s.mu.RLock()
	_, committed := t.s.mints[m.AnalysisID]
	t.s.mu.RUnlock()
	if _, staged := t.mints[m.AnalysisID]; committed || staged {
		return fmt.Errorf("memory: mint %s: %w", m.AnalysisID, domain.ErrAlreadyExists)
	}
	if m.MintedAt.IsZero() {
		m.MintedAt = t.s.now().UTC()
	}
	t.mints[m.AnalysisID] = m
	return nil
}

func (t *tx) InsertAnalysis(_ context.Context, a domain.Analysis) error {
	t.s.mu.RLock()
	_, committed := t.s.analyses[a.ID]
	t.s.mu.RUnlock()
	if _, staged := t.analyses[a.ID]; committed || staged {
		return fmt.Errorf("memory: analysis %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	t.analyses[a.ID] = a
	return nil
}

func (t *tx) LockListing(ctx context.Context, id string) (domain.Listing, error) {
	if err := t.lock(ctx, "listing:"+id); err != nil {
		return domain.Listing{}, err
	}
	if l, ok := t.listings[id]; ok {
		return l, nil
	}
	t.s.mu.RLock()
	l, ok := t.s.listings[id]
	t.s.mu.RUnlock()
	if !ok {
		return domain.Listing{}, fmt.Errorf("memory: listing %s: %w", id, domain.ErrNotFound)
	}
	return l, nil
}

func (t *tx) InsertListing(ctx context.Context, l domain.Listing) error {
	if err := t.lock(ctx, "listing:"+l.ID); err != nil {
		return err
	}
	t.s.mu.RLock()
	_, committed := t.s.listings[l.ID]
	t.s.mu.RUnlock()
	if _, staged := t.listings[l.ID]; committed || staged {
		return fmt.Errorf("memory: listing %s: %w", l.ID, domain.ErrAlreadyExists)
	}
	t.listings[l.ID] = l
	t.inserted[l.ID] = true
	return nil
}

func (t *tx) UpdateListing(_ context.Context, l domain.Listing) error {
	if !t.held["listing:"+l.ID] {
		return fmt.Errorf("memory: update listing %s without lock: %w", l.ID, domain.ErrIntegrityViolation)
	}
	l.UpdatedAt = t.s.now().UTC()
	t.listings[l.ID] = l
	return nil
}

func (t *tx) InsertTrade(_ context.Context, tr domain.Trade) error {
	t.s.mu.RLock()
	_, committed := t.s.tradeByKey[tr.IdempotencyKey]
	_, idTaken := t.s.trades[tr.ID]
	t.s.mu.RUnlock()
	if _, staged := t.tradeKey[tr.IdempotencyKey]; committed || staged || idTaken {
		return fmt.Errorf("memory: trade for key %q: %w", tr.IdempotencyKey, domain.ErrAlreadyExists)
	}
	t.tradeKey[tr.IdempotencyKey] = len(t.trades)
	t.trades = append(t.trades, tr)
	return nil
}

func (t *tx) TradeByIdempotencyKey(_ context.Context, key string) (domain.Trade, error) {
	if i, ok := t.tradeKey[key]; ok {
		return t.trades[i], nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.tradeByKeyLocked(key)
}

// commit re-checks uniqueness under the write lock, then applies every staged
// row. Nothing is applied if any check fails.
func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range t.mints {
		if _, ok := s.mints[id]; ok {
			return fmt.Errorf("memory: commit mint %s: %w", id, domain.ErrAlreadyExists)
		}
	}
	for id := range t.analyses {
		if _, ok := s.analyses[id]; ok {
			return fmt.Errorf("memory: commit analysis %s: %w", id, domain.ErrAlreadyExists)
		}
	}
	for id := range t.inserted {
		if _, ok := s.listings[id]; ok {
			return fmt.Errorf("memory: commit listing %s: %w", id, domain.ErrAlreadyExists)
		}
	}
	for _, tr := range t.trades {
		if _, ok := s.tradeByKey[tr.IdempotencyKey]; ok {
			return fmt.Errorf("memory: commit trade for key %q: %w", tr.IdempotencyKey, domain.ErrAlreadyExists)
		}
	}

	for a, b := range t.balances {
		s.balances[a] = b
	}
	for id, m := range t.mints {
		s.mints[id] = m
	}
	for id, a := range t.analyses {
		s.analyses[id] = a
	}
	for id, l := range t.listings {
		s.listings[id] = l
	}
	for _, tr := range t.trades {
		s.trades[tr.ID] = tr
		s.tradeByKey[tr.IdempotencyKey] = tr.ID
	}
	return nil
}
