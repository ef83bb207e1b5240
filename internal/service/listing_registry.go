package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leafline/greenledger/internal/domain"
)

// CreateListingRequest is a seller's offer of available credits.
type CreateListingRequest struct {
	PlantationID   string          `json:"plantation_id"`
	SellerID       string          `json:"-"`
	Quantity       decimal.Decimal `json:"quantity"`
	PricePerCredit decimal.Decimal `json:"price_per_credit"`
}

// ListingRegistry owns sell listings. Creating a listing locks the offered
// credits on the plantation account; cancelling unlocks what is left.
type ListingRegistry struct {
	uow         domain.UnitOfWork
	listings    domain.ListingStore
	plantations domain.PlantationStore
	txlog       *TransactionLog
	obs         Observer
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

// NewListingRegistry creates a ListingRegistry. plantations, txlog and obs
// may be nil; without a plantation directory ownership is not checked.
func NewListingRegistry(
	uow domain.UnitOfWork,
	listings domain.ListingStore,
	plantations domain.PlantationStore,
	txlog *TransactionLog,
	obs Observer,
	logger *slog.Logger,
) *ListingRegistry {
	if obs == nil {
		obs = nopObserver{}
	}
	return &ListingRegistry{
		uow:         uow,
		listings:    listings,
		plantations: plantations,
		txlog:       txlog,
		obs:         obs,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      logger.With(slog.String("component", "listing_registry")),
	}
}

// CreateListing locks req.Quantity on the plantation account and opens a
// listing for it. Nothing is created when the lock fails.
func (r *ListingRegistry) CreateListing(ctx context.Context, req CreateListingRequest) (domain.Listing, error) {
	if req.PlantationID == "" || req.SellerID == "" {
		return domain.Listing{}, fmt.Errorf("listing: create: %w: plantation_id and seller are required", domain.ErrInvalidRequest)
	}
	if !req.Quantity.IsPositive() || !req.PricePerCredit.IsPositive() {
		return domain.Listing{}, fmt.Errorf("listing: create: %w: quantity=%s price=%s",
			domain.ErrInvalidAmount, req.Quantity, req.PricePerCredit)
	}
	if err := r.checkOwner(ctx, req.PlantationID, req.SellerID); err != nil {
		return domain.Listing{}, err
	}

	now := r.now().UTC()
	l := domain.Listing{
		ID:             r.newID(),
		PlantationID:   req.PlantationID,
		SellerID:       req.SellerID,
		Total:          req.Quantity,
		Remaining:      req.Quantity,
		PricePerCredit: req.PricePerCredit,
		Status:         domain.ListingStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := r.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.InsertListing(ctx, l); err != nil {
			return err
		}
		_, err := lockTx(ctx, tx, l.Account(), l.Total)
		return err
	})
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing: create: %w", err)
	}

	r.obs.ListingChanged(l.Status)
	r.txlog.Record(ctx, domain.ChannelListings, EventListingCreated, l, map[string]any{
		"listing_id":       l.ID,
		"plantation_id":    l.PlantationID,
		"seller_id":        l.SellerID,
		"quantity":         l.Total.String(),
		"price_per_credit": l.PricePerCredit.String(),
	})
	r.logger.InfoContext(ctx, "listing created",
		slog.String("listing_id", l.ID),
		slog.String("plantation_id", l.PlantationID),
		slog.String("quantity", l.Total.String()),
		slog.String("price", l.PricePerCredit.String()),
	)
	return l, nil
}

// checkOwner rejects sellers the plantation directory does not list as the
// owner. Unknown plantations pass.
func (r *ListingRegistry) checkOwner(ctx context.Context, plantationID, sellerID string) error {
	if r.plantations == nil {
		return nil
	}
	p, err := r.plantations.GetPlantation(ctx, plantationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing: lookup plantation %s: %w", plantationID, err)
	}
	if p.OwnerID != sellerID {
		return fmt.Errorf("listing: %w: %s does not own plantation %s", domain.ErrNotOwner, sellerID, plantationID)
	}
	return nil
}

// CancelListing closes an open listing and returns its remaining credits to
// the seller's available balance.
func (r *ListingRegistry) CancelListing(ctx context.Context, listingID, requesterID string) (domain.Listing, error) {
	var out domain.Listing
	err := r.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		l, err := tx.LockListing(ctx, listingID)
		if err != nil {
			return err
		}
		if l.SellerID != requesterID {
			return fmt.Errorf("%w: %s is not the seller of listing %s", domain.ErrNotOwner, requesterID, l.ID)
		}
		if l.Status != domain.ListingStatusOpen {
			return fmt.Errorf("%w: listing %s is %s", domain.ErrInvalidState, l.ID, l.Status)
		}

		if l.Remaining.IsPositive() {
			if _, err := unlockTx(ctx, tx, l.Account(), l.Remaining); err != nil {
				return err
			}
		}
		l.Remaining = decimal.Zero
		l.Status = domain.ListingStatusCancelled
		l.UpdatedAt = r.now().UTC()
		if err := l.Check(); err != nil {
			return err
		}
		out = l
		return tx.UpdateListing(ctx, l)
	})
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing: cancel %s: %w", listingID, err)
	}

	r.obs.ListingChanged(out.Status)
	r.txlog.Record(ctx, domain.ChannelListings, EventListingCancelled, out, map[string]any{
		"listing_id":   out.ID,
		"requester_id": requesterID,
	})
	r.logger.InfoContext(ctx, "listing cancelled", slog.String("listing_id", out.ID))
	return out, nil
}

// GetListing returns one listing.
func (r *ListingRegistry) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	l, err := r.listings.GetListing(ctx, id)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing: get %s: %w", id, err)
	}
	return l, nil
}

// ListOpen returns open listings, newest first.
func (r *ListingRegistry) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	ls, err := r.listings.ListOpen(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing: list open: %w", err)
	}
	return ls, nil
}

// ListByPlantation returns a plantation's listings.
func (r *ListingRegistry) ListByPlantation(ctx context.Context, plantationID string, openOnly bool) ([]domain.Listing, error) {
	ls, err := r.listings.ListByPlantation(ctx, plantationID, openOnly)
	if err != nil {
		return nil, fmt.Errorf("listing: list for plantation %s: %w", plantationID, err)
	}
	return ls, nil
}

// reduceRemaining takes amount off a locked listing. Exceeding the remaining
// quantity is an integrity fault: callers check quantity before getting here.
func reduceRemaining(l domain.Listing, amount decimal.Decimal, now time.Time) (domain.Listing, error) {
	if amount.GreaterThan(l.Remaining) {
		return domain.Listing{}, fmt.Errorf("%w: listing %s remaining=%s, fill=%s",
			domain.ErrOverfill, l.ID, l.Remaining, amount)
	}
	l.Remaining = l.Remaining.Sub(amount)
	if l.Remaining.IsZero() {
		l.Status = domain.ListingStatusFilled
	}
	l.UpdatedAt = now
	return l, l.Check()
}
