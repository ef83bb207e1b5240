package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidAnalysis = errors.New("invalid analysis")

	ErrInsufficientAvailableCredits = errors.New("insufficient available credits")
	ErrInsufficientLockedCredits    = errors.New("insufficient locked credits")
	ErrDuplicateMint                = errors.New("analysis already minted")

	ErrNotOwner     = errors.New("requester does not own the resource")
	ErrInvalidState = errors.New("invalid state transition")

	ErrListingNotOpen              = errors.New("listing is not open")
	ErrInsufficientListingQuantity = errors.New("insufficient listing quantity")
	ErrSelfTrade                   = errors.New("buyer is the listing seller")

	ErrIdempotencyKeyConflict = errors.New("idempotency key reused for a different request")
	ErrRequestInFlight        = errors.New("request with this idempotency key is still in flight")

	// Integrity faults. Never retried automatically.
	ErrOverfill           = errors.New("listing overfill")
	ErrIntegrityViolation = errors.New("ledger integrity violation")
)

// kinds maps each outcome-bearing sentinel to a stable identifier. The
// identifiers are persisted in idempotency records, so they must not change.
var kinds = []struct {
	kind string
	err  error
}{
	{"NotFound", ErrNotFound},
	{"InvalidRequest", ErrInvalidRequest},
	{"InvalidAmount", ErrInvalidAmount},
	{"InvalidAnalysis", ErrInvalidAnalysis},
	{"InsufficientAvailableCredits", ErrInsufficientAvailableCredits},
	{"InsufficientLockedCredits", ErrInsufficientLockedCredits},
	{"DuplicateMint", ErrDuplicateMint},
	{"NotOwner", ErrNotOwner},
	{"InvalidState", ErrInvalidState},
	{"ListingNotOpen", ErrListingNotOpen},
	{"InsufficientListingQuantity", ErrInsufficientListingQuantity},
	{"SelfTrade", ErrSelfTrade},
	{"IdempotencyKeyConflict", ErrIdempotencyKeyConflict},
	{"RequestInFlight", ErrRequestInFlight},
	{"Overfill", ErrOverfill},
	{"IntegrityViolation", ErrIntegrityViolation},
}

// ErrorKind returns the stable kind name of the first known sentinel wrapped
// by err, or "" when err carries none.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// KindError is the inverse of ErrorKind. Unknown kinds yield nil.
func KindError(kind string) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}

// IsIntegrityFault reports whether err signals a broken ledger invariant.
func IsIntegrityFault(err error) bool {
	return errors.Is(err, ErrOverfill) || errors.Is(err, ErrIntegrityViolation)
}
