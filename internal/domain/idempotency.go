package domain

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// IdempotencyState is the lifecycle of an idempotency record.
type IdempotencyState string

const (
	IdempotencyPending   IdempotencyState = "pending"
	IdempotencyCompleted IdempotencyState = "completed"
)

// IdempotencyRecord maps a client key to the request it was first used for
// and, once known, that request's outcome. LeaseToken names the current
// lease holder; every acquisition of the key gets a fresh one.
type IdempotencyRecord struct {
	Key         string           `json:"key"`
	Fingerprint string           `json:"fingerprint"`
	State       IdempotencyState `json:"state"`
	TradeID     string           `json:"trade_id,omitempty"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	LeasedAt    time.Time        `json:"leased_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	LeaseToken  string           `json:"-"`
}

// IdempotencyOutcome is what gets recorded against a key once a request has
// finished: either a trade id or a terminal error kind.
type IdempotencyOutcome struct {
	TradeID   string
	ErrorKind string
}

// Fingerprint identifies the logical content of a trade request.
func (r TradeRequest) Fingerprint() string {
	sum := blake2b.Sum256([]byte(r.BuyerID + "\x00" + r.ListingID + "\x00" + r.Quantity.String()))
	return hex.EncodeToString(sum[:])
}
