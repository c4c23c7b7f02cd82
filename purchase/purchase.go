// Package purchase defines the purchase lifecycle and the ledger capability
// that persists it.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a purchase.
type Status string

const (
	// StatusPending: buy transaction broadcast, not yet confirmed.
	StatusPending Status = "PENDING"
	// StatusHeld: buy confirmed, awaiting auto-sell maturity.
	StatusHeld Status = "HELD"
	// StatusSelling: a sell attempt is in flight.
	StatusSelling Status = "SELLING"
	// StatusRetrying: a failed sell has been re-queued.
	StatusRetrying Status = "RETRYING"
	// StatusSold: terminal, sell confirmed.
	StatusSold Status = "SOLD"
	// StatusCancelled: terminal, auto-sell cancelled by the user.
	StatusCancelled Status = "CANCELLED"
)

// ErrNotFound is returned when no purchase exists for a transaction hash.
var ErrNotFound = errors.New("purchase: not found")

// ErrInvalidTransition is returned when a status change violates the
// lifecycle state machine.
var ErrInvalidTransition = errors.New("purchase: invalid status transition")

// transitions enumerates the permitted lifecycle edges.
var transitions = map[Status][]Status{
	StatusPending:   {StatusHeld, StatusCancelled, StatusRetrying},
	StatusHeld:      {StatusSelling, StatusCancelled, StatusRetrying},
	StatusSelling:   {StatusSold, StatusHeld, StatusRetrying},
	StatusRetrying:  {StatusSelling, StatusHeld},
	StatusSold:      nil,
	StatusCancelled: nil,
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusSold || s == StatusCancelled
}

// CanCancel reports whether a user may cancel the auto-sell in this state.
func (s Status) CanCancel() bool {
	return s == StatusPending || s == StatusHeld
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Purchase is the central persisted entity, keyed by its buy transaction
// hash. Fields other than status, sell hash, and worker id are immutable
// once the record is created.
type Purchase struct {
	TxHash            string
	TokenAddress      string
	TokenSymbol       string
	TokenName         string
	TokenDecimals     int
	StablecoinAddress string
	StablecoinSymbol  string
	AmountIn          string
	AmountOut         string
	ChainID           uint64
	WalletAddress     string
	PurchaseTime      time.Time
	AutoSellTime      time.Time
	Status            Status
	SellTxHash        string
	WorkerID          string
}

// Validate checks the invariants required before a purchase is persisted.
func (p Purchase) Validate() error {
	if strings.TrimSpace(p.TxHash) == "" {
		return fmt.Errorf("purchase: tx hash required")
	}
	if strings.TrimSpace(p.TokenAddress) == "" {
		return fmt.Errorf("purchase: token address required")
	}
	if strings.TrimSpace(p.WalletAddress) == "" {
		return fmt.Errorf("purchase: wallet address required")
	}
	if p.ChainID == 0 {
		return fmt.Errorf("purchase: chain id required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("purchase: unknown status %q", p.Status)
	}
	return nil
}

// Ledger is the durable store of purchases. Implementations must apply
// status changes atomically with respect to concurrent readers: a
// read-modify-write of status may never interleave with a stale read.
type Ledger interface {
	// Create persists a new purchase. The tx hash must be unique.
	Create(ctx context.Context, p Purchase) error
	// Get loads a purchase by buy transaction hash, or ErrNotFound.
	Get(ctx context.Context, txHash string) (Purchase, error)
	// UpdateStatus atomically moves the purchase to next, failing with
	// ErrInvalidTransition when the lifecycle forbids the edge.
	UpdateStatus(ctx context.Context, txHash string, next Status) error
	// UpdateSold atomically marks the purchase SOLD and records the sell
	// transaction hash.
	UpdateSold(ctx context.Context, txHash, sellTxHash string) error
	// UpdateWorkerID records the durable job identifier for the purchase.
	UpdateWorkerID(ctx context.Context, txHash, workerID string) error
	// ListByStatus returns purchases in any of the provided states.
	ListByStatus(ctx context.Context, statuses ...Status) ([]Purchase, error)
	// ListDue returns non-terminal purchases whose auto-sell time has
	// passed.
	ListDue(ctx context.Context, now time.Time) ([]Purchase, error)
}
