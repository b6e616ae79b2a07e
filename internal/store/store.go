// Package store defines the persistence interface for positions and the
// idempotency ledger. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache for the query path), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/finfolio/holdings-engine/internal/model"
)

// ErrPositionNotFound is returned by GetPosition when no position exists
// for the (user, symbol) pair.
var ErrPositionNotFound = errors.New("store: position not found")

// Store is the persistence interface. The position mutation and the
// idempotency marker for one transaction are committed as a single atomic
// unit: a crash must never leave the marker written without the position
// update, nor vice versa.
type Store interface {
	// --- Position reads ---

	// GetPosition retrieves the position for one (user, symbol) pair.
	// Returns ErrPositionNotFound when absent.
	GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error)

	// ListPositions returns all positions held by a user, ordered by symbol.
	// This is the read contract consumed by downstream holdings-query callers.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Idempotency ledger ---

	// Applied reports whether the transaction has already been applied
	// for this user.
	Applied(ctx context.Context, userID, transactionID string) (bool, error)

	// MarkApplied records the idempotency marker alone, for events that
	// resolve without a position mutation (NoOp and permanent rejections).
	MarkApplied(ctx context.Context, userID, transactionID string) error

	// --- Atomic position mutations ---

	// UpsertPosition writes the position and the idempotency marker for
	// transactionID in one atomic unit.
	UpsertPosition(ctx context.Context, pos *model.Position, transactionID string) error

	// DeletePosition removes the position and writes the idempotency marker
	// for transactionID in one atomic unit.
	DeletePosition(ctx context.Context, userID, symbol, transactionID string) error

	// Ping verifies the store is reachable; used by readiness checks.
	Ping(ctx context.Context) error
}
