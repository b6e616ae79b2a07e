// Package model defines the core domain types shared across the holdings
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event types consumed from the transaction stream.
const (
	TypeBuy        = "buy"
	TypeSell       = "sell"
	TypeDeposit    = "deposit"
	TypeWithdrawal = "withdrawal"
)

// Event is one immutable transaction fact consumed from the stream.
// Symbol and Quantity are required for buy/sell and absent for
// deposit/withdrawal; Amount is the total cash value of the transaction.
type Event struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Type          string          `json:"type"`
	Symbol        string          `json:"symbol,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Position is a user's aggregate holding in one symbol. A position with
// zero quantity is never stored; it is deleted instead. AverageCost is the
// quantity-weighted mean unit price over all accepted buys and is only
// meaningful while Quantity > 0.
type Position struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
	LastUpdated time.Time       `json:"last_updated" db:"last_updated"`
}

// DeadLetter wraps an event that was permanently rejected or exhausted its
// retry budget. Payload is the original wire envelope, untouched, so
// reconciliation sees exactly what was delivered.
type DeadLetter struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failed_at"`
}
