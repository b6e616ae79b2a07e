// Package ledger implements the pure reduction of transaction events into
// per-user, per-symbol positions with a running weighted-average cost basis.
//
// The reducer has no I/O and no clock: given the current position (nil when
// absent) and one event, it returns the new position and an outcome. The
// weighted average is recomputed from the full formula on every accepted buy
// rather than approximated incrementally, so repeated partial buys cannot
// drift:
//
//	new_avg = (old_qty*old_avg + event_qty*unit_price) / (old_qty + event_qty)
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"github.com/finfolio/holdings-engine/internal/model"
)

// CostScale is the number of decimal places for unit-price and average-cost
// division results.
const CostScale int32 = 8

// Outcome classifies the result of reducing one event.
type Outcome int

const (
	// OutcomeApplied means the position was created or updated.
	OutcomeApplied Outcome = iota

	// OutcomeDeleted means a sell drove the quantity to exactly zero and
	// the stored position must be removed, not written back as a zero row.
	OutcomeDeleted

	// OutcomeNoOp means the event does not touch position state
	// (deposits and withdrawals affect cash balances tracked elsewhere).
	OutcomeNoOp

	// OutcomeRejected means the event must not be applied and must not be
	// retried; Result.Reason says why.
	OutcomeRejected
)

// Rejection reasons, also used verbatim in dead-letter envelopes.
const (
	ReasonMalformed            = "Malformed"
	ReasonInsufficientHoldings = "InsufficientHoldings"
	ReasonStoreUnavailable     = "StoreUnavailable"
)

// Result is the outcome of reducing one event. Position is set only for
// OutcomeApplied; all other outcomes carry no state.
type Result struct {
	Outcome  Outcome
	Reason   string
	Position *model.Position
}

func rejected(reason string) Result {
	return Result{Outcome: OutcomeRejected, Reason: reason}
}

// Reduce applies one event to the current position for (event.UserID,
// event.Symbol). A nil current position is treated as quantity zero.
// The input position is never mutated.
func Reduce(current *model.Position, ev model.Event) Result {
	switch ev.Type {
	case model.TypeBuy:
		return reduceBuy(current, ev)
	case model.TypeSell:
		return reduceSell(current, ev)
	case model.TypeDeposit, model.TypeWithdrawal:
		if ev.Amount.IsNegative() {
			return rejected(ReasonMalformed)
		}
		return Result{Outcome: OutcomeNoOp}
	default:
		return rejected(ReasonMalformed)
	}
}

func reduceBuy(current *model.Position, ev model.Event) Result {
	if ev.Symbol == "" || !ev.Quantity.IsPositive() || ev.Amount.IsNegative() {
		return rejected(ReasonMalformed)
	}

	unitPrice := ev.Amount.DivRound(ev.Quantity, CostScale)

	if current == nil {
		return Result{
			Outcome: OutcomeApplied,
			Position: &model.Position{
				UserID:      ev.UserID,
				Symbol:      ev.Symbol,
				Quantity:    ev.Quantity,
				AverageCost: unitPrice,
				LastUpdated: ev.Timestamp,
			},
		}
	}

	newQty := current.Quantity.Add(ev.Quantity)
	totalCost := current.Quantity.Mul(current.AverageCost).
		Add(ev.Quantity.Mul(unitPrice))
	newAvg := totalCost.DivRound(newQty, CostScale)

	return Result{
		Outcome: OutcomeApplied,
		Position: &model.Position{
			UserID:      current.UserID,
			Symbol:      current.Symbol,
			Quantity:    newQty,
			AverageCost: newAvg,
			LastUpdated: ev.Timestamp,
		},
	}
}

func reduceSell(current *model.Position, ev model.Event) Result {
	if ev.Symbol == "" || !ev.Quantity.IsPositive() || ev.Amount.IsNegative() {
		return rejected(ReasonMalformed)
	}

	// A sell against an absent position and an over-quantity sell are the
	// same failure: the holdings cannot cover it.
	if current == nil || current.Quantity.LessThan(ev.Quantity) {
		return rejected(ReasonInsufficientHoldings)
	}

	newQty := current.Quantity.Sub(ev.Quantity)
	if newQty.IsZero() {
		return Result{Outcome: OutcomeDeleted}
	}

	// Selling never moves the average cost basis; only buys do.
	return Result{
		Outcome: OutcomeApplied,
		Position: &model.Position{
			UserID:      current.UserID,
			Symbol:      current.Symbol,
			Quantity:    newQty,
			AverageCost: current.AverageCost,
			LastUpdated: ev.Timestamp,
		},
	}
}
