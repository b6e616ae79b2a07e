package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finfolio/holdings-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var ts = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// weightedAverage is an independent oracle for the expected cost basis:
// the exact quantity-weighted mean of (quantity, unit price) pairs, rounded
// to CostScale.
func weightedAverage(quantities, prices []decimal.Decimal) decimal.Decimal {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for i := range quantities {
		totalQty = totalQty.Add(quantities[i])
		totalCost = totalCost.Add(quantities[i].Mul(prices[i]))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalCost.DivRound(totalQty, CostScale)
}

func buy(tx, symbol string, qty, amount float64) model.Event {
	return model.Event{
		TransactionID: tx,
		UserID:        "user1",
		Type:          model.TypeBuy,
		Symbol:        symbol,
		Quantity:      d(qty),
		Amount:        d(amount),
		Timestamp:     ts,
	}
}

func sell(tx, symbol string, qty, amount float64) model.Event {
	ev := buy(tx, symbol, qty, amount)
	ev.Type = model.TypeSell
	return ev
}

// --- Buy tests ---

func TestReduce_FirstBuyCreatesPosition(t *testing.T) {
	res := Reduce(nil, buy("tx1", "AAPL", 10, 1000))

	if res.Outcome != OutcomeApplied {
		t.Fatalf("expected Applied, got %v (reason %q)", res.Outcome, res.Reason)
	}
	if !res.Position.Quantity.Equal(d(10)) {
		t.Errorf("expected quantity 10, got %s", res.Position.Quantity)
	}
	if !res.Position.AverageCost.Equal(d(100)) {
		t.Errorf("expected average cost 100, got %s", res.Position.AverageCost)
	}
	if res.Position.LastUpdated != ts {
		t.Errorf("last_updated should come from the event, got %v", res.Position.LastUpdated)
	}
}

func TestReduce_BuyRecomputesWeightedAverage(t *testing.T) {
	// Buy 10 @ amount 1000 (price 100), then 5 @ amount 600 (price 120).
	// avg = (10*100 + 5*120) / 15 = 1600/15.
	res := Reduce(nil, buy("tx1", "AAPL", 10, 1000))
	res = Reduce(res.Position, buy("tx2", "AAPL", 5, 600))

	if res.Outcome != OutcomeApplied {
		t.Fatalf("expected Applied, got %v", res.Outcome)
	}
	if !res.Position.Quantity.Equal(d(15)) {
		t.Errorf("expected quantity 15, got %s", res.Position.Quantity)
	}
	want := decimal.NewFromInt(1600).DivRound(decimal.NewFromInt(15), CostScale)
	if !res.Position.AverageCost.Equal(want) {
		t.Errorf("expected average cost %s, got %s", want, res.Position.AverageCost)
	}
}

func TestReduce_WeightedAverageOrderIndependent(t *testing.T) {
	buys := []model.Event{
		buy("tx1", "AAPL", 10, 1000), // price 100
		buy("tx2", "AAPL", 5, 600),   // price 120
		buy("tx3", "AAPL", 25, 2000), // price 80
	}
	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}

	want := weightedAverage(
		[]decimal.Decimal{d(10), d(5), d(25)},
		[]decimal.Decimal{d(100), d(120), d(80)},
	)

	for _, order := range orders {
		var pos *model.Position
		for _, i := range order {
			res := Reduce(pos, buys[i])
			if res.Outcome != OutcomeApplied {
				t.Fatalf("order %v: expected Applied, got %v", order, res.Outcome)
			}
			pos = res.Position
		}
		if !pos.Quantity.Equal(d(40)) {
			t.Errorf("order %v: expected quantity 40, got %s", order, pos.Quantity)
		}
		if !pos.AverageCost.Equal(want) {
			t.Errorf("order %v: expected average cost %s, got %s",
				order, want, pos.AverageCost)
		}
	}
}

func TestReduce_BuyDoesNotMutateInput(t *testing.T) {
	current := &model.Position{
		UserID: "user1", Symbol: "AAPL",
		Quantity: d(10), AverageCost: d(100), LastUpdated: ts,
	}
	Reduce(current, buy("tx2", "AAPL", 5, 600))

	if !current.Quantity.Equal(d(10)) || !current.AverageCost.Equal(d(100)) {
		t.Errorf("input position mutated: qty=%s avg=%s",
			current.Quantity, current.AverageCost)
	}
}

// --- Sell tests ---

func TestReduce_SellKeepsAverageCost(t *testing.T) {
	current := &model.Position{
		UserID: "user1", Symbol: "AAPL",
		Quantity: d(15), AverageCost: d(106.5), LastUpdated: ts,
	}
	res := Reduce(current, sell("tx3", "AAPL", 5, 700))

	if res.Outcome != OutcomeApplied {
		t.Fatalf("expected Applied, got %v", res.Outcome)
	}
	if !res.Position.Quantity.Equal(d(10)) {
		t.Errorf("expected quantity 10, got %s", res.Position.Quantity)
	}
	if !res.Position.AverageCost.Equal(d(106.5)) {
		t.Errorf("sell must not move average cost, got %s", res.Position.AverageCost)
	}
}

func TestReduce_SellToZeroDeletes(t *testing.T) {
	current := &model.Position{
		UserID: "user1", Symbol: "AAPL",
		Quantity: d(15), AverageCost: d(106.5), LastUpdated: ts,
	}
	res := Reduce(current, sell("tx3", "AAPL", 15, 1500))

	if res.Outcome != OutcomeDeleted {
		t.Fatalf("expected Deleted, got %v", res.Outcome)
	}
	if res.Position != nil {
		t.Error("deletion outcome should carry no position")
	}
}

func TestReduce_OversellRejected(t *testing.T) {
	current := &model.Position{
		UserID: "user1", Symbol: "AAPL",
		Quantity: d(10), AverageCost: d(100), LastUpdated: ts,
	}
	res := Reduce(current, sell("tx3", "AAPL", 11, 1100))

	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected Rejected, got %v", res.Outcome)
	}
	if res.Reason != ReasonInsufficientHoldings {
		t.Errorf("expected reason %q, got %q", ReasonInsufficientHoldings, res.Reason)
	}
	// The attempted event leaves the position completely unchanged.
	if !current.Quantity.Equal(d(10)) || !current.AverageCost.Equal(d(100)) {
		t.Errorf("rejected sell mutated position: qty=%s avg=%s",
			current.Quantity, current.AverageCost)
	}
}

func TestReduce_SellAgainstAbsentPositionRejected(t *testing.T) {
	res := Reduce(nil, sell("tx1", "AAPL", 1, 100))

	if res.Outcome != OutcomeRejected || res.Reason != ReasonInsufficientHoldings {
		t.Errorf("expected Rejected(InsufficientHoldings), got %v (%q)",
			res.Outcome, res.Reason)
	}
}

func TestReduce_FullScenario(t *testing.T) {
	// Buy 10 @ 1000, buy 5 @ 600, sell 15 (deletes), sell 1 more (rejects).
	res := Reduce(nil, buy("tx1", "AAPL", 10, 1000))
	if !res.Position.AverageCost.Equal(d(100)) {
		t.Fatalf("after first buy expected avg 100, got %s", res.Position.AverageCost)
	}

	res = Reduce(res.Position, buy("tx2", "AAPL", 5, 600))
	want := decimal.NewFromInt(1600).DivRound(decimal.NewFromInt(15), CostScale)
	if !res.Position.AverageCost.Equal(want) {
		t.Fatalf("after second buy expected avg %s, got %s", want, res.Position.AverageCost)
	}

	res = Reduce(res.Position, sell("tx3", "AAPL", 15, 1600))
	if res.Outcome != OutcomeDeleted {
		t.Fatalf("expected Deleted, got %v", res.Outcome)
	}

	res = Reduce(nil, sell("tx4", "AAPL", 1, 100))
	if res.Outcome != OutcomeRejected || res.Reason != ReasonInsufficientHoldings {
		t.Errorf("expected Rejected(InsufficientHoldings), got %v (%q)",
			res.Outcome, res.Reason)
	}
}

// --- Deposit/withdrawal tests ---

func TestReduce_DepositIsNoOp(t *testing.T) {
	ev := model.Event{
		TransactionID: "tx1", UserID: "user1",
		Type: model.TypeDeposit, Amount: d(500), Timestamp: ts,
	}
	res := Reduce(nil, ev)
	if res.Outcome != OutcomeNoOp {
		t.Errorf("expected NoOp, got %v", res.Outcome)
	}
	if res.Position != nil {
		t.Error("deposit must not create a position")
	}
}

func TestReduce_WithdrawalIsNoOp(t *testing.T) {
	ev := model.Event{
		TransactionID: "tx1", UserID: "user1",
		Type: model.TypeWithdrawal, Amount: d(200), Timestamp: ts,
	}
	if res := Reduce(nil, ev); res.Outcome != OutcomeNoOp {
		t.Errorf("expected NoOp, got %v", res.Outcome)
	}
}

func TestReduce_NegativeDepositMalformed(t *testing.T) {
	ev := model.Event{
		TransactionID: "tx1", UserID: "user1",
		Type: model.TypeDeposit, Amount: d(-500), Timestamp: ts,
	}
	res := Reduce(nil, ev)
	if res.Outcome != OutcomeRejected || res.Reason != ReasonMalformed {
		t.Errorf("expected Rejected(Malformed), got %v (%q)", res.Outcome, res.Reason)
	}
}

// --- Malformed event tests ---

func TestReduce_MalformedEvents(t *testing.T) {
	tests := []struct {
		name string
		ev   model.Event
	}{
		{"buy zero quantity", buy("tx1", "AAPL", 0, 100)},
		{"buy negative quantity", buy("tx1", "AAPL", -5, 100)},
		{"buy negative amount", buy("tx1", "AAPL", 5, -100)},
		{"buy missing symbol", buy("tx1", "", 5, 100)},
		{"sell zero quantity", sell("tx1", "AAPL", 0, 100)},
		{"sell missing symbol", sell("tx1", "", 5, 100)},
		{"unknown type", model.Event{TransactionID: "tx1", UserID: "user1", Type: "transfer", Timestamp: ts}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Reduce(nil, tt.ev)
			if res.Outcome != OutcomeRejected || res.Reason != ReasonMalformed {
				t.Errorf("expected Rejected(Malformed), got %v (%q)",
					res.Outcome, res.Reason)
			}
		})
	}
}
