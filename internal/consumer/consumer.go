// Package consumer runs one worker per stream partition, reducing
// transaction events into stored positions. All of a user's events hash to
// one partition, so exactly one in-flight reduction can exist per
// (user, symbol) and no per-position locking is needed.
//
// Per event the worker: checks the idempotency ledger, loads the current
// position, invokes the pure reducer, commits the position mutation and the
// idempotency marker as one atomic unit, and only then acknowledges the
// delivery. Transient store failures retry with bounded exponential backoff
// without acknowledging; permanent rejections and exhausted retries go to
// the dead-letter sink and the offset advances so one poisoned message
// cannot block the partition.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finfolio/holdings-engine/internal/ledger"
	"github.com/finfolio/holdings-engine/internal/metrics"
	"github.com/finfolio/holdings-engine/internal/model"
	"github.com/finfolio/holdings-engine/internal/store"
	"github.com/finfolio/holdings-engine/internal/stream"
)

// Terminal outcome labels, used for metrics and logs.
const (
	outcomeApplied      = "applied"
	outcomeDeleted      = "deleted"
	outcomeNoOp         = "noop"
	outcomeRejected     = "rejected"
	outcomeDeduplicated = "deduplicated"
)

// Broadcaster receives applied position changes for fan-out (e.g. to
// WebSocket clients). Implementations must not block.
type Broadcaster interface {
	PositionApplied(pos *model.Position)
	PositionDeleted(userID, symbol string)
}

// Options tunes retry behavior and optional fan-out.
type Options struct {
	// Backoff shapes the retry delay after transient store failures.
	Backoff Backoff

	// MaxAttempts bounds apply attempts per event before dead-lettering
	// with StoreUnavailable. Zero means the default of 5.
	MaxAttempts int

	// Broadcaster, if non-nil, is notified after each durable commit.
	Broadcaster Broadcaster
}

// Consumer applies stream events to the position store. Dependencies are
// injected at construction; there are no package-level singletons.
type Consumer struct {
	store       store.Store
	stream      stream.Stream
	backoff     Backoff
	maxAttempts int
	broadcaster Broadcaster
}

// New creates a consumer over the given store and stream.
func New(st store.Store, str stream.Stream, opts Options) *Consumer {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoff := opts.Backoff
	if backoff == (Backoff{}) {
		backoff = DefaultBackoff()
	}
	return &Consumer{
		store:       st,
		stream:      str,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		broadcaster: opts.Broadcaster,
	}
}

// Run starts one worker per partition and blocks until ctx is canceled and
// all workers have stopped. Workers stop between events only; an event in
// flight either reaches a terminal state or is left unacknowledged for
// redelivery.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for p := 0; p < c.stream.Partitions(); p++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			c.worker(ctx, partition)
		}(p)
	}
	slog.Info("consumer started", "partitions", c.stream.Partitions())
	wg.Wait()
}

func (c *Consumer) worker(ctx context.Context, partition int) {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	src := c.stream.Source(partition)
	dlq := c.stream.DeadLetters()

	for {
		d, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("poll failed", "partition", partition, "err", err)
			if !sleepCtx(ctx, c.backoff.Next(1)) {
				return
			}
			continue
		}
		c.handle(ctx, src, dlq, d, partition)
		if ctx.Err() != nil {
			return
		}
	}
}

// handle drives one delivery to a terminal state (acknowledged). The only
// way out without acknowledging is shutdown: the worker never advances past
// an unresolved delivery, since a later same-user event committing ahead of
// an earlier non-terminal one would invert per-user order on redelivery.
func (c *Consumer) handle(ctx context.Context, src stream.Source, dlq stream.DeadLetterSink, d *stream.Delivery, partition int) {
	start := time.Now()

	ev, err := stream.ParseEvent(d.Payload)
	if err != nil {
		// No stable idempotency key; dead-letter so the partition is
		// not wedged by an undecodable payload.
		slog.Warn("undecodable event", "partition", partition, "delivery", d.ID, "err", err)
		if !c.deadLetterInPlace(ctx, dlq, d.Payload, ledger.ReasonMalformed) {
			return
		}
		metrics.EventsTotal.WithLabelValues("unknown", outcomeRejected).Inc()
		c.ack(ctx, src, d)
		return
	}

	for attempt := 1; ; attempt++ {
		outcome, err := c.applyOnce(ctx, dlq, ev, d.Payload)
		if err == nil {
			metrics.EventsTotal.WithLabelValues(ev.Type, outcome).Inc()
			metrics.ApplyLatency.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
			c.ack(ctx, src, d)
			return
		}

		if ctx.Err() != nil {
			// Shutting down mid-event: leave unacked, redelivery will
			// retry the whole unit behind the idempotency check.
			return
		}

		if attempt >= c.maxAttempts {
			slog.Error("retry budget exhausted",
				"tx", ev.TransactionID, "user", ev.UserID,
				"attempts", attempt, "err", err)
			if !c.deadLetterInPlace(ctx, dlq, d.Payload, ledger.ReasonStoreUnavailable) {
				return
			}
			metrics.EventsTotal.WithLabelValues(ev.Type, outcomeRejected).Inc()
			c.ack(ctx, src, d)
			return
		}

		metrics.StoreRetriesTotal.Inc()
		slog.Warn("store write failed, retrying",
			"tx", ev.TransactionID, "attempt", attempt, "err", err)
		if !sleepCtx(ctx, c.backoff.Next(attempt)) {
			return
		}
	}
}

// deadLetterInPlace sends to the sink, retrying with capped backoff until
// the send succeeds or ctx is canceled. A sink outage therefore blocks the
// partition on the current delivery rather than letting later events pass
// an unresolved one. Returns false on cancellation, leaving the delivery
// unacked for redelivery.
func (c *Consumer) deadLetterInPlace(ctx context.Context, dlq stream.DeadLetterSink, payload []byte, reason string) bool {
	for attempt := 1; ; attempt++ {
		err := c.deadLetter(ctx, dlq, payload, reason)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("dead-letter send failed, retrying",
			"reason", reason, "attempt", attempt, "err", err)
		if !sleepCtx(ctx, c.backoff.Next(attempt)) {
			return false
		}
	}
}

// applyOnce performs one apply attempt: idempotency check, load, reduce,
// atomic commit. Returned errors are transient (retryable); every non-error
// return is a terminal outcome.
func (c *Consumer) applyOnce(ctx context.Context, dlq stream.DeadLetterSink, ev model.Event, payload []byte) (string, error) {
	applied, err := c.store.Applied(ctx, ev.UserID, ev.TransactionID)
	if err != nil {
		return "", err
	}
	if applied {
		slog.Debug("duplicate delivery skipped", "tx", ev.TransactionID, "user", ev.UserID)
		return outcomeDeduplicated, nil
	}

	var current *model.Position
	if ev.Symbol != "" {
		current, err = c.store.GetPosition(ctx, ev.UserID, ev.Symbol)
		if err != nil && !errors.Is(err, store.ErrPositionNotFound) {
			return "", err
		}
	}

	res := ledger.Reduce(current, ev)

	switch res.Outcome {
	case ledger.OutcomeRejected:
		// A permanently rejected event is marked applied so redelivery
		// cannot retry it indefinitely. The sink send retries in place
		// with the rejection reason intact.
		if !c.deadLetterInPlace(ctx, dlq, payload, res.Reason) {
			return "", ctx.Err()
		}
		if err := c.store.MarkApplied(ctx, ev.UserID, ev.TransactionID); err != nil {
			return "", err
		}
		slog.Warn("event rejected",
			"tx", ev.TransactionID, "user", ev.UserID,
			"type", ev.Type, "reason", res.Reason)
		return outcomeRejected, nil

	case ledger.OutcomeApplied:
		if err := c.store.UpsertPosition(ctx, res.Position, ev.TransactionID); err != nil {
			return "", err
		}
		slog.Info("position updated",
			"tx", ev.TransactionID, "user", ev.UserID, "symbol", ev.Symbol,
			"qty", res.Position.Quantity.String(),
			"avg_cost", res.Position.AverageCost.String())
		if c.broadcaster != nil {
			c.broadcaster.PositionApplied(res.Position)
		}
		return outcomeApplied, nil

	case ledger.OutcomeDeleted:
		if err := c.store.DeletePosition(ctx, ev.UserID, ev.Symbol, ev.TransactionID); err != nil {
			return "", err
		}
		slog.Info("position closed",
			"tx", ev.TransactionID, "user", ev.UserID, "symbol", ev.Symbol)
		if c.broadcaster != nil {
			c.broadcaster.PositionDeleted(ev.UserID, ev.Symbol)
		}
		return outcomeDeleted, nil

	default: // ledger.OutcomeNoOp
		if err := c.store.MarkApplied(ctx, ev.UserID, ev.TransactionID); err != nil {
			return "", err
		}
		return outcomeNoOp, nil
	}
}

func (c *Consumer) deadLetter(ctx context.Context, dlq stream.DeadLetterSink, payload []byte, reason string) error {
	dl := model.DeadLetter{
		ID:       uuid.New().String(),
		Payload:  json.RawMessage(payload),
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
	if err := dlq.Send(ctx, dl); err != nil {
		return err
	}
	metrics.DeadLettersTotal.WithLabelValues(reason).Inc()
	return nil
}

func (c *Consumer) ack(ctx context.Context, src stream.Source, d *stream.Delivery) {
	if err := src.Ack(ctx, d); err != nil {
		// The commit is durable; a failed ack only means redelivery,
		// which the idempotency check absorbs.
		slog.Warn("ack failed", "delivery", d.ID, "err", err)
	}
}

// sleepCtx sleeps for dur or until ctx is done; returns false on cancel.
func sleepCtx(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
