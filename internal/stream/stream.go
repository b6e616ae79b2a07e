// Package stream abstracts the partitioned transaction-event transport.
// The broker sits behind three narrow capabilities — poll next, ack, and
// dead-letter send — so the consumer core never depends on a specific
// message-broker client. The production implementation uses Redis Streams;
// an in-memory implementation backs the tests.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/finfolio/holdings-engine/internal/model"
)

var (
	// ErrBadEnvelope is returned when a payload cannot be decoded as a
	// transaction event envelope.
	ErrBadEnvelope = errors.New("stream: malformed event envelope")

	// ErrMissingIdentity is returned when an envelope decodes but lacks
	// transaction_id or user_id, leaving no stable idempotency key.
	ErrMissingIdentity = errors.New("stream: envelope missing transaction_id or user_id")
)

// Delivery is one message pulled from a partition. ID is the broker-side
// offset used to acknowledge it.
type Delivery struct {
	ID      string
	Payload []byte
}

// Source yields deliveries for exactly one partition, in order. Next blocks
// until a delivery is available or ctx is done.
type Source interface {
	Next(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
}

// DeadLetterSink receives events that are permanently rejected or have
// exhausted their retry budget.
type DeadLetterSink interface {
	Send(ctx context.Context, dl model.DeadLetter) error
}

// Stream is a partitioned event transport. Partition ordering is the only
// ordering guarantee; the partitioner keys on user_id so all of one user's
// events flow through one source.
type Stream interface {
	Partitions() int
	Source(partition int) Source
	DeadLetters() DeadLetterSink
}

// ParseEvent decodes a wire envelope into an Event. Structural validity
// only: field rules per event type (required symbol, positive quantity) are
// the reducer's concern, but an envelope without identity fields is useless
// to the idempotency ledger and is rejected here.
func ParseEvent(payload []byte) (model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if ev.TransactionID == "" || ev.UserID == "" {
		return model.Event{}, ErrMissingIdentity
	}
	return ev, nil
}

// PartitionFor maps a partition key (user_id) onto one of n partitions.
// Producers and consumers must agree on this mapping so broker-level
// ordering aligns with per-user ordering.
func PartitionFor(userID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}
