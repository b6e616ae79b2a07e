package stream

import (
	"context"
	"errors"
	"testing"
)

func TestParseEvent_Valid(t *testing.T) {
	payload := []byte(`{
		"transaction_id": "tx1",
		"user_id": "user1",
		"type": "buy",
		"symbol": "AAPL",
		"quantity": "10",
		"amount": "1000",
		"timestamp": "2025-06-01T12:00:00Z"
	}`)

	ev, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.TransactionID != "tx1" || ev.UserID != "user1" || ev.Type != "buy" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Quantity.String() != "10" {
		t.Errorf("expected quantity 10, got %s", ev.Quantity)
	}
}

func TestParseEvent_InvalidJSON(t *testing.T) {
	_, err := ParseEvent([]byte(`{not json`))
	if !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestParseEvent_MissingIdentity(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"buy","symbol":"AAPL"}`))
	if !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("expected ErrMissingIdentity, got %v", err)
	}
}

func TestPartitionFor_StableAndInRange(t *testing.T) {
	const n = 8
	users := []string{"user1", "user2", "alice", "bob", ""}

	for _, u := range users {
		p := PartitionFor(u, n)
		if p < 0 || p >= n {
			t.Errorf("partition for %q out of range: %d", u, p)
		}
		// Same key must always map to the same partition, or per-user
		// ordering breaks.
		if again := PartitionFor(u, n); again != p {
			t.Errorf("partition for %q not stable: %d vs %d", u, p, again)
		}
	}
}

func TestMemoryStream_PartitionRouting(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStream(4)
	s.PublishRaw("user1", []byte(`a`))
	s.PublishRaw("user1", []byte(`b`))

	p := PartitionFor("user1", 4)
	src := s.Source(p)

	d1, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	d2, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	// Per-user order is preserved within the partition.
	if string(d1.Payload) != "a" || string(d2.Payload) != "b" {
		t.Errorf("expected in-order a,b got %q,%q", d1.Payload, d2.Payload)
	}

	if s.Acked(d1.ID) {
		t.Error("delivery should not be acked yet")
	}
	if err := src.Ack(ctx, d1); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if !s.Acked(d1.ID) {
		t.Error("delivery should be acked")
	}
}
