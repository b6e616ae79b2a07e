package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/finfolio/holdings-engine/internal/model"
)

// MemoryStream implements Stream with buffered channels. Used for testing
// and development; deliveries do not survive a restart.
type MemoryStream struct {
	partitions []chan *Delivery
	dead       *MemoryDeadLetters
	mu         sync.Mutex
	seq        int
	acked      map[string]bool
}

// NewMemoryStream creates an in-memory stream with n partitions.
func NewMemoryStream(n int) *MemoryStream {
	if n < 1 {
		n = 1
	}
	parts := make([]chan *Delivery, n)
	for i := range parts {
		parts[i] = make(chan *Delivery, 256)
	}
	return &MemoryStream{
		partitions: parts,
		dead:       &MemoryDeadLetters{},
		acked:      make(map[string]bool),
	}
}

func (s *MemoryStream) Partitions() int { return len(s.partitions) }

// Publish appends an event to the partition derived from its user_id.
func (s *MemoryStream) Publish(_ context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.PublishRaw(ev.UserID, payload)
	return nil
}

// PublishRaw enqueues an arbitrary payload, keyed by userID. Lets tests
// deliver envelopes that do not decode as events.
func (s *MemoryStream) PublishRaw(userID string, payload []byte) {
	s.mu.Lock()
	s.seq++
	id := strconv.Itoa(s.seq)
	s.mu.Unlock()

	p := PartitionFor(userID, len(s.partitions))
	s.partitions[p] <- &Delivery{ID: id, Payload: payload}
}

func (s *MemoryStream) Source(partition int) Source {
	return &memorySource{stream: s, partition: partition}
}

func (s *MemoryStream) DeadLetters() DeadLetterSink { return s.dead }

// Acked reports whether the delivery with the given ID has been
// acknowledged.
func (s *MemoryStream) Acked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[id]
}

type memorySource struct {
	stream    *MemoryStream
	partition int
}

func (m *memorySource) Next(ctx context.Context) (*Delivery, error) {
	select {
	case d := <-m.stream.partitions[m.partition]:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memorySource) Ack(_ context.Context, d *Delivery) error {
	m.stream.mu.Lock()
	defer m.stream.mu.Unlock()
	m.stream.acked[d.ID] = true
	return nil
}

// MemoryDeadLetters collects dead letters in a slice for inspection.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []model.DeadLetter
	failErr error
}

func (m *MemoryDeadLetters) Send(_ context.Context, dl model.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.letters = append(m.letters, dl)
	return nil
}

// Letters returns a snapshot of everything dead-lettered so far.
func (m *MemoryDeadLetters) Letters() []model.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeadLetter, len(m.letters))
	copy(out, m.letters)
	return out
}

// FailWith makes subsequent sends return err; pass nil to restore.
func (m *MemoryDeadLetters) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}
