package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/finfolio/holdings-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). The single
// mutex makes the dual write trivially atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*model.Position // key: userID + "\x00" + symbol
	applied   map[string]time.Time       // key: userID + "\x00" + transactionID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
		applied:   make(map[string]time.Time),
	}
}

func key(a, b string) string { return a + "\x00" + b }

func (s *MemoryStore) GetPosition(_ context.Context, userID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key(userID, symbol)]
	if !ok {
		return nil, ErrPositionNotFound
	}
	// Return a copy to avoid external mutation.
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions, nil
}

func (s *MemoryStore) Applied(_ context.Context, userID, transactionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.applied[key(userID, transactionID)]
	return ok, nil
}

func (s *MemoryStore) MarkApplied(_ context.Context, userID, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applied[key(userID, transactionID)] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, pos *model.Position, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *pos
	s.positions[key(pos.UserID, pos.Symbol)] = &copy
	s.applied[key(pos.UserID, transactionID)] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, userID, symbol, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, key(userID, symbol))
	s.applied[key(userID, transactionID)] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }
