package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finfolio/holdings-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache on the holdings-query path. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Idempotency checks always hit the primary — they gate
// correctness and must not serve stale answers.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertPosition(ctx context.Context, pos *model.Position, transactionID string) error {
	if err := s.primary.UpsertPosition(ctx, pos, transactionID); err != nil {
		return err
	}
	s.rdb.Del(ctx, holdingsKey(pos.UserID))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, userID, symbol, transactionID string) error {
	if err := s.primary.DeletePosition(ctx, userID, symbol, transactionID); err != nil {
		return err
	}
	s.rdb.Del(ctx, holdingsKey(userID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, holdingsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss: read from primary.
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, holdingsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, symbol)
}

func (s *CachedStore) Applied(ctx context.Context, userID, transactionID string) (bool, error) {
	return s.primary.Applied(ctx, userID, transactionID)
}

func (s *CachedStore) MarkApplied(ctx context.Context, userID, transactionID string) error {
	return s.primary.MarkApplied(ctx, userID, transactionID)
}

func (s *CachedStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

func holdingsKey(userID string) string { return fmt.Sprintf("holdings:%s", userID) }
