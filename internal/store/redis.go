package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// A read that races a write can put the pre-write row back into the cache,
// so cached reads may lag by up to the TTL. LoadPosition always goes to the
// primary and is the only read that feeds a write.
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

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.Owner))
	s.cachePosition(ctx, p)
	return nil
}

func (s *CachedStore) UpdateMargin(ctx context.Context, key model.PositionKey, from, margin, liquidation uint64, updatedAt time.Time) error {
	if err := s.primary.UpdateMargin(ctx, key, from, margin, liquidation, updatedAt); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, positionKey(key), positionsKey(key.Owner))
	return nil
}

func (s *CachedStore) ClosePosition(ctx context.Context, key model.PositionKey, margin uint64, st *model.Settlement) error {
	if err := s.primary.ClosePosition(ctx, key, margin, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(key), positionsKey(key.Owner))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(key)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, key)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, p)
	return p, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, owner model.Pubkey) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(owner)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, owner)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(owner), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.primary.LoadPosition(ctx, key)
}

func (s *CachedStore) ListSettlements(ctx context.Context, owner model.Pubkey) ([]model.Settlement, error) {
	return s.primary.ListSettlements(ctx, owner)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, p *model.Position) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.Key()), data, s.ttl)
	}
}

func positionKey(k model.PositionKey) string { return fmt.Sprintf("position:%s", k) }
func positionsKey(owner model.Pubkey) string { return fmt.Sprintf("positions:%s", owner) }
