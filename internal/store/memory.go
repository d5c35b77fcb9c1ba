package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	positions   map[model.PositionKey]*model.Position
	settlements []model.Settlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[model.PositionKey]*model.Position),
	}
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.Key()
	if _, ok := s.positions[key]; ok {
		return fmt.Errorf("%w: %s", model.ErrPositionExists, key)
	}

	// Store a copy to avoid external mutation.
	cp := *p
	s.positions[key] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, key)
	}
	cp := *p
	return &cp, nil
}

// LoadPosition is GetPosition; there is no cache in front of a MemoryStore.
func (s *MemoryStore) LoadPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.GetPosition(ctx, key)
}

func (s *MemoryStore) ListPositions(_ context.Context, owner model.Pubkey) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Owner == owner {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

func (s *MemoryStore) UpdateMargin(_ context.Context, key model.PositionKey, from, margin, liquidation uint64, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.openLocked(key, from)
	if err != nil {
		return err
	}
	p.Margin = margin
	p.Liquidation = liquidation
	p.UpdatedAt = updatedAt
	return nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, key model.PositionKey, margin uint64, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.openLocked(key, margin); err != nil {
		return err
	}
	delete(s.positions, key)
	s.settlements = append(s.settlements, *st)
	return nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, owner model.Pubkey) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Settlement
	for _, st := range s.settlements {
		if st.Owner == owner {
			result = append(result, st)
		}
	}
	return result, nil
}

// openLocked returns the open position at key if its margin is still
// margin. Callers hold s.mu.
func (s *MemoryStore) openLocked(key model.PositionKey, margin uint64) (*model.Position, error) {
	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, key)
	}
	if p.Status != model.StatusOpen {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionClosed, key)
	}
	if p.Margin != margin {
		return nil, fmt.Errorf("%w: %s margin is %d, expected %d", model.ErrPositionConflict, key, p.Margin, margin)
	}
	return p, nil
}
