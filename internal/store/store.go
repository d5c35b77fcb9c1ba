// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/atmx/perp-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Lookups of a missing position return model.ErrPositionNotFound.
type Store interface {
	// --- Positions ---

	// CreatePosition persists a new open position. An existing record for the
	// same key fails with model.ErrPositionExists.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by owner and index. The result may
	// come from a cache and lag the primary by up to the cache TTL.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// LoadPosition reads a position from the source of truth, bypassing any
	// cache. Operations that write the position back must load it this way.
	LoadPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// ListPositions returns an owner's positions ordered by index.
	ListPositions(ctx context.Context, owner model.Pubkey) ([]model.Position, error)

	// UpdateMargin sets margin and liquidation of an open position whose
	// stored margin still equals from. A different stored margin fails with
	// model.ErrPositionConflict.
	UpdateMargin(ctx context.Context, key model.PositionKey, from, margin, liquidation uint64, updatedAt time.Time) error

	// --- Settlement ---

	// ClosePosition deletes an open position and appends its settlement in
	// one step; either both happen or neither does. The settlement was
	// computed from margin; a different stored margin fails with
	// model.ErrPositionConflict.
	ClosePosition(ctx context.Context, key model.PositionKey, margin uint64, s *model.Settlement) error

	// ListSettlements returns an owner's settlements, oldest first.
	ListSettlements(ctx context.Context, owner model.Pubkey) ([]model.Settlement, error)
}
