package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

func owner(b byte) model.Pubkey {
	var k model.Pubkey
	k[0] = b
	return k
}

func openPosition(o model.Pubkey, idx uint32) *model.Position {
	return &model.Position{
		Owner:       o,
		Index:       idx,
		Status:      model.StatusOpen,
		PType:       model.Isolated,
		Direction:   model.Long,
		Leverage:    10,
		LastPrice:   30_000_000_500,
		Margin:      1_000_000,
		Liquidation: 27_000_000_000,
		Amount:      decimal.RequireFromString("0.000333333"),
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := openPosition(owner(1), 0)

	if err := s.CreatePosition(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Mutating the caller's copy must not leak into the store.
	p.Margin = 1

	got, err := s.GetPosition(ctx, model.PositionKey{Owner: owner(1), Index: 0})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Margin != 1_000_000 {
		t.Errorf("margin: got %d, want 1000000", got.Margin)
	}
	if !got.Amount.Equal(decimal.RequireFromString("0.000333333")) {
		t.Errorf("amount: got %s", got.Amount)
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreatePosition(ctx, openPosition(owner(1), 7)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreatePosition(ctx, openPosition(owner(1), 7))
	if !errors.Is(err, model.ErrPositionExists) {
		t.Errorf("expected ErrPositionExists, got %v", err)
	}
	// Same index, different owner is a different slot.
	if err := s.CreatePosition(ctx, openPosition(owner(2), 7)); err != nil {
		t.Errorf("other owner: %v", err)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	_, err := NewMemoryStore().GetPosition(context.Background(), model.PositionKey{Owner: owner(9)})
	if !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestMemoryStore_ListPositionsSortedByIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, idx := range []uint32{5, 1, 3} {
		if err := s.CreatePosition(ctx, openPosition(owner(1), idx)); err != nil {
			t.Fatalf("create %d: %v", idx, err)
		}
	}
	if err := s.CreatePosition(ctx, openPosition(owner(2), 0)); err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := s.ListPositions(ctx, owner(1))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(list))
	}
	for i, want := range []uint32{1, 3, 5} {
		if list[i].Index != want {
			t.Errorf("position %d: got index %d, want %d", i, list[i].Index, want)
		}
	}
}

func TestMemoryStore_UpdateMargin(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := model.PositionKey{Owner: owner(1), Index: 0}
	if err := s.CreatePosition(ctx, openPosition(owner(1), 0)); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	if err := s.UpdateMargin(ctx, key, 1_000_000, 2_000_000, 24_000_000_000, now); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetPosition(ctx, key)
	if got.Margin != 2_000_000 || got.Liquidation != 24_000_000_000 || !got.UpdatedAt.Equal(now) {
		t.Errorf("unexpected position after update: %+v", got)
	}

	err := s.UpdateMargin(ctx, model.PositionKey{Owner: owner(3)}, 1, 1, 1, now)
	if !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestMemoryStore_ClosePosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := model.PositionKey{Owner: owner(1), Index: 0}
	if err := s.CreatePosition(ctx, openPosition(owner(1), 0)); err != nil {
		t.Fatalf("create: %v", err)
	}

	st := &model.Settlement{ID: "s-1", Owner: owner(1), Outcome: model.OutcomeGain, Amount: 1_200_000}
	if err := s.ClosePosition(ctx, key, 1_000_000, st); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := s.GetPosition(ctx, key); !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("closed position should be deleted, got %v", err)
	}
	settlements, _ := s.ListSettlements(ctx, owner(1))
	if len(settlements) != 1 || settlements[0].ID != "s-1" {
		t.Fatalf("expected one settlement, got %+v", settlements)
	}

	// A second close finds nothing and appends nothing.
	if err := s.ClosePosition(ctx, key, 1_000_000, st); !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
	settlements, _ = s.ListSettlements(ctx, owner(1))
	if len(settlements) != 1 {
		t.Errorf("expected settlements unchanged, got %d", len(settlements))
	}
}

func TestMemoryStore_ClosedStatusIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := openPosition(owner(1), 0)
	p.Status = model.StatusProcessed
	if err := s.CreatePosition(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.UpdateMargin(ctx, p.Key(), p.Margin, 1, 1, time.Now()); !errors.Is(err, model.ErrPositionClosed) {
		t.Errorf("update: expected ErrPositionClosed, got %v", err)
	}
	if err := s.ClosePosition(ctx, p.Key(), p.Margin, &model.Settlement{}); !errors.Is(err, model.ErrPositionClosed) {
		t.Errorf("close: expected ErrPositionClosed, got %v", err)
	}
}

func TestMemoryStore_StaleMarginConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := model.PositionKey{Owner: owner(1), Index: 0}
	if err := s.CreatePosition(ctx, openPosition(owner(1), 0)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Two writers both read margin 1_000_000; the first one wins.
	now := time.Unix(1_700_000_000, 0)
	if err := s.UpdateMargin(ctx, key, 1_000_000, 1_500_000, 25_000_000_000, now); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err := s.UpdateMargin(ctx, key, 1_000_000, 1_200_000, 26_000_000_000, now)
	if !errors.Is(err, model.ErrPositionConflict) {
		t.Fatalf("second update: expected ErrPositionConflict, got %v", err)
	}
	got, _ := s.LoadPosition(ctx, key)
	if got.Margin != 1_500_000 || got.Liquidation != 25_000_000_000 {
		t.Errorf("losing write leaked into the store: %+v", got)
	}

	// A settlement computed from the old margin is refused too.
	st := &model.Settlement{ID: "s-1", Owner: owner(1)}
	if err := s.ClosePosition(ctx, key, 1_000_000, st); !errors.Is(err, model.ErrPositionConflict) {
		t.Fatalf("close: expected ErrPositionConflict, got %v", err)
	}
	if settlements, _ := s.ListSettlements(ctx, owner(1)); len(settlements) != 0 {
		t.Errorf("expected no settlement, got %+v", settlements)
	}
}
