package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// pausingStore holds the next GetPosition after it has read the row, until
// release is closed.
type pausingStore struct {
	*MemoryStore

	mu      sync.Mutex
	read    chan struct{}
	release chan struct{}
}

func (s *pausingStore) pauseNextRead() (read, release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = make(chan struct{})
	s.release = make(chan struct{})
	return s.read, s.release
}

func (s *pausingStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	p, err := s.MemoryStore.GetPosition(ctx, key)

	s.mu.Lock()
	read, release := s.read, s.release
	s.read, s.release = nil, nil
	s.mu.Unlock()

	if read != nil {
		close(read)
		<-release
	}
	return p, err
}

func newCachedStore(t *testing.T, primary Store) (*CachedStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCachedStore(primary, rdb, time.Minute), rdb
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	cs, rdb := newCachedStore(t, NewMemoryStore())
	p := openPosition(owner(1), 0)
	if err := cs.CreatePosition(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	if n, _ := rdb.Exists(ctx, positionKey(p.Key())).Result(); n != 1 {
		t.Fatal("expected create to populate the cache")
	}
	got, err := cs.GetPosition(ctx, p.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Margin != p.Margin || !got.Amount.Equal(p.Amount) {
		t.Errorf("cached position differs: %+v", got)
	}

	if err := cs.UpdateMargin(ctx, p.Key(), p.Margin, 2_000_000, 24_000_000_000, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if n, _ := rdb.Exists(ctx, positionKey(p.Key()), positionsKey(p.Owner)).Result(); n != 0 {
		t.Error("expected update to invalidate the cache")
	}
	got, _ = cs.GetPosition(ctx, p.Key())
	if got.Margin != 2_000_000 {
		t.Errorf("expected refreshed margin 2000000, got %d", got.Margin)
	}
}

// A cache read racing a margin update can put the old row back into Redis.
// Writers must not build on that row.
func TestCachedStore_RacingReadDoesNotFeedWrites(t *testing.T) {
	ctx := context.Background()
	primary := &pausingStore{MemoryStore: NewMemoryStore()}
	cs, rdb := newCachedStore(t, primary)

	p := openPosition(owner(1), 0)
	key := p.Key()
	if err := cs.CreatePosition(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	rdb.Del(ctx, positionKey(key))

	read, release := primary.pauseNextRead()
	done := make(chan struct{})
	go func() {
		defer close(done)
		cs.GetPosition(ctx, key)
	}()

	<-read
	if err := cs.UpdateMargin(ctx, key, 1_000_000, 1_500_000, 25_000_000_000, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	close(release)
	<-done

	cached, err := cs.GetPosition(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cached.Margin != 1_000_000 {
		t.Fatalf("expected the racing read to have cached margin 1000000, got %d", cached.Margin)
	}

	fresh, err := cs.LoadPosition(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fresh.Margin != 1_500_000 {
		t.Errorf("load: expected primary margin 1500000, got %d", fresh.Margin)
	}

	// A write computed from the cached row is refused.
	err = cs.UpdateMargin(ctx, key, cached.Margin, cached.Margin+100, cached.Liquidation, time.Now())
	if !errors.Is(err, model.ErrPositionConflict) {
		t.Fatalf("expected ErrPositionConflict, got %v", err)
	}
	if after, _ := cs.LoadPosition(ctx, key); after.Margin != 1_500_000 {
		t.Errorf("primary margin changed to %d", after.Margin)
	}
}

func TestCachedStore_CloseInvalidates(t *testing.T) {
	ctx := context.Background()
	cs, rdb := newCachedStore(t, NewMemoryStore())
	p := openPosition(owner(2), 4)
	if err := cs.CreatePosition(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := cs.ListPositions(ctx, p.Owner); err != nil {
		t.Fatalf("list: %v", err)
	}

	st := &model.Settlement{ID: "s-1", Owner: p.Owner, Index: p.Index}
	if err := cs.ClosePosition(ctx, p.Key(), p.Margin, st); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n, _ := rdb.Exists(ctx, positionKey(p.Key()), positionsKey(p.Owner)).Result(); n != 0 {
		t.Error("expected close to invalidate the cache")
	}
	if _, err := cs.GetPosition(ctx, p.Key()); !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
	settlements, _ := cs.ListSettlements(ctx, p.Owner)
	if len(settlements) != 1 {
		t.Errorf("expected one settlement, got %d", len(settlements))
	}
}
