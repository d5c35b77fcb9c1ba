package position

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/perp-engine/internal/model"
)

// keyedMutex serializes operations per position key. Distinct keys do not
// contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[model.PositionKey]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[model.PositionKey]*refLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key model.PositionKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Clock supplies the entry timestamp and slot of new positions.
type Clock interface {
	Now() time.Time
	Slot() uint64
}

// SystemClock uses wall time and a process-local monotonically increasing
// slot counter.
type SystemClock struct {
	slot atomic.Uint64
}

func (c *SystemClock) Now() time.Time { return time.Now().UTC() }

func (c *SystemClock) Slot() uint64 { return c.slot.Add(1) }
