package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryFeeds is an in-process FeedSource. Used for tests and for feeds
// seeded from the config file.
type MemoryFeeds struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewMemoryFeeds creates an empty in-memory feed set.
func NewMemoryFeeds() *MemoryFeeds {
	return &MemoryFeeds{prices: make(map[string]Price)}
}

func (f *MemoryFeeds) Price(_ context.Context, feedID string) (Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[feedID]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feedID)
	}
	return p, nil
}

func (f *MemoryFeeds) Publish(_ context.Context, feedID string, p Price) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prices[feedID] = p
	return nil
}

// RedisFeeds stores each feed as a hash so that external publishers can
// update it with a single HSET.
type RedisFeeds struct {
	rdb *redis.Client
}

// NewRedisFeeds creates a feed source backed by rdb.
func NewRedisFeeds(rdb *redis.Client) *RedisFeeds {
	return &RedisFeeds{rdb: rdb}
}

func (f *RedisFeeds) Price(ctx context.Context, feedID string) (Price, error) {
	vals, err := f.rdb.HGetAll(ctx, feedKey(feedID)).Result()
	if err != nil {
		return Price{}, fmt.Errorf("read feed %s: %w", feedID, err)
	}
	if len(vals) == 0 {
		return Price{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feedID)
	}

	var p Price
	var errs []error
	p.Price, err = strconv.ParseInt(vals["price"], 10, 64)
	errs = append(errs, err)
	p.Conf, err = strconv.ParseUint(vals["conf"], 10, 64)
	errs = append(errs, err)
	expo, err := strconv.ParseInt(vals["expo"], 10, 32)
	errs = append(errs, err)
	p.Expo = int32(expo)
	p.PublishTime, err = strconv.ParseInt(vals["publish_time"], 10, 64)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return Price{}, fmt.Errorf("malformed feed %s: %w", feedID, err)
	}
	return p, nil
}

func (f *RedisFeeds) Publish(ctx context.Context, feedID string, p Price) error {
	err := f.rdb.HSet(ctx, feedKey(feedID),
		"price", strconv.FormatInt(p.Price, 10),
		"conf", strconv.FormatUint(p.Conf, 10),
		"expo", strconv.FormatInt(int64(p.Expo), 10),
		"publish_time", strconv.FormatInt(p.PublishTime, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("publish feed %s: %w", feedID, err)
	}
	return nil
}

func feedKey(id string) string { return fmt.Sprintf("feed:%s", id) }
