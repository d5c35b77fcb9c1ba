package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/perp-engine/internal/model"
)

// ErrFeedNotFound is returned by a FeedSource for an unknown feed.
var ErrFeedNotFound = errors.New("oracle: feed not found")

// Quote is a cross-rate price already rebased to the requested exponent.
type Quote struct {
	Price int64  `json:"price"`
	Conf  uint64 `json:"conf"`
	Expo  int32  `json:"expo"`
}

// Oracle quotes feedA denominated in feedB at exponent -decimals.
// Missing or malformed feeds fail with model.ErrInvalidPriceAccount;
// stale feeds and undefined cross rates fail with model.ErrInvalidPrice.
type Oracle interface {
	Quote(ctx context.Context, feedA, feedB string, decimals uint8) (Quote, error)
}

// FeedSource returns the latest published price of a single feed.
type FeedSource interface {
	Price(ctx context.Context, feedID string) (Price, error)
}

// FeedPublisher accepts new prices for a feed.
type FeedPublisher interface {
	Publish(ctx context.Context, feedID string, p Price) error
}

// FeedOracle computes quotes from a FeedSource. Each call reads the feeds
// afresh; quotes are never cached.
type FeedOracle struct {
	feeds  FeedSource
	maxAge time.Duration
	now    func() time.Time
}

// NewFeedOracle creates an oracle over feeds. A positive maxAge rejects
// prices published longer ago than maxAge.
func NewFeedOracle(feeds FeedSource, maxAge time.Duration) *FeedOracle {
	return &FeedOracle{feeds: feeds, maxAge: maxAge, now: time.Now}
}

// Quote implements Oracle. An empty feedB quotes feedA as-is.
func (o *FeedOracle) Quote(ctx context.Context, feedA, feedB string, decimals uint8) (Quote, error) {
	target := -int32(decimals)

	a, err := o.load(ctx, feedA)
	if err != nil {
		return Quote{}, err
	}

	var cross Price
	var ok bool
	if feedB == "" {
		cross, ok = a.ScaleToExponent(target)
	} else {
		b, err := o.load(ctx, feedB)
		if err != nil {
			return Quote{}, err
		}
		cross, ok = a.InQuote(b, target)
	}
	if !ok {
		return Quote{}, fmt.Errorf("%w: cannot price %s in %s at expo %d", model.ErrInvalidPrice, feedA, feedB, target)
	}
	return Quote{Price: cross.Price, Conf: cross.Conf, Expo: cross.Expo}, nil
}

func (o *FeedOracle) load(ctx context.Context, feedID string) (Price, error) {
	if feedID == "" {
		return Price{}, fmt.Errorf("%w: empty feed id", model.ErrInvalidPriceAccount)
	}
	p, err := o.feeds.Price(ctx, feedID)
	if err != nil {
		return Price{}, fmt.Errorf("%w: feed %s: %v", model.ErrInvalidPriceAccount, feedID, err)
	}
	if o.maxAge > 0 {
		age := o.now().Sub(time.Unix(p.PublishTime, 0))
		if age > o.maxAge {
			return Price{}, fmt.Errorf("%w: feed %s is stale (%s old)", model.ErrInvalidPrice, feedID, age.Round(time.Second))
		}
	}
	return p, nil
}
