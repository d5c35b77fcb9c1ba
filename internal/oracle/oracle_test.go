package oracle

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	btc  = Price{Price: 30000_0000_0000, Conf: 5_0000_0000, Expo: -8, PublishTime: 1_700_000_000}
	usdc = Price{Price: 1_0000_0000, Conf: 25_000, Expo: -8, PublishTime: 1_700_000_005}
)

func TestInQuote_BTCInUSDC(t *testing.T) {
	got, ok := btc.InQuote(usdc, -6)
	require.True(t, ok)
	require.Equal(t, int64(30000_000_000), got.Price)
	require.Equal(t, uint64(12_500_000), got.Conf)
	require.Equal(t, int32(-6), got.Expo)
	require.Equal(t, btc.PublishTime, got.PublishTime)
}

func TestDiv(t *testing.T) {
	tests := []struct {
		name      string
		base      Price
		quote     Price
		wantPrice int64
		wantConf  uint64
		wantExpo  int32
	}{
		{"unit", Price{Price: 1, Expo: 0}, Price{Price: 1, Expo: 0}, 1_000_000_000, 0, -9},
		{"half", Price{Price: 1, Expo: 0}, Price{Price: 2, Expo: 0}, 500_000_000, 0, -9},
		{"negative base", Price{Price: -10, Expo: 0}, Price{Price: 5, Expo: 0}, -2_000_000_000, 0, -9},
		{"both negative", Price{Price: -10, Expo: 0}, Price{Price: -5, Expo: 0}, 2_000_000_000, 0, -9},
		{"conf adds", Price{Price: 100, Conf: 1, Expo: 0}, Price{Price: 1, Conf: 1, Expo: 0}, 100_000_000_000, 101_000_000_000, -9},
		{"expo difference", Price{Price: 1, Expo: -2}, Price{Price: 1, Expo: 3}, 1_000_000_000, 0, -14},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.base.Div(tt.quote)
			require.True(t, ok)
			require.Equal(t, tt.wantPrice, got.Price)
			require.Equal(t, tt.wantConf, got.Conf)
			require.Equal(t, tt.wantExpo, got.Expo)
		})
	}
}

func TestDiv_ZeroQuote(t *testing.T) {
	_, ok := btc.Div(Price{Price: 0, Conf: 10, Expo: -8})
	require.False(t, ok)
}

func TestDiv_MinInt64(t *testing.T) {
	got, ok := Price{Price: math.MinInt64, Expo: 0}.Div(Price{Price: 1, Expo: 0})
	require.True(t, ok)
	require.Less(t, got.Price, int64(0))
}

func TestScaleToExponent(t *testing.T) {
	p := Price{Price: 123_456, Conf: 789, Expo: -4}

	down, ok := p.ScaleToExponent(-2)
	require.True(t, ok)
	require.Equal(t, int64(1234), down.Price)
	require.Equal(t, uint64(7), down.Conf)

	up, ok := p.ScaleToExponent(-6)
	require.True(t, ok)
	require.Equal(t, int64(12_345_600), up.Price)
	require.Equal(t, uint64(78_900), up.Conf)

	neg, ok := Price{Price: -15, Expo: 0}.ScaleToExponent(1)
	require.True(t, ok)
	require.Equal(t, int64(-1), neg.Price)

	zero, ok := Price{Expo: -200}.ScaleToExponent(math.MaxInt32)
	require.True(t, ok)
	require.Equal(t, int64(0), zero.Price)

	_, ok = Price{Price: math.MaxInt64 / 5, Expo: 0}.ScaleToExponent(-1)
	require.False(t, ok)
	_, ok = Price{Price: 1, Conf: math.MaxUint64 / 5, Expo: 0}.ScaleToExponent(-1)
	require.False(t, ok)
}

func newOracle(t *testing.T, now time.Time) (*FeedOracle, *MemoryFeeds) {
	t.Helper()
	feeds := NewMemoryFeeds()
	require.NoError(t, feeds.Publish(context.Background(), "BTC", btc))
	require.NoError(t, feeds.Publish(context.Background(), "USDC", usdc))
	o := NewFeedOracle(feeds, time.Minute)
	o.now = func() time.Time { return now }
	return o, feeds
}

func TestFeedOracle_Quote(t *testing.T) {
	o, _ := newOracle(t, time.Unix(1_700_000_030, 0))

	q, err := o.Quote(context.Background(), "BTC", "USDC", 6)
	require.NoError(t, err)
	require.Equal(t, Quote{Price: 30000_000_000, Conf: 12_500_000, Expo: -6}, q)

	direct, err := o.Quote(context.Background(), "BTC", "", 6)
	require.NoError(t, err)
	require.Equal(t, Quote{Price: 30000_000_000, Conf: 5_000_000, Expo: -6}, direct)
}

func TestFeedOracle_MissingFeed(t *testing.T) {
	o, _ := newOracle(t, time.Unix(1_700_000_030, 0))

	_, err := o.Quote(context.Background(), "BTC", "EUR", 6)
	require.ErrorIs(t, err, model.ErrInvalidPriceAccount)

	_, err = o.Quote(context.Background(), "", "USDC", 6)
	require.ErrorIs(t, err, model.ErrInvalidPriceAccount)
}

func TestFeedOracle_Stale(t *testing.T) {
	o, _ := newOracle(t, time.Unix(1_700_000_000+3600, 0))

	_, err := o.Quote(context.Background(), "BTC", "USDC", 6)
	require.ErrorIs(t, err, model.ErrInvalidPrice)
}

func TestFeedOracle_ZeroQuotePrice(t *testing.T) {
	o, feeds := newOracle(t, time.Unix(1_700_000_030, 0))
	require.NoError(t, feeds.Publish(context.Background(), "USDC", Price{Conf: 1, Expo: -8, PublishTime: 1_700_000_010}))

	_, err := o.Quote(context.Background(), "BTC", "USDC", 6)
	require.ErrorIs(t, err, model.ErrInvalidPrice)
}

func TestMemoryFeeds_NotFound(t *testing.T) {
	_, err := NewMemoryFeeds().Price(context.Background(), "nope")
	require.True(t, errors.Is(err, ErrFeedNotFound))
}
