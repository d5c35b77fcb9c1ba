// Package oracle produces price quotes for a feed pair, rebased to an
// instrument's decimal exponent.
//
// Cross rates follow the usual confidence-interval arithmetic of price
// oracles: both legs are normalized so price and confidence fit in 28 bits,
// divided at a 1e9 working scale, and the confidence of the ratio is the
// 1-norm of the two relative confidences.
package oracle

import (
	"math"
	"math/big"
)

const (
	pdExpo  int32  = -9
	pdScale uint64 = 1_000_000_000
	maxPdV  uint64 = (1 << 28) - 1
)

// Price is one feed's price with its confidence interval, both scaled by
// 10^Expo.
type Price struct {
	Price       int64  `json:"price" yaml:"price"`
	Conf        uint64 `json:"conf" yaml:"conf"`
	Expo        int32  `json:"expo" yaml:"expo"`
	PublishTime int64  `json:"publish_time" yaml:"publish_time"` // unix seconds
}

// InQuote returns p denominated in quote, rescaled to targetExpo.
// ok is false when the ratio is undefined or does not fit.
func (p Price) InQuote(quote Price, targetExpo int32) (Price, bool) {
	r, ok := p.Div(quote)
	if !ok {
		return Price{}, false
	}
	return r.ScaleToExponent(targetExpo)
}

// Div returns p / other with a combined confidence interval.
func (p Price) Div(other Price) (Price, bool) {
	base, ok := p.normalize()
	if !ok {
		return Price{}, false
	}
	quote, ok := other.normalize()
	if !ok || quote.Price == 0 {
		return Price{}, false
	}

	bp, bs := toUnsigned(base.Price)
	qp, qs := toUnsigned(quote.Price)

	// Both legs are at most 28 bits, so these products fit in 58 bits.
	mid := bp * pdScale / qp
	expo := int64(base.Expo) - int64(quote.Expo) + int64(pdExpo)
	if expo < math.MinInt32 || expo > math.MaxInt32 {
		return Price{}, false
	}

	quoteConfPct := quote.Conf * pdScale / qp
	conf := new(big.Int).SetUint64(base.Conf * pdScale / qp)
	second := new(big.Int).SetUint64(quoteConfPct)
	second.Mul(second, new(big.Int).SetUint64(mid))
	second.Quo(second, new(big.Int).SetUint64(pdScale))
	conf.Add(conf, second)
	if !conf.IsUint64() || conf.Uint64() == math.MaxUint64 {
		return Price{}, false
	}

	return Price{
		Price:       int64(mid) * bs * qs,
		Conf:        conf.Uint64(),
		Expo:        int32(expo),
		PublishTime: min(p.PublishTime, other.PublishTime),
	}, true
}

// ScaleToExponent rescales p to targetExpo. Scaling down truncates toward
// zero; scaling up fails on overflow.
func (p Price) ScaleToExponent(targetExpo int32) (Price, bool) {
	delta := int64(targetExpo) - int64(p.Expo)
	price, conf := p.Price, p.Conf
	for ; delta > 0 && (price != 0 || conf != 0); delta-- {
		price /= 10
		conf /= 10
	}
	for ; delta < 0; delta++ {
		if price > math.MaxInt64/10 || price < math.MinInt64/10 || conf > math.MaxUint64/10 {
			return Price{}, false
		}
		price *= 10
		conf *= 10
	}
	return Price{Price: price, Conf: conf, Expo: targetExpo, PublishTime: p.PublishTime}, true
}

func (p Price) normalize() (Price, bool) {
	v, sign := toUnsigned(p.Price)
	c := p.Conf
	e := p.Expo
	for v > maxPdV || c > maxPdV {
		if e == math.MaxInt32 {
			return Price{}, false
		}
		v /= 10
		c /= 10
		e++
	}
	return Price{Price: int64(v) * sign, Conf: c, Expo: e, PublishTime: p.PublishTime}, true
}

func toUnsigned(x int64) (uint64, int64) {
	if x == math.MinInt64 {
		return uint64(math.MaxInt64) + 1, -1
	}
	if x < 0 {
		return uint64(-x), -1
	}
	return uint64(x), 1
}
