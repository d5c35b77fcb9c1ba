package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/safemath"
)

// SecondsPerDay is the financing bucket length.
const SecondsPerDay int64 = 86_400

// AmountScale is the number of fractional digits kept in an asset amount.
const AmountScale int32 = 18

// AssetAmount returns leverage_margin / price as a decimal, truncated (never
// rounded up) to AmountScale fractional digits.
func AssetAmount(leverageMargin, price uint64) (decimal.Decimal, error) {
	if price == 0 {
		return decimal.Zero, fmt.Errorf("%w: zero price", model.ErrInvalidPrice)
	}
	q, _ := safemath.Decimal(leverageMargin).QuoRem(safemath.Decimal(price), AmountScale)
	return q, nil
}

// FinancingDays returns the number of day buckets charged between
// createdAt and now. A same-second close is charged one full day.
func FinancingDays(createdAt, now int64) (uint64, error) {
	elapsed, err := safemath.SubInt64(now, createdAt)
	if err != nil {
		return 0, fmt.Errorf("%w: elapsed time from %d to %d: %v", model.ErrInvalidArgs, createdAt, now, err)
	}
	if elapsed < 0 {
		return 0, fmt.Errorf("%w: time %d before position creation %d", model.ErrInvalidArgs, now, createdAt)
	}
	if elapsed > math.MaxInt64-SecondsPerDay {
		return 0, fmt.Errorf("%w: elapsed time overflows", model.ErrInvalidArgs)
	}
	return uint64((elapsed + SecondsPerDay) / SecondsPerDay), nil
}

// OvernightFee returns trunc(amount * leverage * days * overnight_fee_numerator / 10000)
// for a position held until now.
func OvernightFee(p *model.Position, now int64) (uint64, error) {
	days, err := FinancingDays(p.CreatedAt, now)
	if err != nil {
		return 0, err
	}
	assets := p.Amount.Mul(safemath.Decimal(p.Leverage))
	fee, _ := assets.
		Mul(safemath.Decimal(days)).
		Mul(safemath.Decimal(p.OvernightFeeNumerator)).
		QuoRem(safemath.Decimal(model.RateDenominator), 0)
	out, err := safemath.TruncateUint64(fee)
	if err != nil {
		return 0, fmt.Errorf("%w: overnight fee: %v", model.ErrInvalidPrice, err)
	}
	return out, nil
}
