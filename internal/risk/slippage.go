package risk

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/safemath"
)

// ExecutionPrice returns the conservative entry price for a quote: the ask
// (price + conf) for a long, the bid (price - conf) for a short.
func ExecutionPrice(price int64, conf uint64, dir model.Direction) (uint64, error) {
	p, err := safemath.ToUnsigned(price)
	if err != nil {
		return 0, fmt.Errorf("%w: negative price %d", model.ErrInvalidPrice, price)
	}
	var exec uint64
	switch dir {
	case model.Long:
		exec, err = safemath.Add(p, conf)
	case model.Short:
		exec, err = safemath.Sub(p, conf)
	default:
		return 0, fmt.Errorf("%w: direction %q", model.ErrInvalidArgs, dir)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: execution price: %v", model.ErrInvalidPrice, err)
	}
	if exec == 0 {
		return 0, fmt.Errorf("%w: execution price is zero", model.ErrInvalidPrice)
	}
	return exec, nil
}

// ExitPrice returns the conservative closing price: the bid (price - conf)
// when selling a long, the ask (price + conf) when buying back a short.
func ExitPrice(price int64, conf uint64, dir model.Direction) (uint64, error) {
	switch dir {
	case model.Long:
		return ExecutionPrice(price, conf, model.Short)
	case model.Short:
		return ExecutionPrice(price, conf, model.Long)
	}
	return 0, fmt.Errorf("%w: direction %q", model.ErrInvalidArgs, dir)
}

// CheckSlippage rejects an execution price that moved against the caller by
// slippage_numerator/10000 or more relative to the observed args.Price.
// The observed price is rescaled from args.Expo to targetExpo first.
// Both bounds are inclusive: an exact-boundary fill is rejected.
func CheckSlippage(exec uint64, args model.PositionArgs, targetExpo int32) error {
	observed, err := safemath.Rescale(args.Price, args.Expo, targetExpo)
	if err != nil {
		return fmt.Errorf("%w: observed price: %v", model.ErrInvalidPrice, err)
	}

	switch args.Direction {
	case model.Long:
		factor, err := safemath.Add(model.RateDenominator, args.SlippageNumerator)
		if err != nil {
			return fmt.Errorf("%w: slippage: %v", model.ErrInvalidArgs, err)
		}
		limit, err := safemath.MulDiv(observed, factor, model.RateDenominator)
		if err != nil {
			return fmt.Errorf("%w: slippage limit: %v", model.ErrInvalidPrice, err)
		}
		if exec >= limit {
			return fmt.Errorf("%w: ask %d >= limit %d", model.ErrSlippageReached, exec, limit)
		}
	case model.Short:
		factor, err := safemath.Sub(model.RateDenominator, args.SlippageNumerator)
		if err != nil {
			return fmt.Errorf("%w: slippage: %v", model.ErrInvalidArgs, err)
		}
		limit, err := safemath.MulDiv(observed, factor, model.RateDenominator)
		if err != nil {
			return fmt.Errorf("%w: slippage limit: %v", model.ErrInvalidPrice, err)
		}
		if exec <= limit {
			return fmt.Errorf("%w: bid %d <= limit %d", model.ErrSlippageReached, exec, limit)
		}
	default:
		return fmt.Errorf("%w: direction %q", model.ErrInvalidArgs, args.Direction)
	}
	return nil
}
