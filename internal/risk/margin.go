// Package risk implements the margin, liquidation, slippage and financing
// formulas of a leveraged position. Every operation is checked; a formula
// that would overflow or underflow returns an error instead of wrapping.
package risk

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/safemath"
)

// ValidateArgs checks the caller-supplied open parameters before any
// arithmetic runs on them.
func ValidateArgs(args model.PositionArgs) error {
	if args.Leverage < 1 || args.Leverage > model.MaxLeverage {
		return fmt.Errorf("%w: %d not in [1, %d]", model.ErrInvalidLeverage, args.Leverage, model.MaxLeverage)
	}
	if !args.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", model.ErrInvalidArgs, args.Direction)
	}
	switch args.PType {
	case model.Isolated:
	case model.Cross:
		return fmt.Errorf("%w: cross margin positions are not supported", model.ErrInvalidArgs)
	default:
		return fmt.Errorf("%w: position type %q", model.ErrInvalidArgs, args.PType)
	}
	if args.MarginRateNumerator > model.RateDenominator {
		return fmt.Errorf("%w: margin rate %d exceeds %d", model.ErrInvalidArgs, args.MarginRateNumerator, model.RateDenominator)
	}
	if args.SlippageNumerator > model.RateDenominator {
		return fmt.Errorf("%w: slippage %d exceeds %d", model.ErrInvalidArgs, args.SlippageNumerator, model.RateDenominator)
	}
	if args.LeverageMargin == 0 {
		return fmt.Errorf("%w: leverage margin must be positive", model.ErrInvalidArgs)
	}
	return nil
}

// Margin returns the collateral of a new position: leverage_margin / leverage.
func Margin(args model.PositionArgs) (uint64, error) {
	m, err := safemath.Div(args.LeverageMargin, args.Leverage)
	if err != nil {
		return 0, fmt.Errorf("%w: leverage must be non-zero", model.ErrInvalidArgs)
	}
	return m, nil
}

// MaintenanceMargin returns margin * margin_rate_numerator / 10000.
func MaintenanceMargin(p *model.Position) (uint64, error) {
	mm, err := safemath.MulDiv(p.Margin, p.MarginRateNumerator, model.RateDenominator)
	if err != nil {
		return 0, fmt.Errorf("%w: maintenance margin: %v", model.ErrInvalidArgs, err)
	}
	return mm, nil
}

// Bond returns the margin above maintenance margin: the cushion before
// liquidation.
func Bond(p *model.Position) (uint64, error) {
	mm, err := MaintenanceMargin(p)
	if err != nil {
		return 0, err
	}
	bond, err := safemath.Sub(p.Margin, mm)
	if err != nil {
		return 0, fmt.Errorf("%w: bond: margin rate %d exceeds %d", model.ErrInvalidArgs, p.MarginRateNumerator, model.RateDenominator)
	}
	return bond, nil
}

// LiquidationThreshold is the price at which the bond is exhausted:
// entry - bond for a long, entry + bond for a short.
func LiquidationThreshold(entry, bond uint64, dir model.Direction) (uint64, error) {
	var (
		price uint64
		err   error
	)
	switch dir {
	case model.Long:
		price, err = safemath.Sub(entry, bond)
	case model.Short:
		price, err = safemath.Add(entry, bond)
	default:
		return 0, fmt.Errorf("%w: direction %q", model.ErrInvalidArgs, dir)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: liquidation threshold: %v", model.ErrInvalidPrice, err)
	}
	return price, nil
}

// Liquidation recomputes p's threshold from its entry price and current bond.
func Liquidation(p *model.Position) (uint64, error) {
	bond, err := Bond(p)
	if err != nil {
		return 0, err
	}
	return LiquidationThreshold(p.LastPrice, bond, p.Direction)
}

// IsLiquidated reports whether price has reached p's liquidation threshold.
// The threshold price itself counts as liquidated.
func IsLiquidated(p *model.Position, price uint64) bool {
	switch p.Direction {
	case model.Long:
		return price <= p.Liquidation
	case model.Short:
		return price >= p.Liquidation
	}
	return false
}
