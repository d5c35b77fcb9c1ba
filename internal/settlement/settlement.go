// Package settlement computes the margin owed back to a position's owner
// when an authenticated attestation closes it.
package settlement

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/safemath"
)

// Result is the outcome of settling one position.
type Result struct {
	Outcome      string
	ExitPrice    uint64
	OvernightFee uint64
	Amount       uint64
}

// Liquidated returns the liquidation residual: maintenance margin less the
// overnight fee accrued until at, floored at zero.
func Liquidated(p *model.Position, at int64) (Result, error) {
	mm, err := risk.MaintenanceMargin(p)
	if err != nil {
		return Result{}, err
	}
	fee, err := risk.OvernightFee(p, at)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Outcome:      model.OutcomeLiquidated,
		OvernightFee: fee,
		Amount:       safemath.SaturatingSub(mm, fee),
	}, nil
}

// Close settles a position that was not liquidated, at the conservative exit
// price of q with fees accrued until at.
//
// A loss pays margin - |entry - exit| - fee. A gain pays
// margin - fee + sold_price * amount, where sold_price is price - conf for
// both directions.
func Close(p *model.Position, q oracle.Quote, at int64) (Result, error) {
	exit, err := risk.ExitPrice(q.Price, q.Conf, p.Direction)
	if err != nil {
		return Result{}, err
	}
	fee, err := risk.OvernightFee(p, at)
	if err != nil {
		return Result{}, err
	}

	res := Result{ExitPrice: exit, OvernightFee: fee}
	switch {
	case p.Direction == model.Long && exit < p.LastPrice:
		res.Outcome = model.OutcomeLoss
		res.Amount, err = lossAmount(p.Margin, p.LastPrice-exit, fee)
		return res, err
	case p.Direction == model.Short && exit > p.LastPrice:
		res.Outcome = model.OutcomeLoss
		res.Amount, err = lossAmount(p.Margin, exit-p.LastPrice, fee)
		return res, err
	}

	// TODO: confirm with product whether a short gain should be valued at the
	// ask (price + conf) instead of the sold price used here.
	sold, err := risk.ExitPrice(q.Price, q.Conf, model.Long)
	if err != nil {
		return Result{}, err
	}
	res.Outcome = model.OutcomeGain
	res.Amount, err = gainAmount(p, sold, fee)
	return res, err
}

func lossAmount(margin, diff, fee uint64) (uint64, error) {
	rest, err := safemath.Sub(margin, diff)
	if err != nil {
		return 0, fmt.Errorf("%w: loss %d exceeds margin %d", model.ErrInvalidPrice, diff, margin)
	}
	out, err := safemath.Sub(rest, fee)
	if err != nil {
		return 0, fmt.Errorf("%w: overnight fee %d exceeds remaining margin %d", model.ErrInvalidPrice, fee, rest)
	}
	return out, nil
}

func gainAmount(p *model.Position, sold, fee uint64) (uint64, error) {
	base, err := safemath.Sub(p.Margin, fee)
	if err != nil {
		return 0, fmt.Errorf("%w: overnight fee %d exceeds margin %d", model.ErrInvalidPrice, fee, p.Margin)
	}
	value, err := safemath.TruncateUint64(safemath.Decimal(sold).Mul(p.Amount))
	if err != nil {
		return 0, fmt.Errorf("%w: position value: %v", model.ErrInvalidPrice, err)
	}
	out, err := safemath.Add(base, value)
	if err != nil {
		return 0, fmt.Errorf("%w: settlement amount: %v", model.ErrInvalidPrice, err)
	}
	return out, nil
}
