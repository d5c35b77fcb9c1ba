// Package safemath provides checked unsigned integer arithmetic and
// fixed-point helpers for the money path. Nothing in here wraps: every
// overflow, underflow or division by zero is returned as an error.
package safemath

import (
	"errors"
	"math"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

var (
	ErrOverflow     = errors.New("safemath: overflow")
	ErrUnderflow    = errors.New("safemath: underflow")
	ErrDivideByZero = errors.New("safemath: division by zero")
)

// maxUint64 as a decimal, for range checks on conversions.
var maxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// Add returns a + b.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a - b.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrUnderflow
	}
	return diff, nil
}

// SubInt64 returns a - b for signed operands.
func SubInt64(a, b int64) (int64, error) {
	d := a - b
	switch {
	case b > 0 && d > a:
		return 0, ErrUnderflow
	case b < 0 && d < a:
		return 0, ErrOverflow
	}
	return d, nil
}

// Mul returns a * b.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// Div returns floor(a / b).
func Div(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrDivideByZero
	}
	return a / b, nil
}

// MulDiv returns floor(a * b / d). The product must itself fit in 64 bits,
// matching a checked multiply followed by a checked divide.
func MulDiv(a, b, d uint64) (uint64, error) {
	p, err := Mul(a, b)
	if err != nil {
		return 0, err
	}
	return Div(p, d)
}

// SaturatingSub returns a - b, or zero when b > a.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Pow10 returns 10^n.
func Pow10(n uint32) (uint64, error) {
	result := uint64(1)
	for i := uint32(0); i < n; i++ {
		var err error
		if result, err = Mul(result, 10); err != nil {
			return 0, err
		}
	}
	return result, nil
}

// ToUnsigned converts a signed value that must not be negative.
func ToUnsigned(v int64) (uint64, error) {
	if v < 0 {
		return 0, ErrUnderflow
	}
	return uint64(v), nil
}

// ToSigned converts an unsigned value that must fit in an int64.
func ToSigned(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(v), nil
}

// Rescale moves an unsigned fixed-point value from exponent from to
// exponent to. Scaling up multiplies (checked); scaling down truncates.
func Rescale(v uint64, from, to int32) (uint64, error) {
	delta := int64(to) - int64(from)
	switch {
	case delta == 0:
		return v, nil
	case delta > 0:
		if delta > 19 {
			return 0, nil
		}
		p, err := Pow10(uint32(delta))
		if err != nil {
			return 0, err
		}
		return v / p, nil
	default:
		if -delta > 19 {
			if v == 0 {
				return 0, nil
			}
			return 0, ErrOverflow
		}
		p, err := Pow10(uint32(-delta))
		if err != nil {
			return 0, err
		}
		return Mul(v, p)
	}
}

// Decimal converts an integer unit amount into a decimal.
func Decimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// TruncateUint64 drops the fractional part of d and returns it as a
// uint64. Negative values and values above MaxUint64 are errors.
func TruncateUint64(d decimal.Decimal) (uint64, error) {
	t := d.Truncate(0)
	if t.Sign() < 0 {
		return 0, ErrUnderflow
	}
	if t.GreaterThan(maxUint64) {
		return 0, ErrOverflow
	}
	return t.BigInt().Uint64(), nil
}
