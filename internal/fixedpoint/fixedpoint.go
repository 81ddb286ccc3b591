// Package fixedpoint implements the integer arithmetic used for prices,
// quantities and collateral. Floating point is never used for these values.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

const (
	// PriceDecimals is the scale of every X6 price and USD6 amount.
	PriceDecimals = 6
	// QuantityDecimals is the scale of the intermediate quantity.
	QuantityDecimals = 18
)

var (
	scale6  = big.NewInt(1_000_000)
	scale18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(QuantityDecimals), nil)
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota
	RoundDown
	RoundUp
)

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// Divide returns numerator / denominator rounded with mode. Both operands
// are treated as non-negative magnitudes for RoundUp. A zero denominator
// yields zero.
func Divide(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	if denominator.Sign() == 0 {
		return new(big.Int)
	}
	quotient := new(big.Int)
	remainder := getInt()
	defer putInt(remainder)

	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	switch mode {
	case RoundUp:
		// away from zero
		if remainder.Sign()*denominator.Sign() > 0 {
			quotient.Add(quotient, big.NewInt(1))
		} else {
			quotient.Sub(quotient, big.NewInt(1))
		}
	case RoundHalfEven:
		twice := getInt()
		defer putInt(twice)
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		absDen := getInt()
		defer putInt(absDen)
		absDen.Abs(denominator)

		cmp := twice.Cmp(absDen)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			if (numerator.Sign() < 0) != (denominator.Sign() < 0) {
				quotient.Sub(quotient, big.NewInt(1))
			} else {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}
	return quotient
}

// Quantity18 converts a lot count to an 18-decimal quantity:
// lots * num / den, scaled by 1e18. Rounds down.
func Quantity18(lots, lotNum, lotDen int64) *big.Int {
	if lotDen == 0 {
		return new(big.Int)
	}
	n := new(big.Int).Mul(big.NewInt(lots), big.NewInt(lotNum))
	n.Mul(n, scale18)
	return Divide(n, big.NewInt(lotDen), RoundDown)
}

// Notional6 returns qty18 * priceX6 expressed with 6 decimals.
func Notional6(qty18 *big.Int, priceX6 int64) *big.Int {
	n := new(big.Int).Mul(qty18, big.NewInt(priceX6))
	return Divide(n, scale18, RoundDown)
}

// ErrOutOfRange is returned for negative inputs and for margins that do not
// fit in an int64.
var ErrOutOfRange = errors.New("fixedpoint: value out of range")

// Margin returns ceil(notional / leverage) with 6 decimals for a position of
// lots at priceX6. Zero leverage or a zero lot denominator yields zero.
func Margin(lots, lotNum, lotDen, leverage, priceX6 int64) (int64, error) {
	if lots < 0 || lotNum < 0 || lotDen < 0 || leverage < 0 || priceX6 < 0 {
		return 0, fmt.Errorf("%w: negative margin input", ErrOutOfRange)
	}
	if leverage == 0 || lotDen == 0 {
		return 0, nil
	}
	notional := Notional6(Quantity18(lots, lotNum, lotDen), priceX6)
	m := Divide(notional, big.NewInt(leverage), RoundUp)
	if !m.IsInt64() {
		return 0, fmt.Errorf("%w: margin %s overflows int64", ErrOutOfRange, m)
	}
	return m.Int64(), nil
}
