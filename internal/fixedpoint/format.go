package fixedpoint

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatX6 renders a 6-decimal fixed-point integer as a decimal string.
func FormatX6(v int64) string {
	return decimal.New(v, -PriceDecimals).StringFixed(PriceDecimals)
}

// FormatBigX6 is FormatX6 for values wider than 64 bits. Nil renders as "0".
func FormatBigX6(v *big.Int) string {
	if v == nil {
		return decimal.Zero.StringFixed(PriceDecimals)
	}
	return decimal.NewFromBigInt(v, -PriceDecimals).StringFixed(PriceDecimals)
}

// ParseX6 parses a decimal string ("50000.25") into 6-decimal fixed point,
// truncating extra precision.
func ParseX6(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Shift(PriceDecimals).Truncate(0).IntPart(), nil
}
