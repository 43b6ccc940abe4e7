package types

import (
	"github.com/shopspring/decimal"
)

// ParseAmount parses a monetary string at a system boundary. Amounts must
// be finite decimals strictly greater than zero; NaN, infinities, and
// non-numeric input are rejected by the decimal parser.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, Validationf("amount %q is not a decimal", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, Validationf("amount must be > 0, got %s", d)
	}
	return d, nil
}

// ParsePrice parses a price string: same rules as ParseAmount.
func ParsePrice(s string) (decimal.Decimal, error) {
	d, err := ParseAmount(s)
	if err != nil {
		return decimal.Zero, Validationf("price %q is not a positive decimal", s)
	}
	return d, nil
}
