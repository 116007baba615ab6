package deal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultPlatformFeeRate is the operator commission applied to the seller
// amount when a deal does not carry an explicit fee.
var DefaultPlatformFeeRate = decimal.RequireFromString("0.03")

// MoneyPlaces is the number of decimal places amounts are rounded to.
const MoneyPlaces = 2

// Breakdown is the monetary split of a deal. Freight and PlatformFee may be
// absent until a carrier is matched.
type Breakdown struct {
	Seller      decimal.Decimal
	Freight     decimal.NullDecimal
	PlatformFee decimal.NullDecimal
}

// Complete reports whether all three components are present.
func (b Breakdown) Complete() bool {
	return b.Freight.Valid && b.PlatformFee.Valid
}

// Total returns seller + freight + platform fee. The second value is false when
// a component is missing, in which case no total may be recorded.
func (b Breakdown) Total() (decimal.Decimal, bool) {
	if !b.Complete() {
		return decimal.Zero, false
	}
	return b.Seller.Add(b.Freight.Decimal).Add(b.PlatformFee.Decimal), true
}

// Validate rejects negative components.
func (b Breakdown) Validate() error {
	if b.Seller.IsNegative() {
		return fmt.Errorf("%w: seller amount must not be negative", ErrInvalidArgument)
	}
	if b.Freight.Valid && b.Freight.Decimal.IsNegative() {
		return fmt.Errorf("%w: freight amount must not be negative", ErrInvalidArgument)
	}
	if b.PlatformFee.Valid && b.PlatformFee.Decimal.IsNegative() {
		return fmt.Errorf("%w: platform fee must not be negative", ErrInvalidArgument)
	}
	return nil
}

// WithFreight returns a copy with freight frozen to amount. Freight that is
// already recorded cannot change; passing the same value again is accepted.
func (b Breakdown) WithFreight(amount decimal.Decimal) (Breakdown, error) {
	if amount.IsNegative() {
		return b, fmt.Errorf("%w: freight amount must not be negative", ErrInvalidArgument)
	}
	amount = amount.Round(MoneyPlaces)
	if b.Freight.Valid {
		if !b.Freight.Decimal.Equal(amount) {
			return b, fmt.Errorf("%w: freight already recorded as %s", ErrInvalidArgument, b.Freight.Decimal.StringFixed(MoneyPlaces))
		}
		return b, nil
	}
	b.Freight = decimal.NullDecimal{Decimal: amount, Valid: true}
	return b, nil
}

// PlatformFeeFor returns rate × seller rounded to money precision.
func PlatformFeeFor(seller, rate decimal.Decimal) decimal.Decimal {
	return seller.Mul(rate).Round(MoneyPlaces)
}
