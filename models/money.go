package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Amount is money in minor currency units (cents). Balances, rates and charges
// are all integers so repeated billing ticks never drift.
type Amount int64

const minorUnitExp = 2

var millisPerMinute = decimal.NewFromInt(int64(time.Minute / time.Millisecond))

func AmountFromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Shift(minorUnitExp).Round(0).IntPart())
}

// ParseAmount reads a major-unit string such as "4.00".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return AmountFromDecimal(d), nil
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -minorUnitExp)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(minorUnitExp)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both 4.5 and "4.50".
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*a = AmountFromDecimal(d)
	return nil
}

// ChargeFor prices elapsed time at rate per minute. The result is rounded
// half-up to the minor unit, once per call.
func ChargeFor(rate Amount, elapsed time.Duration) Amount {
	if rate <= 0 || elapsed <= 0 {
		return 0
	}
	ms := decimal.NewFromInt(elapsed.Milliseconds())
	charge := decimal.NewFromInt(int64(rate)).Mul(ms).Div(millisPerMinute)
	return Amount(charge.Round(0).IntPart())
}

// Minutes converts a duration to minutes with two decimals.
func Minutes(d time.Duration) float64 {
	return decimal.NewFromInt(d.Milliseconds()).Div(millisPerMinute).Round(2).InexactFloat64()
}
