package economy

import (
	"github.com/shopspring/decimal"
)

// Lease tax bounds: fully developed land pays BaseLeaseTaxRate, empty
// land pays MaxLeaseTaxRate.
var (
	BaseLeaseTaxRate = decimal.NewFromFloat(0.20)
	MaxLeaseTaxRate  = decimal.NewFromFloat(0.50)
)

// LeaseSplit divides one lease between landowner and state.
type LeaseSplit struct {
	Rate decimal.Decimal
	Net  decimal.Decimal
	Tax  decimal.Decimal
}

// DevelopmentRatio is buildings/buildingPoints capped at 1. Land with no
// building points counts as fully developed.
func DevelopmentRatio(buildings, buildingPoints int) decimal.Decimal {
	if buildingPoints <= 0 {
		return decimal.NewFromInt(1)
	}
	r := decimal.NewFromInt(int64(buildings)).Div(decimal.NewFromInt(int64(buildingPoints)))
	if r.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// LeaseTax splits lease using rate = MAX - ratio*(MAX-BASE). Tax and net
// always sum to lease exactly.
func LeaseTax(lease decimal.Decimal, buildings, buildingPoints int) LeaseSplit {
	ratio := DevelopmentRatio(buildings, buildingPoints)
	rate := MaxLeaseTaxRate.Sub(ratio.Mul(MaxLeaseTaxRate.Sub(BaseLeaseTaxRate)))
	tax := lease.Mul(rate).Round(2)
	return LeaseSplit{Rate: rate, Tax: tax, Net: lease.Sub(tax)}
}
