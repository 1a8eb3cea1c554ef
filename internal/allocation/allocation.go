// Package allocation implements the financial core of the trade engine: the
// split of a car's sale proceeds between the platform and the merchants who
// bought slots in the trade.
//
// Merchants are guaranteed a fixed-rate return on trade (ROT) on the car's
// cost basis regardless of the realized margin. The platform takes half the
// guaranteed return as commission. Margin beyond the guaranteed return is a
// bonus, shared between merchants and the platform by a configured
// percentage. When the sale fails to cover the cost basis, the deficit is
// spread pro-rata across units.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Intermediate arithmetic is kept at full precision; rounding to MoneyScale
// happens exactly once, on the values that get persisted.
package allocation

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSlots is returned when slots available is not positive.
	ErrInvalidSlots = errors.New("allocation: slots available must be positive")

	// ErrInvalidCost is returned when the cost basis is not positive.
	ErrInvalidCost = errors.New("allocation: total cost must be positive")

	// ErrMissingResalePrice is returned when the resale price is absent
	// or not positive.
	ErrMissingResalePrice = errors.New("allocation: resale price must be positive")

	// ErrOverAllocated is returned when units hold more slots than the
	// trade offers.
	ErrOverAllocated = errors.New("allocation: unit slots exceed slots available")
)

// MoneyScale is the number of decimal places for persisted monetary values.
const MoneyScale int32 = 2

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Unit is one merchant position in the trade, as the engine needs it:
// how many slots, and the principal frozen at purchase time.
type Unit struct {
	SlotsQuantity int64
	UnitValue     decimal.Decimal
}

// Input carries everything an allocation run depends on. TotalCost is the
// car's cost basis (acquisition + maintenance); ROTPercent and BonusPercent
// come from platform settings.
type Input struct {
	TotalCost      decimal.Decimal
	ResalePrice    decimal.Decimal
	SlotsAvailable int64
	ROTPercent     decimal.Decimal
	BonusPercent   decimal.Decimal
	Units          []Unit
}

// Breakdown is the result of an allocation run. UnitAmounts[i] is the final
// disbursement for Units[i], rounded to MoneyScale; the trade-level fields
// are likewise rounded for persistence.
type Breakdown struct {
	ROT                 decimal.Decimal // guaranteed return on the cost basis
	ROTPerSlot          decimal.Decimal
	Commission          decimal.Decimal // platform's cut: half the guaranteed return
	CommissionPerSlot   decimal.Decimal
	Margin              decimal.Decimal // resale − cost basis
	Bonus               decimal.Decimal // max(0, margin − rot)
	TradersBonus        decimal.Decimal
	TradersBonusPerSlot decimal.Decimal
	CarpadiBonus        decimal.Decimal
	CarpadiTotalROT     decimal.Decimal // commission + platform bonus share
	Deficit             decimal.Decimal // max(0, cost basis − resale)
	// Shortfall is the platform subsidy funding the guaranteed return when
	// the realized margin does not cover it:
	//
	//	Σ unit amounts + CarpadiTotalROT == resale + Shortfall
	//
	// Zero whenever margin >= rot.
	Shortfall   decimal.Decimal
	UnitAmounts []decimal.Decimal
}

// PricePerSlot returns the cost of one fractional unit: total cost divided
// by slots, rounded to MoneyScale since it is persisted on the trade.
func PricePerSlot(totalCost decimal.Decimal, slotsAvailable int64) (decimal.Decimal, error) {
	if slotsAvailable <= 0 {
		return decimal.Zero, ErrInvalidSlots
	}
	if !totalCost.IsPositive() {
		return decimal.Zero, ErrInvalidCost
	}
	return totalCost.Div(decimal.NewFromInt(slotsAvailable)).Round(MoneyScale), nil
}

// SharePercentage returns a unit's ownership share of the trade in percent.
func SharePercentage(slotsQuantity, slotsAvailable int64) decimal.Decimal {
	return decimal.NewFromInt(slotsQuantity).
		Div(decimal.NewFromInt(slotsAvailable)).
		Mul(hundred).
		Round(MoneyScale)
}

// EstimatedReturn projects a unit's net guaranteed return at purchase time:
// the per-slot ROT minus the per-slot commission, times the slots bought.
// Bonus is excluded — it depends on the unknown resale price.
func EstimatedReturn(totalCost decimal.Decimal, slotsAvailable int64, rotPercent decimal.Decimal, slotsQuantity int64) decimal.Decimal {
	slots := decimal.NewFromInt(slotsAvailable)
	rot := totalCost.Mul(rotPercent).Div(hundred)
	net := rot.Sub(rot.Div(two)).Div(slots)
	return net.Mul(decimal.NewFromInt(slotsQuantity)).Round(MoneyScale)
}

// Allocate splits the resale proceeds across the platform and every unit.
//
// Per-unit amount:
//
//	base   = rotPerSlot*q + unitValue
//	bonus  = tradersBonusPerSlot*q
//	fee    = commissionPerSlot*q
//	amount = base + bonus − fee − deficitPerSlot*q, floored at zero
//
// When the realized margin covers the guaranteed return, the amounts
// balance exactly: Σ amounts + CarpadiTotalROT == resale (before the final
// rounding, which can drift by at most one cent per unit).
func Allocate(in Input) (*Breakdown, error) {
	if in.SlotsAvailable <= 0 {
		return nil, ErrInvalidSlots
	}
	if !in.TotalCost.IsPositive() {
		return nil, ErrInvalidCost
	}
	if !in.ResalePrice.IsPositive() {
		return nil, ErrMissingResalePrice
	}
	var held int64
	for _, u := range in.Units {
		held += u.SlotsQuantity
	}
	if held > in.SlotsAvailable {
		return nil, ErrOverAllocated
	}

	slots := decimal.NewFromInt(in.SlotsAvailable)

	rot := in.TotalCost.Mul(in.ROTPercent).Div(hundred)
	rotPerSlot := rot.Div(slots)
	commission := rot.Div(two)
	commissionPerSlot := commission.Div(slots)

	margin := in.ResalePrice.Sub(in.TotalCost)

	bonus := margin.Sub(rot)
	if bonus.IsNegative() {
		bonus = decimal.Zero
	}
	tradersBonus := bonus.Mul(in.BonusPercent).Div(hundred)
	tradersBonusPerSlot := tradersBonus.Div(slots)
	carpadiBonus := bonus.Sub(tradersBonus)
	carpadiTotal := carpadiBonus.Add(commission)

	deficit := in.TotalCost.Sub(in.ResalePrice)
	if deficit.IsNegative() {
		deficit = decimal.Zero
	}
	deficitPerSlot := deficit.Div(slots)

	shortfall := rot.Sub(margin)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}
	shortfall = shortfall.Sub(deficit)

	amounts := make([]decimal.Decimal, len(in.Units))
	for i, u := range in.Units {
		q := decimal.NewFromInt(u.SlotsQuantity)
		amount := rotPerSlot.Mul(q).
			Add(u.UnitValue).
			Add(tradersBonusPerSlot.Mul(q)).
			Sub(commissionPerSlot.Mul(q)).
			Sub(deficitPerSlot.Mul(q))
		if amount.IsNegative() {
			amount = decimal.Zero
		}
		amounts[i] = amount.Round(MoneyScale)
	}

	return &Breakdown{
		ROT:                 rot.Round(MoneyScale),
		ROTPerSlot:          rotPerSlot.Round(MoneyScale),
		Commission:          commission.Round(MoneyScale),
		CommissionPerSlot:   commissionPerSlot.Round(MoneyScale),
		Margin:              margin.Round(MoneyScale),
		Bonus:               bonus.Round(MoneyScale),
		TradersBonus:        tradersBonus.Round(MoneyScale),
		TradersBonusPerSlot: tradersBonusPerSlot.Round(MoneyScale),
		CarpadiBonus:        carpadiBonus.Round(MoneyScale),
		CarpadiTotalROT:     carpadiTotal.Round(MoneyScale),
		Deficit:             deficit.Round(MoneyScale),
		Shortfall:           shortfall.Round(MoneyScale),
		UnitAmounts:         amounts,
	}, nil
}

// TotalPayout sums the per-unit amounts of a breakdown.
func (b *Breakdown) TotalPayout() decimal.Decimal {
	total := decimal.Zero
	for _, a := range b.UnitAmounts {
		total = total.Add(a)
	}
	return total
}
