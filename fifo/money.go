package fifo

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer cents
// =============================================================================

// Money is an amount in cents. All ledger arithmetic happens on Money;
// conversion to currency units only happens at the boundary.
type Money int64

var hundred = decimal.NewFromInt(100)

// MoneyFromDecimal converts currency units to cents, rounding half away
// from zero.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Mul(hundred).Round(0).IntPart())
}

// LineCost is the cost of one layer line: qty × unitCost rounded to the cent.
// Rounding happens per line so that a movement's value is exactly the sum of
// its lines.
func LineCost(qty, unitCost decimal.Decimal) Money {
	return MoneyFromDecimal(qty.Mul(unitCost))
}

func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

func (m Money) Add(o Money) Money { return m + o }
func (m Money) Sub(o Money) Money { return m - o }
func (m Money) IsZero() bool      { return m == 0 }
func (m Money) IsNegative() bool  { return m < 0 }

// String renders the amount in currency units with two decimals.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// PerUnit divides the amount across qty units. Returns zero for a zero qty.
func (m Money) PerUnit(qty decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	return m.Decimal().DivRound(qty, 6)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*m = MoneyFromDecimal(d)
	return nil
}

// SumCosts totals the TotalCost of the given consumption rows.
func SumCosts(rows []LayerConsumption) Money {
	var total Money
	for _, r := range rows {
		total += r.TotalCost
	}
	return total
}

// SumQuantities totals the Quantity of the given consumption rows.
func SumQuantities(rows []LayerConsumption) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Quantity)
	}
	return total
}
