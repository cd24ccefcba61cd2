package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fifo-ledger/fifo"
)

// =============================================================================
// KPIs - Turnover and days of inventory over a period
// =============================================================================

// KPIReport is computed from movements only:
//
//	inventory value at t = Σ signed movement values up to t
//	COGS                 = ISSUE + standalone WASTE values in [from, to]
//	average inventory    = (opening + closing) / 2
//	turnover             = COGS / average inventory
//	days of inventory    = period days / turnover
type KPIReport struct {
	From             time.Time
	To               time.Time
	COGS             fifo.Money
	OpeningValue     fifo.Money
	ClosingValue     fifo.Money
	AverageInventory fifo.Money
	Turnover         decimal.Decimal
	DaysOfInventory  *decimal.Decimal // nil when turnover is zero
}

// valueDelta is the movement's effect on inventory value. PRODUCE outputs
// are not stocked as layers, and work-order waste is already inside its
// ISSUE.
func valueDelta(m fifo.Movement) fifo.Money {
	switch m.Type {
	case fifo.MoveReceive:
		return m.TotalValue
	case fifo.MoveAdjustment:
		if m.Quantity.IsNegative() {
			return -m.TotalValue
		}
		return m.TotalValue
	case fifo.MoveIssue:
		return -m.TotalValue
	case fifo.MoveWaste:
		if m.CarvedFrom == "" {
			return -m.TotalValue
		}
	}
	return 0
}

func isCOGS(m fifo.Movement) bool {
	return m.Type == fifo.MoveIssue || (m.Type == fifo.MoveWaste && m.CarvedFrom == "")
}

func (s *Service) KPIs(ctx context.Context, from, to time.Time) (KPIReport, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return KPIReport{}, &fifo.ValidationError{Field: "from", Message: "from must be before to"}
	}
	rep := KPIReport{From: from.UTC(), To: to.UTC()}

	for m, err := range s.engine.ListMovements(ctx, fifo.MovementFilter{To: &to}) {
		if err != nil {
			return KPIReport{}, err
		}
		d := valueDelta(m)
		rep.ClosingValue += d
		if m.Timestamp.Before(from) {
			rep.OpeningValue += d
			continue
		}
		if isCOGS(m) {
			rep.COGS += m.TotalValue
		}
	}

	avg := rep.OpeningValue.Decimal().Add(rep.ClosingValue.Decimal()).Div(decimal.NewFromInt(2))
	rep.AverageInventory = fifo.MoneyFromDecimal(avg)
	rep.Turnover = decimal.Zero
	if avg.IsPositive() {
		rep.Turnover = rep.COGS.Decimal().DivRound(avg, 4)
	}
	if rep.Turnover.IsPositive() {
		days := decimal.NewFromFloat(to.Sub(from).Hours() / 24)
		doi := days.DivRound(rep.Turnover, 2)
		rep.DaysOfInventory = &doi
	}
	return rep, nil
}
