package fifo

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PLAN - Non-mutating consumption plan
// =============================================================================

// PlanLine is one draw from one layer. RemainingBefore and Version are what
// the planner observed; the Executor refuses to apply the line if the layer
// no longer matches.
type PlanLine struct {
	LayerID         LayerID
	Quantity        decimal.Decimal
	UnitCost        decimal.Decimal
	Cost            Money
	RemainingBefore decimal.Decimal
	Version         int64
}

type Plan struct {
	SKU       SKUID
	Requested decimal.Decimal
	Planned   decimal.Decimal
	Shortfall decimal.Decimal
	Available decimal.Decimal
	Lines     []PlanLine
}

// Complete reports whether the plan covers the whole requested quantity.
func (p Plan) Complete() bool { return p.Shortfall.IsZero() }

// Cost is the sum of per-line costs.
func (p Plan) Cost() Money {
	var total Money
	for _, l := range p.Lines {
		total += l.Cost
	}
	return total
}

// Err turns a partial plan into an InsufficientStockError, nil otherwise.
func (p Plan) Err() error {
	if p.Complete() {
		return nil
	}
	return &InsufficientStockError{Lines: []ShortfallLine{p.shortfallLine()}}
}

func (p Plan) shortfallLine() ShortfallLine {
	return ShortfallLine{
		SKU:       p.SKU,
		Requested: p.Requested,
		Available: p.Available,
		Shortfall: p.Shortfall,
	}
}

// =============================================================================
// PLANNER
// =============================================================================

// Planner computes plans from the current layer state. It holds no locks
// and mutates nothing, so it can run speculatively (previews) or ahead of
// the transaction that applies the plan.
type Planner struct {
	layers *LayerStore
}

// Plan walks sku's layers oldest first. Insufficient stock is not an error:
// the returned plan is partial and reports the shortfall.
func (p *Planner) Plan(ctx context.Context, s Store, sku SKUID, requested decimal.Decimal) (Plan, error) {
	if sku == "" {
		return Plan{}, invalid("sku", "required")
	}
	if requested.IsNegative() {
		return Plan{}, invalid("quantity", "must not be negative, got %s", requested)
	}
	layers, err := p.layers.LayersFor(ctx, s, sku)
	if err != nil {
		return Plan{}, err
	}
	return PlanFromLayers(sku, layers, requested), nil
}

// PlanFromLayers is the pure greedy walk. layers must already be in FIFO
// order.
func PlanFromLayers(sku SKUID, layers []Layer, requested decimal.Decimal) Plan {
	plan := Plan{
		SKU:       sku,
		Requested: requested,
		Planned:   decimal.Zero,
		Available: decimal.Zero,
	}
	need := requested
	for _, l := range layers {
		if !l.Drawable() {
			continue
		}
		plan.Available = plan.Available.Add(l.Remaining)
		if !need.IsPositive() {
			continue
		}
		take := decimal.Min(l.Remaining, need)
		plan.Lines = append(plan.Lines, PlanLine{
			LayerID:         l.ID,
			Quantity:        take,
			UnitCost:        l.UnitCost,
			Cost:            LineCost(take, l.UnitCost),
			RemainingBefore: l.Remaining,
			Version:         l.Version,
		})
		plan.Planned = plan.Planned.Add(take)
		need = need.Sub(take)
	}
	if need.IsPositive() {
		plan.Shortfall = need
	} else {
		plan.Shortfall = decimal.Zero
	}
	return plan
}
