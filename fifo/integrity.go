package fifo

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// INTEGRITY CHECKER - Runtime verification of the ledger invariants
// =============================================================================

// IntegrityReport is the outcome of checking one SKU. Violations are
// reported, never repaired.
type IntegrityReport struct {
	SKU              SKUID
	LayersChecked    int
	MovementsChecked int
	WorkOrders       int
	Violations       []*IntegrityError
}

func (r IntegrityReport) OK() bool { return len(r.Violations) == 0 }

// Err returns the first violation, or nil.
func (r IntegrityReport) Err() error {
	if r.OK() {
		return nil
	}
	return r.Violations[0]
}

// CheckIntegrity verifies, for sku:
//   - 0 <= remaining <= original and status agrees with remaining
//   - remaining == original − Σ active DRAW quantity
//   - every consuming movement's value equals Σ its consumption costs
//   - every work order touching sku: PRODUCE value == net cost ==
//     Σissue − Σwaste
//   - the SKU's cached on-hand matches its layers
func (e *Engine) CheckIntegrity(ctx context.Context, sku SKUID) (IntegrityReport, error) {
	rep := IntegrityReport{SKU: sku}

	// One locked transaction so a concurrent draw cannot land between reading
	// a layer and reading its consumption rows.
	err := e.mutate(ctx, []SKUID{sku}, func(s Store) error {
		rep = IntegrityReport{SKU: sku}
		return e.checkSKU(ctx, s, sku, &rep)
	})
	if err != nil {
		return rep, err
	}

	for _, v := range rep.Violations {
		e.metrics.integrityFailure()
		e.logger.Error("integrity violation",
			zap.String("entity", v.Entity),
			zap.String("id", v.ID),
			zap.String("check", v.Check),
			zap.String("expected", v.Expected),
			zap.String("actual", v.Actual),
		)
	}
	return rep, nil
}

func (e *Engine) checkSKU(ctx context.Context, s Store, sku SKUID, rep *IntegrityReport) error {
	rec, err := s.GetSKU(ctx, sku)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("sku %s: %w", sku, ErrNotFound)
	}

	layers, err := e.Layers.LayersFor(ctx, s, sku)
	if err != nil {
		return err
	}
	for _, l := range layers {
		rep.LayersChecked++
		if err := e.checkLayer(ctx, s, l, rep); err != nil {
			return err
		}
	}

	onHand, _ := Valuation(layers)
	if !onHand.Equal(rec.OnHand) {
		rep.add(&IntegrityError{Entity: "sku", ID: string(sku), Check: "cached on-hand", Expected: onHand.String(), Actual: rec.OnHand.String()})
	}

	seenWO := map[WorkOrderID]bool{}
	for m, err := range e.Movements.List(ctx, s, MovementFilter{SKU: sku}) {
		if err != nil {
			return err
		}
		rep.MovementsChecked++
		if m.DrawsLayers() || m.Type == MoveWaste {
			rows, err := s.ConsumptionsForMovement(ctx, m.ID)
			if err != nil {
				return err
			}
			if sum := SumCosts(rows); sum != m.TotalValue {
				rep.add(&IntegrityError{Entity: "movement", ID: string(m.ID), Check: "value == Σ consumption cost", Expected: sum.String(), Actual: m.TotalValue.String()})
			}
		}
		if m.WorkOrderID != "" && !seenWO[m.WorkOrderID] {
			seenWO[m.WorkOrderID] = true
			rep.WorkOrders++
			if err := e.checkWorkOrder(ctx, s, m.WorkOrderID, rep); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *IntegrityReport) add(v *IntegrityError) {
	r.Violations = append(r.Violations, v)
}

func (e *Engine) checkLayer(ctx context.Context, s Store, l Layer, rep *IntegrityReport) error {
	id := string(l.ID)
	if l.Remaining.IsNegative() || l.Remaining.GreaterThan(l.Original) {
		rep.add(&IntegrityError{Entity: "layer", ID: id, Check: "0 <= remaining <= original", Expected: "[0, " + l.Original.String() + "]", Actual: l.Remaining.String()})
	}
	switch {
	case l.Status == LayerExhausted && !l.Remaining.IsZero():
		rep.add(&IntegrityError{Entity: "layer", ID: id, Check: "exhausted layer is empty", Expected: "0", Actual: l.Remaining.String()})
	case l.Status == LayerActive && l.Remaining.IsZero():
		rep.add(&IntegrityError{Entity: "layer", ID: id, Check: "empty layer is exhausted", Expected: string(LayerExhausted), Actual: string(l.Status)})
	}

	rows, err := s.ConsumptionsForLayer(ctx, l.ID)
	if err != nil {
		return err
	}
	drawn := decimal.Zero
	for _, c := range rows {
		if c.Kind == ConsumeDraw {
			drawn = drawn.Add(c.Quantity)
		}
	}
	if want := l.Original.Sub(drawn); !want.Equal(l.Remaining) {
		rep.add(&IntegrityError{Entity: "layer", ID: id, Check: "remaining == original − Σ draws", Expected: want.String(), Actual: l.Remaining.String()})
	}
	return nil
}

func (e *Engine) checkWorkOrder(ctx context.Context, s Store, id WorkOrderID, rep *IntegrityReport) error {
	wo, err := s.GetWorkOrder(ctx, id)
	if err != nil {
		return err
	}
	if wo == nil {
		rep.add(&IntegrityError{Entity: "work_order", ID: string(id), Check: "exists", Expected: "work order", Actual: "missing"})
		return nil
	}
	movs, err := s.MovementsForWorkOrder(ctx, id)
	if err != nil {
		return err
	}
	var issued, wasted Money
	var produce *Movement
	for i, m := range movs {
		switch m.Type {
		case MoveIssue:
			issued += m.TotalValue
		case MoveWaste:
			wasted += m.TotalValue
		case MoveProduce:
			produce = &movs[i]
		}
	}
	if net := issued - wasted; net != wo.NetCost {
		rep.add(&IntegrityError{Entity: "work_order", ID: string(id), Check: "net cost == Σissue − Σwaste", Expected: net.String(), Actual: wo.NetCost.String()})
	}
	if produce == nil {
		rep.add(&IntegrityError{Entity: "work_order", ID: string(id), Check: "has PRODUCE", Expected: string(wo.ProduceMovementID), Actual: "missing"})
		return nil
	}
	if produce.TotalValue != wo.NetCost {
		rep.add(&IntegrityError{Entity: "movement", ID: string(produce.ID), Check: "PRODUCE value == work order net cost", Expected: wo.NetCost.String(), Actual: produce.TotalValue.String()})
	}
	return nil
}
