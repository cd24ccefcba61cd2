package fifo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// EXECUTOR - Applies plans inside a transaction
// =============================================================================

// Executor applies a plan against the Store it is given, which must be the
// transactional view. If any line fails validation, Execute returns an error
// and the caller's transaction rolls every earlier line back.
type Executor struct {
	now func() time.Time
}

// Execute draws each plan line from its layer and records one DRAW
// consumption per line, linked to movementID.
//
// Each layer is re-read first. If its remaining quantity or version differs
// from what the planner saw, the result is a ConcurrencyConflictError: the
// plan was computed against state that no longer exists.
func (x *Executor) Execute(ctx context.Context, s Store, plan Plan, movementID MovementID) ([]LayerConsumption, error) {
	rows := make([]LayerConsumption, 0, len(plan.Lines))
	for _, line := range plan.Lines {
		layer, err := s.GetLayer(ctx, line.LayerID)
		if err != nil {
			return nil, fmt.Errorf("reload layer %s: %w", line.LayerID, err)
		}
		if err := revalidate(layer, line); err != nil {
			return nil, err
		}

		layer.Remaining = layer.Remaining.Sub(line.Quantity)
		if layer.Remaining.IsZero() {
			layer.Status = LayerExhausted
		}
		if _, err := s.UpdateLayer(ctx, *layer); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				return nil, &ConcurrencyConflictError{
					LayerID:  line.LayerID,
					Expected: line.RemainingBefore,
					Actual:   layer.Remaining.Add(line.Quantity),
					Reason:   "version moved during write",
				}
			}
			return nil, fmt.Errorf("update layer %s: %w", line.LayerID, err)
		}

		row := LayerConsumption{
			ID:         ConsumptionID(uuid.NewString()),
			MovementID: movementID,
			LayerID:    layer.ID,
			SKU:        layer.SKU,
			Kind:       ConsumeDraw,
			Quantity:   line.Quantity,
			UnitCost:   layer.UnitCost,
			TotalCost:  LineCost(line.Quantity, layer.UnitCost),
			CreatedAt:  x.now(),
		}
		if err := s.InsertConsumption(ctx, row); err != nil {
			return nil, fmt.Errorf("insert consumption for layer %s: %w", layer.ID, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func revalidate(layer *Layer, line PlanLine) error {
	conflict := func(actual decimal.Decimal, reason string) error {
		return &ConcurrencyConflictError{
			LayerID:  line.LayerID,
			Expected: line.RemainingBefore,
			Actual:   actual,
			Reason:   reason,
		}
	}
	switch {
	case layer == nil:
		return conflict(decimal.Zero, "layer no longer exists")
	case layer.IsReversed():
		return conflict(decimal.Zero, "layer reversed")
	case layer.Status != LayerActive:
		return conflict(layer.Remaining, "layer is "+string(layer.Status))
	case !layer.Remaining.Equal(line.RemainingBefore):
		return conflict(layer.Remaining, "remaining changed")
	case layer.Version != line.Version:
		return conflict(layer.Remaining, "version changed")
	case layer.Remaining.LessThan(line.Quantity):
		return conflict(layer.Remaining, "insufficient remaining")
	}
	return nil
}

// =============================================================================
// WASTE CARVING
// =============================================================================

// wasteCarver hands out portions of a set of draws, oldest draw first. Waste
// in a work order is carved out of what was just issued at the same unit
// costs; it never re-plans against the store.
type wasteCarver struct {
	draws []LayerConsumption
	left  []decimal.Decimal
}

func newWasteCarver(draws []LayerConsumption) *wasteCarver {
	left := make([]decimal.Decimal, len(draws))
	for i, d := range draws {
		left[i] = d.Quantity
	}
	return &wasteCarver{draws: draws, left: left}
}

// take hands out qty from the remaining draws, oldest first. The returned
// rows carry layer, quantity and cost only.
func (c *wasteCarver) take(qty decimal.Decimal) ([]LayerConsumption, error) {
	var rows []LayerConsumption
	need := qty
	for i, d := range c.draws {
		if !need.IsPositive() {
			break
		}
		if !c.left[i].IsPositive() {
			continue
		}
		portion := decimal.Min(c.left[i], need)
		c.left[i] = c.left[i].Sub(portion)
		need = need.Sub(portion)
		rows = append(rows, LayerConsumption{
			LayerID:   d.LayerID,
			SKU:       d.SKU,
			Kind:      ConsumeCarve,
			Quantity:  portion,
			UnitCost:  d.UnitCost,
			TotalCost: LineCost(portion, d.UnitCost),
		})
	}
	if need.IsPositive() {
		return nil, invalid("waste_lines", "waste exceeds issued quantity by %s", need)
	}
	return rows, nil
}

// Carve records CARVE rows for qty against movementID.
func (x *Executor) Carve(ctx context.Context, s Store, c *wasteCarver, qty decimal.Decimal, movementID MovementID) ([]LayerConsumption, error) {
	rows, err := c.take(qty)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].ID = ConsumptionID(uuid.NewString())
		rows[i].MovementID = movementID
		rows[i].CreatedAt = x.now()
		if err := s.InsertConsumption(ctx, rows[i]); err != nil {
			return nil, fmt.Errorf("insert carve for layer %s: %w", rows[i].LayerID, err)
		}
	}
	return rows, nil
}
