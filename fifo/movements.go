package fifo

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MOVEMENT LEDGER
// =============================================================================

// MovementInput describes a movement to record. For consuming movements
// (ISSUE, WASTE, negative ADJUSTMENT) Quantity, UnitCost and the value are
// derived from the consumption rows; any caller-supplied figure is ignored.
type MovementInput struct {
	ID          MovementID // optional; consumption rows may be created first
	Type        MovementType
	SKU         SKUID
	OutputName  string
	Quantity    decimal.Decimal
	Unit        string
	UnitCost    decimal.Decimal
	Value       Money // PRODUCE only
	Reference   string
	VendorRef   string
	Note        string
	WorkOrderID WorkOrderID
	CarvedFrom  MovementID
	Timestamp   time.Time
}

type MovementLedger struct {
	now     func() time.Time
	metrics *Metrics
}

// listPageSize is the page size used when streaming movements.
const listPageSize = 200

// Record writes one movement through s, which must be the same transactional
// view the consumption rows were written through.
func (ml *MovementLedger) Record(ctx context.Context, s Store, in MovementInput, rows []LayerConsumption) (Movement, error) {
	if !in.Type.IsValid() {
		return Movement{}, invalid("type", "unknown movement type %q", in.Type)
	}
	now := ml.now()
	m := Movement{
		ID:          in.ID,
		Timestamp:   in.Timestamp,
		Type:        in.Type,
		SKU:         in.SKU,
		OutputName:  in.OutputName,
		Unit:        in.Unit,
		Reference:   in.Reference,
		VendorRef:   in.VendorRef,
		Note:        in.Note,
		WorkOrderID: in.WorkOrderID,
		CarvedFrom:  in.CarvedFrom,
		CreatedAt:   now,
	}
	if m.ID == "" {
		m.ID = MovementID(uuid.NewString())
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	m.Timestamp = m.Timestamp.UTC()

	switch {
	case in.Type == MoveProduce:
		if in.OutputName == "" {
			return Movement{}, invalid("output_name", "required for PRODUCE")
		}
		m.SKU = ""
		m.Quantity = in.Quantity.Abs()
		m.TotalValue = in.Value
		m.UnitCost = in.Value.PerUnit(m.Quantity)

	case in.Type == MoveIssue || in.Type == MoveWaste ||
		(in.Type == MoveAdjustment && in.Quantity.IsNegative()):
		if len(rows) == 0 {
			return Movement{}, invalid("quantity", "%s movement without consumption", in.Type)
		}
		for _, r := range rows {
			if r.MovementID != m.ID {
				return Movement{}, &IntegrityError{
					Entity:   "consumption",
					ID:       string(r.ID),
					Check:    "movement link",
					Expected: string(m.ID),
					Actual:   string(r.MovementID),
				}
			}
		}
		qty := SumQuantities(rows)
		m.Quantity = qty.Neg()
		m.TotalValue = SumCosts(rows)
		m.UnitCost = m.TotalValue.PerUnit(qty)

	default:
		if in.SKU == "" {
			return Movement{}, invalid("sku", "required for %s", in.Type)
		}
		m.Quantity = in.Quantity
		m.UnitCost = in.UnitCost
		m.TotalValue = LineCost(in.Quantity.Abs(), in.UnitCost)
	}

	if err := s.InsertMovement(ctx, m); err != nil {
		return Movement{}, fmt.Errorf("insert %s movement: %w", m.Type, err)
	}
	ml.metrics.movementRecorded(m.Type)
	return m, nil
}

// Get loads one movement. Returns ErrNotFound when it does not exist.
func (ml *MovementLedger) Get(ctx context.Context, s Store, id MovementID) (Movement, error) {
	m, err := s.GetMovement(ctx, id)
	if err != nil {
		return Movement{}, err
	}
	if m == nil {
		return Movement{}, fmt.Errorf("movement %s: %w", id, ErrNotFound)
	}
	return *m, nil
}

// List streams movements matching filter page by page. filter.Limit caps the
// total number yielded (0 = no cap); filter.Offset skips leading results.
func (ml *MovementLedger) List(ctx context.Context, s Store, filter MovementFilter) iter.Seq2[Movement, error] {
	return func(yield func(Movement, error) bool) {
		remaining := filter.Limit
		page := filter
		page.Limit = listPageSize
		for {
			if filter.Limit > 0 && remaining < page.Limit {
				page.Limit = remaining
			}
			batch, err := s.ListMovements(ctx, page)
			if err != nil {
				yield(Movement{}, err)
				return
			}
			for _, m := range batch {
				if !yield(m, nil) {
					return
				}
			}
			if filter.Limit > 0 {
				remaining -= len(batch)
				if remaining <= 0 {
					return
				}
			}
			if len(batch) < page.Limit {
				return
			}
			page.Offset += len(batch)
		}
	}
}
