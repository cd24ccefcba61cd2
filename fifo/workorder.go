/*
workorder.go - Multi-SKU manufacturing transactions

PURPOSE:
  A work order consumes RAW layers, optionally writes part of what it
  consumed off as waste, and produces a finished output valued at the net
  cost. It is all-or-nothing across every SKU it touches.

FLOW:
  1. Check the request's shape and merge duplicate lines
  2. Replay: an active work order with the same reference is returned as is,
     even if its SKUs were deactivated since
  3. Require active RAW SKUs, then plan every raw line; any shortfall aborts before mutation
  4. Under sorted per-SKU locks, in one transaction:
       ISSUE per raw SKU (DRAW rows)
       WASTE per waste line (CARVE rows cut from the ISSUE draws)
       PRODUCE valued at Σissue − Σwaste
       WorkOrder row
  5. Retriable failures re-run 3-4 with backoff; when retries run out the
     reference is checked once more before the error is returned

COST EXAMPLE:
  RAW-1 3000 @ 1.00 + RAW-2 5000 @ 2.00, no waste
    issues  = 3000.00 + 10000.00
    produce = 13000.00, unit cost = 13000.00 / output qty

SEE ALSO:
  - executor.go: Execute and Carve
  - reversal.go: reversing a PRODUCE undoes the whole work order
*/
package fifo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type WorkOrderLine struct {
	SKU      SKUID
	Quantity decimal.Decimal
}

type WorkOrderRequest struct {
	Reference  string // idempotency key; generated when empty
	OutputName string
	OutputQty  decimal.Decimal
	OutputUnit string // defaults to the first raw line's SKU unit
	RawLines   []WorkOrderLine
	WasteLines []WorkOrderLine
	At         time.Time
}

type WorkOrderResult struct {
	WorkOrder    WorkOrder
	Issues       []Movement
	Wastes       []Movement
	Produce      Movement
	Consumptions []LayerConsumption
	// Replayed is set when an earlier submission with the same reference
	// had already committed and its stored result is returned.
	Replayed bool
}

// PreviewLine is the speculative cost of one raw or waste line.
type PreviewLine struct {
	SKU      SKUID
	Quantity decimal.Decimal
	Cost     Money
	Layers   []PlanLine
}

type WorkOrderPreview struct {
	OutputName string
	OutputQty  decimal.Decimal
	OutputUnit string
	Raw        []PreviewLine
	Waste      []PreviewLine
	RawCost    Money
	WasteCost  Money
	NetCost    Money
	UnitCost   decimal.Decimal
	Shortfalls []ShortfallLine
}

// Feasible reports whether the work order could run against current stock.
func (p WorkOrderPreview) Feasible() bool { return len(p.Shortfalls) == 0 }

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	e *Engine
}

// normalize checks the request's shape and merges duplicate SKU lines (first
// appearance keeps its position). It reads nothing, so a resubmission is
// matched before any SKU lookups.
func (o *Orchestrator) normalize(req WorkOrderRequest) (WorkOrderRequest, error) {
	if req.OutputName == "" {
		return req, invalid("output_name", "required")
	}
	if !req.OutputQty.IsPositive() {
		return req, invalid("output_qty", "must be positive, got %s", req.OutputQty)
	}
	if len(req.RawLines) == 0 {
		return req, invalid("raw_lines", "at least one raw line is required")
	}

	raw, err := mergeLines("raw_lines", req.RawLines)
	if err != nil {
		return req, err
	}
	waste, err := mergeLines("waste_lines", req.WasteLines)
	if err != nil {
		return req, err
	}
	rawQty := make(map[SKUID]decimal.Decimal, len(raw))
	for _, l := range raw {
		rawQty[l.SKU] = l.Quantity
	}
	for _, w := range waste {
		q, ok := rawQty[w.SKU]
		if !ok {
			return req, invalid("waste_lines", "%s is not a raw line of this work order", w.SKU)
		}
		if w.Quantity.GreaterThan(q) {
			return req, invalid("waste_lines", "waste %s of %s exceeds raw quantity %s", w.Quantity, w.SKU, q)
		}
	}

	req.RawLines = raw
	req.WasteLines = waste
	return req, nil
}

// resolveSKUs requires every raw line to be an active RAW SKU and defaults
// the output unit to the first raw line's unit.
func (o *Orchestrator) resolveSKUs(ctx context.Context, s Store, req WorkOrderRequest) (WorkOrderRequest, error) {
	for i, l := range req.RawLines {
		sku, err := activeSKU(ctx, s, l.SKU)
		if err != nil {
			return req, err
		}
		if sku.MaterialType != MaterialRaw {
			return req, invalid("raw_lines", "%s is %s, only RAW material can be consumed", l.SKU, sku.MaterialType)
		}
		if i == 0 && req.OutputUnit == "" {
			req.OutputUnit = sku.Unit
		}
	}
	return req, nil
}

func mergeLines(field string, lines []WorkOrderLine) ([]WorkOrderLine, error) {
	out := make([]WorkOrderLine, 0, len(lines))
	index := make(map[SKUID]int, len(lines))
	for _, l := range lines {
		if l.SKU == "" {
			return nil, invalid(field, "sku required")
		}
		if !l.Quantity.IsPositive() {
			return nil, invalid(field, "quantity for %s must be positive, got %s", l.SKU, l.Quantity)
		}
		if i, ok := index[l.SKU]; ok {
			out[i].Quantity = out[i].Quantity.Add(l.Quantity)
			continue
		}
		index[l.SKU] = len(out)
		out = append(out, l)
	}
	return out, nil
}

// planAll plans every raw line and aggregates shortfalls.
func (o *Orchestrator) planAll(ctx context.Context, s Store, req WorkOrderRequest) ([]Plan, []ShortfallLine, error) {
	plans := make([]Plan, 0, len(req.RawLines))
	var short []ShortfallLine
	for _, l := range req.RawLines {
		p, err := o.e.Planner.Plan(ctx, s, l.SKU, l.Quantity)
		if err != nil {
			return nil, nil, err
		}
		if !p.Complete() {
			short = append(short, p.shortfallLine())
		}
		plans = append(plans, p)
	}
	return plans, short, nil
}

// Process runs the work order, or returns the stored result of an earlier
// submission with the same reference.
func (o *Orchestrator) Process(ctx context.Context, req WorkOrderRequest) (WorkOrderResult, error) {
	e := o.e
	start := time.Now()
	defer e.metrics.workOrderDone(start)

	req, err := o.normalize(req)
	if err != nil {
		return WorkOrderResult{}, err
	}
	if req.Reference == "" {
		req.Reference = "WO-" + uuid.NewString()
	}
	// A committed work order replays even if its SKUs changed since.
	if res, ok, err := o.replay(ctx, e.store, req.Reference); err != nil || ok {
		return res, err
	}
	if req, err = o.resolveSKUs(ctx, e.store, req); err != nil {
		return WorkOrderResult{}, err
	}

	v, err, shared := e.inflight.Do(req.Reference, func() (any, error) {
		return o.process(ctx, req)
	})
	if err != nil {
		return WorkOrderResult{}, err
	}
	res := v.(WorkOrderResult)
	if shared {
		e.logger.Debug("work order submission collapsed", zap.String("reference", req.Reference))
	}
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, req WorkOrderRequest) (WorkOrderResult, error) {
	e := o.e
	skus := make([]SKUID, len(req.RawLines))
	for i, l := range req.RawLines {
		skus[i] = l.SKU
	}

	var res WorkOrderResult
	err := e.retry(ctx, "work_order", func() error {
		// A failed commit report does not mean nothing was written.
		if replayed, ok, err := o.replay(ctx, e.store, req.Reference); err != nil || ok {
			res = replayed
			return err
		}
		plans, short, err := o.planAll(ctx, e.store, req)
		if err != nil {
			return err
		}
		if len(short) > 0 {
			return &InsufficientStockError{Lines: short}
		}
		return e.mutate(ctx, skus, func(s Store) error {
			// A racing attempt may have committed since the first check.
			replayed, ok, err := o.replay(ctx, s, req.Reference)
			if err != nil {
				return err
			}
			if ok {
				res = replayed
				return nil
			}
			res, err = o.execute(ctx, s, req, plans)
			return err
		})
	})

	if err != nil && (IsRetryable(err) || errors.Is(err, ErrDuplicateReference)) {
		if replayed, ok, rerr := o.replay(ctx, e.store, req.Reference); rerr == nil && ok {
			e.logger.Warn("work order committed by an earlier attempt",
				zap.String("reference", req.Reference),
				zap.Error(err),
			)
			return replayed, nil
		}
	}
	if err != nil {
		e.logger.Warn("work order failed", zap.String("reference", req.Reference), zap.Error(err))
		return WorkOrderResult{}, err
	}
	if !res.Replayed {
		e.logger.Info("work order processed",
			zap.String("work_order_id", string(res.WorkOrder.ID)),
			zap.String("reference", req.Reference),
			zap.String("output", req.OutputName),
			zap.String("net_cost", res.WorkOrder.NetCost.String()),
		)
	}
	return res, nil
}

// execute writes the whole work order through the transactional store s.
func (o *Orchestrator) execute(ctx context.Context, s Store, req WorkOrderRequest, plans []Plan) (WorkOrderResult, error) {
	e := o.e
	woID := WorkOrderID(uuid.NewString())
	res := WorkOrderResult{}

	issueBySKU := make(map[SKUID]Movement, len(plans))
	carvers := make(map[SKUID]*wasteCarver, len(plans))
	var rawCost, wasteCost Money

	for _, p := range plans {
		id := MovementID(uuid.NewString())
		rows, err := e.Executor.Execute(ctx, s, p, id)
		if err != nil {
			return res, err
		}
		m, err := e.Movements.Record(ctx, s, MovementInput{
			ID:          id,
			Type:        MoveIssue,
			SKU:         p.SKU,
			Unit:        o.unitOf(ctx, s, p.SKU),
			Reference:   req.Reference,
			WorkOrderID: woID,
			Timestamp:   req.At,
		}, rows)
		if err != nil {
			return res, err
		}
		issueBySKU[p.SKU] = m
		carvers[p.SKU] = newWasteCarver(rows)
		rawCost += m.TotalValue
		res.Issues = append(res.Issues, m)
		res.Consumptions = append(res.Consumptions, rows...)
	}

	for _, w := range req.WasteLines {
		id := MovementID(uuid.NewString())
		rows, err := e.Executor.Carve(ctx, s, carvers[w.SKU], w.Quantity, id)
		if err != nil {
			return res, err
		}
		issue := issueBySKU[w.SKU]
		m, err := e.Movements.Record(ctx, s, MovementInput{
			ID:          id,
			Type:        MoveWaste,
			SKU:         w.SKU,
			Unit:        issue.Unit,
			Reference:   req.Reference,
			WorkOrderID: woID,
			CarvedFrom:  issue.ID,
			Timestamp:   req.At,
		}, rows)
		if err != nil {
			return res, err
		}
		wasteCost += m.TotalValue
		res.Wastes = append(res.Wastes, m)
		res.Consumptions = append(res.Consumptions, rows...)
	}

	net := rawCost - wasteCost
	produce, err := e.Movements.Record(ctx, s, MovementInput{
		Type:        MoveProduce,
		OutputName:  req.OutputName,
		Quantity:    req.OutputQty,
		Unit:        req.OutputUnit,
		Value:       net,
		Reference:   req.Reference,
		WorkOrderID: woID,
		Timestamp:   req.At,
	}, nil)
	if err != nil {
		return res, err
	}
	res.Produce = produce

	wo := WorkOrder{
		ID:                woID,
		Reference:         req.Reference,
		OutputName:        req.OutputName,
		OutputQty:         req.OutputQty,
		OutputUnit:        req.OutputUnit,
		TotalRawCost:      rawCost,
		TotalWasteCost:    wasteCost,
		NetCost:           net,
		UnitCost:          produce.UnitCost,
		ProduceMovementID: produce.ID,
		CreatedAt:         e.now(),
	}
	if err := s.InsertWorkOrder(ctx, wo); err != nil {
		return res, fmt.Errorf("insert work order %s: %w", req.Reference, err)
	}
	res.WorkOrder = wo

	for _, p := range plans {
		if err := e.Layers.refreshSKU(ctx, s, p.SKU); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (o *Orchestrator) unitOf(ctx context.Context, s Store, id SKUID) string {
	sku, err := s.GetSKU(ctx, id)
	if err != nil || sku == nil {
		return ""
	}
	return sku.Unit
}

// replay loads the active work order with reference, if any.
func (o *Orchestrator) replay(ctx context.Context, s Store, reference string) (WorkOrderResult, bool, error) {
	wo, err := s.FindWorkOrderByReference(ctx, reference)
	if err != nil {
		return WorkOrderResult{}, false, err
	}
	if wo == nil {
		return WorkOrderResult{}, false, nil
	}
	res, err := o.load(ctx, s, *wo)
	if err != nil {
		return WorkOrderResult{}, false, err
	}
	res.Replayed = true
	return res, true, nil
}

// load rebuilds a WorkOrderResult from storage.
func (o *Orchestrator) load(ctx context.Context, s Store, wo WorkOrder) (WorkOrderResult, error) {
	res := WorkOrderResult{WorkOrder: wo}
	movs, err := s.MovementsForWorkOrder(ctx, wo.ID)
	if err != nil {
		return res, err
	}
	for _, m := range movs {
		switch m.Type {
		case MoveIssue:
			res.Issues = append(res.Issues, m)
		case MoveWaste:
			res.Wastes = append(res.Wastes, m)
		case MoveProduce:
			res.Produce = m
			continue
		}
		rows, err := s.ConsumptionsForMovement(ctx, m.ID)
		if err != nil {
			return res, err
		}
		res.Consumptions = append(res.Consumptions, rows...)
	}
	return res, nil
}

// Get returns a work order and its movements.
func (o *Orchestrator) Get(ctx context.Context, id WorkOrderID) (WorkOrderResult, error) {
	wo, err := o.e.store.GetWorkOrder(ctx, id)
	if err != nil {
		return WorkOrderResult{}, err
	}
	if wo == nil {
		return WorkOrderResult{}, fmt.Errorf("work order %s: %w", id, ErrNotFound)
	}
	return o.load(ctx, o.e.store, *wo)
}

// =============================================================================
// PREVIEW
// =============================================================================

// Preview computes what Process would cost against current stock without
// writing anything. Shortfalls are reported, not returned as errors.
func (o *Orchestrator) Preview(ctx context.Context, req WorkOrderRequest) (WorkOrderPreview, error) {
	e := o.e
	req, err := o.normalize(req)
	if err != nil {
		return WorkOrderPreview{}, err
	}
	if req, err = o.resolveSKUs(ctx, e.store, req); err != nil {
		return WorkOrderPreview{}, err
	}
	plans, short, err := o.planAll(ctx, e.store, req)
	if err != nil {
		return WorkOrderPreview{}, err
	}

	pv := WorkOrderPreview{
		OutputName: req.OutputName,
		OutputQty:  req.OutputQty,
		OutputUnit: req.OutputUnit,
		Shortfalls: short,
	}
	carvers := make(map[SKUID]*wasteCarver, len(plans))
	for _, p := range plans {
		pv.Raw = append(pv.Raw, PreviewLine{SKU: p.SKU, Quantity: p.Planned, Cost: p.Cost(), Layers: p.Lines})
		pv.RawCost += p.Cost()
		carvers[p.SKU] = newWasteCarver(planDraws(p))
	}
	for _, w := range req.WasteLines {
		rows, err := carvers[w.SKU].take(w.Quantity)
		if err != nil {
			if !pv.Feasible() {
				// Waste cannot be carved from a short plan; the shortfall
				// already explains why.
				continue
			}
			return WorkOrderPreview{}, err
		}
		cost := SumCosts(rows)
		pv.Waste = append(pv.Waste, PreviewLine{SKU: w.SKU, Quantity: w.Quantity, Cost: cost})
		pv.WasteCost += cost
	}
	pv.NetCost = pv.RawCost - pv.WasteCost
	pv.UnitCost = pv.NetCost.PerUnit(req.OutputQty)
	return pv, nil
}

// planDraws turns plan lines into the DRAW rows Execute would write.
func planDraws(p Plan) []LayerConsumption {
	rows := make([]LayerConsumption, len(p.Lines))
	for i, l := range p.Lines {
		rows[i] = LayerConsumption{
			LayerID:   l.LayerID,
			SKU:       p.SKU,
			Kind:      ConsumeDraw,
			Quantity:  l.Quantity,
			UnitCost:  l.UnitCost,
			TotalCost: l.Cost,
		}
	}
	return rows
}
