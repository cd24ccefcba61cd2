/*
engine.go - Wiring and the single-SKU operations

PURPOSE:
  Engine ties the components together over one TxStore and one Locker and
  exposes the ledger's operations:

    Receive          RECEIVE movement + new layer
    Issue            Plan + Execute + Record for one SKU (ISSUE or WASTE)
    Adjust           Stock-count correction (ADJUSTMENT, either sign)
    ProcessWorkOrder Multi-SKU manufacturing (see workorder.go)
    DeleteMovement   Compensating reversal (see reversal.go)

MUTATION DISCIPLINE:
  1. Plan against current state, without locks
  2. Lock the SKUs involved (sorted), open one storage transaction
  3. Executor re-validates every planned layer and mutates
  4. Movements are recorded from the rows written in step 3
  5. SKU caches are refreshed, commit, unlock
  A conflict in step 3 rolls everything back and the operation is retried
  from step 1 under the RetryPolicy.

SEE ALSO:
  - store.go: TxStore contract
  - retry.go: RetryPolicy
  - lock/: Locker implementations
*/
package fifo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/fifo-ledger/lock"
)

// Locker serializes mutations per SKU. Lock must acquire all keys in a
// stable order and release them all when the returned func is called.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store       TxStore
	locker      Locker
	retryPolicy RetryPolicy
	logger      *zap.Logger
	metrics     *Metrics
	now         func() time.Time
	inflight    singleflight.Group

	Layers     *LayerStore
	Planner    *Planner
	Executor   *Executor
	Movements  *MovementLedger
	Reversals  *ReversalEngine
	WorkOrders *Orchestrator
}

type Option func(*Engine)

func WithLocker(l Locker) Option           { return func(e *Engine) { e.locker = l } }
func WithLogger(l *zap.Logger) Option      { return func(e *Engine) { e.logger = l } }
func WithMetrics(m *Metrics) Option        { return func(e *Engine) { e.metrics = m } }
func WithRetryPolicy(p RetryPolicy) Option { return func(e *Engine) { e.retryPolicy = p } }
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = func() time.Time { return now().UTC() } }
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		locker:      lock.NewLocal(),
		retryPolicy: DefaultRetryPolicy(),
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	now := func() time.Time { return e.now() }
	e.Layers = &LayerStore{now: now}
	e.Planner = &Planner{layers: e.Layers}
	e.Executor = &Executor{now: now}
	e.Movements = &MovementLedger{now: now, metrics: e.metrics}
	e.Reversals = &ReversalEngine{e: e}
	e.WorkOrders = &Orchestrator{e: e}
	return e
}

// Store exposes the underlying store for read-side projections.
func (e *Engine) Store() TxStore { return e.store }

// mutate runs fn in one storage transaction while holding the locks of skus.
func (e *Engine) mutate(ctx context.Context, skus []SKUID, fn func(Store) error) error {
	keys := make([]string, len(skus))
	for i, s := range skus {
		keys[i] = string(s)
	}
	unlock, err := e.locker.Lock(ctx, keys...)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return fmt.Errorf("%w: %w", ErrSerializationFailure, err)
		}
		return fmt.Errorf("acquire sku locks: %w", err)
	}
	defer unlock()
	return e.store.WithTx(ctx, fn)
}

// =============================================================================
// SKU MASTER DATA
// =============================================================================

// RegisterSKU creates or updates master data. Cached stock figures are
// preserved; they only change as a side effect of movements.
func (e *Engine) RegisterSKU(ctx context.Context, sku SKU) (SKU, error) {
	if sku.ID == "" {
		return SKU{}, invalid("id", "required")
	}
	if !sku.MaterialType.IsValid() {
		return SKU{}, invalid("material_type", "must be RAW or SELLABLE, got %q", sku.MaterialType)
	}
	if sku.MinStock.IsNegative() {
		return SKU{}, invalid("min_stock", "must not be negative")
	}
	var saved SKU
	err := e.mutate(ctx, []SKUID{sku.ID}, func(s Store) error {
		existing, err := s.GetSKU(ctx, sku.ID)
		if err != nil {
			return err
		}
		now := e.now()
		sku.UpdatedAt = now
		if existing != nil {
			sku.CreatedAt = existing.CreatedAt
			sku.OnHand = existing.OnHand
			sku.AvgCost = existing.AvgCost
		} else {
			sku.CreatedAt = now
			sku.OnHand = decimal.Zero
			sku.AvgCost = nil
		}
		saved = sku
		return s.SaveSKU(ctx, sku)
	})
	return saved, err
}

func (e *Engine) GetSKU(ctx context.Context, id SKUID) (SKU, error) {
	sku, err := e.store.GetSKU(ctx, id)
	if err != nil {
		return SKU{}, err
	}
	if sku == nil {
		return SKU{}, fmt.Errorf("sku %s: %w", id, ErrNotFound)
	}
	return *sku, nil
}

func (e *Engine) ListSKUs(ctx context.Context) ([]SKU, error) {
	return e.store.ListSKUs(ctx)
}

// activeSKU loads sku and rejects unknown or inactive ones.
func activeSKU(ctx context.Context, s Store, id SKUID) (SKU, error) {
	if id == "" {
		return SKU{}, invalid("sku", "required")
	}
	sku, err := s.GetSKU(ctx, id)
	if err != nil {
		return SKU{}, err
	}
	if sku == nil {
		return SKU{}, invalid("sku", "unknown sku %s", id)
	}
	if !sku.Active {
		return SKU{}, invalid("sku", "sku %s is inactive", id)
	}
	return *sku, nil
}

// =============================================================================
// RECEIVE
// =============================================================================

type ReceiveInput struct {
	SKU        SKUID
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	ReceivedAt time.Time
	VendorRef  string
	Reference  string
	Note       string
}

type ReceiveResult struct {
	Movement Movement
	Layer    Layer
}

// Receive records a RECEIVE movement and the layer it creates.
func (e *Engine) Receive(ctx context.Context, in ReceiveInput) (ReceiveResult, error) {
	if !in.Quantity.IsPositive() {
		return ReceiveResult{}, invalid("quantity", "must be positive, got %s", in.Quantity)
	}
	if in.UnitCost.IsNegative() {
		return ReceiveResult{}, invalid("unit_cost", "must not be negative")
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = e.now()
	}

	var res ReceiveResult
	err := e.mutate(ctx, []SKUID{in.SKU}, func(s Store) error {
		sku, err := activeSKU(ctx, s, in.SKU)
		if err != nil {
			return err
		}
		m, err := e.Movements.Record(ctx, s, MovementInput{
			Type:      MoveReceive,
			SKU:       in.SKU,
			Quantity:  in.Quantity,
			Unit:      sku.Unit,
			UnitCost:  in.UnitCost,
			Reference: in.Reference,
			VendorRef: in.VendorRef,
			Note:      in.Note,
			Timestamp: in.ReceivedAt,
		}, nil)
		if err != nil {
			return err
		}
		layer, err := e.Layers.AddLayer(ctx, s, in.SKU, in.Quantity, in.UnitCost, in.ReceivedAt, m.ID)
		if err != nil {
			return err
		}
		res = ReceiveResult{Movement: m, Layer: layer}
		return e.Layers.refreshSKU(ctx, s, in.SKU)
	})
	if err != nil {
		return ReceiveResult{}, err
	}
	e.logger.Info("stock received",
		zap.String("sku", string(in.SKU)),
		zap.String("movement_id", string(res.Movement.ID)),
		zap.String("layer_id", string(res.Layer.ID)),
		zap.String("quantity", in.Quantity.String()),
		zap.String("value", res.Movement.TotalValue.String()),
	)
	return res, nil
}

// =============================================================================
// ISSUE / WASTE
// =============================================================================

type IssueInput struct {
	SKU       SKUID
	Quantity  decimal.Decimal
	Kind      MovementType // MoveIssue or MoveWaste
	Reference string
	Note      string
	At        time.Time

	// AllowPartial accepts whatever stock is available instead of failing
	// with InsufficientStockError. At least some stock must be available.
	AllowPartial bool
}

type IssueResult struct {
	Movement     Movement
	Consumptions []LayerConsumption
	Shortfall    decimal.Decimal
}

// Issue consumes stock of one SKU oldest layer first.
func (e *Engine) Issue(ctx context.Context, in IssueInput) (IssueResult, error) {
	if in.Kind != MoveIssue && in.Kind != MoveWaste {
		return IssueResult{}, invalid("kind", "must be ISSUE or WASTE, got %q", in.Kind)
	}
	if !in.Quantity.IsPositive() {
		return IssueResult{}, invalid("quantity", "must be positive, got %s", in.Quantity)
	}
	sku, err := activeSKU(ctx, e.store, in.SKU)
	if err != nil {
		return IssueResult{}, err
	}

	var res IssueResult
	err = e.retry(ctx, "issue", func() error {
		plan, err := e.Planner.Plan(ctx, e.store, in.SKU, in.Quantity)
		if err != nil {
			return err
		}
		if !plan.Complete() && (!in.AllowPartial || plan.Planned.IsZero()) {
			return plan.Err()
		}
		return e.mutate(ctx, []SKUID{in.SKU}, func(s Store) error {
			id := MovementID(uuid.NewString())
			rows, err := e.Executor.Execute(ctx, s, plan, id)
			if err != nil {
				return err
			}
			m, err := e.Movements.Record(ctx, s, MovementInput{
				ID:        id,
				Type:      in.Kind,
				SKU:       in.SKU,
				Unit:      sku.Unit,
				Reference: in.Reference,
				Note:      in.Note,
				Timestamp: in.At,
			}, rows)
			if err != nil {
				return err
			}
			res = IssueResult{Movement: m, Consumptions: rows, Shortfall: plan.Shortfall}
			return e.Layers.refreshSKU(ctx, s, in.SKU)
		})
	})
	if err != nil {
		return IssueResult{}, err
	}
	e.logger.Info("stock consumed",
		zap.String("sku", string(in.SKU)),
		zap.String("type", string(in.Kind)),
		zap.String("movement_id", string(res.Movement.ID)),
		zap.Int("layers", len(res.Consumptions)),
		zap.String("value", res.Movement.TotalValue.String()),
		zap.String("shortfall", res.Shortfall.String()),
	)
	return res, nil
}

// =============================================================================
// ADJUSTMENT
// =============================================================================

type AdjustInput struct {
	SKU       SKUID
	Quantity  decimal.Decimal // signed; positive adds a layer, negative draws FIFO
	UnitCost  *decimal.Decimal
	Reference string
	Reason    string
	At        time.Time
}

type AdjustResult struct {
	Movement     Movement
	Layer        *Layer
	Consumptions []LayerConsumption
}

// Adjust corrects stock after a count. A positive adjustment without a unit
// cost is valued at the SKU's current average cost.
func (e *Engine) Adjust(ctx context.Context, in AdjustInput) (AdjustResult, error) {
	if in.Quantity.IsZero() {
		return AdjustResult{}, invalid("quantity", "must not be zero")
	}
	if in.Reason == "" {
		return AdjustResult{}, invalid("reason", "required")
	}
	if in.UnitCost != nil && in.UnitCost.IsNegative() {
		return AdjustResult{}, invalid("unit_cost", "must not be negative")
	}
	if in.At.IsZero() {
		in.At = e.now()
	}

	if in.Quantity.IsPositive() {
		var res AdjustResult
		err := e.mutate(ctx, []SKUID{in.SKU}, func(s Store) error {
			sku, err := activeSKU(ctx, s, in.SKU)
			if err != nil {
				return err
			}
			cost := decimal.Zero
			switch {
			case in.UnitCost != nil:
				cost = *in.UnitCost
			case sku.AvgCost != nil:
				cost = *sku.AvgCost
			}
			m, err := e.Movements.Record(ctx, s, MovementInput{
				Type:      MoveAdjustment,
				SKU:       in.SKU,
				Quantity:  in.Quantity,
				Unit:      sku.Unit,
				UnitCost:  cost,
				Reference: in.Reference,
				Note:      in.Reason,
				Timestamp: in.At,
			}, nil)
			if err != nil {
				return err
			}
			layer, err := e.Layers.AddLayer(ctx, s, in.SKU, in.Quantity, cost, in.At, m.ID)
			if err != nil {
				return err
			}
			res = AdjustResult{Movement: m, Layer: &layer}
			return e.Layers.refreshSKU(ctx, s, in.SKU)
		})
		return res, err
	}

	sku, err := activeSKU(ctx, e.store, in.SKU)
	if err != nil {
		return AdjustResult{}, err
	}
	qty := in.Quantity.Neg()
	var res AdjustResult
	err = e.retry(ctx, "adjust", func() error {
		plan, err := e.Planner.Plan(ctx, e.store, in.SKU, qty)
		if err != nil {
			return err
		}
		if err := plan.Err(); err != nil {
			return err
		}
		return e.mutate(ctx, []SKUID{in.SKU}, func(s Store) error {
			id := MovementID(uuid.NewString())
			rows, err := e.Executor.Execute(ctx, s, plan, id)
			if err != nil {
				return err
			}
			m, err := e.Movements.Record(ctx, s, MovementInput{
				ID:        id,
				Type:      MoveAdjustment,
				SKU:       in.SKU,
				Quantity:  in.Quantity,
				Unit:      sku.Unit,
				Reference: in.Reference,
				Note:      in.Reason,
				Timestamp: in.At,
			}, rows)
			if err != nil {
				return err
			}
			res = AdjustResult{Movement: m, Consumptions: rows}
			return e.Layers.refreshSKU(ctx, s, in.SKU)
		})
	})
	return res, err
}

// =============================================================================
// WORK ORDERS / REVERSALS
// =============================================================================

func (e *Engine) ProcessWorkOrder(ctx context.Context, req WorkOrderRequest) (WorkOrderResult, error) {
	return e.WorkOrders.Process(ctx, req)
}

func (e *Engine) PreviewWorkOrder(ctx context.Context, req WorkOrderRequest) (WorkOrderPreview, error) {
	return e.WorkOrders.Preview(ctx, req)
}

func (e *Engine) WorkOrder(ctx context.Context, id WorkOrderID) (WorkOrderResult, error) {
	return e.WorkOrders.Get(ctx, id)
}

// DeleteMovement is the only deletion path: it reverses the movement.
func (e *Engine) DeleteMovement(ctx context.Context, id MovementID) (ReversalResult, error) {
	return e.Reversals.Reverse(ctx, id)
}

// =============================================================================
// READ SIDE
// =============================================================================

// CurrentLayers returns sku's layers oldest first, exhausted ones included.
func (e *Engine) CurrentLayers(ctx context.Context, sku SKUID) ([]Layer, error) {
	return e.Layers.LayersFor(ctx, e.store, sku)
}

func (e *Engine) Movement(ctx context.Context, id MovementID) (Movement, error) {
	return e.Movements.Get(ctx, e.store, id)
}

func (e *Engine) ListMovements(ctx context.Context, filter MovementFilter) iter.Seq2[Movement, error] {
	return e.Movements.List(ctx, e.store, filter)
}

func (e *Engine) Consumptions(ctx context.Context, id MovementID) ([]LayerConsumption, error) {
	return e.store.ConsumptionsForMovement(ctx, id)
}

// SKUSummary is one row of the inventory summary.
type SKUSummary struct {
	SKU      SKU
	OnHand   decimal.Decimal
	AvgCost  *decimal.Decimal
	Value    Money
	Layers   int
	BelowMin bool
}

// Summary reports on-hand, average cost and value per SKU, computed from
// the layers rather than the SKU caches.
func (e *Engine) Summary(ctx context.Context) ([]SKUSummary, error) {
	skus, err := e.store.ListSKUs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SKUSummary, 0, len(skus))
	for _, sku := range skus {
		layers, err := e.Layers.LayersFor(ctx, e.store, sku.ID)
		if err != nil {
			return nil, err
		}
		onHand, value := Valuation(layers)
		open := 0
		for _, l := range layers {
			if l.Drawable() {
				open++
			}
		}
		sku.OnHand = onHand
		out = append(out, SKUSummary{
			SKU:      sku,
			OnHand:   onHand,
			AvgCost:  AverageCost(layers),
			Value:    value,
			Layers:   open,
			BelowMin: sku.BelowMinimum(),
		})
	}
	return out, nil
}
