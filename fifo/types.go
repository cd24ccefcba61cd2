/*
Package fifo provides the FIFO cost-layer ledger engine.

PURPOSE:
  Every receipt of stock creates a cost layer. Every outgoing consumption
  (issue, waste, manufacturing) draws from the oldest remaining layers first,
  at the unit cost the layer was received with. This package owns the layer
  store, the planner, the executor, the movement ledger, the reversal engine
  and the work-order orchestrator.

KEY CONCEPTS IN THIS FILE (types.go):
  - SKU: A stock-keeping unit with cached on-hand and average cost
  - Layer: One cost lot for one SKU (immutable cost, depletable quantity)
  - LayerConsumption: Join record between a movement and a layer it drew from
  - Movement: One ledger entry (RECEIVE, ISSUE, WASTE, PRODUCE, ...)
  - WorkOrder: Groups a PRODUCE movement with its ISSUE/WASTE movements

DESIGN PRINCIPLES:
  1. Traceability: a consuming movement's value is always the sum of its
     consumption rows, never a caller-supplied number
  2. Precision: quantities are decimal.Decimal, money is integer cents
  3. Compensation: nothing is hard-deleted; reversals set ReversedAt
  4. Stable order: layers are drawn by (ReceivedAt, Seq)

SEE ALSO:
  - planner.go: Non-mutating consumption plans
  - executor.go: Applying plans under optimistic re-validation
  - reversal.go: Undoing movements
  - workorder.go: Multi-SKU manufacturing transactions
*/
package fifo

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SKUID string
type LayerID string
type MovementID string
type ConsumptionID string
type WorkOrderID string

// =============================================================================
// SKU - Stock-keeping unit (master data + cached stock figures)
// =============================================================================

type MaterialType string

const (
	MaterialRaw      MaterialType = "RAW"
	MaterialSellable MaterialType = "SELLABLE"
)

func (m MaterialType) IsValid() bool {
	return m == MaterialRaw || m == MaterialSellable
}

// SKU is master data. OnHand and AvgCost are caches refreshed by the engine
// inside every mutating transaction; callers never write them.
type SKU struct {
	ID           SKUID
	Name         string
	MaterialType MaterialType
	Category     string
	Unit         string
	Active       bool
	MinStock     decimal.Decimal

	OnHand  decimal.Decimal
	AvgCost *decimal.Decimal // nil when there is no stock

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BelowMinimum reports whether on-hand stock is under the SKU's threshold.
func (s SKU) BelowMinimum() bool {
	return s.MinStock.IsPositive() && s.OnHand.LessThan(s.MinStock)
}

// =============================================================================
// LAYER - One cost lot
// =============================================================================

type LayerStatus string

const (
	LayerActive     LayerStatus = "ACTIVE"
	LayerExhausted  LayerStatus = "EXHAUSTED"
	LayerExpired    LayerStatus = "EXPIRED"
	LayerQuarantine LayerStatus = "QUARANTINE"
)

// Layer is one receiving lot. Original and UnitCost never change after
// creation. Remaining only goes down, except when a reversal gives quantity
// back.
type Layer struct {
	ID               LayerID
	Seq              int64 // assigned by the store, breaks ReceivedAt ties
	SKU              SKUID
	ReceivedAt       time.Time
	Original         decimal.Decimal
	Remaining        decimal.Decimal
	UnitCost         decimal.Decimal
	Status           LayerStatus
	SourceMovementID MovementID
	Version          int64
	CreatedAt        time.Time
	ReversedAt       *time.Time
}

func (l Layer) IsReversed() bool { return l.ReversedAt != nil }

// Drawable reports whether the planner may take quantity from this layer.
func (l Layer) Drawable() bool {
	return l.Status == LayerActive && l.ReversedAt == nil && l.Remaining.IsPositive()
}

// Consumed is how much has been drawn from the layer so far.
func (l Layer) Consumed() decimal.Decimal {
	return l.Original.Sub(l.Remaining)
}

// Before defines FIFO draw order.
func (l Layer) Before(other Layer) bool {
	if !l.ReceivedAt.Equal(other.ReceivedAt) {
		return l.ReceivedAt.Before(other.ReceivedAt)
	}
	return l.Seq < other.Seq
}

// =============================================================================
// LAYER CONSUMPTION - Movement ↔ layer join record
// =============================================================================

type ConsumptionKind string

const (
	// ConsumeDraw decrements the layer's remaining quantity.
	ConsumeDraw ConsumptionKind = "DRAW"

	// ConsumeCarve attributes part of an earlier draw (same work order) to a
	// WASTE movement. It never touches the layer.
	ConsumeCarve ConsumptionKind = "CARVE"
)

type LayerConsumption struct {
	ID         ConsumptionID
	MovementID MovementID
	LayerID    LayerID
	SKU        SKUID
	Kind       ConsumptionKind
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal // copied from the layer, never recomputed
	TotalCost  Money
	CreatedAt  time.Time
	ReversedAt *time.Time
}

func (c LayerConsumption) IsReversed() bool { return c.ReversedAt != nil }

// =============================================================================
// MOVEMENT - Ledger entry
// =============================================================================

type MovementType string

const (
	MoveReceive    MovementType = "RECEIVE"
	MoveIssue      MovementType = "ISSUE"
	MoveWaste      MovementType = "WASTE"
	MoveProduce    MovementType = "PRODUCE"
	MoveAdjustment MovementType = "ADJUSTMENT"
	MoveTransfer   MovementType = "TRANSFER"
)

func (t MovementType) IsValid() bool {
	switch t {
	case MoveReceive, MoveIssue, MoveWaste, MoveProduce, MoveAdjustment, MoveTransfer:
		return true
	}
	return false
}

// Movement is one ledger entry. Quantity is signed (positive for stock
// coming in, negative for stock going out). TotalValue is the magnitude in
// cents.
type Movement struct {
	ID          MovementID
	Timestamp   time.Time
	Type        MovementType
	SKU         SKUID  // empty for PRODUCE
	OutputName  string // PRODUCE only
	Quantity    decimal.Decimal
	Unit        string
	UnitCost    decimal.Decimal
	TotalValue  Money
	Reference   string
	WorkOrderID WorkOrderID
	CarvedFrom  MovementID // WASTE of a work order → its ISSUE
	VendorRef   string
	Note        string
	CreatedAt   time.Time
	ReversedAt  *time.Time
}

func (m Movement) IsReversed() bool { return m.ReversedAt != nil }

// CreatesLayers reports whether the movement brought stock in as new layers.
func (m Movement) CreatesLayers() bool {
	return m.Type == MoveReceive || (m.Type == MoveAdjustment && m.Quantity.IsPositive())
}

// DrawsLayers reports whether the movement's consumption rows are draws.
func (m Movement) DrawsLayers() bool {
	switch m.Type {
	case MoveIssue:
		return true
	case MoveWaste:
		return m.CarvedFrom == ""
	case MoveAdjustment:
		return m.Quantity.IsNegative()
	}
	return false
}

// =============================================================================
// WORK ORDER
// =============================================================================

type WorkOrder struct {
	ID                WorkOrderID
	Reference         string
	OutputName        string
	OutputQty         decimal.Decimal
	OutputUnit        string
	TotalRawCost      Money
	TotalWasteCost    Money
	NetCost           Money
	UnitCost          decimal.Decimal
	ProduceMovementID MovementID
	CreatedAt         time.Time
	ReversedAt        *time.Time
}

func (w WorkOrder) IsReversed() bool { return w.ReversedAt != nil }
