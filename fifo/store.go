/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Implementations keep the logical layout from the data model: skus,
  layers, movements, layer_consumptions and work_orders, soft-deleted via
  reversed_at.

KEY INTERFACES:
  Store:   Reads and row-level writes used by the engine
  TxStore: Store + WithTx for all-or-nothing mutations

OPTIMISTIC CONCURRENCY:
  UpdateLayer is a compare-and-swap on Layer.Version. A store must refuse the
  write with ErrConcurrentModification when the stored version differs from
  the version carried by the argument, and bump the version on success.

IMPLEMENTATIONS:
  - fifo/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - executor.go: the only caller of UpdateLayer on the draw path
  - reversal.go: the only caller of the Mark*Reversed methods
*/
package fifo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// SKUs
	SaveSKU(ctx context.Context, sku SKU) error
	GetSKU(ctx context.Context, id SKUID) (*SKU, error)
	ListSKUs(ctx context.Context) ([]SKU, error)
	UpdateSKUStock(ctx context.Context, id SKUID, onHand decimal.Decimal, avgCost *decimal.Decimal) error

	// Layers. InsertLayer assigns Seq and returns the stored layer.
	InsertLayer(ctx context.Context, layer Layer) (Layer, error)
	GetLayer(ctx context.Context, id LayerID) (*Layer, error)
	// LayersForSKU returns non-reversed layers in FIFO order.
	LayersForSKU(ctx context.Context, sku SKUID) ([]Layer, error)
	// LayersForMovement returns the non-reversed layers a movement created.
	LayersForMovement(ctx context.Context, id MovementID) ([]Layer, error)
	UpdateLayer(ctx context.Context, layer Layer) (Layer, error)
	MarkLayerReversed(ctx context.Context, id LayerID, at time.Time) error

	// Consumptions. Queries return non-reversed rows in creation order.
	InsertConsumption(ctx context.Context, c LayerConsumption) error
	ConsumptionsForMovement(ctx context.Context, id MovementID) ([]LayerConsumption, error)
	ConsumptionsForLayer(ctx context.Context, id LayerID) ([]LayerConsumption, error)
	MarkConsumptionReversed(ctx context.Context, id ConsumptionID, at time.Time) error

	// Movements
	InsertMovement(ctx context.Context, m Movement) error
	GetMovement(ctx context.Context, id MovementID) (*Movement, error)
	// MovementsForWorkOrder returns the work order's non-reversed movements
	// in creation order.
	MovementsForWorkOrder(ctx context.Context, id WorkOrderID) ([]Movement, error)
	FindMovementByReference(ctx context.Context, t MovementType, reference string) (*Movement, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	MarkMovementReversed(ctx context.Context, id MovementID, at time.Time) error

	// Work orders
	InsertWorkOrder(ctx context.Context, wo WorkOrder) error
	GetWorkOrder(ctx context.Context, id WorkOrderID) (*WorkOrder, error)
	FindWorkOrderByReference(ctx context.Context, reference string) (*WorkOrder, error)
	MarkWorkOrderReversed(ctx context.Context, id WorkOrderID, at time.Time) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back. If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// FILTERS
// =============================================================================

// MovementFilter selects movements for the read side. Zero values mean
// "no constraint". Results are ordered by (Timestamp, CreatedAt, ID).
type MovementFilter struct {
	From            *time.Time
	To              *time.Time
	Type            MovementType
	SKU             SKUID
	Reference       string
	WorkOrderID     WorkOrderID
	IncludeReversed bool

	// Paging, used by MovementLedger.List to stream results.
	Limit  int
	Offset int
}

// Matches applies the non-paging part of the filter to one movement.
// In-memory stores use it directly; SQL stores translate it to WHERE clauses.
func (f MovementFilter) Matches(m Movement) bool {
	if !f.IncludeReversed && m.IsReversed() {
		return false
	}
	if f.From != nil && m.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && m.Timestamp.After(*f.To) {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.SKU != "" && m.SKU != f.SKU {
		return false
	}
	if f.Reference != "" && m.Reference != f.Reference {
		return false
	}
	if f.WorkOrderID != "" && m.WorkOrderID != f.WorkOrderID {
		return false
	}
	return true
}
