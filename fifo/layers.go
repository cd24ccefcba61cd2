package fifo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LAYER STORE - Ordered cost layers per SKU
// =============================================================================

// LayerStore creates layers and answers "what is on the shelf, in which
// order". It never changes Remaining or Status of an existing layer; only
// the Executor and the ReversalEngine do that.
type LayerStore struct {
	now func() time.Time
}

// AddLayer creates a new ACTIVE layer for sku. The store assigns Seq so
// that two layers received at the same instant keep creation order.
func (ls *LayerStore) AddLayer(ctx context.Context, s Store, sku SKUID, qty, unitCost decimal.Decimal, receivedAt time.Time, source MovementID) (Layer, error) {
	if sku == "" {
		return Layer{}, invalid("sku", "required")
	}
	if !qty.IsPositive() {
		return Layer{}, invalid("quantity", "must be positive, got %s", qty)
	}
	if unitCost.IsNegative() {
		return Layer{}, invalid("unit_cost", "must not be negative, got %s", unitCost)
	}

	layer := Layer{
		ID:               LayerID(uuid.NewString()),
		SKU:              sku,
		ReceivedAt:       receivedAt.UTC(),
		Original:         qty,
		Remaining:        qty,
		UnitCost:         unitCost,
		Status:           LayerActive,
		SourceMovementID: source,
		CreatedAt:        ls.now(),
	}
	stored, err := s.InsertLayer(ctx, layer)
	if err != nil {
		return Layer{}, fmt.Errorf("insert layer for %s: %w", sku, err)
	}
	return stored, nil
}

// LayersFor returns the SKU's non-reversed layers, oldest first. This is the
// single source of truth for draw order.
func (ls *LayerStore) LayersFor(ctx context.Context, s Store, sku SKUID) ([]Layer, error) {
	layers, err := s.LayersForSKU(ctx, sku)
	if err != nil {
		return nil, fmt.Errorf("load layers for %s: %w", sku, err)
	}
	SortFIFO(layers)
	return layers, nil
}

// SortFIFO orders layers by (ReceivedAt, Seq).
func SortFIFO(layers []Layer) {
	sort.SliceStable(layers, func(i, j int) bool {
		return layers[i].Before(layers[j])
	})
}

// AverageCost is Σ(remaining×cost)/Σremaining over the given layers, or nil
// when nothing remains.
func AverageCost(layers []Layer) *decimal.Decimal {
	qty := decimal.Zero
	value := decimal.Zero
	for _, l := range layers {
		if l.IsReversed() || !l.Remaining.IsPositive() {
			continue
		}
		qty = qty.Add(l.Remaining)
		value = value.Add(l.Remaining.Mul(l.UnitCost))
	}
	if qty.IsZero() {
		return nil
	}
	avg := value.DivRound(qty, 6)
	return &avg
}

// Valuation returns on-hand quantity and value. Value is summed per layer
// line in cents.
func Valuation(layers []Layer) (decimal.Decimal, Money) {
	qty := decimal.Zero
	var value Money
	for _, l := range layers {
		if l.IsReversed() || !l.Remaining.IsPositive() {
			continue
		}
		qty = qty.Add(l.Remaining)
		value += LineCost(l.Remaining, l.UnitCost)
	}
	return qty, value
}

// refreshSKU recomputes the cached on-hand and average cost of sku from its
// layers. Called inside the mutating transaction.
func (ls *LayerStore) refreshSKU(ctx context.Context, s Store, sku SKUID) error {
	layers, err := ls.LayersFor(ctx, s, sku)
	if err != nil {
		return err
	}
	onHand, _ := Valuation(layers)
	if err := s.UpdateSKUStock(ctx, sku, onHand, AverageCost(layers)); err != nil {
		return fmt.Errorf("refresh stock for %s: %w", sku, err)
	}
	return nil
}
