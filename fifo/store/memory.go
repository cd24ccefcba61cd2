// Package store provides in-process fifo.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fifo-ledger/fifo"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// tables holds the rows. Its methods assume the caller holds the lock.
type tables struct {
	seq int64

	skus         map[fifo.SKUID]fifo.SKU
	layers       map[fifo.LayerID]fifo.Layer
	layerOrder   []fifo.LayerID
	consumptions map[fifo.ConsumptionID]fifo.LayerConsumption
	consOrder    []fifo.ConsumptionID
	movements    map[fifo.MovementID]fifo.Movement
	movOrder     []fifo.MovementID
	workOrders   map[fifo.WorkOrderID]fifo.WorkOrder
}

func newTables() *tables {
	return &tables{
		skus:         make(map[fifo.SKUID]fifo.SKU),
		layers:       make(map[fifo.LayerID]fifo.Layer),
		consumptions: make(map[fifo.ConsumptionID]fifo.LayerConsumption),
		movements:    make(map[fifo.MovementID]fifo.Movement),
		workOrders:   make(map[fifo.WorkOrderID]fifo.WorkOrder),
	}
}

func (t *tables) clone() *tables {
	c := &tables{
		seq:          t.seq,
		skus:         make(map[fifo.SKUID]fifo.SKU, len(t.skus)),
		layers:       make(map[fifo.LayerID]fifo.Layer, len(t.layers)),
		layerOrder:   append([]fifo.LayerID{}, t.layerOrder...),
		consumptions: make(map[fifo.ConsumptionID]fifo.LayerConsumption, len(t.consumptions)),
		consOrder:    append([]fifo.ConsumptionID{}, t.consOrder...),
		movements:    make(map[fifo.MovementID]fifo.Movement, len(t.movements)),
		movOrder:     append([]fifo.MovementID{}, t.movOrder...),
		workOrders:   make(map[fifo.WorkOrderID]fifo.WorkOrder, len(t.workOrders)),
	}
	for k, v := range t.skus {
		c.skus[k] = v
	}
	for k, v := range t.layers {
		c.layers[k] = v
	}
	for k, v := range t.consumptions {
		c.consumptions[k] = v
	}
	for k, v := range t.movements {
		c.movements[k] = v
	}
	for k, v := range t.workOrders {
		c.workOrders[k] = v
	}
	return c
}

// ----- SKUs -----

func (t *tables) SaveSKU(_ context.Context, sku fifo.SKU) error {
	t.skus[sku.ID] = sku
	return nil
}

func (t *tables) GetSKU(_ context.Context, id fifo.SKUID) (*fifo.SKU, error) {
	sku, ok := t.skus[id]
	if !ok {
		return nil, nil
	}
	return &sku, nil
}

func (t *tables) ListSKUs(_ context.Context) ([]fifo.SKU, error) {
	out := make([]fifo.SKU, 0, len(t.skus))
	for _, s := range t.skus {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) UpdateSKUStock(_ context.Context, id fifo.SKUID, onHand decimal.Decimal, avgCost *decimal.Decimal) error {
	sku, ok := t.skus[id]
	if !ok {
		return fmt.Errorf("sku %s: %w", id, fifo.ErrNotFound)
	}
	sku.OnHand = onHand
	sku.AvgCost = avgCost
	t.skus[id] = sku
	return nil
}

// ----- Layers -----

func (t *tables) InsertLayer(_ context.Context, l fifo.Layer) (fifo.Layer, error) {
	if _, ok := t.layers[l.ID]; ok {
		return fifo.Layer{}, fmt.Errorf("layer %s already exists", l.ID)
	}
	t.seq++
	l.Seq = t.seq
	l.Version = 1
	t.layers[l.ID] = l
	t.layerOrder = append(t.layerOrder, l.ID)
	return l, nil
}

func (t *tables) GetLayer(_ context.Context, id fifo.LayerID) (*fifo.Layer, error) {
	l, ok := t.layers[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (t *tables) LayersForSKU(_ context.Context, sku fifo.SKUID) ([]fifo.Layer, error) {
	var out []fifo.Layer
	for _, id := range t.layerOrder {
		l := t.layers[id]
		if l.SKU == sku && !l.IsReversed() {
			out = append(out, l)
		}
	}
	fifo.SortFIFO(out)
	return out, nil
}

func (t *tables) LayersForMovement(_ context.Context, id fifo.MovementID) ([]fifo.Layer, error) {
	var out []fifo.Layer
	for _, lid := range t.layerOrder {
		l := t.layers[lid]
		if l.SourceMovementID == id && !l.IsReversed() {
			out = append(out, l)
		}
	}
	return out, nil
}

// UpdateLayer is a compare-and-swap on Version.
func (t *tables) UpdateLayer(_ context.Context, l fifo.Layer) (fifo.Layer, error) {
	cur, ok := t.layers[l.ID]
	if !ok {
		return fifo.Layer{}, fmt.Errorf("layer %s: %w", l.ID, fifo.ErrNotFound)
	}
	if cur.Version != l.Version {
		return fifo.Layer{}, fmt.Errorf("layer %s at version %d, write based on %d: %w",
			l.ID, cur.Version, l.Version, fifo.ErrConcurrentModification)
	}
	// Identity, cost and origin are immutable.
	cur.Remaining = l.Remaining
	cur.Status = l.Status
	cur.Version++
	t.layers[l.ID] = cur
	return cur, nil
}

func (t *tables) MarkLayerReversed(_ context.Context, id fifo.LayerID, at time.Time) error {
	l, ok := t.layers[id]
	if !ok {
		return fmt.Errorf("layer %s: %w", id, fifo.ErrNotFound)
	}
	l.ReversedAt = &at
	l.Version++
	t.layers[id] = l
	return nil
}

// ----- Consumptions -----

func (t *tables) InsertConsumption(_ context.Context, c fifo.LayerConsumption) error {
	if _, ok := t.consumptions[c.ID]; ok {
		return fmt.Errorf("consumption %s already exists", c.ID)
	}
	if _, ok := t.layers[c.LayerID]; !ok {
		return fmt.Errorf("consumption %s references unknown layer %s", c.ID, c.LayerID)
	}
	t.consumptions[c.ID] = c
	t.consOrder = append(t.consOrder, c.ID)
	return nil
}

func (t *tables) consumptionsWhere(match func(fifo.LayerConsumption) bool) []fifo.LayerConsumption {
	var out []fifo.LayerConsumption
	for _, id := range t.consOrder {
		c := t.consumptions[id]
		if !c.IsReversed() && match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (t *tables) ConsumptionsForMovement(_ context.Context, id fifo.MovementID) ([]fifo.LayerConsumption, error) {
	return t.consumptionsWhere(func(c fifo.LayerConsumption) bool { return c.MovementID == id }), nil
}

func (t *tables) ConsumptionsForLayer(_ context.Context, id fifo.LayerID) ([]fifo.LayerConsumption, error) {
	return t.consumptionsWhere(func(c fifo.LayerConsumption) bool { return c.LayerID == id }), nil
}

func (t *tables) MarkConsumptionReversed(_ context.Context, id fifo.ConsumptionID, at time.Time) error {
	c, ok := t.consumptions[id]
	if !ok {
		return fmt.Errorf("consumption %s: %w", id, fifo.ErrNotFound)
	}
	c.ReversedAt = &at
	t.consumptions[id] = c
	return nil
}

// ----- Movements -----

func (t *tables) InsertMovement(_ context.Context, m fifo.Movement) error {
	if _, ok := t.movements[m.ID]; ok {
		return fmt.Errorf("movement %s already exists", m.ID)
	}
	t.movements[m.ID] = m
	t.movOrder = append(t.movOrder, m.ID)
	return nil
}

func (t *tables) GetMovement(_ context.Context, id fifo.MovementID) (*fifo.Movement, error) {
	m, ok := t.movements[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *tables) MovementsForWorkOrder(_ context.Context, id fifo.WorkOrderID) ([]fifo.Movement, error) {
	var out []fifo.Movement
	for _, mid := range t.movOrder {
		m := t.movements[mid]
		if m.WorkOrderID == id && !m.IsReversed() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *tables) FindMovementByReference(_ context.Context, typ fifo.MovementType, ref string) (*fifo.Movement, error) {
	for _, mid := range t.movOrder {
		m := t.movements[mid]
		if m.Type == typ && m.Reference == ref && !m.IsReversed() {
			return &m, nil
		}
	}
	return nil, nil
}

func (t *tables) ListMovements(_ context.Context, f fifo.MovementFilter) ([]fifo.Movement, error) {
	var out []fifo.Movement
	for _, mid := range t.movOrder {
		if m := t.movements[mid]; f.Matches(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *tables) MarkMovementReversed(_ context.Context, id fifo.MovementID, at time.Time) error {
	m, ok := t.movements[id]
	if !ok {
		return fmt.Errorf("movement %s: %w", id, fifo.ErrNotFound)
	}
	m.ReversedAt = &at
	t.movements[id] = m
	return nil
}

// ----- Work orders -----

func (t *tables) InsertWorkOrder(ctx context.Context, wo fifo.WorkOrder) error {
	if existing, _ := t.FindWorkOrderByReference(ctx, wo.Reference); existing != nil {
		return fmt.Errorf("work order %s: %w", wo.Reference, fifo.ErrDuplicateReference)
	}
	t.workOrders[wo.ID] = wo
	return nil
}

func (t *tables) GetWorkOrder(_ context.Context, id fifo.WorkOrderID) (*fifo.WorkOrder, error) {
	wo, ok := t.workOrders[id]
	if !ok {
		return nil, nil
	}
	return &wo, nil
}

func (t *tables) FindWorkOrderByReference(_ context.Context, ref string) (*fifo.WorkOrder, error) {
	for _, wo := range t.workOrders {
		if wo.Reference == ref && !wo.IsReversed() {
			return &wo, nil
		}
	}
	return nil, nil
}

func (t *tables) MarkWorkOrderReversed(_ context.Context, id fifo.WorkOrderID, at time.Time) error {
	wo, ok := t.workOrders[id]
	if !ok {
		return fmt.Errorf("work order %s: %w", id, fifo.ErrNotFound)
	}
	wo.ReversedAt = &at
	t.workOrders[id] = wo
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// Memory is a fifo.TxStore. Every call takes the store lock; WithTx holds
// the write lock for the whole transaction.
type Memory struct {
	mu sync.RWMutex
	t  *tables
}

func NewMemory() *Memory {
	return &Memory{t: newTables()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(fifo.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.t.clone()
	if err := fn(m.t); err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = newTables()
	return nil
}

func (m *Memory) read() func() {
	m.mu.RLock()
	return m.mu.RUnlock
}

func (m *Memory) write() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) SaveSKU(ctx context.Context, sku fifo.SKU) error {
	defer m.write()()
	return m.t.SaveSKU(ctx, sku)
}

func (m *Memory) GetSKU(ctx context.Context, id fifo.SKUID) (*fifo.SKU, error) {
	defer m.read()()
	return m.t.GetSKU(ctx, id)
}

func (m *Memory) ListSKUs(ctx context.Context) ([]fifo.SKU, error) {
	defer m.read()()
	return m.t.ListSKUs(ctx)
}

func (m *Memory) UpdateSKUStock(ctx context.Context, id fifo.SKUID, onHand decimal.Decimal, avgCost *decimal.Decimal) error {
	defer m.write()()
	return m.t.UpdateSKUStock(ctx, id, onHand, avgCost)
}

func (m *Memory) InsertLayer(ctx context.Context, l fifo.Layer) (fifo.Layer, error) {
	defer m.write()()
	return m.t.InsertLayer(ctx, l)
}

func (m *Memory) GetLayer(ctx context.Context, id fifo.LayerID) (*fifo.Layer, error) {
	defer m.read()()
	return m.t.GetLayer(ctx, id)
}

func (m *Memory) LayersForSKU(ctx context.Context, sku fifo.SKUID) ([]fifo.Layer, error) {
	defer m.read()()
	return m.t.LayersForSKU(ctx, sku)
}

func (m *Memory) LayersForMovement(ctx context.Context, id fifo.MovementID) ([]fifo.Layer, error) {
	defer m.read()()
	return m.t.LayersForMovement(ctx, id)
}

func (m *Memory) UpdateLayer(ctx context.Context, l fifo.Layer) (fifo.Layer, error) {
	defer m.write()()
	return m.t.UpdateLayer(ctx, l)
}

func (m *Memory) MarkLayerReversed(ctx context.Context, id fifo.LayerID, at time.Time) error {
	defer m.write()()
	return m.t.MarkLayerReversed(ctx, id, at)
}

func (m *Memory) InsertConsumption(ctx context.Context, c fifo.LayerConsumption) error {
	defer m.write()()
	return m.t.InsertConsumption(ctx, c)
}

func (m *Memory) ConsumptionsForMovement(ctx context.Context, id fifo.MovementID) ([]fifo.LayerConsumption, error) {
	defer m.read()()
	return m.t.ConsumptionsForMovement(ctx, id)
}

func (m *Memory) ConsumptionsForLayer(ctx context.Context, id fifo.LayerID) ([]fifo.LayerConsumption, error) {
	defer m.read()()
	return m.t.ConsumptionsForLayer(ctx, id)
}

func (m *Memory) MarkConsumptionReversed(ctx context.Context, id fifo.ConsumptionID, at time.Time) error {
	defer m.write()()
	return m.t.MarkConsumptionReversed(ctx, id, at)
}

func (m *Memory) InsertMovement(ctx context.Context, mv fifo.Movement) error {
	defer m.write()()
	return m.t.InsertMovement(ctx, mv)
}

func (m *Memory) GetMovement(ctx context.Context, id fifo.MovementID) (*fifo.Movement, error) {
	defer m.read()()
	return m.t.GetMovement(ctx, id)
}

func (m *Memory) MovementsForWorkOrder(ctx context.Context, id fifo.WorkOrderID) ([]fifo.Movement, error) {
	defer m.read()()
	return m.t.MovementsForWorkOrder(ctx, id)
}

func (m *Memory) FindMovementByReference(ctx context.Context, typ fifo.MovementType, ref string) (*fifo.Movement, error) {
	defer m.read()()
	return m.t.FindMovementByReference(ctx, typ, ref)
}

func (m *Memory) ListMovements(ctx context.Context, f fifo.MovementFilter) ([]fifo.Movement, error) {
	defer m.read()()
	return m.t.ListMovements(ctx, f)
}

func (m *Memory) MarkMovementReversed(ctx context.Context, id fifo.MovementID, at time.Time) error {
	defer m.write()()
	return m.t.MarkMovementReversed(ctx, id, at)
}

func (m *Memory) InsertWorkOrder(ctx context.Context, wo fifo.WorkOrder) error {
	defer m.write()()
	return m.t.InsertWorkOrder(ctx, wo)
}

func (m *Memory) GetWorkOrder(ctx context.Context, id fifo.WorkOrderID) (*fifo.WorkOrder, error) {
	defer m.read()()
	return m.t.GetWorkOrder(ctx, id)
}

func (m *Memory) FindWorkOrderByReference(ctx context.Context, ref string) (*fifo.WorkOrder, error) {
	defer m.read()()
	return m.t.FindWorkOrderByReference(ctx, ref)
}

func (m *Memory) MarkWorkOrderReversed(ctx context.Context, id fifo.WorkOrderID, at time.Time) error {
	defer m.write()()
	return m.t.MarkWorkOrderReversed(ctx, id, at)
}
