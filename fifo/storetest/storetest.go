/*
Package storetest is the behavioural contract every fifo.TxStore must meet.

PURPOSE:
  The engine relies on a handful of storage guarantees: FIFO ordering of
  layers, compare-and-swap layer updates, all-or-nothing transactions,
  soft-delete filtering and one active work order per reference. Each
  store implementation runs Run from its own tests.

USAGE:
  func TestContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) fifo.TxStore { return store.NewMemory() })
  }

SEE ALSO:
  - fifo/store.go: the interface being verified
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fifo-ledger/fifo"
)

// Factory opens an empty store for one subtest.
type Factory func(t *testing.T) fifo.TxStore

// Run executes the contract against stores produced by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st fifo.TxStore)
	}{
		{"SKURoundTrip", testSKURoundTrip},
		{"LayersInFIFOOrder", testLayersInFIFOOrder},
		{"UpdateLayerIsCompareAndSwap", testUpdateLayerCAS},
		{"TxRollsBackOnError", testTxRollback},
		{"ReversedRowsAreHidden", testReversedRowsHidden},
		{"WorkOrderReferenceUnique", testWorkOrderReference},
		{"ListMovementsOrderAndPaging", testListMovements},
		{"EngineEndToEnd", testEngineEndToEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

var base = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func saveSKU(t *testing.T, st fifo.TxStore, id fifo.SKUID) {
	t.Helper()
	require.NoError(t, st.SaveSKU(context.Background(), fifo.SKU{
		ID:           id,
		Name:         string(id),
		MaterialType: fifo.MaterialRaw,
		Unit:         "kg",
		Active:       true,
		MinStock:     decimal.Zero,
		OnHand:       decimal.Zero,
		CreatedAt:    base,
		UpdatedAt:    base,
	}))
}

// receipt writes a RECEIVE movement and its layer in one transaction.
func receipt(t *testing.T, st fifo.TxStore, id string, sku fifo.SKUID, qty string, at time.Time) fifo.Layer {
	t.Helper()
	var layer fifo.Layer
	require.NoError(t, st.WithTx(context.Background(), func(s fifo.Store) error {
		ctx := context.Background()
		mv := fifo.Movement{
			ID:         fifo.MovementID("mv-" + id),
			Timestamp:  at,
			Type:       fifo.MoveReceive,
			SKU:        sku,
			Quantity:   dec(qty),
			Unit:       "kg",
			UnitCost:   dec("1"),
			TotalValue: fifo.LineCost(dec(qty), dec("1")),
			CreatedAt:  at,
		}
		if err := s.InsertMovement(ctx, mv); err != nil {
			return err
		}
		var err error
		layer, err = s.InsertLayer(ctx, fifo.Layer{
			ID:               fifo.LayerID(id),
			SKU:              sku,
			ReceivedAt:       at,
			Original:         dec(qty),
			Remaining:        dec(qty),
			UnitCost:         dec("1"),
			Status:           fifo.LayerActive,
			SourceMovementID: mv.ID,
			CreatedAt:        at,
		})
		return err
	}))
	return layer
}

// =============================================================================
// CONTRACT
// =============================================================================

func testSKURoundTrip(t *testing.T, st fifo.TxStore) {
	ctx := context.Background()
	saveSKU(t, st, "FLOUR")

	avg := dec("2.5")
	require.NoError(t, st.UpdateSKUStock(ctx, "FLOUR", dec("12.5"), &avg))

	got, err := st.GetSKU(ctx, "FLOUR")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.OnHand.Equal(dec("12.5")))
	require.NotNil(t, got.AvgCost)
	assert.True(t, got.AvgCost.Equal(avg))

	missing, err := st.GetSKU(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := st.ListSKUs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testLayersInFIFOOrder(t *testing.T, st fifo.TxStore) {
	saveSKU(t, st, "FLOUR")
	late := receipt(t, st, "L-late", "FLOUR", "1", base.Add(48*time.Hour))
	early := receipt(t, st, "L-early", "FLOUR", "1", base)
	tieA := receipt(t, st, "L-tie-a", "FLOUR", "1", base.Add(24*time.Hour))
	tieB := receipt(t, st, "L-tie-b", "FLOUR", "1", base.Add(24*time.Hour))

	assert.Less(t, late.Seq, early.Seq)
	assert.Less(t, tieA.Seq, tieB.Seq)
	assert.Equal(t, int64(1), early.Version)

	layers, err := st.LayersForSKU(context.Background(), "FLOUR")
	require.NoError(t, err)
	ids := make([]fifo.LayerID, len(layers))
	for i, l := range layers {
		ids[i] = l.ID
	}
	assert.Equal(t, []fifo.LayerID{early.ID, tieA.ID, tieB.ID, late.ID}, ids)

	byMovement, err := st.LayersForMovement(context.Background(), "mv-L-early")
	require.NoError(t, err)
	require.Len(t, byMovement, 1)
	assert.Equal(t, early.ID, byMovement[0].ID)
}

func testUpdateLayerCAS(t *testing.T, st fifo.TxStore) {
	ctx := context.Background()
	saveSKU(t, st, "FLOUR")
	l := receipt(t, st, "L1", "FLOUR", "5", base)

	l.Remaining = dec("3")
	updated, err := st.UpdateLayer(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, l.Version+1, updated.Version)

	// Same write based on the old version loses.
	l.Remaining = dec("1")
	_, err = st.UpdateLayer(ctx, l)
	assert.ErrorIs(t, err, fifo.ErrConcurrentModification)

	got, err := st.GetLayer(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, got.Remaining.Equal(dec("3")))
	assert.True(t, got.UnitCost.Equal(dec("1")))
	assert.True(t, got.Original.Equal(dec("5")))
}

func testTxRollback(t *testing.T, st fifo.TxStore) {
	ctx := context.Background()
	saveSKU(t, st, "FLOUR")
	l := receipt(t, st, "L1", "FLOUR", "5", base)
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(s fifo.Store) error {
		cur, err := s.GetLayer(ctx, l.ID)
		if err != nil {
			return err
		}
		cur.Remaining = dec("0")
		cur.Status = fifo.LayerExhausted
		if _, err := s.UpdateLayer(ctx, *cur); err != nil {
			return err
		}
		if err := s.UpdateSKUStock(ctx, "FLOUR", decimal.Zero, nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := st.GetLayer(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, got.Remaining.Equal(dec("5")))
	assert.Equal(t, fifo.LayerActive, got.Status)
	assert.Equal(t, l.Version, got.Version)
}

func testReversedRowsHidden(t *testing.T, st fifo.TxStore) {
	ctx := context.Background()
	saveSKU(t, st, "FLOUR")
	l := receipt(t, st, "L1", "FLOUR", "5", base)
	issue := fifo.Movement{
		ID: "mv-issue", Timestamp: base.Add(time.Hour), Type: fifo.MoveIssue, SKU: "FLOUR",
		Quantity: dec("-2"), Unit: "kg", UnitCost: dec("1"), TotalValue: 200, CreatedAt: base,
	}
	row := fifo.LayerConsumption{
		ID: "c1", MovementID: issue.ID, LayerID: l.ID, SKU: "FLOUR", Kind: fifo.ConsumeDraw,
		Quantity: dec("2"), UnitCost: dec("1"), TotalCost: 200, CreatedAt: base,
	}
	require.NoError(t, st.WithTx(ctx, func(s fifo.Store) error {
		if err := s.InsertConsumption(ctx, row); err != nil {
			return err
		}
		return s.InsertMovement(ctx, issue)
	}))

	rows, err := st.ConsumptionsForLayer(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, fifo.ConsumeDraw, rows[0].Kind)
	assert.Equal(t, fifo.Money(200), rows[0].TotalCost)

	at := base.Add(2 * time.Hour)
	require.NoError(t, st.WithTx(ctx, func(s fifo.Store) error {
		if err := s.MarkConsumptionReversed(ctx, row.ID, at); err != nil {
			return err
		}
		if err := s.MarkMovementReversed(ctx, issue.ID, at); err != nil {
			return err
		}
		return s.MarkLayerReversed(ctx, l.ID, at)
	}))

	rows, err = st.ConsumptionsForMovement(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	layers, err := st.LayersForSKU(ctx, "FLOUR")
	require.NoError(t, err)
	assert.Empty(t, layers)

	// Direct lookups still see the row, marked.
	mv, err := st.GetMovement(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, mv)
	assert.True(t, mv.IsReversed())
	gl, err := st.GetLayer(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, gl.IsReversed())
}

func testWorkOrderReference(t *testing.T, st fifo.TxStore) {
	ctx := context.Background()
	wo := fifo.WorkOrder{
		ID: "wo-1", Reference: "WO-REF", OutputName: "Bread", OutputQty: dec("10"), OutputUnit: "pcs",
		TotalRawCost: 1000, TotalWasteCost: 100, NetCost: 900, UnitCost: dec("0.9"), CreatedAt: base,
	}
	require.NoError(t, st.InsertWorkOrder(ctx, wo))

	dup := wo
	dup.ID = "wo-2"
	assert.ErrorIs(t, st.InsertWorkOrder(ctx, dup), fifo.ErrDuplicateReference)

	found, err := st.FindWorkOrderByReference(ctx, "WO-REF")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, wo.ID, found.ID)
	assert.Equal(t, fifo.Money(900), found.NetCost)

	require.NoError(t, st.MarkWorkOrderReversed(ctx, wo.ID, base))
	found, err = st.FindWorkOrderByReference(ctx, "WO-REF")
	require.NoError(t, err)
	assert.Nil(t, found)
	require.NoError(t, st.InsertWorkOrder(ctx, dup))
}

func testListMovements(t *testing.T, st fifo.TxStore) {
	ctx := context.Background()
	saveSKU(t, st, "FLOUR")
	saveSKU(t, st, "SALT")
	receipt(t, st, "a", "FLOUR", "1", base.Add(2*time.Hour))
	receipt(t, st, "b", "SALT", "1", base)
	receipt(t, st, "c", "FLOUR", "1", base.Add(time.Hour))

	all, err := st.ListMovements(ctx, fifo.MovementFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, fifo.MovementID("mv-b"), all[0].ID)
	assert.Equal(t, fifo.MovementID("mv-c"), all[1].ID)
	assert.Equal(t, fifo.MovementID("mv-a"), all[2].ID)

	flour, err := st.ListMovements(ctx, fifo.MovementFilter{SKU: "FLOUR"})
	require.NoError(t, err)
	assert.Len(t, flour, 2)

	from := base.Add(time.Hour)
	window, err := st.ListMovements(ctx, fifo.MovementFilter{From: &from})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	page, err := st.ListMovements(ctx, fifo.MovementFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, fifo.MovementID("mv-c"), page[0].ID)
}

// testEngineEndToEnd drives the engine over the store: receive, work order
// with waste, reversal, and an integrity check at every step.
func testEngineEndToEnd(t *testing.T, st fifo.TxStore) {
	ctx := context.Background()
	e := fifo.NewEngine(st)
	for _, id := range []fifo.SKUID{"FLOUR", "SUGAR"} {
		_, err := e.RegisterSKU(ctx, fifo.SKU{ID: id, Name: string(id), MaterialType: fifo.MaterialRaw, Unit: "g", Active: true})
		require.NoError(t, err)
	}
	for _, r := range []fifo.ReceiveInput{
		{SKU: "FLOUR", Quantity: dec("3000"), UnitCost: dec("0.001"), ReceivedAt: base},
		{SKU: "FLOUR", Quantity: dec("5000"), UnitCost: dec("0.002"), ReceivedAt: base.Add(time.Hour)},
		{SKU: "SUGAR", Quantity: dec("2000"), UnitCost: dec("0.004"), ReceivedAt: base},
	} {
		_, err := e.Receive(ctx, r)
		require.NoError(t, err)
	}

	wo, err := e.ProcessWorkOrder(ctx, fifo.WorkOrderRequest{
		Reference:  "WO-BREAD-001",
		OutputName: "Bread",
		OutputQty:  dec("20"),
		OutputUnit: "pcs",
		RawLines: []fifo.WorkOrderLine{
			{SKU: "FLOUR", Quantity: dec("4000")},
			{SKU: "SUGAR", Quantity: dec("500")},
		},
		WasteLines: []fifo.WorkOrderLine{{SKU: "FLOUR", Quantity: dec("200")}},
		At:         base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	// FLOUR 3000 @ 0.001 + 1000 @ 0.002 = 5.00, SUGAR 500 @ 0.004 = 2.00,
	// waste 200 @ 0.001 = 0.20.
	assert.Equal(t, fifo.Money(700), wo.WorkOrder.TotalRawCost)
	assert.Equal(t, fifo.Money(20), wo.WorkOrder.TotalWasteCost)
	assert.Equal(t, fifo.Money(680), wo.Produce.TotalValue)

	for _, sku := range []fifo.SKUID{"FLOUR", "SUGAR"} {
		rep, err := e.CheckIntegrity(ctx, sku)
		require.NoError(t, err)
		assert.True(t, rep.OK(), "%s: %v", sku, rep.Violations)
	}

	replay, err := e.ProcessWorkOrder(ctx, fifo.WorkOrderRequest{
		Reference: "WO-BREAD-001", OutputName: "Bread", OutputQty: dec("20"),
		RawLines: []fifo.WorkOrderLine{{SKU: "FLOUR", Quantity: dec("4000")}},
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, wo.WorkOrder.ID, replay.WorkOrder.ID)

	_, err = e.DeleteMovement(ctx, wo.Produce.ID)
	require.NoError(t, err)
	flour, err := e.GetSKU(ctx, "FLOUR")
	require.NoError(t, err)
	assert.True(t, flour.OnHand.Equal(dec("8000")), "on hand %s", flour.OnHand)

	for _, sku := range []fifo.SKUID{"FLOUR", "SUGAR"} {
		rep, err := e.CheckIntegrity(ctx, sku)
		require.NoError(t, err)
		assert.True(t, rep.OK(), "%s: %v", sku, rep.Violations)
	}
}
