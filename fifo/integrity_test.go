package fifo_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fifo-ledger/fifo"
)

func TestCheckIntegrity_CleanLedger(t *testing.T) {
	// GIVEN: Receipts, an issue, an adjustment and a work order
	e, _ := newTestEngine(t)
	registerRaw(t, e, "FLOUR")
	receive(t, e, "FLOUR", "5", "2", day(1))
	receive(t, e, "FLOUR", "7", "3", day(2))
	issue(t, e, "FLOUR", "3")
	_, err := e.Adjust(context.Background(), fifo.AdjustInput{SKU: "FLOUR", Quantity: dec("-1"), Reason: "count"})
	require.NoError(t, err)
	_, err = e.ProcessWorkOrder(context.Background(), fifo.WorkOrderRequest{
		OutputName: "Dough",
		OutputQty:  dec("1"),
		RawLines:   []fifo.WorkOrderLine{{SKU: "FLOUR", Quantity: dec("4")}},
		WasteLines: []fifo.WorkOrderLine{{SKU: "FLOUR", Quantity: dec("1")}},
	})
	require.NoError(t, err)

	// WHEN: Checking
	rep, err := e.CheckIntegrity(context.Background(), "FLOUR")

	// THEN: Everything checked, nothing wrong
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%v", rep.Violations)
	assert.NoError(t, rep.Err())
	assert.Equal(t, 2, rep.LayersChecked)
	assert.Equal(t, 6, rep.MovementsChecked) // 2 RECEIVE, ISSUE, ADJUSTMENT, WO ISSUE, WO WASTE
	assert.Equal(t, 1, rep.WorkOrders)
}

func TestCheckIntegrity_DetectsTamperedLayer(t *testing.T) {
	// GIVEN: A layer whose remaining was changed behind the engine's back
	reg := prometheus.NewRegistry()
	m := fifo.NewMetrics(reg)
	e, st := newTestEngine(t, fifo.WithMetrics(m))
	registerRaw(t, e, "FLOUR")
	l := receive(t, e, "FLOUR", "5", "2", day(1)).Layer
	cur := layerOf(t, st, l.ID)
	cur.Remaining = dec("4")
	_, err := st.UpdateLayer(context.Background(), cur)
	require.NoError(t, err)

	// WHEN: Checking
	rep, err := e.CheckIntegrity(context.Background(), "FLOUR")

	// THEN: Reported, not repaired
	require.NoError(t, err)
	require.False(t, rep.OK())
	assert.ErrorIs(t, rep.Err(), fifo.ErrIntegrity)

	checks := map[string]bool{}
	for _, v := range rep.Violations {
		checks[v.Check] = true
	}
	assert.True(t, checks["remaining == original − Σ draws"])
	assert.True(t, checks["cached on-hand"])
	assert.Equal(t, float64(len(rep.Violations)), testutil.ToFloat64(m.IntegrityFailures))
	requireDecEqual(t, "4", layerOf(t, st, l.ID).Remaining)
}

func TestCheckIntegrity_DetectsStatusMismatch(t *testing.T) {
	e, st := newTestEngine(t)
	registerRaw(t, e, "FLOUR")
	l := receive(t, e, "FLOUR", "5", "2", day(1)).Layer
	cur := layerOf(t, st, l.ID)
	cur.Status = fifo.LayerExhausted
	_, err := st.UpdateLayer(context.Background(), cur)
	require.NoError(t, err)

	rep, err := e.CheckIntegrity(context.Background(), "FLOUR")

	require.NoError(t, err)
	require.Len(t, rep.Violations, 1)
	assert.Equal(t, "exhausted layer is empty", rep.Violations[0].Check)
	assert.Equal(t, string(l.ID), rep.Violations[0].ID)
}

func TestCheckIntegrity_UnknownSKU(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.CheckIntegrity(context.Background(), "NOPE")

	assert.True(t, fifo.IsNotFound(err))
}

func TestCheckIntegrity_ConcurrentIssueIsNotAViolation(t *testing.T) {
	// GIVEN: One layer of 10 and an issue that starts while the check is
	// between reading the layer and reading its draws
	reg := prometheus.NewRegistry()
	m := fifo.NewMetrics(reg)
	st := newRacingStore(50 * time.Millisecond)
	e := fifo.NewEngine(st, fastRetry(4), fifo.WithMetrics(m))
	registerRaw(t, e, "FLOUR")
	receive(t, e, "FLOUR", "10", "1", day(1))

	var issueErr error
	st.arm(func() {
		_, issueErr = e.Issue(context.Background(), fifo.IssueInput{SKU: "FLOUR", Quantity: dec("3"), Kind: fifo.MoveIssue})
	})

	// WHEN: Checking
	rep, err := e.CheckIntegrity(context.Background(), "FLOUR")

	// THEN: The check saw one consistent state
	require.NoError(t, err)
	assert.True(t, rep.OK(), "violations: %v", rep.Violations)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.IntegrityFailures))

	// AND: The issue went through afterwards
	select {
	case <-st.done:
	case <-time.After(5 * time.Second):
		t.Fatal("issue never finished")
	}
	require.NoError(t, issueErr)
	requireDecEqual(t, "7", onHand(t, e, "FLOUR"))
	requireClean(t, e, "FLOUR")
}
