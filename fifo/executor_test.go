package fifo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fifo-ledger/fifo"
)

func TestExecute_DrawsAndRecordsConsumption(t *testing.T) {
	// GIVEN: L1(5 @ 2), L2(7 @ 3) and a plan for 8
	e, st := newTestEngine(t)
	registerRaw(t, e, "FLOUR")
	l1 := receive(t, e, "FLOUR", "5", "2", day(1)).Layer
	l2 := receive(t, e, "FLOUR", "7", "3", day(2)).Layer
	ctx := context.Background()
	plan, err := e.Planner.Plan(ctx, st, "FLOUR", dec("8"))
	require.NoError(t, err)

	// WHEN: Executing it
	var rows []fifo.LayerConsumption
	err = st.WithTx(ctx, func(s fifo.Store) error {
		var err error
		rows, err = e.Executor.Execute(ctx, s, plan, "mv-1")
		return err
	})
	require.NoError(t, err)

	// THEN: L1 is exhausted, L2 has 4 left, one DRAW row per line
	a := layerOf(t, st, l1.ID)
	requireDecEqual(t, "0", a.Remaining)
	assert.Equal(t, fifo.LayerExhausted, a.Status)
	assert.Equal(t, l1.Version+1, a.Version)

	b := layerOf(t, st, l2.ID)
	requireDecEqual(t, "4", b.Remaining)
	assert.Equal(t, fifo.LayerActive, b.Status)

	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, fifo.ConsumeDraw, r.Kind)
		assert.Equal(t, fifo.MovementID("mv-1"), r.MovementID)
	}
	assert.Equal(t, fifo.Money(1900), fifo.SumCosts(rows))
}

func TestExecute_StalePlanIsAConflict(t *testing.T) {
	// GIVEN: A plan computed before another issue drew from the same layer
	e, st := newTestEngine(t)
	registerRaw(t, e, "FLOUR")
	l := receive(t, e, "FLOUR", "10", "2", day(1)).Layer
	ctx := context.Background()
	stale, err := e.Planner.Plan(ctx, st, "FLOUR", dec("4"))
	require.NoError(t, err)
	issue(t, e, "FLOUR", "3")

	// WHEN: Executing the stale plan
	err = st.WithTx(ctx, func(s fifo.Store) error {
		_, err := e.Executor.Execute(ctx, s, stale, "mv-stale")
		return err
	})

	// THEN: ConcurrencyConflictError, retriable, layer untouched by the stale plan
	var conflict *fifo.ConcurrencyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, l.ID, conflict.LayerID)
	requireDecEqual(t, "10", conflict.Expected)
	requireDecEqual(t, "7", conflict.Actual)
	assert.True(t, fifo.IsRetryable(err))
	requireDecEqual(t, "7", layerOf(t, st, l.ID).Remaining)
}

func TestExecute_ConflictOnLaterLineRollsBackEarlierLines(t *testing.T) {
	// GIVEN: A two-line plan whose second layer changes before execution
	e, st := newTestEngine(t)
	registerRaw(t, e, "FLOUR")
	l1 := receive(t, e, "FLOUR", "5", "2", day(1)).Layer
	l2 := receive(t, e, "FLOUR", "7", "3", day(2)).Layer
	ctx := context.Background()
	plan, err := e.Planner.Plan(ctx, st, "FLOUR", dec("8"))
	require.NoError(t, err)

	require.NoError(t, st.WithTx(ctx, func(s fifo.Store) error {
		cur, err := s.GetLayer(ctx, l2.ID)
		if err != nil {
			return err
		}
		cur.Status = fifo.LayerQuarantine
		_, err = s.UpdateLayer(ctx, *cur)
		return err
	}))

	// WHEN: Executing the plan
	err = st.WithTx(ctx, func(s fifo.Store) error {
		_, err := e.Executor.Execute(ctx, s, plan, "mv-2")
		return err
	})

	// THEN: The first line's draw is rolled back with the transaction
	assert.ErrorIs(t, err, fifo.ErrConcurrentModification)
	requireDecEqual(t, "5", layerOf(t, st, l1.ID).Remaining)
	rows, err := st.ConsumptionsForLayer(ctx, l1.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIssue_RetriesAfterSerializationFailure(t *testing.T) {
	// GIVEN: A store whose first transaction fails with "database is locked"
	st := &busyStore{Memory: newMemory()}
	e := fifo.NewEngine(st, fastRetry(4))
	registerRaw(t, e, "FLOUR")
	receive(t, e, "FLOUR", "10", "2", day(1))
	st.busy.Store(1)

	// WHEN: Issuing
	res, err := e.Issue(context.Background(), fifo.IssueInput{SKU: "FLOUR", Quantity: dec("4"), Kind: fifo.MoveIssue})

	// THEN: The retry succeeds and stock is drawn exactly once
	require.NoError(t, err)
	assert.Equal(t, fifo.Money(800), res.Movement.TotalValue)
	requireDecEqual(t, "6", onHand(t, e, "FLOUR"))
}

func TestIssue_GivesUpAfterMaxAttempts(t *testing.T) {
	// GIVEN: A store that is always busy
	st := &busyStore{Memory: newMemory()}
	e := fifo.NewEngine(st, fastRetry(3))
	registerRaw(t, e, "FLOUR")
	receive(t, e, "FLOUR", "10", "2", day(1))
	st.busy.Store(100)

	// WHEN: Issuing
	_, err := e.Issue(context.Background(), fifo.IssueInput{SKU: "FLOUR", Quantity: dec("4"), Kind: fifo.MoveIssue})

	// THEN: The last retriable error surfaces after three attempts
	assert.ErrorIs(t, err, fifo.ErrSerializationFailure)
	assert.Equal(t, int32(97), st.busy.Load())
	requireDecEqual(t, "10", onHand(t, e, "FLOUR"))
}
