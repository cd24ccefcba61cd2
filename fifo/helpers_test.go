package fifo_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/fifo-ledger/fifo"
	"github.com/warp/fifo-ledger/fifo/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(d int) time.Time { return time.Date(2025, time.January, d, 9, 0, 0, 0, time.UTC) }

// fastRetry keeps conflict tests quick.
func fastRetry(attempts int) fifo.Option {
	return fifo.WithRetryPolicy(fifo.RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
}

func newMemory() *store.Memory { return store.NewMemory() }

func newTestEngine(t *testing.T, opts ...fifo.Option) (*fifo.Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return fifo.NewEngine(st, append([]fifo.Option{fastRetry(4)}, opts...)...), st
}

func registerSKU(t *testing.T, e *fifo.Engine, id string, mt fifo.MaterialType, unit string) fifo.SKU {
	t.Helper()
	sku, err := e.RegisterSKU(context.Background(), fifo.SKU{
		ID:           fifo.SKUID(id),
		Name:         id,
		MaterialType: mt,
		Unit:         unit,
		Active:       true,
	})
	require.NoError(t, err)
	return sku
}

func registerRaw(t *testing.T, e *fifo.Engine, id string) fifo.SKU {
	return registerSKU(t, e, id, fifo.MaterialRaw, "kg")
}

func receive(t *testing.T, e *fifo.Engine, sku, qty, cost string, at time.Time) fifo.ReceiveResult {
	t.Helper()
	res, err := e.Receive(context.Background(), fifo.ReceiveInput{
		SKU:        fifo.SKUID(sku),
		Quantity:   dec(qty),
		UnitCost:   dec(cost),
		ReceivedAt: at,
	})
	require.NoError(t, err)
	return res
}

func issue(t *testing.T, e *fifo.Engine, sku, qty string) fifo.IssueResult {
	t.Helper()
	res, err := e.Issue(context.Background(), fifo.IssueInput{
		SKU:      fifo.SKUID(sku),
		Quantity: dec(qty),
		Kind:     fifo.MoveIssue,
	})
	require.NoError(t, err)
	return res
}

func layerOf(t *testing.T, st fifo.Store, id fifo.LayerID) fifo.Layer {
	t.Helper()
	l, err := st.GetLayer(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, l)
	return *l
}

func onHand(t *testing.T, e *fifo.Engine, sku string) decimal.Decimal {
	t.Helper()
	s, err := e.GetSKU(context.Background(), fifo.SKUID(sku))
	require.NoError(t, err)
	return s.OnHand
}

func requireDecEqual(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

func requireClean(t *testing.T, e *fifo.Engine, skus ...string) {
	t.Helper()
	for _, sku := range skus {
		rep, err := e.CheckIntegrity(context.Background(), fifo.SKUID(sku))
		require.NoError(t, err)
		require.True(t, rep.OK(), "integrity violations for %s: %v", sku, rep.Violations)
	}
}

// =============================================================================
// FAULT-INJECTING STORES
// =============================================================================

// flakyCommitStore commits the transaction and then reports a serialization
// failure, the way a lost commit acknowledgement looks to the caller.
type flakyCommitStore struct {
	*store.Memory
	failNext atomic.Int32
}

func (f *flakyCommitStore) WithTx(ctx context.Context, fn func(fifo.Store) error) error {
	if err := f.Memory.WithTx(ctx, fn); err != nil {
		return err
	}
	if f.failNext.Add(-1) >= 0 {
		return fifo.ErrSerializationFailure
	}
	return nil
}

// busyStore rejects the first transactions before running them.
type busyStore struct {
	*store.Memory
	busy atomic.Int32
}

func (b *busyStore) WithTx(ctx context.Context, fn func(fifo.Store) error) error {
	if b.busy.Add(-1) >= 0 {
		return fifo.ErrSerializationFailure
	}
	return b.Memory.WithTx(ctx, fn)
}

// racingStore runs interleave once, from the first ConsumptionsForLayer call
// after it is armed, and waits up to window for it before answering. A caller
// holding the SKU lock makes interleave block until the window runs out.
type racingStore struct {
	*store.Memory
	armed      atomic.Bool
	interleave func()
	window     time.Duration
	done       chan struct{}
}

func newRacingStore(window time.Duration) *racingStore {
	return &racingStore{Memory: newMemory(), window: window, done: make(chan struct{})}
}

func (r *racingStore) arm(fn func()) {
	r.interleave = fn
	r.armed.Store(true)
}

func (r *racingStore) fire() {
	if !r.armed.CompareAndSwap(true, false) {
		return
	}
	go func() {
		defer close(r.done)
		r.interleave()
	}()
	select {
	case <-r.done:
	case <-time.After(r.window):
	}
}

func (r *racingStore) ConsumptionsForLayer(ctx context.Context, id fifo.LayerID) ([]fifo.LayerConsumption, error) {
	r.fire()
	return r.Memory.ConsumptionsForLayer(ctx, id)
}

func (r *racingStore) WithTx(ctx context.Context, fn func(fifo.Store) error) error {
	return r.Memory.WithTx(ctx, func(s fifo.Store) error {
		return fn(racingTx{Store: s, r: r})
	})
}

type racingTx struct {
	fifo.Store
	r *racingStore
}

func (t racingTx) ConsumptionsForLayer(ctx context.Context, id fifo.LayerID) ([]fifo.LayerConsumption, error) {
	t.r.fire()
	return t.Store.ConsumptionsForLayer(ctx, id)
}
