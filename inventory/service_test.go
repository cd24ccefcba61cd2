package inventory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fifo-ledger/fifo"
	"github.com/warp/fifo-ledger/fifo/store"
	"github.com/warp/fifo-ledger/inventory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(d int) time.Time { return time.Date(2025, time.February, d, 10, 0, 0, 0, time.UTC) }

func newService(t *testing.T) *inventory.Service {
	t.Helper()
	return inventory.NewService(fifo.NewEngine(store.NewMemory()), nil)
}

func addSKU(t *testing.T, svc *inventory.Service, id string) {
	t.Helper()
	_, err := svc.RegisterSKU(context.Background(), inventory.SKUInput{
		ID: id, Name: id, MaterialType: "RAW", Unit: "kg",
	})
	require.NoError(t, err)
}

func requireField(t *testing.T, err error, field string) {
	t.Helper()
	var ve *fifo.ValidationError
	require.True(t, errors.As(err, &ve), "want validation error on %s, got %v", field, err)
	assert.Equal(t, field, ve.Field)
}

// =============================================================================
// SKU MASTER DATA
// =============================================================================

func TestRegisterSKU_DefaultsActive(t *testing.T) {
	svc := newService(t)

	sku, err := svc.RegisterSKU(context.Background(), inventory.SKUInput{
		ID: "FLOUR-T55", Name: "Flour", MaterialType: "RAW", Unit: "kg", MinStock: dec("5"),
	})

	require.NoError(t, err)
	assert.True(t, sku.Active)
	assert.True(t, sku.MinStock.Equal(dec("5")))
}

func TestRegisterSKU_Validation(t *testing.T) {
	svc := newService(t)
	tests := []struct {
		name  string
		in    inventory.SKUInput
		field string
	}{
		{"bad id", inventory.SKUInput{ID: "has space", Name: "x", MaterialType: "RAW", Unit: "kg"}, "id"},
		{"lowercase id", inventory.SKUInput{ID: "raw-lower", Name: "x", MaterialType: "RAW", Unit: "kg"}, "id"},
		{"leading dash", inventory.SKUInput{ID: "-RAW", Name: "x", MaterialType: "RAW", Unit: "kg"}, "id"},
		{"no name", inventory.SKUInput{ID: "X", MaterialType: "RAW", Unit: "kg"}, "name"},
		{"bad material", inventory.SKUInput{ID: "X", Name: "x", MaterialType: "FINISHED", Unit: "kg"}, "material_type"},
		{"no unit", inventory.SKUInput{ID: "X", Name: "x", MaterialType: "RAW"}, "unit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterSKU(context.Background(), tt.in)
			requireField(t, err, tt.field)
		})
	}
}

func TestSetSKUActive_BlocksNewMovements(t *testing.T) {
	// GIVEN: A SKU with stock, then deactivated
	svc := newService(t)
	ctx := context.Background()
	addSKU(t, svc, "FLOUR")
	_, err := svc.CreateReceiving(ctx, inventory.ReceivingInput{SKU: "FLOUR", Quantity: dec("5"), UnitCost: dec("1")})
	require.NoError(t, err)
	sku, err := svc.SetSKUActive(ctx, "FLOUR", false)
	require.NoError(t, err)
	assert.False(t, sku.Active)

	// WHEN: Issuing from it
	_, err = svc.IssueOrWaste(ctx, inventory.IssueInput{SKU: "FLOUR", Quantity: dec("1"), Kind: "ISSUE"})

	// THEN: Rejected; layers are still there
	assert.ErrorIs(t, err, fifo.ErrValidation)
	layers, err := svc.CurrentLayers(ctx, "FLOUR")
	require.NoError(t, err)
	assert.Len(t, layers, 1)
}

func TestCurrentLayers_UnknownSKU(t *testing.T) {
	svc := newService(t)

	_, err := svc.CurrentLayers(context.Background(), "NOPE")

	assert.True(t, fifo.IsNotFound(err))
}

// =============================================================================
// RECEIVING
// =============================================================================

func TestCreateReceiving_PartialDamage(t *testing.T) {
	// GIVEN: A delivery of 10 with 3 rejected
	svc := newService(t)
	addSKU(t, svc, "EGGS")

	// WHEN: Receiving
	res, err := svc.CreateReceiving(context.Background(), inventory.ReceivingInput{
		SKU: "EGGS", Quantity: dec("10"), UnitCost: dec("0.45"), VendorRef: "PO-7",
		Damage: inventory.Damage{Outcome: inventory.DamagePartial, RejectedQty: dec("3"), Reason: "cracked"},
	})

	// THEN: Only 7 reach the ledger
	require.NoError(t, err)
	assert.Equal(t, inventory.DamagePartial, res.Outcome)
	assert.True(t, res.Accepted.Equal(dec("7")))
	assert.True(t, res.Rejected.Equal(dec("3")))
	require.NotNil(t, res.Layer)
	assert.True(t, res.Layer.Original.Equal(dec("7")))
	require.NotNil(t, res.Movement)
	assert.Equal(t, fifo.Money(315), res.Movement.TotalValue)
	assert.Equal(t, "rejected 3 kg; cracked", res.Movement.Note)
	assert.Equal(t, "PO-7", res.Movement.VendorRef)
}

func TestCreateReceiving_FullRejectionLeavesNoTrace(t *testing.T) {
	svc := newService(t)
	addSKU(t, svc, "EGGS")
	ctx := context.Background()

	res, err := svc.CreateReceiving(ctx, inventory.ReceivingInput{
		SKU: "EGGS", Quantity: dec("6"), UnitCost: dec("0.45"),
		Damage: inventory.Damage{Outcome: inventory.DamageFull, Reason: "frozen"},
	})

	require.NoError(t, err)
	assert.Equal(t, inventory.DamageFull, res.Outcome)
	assert.Nil(t, res.Movement)
	assert.Nil(t, res.Layer)
	assert.True(t, res.Rejected.Equal(dec("6")))
	for _, err := range svc.ListMovements(ctx, fifo.MovementFilter{}) {
		require.NoError(t, err)
		t.Fatal("no movement expected")
	}
}

func TestCreateReceiving_Validation(t *testing.T) {
	svc := newService(t)
	addSKU(t, svc, "EGGS")
	tests := []struct {
		name  string
		in    inventory.ReceivingInput
		field string
	}{
		{"zero quantity", inventory.ReceivingInput{SKU: "EGGS", Quantity: dec("0"), UnitCost: dec("1")}, "quantity"},
		{"negative cost", inventory.ReceivingInput{SKU: "EGGS", Quantity: dec("1"), UnitCost: dec("-1")}, "unit_cost"},
		{"unknown sku", inventory.ReceivingInput{SKU: "NOPE", Quantity: dec("1"), UnitCost: dec("1")}, "sku"},
		{"partial rejecting all", inventory.ReceivingInput{
			SKU: "EGGS", Quantity: dec("3"), UnitCost: dec("1"),
			Damage: inventory.Damage{Outcome: inventory.DamagePartial, RejectedQty: dec("3")},
		}, "damage.rejected_qty"},
		{"rejection without damage", inventory.ReceivingInput{
			SKU: "EGGS", Quantity: dec("3"), UnitCost: dec("1"),
			Damage: inventory.Damage{RejectedQty: dec("1")},
		}, "damage.rejected_qty"},
		{"unknown outcome", inventory.ReceivingInput{
			SKU: "EGGS", Quantity: dec("3"), UnitCost: dec("1"),
			Damage: inventory.Damage{Outcome: "SOME"},
		}, "damage.outcome"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateReceiving(context.Background(), tt.in)
			requireField(t, err, tt.field)
		})
	}
}

// =============================================================================
// ISSUE / WORK ORDERS
// =============================================================================

func TestIssueOrWaste_Validation(t *testing.T) {
	svc := newService(t)
	addSKU(t, svc, "FLOUR")
	ctx := context.Background()

	_, err := svc.IssueOrWaste(ctx, inventory.IssueInput{SKU: "FLOUR", Quantity: dec("1"), Kind: "SELL"})
	requireField(t, err, "kind")

	_, err = svc.IssueOrWaste(ctx, inventory.IssueInput{SKU: "FLOUR", Quantity: dec("-1"), Kind: "ISSUE"})
	requireField(t, err, "quantity")
}

func TestWorkOrderInput_ReportsLinePath(t *testing.T) {
	svc := newService(t)

	_, err := svc.ProcessWorkOrder(context.Background(), inventory.WorkOrderInput{
		OutputName: "Bread",
		OutputQty:  dec("1"),
		RawLines:   []inventory.LineInput{{SKU: "", Quantity: dec("1")}},
	})

	requireField(t, err, "raw_lines[0].sku")
}

func TestAdjust_RequiresReason(t *testing.T) {
	svc := newService(t)
	addSKU(t, svc, "FLOUR")

	_, err := svc.Adjust(context.Background(), inventory.AdjustmentInput{SKU: "FLOUR", Quantity: dec("1")})

	requireField(t, err, "reason")
}

func TestDeleteMovement_RequiresID(t *testing.T) {
	svc := newService(t)

	_, err := svc.DeleteMovement(context.Background(), "")

	requireField(t, err, "id")
}

// =============================================================================
// KPIs
// =============================================================================

func TestKPIs_TurnoverAndDaysOfInventory(t *testing.T) {
	// GIVEN: 10 @ 1.00 received before the window, 4 issued inside it
	svc := newService(t)
	addSKU(t, svc, "FLOUR")
	ctx := context.Background()
	_, err := svc.CreateReceiving(ctx, inventory.ReceivingInput{SKU: "FLOUR", Quantity: dec("10"), UnitCost: dec("1"), Date: day(1)})
	require.NoError(t, err)
	_, err = svc.IssueOrWaste(ctx, inventory.IssueInput{SKU: "FLOUR", Quantity: dec("4"), Kind: "ISSUE", Date: day(5)})
	require.NoError(t, err)

	// WHEN: Computing KPIs over [day 3, day 10]
	rep, err := svc.KPIs(ctx, day(3), day(10))
	require.NoError(t, err)

	// THEN: COGS 4.00 on an average inventory of 8.00
	assert.Equal(t, fifo.Money(400), rep.COGS)
	assert.Equal(t, fifo.Money(1000), rep.OpeningValue)
	assert.Equal(t, fifo.Money(600), rep.ClosingValue)
	assert.Equal(t, fifo.Money(800), rep.AverageInventory)
	assert.True(t, rep.Turnover.Equal(dec("0.5")), "turnover %s", rep.Turnover)
	require.NotNil(t, rep.DaysOfInventory)
	assert.True(t, rep.DaysOfInventory.Equal(dec("14")), "days %s", rep.DaysOfInventory)
}

func TestKPIs_WorkOrderIssueIsCOGSButWasteIsNotCountedTwice(t *testing.T) {
	// GIVEN: A work order issuing 6 of which 1 is waste
	svc := newService(t)
	addSKU(t, svc, "FLOUR")
	ctx := context.Background()
	_, err := svc.CreateReceiving(ctx, inventory.ReceivingInput{SKU: "FLOUR", Quantity: dec("10"), UnitCost: dec("1"), Date: day(1)})
	require.NoError(t, err)
	_, err = svc.ProcessWorkOrder(ctx, inventory.WorkOrderInput{
		OutputName: "Bread",
		OutputQty:  dec("5"),
		RawLines:   []inventory.LineInput{{SKU: "FLOUR", Quantity: dec("6")}},
		WasteLines: []inventory.LineInput{{SKU: "FLOUR", Quantity: dec("1")}},
		Date:       day(4),
	})
	require.NoError(t, err)

	// WHEN: Computing KPIs
	rep, err := svc.KPIs(ctx, day(2), day(9))
	require.NoError(t, err)

	// THEN: COGS is the ISSUE value only, closing value matches the layers
	assert.Equal(t, fifo.Money(600), rep.COGS)
	assert.Equal(t, fifo.Money(400), rep.ClosingValue)
}

func TestKPIs_WindowIncludesBothEnds(t *testing.T) {
	// GIVEN: Issues stamped exactly at the window's start and end
	svc := newService(t)
	addSKU(t, svc, "FLOUR")
	ctx := context.Background()
	_, err := svc.CreateReceiving(ctx, inventory.ReceivingInput{SKU: "FLOUR", Quantity: dec("10"), UnitCost: dec("1"), Date: day(1)})
	require.NoError(t, err)
	_, err = svc.IssueOrWaste(ctx, inventory.IssueInput{SKU: "FLOUR", Quantity: dec("2"), Kind: "ISSUE", Date: day(3)})
	require.NoError(t, err)
	_, err = svc.IssueOrWaste(ctx, inventory.IssueInput{SKU: "FLOUR", Quantity: dec("3"), Kind: "ISSUE", Date: day(6)})
	require.NoError(t, err)

	// WHEN: Computing KPIs over [day 3, day 6]
	rep, err := svc.KPIs(ctx, day(3), day(6))
	require.NoError(t, err)

	// THEN: Both issues count as COGS and the closing value includes the last one
	assert.Equal(t, fifo.Money(1000), rep.OpeningValue)
	assert.Equal(t, fifo.Money(500), rep.COGS)
	assert.Equal(t, fifo.Money(500), rep.ClosingValue)
}

func TestKPIs_NoActivity(t *testing.T) {
	svc := newService(t)

	rep, err := svc.KPIs(context.Background(), day(1), day(2))

	require.NoError(t, err)
	assert.True(t, rep.Turnover.IsZero())
	assert.Nil(t, rep.DaysOfInventory)
}

func TestKPIs_RejectsInvertedRange(t *testing.T) {
	svc := newService(t)

	_, err := svc.KPIs(context.Background(), day(5), day(1))

	requireField(t, err, "from")
}

// =============================================================================
// INTEGRITY
// =============================================================================

func TestSweepIntegrity_ReportsEverySKU(t *testing.T) {
	svc := newService(t)
	addSKU(t, svc, "FLOUR")
	addSKU(t, svc, "SUGAR")
	_, err := svc.CreateReceiving(context.Background(), inventory.ReceivingInput{SKU: "FLOUR", Quantity: dec("2"), UnitCost: dec("1")})
	require.NoError(t, err)

	reports, err := svc.SweepIntegrity(context.Background())

	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.True(t, r.OK(), "%s: %v", r.SKU, r.Violations)
	}
}

func TestSweepIntegrity_StopsOnCancel(t *testing.T) {
	svc := newService(t)
	addSKU(t, svc, "FLOUR")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.SweepIntegrity(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}
