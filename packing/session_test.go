package packing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian/order-engine/domain"
	"github.com/meridian/order-engine/packing"
	"github.com/meridian/order-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal {
	return domain.MustDecimal(s)
}

func decPtr(s string) *decimal.Decimal {
	d := domain.MustDecimal(s)
	return &d
}

// newPackableOrder seeds a confirmed two-line order:
// 10 kg tomatoes @ 50.00 and 5 dozen eggs @ 180.00, total 1400.00.
func newPackableOrder(t *testing.T) (*packing.Service, *sqlite.Store, domain.OrderID) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	order := domain.Order{
		ID:          "ord-1",
		OrderNumber: "ORD25080001",
		CustomerID:  "cust-1",
		Lines: []domain.OrderLine{
			{
				ProductID: "prod-tomato", ProductName: "Tomatoes",
				Quantity: dec("10"), Unit: domain.UnitKg,
				Rate: dec("50.00"), Amount: dec("500.00"),
			},
			{
				ProductID: "prod-eggs", ProductName: "Eggs",
				Quantity: dec("5"), Unit: domain.UnitDozen,
				Rate: dec("180.00"), Amount: dec("900.00"),
			},
		},
		TotalAmount: dec("1400.00"),
		Status:      domain.OrderConfirmed,
		BatchID:     "batch-1",
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.InsertOrder(ctx, order))

	return packing.NewService(store, zap.NewNop()), store, order.ID
}

func recordAllPacked(t *testing.T, svc *packing.Service, orderID domain.OrderID) {
	ctx := context.Background()
	_, err := svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemPacked, PackedQty: decPtr("10"),
	})
	require.NoError(t, err)
	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-eggs", Status: domain.ItemPacked, PackedQty: decPtr("5"),
	})
	require.NoError(t, err)
}

// =============================================================================
// START
// =============================================================================

func TestStart_InitializesOneItemPerLine(t *testing.T) {
	// GIVEN: A confirmed two-line order
	// WHEN: Packing starts
	// THEN: The session is in progress, order is processing, and each
	//       line has a pending item

	svc, store, orderID := newPackableOrder(t)
	ctx := context.Background()

	order, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderProcessing, order.Status)
	require.NotNil(t, order.Packing)
	assert.Equal(t, domain.PackingInProgress, order.Packing.State)
	require.Len(t, order.Packing.Items, 2)
	for _, item := range order.Packing.Items {
		assert.Equal(t, domain.ItemPending, item.Status)
	}

	persisted, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, persisted.Packing)
	assert.Equal(t, domain.PackingInProgress, persisted.Packing.State)
}

func TestStart_RejectsPendingOrder(t *testing.T) {
	svc, store, orderID := newPackableOrder(t)
	ctx := context.Background()

	// Knock the order back to pending.
	require.NoError(t, store.UpdateOrderStatus(ctx, orderID,
		[]domain.OrderStatus{domain.OrderConfirmed}, domain.OrderPending))

	_, err := svc.Start(ctx, orderID)
	assert.True(t, domain.IsConflict(err))
}

func TestStart_RejectsSecondStart(t *testing.T) {
	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.Start(ctx, orderID)
	assert.True(t, domain.IsConflict(err))
}

// =============================================================================
// RECORD ITEM
// =============================================================================

func TestRecordItem_ShortfallCreatesIssue(t *testing.T) {
	// GIVEN: An in-progress session
	// WHEN: Only 7 of 10 kg tomatoes can be packed
	// THEN: One issue records the 3 kg shortfall

	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	order, err := svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemShort,
		PackedQty: decPtr("7"), Notes: "crate damaged in transit",
	})
	require.NoError(t, err)

	require.Len(t, order.Packing.Issues, 1)
	issue := order.Packing.Issues[0]
	assert.Equal(t, domain.ItemShort, issue.Status)
	assert.True(t, issue.ShortfallQty.Equal(dec("3")))
	assert.False(t, issue.Acknowledged)
}

func TestRecordItem_OverwritesNotAppends(t *testing.T) {
	// GIVEN: A shortfall already recorded for tomatoes
	// WHEN: The same product is re-recorded with a different quantity
	// THEN: The single issue reflects the latest observation

	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemShort, PackedQty: decPtr("7"),
	})
	require.NoError(t, err)

	order, err := svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemShort, PackedQty: decPtr("8"),
	})
	require.NoError(t, err)

	require.Len(t, order.Packing.Issues, 1)
	assert.True(t, order.Packing.Issues[0].ShortfallQty.Equal(dec("2")))
}

func TestRecordItem_PackedClearsPriorIssue(t *testing.T) {
	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemShort, PackedQty: decPtr("7"),
	})
	require.NoError(t, err)

	order, err := svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemPacked, PackedQty: decPtr("10"),
	})
	require.NoError(t, err)

	assert.Empty(t, order.Packing.Issues)
}

func TestRecordItem_UnknownProductRejected(t *testing.T) {
	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-unknown", Status: domain.ItemPacked, PackedQty: decPtr("1"),
	})
	assert.True(t, domain.IsValidation(err))
}

func TestRecordItem_RequiresInProgressSession(t *testing.T) {
	svc, _, orderID := newPackableOrder(t)

	_, err := svc.RecordItem(context.Background(), orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemPacked, PackedQty: decPtr("10"),
	})
	assert.True(t, domain.IsConflict(err))
}

// =============================================================================
// COMPLETE
// =============================================================================

func TestComplete_RejectsPendingItems(t *testing.T) {
	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemPacked, PackedQty: decPtr("10"),
	})
	require.NoError(t, err)

	// Eggs never recorded.
	_, err = svc.Complete(ctx, orderID, false)
	assert.True(t, domain.IsConflict(err))
}

func TestComplete_RejectsUnacknowledgedIssues(t *testing.T) {
	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemShort, PackedQty: decPtr("7"),
	})
	require.NoError(t, err)
	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-eggs", Status: domain.ItemPacked, PackedQty: decPtr("5"),
	})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, orderID, false)
	assert.True(t, domain.IsConflict(err))
}

func TestComplete_CleanPackLeavesNoAdjustedTotal(t *testing.T) {
	// GIVEN: Every item packed in full
	// WHEN: Completing
	// THEN: Order is packed and adjustedTotal stays unset

	svc, store, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)
	recordAllPacked(t, svc, orderID)

	order, err := svc.Complete(ctx, orderID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPacked, order.Status)

	persisted, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, persisted.Packing)
	assert.Equal(t, domain.PackingCompleted, persisted.Packing.State)
	assert.Nil(t, persisted.Packing.AdjustedTotal, "full pack must not set an adjusted total")
	assert.NotNil(t, persisted.Packing.CompletedAt)
}

func TestRecordItem_PackedWithoutQtyDefaultsToOrdered(t *testing.T) {
	// GIVEN: Items marked packed with no quantity supplied
	// WHEN: Completing
	// THEN: Each item carries its ordered quantity and the invoice total
	//       is not reduced

	svc, store, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemPacked,
	})
	require.NoError(t, err)
	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-eggs", Status: domain.ItemPacked,
	})
	require.NoError(t, err)

	order, err := svc.Complete(ctx, orderID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPacked, order.Status)

	persisted, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	item, ok := persisted.Packing.Item("prod-tomato")
	require.True(t, ok)
	assert.Equal(t, "10", item.PackedQty.String())
	assert.Nil(t, persisted.Packing.AdjustedTotal)
}

func TestRecordItem_ShortWithoutQtyDefaultsToZero(t *testing.T) {
	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	// A short item with no quantity means nothing was packed.
	order, err := svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemShort,
	})
	require.NoError(t, err)

	require.Len(t, order.Packing.Issues, 1)
	assert.Equal(t, "0", order.Packing.Issues[0].PackedQty.String())
	assert.Equal(t, "10", order.Packing.Issues[0].ShortfallQty.String())
}

func TestComplete_ShortfallAdjustsTotal(t *testing.T) {
	// GIVEN: 7 of 10 kg tomatoes packed at rate 50.00, eggs in full
	// WHEN: Completing with issues acknowledged
	// THEN: adjustedTotal = 1400.00 - 3*50.00 = 1250.00 and the
	//       original total is untouched

	svc, store, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemShort, PackedQty: decPtr("7"),
	})
	require.NoError(t, err)
	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-eggs", Status: domain.ItemPacked, PackedQty: decPtr("5"),
	})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, orderID, true)
	require.NoError(t, err)

	persisted, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, persisted.Packing.AdjustedTotal)
	assert.Equal(t, "1250.00", persisted.Packing.AdjustedTotal.StringFixed(2))
	assert.Equal(t, "1400.00", persisted.TotalAmount.StringFixed(2))
	assert.True(t, persisted.Packing.Issues[0].Acknowledged)
}

func TestComplete_IsTerminal(t *testing.T) {
	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)
	recordAllPacked(t, svc, orderID)

	_, err = svc.Complete(ctx, orderID, false)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, orderID, false)
	assert.True(t, domain.IsConflict(err))
	_, err = svc.Resume(ctx, orderID)
	assert.True(t, domain.IsConflict(err))
}

// =============================================================================
// HOLD / RESUME
// =============================================================================

func TestHold_RequiresReason(t *testing.T) {
	svc, _, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.Hold(ctx, orderID, "")
	assert.True(t, domain.IsValidation(err))
}

func TestHoldAndResume(t *testing.T) {
	// GIVEN: An in-progress session
	// WHEN: Held with a reason, then resumed
	// THEN: Recording is blocked while on hold and works again after

	svc, store, orderID := newPackableOrder(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, orderID)
	require.NoError(t, err)

	_, err = svc.Hold(ctx, orderID, "cold room door jammed")
	require.NoError(t, err)

	persisted, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PackingOnHold, persisted.Packing.State)
	assert.Equal(t, "cold room door jammed", persisted.Packing.HoldReason)

	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemPacked, PackedQty: decPtr("10"),
	})
	assert.True(t, domain.IsConflict(err))

	_, err = svc.Resume(ctx, orderID)
	require.NoError(t, err)

	persisted, err = store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PackingInProgress, persisted.Packing.State)
	assert.Empty(t, persisted.Packing.HoldReason)

	_, err = svc.RecordItem(ctx, orderID, packing.RecordItemInput{
		ProductID: "prod-tomato", Status: domain.ItemPacked, PackedQty: decPtr("10"),
	})
	assert.NoError(t, err)
}
