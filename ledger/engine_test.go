package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian/order-engine/domain"
	"github.com/meridian/order-engine/ledger"
	"github.com/meridian/order-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal {
	return domain.MustDecimal(s)
}

func newTestEngine(t *testing.T) (*ledger.Engine, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return ledger.NewEngine(store, zap.NewNop()), store
}

func seedCustomer(t *testing.T, store *sqlite.Store, id string) {
	require.NoError(t, store.SaveCustomer(context.Background(), domain.Customer{
		ID:            domain.CustomerID(id),
		Name:          "Corner Kitchen",
		PricingPolicy: domain.PricingMarket,
		Active:        true,
		CreatedAt:     time.Now(),
	}))
}

// seedPackedOrder inserts a packed order: 10 kg tomatoes @ 50.00, total 500.00.
func seedPackedOrder(t *testing.T, store *sqlite.Store, orderID, customerID string) {
	order := domain.Order{
		ID:          domain.OrderID(orderID),
		OrderNumber: "ORD2508" + orderID[len(orderID)-4:],
		CustomerID:  domain.CustomerID(customerID),
		Lines: []domain.OrderLine{{
			ProductID:   "prod-tomato",
			ProductName: "Tomatoes",
			Quantity:    dec("10"),
			Unit:        domain.UnitKg,
			Rate:        dec("50.00"),
			Amount:      dec("500.00"),
		}},
		TotalAmount: dec("500.00"),
		Status:      domain.OrderPacked,
		BatchID:     "batch-1",
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.InsertOrder(context.Background(), order))
}

func actor() domain.Actor {
	return domain.Actor{ID: "staff-1", Role: domain.RoleStaff}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestCompleteReconciliation_FullDelivery(t *testing.T) {
	// GIVEN: A packed 500.00 order
	// WHEN: Reconciling with no delivered overrides
	// THEN: The order is delivered unchanged and exactly one invoice entry
	//       of 500.00 lands on the ledger with balanceAfter 500.00

	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedCustomer(t, store, "cust-1")
	seedPackedOrder(t, store, "ord-0001", "cust-1")

	result, err := engine.CompleteReconciliation(ctx, "ord-0001", nil, actor())
	require.NoError(t, err)

	assert.Equal(t, domain.OrderDelivered, result.Order.Status)
	assert.NotNil(t, result.Order.DeliveredAt)
	assert.Empty(t, result.Order.Reconciliation.Changes)
	assert.Equal(t, "500.00", result.Order.Reconciliation.PreviousTotal.StringFixed(2))

	assert.Equal(t, domain.EntryInvoice, result.Entry.Kind)
	assert.Equal(t, "500.00", result.Entry.SignedAmount.StringFixed(2))
	assert.Equal(t, "500.00", result.Entry.BalanceAfter.StringFixed(2))

	entries, err := store.LedgerEntries(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	customer, err := store.GetCustomer(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "500.00", customer.RunningBalance.StringFixed(2))
}

func TestCompleteReconciliation_PartialDelivery(t *testing.T) {
	// GIVEN: A packed order for 10 kg at 50.00
	// WHEN: Only 7 kg are delivered
	// THEN: The invoice is 350.00, the change is recorded, and the
	//       pre-reconciliation total 500.00 is kept for audit

	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedCustomer(t, store, "cust-1")
	seedPackedOrder(t, store, "ord-0001", "cust-1")

	result, err := engine.CompleteReconciliation(ctx, "ord-0001",
		[]ledger.DeliveredLine{{ProductID: "prod-tomato", Quantity: dec("7")}}, actor())
	require.NoError(t, err)

	assert.Equal(t, "350.00", result.Order.TotalAmount.StringFixed(2))
	assert.Equal(t, "350.00", result.Entry.SignedAmount.StringFixed(2))

	recon := result.Order.Reconciliation
	require.Len(t, recon.Changes, 1)
	assert.True(t, recon.Changes[0].OrderedQty.Equal(dec("10")))
	assert.True(t, recon.Changes[0].DeliveredQty.Equal(dec("7")))
	assert.Equal(t, "500.00", recon.PreviousTotal.StringFixed(2))
}

func TestCompleteReconciliation_SecondAttemptRejected(t *testing.T) {
	// GIVEN: An already reconciled order
	// WHEN: Reconciling again
	// THEN: The distinct already-reconciled error, and still one entry

	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedCustomer(t, store, "cust-1")
	seedPackedOrder(t, store, "ord-0001", "cust-1")

	_, err := engine.CompleteReconciliation(ctx, "ord-0001", nil, actor())
	require.NoError(t, err)

	_, err = engine.CompleteReconciliation(ctx, "ord-0001", nil, actor())
	assert.ErrorIs(t, err, domain.ErrAlreadyReconciled)

	entries, err := store.LedgerEntries(ctx, "cust-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCompleteReconciliation_WrongStatusRejected(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedCustomer(t, store, "cust-1")
	seedPackedOrder(t, store, "ord-0001", "cust-1")

	// Knock the order back to pending.
	require.NoError(t, store.UpdateOrderStatus(ctx, "ord-0001",
		[]domain.OrderStatus{domain.OrderPacked}, domain.OrderPending))

	_, err := engine.CompleteReconciliation(ctx, "ord-0001", nil, actor())
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
	assert.NotErrorIs(t, err, domain.ErrAlreadyReconciled)
}

func TestCompleteReconciliation_UnknownDeliveredProductRejected(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedCustomer(t, store, "cust-1")
	seedPackedOrder(t, store, "ord-0001", "cust-1")

	_, err := engine.CompleteReconciliation(ctx, "ord-0001",
		[]ledger.DeliveredLine{{ProductID: "prod-unknown", Quantity: dec("1")}}, actor())
	assert.True(t, domain.IsValidation(err))

	// Nothing moved.
	order, err := store.GetOrder(ctx, "ord-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPacked, order.Status)
	entries, err := store.LedgerEntries(ctx, "cust-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCompleteReconciliation_MissingCustomerAborts(t *testing.T) {
	// GIVEN: An order pointing at a customer that doesn't exist
	// WHEN: Reconciling
	// THEN: A fatal integrity error; the order is NOT marked delivered

	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedPackedOrder(t, store, "ord-0001", "cust-ghost")

	_, err := engine.CompleteReconciliation(ctx, "ord-0001", nil, actor())
	require.Error(t, err)
	assert.True(t, domain.IsIntegrity(err))

	order, err := store.GetOrder(ctx, "ord-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPacked, order.Status, "aborted reconciliation must leave the order for retry")
}

// =============================================================================
// PAYMENTS AND ADJUSTMENTS
// =============================================================================

func TestPostPayment_ReducesBalance(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedCustomer(t, store, "cust-1")
	seedPackedOrder(t, store, "ord-0001", "cust-1")

	_, err := engine.CompleteReconciliation(ctx, "ord-0001", nil, actor())
	require.NoError(t, err)

	entry, err := engine.PostPayment(ctx, "cust-1", dec("200"), "cash", actor())
	require.NoError(t, err)

	assert.Equal(t, domain.EntryPayment, entry.Kind)
	assert.Equal(t, "-200.00", entry.SignedAmount.StringFixed(2))
	assert.Equal(t, "300.00", entry.BalanceAfter.StringFixed(2))

	customer, err := store.GetCustomer(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "300.00", customer.RunningBalance.StringFixed(2))
}

func TestPostPayment_RejectsNonPositiveAmount(t *testing.T) {
	engine, store := newTestEngine(t)
	seedCustomer(t, store, "cust-1")

	_, err := engine.PostPayment(context.Background(), "cust-1", dec("0"), "", actor())
	assert.True(t, domain.IsValidation(err))
	_, err = engine.PostPayment(context.Background(), "cust-1", dec("-5"), "", actor())
	assert.True(t, domain.IsValidation(err))
}

func TestPostPayment_UnknownCustomer(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.PostPayment(context.Background(), "cust-ghost", dec("10"), "", actor())
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
}

func TestPostAdjustment_EitherSign(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedCustomer(t, store, "cust-1")

	up, err := engine.PostAdjustment(ctx, "cust-1", dec("50"), "damaged crate charge", actor())
	require.NoError(t, err)
	assert.Equal(t, "50.00", up.BalanceAfter.StringFixed(2))

	down, err := engine.PostAdjustment(ctx, "cust-1", dec("-30"), "goodwill credit", actor())
	require.NoError(t, err)
	assert.Equal(t, "20.00", down.BalanceAfter.StringFixed(2))

	_, err = engine.PostAdjustment(ctx, "cust-1", dec("0"), "noop", actor())
	assert.True(t, domain.IsValidation(err))
	_, err = engine.PostAdjustment(ctx, "cust-1", dec("5"), "", actor())
	assert.True(t, domain.IsValidation(err))
}

// =============================================================================
// BALANCE CHAIN INVARIANT
// =============================================================================

func TestLedger_BalanceChainHolds(t *testing.T) {
	// GIVEN: An invoice, two payments and an adjustment
	// WHEN: Reading the full statement
	// THEN: Every entry's balanceAfter equals the running sum of signed
	//       amounts, and the cached balance matches the last entry

	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedCustomer(t, store, "cust-1")
	seedPackedOrder(t, store, "ord-0001", "cust-1")

	_, err := engine.CompleteReconciliation(ctx, "ord-0001", nil, actor())
	require.NoError(t, err)
	_, err = engine.PostPayment(ctx, "cust-1", dec("150.50"), "cash", actor())
	require.NoError(t, err)
	_, err = engine.PostAdjustment(ctx, "cust-1", dec("25.25"), "late fee", actor())
	require.NoError(t, err)
	_, err = engine.PostPayment(ctx, "cust-1", dec("100"), "bank transfer", actor())
	require.NoError(t, err)

	stmt, err := engine.CustomerStatement(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, stmt.Entries, 4)

	running := decimal.Zero
	for _, entry := range stmt.Entries {
		running = running.Add(entry.SignedAmount)
		assert.True(t, entry.BalanceAfter.Equal(running),
			"entry %s: balanceAfter %s, running sum %s",
			entry.ID, entry.BalanceAfter, running)
	}

	// 500 - 150.50 + 25.25 - 100 = 274.75
	assert.Equal(t, "274.75", stmt.Balance.StringFixed(2))
	assert.True(t, stmt.InSync)
}

func TestCustomerStatement_EmptyLedger(t *testing.T) {
	engine, store := newTestEngine(t)
	seedCustomer(t, store, "cust-1")

	stmt, err := engine.CustomerStatement(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.Empty(t, stmt.Entries)
	assert.True(t, stmt.Balance.IsZero())
	assert.True(t, stmt.InSync)
}
