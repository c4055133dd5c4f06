/*
Package ledger implements reconciliation and the append-only customer ledger.

PURPOSE:
  Delivery is the financial moment of truth: the delivered quantities
  replace the ordered ones, the order total is recomputed, and exactly
  one invoice entry is appended to the customer's ledger — all inside a
  single transaction so the order can never be delivered without its
  matching entry. Payments and manual adjustments reuse the same atomic
  posting pattern.

KEY CONCEPTS IN THIS FILE (engine.go):
  - CompleteReconciliation: finalize delivered quantities + invoice post
  - PostPayment / PostAdjustment: balance-moving entries of either sign
  - Balance chain: for one customer's entries in insertion order,
    balanceAfter[i] = balanceAfter[i-1] + signedAmount[i], from zero
  - Drift correction: after a posting commits, the cached running
    balance is re-read and renormalized to 2 decimals if needed

DESIGN PRINCIPLES:
  1. The previous balance is read inside the same transaction that
     appends the entry; the store's writer lock serializes postings
  2. Ledger entries are never updated or deleted
  3. Customer.RunningBalance is a cache of the last balanceAfter,
     updated in the same transaction that appends

SEE ALSO:
  - store/sqlite/: WithTx and the one-invoice-per-order partial index
  - packing/: Produces the packed state reconciliation starts from
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian/order-engine/domain"
	"github.com/meridian/order-engine/pricing"
	"github.com/meridian/order-engine/store/sqlite"
)

// Engine posts ledger entries and reconciles deliveries. It works against
// the concrete store because its operations are transaction-shaped.
type Engine struct {
	store  *sqlite.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a ledger engine.
func NewEngine(store *sqlite.Store, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger, now: time.Now}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// DeliveredLine is one caller-supplied delivered quantity. Lines not listed
// default to their ordered quantity.
type DeliveredLine struct {
	ProductID domain.ProductID
	Quantity  decimal.Decimal
}

// ReconciliationResult is the outcome of a completed reconciliation.
type ReconciliationResult struct {
	Order *domain.Order
	Entry *domain.LedgerEntry
}

// CompleteReconciliation finalizes an order's delivered quantities and posts
// the invoice. The order update and the ledger append commit together or not
// at all; on abort the order keeps its prior status for retry.
func (e *Engine) CompleteReconciliation(ctx context.Context, orderID domain.OrderID, delivered []DeliveredLine, actor domain.Actor) (*ReconciliationResult, error) {
	deliveredByProduct := make(map[domain.ProductID]decimal.Decimal, len(delivered))
	for _, d := range delivered {
		if d.Quantity.IsNegative() {
			return nil, domain.Validationf("delivered_lines",
				"delivered quantity for product %s cannot be negative", d.ProductID)
		}
		deliveredByProduct[d.ProductID] = d.Quantity
	}

	var result ReconciliationResult
	err := e.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		switch order.Status {
		case domain.OrderConfirmed, domain.OrderPacked:
			// reconcilable
		case domain.OrderDelivered:
			return domain.ErrAlreadyReconciled
		default:
			return domain.Conflictf("reconciliation", string(order.Status),
				"order %s cannot be reconciled", orderID)
		}

		for productID := range deliveredByProduct {
			if _, ok := order.Line(productID); !ok {
				return domain.Validationf("delivered_lines",
					"product %s is not on order %s", productID, orderID)
			}
		}

		customer, err := tx.GetCustomer(ctx, order.CustomerID)
		if err != nil {
			if errors.Is(err, domain.ErrCustomerNotFound) {
				// An order must never go delivered without a ledger post.
				return &domain.IntegrityError{
					Message: "order " + string(orderID) + " references a missing customer",
					Err:     err,
				}
			}
			return err
		}

		now := e.now()
		recon := &domain.Reconciliation{
			PreviousTotal: order.TotalAmount,
			ReconciledBy:  actor.ID,
			ReconciledAt:  now,
		}
		for i := range order.Lines {
			line := &order.Lines[i]
			qty, supplied := deliveredByProduct[line.ProductID]
			if !supplied {
				qty = line.Quantity
			}
			if !qty.Equal(line.Quantity) {
				recon.Changes = append(recon.Changes, domain.LineChange{
					ProductID:    line.ProductID,
					ProductName:  line.ProductName,
					OrderedQty:   line.Quantity,
					DeliveredQty: qty,
				})
			}
			line.Quantity = qty
			line.Amount = pricing.LineAmount(qty, line.Rate)
		}
		order.RecomputeTotal()
		order.Status = domain.OrderDelivered
		order.DeliveredAt = &now
		order.Reconciliation = recon

		err = tx.MarkOrderDelivered(ctx, order,
			[]domain.OrderStatus{domain.OrderConfirmed, domain.OrderPacked})
		if err != nil {
			return err
		}

		entry, err := e.appendWithBalance(ctx, tx, domain.LedgerEntry{
			ID:           domain.EntryID(ulid.Make().String()),
			CustomerID:   customer.ID,
			Kind:         domain.EntryInvoice,
			SignedAmount: order.TotalAmount,
			OrderID:      order.ID,
			Reference:    order.OrderNumber,
			EntryDate:    now,
			CreatedBy:    actor.ID,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}

		result.Order = order
		result.Entry = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.normalizeCachedBalance(ctx, result.Entry.CustomerID)

	e.logger.Info("order reconciled",
		zap.String("order_id", string(orderID)),
		zap.String("entry_id", string(result.Entry.ID)),
		zap.Int("changes", len(result.Order.Reconciliation.Changes)),
		zap.String("invoiced", result.Entry.SignedAmount.StringFixed(2)),
		zap.String("balance_after", result.Entry.BalanceAfter.StringFixed(2)))

	return &result, nil
}

// =============================================================================
// PAYMENTS AND ADJUSTMENTS
// =============================================================================

// PostPayment records a payment received from a customer. Payments reduce
// what the customer owes.
func (e *Engine) PostPayment(ctx context.Context, customerID domain.CustomerID, amount decimal.Decimal, reference string, actor domain.Actor) (*domain.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, domain.Validationf("amount", "payment amount must be positive")
	}
	return e.post(ctx, customerID, domain.EntryPayment, amount.Neg(), reference, actor)
}

// PostAdjustment records a manual correction of either sign.
func (e *Engine) PostAdjustment(ctx context.Context, customerID domain.CustomerID, signedAmount decimal.Decimal, reference string, actor domain.Actor) (*domain.LedgerEntry, error) {
	if signedAmount.IsZero() {
		return nil, domain.Validationf("amount", "adjustment amount cannot be zero")
	}
	if reference == "" {
		return nil, domain.Validationf("reference", "adjustments require a reference note")
	}
	return e.post(ctx, customerID, domain.EntryAdjustment, signedAmount, reference, actor)
}

// post runs the shared atomic pattern: read latest balance, append the entry
// with the new balance, update the cached balance, in one transaction.
func (e *Engine) post(ctx context.Context, customerID domain.CustomerID, kind domain.EntryKind, signedAmount decimal.Decimal, reference string, actor domain.Actor) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := e.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, err := tx.GetCustomer(ctx, customerID); err != nil {
			return err
		}
		now := e.now()
		var err error
		entry, err = e.appendWithBalance(ctx, tx, domain.LedgerEntry{
			ID:           domain.EntryID(ulid.Make().String()),
			CustomerID:   customerID,
			Kind:         kind,
			SignedAmount: domain.Round2(signedAmount),
			Reference:    reference,
			EntryDate:    now,
			CreatedBy:    actor.ID,
			CreatedAt:    now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.normalizeCachedBalance(ctx, customerID)

	e.logger.Info("ledger entry posted",
		zap.String("customer_id", string(customerID)),
		zap.String("entry_id", string(entry.ID)),
		zap.String("kind", string(kind)),
		zap.String("amount", entry.SignedAmount.StringFixed(2)),
		zap.String("balance_after", entry.BalanceAfter.StringFixed(2)))

	return entry, nil
}

// appendWithBalance extends the balance chain: balanceAfter is the previous
// entry's balance plus this entry's signed amount, starting from zero.
func (e *Engine) appendWithBalance(ctx context.Context, tx *sqlite.Tx, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	previous, _, err := tx.LatestBalance(ctx, entry.CustomerID)
	if err != nil {
		return nil, &domain.DependencyError{
			Dependency: "ledger",
			Err:        errors.Join(domain.ErrLedgerUnavailable, err),
		}
	}
	entry.BalanceAfter = previous.Add(entry.SignedAmount)

	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.UpdateCustomerBalance(ctx, entry.CustomerID, entry.BalanceAfter); err != nil {
		return nil, err
	}
	return &entry, nil
}

// normalizeCachedBalance re-reads the cached running balance after a commit
// and rewrites it at canonical 2-decimal precision if repeated increments
// left extra digits behind. Failures are logged, not surfaced: the ledger
// chain is already correct and the cache heals on the next posting.
func (e *Engine) normalizeCachedBalance(ctx context.Context, customerID domain.CustomerID) {
	customer, err := e.store.GetCustomer(ctx, customerID)
	if err != nil {
		e.logger.Warn("balance normalization read failed",
			zap.String("customer_id", string(customerID)), zap.Error(err))
		return
	}
	canonical := domain.Round2(customer.RunningBalance)
	if customer.RunningBalance.Equal(canonical) {
		return
	}
	if err := e.store.UpdateCustomerBalance(ctx, customerID, canonical); err != nil {
		e.logger.Warn("balance normalization write failed",
			zap.String("customer_id", string(customerID)), zap.Error(err))
	}
}

// =============================================================================
// STATEMENTS
// =============================================================================

// Statement is a customer's full ledger view.
type Statement struct {
	Customer *domain.Customer
	Entries  []domain.LedgerEntry
	// Balance is the last entry's balanceAfter (zero with no entries).
	Balance decimal.Decimal
	// InSync reports whether the cached running balance matches Balance.
	InSync bool
}

// CustomerStatement returns every ledger entry for a customer along with the
// derived balance and whether the cached balance agrees with it.
func (e *Engine) CustomerStatement(ctx context.Context, customerID domain.CustomerID) (*Statement, error) {
	customer, err := e.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.LedgerEntries(ctx, customerID)
	if err != nil {
		return nil, err
	}

	balance := decimal.Zero
	if len(entries) > 0 {
		balance = entries[len(entries)-1].BalanceAfter
	}
	return &Statement{
		Customer: customer,
		Entries:  entries,
		Balance:  balance,
		InSync:   customer.RunningBalance.Equal(balance),
	}, nil
}
