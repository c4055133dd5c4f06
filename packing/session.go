/*
Package packing implements the packing verification state machine.

PURPOSE:
  Between confirmation and delivery an order is physically assembled.
  This package tracks that work as a per-order session: one item per
  order line, per-product issue records for anything not fully packed,
  a mandatory-reason hold/resume loop, and on completion an adjusted
  invoice total derived from the recorded shortfalls.

STATE MODEL:
  not_started -> in_progress -> {completed, on_hold}
  on_hold -> in_progress (resume)
  completed is terminal.

KEY INVARIANTS:
  - The session's item product ids always equal the order-line product
    ids for the session's lifetime
  - AdjustedTotal is computed by subtracting each shortfall from the
    original total, never by recomputing line amounts from scratch
  - AdjustedTotal stays nil when every item packed in full, so "no
    issues" is distinguishable from "issues canceled out at zero"

SEE ALSO:
  - ledger/: Reconciliation consumes packed quantities as defaults
*/
package packing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian/order-engine/domain"
)

// =============================================================================
// STORE CONTRACT
// =============================================================================

// Store is the slice of the persistence layer the state machine consumes.
type Store interface {
	GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	UpdateOrderPacking(ctx context.Context, id domain.OrderID, packing *domain.PackingSession, status domain.OrderStatus, from []domain.OrderStatus) error
}

// Service drives packing sessions through their workflow.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a packing service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// =============================================================================
// START
// =============================================================================

// Start opens a packing session for a confirmed order and moves the order to
// processing. One item per order line is initialized as pending.
func (s *Service) Start(ctx context.Context, orderID domain.OrderID) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderConfirmed && order.Status != domain.OrderProcessing {
		return nil, domain.Conflictf("packing start", string(order.Status),
			"order %s is not ready for packing", orderID)
	}
	if order.Packing != nil && order.Packing.State == domain.PackingInProgress {
		return nil, domain.Conflictf("packing start", string(domain.PackingInProgress),
			"packing already in progress for order %s", orderID)
	}

	items := make([]domain.PackingItem, 0, len(order.Lines))
	for _, line := range order.Lines {
		items = append(items, domain.PackingItem{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			OrderedQty:  line.Quantity,
			PackedQty:   decimal.Zero,
			Status:      domain.ItemPending,
		})
	}
	session := &domain.PackingSession{
		State:     domain.PackingInProgress,
		Items:     items,
		StartedAt: s.now(),
	}

	err = s.store.UpdateOrderPacking(ctx, orderID, session, domain.OrderProcessing,
		[]domain.OrderStatus{domain.OrderConfirmed, domain.OrderProcessing})
	if err != nil {
		return nil, err
	}

	s.logger.Info("packing started",
		zap.String("order_id", string(orderID)),
		zap.Int("items", len(items)))

	order.Packing = session
	order.Status = domain.OrderProcessing
	return order, nil
}

// =============================================================================
// RECORD ITEM
// =============================================================================

// RecordItemInput captures one packing observation for a product. PackedQty
// is optional: when omitted, a packed item defaults to its ordered quantity
// and any other status defaults to zero.
type RecordItemInput struct {
	ProductID domain.ProductID
	Status    domain.ItemStatus
	PackedQty *decimal.Decimal
	Notes     string
}

// RecordItem records the packing outcome for one line. A non-packed status
// creates or overwrites the product's issue record; a packed status clears
// any prior issue.
func (s *Service) RecordItem(ctx context.Context, orderID domain.OrderID, in RecordItemInput) (*domain.Order, error) {
	if !validItemStatus(in.Status) {
		return nil, domain.Validationf("status", "unknown item status %q", in.Status)
	}
	if in.PackedQty != nil && in.PackedQty.IsNegative() {
		return nil, domain.Validationf("packed_qty", "packed quantity cannot be negative")
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	session := order.Packing
	if session == nil || session.State != domain.PackingInProgress {
		return nil, domain.Conflictf("packing record", sessionState(session),
			"packing is not in progress for order %s", orderID)
	}

	item, ok := session.Item(in.ProductID)
	if !ok {
		return nil, domain.Validationf("product_id",
			"product %s is not on order %s", in.ProductID, orderID)
	}
	qty := decimal.Zero
	switch {
	case in.PackedQty != nil:
		qty = *in.PackedQty
	case in.Status == domain.ItemPacked:
		qty = item.OrderedQty
	}
	item.Status = in.Status
	item.PackedQty = qty
	item.Notes = in.Notes

	if in.Status == domain.ItemPacked || in.Status == domain.ItemPending {
		clearIssue(session, in.ProductID)
	} else {
		upsertIssue(session, domain.PackingIssue{
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			Status:       in.Status,
			OrderedQty:   item.OrderedQty,
			PackedQty:    qty,
			ShortfallQty: item.OrderedQty.Sub(qty),
			Notes:        in.Notes,
		})
	}

	err = s.store.UpdateOrderPacking(ctx, orderID, session, order.Status,
		[]domain.OrderStatus{domain.OrderProcessing})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// =============================================================================
// COMPLETE
// =============================================================================

// Complete closes the session and moves the order to packed. Every item must
// have been recorded and any issues must be acknowledged by the caller.
// When at least one item was not fully packed, the adjusted total is the
// original total minus each shortfall priced at the line's rate.
func (s *Service) Complete(ctx context.Context, orderID domain.OrderID, acknowledgeIssues bool) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	session := order.Packing
	if session == nil || session.State != domain.PackingInProgress {
		return nil, domain.Conflictf("packing complete", sessionState(session),
			"packing is not in progress for order %s", orderID)
	}

	for _, item := range session.Items {
		if item.Status == domain.ItemPending {
			return nil, domain.Conflictf("packing complete", string(session.State),
				"item %s has not been recorded", item.ProductID)
		}
	}
	if len(session.Issues) > 0 && !acknowledgeIssues {
		return nil, domain.Conflictf("packing complete", string(session.State),
			"order %s has %d unacknowledged packing issues", orderID, len(session.Issues))
	}
	for i := range session.Issues {
		session.Issues[i].Acknowledged = true
	}

	if adjusted, changed := adjustedTotal(order, session); changed {
		session.AdjustedTotal = &adjusted
	}

	completedAt := s.now()
	session.State = domain.PackingCompleted
	session.CompletedAt = &completedAt

	err = s.store.UpdateOrderPacking(ctx, orderID, session, domain.OrderPacked,
		[]domain.OrderStatus{domain.OrderProcessing})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("order_id", string(orderID)),
		zap.Int("issues", len(session.Issues)),
	}
	if session.AdjustedTotal != nil {
		fields = append(fields, zap.String("adjusted_total", session.AdjustedTotal.StringFixed(2)))
	}
	s.logger.Info("packing completed", fields...)

	order.Status = domain.OrderPacked
	return order, nil
}

// adjustedTotal subtracts each shortfall, priced at its line's rate, from the
// order's original total. Reports false when every item packed in full.
func adjustedTotal(order *domain.Order, session *domain.PackingSession) (decimal.Decimal, bool) {
	total := order.TotalAmount
	changed := false
	for _, item := range session.Items {
		if item.PackedQty.GreaterThanOrEqual(item.OrderedQty) && item.Status == domain.ItemPacked {
			continue
		}
		line, ok := order.Line(item.ProductID)
		if !ok {
			continue
		}
		shortfall := item.OrderedQty.Sub(item.PackedQty)
		total = total.Sub(domain.Round2(shortfall.Mul(line.Rate)))
		changed = true
	}
	return total, changed
}

// =============================================================================
// HOLD / RESUME
// =============================================================================

// Hold pauses an in-progress session. A reason is mandatory.
func (s *Service) Hold(ctx context.Context, orderID domain.OrderID, reason string) (*domain.Order, error) {
	if reason == "" {
		return nil, domain.Validationf("reason", "a hold reason is required")
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	session := order.Packing
	if session == nil || session.State != domain.PackingInProgress {
		return nil, domain.Conflictf("packing hold", sessionState(session),
			"packing is not in progress for order %s", orderID)
	}

	session.State = domain.PackingOnHold
	session.HoldReason = reason

	err = s.store.UpdateOrderPacking(ctx, orderID, session, order.Status,
		[]domain.OrderStatus{domain.OrderProcessing})
	if err != nil {
		return nil, err
	}

	s.logger.Info("packing held",
		zap.String("order_id", string(orderID)),
		zap.String("reason", reason))
	return order, nil
}

// Resume reopens an on-hold session and clears the hold reason.
func (s *Service) Resume(ctx context.Context, orderID domain.OrderID) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	session := order.Packing
	if session == nil || session.State != domain.PackingOnHold {
		return nil, domain.Conflictf("packing resume", sessionState(session),
			"packing is not on hold for order %s", orderID)
	}

	session.State = domain.PackingInProgress
	session.HoldReason = ""

	err = s.store.UpdateOrderPacking(ctx, orderID, session, order.Status,
		[]domain.OrderStatus{domain.OrderProcessing})
	if err != nil {
		return nil, err
	}

	s.logger.Info("packing resumed", zap.String("order_id", string(orderID)))
	return order, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func validItemStatus(st domain.ItemStatus) bool {
	switch st {
	case domain.ItemPending, domain.ItemPacked, domain.ItemShort,
		domain.ItemDamaged, domain.ItemSubstituted:
		return true
	}
	return false
}

func sessionState(session *domain.PackingSession) string {
	if session == nil {
		return string(domain.PackingNotStarted)
	}
	return string(session.State)
}

func clearIssue(session *domain.PackingSession, productID domain.ProductID) {
	for i := range session.Issues {
		if session.Issues[i].ProductID == productID {
			session.Issues = append(session.Issues[:i], session.Issues[i+1:]...)
			return
		}
	}
}

func upsertIssue(session *domain.PackingSession, issue domain.PackingIssue) {
	for i := range session.Issues {
		if session.Issues[i].ProductID == issue.ProductID {
			session.Issues[i] = issue
			return
		}
	}
	session.Issues = append(session.Issues, issue)
}
