/*
Package orders provides the order-creation orchestrator.

PURPOSE:
  Order creation composes several collaborators into one operation:
  idempotent deduplication, customer and actor checks, batched product
  and reference-rate reads, per-line pricing, contract-rate lock-in,
  batch assignment, document numbering and the final persist. This
  package owns that composition plus the explicit confirm/cancel
  lifecycle transitions.

KEY CONCEPTS IN THIS FILE (service.go):
  - CreateOrder: the orchestrator; any validation failure aborts before
    persistence, batch-assignment failure aborts entirely, contract-rate
    persistence failure degrades to a warning
  - Idempotent replay: the storage uniqueness constraint on the key is
    the source of truth; the pre-read is only a fast path
  - Confirm/Cancel: guarded status transitions

SEE ALSO:
  - pricing/: Per-line rate resolution
  - sequence/: Order number generation
  - batch.go: Fulfillment batch assignment
*/
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian/order-engine/domain"
	"github.com/meridian/order-engine/pricing"
	"github.com/meridian/order-engine/sequence"
)

// =============================================================================
// STORE CONTRACT
// =============================================================================

// Store is the slice of the persistence layer the orchestrator consumes.
type Store interface {
	GetCustomer(ctx context.Context, id domain.CustomerID) (*domain.Customer, error)
	GetProducts(ctx context.Context, ids []domain.ProductID) (map[domain.ProductID]domain.Product, error)
	LatestRates(ctx context.Context, ids []domain.ProductID, asOf string) (map[domain.ProductID]decimal.Decimal, error)
	MergeContractRates(ctx context.Context, id domain.CustomerID, rates map[domain.ProductID]decimal.Decimal) error
	InsertOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	ListOrders(ctx context.Context, customerID domain.CustomerID, status domain.OrderStatus) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id domain.OrderID, from []domain.OrderStatus, to domain.OrderStatus) error
}

// =============================================================================
// SERVICE
// =============================================================================

const orderNumberPrefix = "ORD"

// Service orchestrates order creation and lifecycle transitions.
type Service struct {
	store   Store
	seq     *sequence.Generator
	batches BatchAssigner
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates an order service.
func NewService(store Store, seq *sequence.Generator, batches BatchAssigner, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		seq:     seq,
		batches: batches,
		logger:  logger,
		now:     time.Now,
	}
}

// LineInput is one requested order line. RateOverride is a staff-supplied
// unit rate; customer-role callers may not set it.
type LineInput struct {
	ProductID    domain.ProductID
	Quantity     decimal.Decimal
	RateOverride *decimal.Decimal
}

// CreateOrderInput is the orchestrator's request.
type CreateOrderInput struct {
	CustomerID     domain.CustomerID
	Lines          []LineInput
	IdempotencyKey string
	Actor          domain.Actor
}

// CreateOrderResult carries the order plus non-fatal warnings. Replayed is
// true when an existing order was returned for a duplicate idempotency key.
type CreateOrderResult struct {
	Order    *domain.Order
	Warnings []string
	Replayed bool
}

// =============================================================================
// CREATE
// =============================================================================

// CreateOrder validates, prices and persists a new pending order.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	if in.CustomerID == "" {
		return nil, domain.Validationf("customer_id", "customer id is required")
	}
	if len(in.Lines) == 0 {
		return nil, domain.Validationf("lines", "order must have at least one line")
	}

	// Fast path: replay an already-created order. The unique constraint on
	// the key closes the race this read leaves open.
	if in.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			return &CreateOrderResult{Order: existing, Replayed: true}, nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return nil, err
		}
	}

	customer, err := s.store.GetCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}
	if !customer.Active {
		return nil, domain.Validationf("customer_id", "customer %s is inactive", in.CustomerID)
	}
	if in.Actor.Role == domain.RoleCustomer && in.Actor.LinkedCustomerID != in.CustomerID {
		return nil, domain.ErrForbidden
	}

	selfService := in.Actor.Role == domain.RoleCustomer
	if selfService && customer.PricingPolicy == domain.PricingContract {
		// Self-service contract customers may only order pre-priced products.
		for _, line := range in.Lines {
			if _, ok := customer.ContractRate(line.ProductID); !ok {
				return nil, domain.Validationf("lines",
					"product %s has no contract rate configured", line.ProductID)
			}
		}
	}

	now := s.now()
	products, rates, err := s.fetchPricingInputs(ctx, in.Lines, now)
	if err != nil {
		return nil, err
	}

	lines := make([]domain.OrderLine, 0, len(in.Lines))
	persistRates := make(map[domain.ProductID]decimal.Decimal)
	for _, line := range in.Lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, domain.ErrProductNotFound
		}
		if !product.Active {
			return nil, domain.Validationf("lines", "product %s is inactive", line.ProductID)
		}
		if !line.Quantity.IsPositive() {
			return nil, domain.Validationf("lines",
				"quantity for product %s must be positive", line.ProductID)
		}
		if product.Unit.IsIntegral() && !line.Quantity.Equal(line.Quantity.Truncate(0)) {
			return nil, domain.Validationf("lines",
				"product %s is sold per %s and requires a whole quantity", line.ProductID, product.Unit)
		}
		if line.RateOverride != nil && selfService {
			return nil, domain.Validationf("lines",
				"rate overrides require a staff actor")
		}

		var ref *decimal.Decimal
		if rate, ok := rates[line.ProductID]; ok {
			ref = &rate
		}
		res := pricing.Resolve(customer, line.ProductID, ref, line.RateOverride)
		if res.ShouldPersistContractRate {
			persistRates[line.ProductID] = res.Rate
		}

		lines = append(lines, domain.OrderLine{
			ProductID:     product.ID,
			ProductName:   product.Name,
			Quantity:      line.Quantity,
			Unit:          product.Unit,
			Rate:          res.Rate,
			Amount:        pricing.LineAmount(line.Quantity, res.Rate),
			IsLockedPrice: res.IsLocked,
		})
	}

	var warnings []string
	if len(persistRates) > 0 {
		// Lock-in failure only affects future orders; this one is priced.
		if err := s.store.MergeContractRates(ctx, customer.ID, persistRates); err != nil {
			s.logger.Warn("contract rate lock-in failed",
				zap.String("customer_id", string(customer.ID)),
				zap.Error(err))
			warnings = append(warnings, "contract rates could not be saved for future orders")
		}
	}

	batchID, err := s.batches.AssignToBatch(ctx, now)
	if err != nil {
		return nil, err
	}

	orderNumber, err := s.seq.NextDocumentNumber(ctx, orderNumberPrefix, now)
	if err != nil {
		return nil, err
	}

	order := domain.Order{
		ID:             domain.OrderID(ulid.Make().String()),
		OrderNumber:    orderNumber,
		CustomerID:     customer.ID,
		Lines:          lines,
		Status:         domain.OrderPending,
		IdempotencyKey: in.IdempotencyKey,
		BatchID:        batchID,
		CreatedBy:      in.Actor.ID,
		CreatedAt:      now,
	}
	order.RecomputeTotal()

	if err := s.store.InsertOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) && in.IdempotencyKey != "" {
			// Lost the race to a concurrent creation; return the winner.
			existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, in.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return &CreateOrderResult{Order: existing, Replayed: true}, nil
		}
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order_id", string(order.ID)),
		zap.String("order_number", order.OrderNumber),
		zap.String("customer_id", string(customer.ID)),
		zap.String("batch_id", batchID),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	return &CreateOrderResult{Order: &order, Warnings: warnings}, nil
}

// fetchPricingInputs reads products and latest reference rates in parallel.
// Lines priced moments apart must see the same rate snapshot.
func (s *Service) fetchPricingInputs(ctx context.Context, lines []LineInput, now time.Time) (map[domain.ProductID]domain.Product, map[domain.ProductID]decimal.Decimal, error) {
	ids := make([]domain.ProductID, 0, len(lines))
	seen := make(map[domain.ProductID]bool, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			return nil, nil, domain.Validationf("lines", "line is missing a product id")
		}
		if seen[line.ProductID] {
			return nil, nil, domain.Validationf("lines",
				"product %s appears on more than one line", line.ProductID)
		}
		seen[line.ProductID] = true
		ids = append(ids, line.ProductID)
	}

	var (
		products map[domain.ProductID]domain.Product
		rates    map[domain.ProductID]decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = s.store.GetProducts(gctx, ids)
		return err
	})
	g.Go(func() error {
		var err error
		rates, err = s.store.LatestRates(gctx, ids, now.Format("2006-01-02"))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return products, rates, nil
}

// =============================================================================
// LIFECYCLE TRANSITIONS
// =============================================================================

// ConfirmOrder moves a pending order to confirmed.
func (s *Service) ConfirmOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	err := s.store.UpdateOrderStatus(ctx, id,
		[]domain.OrderStatus{domain.OrderPending}, domain.OrderConfirmed)
	if err != nil {
		return nil, err
	}
	return s.store.GetOrder(ctx, id)
}

// CancelOrder cancels an order that has not yet entered packing. Cancellation
// is a status transition; orders are never physically deleted.
func (s *Service) CancelOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	err := s.store.UpdateOrderStatus(ctx, id,
		[]domain.OrderStatus{domain.OrderPending, domain.OrderConfirmed}, domain.OrderCancelled)
	if err != nil {
		return nil, err
	}
	return s.store.GetOrder(ctx, id)
}

// GetOrder fetches one order.
func (s *Service) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListOrders lists orders, optionally filtered by customer and status.
func (s *Service) ListOrders(ctx context.Context, customerID domain.CustomerID, status domain.OrderStatus) ([]domain.Order, error) {
	return s.store.ListOrders(ctx, customerID, status)
}
