/*
handlers.go - HTTP API handlers for the order engine

PURPOSE:
  Exposes the order-to-ledger pipeline via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Customers:
    GET    /api/customers                 List customers
    POST   /api/customers                 Create or replace customer
    GET    /api/customers/{id}            Get customer
    GET    /api/customers/{id}/statement  Ledger statement
    POST   /api/customers/{id}/payments   Post a payment
    POST   /api/customers/{id}/adjustments Post a manual adjustment

  Products:
    GET    /api/products                  List products
    POST   /api/products                  Create or replace product
    POST   /api/rates                     Post a day's reference rate

  Orders:
    POST   /api/orders                    Create order (idempotent)
    GET    /api/orders                    List orders (?customer_id=&status=)
    GET    /api/orders/{id}               Get order
    POST   /api/orders/{id}/confirm       pending -> confirmed
    POST   /api/orders/{id}/cancel        Cancel before packing
    POST   /api/orders/{id}/reconcile     Finalize delivery + invoice

  Packing:
    POST   /api/orders/{id}/packing/start
    POST   /api/orders/{id}/packing/items
    POST   /api/orders/{id}/packing/complete
    POST   /api/orders/{id}/packing/hold
    POST   /api/orders/{id}/packing/resume

  Admin:
    POST   /api/admin/rollover            Run the rate carry-forward now
    GET    /api/admin/job-runs            Job-run audit log

ACTOR CONTEXT:
  The caller's identity arrives in headers: X-Actor-Id, X-Actor-Role
  (admin|staff|customer, default staff) and X-Actor-Customer (the linked
  customer for customer-role callers). There is no authentication layer;
  the headers feed the self-service ownership checks only.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed request bodies and unparseable values
  - 403: Actor not permitted for the target customer
  - 404: Resource not found
  - 409: Conflict (wrong status, already reconciled, concurrent update)
  - 422: Domain validation failures (inactive customer, bad quantity, ...)
  - 503: A required collaborator (sequence, batch, ledger) is unavailable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Rate carry-forward job
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian/order-engine/domain"
	"github.com/meridian/order-engine/ledger"
	"github.com/meridian/order-engine/orders"
	"github.com/meridian/order-engine/packing"
	"github.com/meridian/order-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Orders   *orders.Service
	Packing  *packing.Service
	Ledger   *ledger.Engine
	Rollover *RateRollover
	Logger   *zap.Logger
}

// NewHandler creates a handler with the given collaborators.
func NewHandler(store *sqlite.Store, orderSvc *orders.Service, packingSvc *packing.Service, engine *ledger.Engine, rollover *RateRollover, logger *zap.Logger) *Handler {
	return &Handler{
		Store:    store,
		Orders:   orderSvc,
		Packing:  packingSvc,
		Ledger:   engine,
		Rollover: rollover,
		Logger:   logger,
	}
}

// actorFrom builds the caller identity from request headers.
func actorFrom(r *http.Request) domain.Actor {
	role := domain.Role(r.Header.Get("X-Actor-Role"))
	switch role {
	case domain.RoleAdmin, domain.RoleStaff, domain.RoleCustomer:
	default:
		role = domain.RoleStaff
	}
	return domain.Actor{
		ID:               r.Header.Get("X-Actor-Id"),
		Role:             role,
		LinkedCustomerID: domain.CustomerID(r.Header.Get("X-Actor-Customer")),
	}
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns all customers.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Store.ListCustomers(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": dtos})
}

// SaveCustomer creates or replaces a customer.
func (h *Handler) SaveCustomer(w http.ResponseWriter, r *http.Request) {
	var req SaveCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	policy := domain.PricingPolicy(req.PricingPolicy)
	switch policy {
	case domain.PricingMarket, domain.PricingMarkup, domain.PricingContract:
	case "":
		policy = domain.PricingMarket
	default:
		writeError(w, http.StatusBadRequest, "Unknown pricing policy", nil)
		return
	}

	customer := domain.Customer{
		ID:            domain.CustomerID(req.ID),
		Name:          req.Name,
		Phone:         req.Phone,
		PricingPolicy: policy,
		Active:        true,
		CreatedAt:     time.Now(),
	}
	if req.Active != nil {
		customer.Active = *req.Active
	}
	if req.MarkupPercent != "" {
		markup, err := decimal.NewFromString(req.MarkupPercent)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid markup_percent", err)
			return
		}
		customer.MarkupPercent = markup
	}
	if len(req.ContractRates) > 0 {
		customer.ContractRates = make(map[domain.ProductID]decimal.Decimal, len(req.ContractRates))
		for pid, raw := range req.ContractRates {
			rate, err := decimal.NewFromString(raw)
			if err != nil || !rate.IsPositive() {
				writeError(w, http.StatusBadRequest, "Invalid contract rate for "+pid, err)
				return
			}
			customer.ContractRates[domain.ProductID(pid)] = domain.Round2(rate)
		}
	}

	// Preserve the ledger-owned balance on replacement.
	if existing, err := h.Store.GetCustomer(r.Context(), customer.ID); err == nil {
		customer.RunningBalance = existing.RunningBalance
		customer.CreatedAt = existing.CreatedAt
	}

	if err := h.Store.SaveCustomer(r.Context(), customer); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(customer))
}

// GetCustomer returns one customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := h.Store.GetCustomer(r.Context(), domain.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*customer))
}

// GetStatement returns a customer's full ledger statement.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	stmt, err := h.Ledger.CustomerStatement(r.Context(), domain.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	entries := make([]LedgerEntryDTO, len(stmt.Entries))
	for i, e := range stmt.Entries {
		entries[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, StatementDTO{
		Customer: toCustomerDTO(*stmt.Customer),
		Entries:  entries,
		Balance:  stmt.Balance.StringFixed(2),
		InSync:   stmt.InSync,
	})
}

// PostPayment records a payment received from a customer.
func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req PostPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entry, err := h.Ledger.PostPayment(r.Context(),
		domain.CustomerID(chi.URLParam(r, "id")), amount, req.Reference, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(*entry))
}

// PostAdjustment records a manual balance correction.
func (h *Handler) PostAdjustment(w http.ResponseWriter, r *http.Request) {
	var req PostAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.SignedAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid signed_amount", err)
		return
	}

	entry, err := h.Ledger.PostAdjustment(r.Context(),
		domain.CustomerID(chi.URLParam(r, "id")), amount, req.Reference, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(*entry))
}

// =============================================================================
// PRODUCT AND RATE HANDLERS
// =============================================================================

// ListProducts returns all products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": dtos})
}

// SaveProduct creates or replaces a product.
func (h *Handler) SaveProduct(w http.ResponseWriter, r *http.Request) {
	var req SaveProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	unit := domain.Unit(req.Unit)
	switch unit {
	case domain.UnitKg, domain.UnitQuintal, domain.UnitLitre,
		domain.UnitPiece, domain.UnitBag, domain.UnitBox, domain.UnitDozen:
	default:
		writeError(w, http.StatusBadRequest, "Unknown unit", nil)
		return
	}

	product := domain.Product{
		ID:        domain.ProductID(req.ID),
		Name:      req.Name,
		Unit:      unit,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if req.Active != nil {
		product.Active = *req.Active
	}
	if existing, err := h.Store.GetProduct(r.Context(), product.ID); err == nil {
		product.CreatedAt = existing.CreatedAt
	}

	if err := h.Store.SaveProduct(r.Context(), product); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(product))
}

// SaveRate posts one day's reference rate for a product.
func (h *Handler) SaveRate(w http.ResponseWriter, r *http.Request) {
	var req SaveRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil || !rate.IsPositive() {
		writeError(w, http.StatusBadRequest, "Rate must be a positive decimal", err)
		return
	}
	rateDate := req.RateDate
	if rateDate == "" {
		rateDate = time.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", rateDate); err != nil {
		writeError(w, http.StatusBadRequest, "rate_date must be YYYY-MM-DD", err)
		return
	}

	if _, err := h.Store.GetProduct(r.Context(), domain.ProductID(req.ProductID)); err != nil {
		respondError(w, err)
		return
	}

	record := domain.ReferenceRate{
		ProductID: domain.ProductID(req.ProductID),
		RateDate:  rateDate,
		Rate:      domain.Round2(rate),
	}
	if err := h.Store.SaveRate(r.Context(), record); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": req.ProductID,
		"rate_date":  rateDate,
		"rate":       record.Rate.StringFixed(2),
	})
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// CreateOrder creates a new pending order, replaying on duplicate keys.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	lines := make([]orders.LineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		qty, err := decimal.NewFromString(l.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid quantity for "+l.ProductID, err)
			return
		}
		line := orders.LineInput{
			ProductID: domain.ProductID(l.ProductID),
			Quantity:  qty,
		}
		if l.RateOverride != "" {
			override, err := decimal.NewFromString(l.RateOverride)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid rate_override for "+l.ProductID, err)
				return
			}
			line.RateOverride = &override
		}
		lines = append(lines, line)
	}

	result, err := h.Orders.CreateOrder(r.Context(), orders.CreateOrderInput{
		CustomerID:     domain.CustomerID(req.CustomerID),
		Lines:          lines,
		IdempotencyKey: key,
		Actor:          actorFrom(r),
	})
	if err != nil {
		respondError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, CreateOrderResponse{
		Order:    toOrderDTO(*result.Order),
		Warnings: result.Warnings,
		Replayed: result.Replayed,
	})
}

// ListOrders lists orders, filterable by customer and status.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.Orders.ListOrders(r.Context(),
		domain.CustomerID(r.URL.Query().Get("customer_id")),
		domain.OrderStatus(r.URL.Query().Get("status")))
	if err != nil {
		respondError(w, err)
		return
	}
	dtos := make([]OrderDTO, len(list))
	for i, o := range list {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": dtos})
}

// GetOrder returns one order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), domain.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// ConfirmOrder moves a pending order to confirmed.
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.ConfirmOrder(r.Context(), domain.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// CancelOrder cancels an order that has not entered packing.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.CancelOrder(r.Context(), domain.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// ReconcileOrder finalizes delivered quantities and posts the invoice.
func (h *Handler) ReconcileOrder(w http.ResponseWriter, r *http.Request) {
	var req ReconcileOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	delivered := make([]ledger.DeliveredLine, 0, len(req.DeliveredLines))
	for _, d := range req.DeliveredLines {
		qty, err := decimal.NewFromString(d.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid quantity for "+d.ProductID, err)
			return
		}
		delivered = append(delivered, ledger.DeliveredLine{
			ProductID: domain.ProductID(d.ProductID),
			Quantity:  qty,
		})
	}

	result, err := h.Ledger.CompleteReconciliation(r.Context(),
		domain.OrderID(chi.URLParam(r, "id")), delivered, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileOrderResponse{
		Order: toOrderDTO(*result.Order),
		Entry: toLedgerEntryDTO(*result.Entry),
	})
}

// =============================================================================
// PACKING HANDLERS
// =============================================================================

// StartPacking opens the packing session.
func (h *Handler) StartPacking(w http.ResponseWriter, r *http.Request) {
	order, err := h.Packing.Start(r.Context(), domain.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// RecordPackingItem records one packing observation.
func (h *Handler) RecordPackingItem(w http.ResponseWriter, r *http.Request) {
	var req RecordPackingItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var qty *decimal.Decimal
	if req.PackedQty != "" {
		parsed, err := decimal.NewFromString(req.PackedQty)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid packed_qty", err)
			return
		}
		qty = &parsed
	}

	order, err := h.Packing.RecordItem(r.Context(), domain.OrderID(chi.URLParam(r, "id")),
		packing.RecordItemInput{
			ProductID: domain.ProductID(req.ProductID),
			Status:    domain.ItemStatus(req.Status),
			PackedQty: qty,
			Notes:     req.Notes,
		})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// CompletePacking closes the session and computes the adjusted total.
func (h *Handler) CompletePacking(w http.ResponseWriter, r *http.Request) {
	var req CompletePackingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	order, err := h.Packing.Complete(r.Context(),
		domain.OrderID(chi.URLParam(r, "id")), req.AcknowledgeIssues)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// HoldPacking pauses the session with a mandatory reason.
func (h *Handler) HoldPacking(w http.ResponseWriter, r *http.Request) {
	var req HoldPackingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	order, err := h.Packing.Hold(r.Context(), domain.OrderID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// ResumePacking reopens an on-hold session.
func (h *Handler) ResumePacking(w http.ResponseWriter, r *http.Request) {
	order, err := h.Packing.Resume(r.Context(), domain.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerRollover runs the rate carry-forward job for today immediately.
func (h *Handler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	run, err := h.Rollover.RunOnce(r.Context(), time.Now())
	if err != nil {
		respondError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]any{"skipped": true})
		return
	}
	writeJSON(w, http.StatusOK, toJobRunDTO(*run))
}

// ListJobRuns returns the job-run audit log.
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListJobRuns(r.Context(), r.URL.Query().Get("job"), 50)
	if err != nil {
		respondError(w, err)
		return
	}
	dtos := make([]JobRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toJobRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// respondError maps the domain error taxonomy onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, "Validation failed", err)
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, domain.ErrAlreadyReconciled):
		writeError(w, http.StatusConflict, "Order already reconciled", err)
	case domain.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case domain.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "Temporarily unavailable", err)
	case domain.IsIntegrity(err):
		writeError(w, http.StatusInternalServerError, "Data integrity error", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
