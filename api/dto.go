/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All monetary values and quantities cross the wire as decimal strings
  ("110.00"), never as floats. Handlers parse them with shopspring/decimal
  and reject anything malformed.

VALIDATION:
  Validation is done in handlers and services, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - domain/: The internal model these project
*/
package api

import (
	"time"

	"github.com/meridian/order-engine/domain"
	"github.com/meridian/order-engine/store/sqlite"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// CustomerDTO represents a customer in API responses.
type CustomerDTO struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Phone          string            `json:"phone,omitempty"`
	PricingPolicy  string            `json:"pricing_policy"`
	MarkupPercent  string            `json:"markup_percent,omitempty"`
	ContractRates  map[string]string `json:"contract_rates,omitempty"`
	RunningBalance string            `json:"running_balance"`
	Active         bool              `json:"active"`
	CreatedAt      string            `json:"created_at,omitempty"`
}

// SaveCustomerRequest creates or replaces a customer.
type SaveCustomerRequest struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Phone         string            `json:"phone"`
	PricingPolicy string            `json:"pricing_policy"`
	MarkupPercent string            `json:"markup_percent"`
	ContractRates map[string]string `json:"contract_rates"`
	Active        *bool             `json:"active"`
}

// =============================================================================
// PRODUCTS AND RATES
// =============================================================================

// ProductDTO represents a product in API responses.
type ProductDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

// SaveProductRequest creates or replaces a product.
type SaveProductRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Unit   string `json:"unit"`
	Active *bool  `json:"active"`
}

// SaveRateRequest posts one day's reference rate for a product.
type SaveRateRequest struct {
	ProductID string `json:"product_id"`
	RateDate  string `json:"rate_date"` // YYYY-MM-DD; defaults to today
	Rate      string `json:"rate"`
}

// =============================================================================
// ORDERS
// =============================================================================

// OrderLineDTO is one line of an order in API responses.
type OrderLineDTO struct {
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name"`
	Quantity      string `json:"quantity"`
	Unit          string `json:"unit"`
	Rate          string `json:"rate"`
	Amount        string `json:"amount"`
	IsLockedPrice bool   `json:"is_locked_price,omitempty"`
}

// OrderDTO represents an order in API responses.
type OrderDTO struct {
	ID             string             `json:"id"`
	OrderNumber    string             `json:"order_number"`
	CustomerID     string             `json:"customer_id"`
	Lines          []OrderLineDTO     `json:"lines"`
	TotalAmount    string             `json:"total_amount"`
	Status         string             `json:"status"`
	BatchID        string             `json:"batch_id,omitempty"`
	Packing        *PackingDTO        `json:"packing,omitempty"`
	Reconciliation *ReconciliationDTO `json:"reconciliation,omitempty"`
	CreatedBy      string             `json:"created_by,omitempty"`
	CreatedAt      string             `json:"created_at,omitempty"`
	DeliveredAt    string             `json:"delivered_at,omitempty"`
}

// CreateOrderLineRequest is one requested line.
type CreateOrderLineRequest struct {
	ProductID    string `json:"product_id"`
	Quantity     string `json:"quantity"`
	RateOverride string `json:"rate_override,omitempty"`
}

// CreateOrderRequest is the order-creation request body. The idempotency
// key may instead be supplied via the Idempotency-Key header.
type CreateOrderRequest struct {
	CustomerID     string                   `json:"customer_id"`
	Lines          []CreateOrderLineRequest `json:"lines"`
	IdempotencyKey string                   `json:"idempotency_key,omitempty"`
}

// CreateOrderResponse wraps the created order with non-fatal warnings.
type CreateOrderResponse struct {
	Order    OrderDTO `json:"order"`
	Warnings []string `json:"warnings,omitempty"`
	Replayed bool     `json:"replayed,omitempty"`
}

// =============================================================================
// PACKING
// =============================================================================

// PackingItemDTO is one line's packing progress.
type PackingItemDTO struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	OrderedQty  string `json:"ordered_qty"`
	PackedQty   string `json:"packed_qty"`
	Status      string `json:"status"`
	Notes       string `json:"notes,omitempty"`
}

// PackingIssueDTO is one recorded shortfall.
type PackingIssueDTO struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	Status       string `json:"status"`
	OrderedQty   string `json:"ordered_qty"`
	PackedQty    string `json:"packed_qty"`
	ShortfallQty string `json:"shortfall_qty"`
	Notes        string `json:"notes,omitempty"`
	Acknowledged bool   `json:"acknowledged"`
}

// PackingDTO is the order's packing session.
type PackingDTO struct {
	State         string            `json:"state"`
	Items         []PackingItemDTO  `json:"items"`
	Issues        []PackingIssueDTO `json:"issues,omitempty"`
	HoldReason    string            `json:"hold_reason,omitempty"`
	AdjustedTotal string            `json:"adjusted_total,omitempty"`
	StartedAt     string            `json:"started_at,omitempty"`
	CompletedAt   string            `json:"completed_at,omitempty"`
}

// RecordPackingItemRequest records one packing observation.
type RecordPackingItemRequest struct {
	ProductID string `json:"product_id"`
	Status    string `json:"status"`
	PackedQty string `json:"packed_qty"`
	Notes     string `json:"notes,omitempty"`
}

// CompletePackingRequest closes the session.
type CompletePackingRequest struct {
	AcknowledgeIssues bool `json:"acknowledge_issues"`
}

// HoldPackingRequest pauses the session.
type HoldPackingRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// RECONCILIATION AND LEDGER
// =============================================================================

// ReconciliationDTO is the audit sub-record of a delivered order.
type ReconciliationDTO struct {
	Changes       []LineChangeDTO `json:"changes"`
	PreviousTotal string          `json:"previous_total"`
	ReconciledBy  string          `json:"reconciled_by,omitempty"`
	ReconciledAt  string          `json:"reconciled_at,omitempty"`
}

// LineChangeDTO is one delivered-vs-ordered difference.
type LineChangeDTO struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	OrderedQty   string `json:"ordered_qty"`
	DeliveredQty string `json:"delivered_qty"`
}

// DeliveredLineRequest is one delivered quantity; omitted lines keep their
// ordered quantity.
type DeliveredLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  string `json:"quantity"`
}

// ReconcileOrderRequest finalizes a delivery.
type ReconcileOrderRequest struct {
	DeliveredLines []DeliveredLineRequest `json:"delivered_lines"`
}

// ReconcileOrderResponse returns the delivered order and its invoice entry.
type ReconcileOrderResponse struct {
	Order OrderDTO       `json:"order"`
	Entry LedgerEntryDTO `json:"entry"`
}

// LedgerEntryDTO is one ledger entry in API responses.
type LedgerEntryDTO struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer_id"`
	Kind         string `json:"kind"`
	SignedAmount string `json:"signed_amount"`
	BalanceAfter string `json:"balance_after"`
	OrderID      string `json:"order_id,omitempty"`
	Reference    string `json:"reference,omitempty"`
	EntryDate    string `json:"entry_date"`
	CreatedBy    string `json:"created_by,omitempty"`
}

// StatementDTO is a customer's full ledger view.
type StatementDTO struct {
	Customer CustomerDTO      `json:"customer"`
	Entries  []LedgerEntryDTO `json:"entries"`
	Balance  string           `json:"balance"`
	InSync   bool             `json:"in_sync"`
}

// PostPaymentRequest records a payment received.
type PostPaymentRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// PostAdjustmentRequest records a manual correction of either sign.
type PostAdjustmentRequest struct {
	SignedAmount string `json:"signed_amount"`
	Reference    string `json:"reference"`
}

// =============================================================================
// JOBS AND ERRORS
// =============================================================================

// JobRunDTO is one row of the job-run log.
type JobRunDTO struct {
	ID          string `json:"id"`
	JobName     string `json:"job_name"`
	RunDate     string `json:"run_date"`
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// DOMAIN -> DTO CONVERSIONS
// =============================================================================

func toCustomerDTO(c domain.Customer) CustomerDTO {
	dto := CustomerDTO{
		ID:             string(c.ID),
		Name:           c.Name,
		Phone:          c.Phone,
		PricingPolicy:  string(c.PricingPolicy),
		RunningBalance: c.RunningBalance.StringFixed(2),
		Active:         c.Active,
		CreatedAt:      formatTime(c.CreatedAt),
	}
	if c.PricingPolicy == domain.PricingMarkup {
		dto.MarkupPercent = c.MarkupPercent.String()
	}
	if len(c.ContractRates) > 0 {
		dto.ContractRates = make(map[string]string, len(c.ContractRates))
		for pid, rate := range c.ContractRates {
			dto.ContractRates[string(pid)] = rate.StringFixed(2)
		}
	}
	return dto
}

func toProductDTO(p domain.Product) ProductDTO {
	return ProductDTO{
		ID:        string(p.ID),
		Name:      p.Name,
		Unit:      string(p.Unit),
		Active:    p.Active,
		CreatedAt: formatTime(p.CreatedAt),
	}
}

func toOrderDTO(o domain.Order) OrderDTO {
	lines := make([]OrderLineDTO, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = OrderLineDTO{
			ProductID:     string(l.ProductID),
			ProductName:   l.ProductName,
			Quantity:      l.Quantity.String(),
			Unit:          string(l.Unit),
			Rate:          l.Rate.StringFixed(2),
			Amount:        l.Amount.StringFixed(2),
			IsLockedPrice: l.IsLockedPrice,
		}
	}
	dto := OrderDTO{
		ID:          string(o.ID),
		OrderNumber: o.OrderNumber,
		CustomerID:  string(o.CustomerID),
		Lines:       lines,
		TotalAmount: o.TotalAmount.StringFixed(2),
		Status:      string(o.Status),
		BatchID:     o.BatchID,
		CreatedBy:   o.CreatedBy,
		CreatedAt:   formatTime(o.CreatedAt),
	}
	if o.DeliveredAt != nil {
		dto.DeliveredAt = formatTime(*o.DeliveredAt)
	}
	if o.Packing != nil {
		packing := toPackingDTO(*o.Packing)
		dto.Packing = &packing
	}
	if o.Reconciliation != nil {
		recon := toReconciliationDTO(*o.Reconciliation)
		dto.Reconciliation = &recon
	}
	return dto
}

func toPackingDTO(p domain.PackingSession) PackingDTO {
	items := make([]PackingItemDTO, len(p.Items))
	for i, item := range p.Items {
		items[i] = PackingItemDTO{
			ProductID:   string(item.ProductID),
			ProductName: item.ProductName,
			OrderedQty:  item.OrderedQty.String(),
			PackedQty:   item.PackedQty.String(),
			Status:      string(item.Status),
			Notes:       item.Notes,
		}
	}
	issues := make([]PackingIssueDTO, len(p.Issues))
	for i, issue := range p.Issues {
		issues[i] = PackingIssueDTO{
			ProductID:    string(issue.ProductID),
			ProductName:  issue.ProductName,
			Status:       string(issue.Status),
			OrderedQty:   issue.OrderedQty.String(),
			PackedQty:    issue.PackedQty.String(),
			ShortfallQty: issue.ShortfallQty.String(),
			Notes:        issue.Notes,
			Acknowledged: issue.Acknowledged,
		}
	}
	dto := PackingDTO{
		State:      string(p.State),
		Items:      items,
		Issues:     issues,
		HoldReason: p.HoldReason,
		StartedAt:  formatTime(p.StartedAt),
	}
	if p.AdjustedTotal != nil {
		dto.AdjustedTotal = p.AdjustedTotal.StringFixed(2)
	}
	if p.CompletedAt != nil {
		dto.CompletedAt = formatTime(*p.CompletedAt)
	}
	return dto
}

func toReconciliationDTO(r domain.Reconciliation) ReconciliationDTO {
	changes := make([]LineChangeDTO, len(r.Changes))
	for i, c := range r.Changes {
		changes[i] = LineChangeDTO{
			ProductID:    string(c.ProductID),
			ProductName:  c.ProductName,
			OrderedQty:   c.OrderedQty.String(),
			DeliveredQty: c.DeliveredQty.String(),
		}
	}
	return ReconciliationDTO{
		Changes:       changes,
		PreviousTotal: r.PreviousTotal.StringFixed(2),
		ReconciledBy:  r.ReconciledBy,
		ReconciledAt:  formatTime(r.ReconciledAt),
	}
}

func toLedgerEntryDTO(e domain.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:           string(e.ID),
		CustomerID:   string(e.CustomerID),
		Kind:         string(e.Kind),
		SignedAmount: e.SignedAmount.StringFixed(2),
		BalanceAfter: e.BalanceAfter.StringFixed(2),
		OrderID:      string(e.OrderID),
		Reference:    e.Reference,
		EntryDate:    formatTime(e.EntryDate),
		CreatedBy:    e.CreatedBy,
	}
}

func toJobRunDTO(run sqlite.JobRun) JobRunDTO {
	dto := JobRunDTO{
		ID:      run.ID,
		JobName: run.JobName,
		RunDate: run.RunDate,
		Status:  run.Status,
		Detail:  run.Detail,
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = formatTime(*run.CompletedAt)
	}
	return dto
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
