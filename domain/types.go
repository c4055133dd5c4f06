/*
Package domain provides the core types for the order-to-ledger pipeline.

PURPOSE:
  This package contains the shared vocabulary for the whole engine:
  customers with their pricing policies, products with denormalized
  order-line snapshots, orders moving through the fulfillment lifecycle,
  and the append-only ledger entries that settle them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: 2-decimal monetary rounding built on decimal.Decimal
  - Customer: pricing policy, contract rates, cached running balance
  - Order/OrderLine: immutable product snapshots and computed amounts
  - LedgerEntry: one signed monetary movement with its balance-after
  - Actor: caller identity used for the self-service ownership check

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere; floats only at the JSON edge
  2. Snapshots: order lines copy product name/unit at creation time and
     are never re-derived by a live join
  3. Single-writer balances: Customer.RunningBalance is mutated only by
     the ledger engine, never directly

SEE ALSO:
  - errors.go: Error taxonomy shared by the services
  - ledger/: Reconciliation and ledger posting
  - orders/: Order creation orchestration
*/
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - 2-decimal monetary values
// =============================================================================

// Round2 rounds a monetary value to exactly 2 decimal places, half up.
// Every computed rate and amount is rounded exactly once with this; callers
// must not re-round already-rounded values in a chain.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MustDecimal parses s, returning zero on malformed input. Used when reading
// values the store itself wrote.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// UNITS
// =============================================================================

// Unit is the measurement unit a product is sold in.
type Unit string

const (
	UnitKg      Unit = "kg"
	UnitQuintal Unit = "quintal"
	UnitLitre   Unit = "litre"
	UnitPiece   Unit = "piece"
	UnitBag     Unit = "bag"
	UnitBox     Unit = "box"
	UnitDozen   Unit = "dozen"
)

// IsIntegral reports whether quantities in this unit must be whole numbers.
// Piece-counted goods cannot be ordered in fractions.
func (u Unit) IsIntegral() bool {
	switch u {
	case UnitPiece, UnitBag, UnitBox, UnitDozen:
		return true
	}
	return false
}

// =============================================================================
// IDENTIFIERS AND ACTORS
// =============================================================================

type CustomerID string
type ProductID string
type OrderID string
type EntryID string

// Role classifies the caller for the self-service ownership check in order
// creation. HTTP-level role enforcement is outside this engine.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStaff    Role = "staff"
	RoleCustomer Role = "customer"
)

// Actor is the caller-supplied identity context.
type Actor struct {
	ID               string
	Role             Role
	LinkedCustomerID CustomerID
}

// IsStaff reports whether the actor may act on any customer's behalf.
func (a Actor) IsStaff() bool { return a.Role == RoleAdmin || a.Role == RoleStaff }

// =============================================================================
// CUSTOMER
// =============================================================================

// PricingPolicy selects how a customer's unit rate is derived from the
// day's reference rate.
type PricingPolicy string

const (
	// PricingMarket charges the reference rate as-is.
	PricingMarket PricingPolicy = "market"
	// PricingMarkup charges reference rate plus a fixed percentage.
	PricingMarkup PricingPolicy = "markup"
	// PricingContract charges a pre-agreed per-product rate, immune to
	// market fluctuation once set.
	PricingContract PricingPolicy = "contract"
)

// Customer carries the pricing configuration and the cached running balance.
// RunningBalance is owned by the ledger engine: positive means the customer
// owes money.
type Customer struct {
	ID            CustomerID
	Name          string
	Phone         string
	PricingPolicy PricingPolicy
	MarkupPercent decimal.Decimal
	// ContractRates maps product id to the locked-in rate. Iterate by
	// explicit key lookup only; serialization is keyed, not ordered.
	ContractRates  map[ProductID]decimal.Decimal
	RunningBalance decimal.Decimal
	Active         bool
	CreatedAt      time.Time
}

// ContractRate returns the locked rate for a product, if one is configured.
func (c *Customer) ContractRate(productID ProductID) (decimal.Decimal, bool) {
	if c.ContractRates == nil {
		return decimal.Zero, false
	}
	rate, ok := c.ContractRates[productID]
	return rate, ok
}

// =============================================================================
// PRODUCT
// =============================================================================

// Product is referenced by id from order lines; its name and unit are
// denormalized onto lines at creation time so historical orders stay
// readable after a rename or deactivation.
type Product struct {
	ID        ProductID
	Name      string
	Unit      Unit
	Active    bool
	CreatedAt time.Time
}

// ReferenceRate is one day's market rate for a product. The rollover job
// carries the latest rate forward when a day has none posted.
type ReferenceRate struct {
	ProductID ProductID
	RateDate  string // YYYY-MM-DD
	Rate      decimal.Decimal
}

// =============================================================================
// ORDER
// =============================================================================

// OrderStatus is the order's position in the fulfillment lifecycle.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderPacked     OrderStatus = "packed"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// OrderLine is an immutable snapshot of one ordered product.
// Amount is always Round2(Quantity x Rate), computed when the line is built
// and recomputed only when reconciliation replaces the quantity.
type OrderLine struct {
	ProductID   ProductID
	ProductName string
	Quantity    decimal.Decimal
	Unit        Unit
	Rate        decimal.Decimal
	Amount      decimal.Decimal
	// IsLockedPrice marks a contract rate that must never be silently
	// recalculated.
	IsLockedPrice bool
}

// LineChange records one delivered-vs-ordered difference for the audit trail.
type LineChange struct {
	ProductID    ProductID
	ProductName  string
	OrderedQty   decimal.Decimal
	DeliveredQty decimal.Decimal
}

// Reconciliation is the audit sub-record stamped onto a delivered order.
type Reconciliation struct {
	Changes       []LineChange
	PreviousTotal decimal.Decimal
	ReconciledBy  string
	ReconciledAt  time.Time
}

// Order is created once by the orchestrator, mutated by the packing state
// machine and the reconciliation engine, and never physically deleted.
type Order struct {
	ID             OrderID
	OrderNumber    string
	CustomerID     CustomerID
	Lines          []OrderLine
	TotalAmount    decimal.Decimal
	Status         OrderStatus
	IdempotencyKey string
	BatchID        string
	Packing        *PackingSession
	Reconciliation *Reconciliation
	CreatedBy      string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// RecomputeTotal restores the invariant TotalAmount == sum(lines[*].Amount).
// Line amounts are already rounded, so the sum is not re-rounded.
func (o *Order) RecomputeTotal() {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.Amount)
	}
	o.TotalAmount = total
}

// Line returns the order line for a product, if present.
func (o *Order) Line(productID ProductID) (*OrderLine, bool) {
	for i := range o.Lines {
		if o.Lines[i].ProductID == productID {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

// =============================================================================
// PACKING SUB-RECORD
// =============================================================================

// PackingState is the packing session's workflow state.
type PackingState string

const (
	PackingNotStarted PackingState = "not_started"
	PackingInProgress PackingState = "in_progress"
	PackingCompleted  PackingState = "completed"
	PackingOnHold     PackingState = "on_hold"
)

// ItemStatus is the physical fulfillment status of one line during packing.
type ItemStatus string

const (
	ItemPending     ItemStatus = "pending"
	ItemPacked      ItemStatus = "packed"
	ItemShort       ItemStatus = "short"
	ItemDamaged     ItemStatus = "damaged"
	ItemSubstituted ItemStatus = "substituted"
)

// PackingItem tracks one order line through physical packing.
type PackingItem struct {
	ProductID   ProductID
	ProductName string
	OrderedQty  decimal.Decimal
	PackedQty   decimal.Decimal
	Status      ItemStatus
	Notes       string
}

// PackingIssue captures a per-product shortfall. Re-recording the same
// product overwrites its issue; it never appends a second one.
type PackingIssue struct {
	ProductID    ProductID
	ProductName  string
	Status       ItemStatus
	OrderedQty   decimal.Decimal
	PackedQty    decimal.Decimal
	ShortfallQty decimal.Decimal
	Notes        string
	Acknowledged bool
}

// PackingSession is the per-order packing workflow record, persisted as a
// sub-record on the order. The set of item product ids always equals the
// set of order-line product ids for the session's lifetime.
type PackingSession struct {
	State      PackingState
	Items      []PackingItem
	Issues     []PackingIssue
	HoldReason string
	// AdjustedTotal is set only when at least one item was not fully
	// packed; nil distinguishes "no issues" from "issues canceled out".
	AdjustedTotal *decimal.Decimal
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// Item returns the packing item for a product, if present.
func (p *PackingSession) Item(productID ProductID) (*PackingItem, bool) {
	for i := range p.Items {
		if p.Items[i].ProductID == productID {
			return &p.Items[i], true
		}
	}
	return nil, false
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	// EntryInvoice increases what the customer owes.
	EntryInvoice EntryKind = "invoice"
	// EntryPayment decreases what the customer owes.
	EntryPayment EntryKind = "payment"
	// EntryAdjustment is a manual correction of either sign.
	EntryAdjustment EntryKind = "adjustment"
)

// LedgerEntry is one append-only, immutable monetary movement.
// For a customer's entries in insertion order,
// BalanceAfter[i] = BalanceAfter[i-1] + SignedAmount[i], starting from zero.
type LedgerEntry struct {
	ID           EntryID
	CustomerID   CustomerID
	Kind         EntryKind
	SignedAmount decimal.Decimal
	BalanceAfter decimal.Decimal
	OrderID      OrderID
	Reference    string
	EntryDate    time.Time
	CreatedBy    string
	CreatedAt    time.Time
}
