/*
Package sqlite provides the SQLite-backed implementation of the storage
primitives the order-to-ledger pipeline relies on.

PURPOSE:
  One store for counters, customers, products, daily reference rates,
  orders, ledger entries, delivery batches and job runs. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

ATOMICITY:
  - IncrementCounter is a single INSERT..ON CONFLICT..RETURNING statement:
    the read-increment-write happens inside the database, never as two
    application-level calls.
  - orders.idempotency_key carries a UNIQUE index; the constraint, not a
    prior read, is the source of truth for idempotent order creation.
  - ledger_entries is append-only (no UPDATE/DELETE paths exist) and a
    partial unique index allows at most one invoice entry per order.
  - WithTx exposes a SQL transaction for the reconcile-and-post unit of
    work: the order update, the ledger append and the cached balance
    update commit together or not at all.

CONCURRENCY:
  Uses sync.RWMutex for in-process serialization on top of SQLite's WAL
  mode. Two concurrent ledger postings for one customer serialize on the
  store; the read-latest-balance/write-new-balance critical section never
  interleaves.

SCHEMA:
  Auto-migrated on New(). For production use a proper migration tool
  (golang-migrate, goose) with versioned migrations.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/meridian/order-engine/domain"
)

// Store implements the persistence interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store backed by the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Named counters for document numbering. Rows are created on first use
	-- and never deleted; one counter per document-type-per-month.
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		pricing_policy TEXT NOT NULL,
		markup_percent TEXT NOT NULL DEFAULT '0',
		contract_rates_json TEXT NOT NULL DEFAULT '{}',
		running_balance TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- One reference rate per product per day; the rollover job fills gaps.
	CREATE TABLE IF NOT EXISTS product_rates (
		product_id TEXT NOT NULL,
		rate_date TEXT NOT NULL,
		rate TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(product_id, rate_date)
	);

	CREATE INDEX IF NOT EXISTS idx_product_rates_lookup
		ON product_rates(product_id, rate_date DESC);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		order_number TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		batch_id TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		packing_json TEXT,
		reconciliation_json TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		delivered_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orders_customer
		ON orders(customer_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_orders_status
		ON orders(status);

	-- Append-only ledger. Corrections are new adjustment entries, never
	-- edits. rowid preserves insertion order within one entry date.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		signed_amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		order_id TEXT,
		reference TEXT,
		entry_date TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_customer
		ON ledger_entries(customer_id, entry_date);

	-- At most one invoice per order, enforced by the store.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_invoice_order
		ON ledger_entries(order_id)
		WHERE kind = 'invoice' AND order_id IS NOT NULL AND order_id != '';

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		batch_date TEXT NOT NULL,
		run TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(batch_date, run)
	);

	-- Append-only job-run log. The unique index makes daily jobs
	-- idempotent: a missed midnight run is caught up exactly once.
	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		run_date TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(job_name, run_date)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// COUNTERS
// =============================================================================

// IncrementCounter atomically increments the named counter and returns the
// new value. The first call for a name returns 1.
func (s *Store) IncrementCounter(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, seq) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET seq = counters.seq + 1
		RETURNING seq
	`, name).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return seq, nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

// SaveCustomer inserts or updates a customer. RunningBalance is not
// touched on update; only the ledger engine moves it.
func (s *Store) SaveCustomer(ctx context.Context, c domain.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ratesJSON, err := marshalRates(c.ContractRates)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO customers
		(id, name, phone, pricing_policy, markup_percent, contract_rates_json, running_balance, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			pricing_policy = excluded.pricing_policy,
			markup_percent = excluded.markup_percent,
			contract_rates_json = excluded.contract_rates_json,
			active = excluded.active
	`

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.Name, c.Phone, c.PricingPolicy,
		c.MarkupPercent.String(), ratesJSON,
		c.RunningBalance.String(), c.Active,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetCustomer retrieves a customer by id.
func (s *Store) GetCustomer(ctx context.Context, id domain.CustomerID) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getCustomer(ctx, s.db, id)
}

func getCustomer(ctx context.Context, q querier, id domain.CustomerID) (*domain.Customer, error) {
	var (
		c         domain.Customer
		markup    string
		ratesJSON string
		balance   string
		createdAt string
	)

	err := q.QueryRowContext(ctx, `
		SELECT id, name, phone, pricing_policy, markup_percent, contract_rates_json, running_balance, active, created_at
		FROM customers WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &c.Phone, &c.PricingPolicy, &markup, &ratesJSON, &balance, &c.Active, &createdAt)

	if err == sql.ErrNoRows {
		return nil, domain.ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}

	c.MarkupPercent = domain.MustDecimal(markup)
	c.RunningBalance = domain.MustDecimal(balance)
	c.ContractRates, err = unmarshalRates(ratesJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode contract rates for %s: %w", id, err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &c, nil
}

// ListCustomers returns all customers ordered by name.
func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, pricing_policy, markup_percent, contract_rates_json, running_balance, active, created_at
		FROM customers ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []domain.Customer
	for rows.Next() {
		var (
			c         domain.Customer
			markup    string
			ratesJSON string
			balance   string
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.PricingPolicy, &markup, &ratesJSON, &balance, &c.Active, &createdAt); err != nil {
			return nil, err
		}
		c.MarkupPercent = domain.MustDecimal(markup)
		c.RunningBalance = domain.MustDecimal(balance)
		c.ContractRates, _ = unmarshalRates(ratesJSON)
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// MergeContractRates adds the given rates to a customer's contract-rate map
// inside one transaction, preserving rates not named in the update.
func (s *Store) MergeContractRates(ctx context.Context, id domain.CustomerID, rates map[domain.ProductID]decimal.Decimal) error {
	if len(rates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ratesJSON string
	err = tx.QueryRowContext(ctx, "SELECT contract_rates_json FROM customers WHERE id = ?", id).Scan(&ratesJSON)
	if err == sql.ErrNoRows {
		return domain.ErrCustomerNotFound
	}
	if err != nil {
		return err
	}

	existing, err := unmarshalRates(ratesJSON)
	if err != nil {
		return err
	}
	for pid, rate := range rates {
		existing[pid] = rate
	}

	merged, err := marshalRates(existing)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE customers SET contract_rates_json = ? WHERE id = ?", merged, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateCustomerBalance overwrites the cached running balance. Outside of
// WithTx only the ledger engine's drift correction calls this.
func (s *Store) UpdateCustomerBalance(ctx context.Context, id domain.CustomerID, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE customers SET running_balance = ? WHERE id = ?", balance.String(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCustomerNotFound
	}
	return nil
}

// =============================================================================
// PRODUCTS AND REFERENCE RATES
// =============================================================================

// SaveProduct inserts or updates a product.
func (s *Store) SaveProduct(ctx context.Context, p domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO products (id, name, unit, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			unit = excluded.unit,
			active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Unit, p.Active,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetProduct retrieves a product by id.
func (s *Store) GetProduct(ctx context.Context, id domain.ProductID) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p domain.Product
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, unit, active, created_at FROM products WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Unit, &p.Active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

// ListProducts returns all products ordered by name.
func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, unit, active, created_at FROM products ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Unit, &p.Active, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		products = append(products, p)
	}
	return products, rows.Err()
}

// GetProducts returns the named products in one query.
func (s *Store) GetProducts(ctx context.Context, ids []domain.ProductID) (map[domain.ProductID]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ids) == 0 {
		return map[domain.ProductID]domain.Product{}, nil
	}

	query := fmt.Sprintf(
		"SELECT id, name, unit, active, created_at FROM products WHERE id IN (%s)",
		placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[domain.ProductID]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Unit, &p.Active, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		products[p.ID] = p
	}
	return products, rows.Err()
}

// SaveRate posts (or corrects) a product's reference rate for a day.
func (s *Store) SaveRate(ctx context.Context, r domain.ReferenceRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO product_rates (product_id, rate_date, rate, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id, rate_date) DO UPDATE SET rate = excluded.rate
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ProductID, r.RateDate, r.Rate.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// LatestRates returns, in one query, each product's most recent reference
// rate on or before asOf (YYYY-MM-DD). Products with no rate are absent
// from the result.
func (s *Store) LatestRates(ctx context.Context, ids []domain.ProductID, asOf string) (map[domain.ProductID]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ids) == 0 {
		return map[domain.ProductID]decimal.Decimal{}, nil
	}

	query := fmt.Sprintf(`
		SELECT product_id, rate FROM product_rates
		WHERE rate_date <= ? AND product_id IN (%s)
		  AND rate_date = (
			SELECT MAX(rate_date) FROM product_rates inner_rates
			WHERE inner_rates.product_id = product_rates.product_id
			  AND inner_rates.rate_date <= ?
		  )
	`, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+2)
	args = append(args, asOf)
	args = append(args, idArgs(ids)...)
	args = append(args, asOf)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := make(map[domain.ProductID]decimal.Decimal, len(ids))
	for rows.Next() {
		var pid domain.ProductID
		var rate string
		if err := rows.Scan(&pid, &rate); err != nil {
			return nil, err
		}
		rates[pid] = domain.MustDecimal(rate)
	}
	return rates, rows.Err()
}

// HasRateForDate checks whether a product already has a rate row for a day.
func (s *Store) HasRateForDate(ctx context.Context, id domain.ProductID, date string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM product_rates WHERE product_id = ? AND rate_date = ?",
		id, date,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// ORDERS
// =============================================================================

// InsertOrder persists a freshly created order. A clash on the idempotency
// key maps to ErrDuplicateIdempotencyKey so the orchestrator can return the
// winning order instead.
func (s *Store) InsertOrder(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	linesJSON, err := json.Marshal(o.Lines)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders
		(id, order_number, customer_id, status, total_amount, idempotency_key,
		 batch_id, lines_json, packing_json, reconciliation_json, created_by, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, NULL)
	`

	_, err = s.db.ExecContext(ctx, query,
		o.ID, o.OrderNumber, o.CustomerID, o.Status,
		o.TotalAmount.String(), nullString(o.IdempotencyKey),
		o.BatchID, string(linesJSON), o.CreatedBy,
		o.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idempotency_key") {
				return domain.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("order uniqueness violated: %w", err)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by id.
func (s *Store) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getOrderWhere(ctx, s.db, "id = ?", id)
}

// GetOrderByIdempotencyKey retrieves the order a replayed creation request
// should return.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getOrderWhere(ctx, s.db, "idempotency_key = ?", key)
}

const orderColumns = `id, order_number, customer_id, status, total_amount, idempotency_key,
	 batch_id, lines_json, packing_json, reconciliation_json, created_by, created_at, delivered_at`

func getOrderWhere(ctx context.Context, q querier, where string, arg any) (*domain.Order, error) {
	row := q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE "+where, arg)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns orders, optionally filtered by customer and status,
// newest first.
func (s *Store) ListOrders(ctx context.Context, customerID domain.CustomerID, status domain.OrderStatus) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + orderColumns + " FROM orders"
	var conds []string
	var args []any
	if customerID != "" {
		conds = append(conds, "customer_id = ?")
		args = append(args, customerID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// UpdateOrderStatus transitions an order's status, guarded by the set of
// statuses the transition is allowed from. A guard miss on an existing
// order reports the current status in a conflict error.
func (s *Store) UpdateOrderStatus(ctx context.Context, id domain.OrderID, from []domain.OrderStatus, to domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("UPDATE orders SET status = ? WHERE id = ? AND status IN (%s)",
		placeholders(len(from)))
	args := []any{to, id}
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.statusConflict(ctx, id, string(to))
	}
	return nil
}

// UpdateOrderPacking writes the packing sub-record and the order status in
// one guarded statement.
func (s *Store) UpdateOrderPacking(ctx context.Context, id domain.OrderID, packing *domain.PackingSession, status domain.OrderStatus, from []domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	packingJSON, err := json.Marshal(packing)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE orders SET packing_json = ?, status = ? WHERE id = ? AND status IN (%s)",
		placeholders(len(from)))
	args := []any{string(packingJSON), status, id}
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.statusConflict(ctx, id, string(status))
	}
	return nil
}

// statusConflict distinguishes a missing order from a guard miss.
// Caller holds the write lock.
func (s *Store) statusConflict(ctx context.Context, id domain.OrderID, attempted string) error {
	var current string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM orders WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return domain.ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	return domain.Conflictf("order transition", current, "cannot move order %s to %s", id, attempted)
}

func scanOrder(row interface{ Scan(dest ...any) error }) (*domain.Order, error) {
	var (
		o           domain.Order
		total       string
		idempotency sql.NullString
		linesJSON   string
		packingJSON sql.NullString
		reconJSON   sql.NullString
		createdBy   sql.NullString
		createdAt   string
		deliveredAt sql.NullString
	)

	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &o.Status, &total, &idempotency,
		&o.BatchID, &linesJSON, &packingJSON, &reconJSON, &createdBy, &createdAt, &deliveredAt)
	if err != nil {
		return nil, err
	}

	o.TotalAmount = domain.MustDecimal(total)
	o.IdempotencyKey = idempotency.String
	o.CreatedBy = createdBy.String
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	if err := json.Unmarshal([]byte(linesJSON), &o.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode order lines for %s: %w", o.ID, err)
	}
	if packingJSON.Valid && packingJSON.String != "" {
		var p domain.PackingSession
		if err := json.Unmarshal([]byte(packingJSON.String), &p); err != nil {
			return nil, fmt.Errorf("failed to decode packing record for %s: %w", o.ID, err)
		}
		o.Packing = &p
	}
	if reconJSON.Valid && reconJSON.String != "" {
		var rec domain.Reconciliation
		if err := json.Unmarshal([]byte(reconJSON.String), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode reconciliation record for %s: %w", o.ID, err)
		}
		o.Reconciliation = &rec
	}
	if deliveredAt.Valid {
		t, _ := time.Parse(time.RFC3339, deliveredAt.String)
		o.DeliveredAt = &t
	}
	return &o, nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

const entryColumns = `id, customer_id, kind, signed_amount, balance_after, order_id, reference,
	 entry_date, created_by, created_at`

// LedgerEntries returns a customer's entries in posting order (entry date,
// then insertion order).
func (s *Store) LedgerEntries(ctx context.Context, customerID domain.CustomerID) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE customer_id = ?
		ORDER BY entry_date ASC, rowid ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// LatestBalance reads the balance after the customer's newest entry.
// Returns zero with found=false when the ledger is empty.
func (s *Store) LatestBalance(ctx context.Context, customerID domain.CustomerID) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return latestBalance(ctx, s.db, customerID)
}

func latestBalance(ctx context.Context, q querier, customerID domain.CustomerID) (decimal.Decimal, bool, error) {
	var balance string
	err := q.QueryRowContext(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE customer_id = ?
		ORDER BY entry_date DESC, rowid DESC
		LIMIT 1
	`, customerID).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return domain.MustDecimal(balance), true, nil
}

func appendEntry(ctx context.Context, q execer, e domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries
		(id, customer_id, kind, signed_amount, balance_after, order_id, reference, entry_date, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		e.ID, e.CustomerID, e.Kind,
		e.SignedAmount.String(), e.BalanceAfter.String(),
		nullString(string(e.OrderID)), e.Reference,
		e.EntryDate.UTC().Format(time.RFC3339),
		e.CreatedBy, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	// SQLite names the violated column set, not the index.
	if err != nil && isUniqueConstraintError(err) &&
		strings.Contains(err.Error(), "ledger_entries.order_id") {
		return domain.ErrAlreadyReconciled
	}
	return err
}

func scanEntry(rows *sql.Rows) (*domain.LedgerEntry, error) {
	var (
		e         domain.LedgerEntry
		signed    string
		after     string
		orderID   sql.NullString
		reference sql.NullString
		createdBy sql.NullString
		entryDate string
		createdAt string
	)
	err := rows.Scan(&e.ID, &e.CustomerID, &e.Kind, &signed, &after, &orderID, &reference,
		&entryDate, &createdBy, &createdAt)
	if err != nil {
		return nil, err
	}
	e.SignedAmount = domain.MustDecimal(signed)
	e.BalanceAfter = domain.MustDecimal(after)
	e.OrderID = domain.OrderID(orderID.String)
	e.Reference = reference.String
	e.CreatedBy = createdBy.String
	e.EntryDate, _ = time.Parse(time.RFC3339, entryDate)
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &e, nil
}

// =============================================================================
// TRANSACTIONAL UNIT (reconcile-and-post)
// =============================================================================

// Tx is the typed view of one SQL transaction. It exists so the ledger
// engine can express "order update + ledger append + cached balance" as a
// single unit of work.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside one database transaction. fn returning an error
// rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// GetOrder reads an order with the transaction's view.
func (t *Tx) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return getOrderWhere(ctx, t.tx, "id = ?", id)
}

// GetCustomer reads a customer with the transaction's view.
func (t *Tx) GetCustomer(ctx context.Context, id domain.CustomerID) (*domain.Customer, error) {
	return getCustomer(ctx, t.tx, id)
}

// MarkOrderDelivered replaces the order's lines, total, status and
// reconciliation record, guarded by the statuses delivery is allowed from.
func (t *Tx) MarkOrderDelivered(ctx context.Context, o *domain.Order, from []domain.OrderStatus) error {
	linesJSON, err := json.Marshal(o.Lines)
	if err != nil {
		return err
	}
	reconJSON, err := json.Marshal(o.Reconciliation)
	if err != nil {
		return err
	}

	var deliveredAt any
	if o.DeliveredAt != nil {
		deliveredAt = o.DeliveredAt.UTC().Format(time.RFC3339)
	}

	query := fmt.Sprintf(`
		UPDATE orders
		SET lines_json = ?, total_amount = ?, status = ?, reconciliation_json = ?, delivered_at = ?
		WHERE id = ? AND status IN (%s)
	`, placeholders(len(from)))
	args := []any{string(linesJSON), o.TotalAmount.String(), o.Status, string(reconJSON), deliveredAt, o.ID}
	for _, st := range from {
		args = append(args, st)
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

// LatestBalance reads the newest balance within the transaction.
func (t *Tx) LatestBalance(ctx context.Context, customerID domain.CustomerID) (decimal.Decimal, bool, error) {
	return latestBalance(ctx, t.tx, customerID)
}

// AppendEntry appends a ledger entry within the transaction.
func (t *Tx) AppendEntry(ctx context.Context, e domain.LedgerEntry) error {
	return appendEntry(ctx, t.tx, e)
}

// UpdateCustomerBalance updates the cached running balance within the
// transaction.
func (t *Tx) UpdateCustomerBalance(ctx context.Context, id domain.CustomerID, balance decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE customers SET running_balance = ? WHERE id = ?", balance.String(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCustomerNotFound
	}
	return nil
}

// =============================================================================
// BATCHES
// =============================================================================

// EnsureBatch finds or creates the batch row for a delivery date and run,
// returning its id. The UNIQUE(batch_date, run) index makes concurrent
// callers converge on one row.
func (s *Store) EnsureBatch(ctx context.Context, id, batchDate, run string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var got string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO batches (id, batch_date, run, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(batch_date, run) DO UPDATE SET run = excluded.run
		RETURNING id
	`, id, batchDate, run, time.Now().UTC().Format(time.RFC3339)).Scan(&got)
	if err != nil {
		return "", fmt.Errorf("failed to ensure batch: %w", err)
	}
	return got, nil
}

// =============================================================================
// JOB RUNS
// =============================================================================

// JobRun is one row of the append-only job-run log.
type JobRun struct {
	ID          string
	JobName     string
	RunDate     string // YYYY-MM-DD
	Status      string
	Detail      string
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// HasJobRun reports whether a job already ran (or is running) for a date.
func (s *Store) HasJobRun(ctx context.Context, jobName, runDate string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM job_runs WHERE job_name = ? AND run_date = ?",
		jobName, runDate,
	).Scan(&count)
	return count > 0, err
}

// RecordJobRun inserts a job-run row. A second insert for the same
// (job, date) trips the unique index, which callers treat as "already done".
func (s *Store) RecordJobRun(ctx context.Context, run JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_name, run_date, status, detail, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.JobName, run.RunDate, run.Status, run.Detail, completedAt,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil && isUniqueConstraintError(err) {
		return domain.ErrConcurrentModification
	}
	return err
}

// ListJobRuns returns recent job runs, newest first.
func (s *Store) ListJobRuns(ctx context.Context, jobName string, limit int) ([]JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_name, run_date, status, detail, completed_at, created_at
		FROM job_runs
		WHERE (? = '' OR job_name = ?)
		ORDER BY run_date DESC, created_at DESC
		LIMIT ?
	`, jobName, jobName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var (
			r           JobRun
			detail      sql.NullString
			completedAt sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&r.ID, &r.JobName, &r.RunDate, &r.Status, &detail, &completedAt, &createdAt); err != nil {
			return nil, err
		}
		r.Detail = detail.String
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			r.CompletedAt = &t
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []domain.ProductID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func marshalRates(rates map[domain.ProductID]decimal.Decimal) (string, error) {
	if rates == nil {
		return "{}", nil
	}
	out := make(map[string]string, len(rates))
	for pid, rate := range rates {
		out[string(pid)] = rate.String()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalRates(raw string) (map[domain.ProductID]decimal.Decimal, error) {
	if raw == "" || raw == "{}" {
		return map[domain.ProductID]decimal.Decimal{}, nil
	}
	var in map[string]string
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, err
	}
	rates := make(map[domain.ProductID]decimal.Decimal, len(in))
	for pid, rate := range in {
		rates[domain.ProductID(pid)] = domain.MustDecimal(rate)
	}
	return rates, nil
}
