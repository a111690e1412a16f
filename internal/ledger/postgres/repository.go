// Package postgres implements the ledger storage port on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matheusmosca/inventory-ledger/internal/ledger"
)

// Schema creates the ledger tables. It is idempotent.
//
//go:embed schema.sql
var Schema string

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectAttempts int
}

// Connect opens a pool on dsn and waits until the database answers.
func Connect(ctx context.Context, dsn string, cfg PoolConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	attempts := max(cfg.ConnectAttempts, 1)
	for i := 0; i < attempts; i++ {
		if err = pool.Ping(ctx); err == nil {
			logger.Info("connected to ledger database", zap.Int32("max_conns", config.MaxConns))
			return pool, nil
		}
		logger.Info("waiting for database", zap.Int("attempt", i+1), zap.Int("of", attempts))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempts, err)
}

// Migrate applies Schema on pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Repository implements ledger.Repository.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository returns a Repository on db.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// BeginTx starts a READ COMMITTED transaction.
func (r *Repository) BeginTx(ctx context.Context) (ledger.Tx, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, mapError(err)
	}
	return &Tx{tx: tx}, nil
}

// Ping reports whether the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *Repository) GetInventory(ctx context.Context, productID, warehouseID uuid.UUID) (*ledger.Inventory, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, product_id, warehouse_id, quantity, version, low_stock_threshold, last_updated
		FROM inventory
		WHERE product_id = $1 AND warehouse_id = $2
	`, productID, warehouseID)
	return scanInventory(row)
}

func (r *Repository) ListHistory(ctx context.Context, inventoryID uuid.UUID, afterSequence int64, limit int) ([]ledger.InventoryHistory, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, inventory_id, sequence, change_type, quantity_changed,
		       previous_quantity, new_quantity, reference, changed_at
		FROM inventory_history
		WHERE inventory_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3
	`, inventoryID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", mapError(err))
	}
	defer rows.Close()

	var out []ledger.InventoryHistory
	for rows.Next() {
		var h ledger.InventoryHistory
		if err := rows.Scan(&h.ID, &h.InventoryID, &h.Sequence, &h.ChangeType, &h.QuantityChanged,
			&h.PreviousQuantity, &h.NewQuantity, &h.Reference, &h.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LowStockCandidates aggregates sales per product across all warehouses of
// the company, and reports each of its rows at or below threshold.
func (r *Repository) LowStockCandidates(ctx context.Context, companyID uuid.UUID, recentSince, avgSince time.Time) ([]ledger.LowStockCandidate, error) {
	rows, err := r.db.Query(ctx, `
		WITH sales AS (
			SELECT i.product_id,
			       COALESCE(SUM(-h.quantity_changed) FILTER (WHERE h.changed_at >= $2), 0)::bigint AS recent,
			       COALESCE(SUM(-h.quantity_changed) FILTER (WHERE h.changed_at >= $3), 0)::bigint AS windowed
			FROM inventory_history h
			JOIN inventory i ON i.id = h.inventory_id
			JOIN warehouses w ON w.id = i.warehouse_id
			WHERE w.company_id = $1
			  AND h.change_type = 'sale'
			  AND h.changed_at >= LEAST($2::timestamptz, $3::timestamptz)
			GROUP BY i.product_id
		)
		SELECT i.id, i.product_id, i.warehouse_id, i.quantity, i.version, i.low_stock_threshold, i.last_updated,
		       p.sku, p.name, p.price::text, p.description, p.created_at,
		       w.company_id, w.name, w.location,
		       COALESCE(s.recent, 0), COALESCE(s.windowed, 0)
		FROM inventory i
		JOIN warehouses w ON w.id = i.warehouse_id
		JOIN products p ON p.id = i.product_id
		LEFT JOIN sales s ON s.product_id = i.product_id
		WHERE w.company_id = $1
		  AND i.quantity <= i.low_stock_threshold
		ORDER BY p.name, w.name, i.id
	`, companyID, recentSince, avgSince)
	if err != nil {
		return nil, fmt.Errorf("low stock candidates: %w", mapError(err))
	}
	defer rows.Close()

	var out []ledger.LowStockCandidate
	for rows.Next() {
		var (
			c     ledger.LowStockCandidate
			price string
		)
		if err := rows.Scan(
			&c.Inventory.ID, &c.Inventory.ProductID, &c.Inventory.WarehouseID, &c.Inventory.Quantity,
			&c.Inventory.Version, &c.Inventory.LowStockThreshold, &c.Inventory.LastUpdated,
			&c.Product.SKU, &c.Product.Name, &price, &c.Product.Description, &c.Product.CreatedAt,
			&c.Warehouse.CompanyID, &c.Warehouse.Name, &c.Warehouse.Location,
			&c.RecentSales, &c.AvgWindowSales,
		); err != nil {
			return nil, fmt.Errorf("scan low stock candidate: %w", err)
		}
		if c.Product.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		c.Product.ID = c.Inventory.ProductID
		c.Warehouse.ID = c.Inventory.WarehouseID
		out = append(out, c)
	}
	return out, rows.Err()
}

// Tx implements ledger.Tx on a pgx transaction.
type Tx struct {
	tx pgx.Tx
}

// Lock takes a transaction-scoped advisory lock on key. lock_timeout is set
// for the rest of the transaction, so row locks taken afterwards are bounded
// too.
func (t *Tx) Lock(ctx context.Context, key string, timeout time.Duration) error {
	ms := max(timeout.Milliseconds(), 1)
	if _, err := t.tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", ms)); err != nil {
		return fmt.Errorf("set lock_timeout: %w", mapError(err))
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return mapError(err)
	}
	return nil
}

func (t *Tx) GetWarehouse(ctx context.Context, id uuid.UUID) (*ledger.Warehouse, error) {
	var w ledger.Warehouse
	err := t.tx.QueryRow(ctx, `
		SELECT id, company_id, name, location FROM warehouses WHERE id = $1
	`, id).Scan(&w.ID, &w.CompanyID, &w.Name, &w.Location)
	if err != nil {
		return nil, mapError(err)
	}
	return &w, nil
}

func (t *Tx) GetProduct(ctx context.Context, id uuid.UUID) (*ledger.Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `
		SELECT id, sku, name, price::text, description, created_at FROM products WHERE id = $1
	`, id))
}

func (t *Tx) GetProductBySKU(ctx context.Context, sku string) (*ledger.Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, `
		SELECT id, sku, name, price::text, description, created_at FROM products WHERE sku = $1
	`, sku))
}

func (t *Tx) InsertProduct(ctx context.Context, p *ledger.Product) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO products (id, sku, name, price, description, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`, p.ID, p.SKU, p.Name, p.Price.String(), p.Description, p.CreatedAt)
	return mapError(err)
}

func (t *Tx) GetInventoryForUpdate(ctx context.Context, productID, warehouseID uuid.UUID) (*ledger.Inventory, error) {
	return scanInventory(t.tx.QueryRow(ctx, `
		SELECT id, product_id, warehouse_id, quantity, version, low_stock_threshold, last_updated
		FROM inventory
		WHERE product_id = $1 AND warehouse_id = $2
		FOR UPDATE
	`, productID, warehouseID))
}

func (t *Tx) InsertInventory(ctx context.Context, inv *ledger.Inventory) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory (id, product_id, warehouse_id, quantity, version, low_stock_threshold, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, inv.ID, inv.ProductID, inv.WarehouseID, inv.Quantity, inv.Version, inv.LowStockThreshold, inv.LastUpdated)
	return mapError(err)
}

func (t *Tx) UpdateInventoryQuantity(ctx context.Context, id uuid.UUID, quantity, version int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE inventory
		SET quantity = $2, version = $3, last_updated = $4
		WHERE id = $1
	`, id, quantity, version, at)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update inventory %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

func (t *Tx) InsertHistory(ctx context.Context, h *ledger.InventoryHistory) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory_history (id, inventory_id, sequence, change_type, quantity_changed,
		                               previous_quantity, new_quantity, reference, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, h.ID, h.InventoryID, h.Sequence, string(h.ChangeType), h.QuantityChanged,
		h.PreviousQuantity, h.NewQuantity, h.Reference, h.ChangedAt)
	return mapError(err)
}

func (t *Tx) GetIdempotencyRecord(ctx context.Context, key string) (*ledger.IdempotencyRecord, error) {
	var (
		rec      ledger.IdempotencyRecord
		status   string
		snapshot string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT key, operation, request_hash, status, result_snapshot::text, created_at
		FROM idempotency_records
		WHERE key = $1
	`, key).Scan(&rec.Key, &rec.Operation, &rec.RequestHash, &status, &snapshot, &rec.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	rec.Status = ledger.Status(status)
	rec.ResultSnapshot = []byte(snapshot)
	return &rec, nil
}

func (t *Tx) InsertIdempotencyRecord(ctx context.Context, rec *ledger.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO idempotency_records (key, operation, request_hash, status, result_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, rec.Key, rec.Operation, rec.RequestHash, string(rec.Status), string(rec.ResultSnapshot), rec.CreatedAt)
	return mapError(err)
}

func (t *Tx) Commit(ctx context.Context) error {
	return mapError(t.tx.Commit(ctx))
}

// Rollback is a no-op on a transaction that already ended.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func scanProduct(row pgx.Row) (*ledger.Product, error) {
	var (
		p     ledger.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &price, &p.Description, &p.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	var err error
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}
	return &p, nil
}

func scanInventory(row pgx.Row) (*ledger.Inventory, error) {
	var inv ledger.Inventory
	if err := row.Scan(&inv.ID, &inv.ProductID, &inv.WarehouseID, &inv.Quantity,
		&inv.Version, &inv.LowStockThreshold, &inv.LastUpdated); err != nil {
		return nil, mapError(err)
	}
	return &inv, nil
}

// mapError translates driver errors into ledger sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40P01":
		return fmt.Errorf("%s: %w", pgErr.Message, ledger.ErrLockTimeout)
	case "23505":
		switch pgErr.ConstraintName {
		case "products_sku_key":
			return ledger.ErrDuplicateSku
		case "inventory_product_warehouse_key":
			return ledger.ErrDuplicateInventory
		case "idempotency_records_pkey":
			return ledger.ErrDuplicateIdempotencyKey
		}
	case "23514":
		if pgErr.ConstraintName == "inventory_quantity_check" {
			return ledger.ErrInsufficientStock
		}
	}
	return err
}
