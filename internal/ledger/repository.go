package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the storage port of the ledger.
type Repository interface {
	// BeginTx starts a transaction; every write and every lease happens inside one.
	BeginTx(ctx context.Context) (Tx, error)

	// ListHistory returns up to limit audit rows of an inventory row with a
	// sequence above afterSequence, in sequence order.
	ListHistory(ctx context.Context, inventoryID uuid.UUID, afterSequence int64, limit int) ([]InventoryHistory, error)

	// GetInventory returns the committed inventory of a pair, or ErrNotFound.
	GetInventory(ctx context.Context, productID, warehouseID uuid.UUID) (*Inventory, error)

	// LowStockCandidates lists rows of the company at or below threshold with the
	// sale volume since recentSince and since avgSince.
	LowStockCandidates(ctx context.Context, companyID uuid.UUID, recentSince, avgSince time.Time) ([]LowStockCandidate, error)
}

// Tx is a storage transaction. Locks taken through Lock are released by
// Commit or Rollback and never outlive the transaction.
type Tx interface {
	// Lock blocks until the exclusive lock on key is held or timeout elapses,
	// in which case it returns ErrLockTimeout.
	Lock(ctx context.Context, key string, timeout time.Duration) error

	GetWarehouse(ctx context.Context, id uuid.UUID) (*Warehouse, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*Product, error)
	// InsertProduct returns ErrDuplicateSku on a uniqueness violation.
	InsertProduct(ctx context.Context, p *Product) error

	// GetInventoryForUpdate row-locks and returns the inventory of a pair, or ErrNotFound.
	GetInventoryForUpdate(ctx context.Context, productID, warehouseID uuid.UUID) (*Inventory, error)
	// InsertInventory returns ErrDuplicateInventory on a uniqueness violation.
	InsertInventory(ctx context.Context, inv *Inventory) error
	// UpdateInventoryQuantity returns ErrInsufficientStock if quantity is negative.
	UpdateInventoryQuantity(ctx context.Context, id uuid.UUID, quantity, version int64, at time.Time) error

	InsertHistory(ctx context.Context, h *InventoryHistory) error

	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	// InsertIdempotencyRecord returns ErrDuplicateIdempotencyKey on a uniqueness violation.
	InsertIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
