package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// UpsertMode selects how Ledger.Upsert interprets its delta.
type UpsertMode int

const (
	// ModeSet establishes an absolute quantity on a pair that has no row yet.
	ModeSet UpsertMode = iota
	// ModeAdjust adds a signed delta to an existing row.
	ModeAdjust
)

func (m UpsertMode) String() string {
	if m == ModeSet {
		return "set"
	}
	return "adjust"
}

// UpsertResult describes one committed-to-be quantity change.
type UpsertResult struct {
	Inventory        Inventory
	PreviousQuantity int64
	NewQuantity      int64
	Created          bool
}

// Change builds the audit entry documenting r.
func (r UpsertResult) Change(changeType ChangeType, reference string) Change {
	return Change{
		InventoryID:      r.Inventory.ID,
		Sequence:         r.Inventory.Version,
		ChangeType:       changeType,
		QuantityChanged:  r.NewQuantity - r.PreviousQuantity,
		PreviousQuantity: r.PreviousQuantity,
		NewQuantity:      r.NewQuantity,
		Reference:        reference,
		At:               r.Inventory.LastUpdated,
	}
}

// Ledger is the only writer of Inventory.Quantity.
type Ledger struct {
	now              func() time.Time
	defaultThreshold int64
}

// NewLedger returns a Ledger stamping changes with now. New rows get
// defaultThreshold as their low-stock threshold.
func NewLedger(now func() time.Time, defaultThreshold int64) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now, defaultThreshold: defaultThreshold}
}

// Upsert creates or adjusts the inventory of a pair. The caller must hold the
// InventoryKey lease for the pair in tx. Nothing is written when the result
// would be negative.
func (l *Ledger) Upsert(ctx context.Context, tx Tx, productID, warehouseID uuid.UUID, delta int64, mode UpsertMode) (UpsertResult, error) {
	inv, err := tx.GetInventoryForUpdate(ctx, productID, warehouseID)
	if errors.Is(err, ErrNotFound) {
		return l.create(ctx, tx, productID, warehouseID, delta, mode)
	}
	if err != nil {
		return UpsertResult{}, fmt.Errorf("load inventory: %w", err)
	}

	if mode == ModeSet {
		return UpsertResult{}, ErrDuplicateInventory
	}
	if delta > 0 && inv.Quantity > math.MaxInt64-delta {
		return UpsertResult{}, &ValidationError{Field: "quantity_changed", Message: "quantity would overflow"}
	}
	next := inv.Quantity + delta
	if next < 0 {
		return UpsertResult{}, ErrInsufficientStock
	}

	previous := inv.Quantity
	inv.Quantity = next
	inv.Version++
	inv.LastUpdated = l.stamp(inv.LastUpdated)
	if err := tx.UpdateInventoryQuantity(ctx, inv.ID, inv.Quantity, inv.Version, inv.LastUpdated); err != nil {
		return UpsertResult{}, fmt.Errorf("update inventory: %w", err)
	}
	return UpsertResult{Inventory: *inv, PreviousQuantity: previous, NewQuantity: next}, nil
}

func (l *Ledger) create(ctx context.Context, tx Tx, productID, warehouseID uuid.UUID, delta int64, mode UpsertMode) (UpsertResult, error) {
	if mode == ModeAdjust {
		return UpsertResult{}, ErrInventoryNotFound
	}
	if delta < 0 {
		return UpsertResult{}, ErrInsufficientStock
	}

	inv := Inventory{
		ID:                uuid.New(),
		ProductID:         productID,
		WarehouseID:       warehouseID,
		Quantity:          delta,
		Version:           1,
		LowStockThreshold: l.defaultThreshold,
		LastUpdated:       l.stamp(time.Time{}),
	}
	if err := tx.InsertInventory(ctx, &inv); err != nil {
		return UpsertResult{}, fmt.Errorf("insert inventory: %w", err)
	}
	return UpsertResult{Inventory: inv, PreviousQuantity: 0, NewQuantity: delta, Created: true}, nil
}

// stamp returns a timestamp strictly after last, at storage precision.
func (l *Ledger) stamp(last time.Time) time.Time {
	now := l.now().UTC().Truncate(time.Microsecond)
	if !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	return now
}
