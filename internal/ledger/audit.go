package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Change is the before/after state of one quantity change.
type Change struct {
	InventoryID      uuid.UUID
	Sequence         int64
	ChangeType       ChangeType
	QuantityChanged  int64
	PreviousQuantity int64
	NewQuantity      int64
	Reference        string
	At               time.Time
}

// Recorder appends history rows. It never updates or deletes one.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Record appends the history row for c in the same transaction as the ledger
// write it documents.
func (r *Recorder) Record(ctx context.Context, tx Tx, c Change) (*InventoryHistory, error) {
	if !c.ChangeType.Valid() {
		return nil, fmt.Errorf("record history: unknown change type %q", c.ChangeType)
	}
	if c.PreviousQuantity+c.QuantityChanged != c.NewQuantity {
		return nil, fmt.Errorf("record history: %d%+d != %d", c.PreviousQuantity, c.QuantityChanged, c.NewQuantity)
	}

	h := &InventoryHistory{
		ID:               uuid.New(),
		InventoryID:      c.InventoryID,
		Sequence:         c.Sequence,
		ChangeType:       c.ChangeType,
		QuantityChanged:  c.QuantityChanged,
		PreviousQuantity: c.PreviousQuantity,
		NewQuantity:      c.NewQuantity,
		Reference:        c.Reference,
		ChangedAt:        c.At,
	}
	if err := tx.InsertHistory(ctx, h); err != nil {
		return nil, fmt.Errorf("record history: %w", err)
	}
	return h, nil
}
