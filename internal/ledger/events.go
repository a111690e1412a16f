package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InventoryChanged is emitted once per committed history row.
type InventoryChanged struct {
	EventID     uuid.UUID        `json:"event_id"`
	Operation   string           `json:"operation"`
	CompanyID   uuid.UUID        `json:"company_id"`
	ProductID   uuid.UUID        `json:"product_id"`
	WarehouseID uuid.UUID        `json:"warehouse_id"`
	History     InventoryHistory `json:"history"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

// EventPublisher delivers events after commit. Delivery failures never undo
// the committed change.
type EventPublisher interface {
	PublishInventoryChanged(ctx context.Context, events []InventoryChanged) error
}

type nopPublisher struct{}

func (nopPublisher) PublishInventoryChanged(context.Context, []InventoryChanged) error { return nil }
