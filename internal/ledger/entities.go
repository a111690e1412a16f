package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChangeType classifies an inventory history row.
type ChangeType string

const (
	ChangeInitialStock ChangeType = "initial_stock"
	ChangeAddition     ChangeType = "addition"
	ChangeSale         ChangeType = "sale"
	ChangeTransfer     ChangeType = "transfer"
	ChangeAdjustment   ChangeType = "adjustment"
)

// Valid reports whether c is one of the known change types.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeInitialStock, ChangeAddition, ChangeSale, ChangeTransfer, ChangeAdjustment:
		return true
	}
	return false
}

// Product is a catalog entry. SKU is globally unique and never changes.
type Product struct {
	ID          uuid.UUID       `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Warehouse belongs to a company. The ledger only reads it.
type Warehouse struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
}

// Inventory holds the authoritative quantity of one product in one warehouse.
type Inventory struct {
	ID                uuid.UUID `json:"id"`
	ProductID         uuid.UUID `json:"product_id"`
	WarehouseID       uuid.UUID `json:"warehouse_id"`
	Quantity          int64     `json:"quantity"`
	Version           int64     `json:"version"`
	LowStockThreshold int64     `json:"low_stock_threshold"`
	LastUpdated       time.Time `json:"last_updated"`
}

// InventoryHistory is one immutable link of an inventory's audit chain.
type InventoryHistory struct {
	ID               uuid.UUID  `json:"id"`
	InventoryID      uuid.UUID  `json:"inventory_id"`
	Sequence         int64      `json:"sequence"`
	ChangeType       ChangeType `json:"change_type"`
	QuantityChanged  int64      `json:"quantity_changed"`
	PreviousQuantity int64      `json:"previous_quantity"`
	NewQuantity      int64      `json:"new_quantity"`
	Reference        string     `json:"reference,omitempty"`
	ChangedAt        time.Time  `json:"changed_at"`
}

// IdempotencyRecord stores the committed result of a keyed request.
type IdempotencyRecord struct {
	Key            string    `json:"key"`
	Operation      string    `json:"operation"`
	RequestHash    string    `json:"request_hash"`
	Status         Status    `json:"status"`
	ResultSnapshot []byte    `json:"result_snapshot"`
	CreatedAt      time.Time `json:"created_at"`
}

// LowStockCandidate is an inventory row at or below its threshold, joined with
// its product and warehouse and the sales volume of the two alert windows.
type LowStockCandidate struct {
	Inventory      Inventory
	Product        Product
	Warehouse      Warehouse
	RecentSales    int64
	AvgWindowSales int64
}

// LowStockAlert is one entry of the low-stock report.
type LowStockAlert struct {
	ProductID         uuid.UUID `json:"product_id"`
	ProductName       string    `json:"product_name"`
	SKU               string    `json:"sku"`
	WarehouseID       uuid.UUID `json:"warehouse_id"`
	WarehouseName     string    `json:"warehouse_name"`
	CurrentStock      int64     `json:"current_stock"`
	Threshold         int64     `json:"threshold"`
	DaysUntilStockout *int64    `json:"days_until_stockout"`
}
