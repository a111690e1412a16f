package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockTx is a testify mock of a storage transaction.
type MockTx struct {
	mock.Mock
}

func (m *MockTx) Lock(ctx context.Context, key string, timeout time.Duration) error {
	args := m.Called(ctx, key, timeout)
	return args.Error(0)
}

func (m *MockTx) GetWarehouse(ctx context.Context, id uuid.UUID) (*Warehouse, error) {
	args := m.Called(ctx, id)
	w, _ := args.Get(0).(*Warehouse)
	return w, args.Error(1)
}

func (m *MockTx) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*Product)
	return p, args.Error(1)
}

func (m *MockTx) GetProductBySKU(ctx context.Context, sku string) (*Product, error) {
	args := m.Called(ctx, sku)
	p, _ := args.Get(0).(*Product)
	return p, args.Error(1)
}

func (m *MockTx) InsertProduct(ctx context.Context, p *Product) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockTx) GetInventoryForUpdate(ctx context.Context, productID, warehouseID uuid.UUID) (*Inventory, error) {
	args := m.Called(ctx, productID, warehouseID)
	inv, _ := args.Get(0).(*Inventory)
	return inv, args.Error(1)
}

func (m *MockTx) InsertInventory(ctx context.Context, inv *Inventory) error {
	args := m.Called(ctx, inv)
	return args.Error(0)
}

func (m *MockTx) UpdateInventoryQuantity(ctx context.Context, id uuid.UUID, quantity, version int64, at time.Time) error {
	args := m.Called(ctx, id, quantity, version, at)
	return args.Error(0)
}

func (m *MockTx) InsertHistory(ctx context.Context, h *InventoryHistory) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

func (m *MockTx) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	args := m.Called(ctx, key)
	rec, _ := args.Get(0).(*IdempotencyRecord)
	return rec, args.Error(1)
}

func (m *MockTx) InsertIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockTx) Commit(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockTx) Rollback(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// fixedClock returns the same instant on every call.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
