package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matheusmosca/inventory-ledger/internal/ledger"
	"github.com/matheusmosca/inventory-ledger/internal/ledger/ledgertest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ledger.InventoryChanged
}

func (p *recordingPublisher) PublishInventoryChanged(_ context.Context, events []ledger.InventoryChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

// slowPublisher blocks each delivery until release is closed or ctx ends.
type slowPublisher struct {
	release   chan struct{}
	delivered atomic.Int64
	deadline  atomic.Bool
}

func (p *slowPublisher) PublishInventoryChanged(ctx context.Context, events []ledger.InventoryChanged) error {
	_, ok := ctx.Deadline()
	p.deadline.Store(ok)
	select {
	case <-p.release:
		p.delivered.Add(int64(len(events)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mapCache struct {
	mu      sync.Mutex
	records map[string]*ledger.IdempotencyRecord
}

func (c *mapCache) Get(_ context.Context, key string) (*ledger.IdempotencyRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[key], nil
}

func (c *mapCache) Put(_ context.Context, rec *ledger.IdempotencyRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.Key] = rec
	return nil
}

type fixture struct {
	store     *ledgertest.Store
	uc        *ledger.UseCase
	clock     *clock
	company   uuid.UUID
	warehouse ledger.Warehouse
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   ledgertest.NewStore(),
		clock:   &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		company: uuid.New(),
	}
	f.warehouse = f.store.AddWarehouse(f.company, "Main")
	opts = append([]ledger.Option{ledger.WithClock(f.clock.Now)}, opts...)
	f.uc = ledger.NewUseCase(f.store, zaptest.NewLogger(t), opts...)
	return f
}

func (f *fixture) createWithStock(t *testing.T, sku string, qty int64) *ledger.Result {
	t.Helper()
	res, err := f.uc.CreateProduct(context.Background(), f.company, ledger.CreateProductRequest{
		Name:            "Product " + sku,
		SKU:             sku,
		Price:           "9.99",
		WarehouseID:     f.warehouse.ID.String(),
		InitialQuantity: ledger.Scalar(fmt.Sprint(qty)),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) adjust(productID uuid.UUID, changeType string, delta int64) (*ledger.Result, error) {
	return f.uc.AdjustInventory(context.Background(), f.company, ledger.AdjustInventoryRequest{
		ProductID:       productID.String(),
		WarehouseID:     f.warehouse.ID.String(),
		QuantityChanged: ledger.Scalar(fmt.Sprint(delta)),
		ChangeType:      changeType,
	})
}

func requireStatus(t *testing.T, err error, status ledger.Status) *ledger.Error {
	t.Helper()
	var le *ledger.Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, status, le.Status, le.Error())
	return le
}

func TestCreateProduct_WithoutWarehouse(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	res, err := f.uc.CreateProduct(context.Background(), f.company, ledger.CreateProductRequest{
		Name: "Widget", SKU: "WID-001", Price: "19.99",
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCreated, res.Status)
	assert.Equal(t, "WID-001", res.Product.SKU)
	assert.Equal(t, "19.99", res.Product.Price.String())
	assert.Empty(t, res.Inventory)
	assert.Len(t, f.store.Products(), 1)
	assert.Empty(t, f.store.Inventories())
	assert.Zero(t, f.store.HistoryRows())
}

func TestCreateProduct_WithInitialStock(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	res := f.createWithStock(t, "WID-001", 100)

	// Assert
	require.Len(t, res.Inventory, 1)
	inv := res.Inventory[0]
	assert.Equal(t, int64(100), inv.Quantity)
	assert.Equal(t, int64(1), inv.Version)
	assert.Equal(t, int64(ledger.DefaultLowStockThreshold), inv.LowStockThreshold)
	require.Len(t, res.History, 1)
	h := res.History[0]
	assert.Equal(t, ledger.ChangeInitialStock, h.ChangeType)
	assert.Equal(t, int64(0), h.PreviousQuantity)
	assert.Equal(t, int64(100), h.QuantityChanged)
	assert.Equal(t, int64(100), h.NewQuantity)
	assert.Equal(t, int64(1), h.Sequence)
}

func TestCreateProduct_WarehouseWithoutQuantityStartsAtZero(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	res, err := f.uc.CreateProduct(context.Background(), f.company, ledger.CreateProductRequest{
		Name: "Widget", SKU: "WID-001", Price: "1", WarehouseID: f.warehouse.ID.String(),
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, res.Inventory, 1)
	assert.Equal(t, int64(0), res.Inventory[0].Quantity)
	require.Len(t, res.History, 1)
	assert.Equal(t, int64(0), res.History[0].QuantityChanged)
}

func TestCreateProduct_DuplicateSku(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.createWithStock(t, "WID-001", 10)

	// Act
	_, err := f.uc.CreateProduct(context.Background(), f.company, ledger.CreateProductRequest{
		Name: "Other", SKU: "WID-001", Price: "5", WarehouseID: f.warehouse.ID.String(), InitialQuantity: "3",
	})

	// Assert
	le := requireStatus(t, err, ledger.StatusConflict)
	assert.Equal(t, "sku", le.Field)
	assert.Len(t, f.store.Products(), 1)
	assert.Len(t, f.store.Inventories(), 1)
	assert.Equal(t, 1, f.store.HistoryRows())
}

func TestCreateProduct_InvalidInputTouchesNothing(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	_, err := f.uc.CreateProduct(context.Background(), f.company, ledger.CreateProductRequest{
		Name: "Widget", SKU: "WID-001", Price: "-1",
	})

	// Assert
	le := requireStatus(t, err, ledger.StatusInvalidInput)
	assert.Equal(t, "price", le.Field)
	commits, rollbacks := f.store.Counts()
	assert.Zero(t, commits)
	assert.Zero(t, rollbacks)
}

func TestCreateProduct_ForeignWarehouseIsNotFound(t *testing.T) {
	// Arrange
	f := newFixture(t)
	foreign := f.store.AddWarehouse(uuid.New(), "Theirs")

	// Act
	_, err := f.uc.CreateProduct(context.Background(), f.company, ledger.CreateProductRequest{
		Name: "Widget", SKU: "WID-001", Price: "1", WarehouseID: foreign.ID.String(), InitialQuantity: "1",
	})

	// Assert
	le := requireStatus(t, err, ledger.StatusInvalidInput)
	assert.Equal(t, "warehouse_id", le.Field)
	assert.Equal(t, "warehouse not found", le.Message)
	assert.Empty(t, f.store.Products())
}

func TestCreateProduct_ConcurrentSameSku(t *testing.T) {
	// Arrange
	f := newFixture(t)
	const workers = 20
	var created, conflicts, other atomic.Int32
	var wg sync.WaitGroup

	// Act
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.uc.CreateProduct(context.Background(), f.company, ledger.CreateProductRequest{
				Name:            fmt.Sprintf("Racer %d", i),
				SKU:             "RACE-1",
				Price:           "1.00",
				WarehouseID:     f.warehouse.ID.String(),
				InitialQuantity: "5",
			})
			switch {
			case err == nil:
				created.Add(1)
			case ledger.StatusOf(err) == ledger.StatusConflict:
				conflicts.Add(1)
			default:
				other.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())
	assert.Zero(t, other.Load())
	assert.Len(t, f.store.Products(), 1)
	assert.Len(t, f.store.Inventories(), 1)
	assert.Equal(t, 1, f.store.HistoryRows())
}

func TestAdjustInventory_Sequence(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "WID-001", 100).Product

	// Act
	added, err := f.adjust(product.ID, "addition", 50)
	require.NoError(t, err)
	sold, err := f.adjust(product.ID, "sale", -30)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, ledger.StatusApplied, added.Status)
	assert.Equal(t, int64(150), added.Inventory[0].Quantity)
	assert.Equal(t, int64(120), sold.Inventory[0].Quantity)
	assert.Equal(t, int64(3), sold.Inventory[0].Version)

	history, err := f.uc.History(context.Background(), sold.Inventory[0].ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, h := range history {
		assert.Equal(t, int64(i+1), h.Sequence)
		assert.Equal(t, h.PreviousQuantity+h.QuantityChanged, h.NewQuantity)
		if i > 0 {
			assert.Equal(t, history[i-1].NewQuantity, h.PreviousQuantity)
			assert.True(t, h.ChangedAt.After(history[i-1].ChangedAt))
		}
	}
	assert.Equal(t, ledger.ChangeSale, history[2].ChangeType)
}

func TestAdjustInventory_InsufficientStock(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "WID-001", 120).Product

	// Act
	_, err := f.adjust(product.ID, "sale", -200)

	// Assert
	le := requireStatus(t, err, ledger.StatusInsufficientStock)
	assert.False(t, le.Retryable())
	inv, err := f.store.GetInventory(context.Background(), product.ID, f.warehouse.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), inv.Quantity)
	assert.Equal(t, int64(1), inv.Version)
	assert.Equal(t, 1, f.store.HistoryRows())
}

func TestAdjustInventory_NoRowForPair(t *testing.T) {
	// Arrange
	f := newFixture(t)
	res, err := f.uc.CreateProduct(context.Background(), f.company, ledger.CreateProductRequest{
		Name: "Widget", SKU: "WID-001", Price: "1",
	})
	require.NoError(t, err)

	// Act
	_, err = f.adjust(res.Product.ID, "addition", 5)

	// Assert
	le := requireStatus(t, err, ledger.StatusInsufficientStock)
	assert.Equal(t, "warehouse_id", le.Field)
	assert.Empty(t, f.store.Inventories())
}

func TestAdjustInventory_UnknownProduct(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	_, err := f.adjust(uuid.New(), "addition", 5)

	// Assert
	le := requireStatus(t, err, ledger.StatusInvalidInput)
	assert.Equal(t, "product_id", le.Field)
}

func TestAdjustInventory_ConcurrentSales(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "HOT-1", 30)
	const buyers = 50
	var applied, insufficient atomic.Int32
	var wg sync.WaitGroup

	// Act
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.adjust(product.Product.ID, "sale", -1)
			switch {
			case err == nil:
				applied.Add(1)
			case ledger.StatusOf(err) == ledger.StatusInsufficientStock:
				insufficient.Add(1)
			}
		}()
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int32(30), applied.Load())
	assert.Equal(t, int32(20), insufficient.Load())
	inv, err := f.store.GetInventory(context.Background(), product.Product.ID, f.warehouse.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inv.Quantity)
	assert.Equal(t, int64(31), inv.Version)

	history, err := f.uc.History(context.Background(), inv.ID, 0, 1000)
	require.NoError(t, err)
	require.Len(t, history, 31)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].NewQuantity, history[i].PreviousQuantity)
	}
}

func TestCreateProduct_FailureLeavesNoTrace(t *testing.T) {
	tests := []string{"InsertProduct", "InsertInventory", "InsertHistory", "InsertIdempotencyRecord", "Commit"}

	for _, method := range tests {
		t.Run(method, func(t *testing.T) {
			// Arrange
			f := newFixture(t)
			f.store.FailNext(method, errors.New("storage unavailable"))

			// Act
			_, err := f.uc.CreateProduct(context.Background(), f.company, ledger.CreateProductRequest{
				Name:            "Widget",
				SKU:             "WID-001",
				Price:           "1",
				WarehouseID:     f.warehouse.ID.String(),
				InitialQuantity: "10",
				IdempotencyKey:  "req-1",
			})

			// Assert
			le := requireStatus(t, err, ledger.StatusInternalFault)
			assert.Equal(t, "internal fault", le.Message)
			assert.Empty(t, f.store.Products())
			assert.Empty(t, f.store.Inventories())
			assert.Zero(t, f.store.HistoryRows())
			_, ok := f.store.Record("req-1")
			assert.False(t, ok)
		})
	}
}

func TestCreateProduct_IdempotentReplay(t *testing.T) {
	// Arrange
	f := newFixture(t)
	req := ledger.CreateProductRequest{
		Name:            "Widget",
		SKU:             "WID-001",
		Price:           "2.50",
		WarehouseID:     f.warehouse.ID.String(),
		InitialQuantity: "10",
		IdempotencyKey:  "req-1",
	}

	// Act
	first, err := f.uc.CreateProduct(context.Background(), f.company, req)
	require.NoError(t, err)
	second, err := f.uc.CreateProduct(context.Background(), f.company, req)

	// Assert
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Product.ID, second.Product.ID)
	assert.True(t, first.Product.Price.Equal(second.Product.Price))
	assert.Equal(t, first.Inventory[0].ID, second.Inventory[0].ID)
	assert.Len(t, f.store.Products(), 1)
	assert.Equal(t, 1, f.store.HistoryRows())
}

func TestIdempotencyKey_ReusedForDifferentRequest(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "WID-001", 10).Product
	req := ledger.AdjustInventoryRequest{
		ProductID:       product.ID.String(),
		WarehouseID:     f.warehouse.ID.String(),
		QuantityChanged: "5",
		ChangeType:      "addition",
		IdempotencyKey:  "adj-1",
	}
	_, err := f.uc.AdjustInventory(context.Background(), f.company, req)
	require.NoError(t, err)

	// Act
	req.QuantityChanged = "6"
	_, err = f.uc.AdjustInventory(context.Background(), f.company, req)

	// Assert
	le := requireStatus(t, err, ledger.StatusInvalidInput)
	assert.Equal(t, "idempotency_key", le.Field)
	inv, err := f.store.GetInventory(context.Background(), product.ID, f.warehouse.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), inv.Quantity)
}

func TestIdempotentReplay_ServedFromCache(t *testing.T) {
	// Arrange
	cache := &mapCache{records: map[string]*ledger.IdempotencyRecord{}}
	f := newFixture(t, ledger.WithResultCache(cache))
	req := ledger.CreateProductRequest{Name: "Widget", SKU: "WID-001", Price: "1", IdempotencyKey: "req-1"}
	_, err := f.uc.CreateProduct(context.Background(), f.company, req)
	require.NoError(t, err)
	commits, _ := f.store.Counts()

	// Act
	res, err := f.uc.CreateProduct(context.Background(), f.company, req)

	// Assert
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	after, rollbacks := f.store.Counts()
	assert.Equal(t, commits, after)
	assert.Zero(t, rollbacks)
}

func TestLockTimeout_IsRetryable(t *testing.T) {
	// Arrange
	f := newFixture(t, ledger.WithLockTimeout(50*time.Millisecond))
	ctx := context.Background()
	holder, err := f.store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, holder.Lock(ctx, string(ledger.SKUKey("WID-001")), time.Second))
	req := ledger.CreateProductRequest{Name: "Widget", SKU: "WID-001", Price: "1"}

	// Act
	_, err = f.uc.CreateProduct(ctx, f.company, req)

	// Assert
	le := requireStatus(t, err, ledger.StatusLockTimeout)
	assert.True(t, le.Retryable())
	assert.Empty(t, f.store.Products())

	require.NoError(t, holder.Rollback(ctx))
	res, err := f.uc.CreateProduct(ctx, f.company, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCreated, res.Status)
}

func TestInitializeStock(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "WID-001", 10).Product
	second := f.store.AddWarehouse(f.company, "Overflow")
	req := ledger.InitializeStockRequest{ProductID: product.ID.String(), WarehouseID: second.ID.String(), Quantity: "40"}

	// Act
	res, err := f.uc.InitializeStock(context.Background(), f.company, req)
	require.NoError(t, err)
	_, again := f.uc.InitializeStock(context.Background(), f.company, req)

	// Assert
	assert.Equal(t, ledger.StatusCreated, res.Status)
	assert.Equal(t, int64(40), res.Inventory[0].Quantity)
	assert.Equal(t, ledger.ChangeInitialStock, res.History[0].ChangeType)
	requireStatus(t, again, ledger.StatusConflict)
	assert.Len(t, f.store.Inventories(), 2)
}

func TestTransferStock(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "WID-001", 50).Product
	second := f.store.AddWarehouse(f.company, "Overflow")
	_, err := f.uc.InitializeStock(context.Background(), f.company, ledger.InitializeStockRequest{
		ProductID: product.ID.String(), WarehouseID: second.ID.String(), Quantity: "5",
	})
	require.NoError(t, err)

	// Act
	res, err := f.uc.TransferStock(context.Background(), f.company, ledger.TransferStockRequest{
		ProductID:       product.ID.String(),
		FromWarehouseID: f.warehouse.ID.String(),
		ToWarehouseID:   second.ID.String(),
		Quantity:        "20",
		Reference:       "rebalance-7",
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, res.Inventory, 2)
	assert.Equal(t, int64(30), res.Inventory[0].Quantity)
	assert.Equal(t, int64(25), res.Inventory[1].Quantity)
	require.Len(t, res.History, 2)
	assert.Equal(t, int64(-20), res.History[0].QuantityChanged)
	assert.Equal(t, int64(20), res.History[1].QuantityChanged)
	for _, h := range res.History {
		assert.Equal(t, ledger.ChangeTransfer, h.ChangeType)
		assert.Equal(t, "rebalance-7", h.Reference)
	}
}

func TestTransferStock_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "WID-001", 50).Product
	second := f.store.AddWarehouse(f.company, "Overflow")
	_, err := f.uc.InitializeStock(context.Background(), f.company, ledger.InitializeStockRequest{
		ProductID: product.ID.String(), WarehouseID: second.ID.String(), Quantity: "50",
	})
	require.NoError(t, err)
	const perDirection = 20
	var applied, lockTimeouts, other atomic.Int32
	var wg sync.WaitGroup
	transfer := func(from, to uuid.UUID) {
		defer wg.Done()
		_, err := f.uc.TransferStock(context.Background(), f.company, ledger.TransferStockRequest{
			ProductID:       product.ID.String(),
			FromWarehouseID: from.String(),
			ToWarehouseID:   to.String(),
			Quantity:        "1",
		})
		switch {
		case err == nil:
			applied.Add(1)
		case ledger.StatusOf(err) == ledger.StatusLockTimeout:
			lockTimeouts.Add(1)
		default:
			other.Add(1)
		}
	}

	// Act
	for i := 0; i < perDirection; i++ {
		wg.Add(2)
		go transfer(f.warehouse.ID, second.ID)
		go transfer(second.ID, f.warehouse.ID)
	}
	wg.Wait()

	// Assert
	assert.Zero(t, lockTimeouts.Load())
	assert.Zero(t, other.Load())
	assert.Equal(t, int32(2*perDirection), applied.Load())
	a, err := f.store.GetInventory(context.Background(), product.ID, f.warehouse.ID)
	require.NoError(t, err)
	b, err := f.store.GetInventory(context.Background(), product.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.Quantity+b.Quantity)
	assert.Equal(t, int64(50), a.Quantity)
}

func TestTransferStock_InsufficientChangesNothing(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "WID-001", 5).Product
	second := f.store.AddWarehouse(f.company, "Overflow")
	_, err := f.uc.InitializeStock(context.Background(), f.company, ledger.InitializeStockRequest{
		ProductID: product.ID.String(), WarehouseID: second.ID.String(), Quantity: "0",
	})
	require.NoError(t, err)
	rows := f.store.HistoryRows()

	// Act
	_, err = f.uc.TransferStock(context.Background(), f.company, ledger.TransferStockRequest{
		ProductID:       product.ID.String(),
		FromWarehouseID: f.warehouse.ID.String(),
		ToWarehouseID:   second.ID.String(),
		Quantity:        "6",
	})

	// Assert
	requireStatus(t, err, ledger.StatusInsufficientStock)
	assert.Equal(t, rows, f.store.HistoryRows())
	from, err := f.store.GetInventory(context.Background(), product.ID, f.warehouse.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), from.Quantity)
}

func TestCompensateAdjustment_ReversesCommittedAction(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "WID-001", 10).Product
	req := ledger.AdjustInventoryRequest{
		ProductID:       product.ID.String(),
		WarehouseID:     f.warehouse.ID.String(),
		QuantityChanged: "-4",
		ChangeType:      "sale",
		IdempotencyKey:  "gid-1/01",
	}
	_, err := f.uc.AdjustInventory(context.Background(), f.company, req)
	require.NoError(t, err)

	// Act
	res, err := f.uc.CompensateAdjustment(context.Background(), f.company, "gid-1/01", req)
	require.NoError(t, err)
	again, err := f.uc.CompensateAdjustment(context.Background(), f.company, "gid-1/01", req)

	// Assert
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(10), res.Inventory[0].Quantity)
	assert.Equal(t, ledger.ChangeAdjustment, res.History[0].ChangeType)
	assert.Equal(t, "compensate:gid-1/01", res.History[0].Reference)
	inv, err := f.store.GetInventory(context.Background(), product.ID, f.warehouse.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), inv.Quantity)
	assert.Equal(t, 3, f.store.HistoryRows())
}

func TestCompensateAdjustment_BeforeActionBlocksIt(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "WID-001", 10).Product
	req := ledger.AdjustInventoryRequest{
		ProductID:       product.ID.String(),
		WarehouseID:     f.warehouse.ID.String(),
		QuantityChanged: "-4",
		ChangeType:      "sale",
		IdempotencyKey:  "gid-2/01",
	}

	// Act
	_, err := f.uc.CompensateAdjustment(context.Background(), f.company, "gid-2/01", req)
	require.NoError(t, err)
	_, late := f.uc.AdjustInventory(context.Background(), f.company, req)

	// Assert
	requireStatus(t, late, ledger.StatusAborted)
	rec, ok := f.store.Record("gid-2/01")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusAborted, rec.Status)
	inv, err := f.store.GetInventory(context.Background(), product.ID, f.warehouse.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), inv.Quantity)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	// Arrange
	publisher := &recordingPublisher{}
	f := newFixture(t, ledger.WithEventPublisher(publisher))

	// Act
	res := f.createWithStock(t, "WID-001", 10)
	_, err := f.adjust(res.Product.ID, "sale", -20)

	require.NoError(t, f.uc.Close(context.Background()))

	// Assert
	requireStatus(t, err, ledger.StatusInsufficientStock)
	require.Len(t, publisher.events, 1)
	ev := publisher.events[0]
	assert.NotEqual(t, uuid.Nil, ev.EventID)
	assert.Equal(t, ledger.OpCreateProduct, ev.Operation)
	assert.Equal(t, f.company, ev.CompanyID)
	assert.Equal(t, res.History[0].ID, ev.History.ID)
}

func TestEventsDoNotDelayCommittedResult(t *testing.T) {
	// Arrange
	publisher := &slowPublisher{release: make(chan struct{})}
	f := newFixture(t, ledger.WithEventPublisher(publisher), ledger.WithPublishTimeout(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())

	// Act
	start := time.Now()
	res, err := f.uc.CreateProduct(ctx, f.company, ledger.CreateProductRequest{
		Name: "Widget", SKU: "WID-001", Price: "1", WarehouseID: f.warehouse.ID.String(), InitialQuantity: "5",
	})
	elapsed := time.Since(start)
	cancel()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCreated, res.Status)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Zero(t, publisher.delivered.Load())

	shortCtx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, f.uc.Close(shortCtx), context.DeadlineExceeded)

	close(publisher.release)
	require.NoError(t, f.uc.Close(context.Background()))
	assert.Equal(t, int64(1), publisher.delivered.Load())
	assert.True(t, publisher.deadline.Load())
}

func TestEventsGiveUpAfterPublishTimeout(t *testing.T) {
	// Arrange
	publisher := &slowPublisher{release: make(chan struct{})}
	f := newFixture(t, ledger.WithEventPublisher(publisher), ledger.WithPublishTimeout(20*time.Millisecond))

	// Act
	res := f.createWithStock(t, "WID-001", 5)
	err := f.uc.Close(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Zero(t, publisher.delivered.Load())
	inv, err := f.store.GetInventory(context.Background(), res.Product.ID, f.warehouse.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), inv.Quantity)
}

func TestLowStockAlerts(t *testing.T) {
	// Arrange
	f := newFixture(t)
	start := f.clock.Now()
	selling := f.createWithStock(t, "SELL-1", 20).Product
	idle := f.createWithStock(t, "IDLE-1", 3).Product
	healthy := f.createWithStock(t, "OK-1", 500).Product
	f.clock.Set(start.Add(24 * time.Hour))
	_, err := f.adjust(selling.ID, "sale", -15)
	require.NoError(t, err)
	_, err = f.adjust(healthy.ID, "sale", -10)
	require.NoError(t, err)
	f.clock.Set(start.Add(10 * 24 * time.Hour))

	// Act
	alerts, err := f.uc.LowStockAlerts(context.Background(), f.company)

	// Assert
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, selling.ID, a.ProductID)
	assert.Equal(t, "SELL-1", a.SKU)
	assert.Equal(t, "Main", a.WarehouseName)
	assert.Equal(t, int64(5), a.CurrentStock)
	assert.Equal(t, int64(10), a.Threshold)
	require.NotNil(t, a.DaysUntilStockout)
	assert.Equal(t, int64(10), *a.DaysUntilStockout)
	assert.NotEqual(t, idle.ID, a.ProductID)
}

func TestLowStockAlerts_SalesOutsideAverageWindow(t *testing.T) {
	// Arrange
	f := newFixture(t)
	start := f.clock.Now()
	product := f.createWithStock(t, "SELL-1", 12).Product
	_, err := f.adjust(product.ID, "sale", -4)
	require.NoError(t, err)
	f.clock.Set(start.Add(45 * 24 * time.Hour))

	// Act
	alerts, err := f.uc.LowStockAlerts(context.Background(), f.company)

	// Assert
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Nil(t, alerts[0].DaysUntilStockout)
}

func TestLowStockAlerts_OtherTenantsInvisible(t *testing.T) {
	// Arrange
	f := newFixture(t)
	product := f.createWithStock(t, "SELL-1", 12).Product
	_, err := f.adjust(product.ID, "sale", -4)
	require.NoError(t, err)

	// Act
	alerts, err := f.uc.LowStockAlerts(context.Background(), uuid.New())

	// Assert
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestHistory_Limit(t *testing.T) {
	// Arrange
	f := newFixture(t)
	res := f.createWithStock(t, "WID-001", 10)
	for i := 0; i < 4; i++ {
		_, err := f.adjust(res.Product.ID, "addition", 1)
		require.NoError(t, err)
	}

	// Act
	history, err := f.uc.History(context.Background(), res.Inventory[0].ID, 0, 2)

	// Assert
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Sequence)
	assert.Equal(t, int64(2), history[1].Sequence)
}

func TestHistory_AfterSequence(t *testing.T) {
	// Arrange
	f := newFixture(t)
	res := f.createWithStock(t, "WID-001", 10)
	for i := 0; i < 4; i++ {
		_, err := f.adjust(res.Product.ID, "addition", 1)
		require.NoError(t, err)
	}
	inventoryID := res.Inventory[0].ID

	// Act
	page, err := f.uc.History(context.Background(), inventoryID, 2, 2)
	require.NoError(t, err)
	tail, err := f.uc.History(context.Background(), inventoryID, 4, 0)
	require.NoError(t, err)
	past, err := f.uc.History(context.Background(), inventoryID, 5, 0)
	require.NoError(t, err)
	_, negative := f.uc.History(context.Background(), inventoryID, -1, 0)

	// Assert
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Sequence)
	assert.Equal(t, int64(4), page[1].Sequence)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(5), tail[0].Sequence)
	assert.Equal(t, int64(14), tail[0].NewQuantity)
	assert.Empty(t, past)
	le := requireStatus(t, negative, ledger.StatusInvalidInput)
	assert.Equal(t, "after_sequence", le.Field)
}
