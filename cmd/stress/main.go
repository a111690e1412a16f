// Command stress fires concurrent requests at a running ledger and checks that
// the final stock matches the accepted sales.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheusmosca/inventory-ledger/internal/ledger"
	"github.com/matheusmosca/inventory-ledger/internal/telemetry"
	"github.com/matheusmosca/inventory-ledger/pkg/client"
)

type options struct {
	baseURL   string
	dtmServer string
	company   uuid.UUID
	warehouse uuid.UUID
	stock     int
	buyers    int
	workers   int
}

type tally struct {
	applied, insufficient, lockTimeout, other atomic.Int64
}

func (t *tally) count(err error) {
	var apiErr *client.APIError
	switch {
	case err == nil:
		t.applied.Add(1)
	case errors.As(err, &apiErr) && apiErr.Status == ledger.StatusInsufficientStock:
		t.insufficient.Add(1)
	case errors.As(err, &apiErr) && apiErr.Status == ledger.StatusLockTimeout:
		t.lockTimeout.Add(1)
	default:
		t.other.Add(1)
	}
}

func main() {
	var (
		opts               options
		company, warehouse string
	)
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "ledger base URL")
	flag.StringVar(&opts.dtmServer, "dtm", "", "dtm server URL; when set, sales run as sagas")
	flag.StringVar(&company, "company", "", "company id")
	flag.StringVar(&warehouse, "warehouse", "", "warehouse id owned by the company")
	flag.IntVar(&opts.stock, "stock", 100, "initial stock of the contended product")
	flag.IntVar(&opts.buyers, "buyers", 500, "number of single-unit sales")
	flag.IntVar(&opts.workers, "workers", 50, "concurrent requests in flight")
	flag.Parse()

	logger, err := telemetry.NewLogger("ledger-stress", "info")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if opts.company, err = uuid.Parse(company); err != nil {
		logger.Fatal("invalid -company", zap.Error(err))
	}
	if opts.warehouse, err = uuid.Parse(warehouse); err != nil {
		logger.Fatal("invalid -warehouse", zap.Error(err))
	}

	if err := run(context.Background(), opts, logger); err != nil {
		logger.Fatal("stress run failed", zap.Error(err))
	}
}

func run(ctx context.Context, opts options, logger *zap.Logger) error {
	c := client.New(opts.baseURL, 10*time.Second)
	sku := "STRESS-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	// Same SKU from every worker: exactly one registration may win.
	var created atomic.Pointer[ledger.Result]
	var dup tally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i := 0; i < opts.workers; i++ {
		g.Go(func() error {
			res, err := c.CreateProduct(gctx, opts.company, ledger.CreateProductRequest{
				Name:            "Stress " + sku,
				SKU:             sku,
				Price:           "1.00",
				WarehouseID:     opts.warehouse.String(),
				InitialQuantity: ledger.Scalar(strconv.Itoa(opts.stock)),
			})
			if err == nil {
				created.Store(res)
			}
			dup.count(err)
			return nil
		})
	}
	_ = g.Wait()
	logger.Info("concurrent registration",
		zap.Int64("created", dup.applied.Load()),
		zap.Int64("rejected", dup.other.Load()+dup.insufficient.Load()+dup.lockTimeout.Load()))

	res := created.Load()
	if res == nil || len(res.Inventory) != 1 {
		return fmt.Errorf("no registration of %s succeeded", sku)
	}
	product, inventory := res.Product, res.Inventory[0]

	var sales tally
	start := time.Now()
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i := 0; i < opts.buyers; i++ {
		adj := ledger.AdjustInventoryRequest{
			ProductID:       product.ID.String(),
			WarehouseID:     opts.warehouse.String(),
			QuantityChanged: "-1",
			ChangeType:      string(ledger.ChangeSale),
			Reference:       fmt.Sprintf("stress-order-%d", i),
			IdempotencyKey:  fmt.Sprintf("%s-sale-%d", sku, i),
		}
		g.Go(func() error {
			if opts.dtmServer != "" {
				_, err := c.SubmitAdjustmentSaga(gctx, opts.dtmServer, opts.company, adj)
				sales.count(err)
				return nil
			}
			_, err := c.AdjustInventory(gctx, opts.company, adj)
			sales.count(err)
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	last, rows, err := lastHistoryRow(ctx, c, inventory.ID)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	logger.Info("concurrent sales",
		zap.Int64("applied", sales.applied.Load()),
		zap.Int64("insufficient_stock", sales.insufficient.Load()),
		zap.Int64("lock_timeout", sales.lockTimeout.Load()),
		zap.Int64("other", sales.other.Load()),
		zap.Duration("elapsed", elapsed),
		zap.Int64("final_quantity", last.NewQuantity),
		zap.Int("history_rows", rows))

	if want := int64(opts.stock) - sales.applied.Load(); opts.dtmServer == "" && last.NewQuantity != want {
		return fmt.Errorf("final quantity %d, want %d", last.NewQuantity, want)
	}
	return nil
}

// lastHistoryRow pages through the audit chain and returns its newest row.
func lastHistoryRow(ctx context.Context, c *client.Client, inventoryID uuid.UUID) (ledger.InventoryHistory, int, error) {
	const pageSize = 1000
	var (
		last  ledger.InventoryHistory
		rows  int
		after int64
	)
	for {
		page, err := c.History(ctx, inventoryID, after, pageSize)
		if err != nil {
			return last, rows, err
		}
		if len(page) == 0 {
			break
		}
		rows += len(page)
		last = page[len(page)-1]
		after = last.Sequence
		if len(page) < pageSize {
			break
		}
	}
	if rows == 0 {
		return last, 0, errors.New("no history rows")
	}
	return last, rows, nil
}
