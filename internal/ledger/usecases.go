package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a stage of a ledger transaction.
type State string

const (
	StateValidating               State = "VALIDATING"
	StateLocking                  State = "LOCKING"
	StateCreatingOrLoadingProduct State = "CREATING_OR_LOADING_PRODUCT"
	StateUpsertingInventory       State = "UPSERTING_INVENTORY"
	StateRecordingAudit           State = "RECORDING_AUDIT"
	StateCommitted                State = "COMMITTED"
	StateFailed                   State = "FAILED"
)

// Operation names, also used as the idempotency record operation.
const (
	OpCreateProduct   = "create_product"
	OpAdjustInventory = "adjust_inventory"
	OpInitializeStock = "initialize_stock"
	OpTransferStock   = "transfer_stock"
	OpCompensate      = "compensate_adjustment"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000

	// DefaultLowStockThreshold is given to inventory rows created without one.
	DefaultLowStockThreshold = 10

	// DefaultPublishTimeout bounds one background event delivery.
	DefaultPublishTimeout = 5 * time.Second
)

// AlertWindows configures the low-stock report.
type AlertWindows struct {
	// Activity is how recent a sale must be for a product to be reported.
	Activity time.Duration
	// Average is the window average daily sales are computed over.
	Average time.Duration
}

// DefaultAlertWindows reports products sold in the last 60 days, averaging over 30.
var DefaultAlertWindows = AlertWindows{Activity: 60 * 24 * time.Hour, Average: 30 * 24 * time.Hour}

// Result is the committed outcome of a mutation.
type Result struct {
	Status    Status             `json:"status"`
	Product   *Product           `json:"product,omitempty"`
	Inventory []Inventory        `json:"inventory,omitempty"`
	History   []InventoryHistory `json:"history,omitempty"`
	Replayed  bool               `json:"replayed"`
}

// UseCase coordinates validation, leases, the ledger and the audit recorder
// as one storage transaction per request.
type UseCase struct {
	repository Repository
	guard      *Guard
	ledger     *Ledger
	recorder   *Recorder
	cache      ResultCache
	events     EventPublisher
	logger     *zap.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	now        func() time.Time

	lockTimeout      time.Duration
	publishTimeout   time.Duration
	defaultThreshold int64
	alerts           AlertWindows

	publishing sync.WaitGroup

	operations metric.Int64Counter
	replays    metric.Int64Counter
}

// Option configures a UseCase.
type Option func(*UseCase)

func WithResultCache(c ResultCache) Option       { return func(uc *UseCase) { uc.cache = c } }
func WithEventPublisher(p EventPublisher) Option { return func(uc *UseCase) { uc.events = p } }
func WithTracer(t trace.Tracer) Option           { return func(uc *UseCase) { uc.tracer = t } }
func WithMeter(m metric.Meter) Option            { return func(uc *UseCase) { uc.meter = m } }
func WithClock(now func() time.Time) Option      { return func(uc *UseCase) { uc.now = now } }
func WithLockTimeout(d time.Duration) Option     { return func(uc *UseCase) { uc.lockTimeout = d } }
func WithPublishTimeout(d time.Duration) Option  { return func(uc *UseCase) { uc.publishTimeout = d } }
func WithDefaultThreshold(n int64) Option        { return func(uc *UseCase) { uc.defaultThreshold = n } }
func WithAlertWindows(w AlertWindows) Option     { return func(uc *UseCase) { uc.alerts = w } }

// NewUseCase wires the ledger components over repository.
func NewUseCase(repository Repository, logger *zap.Logger, opts ...Option) *UseCase {
	uc := &UseCase{
		repository:  repository,
		cache:       nopCache{},
		events:      nopPublisher{},
		logger:      logger,
		tracer:      otel.Tracer("inventory-ledger"),
		meter:       otel.Meter("inventory-ledger"),
		now:         time.Now,
		lockTimeout: DefaultLockTimeout,
		alerts:      DefaultAlertWindows,

		publishTimeout: DefaultPublishTimeout,

		defaultThreshold: DefaultLowStockThreshold,
	}
	for _, opt := range opts {
		opt(uc)
	}
	if uc.logger == nil {
		uc.logger = zap.NewNop()
	}

	uc.guard = NewGuard(uc.lockTimeout, uc.meter)
	uc.ledger = NewLedger(uc.now, uc.defaultThreshold)
	uc.recorder = NewRecorder()
	uc.operations, _ = uc.meter.Int64Counter("ledger.operations",
		metric.WithDescription("Ledger operations by outcome"))
	uc.replays, _ = uc.meter.Int64Counter("ledger.idempotent_replays",
		metric.WithDescription("Requests answered from an idempotency record"))
	return uc
}

// CreateProduct registers a product and, when a warehouse is given,
// establishes its stock there, all in one transaction.
func (uc *UseCase) CreateProduct(ctx context.Context, companyID uuid.UUID, req CreateProductRequest) (*Result, error) {
	ctx, x := uc.begin(ctx, OpCreateProduct, companyID)
	defer x.end()

	cmd, err := ValidateCreateProduct(req)
	if err != nil {
		return nil, uc.fail(ctx, x, err)
	}
	x.span.SetAttributes(attribute.String("product.sku", cmd.SKU))

	return uc.transact(ctx, x, cmd.IdempotencyKey, requestHash(x.op, companyID, cmd), func(ctx context.Context, tx Tx) (*Result, error) {
		if cmd.WarehouseID != nil {
			if err := uc.checkWarehouse(ctx, tx, companyID, *cmd.WarehouseID, "warehouse_id"); err != nil {
				return nil, err
			}
		}

		x.enter(StateLocking)
		if err := uc.lock(ctx, tx, x, SKUKey(cmd.SKU)); err != nil {
			return nil, err
		}

		x.enter(StateCreatingOrLoadingProduct)
		_, err := tx.GetProductBySKU(ctx, cmd.SKU)
		if err == nil {
			return nil, ErrDuplicateSku
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("load product by sku: %w", err)
		}

		product := &Product{
			ID:          uuid.New(),
			SKU:         cmd.SKU,
			Name:        cmd.Name,
			Price:       cmd.Price,
			Description: cmd.Description,
			CreatedAt:   uc.now().UTC(),
		}
		if err := tx.InsertProduct(ctx, product); err != nil {
			return nil, fmt.Errorf("insert product: %w", err)
		}

		res := &Result{Status: StatusCreated, Product: product}
		if cmd.WarehouseID == nil {
			return res, nil
		}

		x.enter(StateLocking)
		if err := uc.lock(ctx, tx, x, InventoryKey(product.ID, *cmd.WarehouseID)); err != nil {
			return nil, err
		}
		inv, err := uc.change(ctx, tx, x, product.ID, *cmd.WarehouseID, cmd.InitialQuantity, ModeSet, ChangeInitialStock, "")
		if err != nil {
			return nil, err
		}
		res.Inventory = []Inventory{inv}
		return res, nil
	})
}

// AdjustInventory applies a signed delta to existing stock.
func (uc *UseCase) AdjustInventory(ctx context.Context, companyID uuid.UUID, req AdjustInventoryRequest) (*Result, error) {
	ctx, x := uc.begin(ctx, OpAdjustInventory, companyID)
	defer x.end()

	cmd, err := ValidateAdjustInventory(req)
	if err != nil {
		return nil, uc.fail(ctx, x, err)
	}

	return uc.transact(ctx, x, cmd.IdempotencyKey, requestHash(x.op, companyID, cmd), func(ctx context.Context, tx Tx) (*Result, error) {
		return uc.adjust(ctx, tx, x, cmd.ProductID, cmd.WarehouseID, cmd.Delta, cmd.ChangeType, cmd.Reference)
	})
}

// InitializeStock establishes stock of an existing product in a warehouse
// that has none recorded yet.
func (uc *UseCase) InitializeStock(ctx context.Context, companyID uuid.UUID, req InitializeStockRequest) (*Result, error) {
	ctx, x := uc.begin(ctx, OpInitializeStock, companyID)
	defer x.end()

	cmd, err := ValidateInitializeStock(req)
	if err != nil {
		return nil, uc.fail(ctx, x, err)
	}

	return uc.transact(ctx, x, cmd.IdempotencyKey, requestHash(x.op, companyID, cmd), func(ctx context.Context, tx Tx) (*Result, error) {
		if err := uc.checkWarehouse(ctx, tx, companyID, cmd.WarehouseID, "warehouse_id"); err != nil {
			return nil, err
		}

		x.enter(StateLocking)
		if err := uc.lock(ctx, tx, x, InventoryKey(cmd.ProductID, cmd.WarehouseID)); err != nil {
			return nil, err
		}

		x.enter(StateCreatingOrLoadingProduct)
		product, err := loadProduct(ctx, tx, cmd.ProductID)
		if err != nil {
			return nil, err
		}

		inv, err := uc.change(ctx, tx, x, cmd.ProductID, cmd.WarehouseID, cmd.Quantity, ModeSet, ChangeInitialStock, "")
		if err != nil {
			return nil, err
		}
		return &Result{Status: StatusCreated, Product: product, Inventory: []Inventory{inv}}, nil
	})
}

// TransferStock moves quantity between two warehouses of the same company.
// Both rows must already exist.
func (uc *UseCase) TransferStock(ctx context.Context, companyID uuid.UUID, req TransferStockRequest) (*Result, error) {
	ctx, x := uc.begin(ctx, OpTransferStock, companyID)
	defer x.end()

	cmd, err := ValidateTransfer(req)
	if err != nil {
		return nil, uc.fail(ctx, x, err)
	}

	return uc.transact(ctx, x, cmd.IdempotencyKey, requestHash(x.op, companyID, cmd), func(ctx context.Context, tx Tx) (*Result, error) {
		if err := uc.checkWarehouse(ctx, tx, companyID, cmd.FromWarehouseID, "from_warehouse_id"); err != nil {
			return nil, err
		}
		if err := uc.checkWarehouse(ctx, tx, companyID, cmd.ToWarehouseID, "to_warehouse_id"); err != nil {
			return nil, err
		}

		x.enter(StateLocking)
		leases, err := uc.guard.AcquireAll(ctx, tx,
			InventoryKey(cmd.ProductID, cmd.FromWarehouseID),
			InventoryKey(cmd.ProductID, cmd.ToWarehouseID))
		if err != nil {
			return nil, err
		}
		x.leases = append(x.leases, leases...)

		x.enter(StateCreatingOrLoadingProduct)
		product, err := loadProduct(ctx, tx, cmd.ProductID)
		if err != nil {
			return nil, err
		}

		from, err := uc.change(ctx, tx, x, cmd.ProductID, cmd.FromWarehouseID, -cmd.Quantity, ModeAdjust, ChangeTransfer, cmd.Reference)
		if err != nil {
			return nil, err
		}
		to, err := uc.change(ctx, tx, x, cmd.ProductID, cmd.ToWarehouseID, cmd.Quantity, ModeAdjust, ChangeTransfer, cmd.Reference)
		if err != nil {
			return nil, err
		}
		return &Result{Status: StatusApplied, Product: product, Inventory: []Inventory{from, to}}, nil
	})
}

// CompensateAdjustment undoes the adjustment committed under actionKey. When
// the adjustment never ran, it leaves a tombstone so that a late delivery of
// the adjustment is rejected instead of applied.
func (uc *UseCase) CompensateAdjustment(ctx context.Context, companyID uuid.UUID, actionKey string, req AdjustInventoryRequest) (*Result, error) {
	ctx, x := uc.begin(ctx, OpCompensate, companyID)
	defer x.end()

	req.IdempotencyKey = actionKey
	cmd, err := ValidateAdjustInventory(req)
	if err == nil && cmd.IdempotencyKey == "" {
		err = invalid("idempotency_key", "is required")
	}
	if err != nil {
		return nil, uc.fail(ctx, x, err)
	}
	actionHash := requestHash(OpAdjustInventory, companyID, cmd)

	return uc.transact(ctx, x, actionKey+"/compensate", requestHash(x.op, companyID, cmd), func(ctx context.Context, tx Tx) (*Result, error) {
		x.enter(StateLocking)
		if err := uc.lock(ctx, tx, x, IdempotencyKey(actionKey)); err != nil {
			return nil, err
		}

		rec, err := tx.GetIdempotencyRecord(ctx, actionKey)
		if errors.Is(err, ErrNotFound) {
			tombstone := &IdempotencyRecord{
				Key:            actionKey,
				Operation:      OpAdjustInventory,
				RequestHash:    actionHash,
				Status:         StatusAborted,
				ResultSnapshot: []byte("{}"),
				CreatedAt:      uc.now().UTC(),
			}
			if err := tx.InsertIdempotencyRecord(ctx, tombstone); err != nil {
				return nil, fmt.Errorf("insert tombstone: %w", err)
			}
			return &Result{Status: StatusApplied}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load action record: %w", err)
		}
		if rec.Status != StatusApplied {
			return &Result{Status: StatusApplied}, nil
		}

		var action Result
		if err := json.Unmarshal(rec.ResultSnapshot, &action); err != nil {
			return nil, fmt.Errorf("decode action snapshot: %w", err)
		}
		if len(action.Inventory) != 1 || len(action.History) != 1 {
			return nil, fmt.Errorf("action %s is not a single adjustment", actionKey)
		}
		inv, applied := action.Inventory[0], action.History[0]
		return uc.adjust(ctx, tx, x, inv.ProductID, inv.WarehouseID, -applied.QuantityChanged, ChangeAdjustment, "compensate:"+actionKey)
	})
}

// LowStockAlerts reports the company's inventory at or below threshold for
// products that sold recently, with an estimate of days until stockout.
func (uc *UseCase) LowStockAlerts(ctx context.Context, companyID uuid.UUID) ([]LowStockAlert, error) {
	ctx, span := uc.tracer.Start(ctx, "ledger.low_stock_alerts")
	defer span.End()

	now := uc.now().UTC()
	rows, err := uc.repository.LowStockCandidates(ctx, companyID, now.Add(-uc.alerts.Activity), now.Add(-uc.alerts.Average))
	if err != nil {
		span.RecordError(err)
		uc.logger.Error("[LOW STOCK] query failed", zap.Stringer("company_id", companyID), zap.Error(err))
		return nil, classify(err)
	}

	days := math.Max(uc.alerts.Average.Hours()/24, 1)
	alerts := make([]LowStockAlert, 0, len(rows))
	for _, row := range rows {
		if row.RecentSales <= 0 {
			continue
		}
		alert := LowStockAlert{
			ProductID:     row.Product.ID,
			ProductName:   row.Product.Name,
			SKU:           row.Product.SKU,
			WarehouseID:   row.Warehouse.ID,
			WarehouseName: row.Warehouse.Name,
			CurrentStock:  row.Inventory.Quantity,
			Threshold:     row.Inventory.LowStockThreshold,
		}
		if avg := float64(row.AvgWindowSales) / days; avg > 0 {
			d := int64(math.Ceil(float64(row.Inventory.Quantity) / avg))
			alert.DaysUntilStockout = &d
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// History returns one page of the audit chain of an inventory row, oldest
// first. Pass the last sequence of a page as afterSequence to read the next.
func (uc *UseCase) History(ctx context.Context, inventoryID uuid.UUID, afterSequence int64, limit int) ([]InventoryHistory, error) {
	if afterSequence < 0 {
		return nil, classify(invalid("after_sequence", "must not be negative"))
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	rows, err := uc.repository.ListHistory(ctx, inventoryID, afterSequence, limit)
	if err != nil {
		uc.logger.Error("[HISTORY] query failed", zap.Stringer("inventory_id", inventoryID), zap.Error(err))
		return nil, classify(err)
	}
	return rows, nil
}

// execution tracks one request through the state machine.
type execution struct {
	op        string
	companyID uuid.UUID
	state     State
	span      trace.Span
	leases    []*Lease
	history   []InventoryHistory
	changes   []InventoryChanged
}

func (x *execution) enter(s State) {
	x.state = s
	x.span.AddEvent(string(s))
}

func (x *execution) end() { x.span.End() }

func (x *execution) tag() string {
	return "[" + strings.ToUpper(strings.ReplaceAll(x.op, "_", " ")) + "]"
}

func (uc *UseCase) begin(ctx context.Context, op string, companyID uuid.UUID) (context.Context, *execution) {
	ctx, span := uc.tracer.Start(ctx, "ledger."+op,
		trace.WithAttributes(attribute.String("company.id", companyID.String())))
	x := &execution{op: op, companyID: companyID, span: span}
	x.enter(StateValidating)
	return ctx, x
}

// transact runs body in a transaction guarded by the idempotency key, commits
// and then performs the post-commit side effects. Any error rolls back every
// write and drops every lease.
func (uc *UseCase) transact(ctx context.Context, x *execution, key, hash string, body func(context.Context, Tx) (*Result, error)) (*Result, error) {
	if key != "" {
		if res, found, err := uc.replayFromCache(ctx, key, x.op, hash); found {
			return uc.replayed(ctx, x, res, err)
		}
	}

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, uc.fail(ctx, x, fmt.Errorf("begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
				uc.logger.Warn(x.tag()+" rollback failed", zap.Error(err))
			}
		}
		for _, l := range x.leases {
			l.Release(ctx)
		}
	}()

	if key != "" {
		x.enter(StateLocking)
		if err := uc.lock(ctx, tx, x, IdempotencyKey(key)); err != nil {
			return nil, uc.fail(ctx, x, err)
		}
		if res, found, err := uc.replayFromStore(ctx, tx, key, x.op, hash); found {
			return uc.replayed(ctx, x, res, err)
		}
	}

	res, err := body(ctx, tx)
	if err != nil {
		return nil, uc.fail(ctx, x, err)
	}
	res.History = x.history

	var rec *IdempotencyRecord
	if key != "" {
		snapshot, err := json.Marshal(res)
		if err != nil {
			return nil, uc.fail(ctx, x, fmt.Errorf("encode result snapshot: %w", err))
		}
		rec = &IdempotencyRecord{
			Key:            key,
			Operation:      x.op,
			RequestHash:    hash,
			Status:         res.Status,
			ResultSnapshot: snapshot,
			CreatedAt:      uc.now().UTC(),
		}
		if err := tx.InsertIdempotencyRecord(ctx, rec); err != nil {
			return nil, uc.fail(ctx, x, fmt.Errorf("insert idempotency record: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, uc.fail(ctx, x, fmt.Errorf("commit: %w", err))
	}
	committed = true
	x.enter(StateCommitted)

	if rec != nil {
		uc.rememberResult(ctx, rec)
	}
	uc.publish(ctx, x)
	uc.count(ctx, x.op, res.Status)
	uc.logger.Info(x.tag()+" committed",
		zap.Stringer("company_id", x.companyID),
		zap.String("status", string(res.Status)),
		zap.Int("history_rows", len(x.history)))
	return res, nil
}

func (uc *UseCase) replayed(ctx context.Context, x *execution, res *Result, err error) (*Result, error) {
	if err != nil {
		return nil, uc.fail(ctx, x, err)
	}
	x.enter(StateCommitted)
	x.span.SetAttributes(attribute.Bool("ledger.replayed", true))
	if uc.replays != nil {
		uc.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", x.op)))
	}
	uc.count(ctx, x.op, res.Status)
	uc.logger.Info(x.tag()+" replayed from idempotency record", zap.Stringer("company_id", x.companyID))
	return res, nil
}

// fail moves x to FAILED and maps err onto the error taxonomy. Internal
// faults are logged with full context and surfaced opaquely.
func (uc *UseCase) fail(ctx context.Context, x *execution, err error) error {
	le := classify(err)
	failedIn := x.state
	x.enter(StateFailed)
	x.span.SetAttributes(
		attribute.String("ledger.failed_in", string(failedIn)),
		attribute.String("ledger.status", string(le.Status)))

	if le.Status == StatusInternalFault {
		x.span.RecordError(err)
		x.span.SetStatus(codes.Error, "internal fault")
		uc.logger.Error(x.tag()+" internal fault",
			zap.Stringer("company_id", x.companyID),
			zap.String("state", string(failedIn)),
			zap.Error(err))
	} else {
		uc.logger.Info(x.tag()+" rejected",
			zap.Stringer("company_id", x.companyID),
			zap.String("state", string(failedIn)),
			zap.String("status", string(le.Status)),
			zap.String("field", le.Field),
			zap.String("reason", le.Message))
	}
	uc.count(ctx, x.op, le.Status)
	return le
}

func (uc *UseCase) count(ctx context.Context, op string, status Status) {
	if uc.operations == nil {
		return
	}
	uc.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", string(status))))
}

func (uc *UseCase) lock(ctx context.Context, tx Tx, x *execution, key LockKey) error {
	lease, err := uc.guard.Acquire(ctx, tx, key)
	if err != nil {
		return err
	}
	x.leases = append(x.leases, lease)
	return nil
}

// adjust is the shared body of AdjustInventory and CompensateAdjustment.
func (uc *UseCase) adjust(ctx context.Context, tx Tx, x *execution, productID, warehouseID uuid.UUID, delta int64, changeType ChangeType, reference string) (*Result, error) {
	if err := uc.checkWarehouse(ctx, tx, x.companyID, warehouseID, "warehouse_id"); err != nil {
		return nil, err
	}

	x.enter(StateLocking)
	if err := uc.lock(ctx, tx, x, InventoryKey(productID, warehouseID)); err != nil {
		return nil, err
	}

	x.enter(StateCreatingOrLoadingProduct)
	product, err := loadProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}

	inv, err := uc.change(ctx, tx, x, productID, warehouseID, delta, ModeAdjust, changeType, reference)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusApplied, Product: product, Inventory: []Inventory{inv}}, nil
}

// change upserts the pair and records the audit row. The caller holds the
// pair's lease.
func (uc *UseCase) change(ctx context.Context, tx Tx, x *execution, productID, warehouseID uuid.UUID, delta int64, mode UpsertMode, changeType ChangeType, reference string) (Inventory, error) {
	x.enter(StateUpsertingInventory)
	up, err := uc.ledger.Upsert(ctx, tx, productID, warehouseID, delta, mode)
	if err != nil {
		return Inventory{}, err
	}

	x.enter(StateRecordingAudit)
	h, err := uc.recorder.Record(ctx, tx, up.Change(changeType, reference))
	if err != nil {
		return Inventory{}, err
	}
	x.history = append(x.history, *h)
	x.changes = append(x.changes, InventoryChanged{
		Operation:   x.op,
		CompanyID:   x.companyID,
		ProductID:   productID,
		WarehouseID: warehouseID,
		History:     *h,
	})
	return up.Inventory, nil
}

// checkWarehouse rejects warehouses that do not exist or belong to another
// company with the same message, so tenants cannot discover each other's ids.
func (uc *UseCase) checkWarehouse(ctx context.Context, tx Tx, companyID, warehouseID uuid.UUID, field string) error {
	wh, err := tx.GetWarehouse(ctx, warehouseID)
	if errors.Is(err, ErrNotFound) {
		return invalid(field, "warehouse not found")
	}
	if err != nil {
		return fmt.Errorf("load warehouse: %w", err)
	}
	if wh.CompanyID != companyID {
		return invalid(field, "warehouse not found")
	}
	return nil
}

func loadProduct(ctx context.Context, tx Tx, productID uuid.UUID) (*Product, error) {
	p, err := tx.GetProduct(ctx, productID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalid("product_id", "product not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	return p, nil
}

// publish hands the committed changes to the event publisher in the
// background. The caller's cancellation does not reach the delivery, which is
// bounded by publishTimeout instead.
func (uc *UseCase) publish(ctx context.Context, x *execution) {
	if len(x.changes) == 0 {
		return
	}
	if _, ok := uc.events.(nopPublisher); ok {
		return
	}
	at := uc.now().UTC()
	events := slices.Clone(x.changes)
	for i := range events {
		events[i].EventID = uuid.New()
		events[i].OccurredAt = at
	}
	tag := x.tag()

	uc.publishing.Add(1)
	go func() {
		defer uc.publishing.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.publishTimeout)
		defer cancel()
		if err := uc.events.PublishInventoryChanged(ctx, events); err != nil {
			uc.logger.Warn(tag+" publishing inventory events failed",
				zap.Int("events", len(events)), zap.Error(err))
		}
	}()
}

// Close waits for in-flight event deliveries, or for ctx to end.
func (uc *UseCase) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		uc.publishing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
