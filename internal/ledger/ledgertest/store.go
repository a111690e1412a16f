// Package ledgertest provides an in-memory ledger.Repository for tests.
//
// Writes are buffered per transaction and applied on Commit, where unique and
// check constraints are enforced the way the database enforces them. Locks
// are per key, held until the transaction ends, and bounded by the timeout
// given to Lock.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matheusmosca/inventory-ledger/internal/ledger"
)

var errTxDone = errors.New("ledgertest: transaction already ended")

type pair struct{ product, warehouse uuid.UUID }

// Store is a concurrency-safe in-memory repository.
type Store struct {
	mu         sync.Mutex
	warehouses map[uuid.UUID]ledger.Warehouse
	products   map[uuid.UUID]ledger.Product
	skus       map[string]uuid.UUID
	inventory  map[uuid.UUID]ledger.Inventory
	pairs      map[pair]uuid.UUID
	history    map[uuid.UUID][]ledger.InventoryHistory
	records    map[string]ledger.IdempotencyRecord
	locks      map[string]chan struct{}
	faults     map[string]error

	commits   int
	rollbacks int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		warehouses: map[uuid.UUID]ledger.Warehouse{},
		products:   map[uuid.UUID]ledger.Product{},
		skus:       map[string]uuid.UUID{},
		inventory:  map[uuid.UUID]ledger.Inventory{},
		pairs:      map[pair]uuid.UUID{},
		history:    map[uuid.UUID][]ledger.InventoryHistory{},
		records:    map[string]ledger.IdempotencyRecord{},
		locks:      map[string]chan struct{}{},
		faults:     map[string]error{},
	}
}

// AddWarehouse registers a warehouse of companyID.
func (s *Store) AddWarehouse(companyID uuid.UUID, name string) ledger.Warehouse {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := ledger.Warehouse{ID: uuid.New(), CompanyID: companyID, Name: name}
	s.warehouses[w.ID] = w
	return w
}

// FailNext makes the next call of the named Tx method return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

func (s *Store) fault(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.faults[method]
	delete(s.faults, method)
	return err
}

// Products returns all committed products.
func (s *Store) Products() []ledger.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	return out
}

// Inventories returns all committed inventory rows.
func (s *Store) Inventories() []ledger.Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Inventory, 0, len(s.inventory))
	for _, inv := range s.inventory {
		out = append(out, inv)
	}
	return out
}

// HistoryRows returns the number of committed history rows.
func (s *Store) HistoryRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rows := range s.history {
		n += len(rows)
	}
	return n
}

// Record returns the committed idempotency record for key.
func (s *Store) Record(key string) (ledger.IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Counts returns how many transactions committed and rolled back.
func (s *Store) Counts() (commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, s.rollbacks
}

func (s *Store) BeginTx(ctx context.Context) (ledger.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{
		store:     s,
		held:      map[string]chan struct{}{},
		products:  map[uuid.UUID]ledger.Product{},
		inventory: map[uuid.UUID]ledger.Inventory{},
		records:   map[string]ledger.IdempotencyRecord{},
	}, nil
}

func (s *Store) GetInventory(_ context.Context, productID, warehouseID uuid.UUID) (*ledger.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pairs[pair{productID, warehouseID}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	inv := s.inventory[id]
	return &inv, nil
}

func (s *Store) ListHistory(_ context.Context, inventoryID uuid.UUID, afterSequence int64, limit int) ([]ledger.InventoryHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.InventoryHistory
	for _, h := range s.history[inventoryID] {
		if h.Sequence <= afterSequence {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Store) LowStockCandidates(_ context.Context, companyID uuid.UUID, recentSince, avgSince time.Time) ([]ledger.LowStockCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := map[uuid.UUID]int64{}
	windowed := map[uuid.UUID]int64{}
	for invID, rows := range s.history {
		inv := s.inventory[invID]
		if s.warehouses[inv.WarehouseID].CompanyID != companyID {
			continue
		}
		for _, h := range rows {
			if h.ChangeType != ledger.ChangeSale {
				continue
			}
			if !h.ChangedAt.Before(recentSince) {
				recent[inv.ProductID] -= h.QuantityChanged
			}
			if !h.ChangedAt.Before(avgSince) {
				windowed[inv.ProductID] -= h.QuantityChanged
			}
		}
	}

	var out []ledger.LowStockCandidate
	for _, inv := range s.inventory {
		wh := s.warehouses[inv.WarehouseID]
		if wh.CompanyID != companyID || inv.Quantity > inv.LowStockThreshold {
			continue
		}
		out = append(out, ledger.LowStockCandidate{
			Inventory:      inv,
			Product:        s.products[inv.ProductID],
			Warehouse:      wh,
			RecentSales:    recent[inv.ProductID],
			AvgWindowSales: windowed[inv.ProductID],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Product.Name != out[j].Product.Name {
			return out[i].Product.Name < out[j].Product.Name
		}
		return out[i].Warehouse.Name < out[j].Warehouse.Name
	})
	return out, nil
}

func (s *Store) lock(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// Tx is a buffered transaction on a Store.
type Tx struct {
	store       *Store
	done        bool
	lockTimeout time.Duration
	held        map[string]chan struct{}

	products  map[uuid.UUID]ledger.Product
	inventory map[uuid.UUID]ledger.Inventory
	history   []ledger.InventoryHistory
	records   map[string]ledger.IdempotencyRecord
}

func (t *Tx) check(method string) error {
	if t.done {
		return errTxDone
	}
	return t.store.fault(method)
}

func (t *Tx) Lock(ctx context.Context, key string, timeout time.Duration) error {
	if err := t.check("Lock"); err != nil {
		return err
	}
	t.lockTimeout = timeout
	return t.acquire(ctx, key)
}

func (t *Tx) acquire(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	timeout := t.lockTimeout
	if timeout <= 0 {
		timeout = ledger.DefaultLockTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ch := t.store.lock(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-timer.C:
		return fmt.Errorf("lock %s: %w", key, ledger.ErrLockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tx) GetWarehouse(_ context.Context, id uuid.UUID) (*ledger.Warehouse, error) {
	if err := t.check("GetWarehouse"); err != nil {
		return nil, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	w, ok := t.store.warehouses[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &w, nil
}

func (t *Tx) GetProduct(_ context.Context, id uuid.UUID) (*ledger.Product, error) {
	if err := t.check("GetProduct"); err != nil {
		return nil, err
	}
	if p, ok := t.products[id]; ok {
		return &p, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	p, ok := t.store.products[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &p, nil
}

func (t *Tx) GetProductBySKU(_ context.Context, sku string) (*ledger.Product, error) {
	if err := t.check("GetProductBySKU"); err != nil {
		return nil, err
	}
	for _, p := range t.products {
		if p.SKU == sku {
			return &p, nil
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	id, ok := t.store.skus[sku]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	p := t.store.products[id]
	return &p, nil
}

func (t *Tx) InsertProduct(_ context.Context, p *ledger.Product) error {
	if err := t.check("InsertProduct"); err != nil {
		return err
	}
	t.store.mu.Lock()
	_, taken := t.store.skus[p.SKU]
	t.store.mu.Unlock()
	for _, own := range t.products {
		taken = taken || own.SKU == p.SKU
	}
	if taken {
		return ledger.ErrDuplicateSku
	}
	t.products[p.ID] = *p
	return nil
}

func (t *Tx) GetInventoryForUpdate(ctx context.Context, productID, warehouseID uuid.UUID) (*ledger.Inventory, error) {
	if err := t.check("GetInventoryForUpdate"); err != nil {
		return nil, err
	}
	for _, inv := range t.inventory {
		if inv.ProductID == productID && inv.WarehouseID == warehouseID {
			return &inv, nil
		}
	}

	t.store.mu.Lock()
	id, ok := t.store.pairs[pair{productID, warehouseID}]
	t.store.mu.Unlock()
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if err := t.acquire(ctx, "row:"+id.String()); err != nil {
		return nil, err
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	inv := t.store.inventory[id]
	return &inv, nil
}

func (t *Tx) InsertInventory(_ context.Context, inv *ledger.Inventory) error {
	if err := t.check("InsertInventory"); err != nil {
		return err
	}
	t.store.mu.Lock()
	_, taken := t.store.pairs[pair{inv.ProductID, inv.WarehouseID}]
	t.store.mu.Unlock()
	if taken {
		return ledger.ErrDuplicateInventory
	}
	t.inventory[inv.ID] = *inv
	return nil
}

func (t *Tx) UpdateInventoryQuantity(_ context.Context, id uuid.UUID, quantity, version int64, at time.Time) error {
	if err := t.check("UpdateInventoryQuantity"); err != nil {
		return err
	}
	if quantity < 0 {
		return ledger.ErrInsufficientStock
	}
	inv, ok := t.inventory[id]
	if !ok {
		t.store.mu.Lock()
		inv, ok = t.store.inventory[id]
		t.store.mu.Unlock()
	}
	if !ok {
		return fmt.Errorf("update inventory %s: %w", id, ledger.ErrNotFound)
	}
	inv.Quantity, inv.Version, inv.LastUpdated = quantity, version, at
	t.inventory[id] = inv
	return nil
}

func (t *Tx) InsertHistory(_ context.Context, h *ledger.InventoryHistory) error {
	if err := t.check("InsertHistory"); err != nil {
		return err
	}
	t.history = append(t.history, *h)
	return nil
}

func (t *Tx) GetIdempotencyRecord(_ context.Context, key string) (*ledger.IdempotencyRecord, error) {
	if err := t.check("GetIdempotencyRecord"); err != nil {
		return nil, err
	}
	if rec, ok := t.records[key]; ok {
		return &rec, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	rec, ok := t.store.records[key]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &rec, nil
}

func (t *Tx) InsertIdempotencyRecord(_ context.Context, rec *ledger.IdempotencyRecord) error {
	if err := t.check("InsertIdempotencyRecord"); err != nil {
		return err
	}
	t.store.mu.Lock()
	_, taken := t.store.records[rec.Key]
	t.store.mu.Unlock()
	if _, own := t.records[rec.Key]; taken || own {
		return ledger.ErrDuplicateIdempotencyKey
	}
	t.records[rec.Key] = *rec
	return nil
}

// Commit applies the buffered writes atomically, re-checking constraints
// against whatever committed in the meantime.
func (t *Tx) Commit(_ context.Context) error {
	if err := t.check("Commit"); err != nil {
		if !errors.Is(err, errTxDone) {
			t.end(false)
		}
		return err
	}

	s := t.store
	s.mu.Lock()
	err := t.violation()
	if err == nil {
		for id, p := range t.products {
			s.products[id] = p
			s.skus[p.SKU] = id
		}
		for id, inv := range t.inventory {
			s.inventory[id] = inv
			s.pairs[pair{inv.ProductID, inv.WarehouseID}] = id
		}
		for _, h := range t.history {
			s.history[h.InventoryID] = append(s.history[h.InventoryID], h)
		}
		for key, rec := range t.records {
			s.records[key] = rec
		}
	}
	s.mu.Unlock()

	t.end(err == nil)
	return err
}

// violation runs with the store mutex held.
func (t *Tx) violation() error {
	s := t.store
	for _, p := range t.products {
		if _, ok := s.skus[p.SKU]; ok {
			return ledger.ErrDuplicateSku
		}
	}
	for id, inv := range t.inventory {
		if existing, ok := s.pairs[pair{inv.ProductID, inv.WarehouseID}]; ok && existing != id {
			return ledger.ErrDuplicateInventory
		}
		if inv.Quantity < 0 {
			return ledger.ErrInsufficientStock
		}
	}
	for _, h := range t.history {
		for _, row := range s.history[h.InventoryID] {
			if row.Sequence == h.Sequence {
				return fmt.Errorf("duplicate history sequence %d for inventory %s", h.Sequence, h.InventoryID)
			}
		}
		if h.NewQuantity != h.PreviousQuantity+h.QuantityChanged {
			return fmt.Errorf("unbalanced history row %s", h.ID)
		}
	}
	for key := range t.records {
		if _, ok := s.records[key]; ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	return nil
}

func (t *Tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.end(false)
	return nil
}

func (t *Tx) end(committed bool) {
	t.done = true
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
	t.store.mu.Lock()
	if committed {
		t.store.commits++
	} else {
		t.store.rollbacks++
	}
	t.store.mu.Unlock()
}
