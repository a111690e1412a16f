package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultLockTimeout bounds how long a caller waits for a lease.
const DefaultLockTimeout = 2 * time.Second

// LockKey identifies what a lease serializes.
type LockKey string

// SKUKey serializes creations of one SKU.
func SKUKey(sku string) LockKey { return LockKey("sku:" + sku) }

// InventoryKey serializes writes to one (product, warehouse) pair.
func InventoryKey(productID, warehouseID uuid.UUID) LockKey {
	return LockKey("inventory:" + productID.String() + ":" + warehouseID.String())
}

// IdempotencyKey serializes requests carrying the same client token.
func IdempotencyKey(token string) LockKey { return LockKey("idempotency:" + token) }

// Lease is an exclusive hold on a key. It lives exactly as long as the
// transaction it was acquired in; Release only closes the bookkeeping.
type Lease struct {
	Key        LockKey
	AcquiredAt time.Time

	guard    *Guard
	released bool
}

// Release records the end of the hold. The storage lock itself is dropped by
// the transaction's Commit or Rollback.
func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.released {
		return
	}
	l.released = true
	if l.guard != nil && l.guard.holdTime != nil {
		l.guard.holdTime.Record(ctx, time.Since(l.AcquiredAt).Seconds(),
			metric.WithAttributes(attribute.String("key.kind", l.Key.kind())))
	}
}

func (k LockKey) kind() string {
	kind, _, _ := strings.Cut(string(k), ":")
	return kind
}

// Guard hands out transaction-bound leases.
type Guard struct {
	timeout  time.Duration
	waitTime metric.Float64Histogram
	holdTime metric.Float64Histogram
	timeouts metric.Int64Counter
}

// NewGuard builds a Guard with a finite timeout; zero or negative means DefaultLockTimeout.
func NewGuard(timeout time.Duration, meter metric.Meter) *Guard {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	g := &Guard{timeout: timeout}
	if meter != nil {
		g.waitTime, _ = meter.Float64Histogram("ledger.lease.wait",
			metric.WithDescription("Time spent waiting for a lease"), metric.WithUnit("s"))
		g.holdTime, _ = meter.Float64Histogram("ledger.lease.hold",
			metric.WithDescription("Time a lease was held"), metric.WithUnit("s"))
		g.timeouts, _ = meter.Int64Counter("ledger.lease.timeouts",
			metric.WithDescription("Lease acquisitions that timed out"))
	}
	return g
}

// Timeout returns the acquisition bound.
func (g *Guard) Timeout() time.Duration { return g.timeout }

// Acquire blocks the calling operation until key is free or the timeout
// elapses. Cancellation of ctx while waiting also yields ErrLockTimeout.
func (g *Guard) Acquire(ctx context.Context, tx Tx, key LockKey) (*Lease, error) {
	start := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, g.timeout+g.timeout/2)
	defer cancel()

	err := tx.Lock(lockCtx, string(key), g.timeout)
	attrs := metric.WithAttributes(attribute.String("key.kind", key.kind()))
	if g.waitTime != nil {
		g.waitTime.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		if errors.Is(err, ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			if g.timeouts != nil {
				g.timeouts.Add(ctx, 1, attrs)
			}
			return nil, fmt.Errorf("acquire %s: %w", key, ErrLockTimeout)
		}
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return &Lease{Key: key, AcquiredAt: time.Now(), guard: g}, nil
}

// AcquireAll takes leases on keys in a fixed order so that two callers
// locking the same set can never deadlock each other.
func (g *Guard) AcquireAll(ctx context.Context, tx Tx, keys ...LockKey) ([]*Lease, error) {
	sorted := append([]LockKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	leases := make([]*Lease, 0, len(sorted))
	for _, key := range sorted {
		lease, err := g.Acquire(ctx, tx, key)
		if err != nil {
			for _, l := range leases {
				l.Release(ctx)
			}
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}
