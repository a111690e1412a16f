// Package idemcache keeps a Redis copy of committed idempotency records so
// that replays are answered without opening a database transaction.
package idemcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matheusmosca/inventory-ledger/internal/ledger"
)

const (
	keyPrefix  = "ledger:idempotency:"
	DefaultTTL = 24 * time.Hour
)

// Cache implements ledger.ResultCache on Redis.
type Cache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// New returns a Cache whose entries expire after ttl.
func New(client redis.Cmdable, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns nil, nil on a miss.
func (c *Cache) Get(ctx context.Context, key string) (*ledger.IdempotencyRecord, error) {
	b, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var rec ledger.IdempotencyRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

// Put stores rec unless an entry for its key already exists. A committed
// record never changes, so the first writer wins.
func (c *Cache) Put(ctx context.Context, rec *ledger.IdempotencyRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.Key, err)
	}
	if err := c.client.SetNX(ctx, keyPrefix+rec.Key, b, c.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", rec.Key, err)
	}
	return nil
}
