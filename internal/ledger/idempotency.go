package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResultCache is a read-through copy of committed idempotency records. The
// idempotency table stays authoritative; the cache only saves a transaction
// on replays.
type ResultCache interface {
	// Get returns the cached record for key, or nil on a miss.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	Put(ctx context.Context, rec *IdempotencyRecord) error
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*IdempotencyRecord, error) { return nil, nil }
func (nopCache) Put(context.Context, *IdempotencyRecord) error           { return nil }

func requestHash(op string, companyID uuid.UUID, cmd any) string {
	b, _ := json.Marshal(struct {
		Op        string    `json:"op"`
		CompanyID uuid.UUID `json:"company_id"`
		Command   any       `json:"command"`
	}{op, companyID, cmd})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// replay turns a stored record back into the result of the request that
// created it.
func replay(rec *IdempotencyRecord, op, hash string) (*Result, error) {
	if rec.Operation != op || rec.RequestHash != hash {
		return nil, invalid("idempotency_key", "already used for a different request")
	}
	if rec.Status == StatusAborted {
		return nil, &Error{Status: StatusAborted, Field: "idempotency_key", Message: "request was compensated before it ran"}
	}

	var res Result
	if err := json.Unmarshal(rec.ResultSnapshot, &res); err != nil {
		return nil, fmt.Errorf("decode result snapshot: %w", err)
	}
	res.Replayed = true
	return &res, nil
}

// replayFromCache reports found=false on a miss or when the cache is unreachable.
func (uc *UseCase) replayFromCache(ctx context.Context, key, op, hash string) (*Result, bool, error) {
	rec, err := uc.cache.Get(ctx, key)
	if err != nil {
		uc.logger.Warn("[IDEMPOTENCY] cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	if rec == nil {
		return nil, false, nil
	}
	res, err := replay(rec, op, hash)
	return res, true, err
}

func (uc *UseCase) replayFromStore(ctx context.Context, tx Tx, key, op, hash string) (*Result, bool, error) {
	rec, err := tx.GetIdempotencyRecord(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("load idempotency record: %w", err)
	}
	res, err := replay(rec, op, hash)
	if err == nil {
		uc.rememberResult(ctx, rec)
	}
	return res, true, err
}

func (uc *UseCase) rememberResult(ctx context.Context, rec *IdempotencyRecord) {
	if err := uc.cache.Put(ctx, rec); err != nil {
		uc.logger.Warn("[IDEMPOTENCY] cache store failed", zap.String("key", rec.Key), zap.Error(err))
	}
}
