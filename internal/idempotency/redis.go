package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "idempotency:v1:"
	statusInProgress = "in_progress"
)

// RedisIndex stores idempotency records in Redis with a bounded retention
// window. Reservation uses SETNX so two racing attempts with the same key
// cannot both proceed.
type RedisIndex struct {
	cache *redis.Client
	ttl   time.Duration
}

// NewRedisIndex builds a Redis-backed index. Records expire after ttl, which
// bounds the client retry window.
func NewRedisIndex(cache *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{cache: cache, ttl: ttl}
}

func (s Scope) cacheKey() string {
	return keyPrefix + s.AccountID + ":" + s.Operation + ":" + s.Key
}

// Begin reserves the key or replays a stored outcome.
func (i *RedisIndex) Begin(ctx context.Context, scope Scope, fingerprint string) (*Result, error) {
	reservation, err := json.Marshal(Result{Fingerprint: fingerprint, Status: statusInProgress})
	if err != nil {
		return nil, err
	}

	set, err := i.cache.SetNX(ctx, scope.cacheKey(), reservation, i.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency reservation: %w", err)
	}
	if set {
		return nil, nil
	}

	raw, err := i.cache.Get(ctx, scope.cacheKey()).Result()
	if err == redis.Nil {
		// Record expired between SetNX and Get; treat as in progress and let
		// the client retry.
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	var stored Result
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	if stored.Fingerprint != fingerprint {
		return nil, ErrKeyConflict
	}
	if stored.Status == statusInProgress {
		return nil, ErrInProgress
	}
	return &stored, nil
}

// Complete stores the final outcome for future replay.
func (i *RedisIndex) Complete(ctx context.Context, scope Scope, result Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return i.cache.Set(ctx, scope.cacheKey(), raw, i.ttl).Err()
}

// Abandon releases a reservation after an infrastructure failure where no
// mutation can have been applied. Business failures should Complete with
// StatusFailed instead.
func (i *RedisIndex) Abandon(ctx context.Context, scope Scope) error {
	return i.cache.Del(ctx, scope.cacheKey()).Err()
}
