package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "\x00pending"

// ErrIdempotencyConflict indicates the key is held by a request still in flight.
var ErrIdempotencyConflict = errors.New("idempotent request already in progress")

// IdempotencyStore remembers processed request keys in redis so that retried
// create calls replay the first response instead of creating duplicates.
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

func idempotencyKey(module, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", module, key)
}

// Begin reserves key for module. When the key was already completed the stored
// response is returned as replay.
func (s *IdempotencyStore) Begin(ctx context.Context, module, key string) (replay []byte, err error) {
	if s == nil || s.client == nil {
		return nil, errors.New("idempotency store not initialised")
	}
	if key == "" {
		return nil, errors.New("idempotency key required")
	}
	if module == "" {
		return nil, errors.New("idempotency module required")
	}
	full := idempotencyKey(module, key)
	ok, err := s.client.SetNX(ctx, full, pendingMarker, s.ttl).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	stored, err := s.client.Get(ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; try once more.
		return s.Begin(ctx, module, key)
	}
	if err != nil {
		return nil, err
	}
	if string(stored) == pendingMarker {
		return nil, ErrIdempotencyConflict
	}
	return stored, nil
}

// Complete stores the response for a reserved key.
func (s *IdempotencyStore) Complete(ctx context.Context, module, key string, response []byte) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Set(ctx, idempotencyKey(module, key), response, s.ttl).Err()
}

// Release removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Release(ctx context.Context, module, key string) error {
	if s == nil || s.client == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	return s.client.Del(ctx, idempotencyKey(module, key)).Err()
}
