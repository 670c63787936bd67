// Package redis implements the idempotency cache on Redis for multi-node
// deployments. First-writer-wins is delegated to SET NX: the one writer whose
// SET succeeds owns the key, every other writer gets ErrIdempotencyConflict
// and falls back to reading the winner's record. An optional TTL implements
// the retention window; expiry policy beyond that lives outside this core.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/store"
)

// Idempotency implements store.IdempotencyStore on Redis.
type Idempotency struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewIdempotency creates a Redis-backed idempotency cache. ttl <= 0 stores
// records without expiry.
func NewIdempotency(client *goredis.Client, ttl time.Duration) *Idempotency {
	return &Idempotency{client: client, ttl: ttl}
}

var _ store.IdempotencyStore = (*Idempotency)(nil)

// recordKey builds the Redis key for a (user, key) pair. The user id is
// length-prefixed so distinct pairs can never collide on concatenation.
func recordKey(userID, key string) string {
	return fmt.Sprintf("idem:%d:%s:%s", len(userID), userID, key)
}

// Get returns the stored record, or (nil, nil) when the pair is unseen.
func (c *Idempotency) Get(ctx context.Context, userID, key string) (*models.IdempotencyRecord, error) {
	raw, err := c.client.Get(ctx, recordKey(userID, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}

	var rec models.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}

// Put stores the record unless the pair is already claimed.
func (c *Idempotency) Put(ctx context.Context, rec *models.IdempotencyRecord) error {
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	ok, err := c.client.SetNX(ctx, recordKey(rec.UserID, rec.Key), raw, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	if !ok {
		return store.ErrIdempotencyConflict
	}
	return nil
}
