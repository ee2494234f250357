package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheContended is returned when Put keeps losing its WATCH race.
var ErrCacheContended = errors.New("status cache: too many concurrent writers")

const putAttempts = 5

// StatusCache stores the small JSON status document served by
// GET /orders/{id}/status. Misses and Redis errors are both reported as
// found=false; the database stays the source of truth.
//
// Writers may arrive out of order (API instances and the projector), so a
// document only replaces one that is not newer than itself.
type StatusCache struct {
	RDB *redis.Client
	TTL time.Duration
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{RDB: rdb, TTL: TTLStatusCache}
}

func statusKey(orderID string) string { return fmt.Sprintf(KeyOrderStatus, orderID) }

func (c *StatusCache) Get(ctx context.Context, orderID string) (StatusDoc, bool) {
	b, err := c.RDB.Get(ctx, statusKey(orderID)).Bytes()
	if err != nil || len(b) == 0 {
		return StatusDoc{}, false
	}
	var doc StatusDoc
	if json.Unmarshal(b, &doc) != nil {
		return StatusDoc{}, false
	}
	return doc, true
}

// Put writes doc unless the cached document is newer. Compare and write run
// under WATCH so a concurrent writer forces a retry instead of a lost update.
func (c *StatusCache) Put(ctx context.Context, doc StatusDoc) (bool, error) {
	key := statusKey(doc.OrderID)
	var written bool
	txf := func(tx *redis.Tx) error {
		written = false
		b, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var cur StatusDoc
			if json.Unmarshal(b, &cur) == nil && !doc.Supersedes(cur) {
				return nil
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, doc.Marshal(), c.TTL)
			return nil
		})
		written = err == nil
		return err
	}

	for i := 0; i < putAttempts; i++ {
		err := c.RDB.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return written, err
	}
	return false, ErrCacheContended
}

// Dedup marks event ids as processed per consumer service.
type Dedup struct {
	RDB     *redis.Client
	Service string
}

// FirstSeen atomically claims id; false means it was already processed.
func (d *Dedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := d.RDB.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, id), "1", TTLDedup).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return ok, err
}

// Forget releases a claim so a failed event can be retried.
func (d *Dedup) Forget(ctx context.Context, id string) error {
	return d.RDB.Del(ctx, fmt.Sprintf(KeyDedup, d.Service, id)).Err()
}

// StatusDoc is the cached document shape. A deleted order is kept as a
// tombstone until the TTL expires so late writers cannot resurrect it.
type StatusDoc struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Supersedes reports whether d may replace cur. Equal timestamps replace, a
// tombstone is never replaced by a live document of the same instant.
func (d StatusDoc) Supersedes(cur StatusDoc) bool {
	if cur.UpdatedAt.After(d.UpdatedAt) {
		return false
	}
	if cur.Deleted && !d.Deleted && cur.UpdatedAt.Equal(d.UpdatedAt) {
		return false
	}
	return true
}

func (d StatusDoc) Marshal() []byte {
	b, _ := json.Marshal(d)
	return b
}
