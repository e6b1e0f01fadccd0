// Package dedup implements C2: the Dedup Cache that absorbs client
// retries (spec.md §4.2). The cache is a best-effort optimization - the
// authoritative guarantee of I2 comes from the unique constraint on
// messages(channelId, clientMsgId), enforced by internal/store.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result is what a dedup hit resolves to: the message and seq already
// assigned to this clientMsgId.
type Result struct {
	MsgID uuid.UUID
	SeqID int64
}

// Cache is a two-tier lookaside: a small in-process LRU absorbs the hot
// path (the same client retrying within milliseconds), backed by a
// shared Redis TTL cache so a retry landing on a different gateway
// process in the fleet still hits.
type Cache struct {
	local *lru.Cache
	rdb   *redis.Client
	ttl   time.Duration
}

func New(rdb *redis.Client, ttl time.Duration, localSize int) (*Cache, error) {
	if localSize <= 0 {
		localSize = 4096
	}
	local, err := lru.New(localSize)
	if err != nil {
		return nil, fmt.Errorf("create local dedup lru: %w", err)
	}
	return &Cache{local: local, rdb: rdb, ttl: ttl}, nil
}

func key(channelID, clientMsgID uuid.UUID) string {
	return "dedup:" + channelID.String() + ":" + clientMsgID.String()
}

// Check returns a Result if clientMsgID was already recorded, or nil on
// a miss. A miss is not proof the message is new - the caller still
// falls through to the database's unique constraint (spec.md §4.2).
func (c *Cache) Check(ctx context.Context, channelID, clientMsgID uuid.UUID) (*Result, error) {
	k := key(channelID, clientMsgID)

	if v, ok := c.local.Get(k); ok {
		r := v.(Result)
		return &r, nil
	}

	raw, err := c.rdb.Get(ctx, k).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		// Redis is an optimization here; treat failures as a cache
		// miss rather than surfacing them to the caller.
		return nil, nil
	}

	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, nil
	}
	c.local.Add(k, r)
	return &r, nil
}

// Record stores the mapping so future retries (on any gateway process)
// resolve without touching the database.
func (c *Cache) Record(ctx context.Context, channelID, clientMsgID uuid.UUID, result Result) {
	k := key(channelID, clientMsgID)
	c.local.Add(k, result)

	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, k, raw, c.ttl).Err()
}
