package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// redisCache is the shared-across-replicas counterpart to lruCache: when
// the orchestrator runs as more than one process, a result cached by the
// replica that dispatched a job should still be served by the replica
// that later polls for it.
type redisCache struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache dials addr and verifies connectivity before returning, the
// same fail-fast behavior as the teacher's redis client constructors.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*redisCache, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("resultstore: redis ping: %w", err)
	}

	return &redisCache{rdb: rdb, prefix: "orchestrator:result:", ttl: ttl}, nil
}

func (c *redisCache) get(ctx context.Context, key string) (record, bool) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return record{}, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, false
	}
	return rec, true
}

func (c *redisCache) put(ctx context.Context, key string, rec record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	// Best-effort: a failed cache write falls back to the persistent
	// store on the next read, it does not fail the overall Put.
	_ = c.rdb.Set(ctx, c.prefix+key, raw, c.ttl).Err()
}

func (c *redisCache) Close() error {
	return c.rdb.Close()
}
