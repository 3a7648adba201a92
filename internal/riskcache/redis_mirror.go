package riskcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisMirrored wraps a process-local Cache with a Redis-backed backstop:
// reads check the local map first, then Redis on miss; writes update both.
// This survives process restarts, which a pure in-memory cache cannot.
type redisMirrored struct {
	local Cache
	rdb   *redis.Client
	ttl   time.Duration
	keyfn func(signature string) string
}

// NewRedisMirrored wraps local with a Redis mirror under the given TTL.
func NewRedisMirrored(local Cache, rdb *redis.Client, ttl time.Duration) Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisMirrored{local: local, rdb: rdb, ttl: ttl, keyfn: func(sig string) string { return "riskcache:" + sig }}
}

func (c *redisMirrored) Read(ctx context.Context, signature string) (Result, bool) {
	if r, ok := c.local.Read(ctx, signature); ok {
		return r, true
	}
	raw, err := c.rdb.Get(ctx, c.keyfn(signature)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("riskcache: redis read failed")
		}
		return nil, false
	}
	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		log.Warn().Err(err).Msg("riskcache: redis payload decode failed")
		return nil, false
	}
	c.local.Store(ctx, signature, result)
	return result, true
}

func (c *redisMirrored) Store(ctx context.Context, signature string, result Result) {
	c.local.Store(ctx, signature, result)
	b, err := json.Marshal(result)
	if err != nil {
		log.Warn().Err(err).Msg("riskcache: redis payload encode failed")
		return
	}
	if err := c.rdb.Set(ctx, c.keyfn(signature), b, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("riskcache: redis write failed")
	}
}
