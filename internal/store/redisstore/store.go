package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithTTLScript bumps a counter and arms its expiry on the first hit,
// in one atomic round trip, then reports the remaining ttl in seconds.
var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return {c, redis.call("TTL", KEYS[1])}
`)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// IncrWithExpire increments key and returns the new count together with the
// key's remaining ttl. ttl is <= 0 when the store could not report one.
func (s *Store) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	vals, err := incrWithTTLScript.Run(ctx, s.rdb, []string{key}, secs).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("incr script: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("incr script: unexpected reply len %d", len(vals))
	}
	return vals[0], time.Duration(vals[1]) * time.Second, nil
}
