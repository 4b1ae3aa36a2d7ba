package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dskow/guardpost/internal/metrics"
)

// incrementAndTrip runs the counter advance and the threshold-triggered
// state write as one server-side step. The counter clamps at the
// threshold so concurrent callers cannot push it past it.
var incrementAndTripScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
local threshold = tonumber(ARGV[1])
if n < threshold then
  n = redis.call('INCR', KEYS[1])
  if n >= threshold then
    if tonumber(ARGV[3]) > 0 then
      redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
    else
      redis.call('SET', KEYS[2], ARGV[2])
    end
  end
end
return n
`)

// RedisStore implements Store on a Redis connection. Atomic operations
// map to single commands or server-side scripts so their guarantees
// hold across processes.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// DialRedis connects to the Redis instance named by a redis:// URL and
// verifies the connection with a PING before returning. opTimeout, when
// positive, bounds every subsequent store operation.
func DialRedis(connectionString string, dialTimeout, opTimeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parsing store connection string: %w", err)
	}
	if dialTimeout > 0 {
		opts.DialTimeout = dialTimeout
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), client.Options().DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}
	return &RedisStore{client: client, opTimeout: opTimeout}, nil
}

// NewRedisStore wraps an existing client, for callers that manage their
// own connection options.
func NewRedisStore(client *redis.Client, opTimeout time.Duration) *RedisStore {
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies the connection is still serving commands.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// op bounds a single store operation with the configured timeout.
func (s *RedisStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Get returns the value at key, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("get").Inc()
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("store get %s: %w", key, err)
	}
	return val, nil
}

// Set writes value at key. A ttl <= 0 means the key never expires.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("set").Inc()
	if err := s.client.Set(ctx, key, value, normalizeTTL(ttl)).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("store set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("remove").Inc()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("remove").Inc()
		return fmt.Errorf("store remove %s: %w", key, err)
	}
	return nil
}

// Refresh resets the remaining lifetime of an existing key.
func (s *RedisStore) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: refresh ttl must be positive, got %v", ttl)
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("refresh").Inc()
	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("refresh").Inc()
		return fmt.Errorf("store refresh %s: %w", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// SetIfExists writes value at key only when the key is already present.
// KEEPTTL preserves the key's remaining lifetime.
func (s *RedisStore) SetIfExists(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("set_if_exists").Inc()
	ok, err := s.client.SetXX(ctx, key, value, redis.KeepTTL).Result()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("set_if_exists").Inc()
		return false, fmt.Errorf("store conditional set %s: %w", key, err)
	}
	return ok, nil
}

// IncrementAndTrip advances the counter at counterKey, clamping at
// threshold, and writes openValue at stateKey in the same scripted step
// when the advanced value reaches threshold.
func (s *RedisStore) IncrementAndTrip(ctx context.Context, counterKey string, threshold int64, stateKey string, openValue []byte, stateTTL time.Duration) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("increment_and_trip").Inc()
	n, err := incrementAndTripScript.Run(ctx, s.client,
		[]string{counterKey, stateKey},
		threshold, openValue, normalizeTTL(stateTTL).Milliseconds(),
	).Int64()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("increment_and_trip").Inc()
		return 0, fmt.Errorf("store increment %s: %w", counterKey, err)
	}
	return n, nil
}

// AcquireLease claims key for ttl when nobody else holds it.
func (s *RedisStore) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("acquire_lease").Inc()
	ok, err := s.client.SetNX(ctx, key, "1", normalizeTTL(ttl)).Result()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("acquire_lease").Inc()
		return false, fmt.Errorf("store lease %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLease gives up key before its ttl runs out.
func (s *RedisStore) ReleaseLease(ctx context.Context, key string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("release_lease").Inc()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("release_lease").Inc()
		return fmt.Errorf("store lease release %s: %w", key, err)
	}
	return nil
}

// Version returns the current version of key, 0 when never bumped.
func (s *RedisStore) Version(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("version").Inc()
	v, err := s.client.Get(ctx, versionKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("version").Inc()
		return 0, fmt.Errorf("store version %s: %w", key, err)
	}
	return v, nil
}

// IncrementVersion bumps and returns the version of key.
func (s *RedisStore) IncrementVersion(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	metrics.StoreOps.WithLabelValues("increment_version").Inc()
	v, err := s.client.Incr(ctx, versionKey(key)).Result()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("increment_version").Inc()
		return 0, fmt.Errorf("store version bump %s: %w", key, err)
	}
	return v, nil
}
