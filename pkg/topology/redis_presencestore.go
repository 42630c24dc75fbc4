package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the Redis connection settings shared by the registry
// store, the notifier and the Redis topology source.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces registry keys and topology channels.
	KeyPrefix string
	// TTL expires registrations that are not refreshed.
	TTL time.Duration
}

// NewRedisDefaults provides a config with defaults, overridable by REDIS_ADDR,
// REDIS_PASSWORD and REDIS_DB.
func NewRedisDefaults() *RedisConfig {
	cfg := &RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "intersection",
		TTL:       30 * time.Second,
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if val, err := strconv.Atoi(db); err == nil {
			cfg.DB = val
		}
	}
	return cfg
}

// NewRedisClient connects to Redis and pings it before returning.
func NewRedisClient(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return rdb, nil
}

// RedisPresenceStore is a distributed PresenceStore. Values are stored as JSON
// under "<prefix>:presence:<key>" with a TTL.
type RedisPresenceStore[K comparable, V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisPresenceStore creates a store on an existing client. The client is
// not closed by the store.
func NewRedisPresenceStore[K comparable, V any](
	client *redis.Client,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisPresenceStore[K, V], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &RedisPresenceStore[K, V]{
		client: client,
		prefix: cfg.KeyPrefix + ":presence:",
		ttl:    cfg.TTL,
		logger: logger.With().Str("component", "RedisPresenceStore").Logger(),
	}, nil
}

func (s *RedisPresenceStore[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", s.prefix, key)
}

// Set marshals the value to JSON and stores it with the configured TTL.
func (s *RedisPresenceStore[K, V]) Set(ctx context.Context, key K, value V) error {
	k := s.key(key)
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal presence data for key %s: %w", k, err)
	}
	if err := s.client.Set(ctx, k, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence in redis for key %s: %w", k, err)
	}
	return nil
}

// Fetch retrieves and unmarshals a value.
func (s *RedisPresenceStore[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	k := s.key(key)
	raw, err := s.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: %v", ErrNotFound, key)
		}
		return zero, fmt.Errorf("redis get failed for key %s: %w", k, err)
	}
	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal presence data for key %s: %w", k, err)
	}
	return value, nil
}

// Delete removes a key.
func (s *RedisPresenceStore[K, V]) Delete(ctx context.Context, key K) error {
	k := s.key(key)
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", k, err)
	}
	return nil
}

// List scans the store's key space. Keys that expire mid-scan are skipped.
func (s *RedisPresenceStore[K, V]) List(ctx context.Context) ([]V, error) {
	var out []V
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get failed for key %s: %w", iter.Val(), err)
		}
		var value V
		if err := json.Unmarshal(raw, &value); err != nil {
			s.logger.Warn().Err(err).Str("key", iter.Val()).Msg("Skipping undecodable presence entry.")
			continue
		}
		out = append(out, value)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return out, nil
}

// Close is a no-op; the client's lifecycle is managed by the caller.
func (s *RedisPresenceStore[K, V]) Close() error {
	return nil
}
