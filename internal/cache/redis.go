package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
)

// Client wraps the shared Redis connection used for both policy caching
// and rate-limit cells (§3's "shared key-value store").
type Client struct {
	client    *redis.Client
	ttl       time.Duration
	cfgSource config.Source
}

// New creates a new Redis client. cfgSource may be nil, in which case
// Set falls back to the default TTL captured from cfg at construction
// time rather than reading CACHE_TTL_POLICY live on every call.
func New(cfg *config.Config, cfgSource config.Source) (*Client, error) {
	opts := &redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
		DialTimeout:  cfg.RedisDialTimeout,
		ReadTimeout:  cfg.RedisReadTimeout,
	}

	if cfg.RedisUseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.RedisHost,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis connected", "addr", cfg.RedisAddr())

	return &Client{
		client:    client,
		ttl:       cfg.CacheTTLPolicy,
		cfgSource: cfgSource,
	}, nil
}

// policyTTL returns the live CACHE_TTL_POLICY when cfgSource is wired,
// falling back to the value captured at New time otherwise.
func (c *Client) policyTTL() time.Duration {
	if c.cfgSource == nil {
		return c.ttl
	}
	return c.cfgSource.Current().CacheTTLPolicy
}

// HealthCheck verifies Redis connectivity.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	slog.Info("Closing Redis connection")
	return c.client.Close()
}

// Get retrieves a value from cache. Returns redis.Nil (via errors.Is)
// when the key does not exist.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return c.client.Get(ctx, key).Bytes()
}

// Set stores a value in cache.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.policyTTL()
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key from cache.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// IsMiss reports whether err is the redis "key does not exist" sentinel.
func IsMiss(err error) bool {
	return err == redis.Nil
}

// Cache key shapes. Policy responses live under these; rate-limit
// cells live under ratelimit:<identifier-join> per spec.md §3/§4.3.
const (
	KeyPolicyGuardrail = "policy:guardrail"
	KeyPolicyAudit     = "policy:audit:%s" // formatted with "all": audit policies are cached as one map
	KeyRateLimitPrefix = "ratelimit:"
)

// invalidationChannel is the Redis Pub/Sub channel every instance
// publishes to and subscribes on for cross-instance cache coordination.
const invalidationChannel = "cache:invalidations"

// PubSub subscribes to the cache invalidation channel directly, for
// callers that want the raw *redis.PubSub. Most callers should use
// Subscribe instead.
func (c *Client) PubSub(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, invalidationChannel)
}

// InvalidationMessage represents a cache invalidation event: Type names
// the cache key family affected (e.g. "guardrail_policy", "audit_policy"),
// Source identifies the instance that published it.
type InvalidationMessage struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Source string `json:"source"`
}

// BroadcastInvalidation sends an invalidation message to all instances.
func (c *Client) BroadcastInvalidation(ctx context.Context, msg InvalidationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, invalidationChannel, data).Err()
}

// Subscribe runs handler for every invalidation message received on the
// shared channel until ctx is cancelled or the subscription breaks.
// Meant to run for the process lifetime in its own goroutine.
func (c *Client) Subscribe(ctx context.Context, handler func(InvalidationMessage)) error {
	sub := c.PubSub(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv InvalidationMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				slog.Warn("failed to decode cache invalidation message", "error", err)
				continue
			}
			handler(inv)
		}
	}
}

// RateLimitCellGet reads the raw cell bytes at key, if present.
func (c *Client) RateLimitCellGet(ctx context.Context, key string) ([]byte, error) {
	return c.client.Get(ctx, key).Bytes()
}

// RateLimitCellSet writes the raw cell bytes at key with the given TTL.
// This is a plain SET, not a CAS — the rate-limit validator's
// read-modify-write is deliberately non-atomic per spec.md §4.3; races
// under concurrent edges are tolerated, never strictly prevented here.
func (c *Client) RateLimitCellSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}
