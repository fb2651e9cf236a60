package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keepchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client is an optional cache. A nil *Client behaves like an empty cache:
// reads miss and writes are dropped, so callers never branch on whether
// redis is configured.
type Client struct {
	inner  *redis.Client
	prefix string
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

const defaultPrefix = "keepchat:"

// NewRedisClient connects using cfg.Redis. It returns (nil, nil) when redis is disabled.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{inner: client, prefix: defaultPrefix}, nil
}

// Enabled reports whether the client is backed by a live connection.
func (c *Client) Enabled() bool {
	return c != nil && c.inner != nil
}

// Key namespaces a cache key.
func (c *Client) Key(parts ...string) string {
	key := defaultPrefix
	if c != nil && c.prefix != "" {
		key = c.prefix
	}
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

// Set stores a key with TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// Get fetches the key as string.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if !c.Enabled() {
		return "", ErrCacheMiss
	}
	return c.inner.Get(ctx, key).Result()
}

// SetJSON stores v encoded as JSON.
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.inner.Set(ctx, key, data, ttl).Err()
}

// GetJSON decodes the cached JSON value into v. Misses return ErrCacheMiss.
func (c *Client) GetJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode cache value: %w", err)
	}
	return nil
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if !c.Enabled() || len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Close closes client.
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
