// Package redis provides the shared Redis client factory. Redis carries the
// auth hot path (live verification codes, rate-limit counters, the JTI
// blacklist), so the client keeps warm connections and honors per-request
// deadlines.
package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultMinIdleConns keeps a few connections warm so a verification burst
// does not pay dial latency on the first commands.
const defaultMinIdleConns = 2

// Cmdable is a type alias for redis.Cmdable. Adapters accept this interface
// instead of importing go-redis directly, keeping the library confined to
// internal/redis/ per depguard rules.
type Cmdable = redis.Cmdable

// Config holds the parameters needed to connect to a Redis instance.
type Config struct {
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// PoolSize bounds concurrent connections. Zero keeps the go-redis
	// default (10 per CPU), plenty for the limiter's short commands.
	PoolSize int

	// MinIdleConns keeps warm connections ready. Zero means
	// defaultMinIdleConns.
	MinIdleConns int
}

// Client wraps a go-redis client. The RDB field satisfies the Cmdable
// interface and is the handle adapters use for Redis operations.
type Client struct {
	RDB *redis.Client
}

// NewClient creates a new Redis client configured from cfg. Context
// deadlines on individual commands take precedence over the configured
// read/write timeouts, so a flow's budget bounds its Redis calls too.
func NewClient(cfg Config) *Client {
	minIdle := cfg.MinIdleConns
	if minIdle == 0 {
		minIdle = defaultMinIdleConns
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		PoolSize:              cfg.PoolSize,
		MinIdleConns:          minIdle,
		ContextTimeoutEnabled: true,
	})

	return &Client{RDB: rdb}
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.RDB.Close()
}
