package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"consolidated_book/internal/orderbook"
)

// ErrNoSnapshot is returned by Latest when nothing is cached for the symbol.
var ErrNoSnapshot = errors.New("no cached snapshot")

type redisStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// Cache keeps the latest consolidated snapshot of each symbol under
// latest:book:<symbol>, expiring after ttl so a stopped process leaves no
// stale books behind.
type Cache struct {
	store  redisStore
	ttl    time.Duration
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*orderbook.Subscription
}

// DialCache connects and pings Redis. Callers are expected to run without
// the cache when it fails.
func DialCache(ctx context.Context, addr, password string, db int, ttl time.Duration, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return newCache(client, ttl, logger.With().Str("component", "redis").Logger()), nil
}

func newCache(store redisStore, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Cache{store: store, ttl: ttl, logger: logger}
}

func cacheKey(symbol string) string { return "latest:book:" + symbol }

func (c *Cache) Start(src Subscriber, symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, symbol := range symbols {
		symbol := symbol
		c.subs = append(c.subs, src.Subscribe(symbol, func(rows []orderbook.Row) {
			c.put(symbol, rows)
		}))
	}
	c.logger.Info().Strs("symbols", symbols).Dur("ttl", c.ttl).Msg("snapshot caching started")
}

func (c *Cache) put(symbol string, rows []orderbook.Row) {
	data, err := json.Marshal(Snapshot{Symbol: symbol, Timestamp: time.Now().UnixMilli(), Data: rows})
	if err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("marshal snapshot")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.store.Set(ctx, cacheKey(symbol), data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("cache snapshot")
	}
}

// Latest returns the cached snapshot for symbol.
func (c *Cache) Latest(ctx context.Context, symbol string) (Snapshot, error) {
	var snap Snapshot
	raw, err := c.store.Get(ctx, cacheKey(symbol)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return snap, fmt.Errorf("%s: %w", symbol, ErrNoSnapshot)
		}
		return snap, fmt.Errorf("get snapshot %s: %w", symbol, err)
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return snap, fmt.Errorf("unmarshal snapshot %s: %w", symbol, err)
	}
	return snap, nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return c.store.Close()
}
