package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const defaultL1TTL = 5 * time.Minute

// New creates a cache from configuration: a local LRU for "memory",
// Redis for "redis", layered under a local LRU when two-phase caching is
// enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// Invalidator is a shared cache that can broadcast key invalidations to
// every process holding a local copy.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, key string) error
	Invalidations(ctx context.Context) (<-chan string, error)
}

// TwoPhaseCache keeps a short-lived local copy (L1) of a shared cache
// (L2). When L2 is an Invalidator, deletes are broadcast so that other
// processes drop their L1 copy too; a whitelist change made through one
// API instance is then visible to all of them.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
	stop   context.CancelFunc
	done   chan struct{}
}

// NewTwoPhaseCache layers a local LRU over a shared cache.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = defaultL1TTL
	}
	c := &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}

	inv, ok := remote.(Invalidator)
	if !ok {
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	keys, err := inv.Invalidations(ctx)
	if err != nil {
		cancel()
		slog.Warn("cache invalidation feed unavailable, L1 entries expire by TTL only", "error", err)
		return c
	}
	c.stop = cancel
	c.done = make(chan struct{})
	go c.listen(ctx, keys)
	return c
}

func (c *TwoPhaseCache) listen(ctx context.Context, keys <-chan string) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-keys:
			if !ok {
				return
			}
			_ = c.local.Delete(ctx, key)
			slog.Debug("cache entry invalidated", "key", key)
		}
	}
}

// Get reads L1, then L2, copying an L2 hit into L1.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, _ := c.local.Get(ctx, key); val != nil {
		return val, nil
	}

	val, err := c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes L2 first, then L1 with the shorter of the two TTLs.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, key, value, min(ttl, c.l1TTL))
}

// Delete removes the key from both tiers and notifies other processes.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	if err := c.remote.Delete(ctx, key); err != nil {
		return err
	}
	if inv, ok := c.remote.(Invalidator); ok {
		if err := inv.PublishInvalidation(ctx, key); err != nil {
			return fmt.Errorf("failed to broadcast invalidation: %w", err)
		}
	}
	return nil
}

// Ping checks L2; L1 is always available.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close stops the invalidation listener and closes both tiers.
func (c *TwoPhaseCache) Close() error {
	if c.stop != nil {
		c.stop()
		<-c.done
	}
	_ = c.local.Close()
	return c.remote.Close()
}

func observe(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	metrics.CacheRequestsTotal.WithLabelValues(tier, result).Inc()
}
