package cache

import (
	"context"
	"time"

	"github.com/oriys/orbit/internal/metrics"
)

// TieredCache reads from a per-replica L1 before a shared L2 and populates
// L1 on L2 hits. Writes and deletes go to both layers. Cross-replica L1
// staleness is bounded by l1TTL and cut short by pushed invalidation.
type TieredCache struct {
	l1    Cache
	l2    Cache
	l1TTL time.Duration
}

// NewTieredCache creates a two-level cache. l1TTL defaults to 10s.
func NewTieredCache(l1, l2 Cache, l1TTL time.Duration) *TieredCache {
	if l1TTL <= 0 {
		l1TTL = 10 * time.Second
	}
	return &TieredCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := t.l1.Get(ctx, key); err == nil {
		metrics.RecordCacheLookup("l1", true)
		return val, nil
	}
	metrics.RecordCacheLookup("l1", false)

	val, err := t.l2.Get(ctx, key)
	metrics.RecordCacheLookup("l2", err == nil)
	if err != nil {
		return nil, err
	}
	_ = t.l1.Set(ctx, key, val, t.l1TTL)
	return val, nil
}

func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := t.l1TTL
	if ttl > 0 && ttl < l1TTL {
		l1TTL = ttl
	}
	_ = t.l1.Set(ctx, key, value, l1TTL)
	return t.l2.Set(ctx, key, value, ttl)
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	_ = t.l1.Delete(ctx, key)
	return t.l2.Delete(ctx, key)
}

// DeleteLocal evicts key from L1 only.
func (t *TieredCache) DeleteLocal(ctx context.Context, key string) error {
	return t.l1.Delete(ctx, key)
}

func (t *TieredCache) Ping(ctx context.Context) error {
	if err := t.l1.Ping(ctx); err != nil {
		return err
	}
	return t.l2.Ping(ctx)
}

func (t *TieredCache) Close() error {
	_ = t.l1.Close()
	return t.l2.Close()
}
