package ratelimit

import (
	"context"
	"sync"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the memory budget for the local counter cache (64 MiB).
const defaultMaxCost = 64 << 20

// counterCost is the approximate memory footprint of a single counter entry.
// Used as the cost parameter so ristretto can manage eviction by real memory
// rather than an arbitrary key count.
var counterCost = int64(unsafe.Sizeof(counter{}))

// LocalBackend keeps fixed-window counters in process memory.
//
// IMPORTANT: counters are NOT shared across instances. With multiple
// replicas the effective budget is per-instance, not per-cluster; use the
// Redis backend when global consistency matters.
//
// Ristretto handles concurrency, TTL-based expiry, and admission/eviction
// (TinyLFU policy) within the configured memory budget. Counter state is
// stored per key with a per-counter mutex so hot paths only contend on the
// individual identity, not a global lock.
type LocalBackend struct {
	cache *ristretto.Cache[string, *counter]
}

type counter struct {
	mu     sync.Mutex
	window int64
	count  int64
}

// NewLocalBackend creates an in-memory counter store backed by ristretto.
func NewLocalBackend() *LocalBackend {
	// NumCounters should be ~10x the expected max items so the frequency
	// sketch stays accurate.
	estimatedItems := defaultMaxCost / counterCost
	numCounters := estimatedItems * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, *counter]{
		NumCounters: numCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &LocalBackend{cache: cache}
}

// IncrementAndCheck implements Backend. A counter left over from an earlier
// window is reset in place rather than evicted, so window rollover costs
// nothing extra.
func (b *LocalBackend) IncrementAndCheck(_ context.Context, identity string, window Window) (int64, error) {
	c, found := b.cache.Get(identity)
	if !found {
		c = &counter{window: window.Index}
		// TTL covers two windows so a counter survives into the rollover
		// check instead of expiring mid-window.
		b.cache.SetWithTTL(identity, c, counterCost, 2*window.Length)
		// Wait ensures the counter is visible to subsequent Gets. This only
		// blocks on the first request for an identity; the hot path (cache
		// hit) has zero extra cost.
		b.cache.Wait()
		if stored, ok := b.cache.Get(identity); ok {
			c = stored
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.window != window.Index {
		c.window = window.Index
		c.count = 0
	}
	c.count++
	return c.count, nil
}

// Ping implements Backend. The local store has no failure mode.
func (b *LocalBackend) Ping(_ context.Context) error { return nil }

// Close implements Backend. Safe to call multiple times.
func (b *LocalBackend) Close() error {
	if b.cache != nil {
		b.cache.Close()
	}
	return nil
}

var (
	_ Backend = (*LocalBackend)(nil)
	_ Backend = (*RemoteBackend)(nil)
)
