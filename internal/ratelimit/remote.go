package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/civicarchive/civicarchive/internal/redis"
)

// fixedWindowLua atomically increments the window counter and sets its
// expiry on first increment. Returns the post-increment count.
//
// Keys: KEYS[1] = counter key.
// Args: ARGV[1] = window TTL in seconds.
const fixedWindowLua = `
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`

// fixedWindowScript uses go-redis to compute the SHA1 hash that Redis
// expects for EVALSHA, avoiding a direct crypto/sha1 import here.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// RemoteBackend keeps fixed-window counters in Redis so the budget is
// shared across instances. Counter keys are namespaced by prefix and window
// index; expiry makes stale windows self-cleaning.
type RemoteBackend struct {
	client    redis.Client
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	keyPrefix string
}

// NewRemoteBackend creates a Redis-backed counter store.
func NewRemoteBackend(client redis.Client, keyPrefix string, logger *slog.Logger) *RemoteBackend {
	return &RemoteBackend{
		client:    client,
		logger:    logger,
		src:       fixedWindowLua,
		hash:      fixedWindowScript.Hash(),
		keyPrefix: keyPrefix,
	}
}

// IncrementAndCheck implements Backend. Uses EVALSHA to execute the Lua
// script atomically, falling back to EVAL on NOSCRIPT to load the script.
func (b *RemoteBackend) IncrementAndCheck(ctx context.Context, identity string, window Window) (int64, error) {
	key := fmt.Sprintf("%s:%d:%s", b.keyPrefix, window.Index, identity)
	ttl := int64(window.Length.Seconds())
	if ttl < 1 {
		ttl = 1
	}

	cmd := b.client.EvalSha(ctx, b.hash, []string{key}, ttl)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		b.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", key, "error", cmd.Err())
		cmd = b.client.Eval(ctx, b.src, []string{key}, ttl)
	}
	if cmd.Err() != nil {
		return 0, cmd.Err()
	}

	count, err := toInt64(cmd.Val())
	if err != nil {
		return 0, fmt.Errorf("reading counter value: %w", err)
	}
	return count, nil
}

// Ping implements Backend.
func (b *RemoteBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements Backend.
func (b *RemoteBackend) Close() error {
	return b.client.Close()
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
