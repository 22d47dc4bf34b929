// Package history keeps a bounded per-source trail of recent fused
// verdicts for the query surface. Redis backs the production path; an
// in-memory ring serves tests and single-node deployments.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/ml"
)

// History stores recent verdicts per source identity, newest first.
type History interface {
	Append(ctx context.Context, v *ml.FusedVerdict) error
	Recent(ctx context.Context, identity string, limit int) ([]ml.FusedVerdict, error)
}

// RedisHistory keeps the last maxPerKey verdicts per identity in a Redis
// list, expiring idle keys after the TTL.
type RedisHistory struct {
	client    *redis.Client
	keyPrefix string
	maxPerKey int64
	ttl       time.Duration
}

func NewRedisHistory(client *redis.Client, keyPrefix string, maxPerKey int, ttl time.Duration) *RedisHistory {
	if keyPrefix == "" {
		keyPrefix = "ddos:verdicts"
	}
	if maxPerKey <= 0 {
		maxPerKey = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisHistory{client: client, keyPrefix: keyPrefix, maxPerKey: int64(maxPerKey), ttl: ttl}
}

func (h *RedisHistory) key(identity string) string {
	return fmt.Sprintf("%s:%s", h.keyPrefix, identity)
}

func (h *RedisHistory) Append(ctx context.Context, v *ml.FusedVerdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("history: marshal verdict: %w", err)
	}
	key := h.key(v.Identity)
	pipe := h.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, h.maxPerKey-1)
	pipe.Expire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: append %s: %w", v.Identity, err)
	}
	return nil
}

func (h *RedisHistory) Recent(ctx context.Context, identity string, limit int) ([]ml.FusedVerdict, error) {
	if limit <= 0 || int64(limit) > h.maxPerKey {
		limit = int(h.maxPerKey)
	}
	raw, err := h.client.LRange(ctx, h.key(identity), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: lrange %s: %w", identity, err)
	}
	out := make([]ml.FusedVerdict, 0, len(raw))
	for _, item := range raw {
		var v ml.FusedVerdict
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			continue // skip entries written by an incompatible version
		}
		out = append(out, v)
	}
	return out, nil
}

// MemoryHistory is a per-identity ring buffer. Both the entries per
// identity and the number of identities are bounded; a new identity past
// the cap evicts the one not appended to for the longest.
type MemoryHistory struct {
	mu            sync.RWMutex
	maxPerKey     int
	maxIdentities int
	entries       map[string][]ml.FusedVerdict
	lastAppend    map[string]time.Time
}

func NewMemoryHistory(maxPerKey, maxIdentities int) *MemoryHistory {
	if maxPerKey <= 0 {
		maxPerKey = 100
	}
	if maxIdentities <= 0 {
		maxIdentities = 100000
	}
	return &MemoryHistory{
		maxPerKey:     maxPerKey,
		maxIdentities: maxIdentities,
		entries:       make(map[string][]ml.FusedVerdict),
		lastAppend:    make(map[string]time.Time),
	}
}

func (h *MemoryHistory) Append(_ context.Context, v *ml.FusedVerdict) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[v.Identity]; !ok && len(h.entries) >= h.maxIdentities {
		h.evictStalestLocked()
	}
	list := append([]ml.FusedVerdict{*v}, h.entries[v.Identity]...)
	if len(list) > h.maxPerKey {
		list = list[:h.maxPerKey]
	}
	h.entries[v.Identity] = list
	h.lastAppend[v.Identity] = time.Now()
	return nil
}

// evictStalestLocked removes the identity with the oldest append. Caller
// holds the write lock.
func (h *MemoryHistory) evictStalestLocked() {
	var victim string
	var oldest time.Time
	for id, ts := range h.lastAppend {
		if victim == "" || ts.Before(oldest) {
			victim, oldest = id, ts
		}
	}
	if victim != "" {
		delete(h.entries, victim)
		delete(h.lastAppend, victim)
	}
}

func (h *MemoryHistory) Recent(_ context.Context, identity string, limit int) ([]ml.FusedVerdict, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.entries[identity]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]ml.FusedVerdict, limit)
	copy(out, list[:limit])
	return out, nil
}
