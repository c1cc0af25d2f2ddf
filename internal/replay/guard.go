// Package replay remembers verified delivery ids for the signature tolerance
// window so a captured delivery cannot be applied twice.
package replay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/idot-digital/usersync/internal/signature"
)

const keyPrefix = "usersync:delivery:"

// DefaultTTL covers a delivery's whole validity window: twice the signature
// tolerance. It replaces a non-positive ttl, which would never expire.
const DefaultTTL = 2 * signature.DefaultTolerance

type Guard interface {
	// Claim records id and reports true the first time it is seen within ttl.
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so a retried delivery is processed again.
	Release(ctx context.Context, id string) error
}

type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard connects to redisURL and verifies the connection.
func NewRedisGuard(ctx context.Context, redisURL string, ttl time.Duration) (*RedisGuard, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisGuardWithClient(client, ttl), nil
}

func NewRedisGuardWithClient(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) Claim(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("delivery id is required")
	}
	ok, err := g.client.SetNX(ctx, keyPrefix+id, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim delivery %s: %w", id, err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, id string) error {
	if err := g.client.Del(ctx, keyPrefix+strings.TrimSpace(id)).Err(); err != nil {
		return fmt.Errorf("release delivery %s: %w", id, err)
	}
	return nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// MemoryGuard is a single-process Guard.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("delivery id is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for key, expires := range g.seen {
		if !now.Before(expires) {
			delete(g.seen, key)
		}
	}
	if _, exists := g.seen[id]; exists {
		return false, nil
	}
	g.seen[id] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, strings.TrimSpace(id))
	return nil
}
