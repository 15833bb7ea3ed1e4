package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRevocationPrefix = "docqa:revoked:"
	revokerTimeout          = 3 * time.Second
)

// TokenRevoker records session token IDs (jti) that were logged out before
// they expired.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryTokenRevoker keeps revocations in process; for tests and
// single-instance deployments.
type MemoryTokenRevoker struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (r *MemoryTokenRevoker) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	// expired entries are only dropped on lookup otherwise
	for id, expiry := range r.tokens {
		if now.After(expiry) {
			delete(r.tokens, id)
		}
	}
	r.tokens[tokenID] = now.Add(ttl)
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[tokenID]
	if !ok {
		return false, nil
	}
	if r.now().After(expiry) {
		delete(r.tokens, tokenID)
		return false, nil
	}
	return true, nil
}

// RedisTokenRevoker stores one key per revoked token, expiring with it, so
// revocations are shared by every API instance.
type RedisTokenRevoker struct {
	client *redis.Client
	prefix string
}

func NewRedisTokenRevoker(addr, password string) *RedisTokenRevoker {
	return &RedisTokenRevoker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: defaultRevocationPrefix,
	}
}

func (r *RedisTokenRevoker) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, revokerTimeout)
	defer cancel()
	return r.client.Set(ctx, r.prefix+tokenID, "1", ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, revokerTimeout)
	defer cancel()
	n, err := r.client.Exists(ctx, r.prefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close releases the Redis connection pool.
func (r *RedisTokenRevoker) Close() error {
	return r.client.Close()
}
