package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// NonceStore claims nonces so each is used at most once per purpose.
type NonceStore interface {
	// Claim reserves key for ttl. It reports false when key is already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// NonceKey builds the replay-cache key for a nonce used for purpose.
func NonceKey(purpose string, signer, contract common.Address, nonce [32]byte) string {
	return strings.Join([]string{
		"x402", purpose,
		strings.ToLower(signer.Hex()),
		strings.ToLower(contract.Hex()),
		hexutil.Encode(nonce[:]),
	}, ":")
}

// LRUNonceStore keeps claimed nonces in a bounded in-process cache. Entries
// only need to outlive the freshness window, after which an authorization is
// rejected as stale anyway.
type LRUNonceStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	now   func() time.Time
}

// NewLRUNonceStore creates an in-process nonce store holding up to size keys.
func NewLRUNonceStore(size int) (*LRUNonceStore, error) {
	if size <= 0 {
		size = 100000
	}
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("create nonce cache: %w", err)
	}
	return &LRUNonceStore{cache: cache, now: time.Now}, nil
}

func (s *LRUNonceStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.cache.Get(key); ok {
		if ttl <= 0 || now.Before(expiry) {
			return false, nil
		}
	}
	s.cache.Add(key, now.Add(ttl))
	return true, nil
}

// RedisNonceStore shares claimed nonces between orchestrator replicas.
type RedisNonceStore struct {
	client *redis.Client
}

// NewRedisNonceStore connects to the Redis instance at url.
func NewRedisNonceStore(ctx context.Context, url string) (*RedisNonceStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisNonceStore{client: client}, nil
}

func (s *RedisNonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}

// Close releases the Redis connection pool.
func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}
