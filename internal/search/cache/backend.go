package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	pkgredis "github.com/chaos-browser/sitesearch/pkg/redis"
	"github.com/chaos-browser/sitesearch/pkg/resilience"
)

// Backend stores encoded result sets. Get reports found=false for a miss.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Flush(ctx context.Context) (int64, error)
	Name() string
}

// LRUBackend keeps entries in process memory.
type LRUBackend struct {
	entries *lru.Cache[string, []byte]
}

func NewLRUBackend(size int) (*LRUBackend, error) {
	if size <= 0 {
		size = 1024
	}
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("creating lru cache: %w", err)
	}
	return &LRUBackend{entries: entries}, nil
}

func (b *LRUBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := b.entries.Get(key)
	return v, ok, nil
}

func (b *LRUBackend) Set(_ context.Context, key string, value []byte) error {
	b.entries.Add(key, value)
	return nil
}

func (b *LRUBackend) Flush(context.Context) (int64, error) {
	n := int64(b.entries.Len())
	b.entries.Purge()
	return n, nil
}

func (b *LRUBackend) Name() string { return "lru" }

// RedisBackend shares entries between searcher replicas. Calls go through a
// circuit breaker so a sick Redis degrades to cache misses quickly.
type RedisBackend struct {
	client  *pkgredis.Client
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
}

func NewRedisBackend(client *pkgredis.Client, ttl time.Duration, breaker *resilience.CircuitBreaker) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl, breaker: breaker}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	found := true
	err := b.breaker.Execute(func() error {
		v, err := b.client.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			found = false
			return nil
		}
		value = v
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	return b.breaker.Execute(func() error {
		return b.client.Set(ctx, key, value, b.ttl)
	})
}

func (b *RedisBackend) Flush(ctx context.Context) (int64, error) {
	var n int64
	err := b.breaker.Execute(func() error {
		var err error
		n, err = b.client.DeletePrefix(ctx, keyPrefix)
		return err
	})
	return n, err
}

func (b *RedisBackend) Name() string { return "redis" }
