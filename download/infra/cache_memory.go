package infra

import (
	"context"
	"sync"
	"time"

	"download-gateway/download/domain"
)

// MemoryCache é um cache best-effort em processo.
//
// Não implementa domain.AtomicCache: com ele o limiter usa buckets
// explícitos e a fila grava direto no armazenamento durável.
// Adequado para uma instância só.
type MemoryCache struct {
	mu           sync.Mutex
	entries      map[string]memoryEntry
	cleanupEvery time.Duration
	now          func() time.Time
}

type memoryEntry struct {
	val []byte
	exp time.Time
}

type MemoryCacheOption func(*MemoryCache)

func WithMemoryClock(now func() time.Time) MemoryCacheOption {
	return func(c *MemoryCache) { c.now = now }
}

func WithMemoryCleanupEvery(d time.Duration) MemoryCacheOption {
	return func(c *MemoryCache) { c.cleanupEvery = d }
}

func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		entries:      make(map[string]memoryEntry),
		cleanupEvery: time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return append([]byte(nil), e.val...), nil
}

// Set grava value; ttl <= 0 significa sem expiração.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{val: append([]byte(nil), value...)}
	if ttl > 0 {
		e.exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *MemoryCache) Take(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	delete(c.entries, key)
	return e.val, nil
}

// Len devolve o número de entradas (inclusive expiradas ainda não limpas).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup remove as entradas expiradas.
func (c *MemoryCache) Cleanup() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if !e.exp.IsZero() && !now.Before(e.exp) {
			delete(c.entries, k)
		}
	}
}

// StartJanitor limpa expirados periodicamente até ctx encerrar.
func (c *MemoryCache) StartJanitor(ctx context.Context) {
	startJanitor(ctx, c.cleanupEvery, c.Cleanup)
}

// live deve ser chamado com mu travado.
func (c *MemoryCache) live(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.exp.IsZero() && !c.now().Before(e.exp) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}
