package cache

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL — потокобезопасный in-process кэш с TTL на запись. Живёт в рамках
// одного экземпляра процесса и не разделяется между воркерами.
type TTL[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]ttlEntry[V]
}

// NewTTL создаёт пустой кэш.
func NewTTL[K comparable, V any]() *TTL[K, V] {
	return &TTL[K, V]{items: make(map[K]ttlEntry[V])}
}

// Get возвращает значение, если оно есть и не истекло.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set сохраняет значение с указанным TTL. Нулевой TTL означает «без истечения».
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = ttlEntry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Delete удаляет запись.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}
