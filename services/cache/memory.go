package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryService implements CacheService in process memory. It is used when no
// memcache server is configured.
type MemoryService struct {
	items *gocache.Cache
}

// NewMemoryService creates an empty in-process cache
func NewMemoryService() *MemoryService {
	return &MemoryService{
		items: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// Get retrieves a value; expired values are misses
func (m *MemoryService) Get(key string) ([]byte, error) {
	value, ok := m.items.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return value.([]byte), nil
}

// Set stores a value; a zero expiration never expires
func (m *MemoryService) Set(key string, value []byte, expiration time.Duration) error {
	if expiration <= 0 {
		expiration = gocache.NoExpiration
	}
	m.items.Set(key, append([]byte(nil), value...), expiration)
	return nil
}

// Delete removes a value
func (m *MemoryService) Delete(key string) error {
	m.items.Delete(key)
	return nil
}
