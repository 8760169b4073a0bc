package cache

import (
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
)

// This test requires a running memcached instance
// If memcached is not available, the test will be skipped
func TestMemcacheService(t *testing.T) {
	mc := NewMemcacheService("localhost:11211")

	// Test if memcached is available
	_, err := mc.client.Get("pricetracker_ping")
	if err != nil && err != memcache.ErrCacheMiss {
		t.Skip("Memcached is not available, skipping test")
	}

	err = mc.Set("block:test", []byte("1"), 1*time.Second)
	assert.NoError(t, err)

	value, err := mc.Get("block:test")
	assert.NoError(t, err)
	assert.Equal(t, "1", string(value))

	err = mc.Delete("block:test")
	assert.NoError(t, err)

	_, err = mc.Get("block:test")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// Deleting a missing key is not an error
	assert.NoError(t, mc.Delete("block:test"))
}

func TestMemoryService(t *testing.T) {
	mem := NewMemoryService()

	assert.NoError(t, mem.Set("block:mercadona", []byte("1"), 50*time.Millisecond))
	assert.NoError(t, mem.Set("forever", []byte("x"), 0))

	value, err := mem.Get("block:mercadona")
	assert.NoError(t, err)
	assert.Equal(t, "1", string(value))

	time.Sleep(100 * time.Millisecond)
	_, err = mem.Get("block:mercadona")
	assert.ErrorIs(t, err, ErrCacheMiss)

	_, err = mem.Get("forever")
	assert.NoError(t, err)

	assert.NoError(t, mem.Delete("forever"))
	_, err = mem.Get("forever")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryServiceCopiesValue(t *testing.T) {
	mem := NewMemoryService()
	value := []byte("1")
	assert.NoError(t, mem.Set("block:bonpreu", value, time.Minute))
	value[0] = '0'

	stored, err := mem.Get("block:bonpreu")
	assert.NoError(t, err)
	assert.Equal(t, "1", string(stored))
}

func TestNewSelectsBackend(t *testing.T) {
	assert.IsType(t, &MemoryService{}, New(""))
	assert.IsType(t, &MemcacheService{}, New("localhost:11211"))
}
