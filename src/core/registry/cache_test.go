package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResponseCache(t *testing.T) {
	cache := NewResponseCache(time.Minute, true)
	key := cache.Key("agents")

	_, ok := cache.Get(key)
	assert.False(t, ok)

	cache.Set(key, "value")
	got, ok := cache.Get(key)
	assert.True(t, ok)
	assert.Equal(t, "value", got)

	cache.Invalidate()
	_, ok = cache.Get(key)
	assert.False(t, ok)
}

func TestResponseCacheExpiry(t *testing.T) {
	cache := NewResponseCache(10*time.Millisecond, true)
	key := cache.Key("agents")
	cache.Set(key, "value")

	time.Sleep(20 * time.Millisecond)
	_, ok := cache.Get(key)
	assert.False(t, ok)
}

func TestResponseCacheDisabled(t *testing.T) {
	cache := NewResponseCache(time.Minute, false)
	key := cache.Key("agents")
	cache.Set(key, "value")
	_, ok := cache.Get(key)
	assert.False(t, ok)
}

func TestResponseCacheKeyDistinguishesParams(t *testing.T) {
	cache := NewResponseCache(time.Minute, true)
	assert.NotEqual(t, cache.Key("discover", "a", "b"), cache.Key("discover", "ab"))
}
