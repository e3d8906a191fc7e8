// Package cache provides the shared TTL cache used by read-heavy lookups.
package cache

import (
	"path"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/hearth-home/hearth/internal/constants"
)

// Key prefixes shared by cache producers and invalidators.
const (
	KeyDevices    = "devices"
	KeyPlugins    = "plugins"
	KeyPluginByID = "plugins:id:"
	KeyBindings   = "bindings"
)

// Cache is a TTL keyed cache with glob-based invalidation.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	DeletePattern(pattern string) int
}

type ttlCache struct {
	inner *gocache.Cache
}

// New returns a Cache with the default TTL applied to entries stored with
// ttl <= 0. Expired entries are swept every minute.
func New() Cache {
	return &ttlCache{
		inner: gocache.New(constants.CacheDefaultTTL, time.Minute),
	}
}

func (c *ttlCache) Get(key string) (any, bool) {
	return c.inner.Get(key)
}

func (c *ttlCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	c.inner.Set(key, value, ttl)
}

func (c *ttlCache) Delete(key string) {
	c.inner.Delete(key)
}

// DeletePattern removes every key matching the shell-style glob and returns
// the number of evictions.
func (c *ttlCache) DeletePattern(pattern string) int {
	evicted := 0
	for key := range c.inner.Items() {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			c.inner.Delete(key)
			evicted++
		}
	}
	return evicted
}
