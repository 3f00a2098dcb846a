package cache

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// LocalCache is an in-process SeenCache used when no memcached servers are configured.
type LocalCache struct {
	c *cache.Cache
}

func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &LocalCache{c: cache.New(ttl, 10*time.Minute)}
}

func (lc *LocalCache) IsSeen(sourceURL string) bool {
	_, ok := lc.c.Get(sourceURL)
	return ok
}

func (lc *LocalCache) MarkSeen(sourceURL string) {
	lc.c.SetDefault(sourceURL, struct{}{})
}

func (lc *LocalCache) Close() {
	lc.c.Flush()
}
