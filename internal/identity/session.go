package identity

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// tokenCache holds short-lived session artifacts (csrf tokens, session
// ids) scoped to one identity. Entries age out on their own; the pool
// purges the whole cache when the identity cools down so a recovered
// egress never resumes a tainted session.
type tokenCache struct {
	lru *expirable.LRU[string, string]
}

func newTokenCache(size int, ttl time.Duration) *tokenCache {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &tokenCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *tokenCache) Get(key string) (string, bool) {
	return c.lru.Get(key)
}

func (c *tokenCache) Set(key, value string) {
	c.lru.Add(key, value)
}

func (c *tokenCache) Purge() {
	c.lru.Purge()
}

func (c *tokenCache) Len() int {
	return c.lru.Len()
}
