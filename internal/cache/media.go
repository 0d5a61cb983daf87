// Package cache holds the pipeline's in-memory, best-effort caches.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

// FetchFunc resolves a media id to a channel URL on a cache miss.
type FetchFunc func(ctx context.Context) (string, error)

// MediaCache maps media ids to short-lived channel URLs. Each media class has
// its own LRU and TTL so a burst of one class cannot evict another.
type MediaCache struct {
	classes  map[model.MessageType]*expirable.LRU[string, string]
	fallback *expirable.LRU[string, string]
}

// MediaCacheConfig sizes a MediaCache.
type MediaCacheConfig struct {
	Size       int
	TTLs       map[model.MessageType]time.Duration
	DefaultTTL time.Duration
}

// NewMediaCache creates a new media URL cache.
func NewMediaCache(cfg MediaCacheConfig) *MediaCache {
	size := cfg.Size
	if size <= 0 {
		size = 1000
	}
	c := &MediaCache{
		classes:  make(map[model.MessageType]*expirable.LRU[string, string], len(cfg.TTLs)),
		fallback: expirable.NewLRU[string, string](size, nil, cfg.DefaultTTL),
	}
	for class, ttl := range cfg.TTLs {
		c.classes[class] = expirable.NewLRU[string, string](size, nil, ttl)
	}
	return c
}

func (c *MediaCache) lru(mediaType model.MessageType) *expirable.LRU[string, string] {
	if l, ok := c.classes[mediaType]; ok {
		return l
	}
	return c.fallback
}

// GetOrFetch returns the cached URL for mediaID or resolves and caches it.
// Errors and empty URLs are never cached.
func (c *MediaCache) GetOrFetch(ctx context.Context, mediaID string, mediaType model.MessageType, fetch FetchFunc) (string, error) {
	l := c.lru(mediaType)
	if url, ok := l.Get(mediaID); ok {
		return url, nil
	}

	url, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if url != "" {
		l.Add(mediaID, url)
	}
	return url, nil
}

// Invalidate drops a cached URL, e.g. after the channel rejected it as expired.
func (c *MediaCache) Invalidate(mediaID string, mediaType model.MessageType) {
	c.lru(mediaType).Remove(mediaID)
}
