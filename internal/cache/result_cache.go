// Package cache memoises similarity results. Bundles are immutable, so a
// result never goes stale and entries leave only by LRU eviction.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/23skdu/reprsim/internal/metrics"
)

type entry struct {
	query  Query
	scores []float32
}

// ResultCache is a bounded LRU of similarity vectors. A nil *ResultCache is a
// valid cache that never hits.
type ResultCache struct {
	lru *lru.Cache[uint64, entry]
}

// NewResultCache returns a cache holding up to capacity results, or nil when
// capacity is not positive.
func NewResultCache(capacity int) (*ResultCache, error) {
	if capacity <= 0 {
		return nil, nil
	}
	c, err := lru.NewWithEvict[uint64, entry](capacity, func(uint64, entry) {
		metrics.ResultCacheEvictionsTotal.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &ResultCache{lru: c}, nil
}

// Get returns a copy of the cached scores for q.
func (c *ResultCache) Get(q Query) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	e, ok := c.lru.Get(q.Hash())
	if !ok || e.query != q {
		metrics.ResultCacheMissesTotal.Inc()
		return nil, false
	}
	metrics.ResultCacheHitsTotal.Inc()
	out := make([]float32, len(e.scores))
	copy(out, e.scores)
	return out, true
}

// Put stores a private copy of scores under q.
func (c *ResultCache) Put(q Query, scores []float32) {
	if c == nil {
		return
	}
	stored := make([]float32, len(scores))
	copy(stored, scores)
	c.lru.Add(q.Hash(), entry{query: q, scores: stored})
}

func (c *ResultCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Purge drops every entry.
func (c *ResultCache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
