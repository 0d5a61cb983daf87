package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ProcessedSet remembers recently handled external message ids, bounded by
// count and by age. It is a fast path only; the database stays authoritative.
type ProcessedSet struct {
	lru *expirable.LRU[string, struct{}]
}

// NewProcessedSet creates a new processed-message set.
func NewProcessedSet(size int, ttl time.Duration) *ProcessedSet {
	if size <= 0 {
		size = 10000
	}
	return &ProcessedSet{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Mark records id as processed. Empty ids are ignored.
func (s *ProcessedSet) Mark(id string) {
	if id == "" {
		return
	}
	s.lru.Add(id, struct{}{})
}

// Contains reports whether id was marked and has not expired or been evicted.
func (s *ProcessedSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s.lru.Get(id)
	return ok
}

// Len returns the number of live markers.
func (s *ProcessedSet) Len() int {
	return s.lru.Len()
}
