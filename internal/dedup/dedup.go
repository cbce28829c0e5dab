// Package dedup implements the bounded recent-change set: a
// fingerprint-keyed cache of last-seen timestamps used to suppress
// redundant writes within a short time window, shared across the driver
// and the dispatcher (readers-writer discipline inherited from the
// upstream LRU's own locking — no additional lock is ever held across
// I/O). Grounded on the teacher's xlru.Cache, specialized from a generic
// cache to this one fingerprint->time.Time shape.
package dedup

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/redisbridge/redisbridge/internal/fingerprint"
)

// ChangeEvent is one detected or synthesized mutation on the source,
// carrying enough identity for the dedup cache to recognize repeats and
// enough payload for the dispatcher to apply it downstream.
type ChangeEvent struct {
	Key         string
	Kind        byte
	Value       []byte
	OriginTime  time.Time
	Fingerprint fingerprint.Fingerprint
}

// Cache is the bounded, age- and size-evicting fingerprint store. Bounded
// by count (size, default 10000) and by age (window W); lookups are O(1)
// amortized via the underlying hash map, and eviction never blocks a
// write path longer than the upstream LRU's own bookkeeping.
type Cache struct {
	lru *expirable.LRU[fingerprint.Fingerprint, time.Time]
}

// New builds a Cache holding at most size entries, each expiring window
// after insertion. window must be strictly shorter than the minimum
// incremental interval the deployment configures, or real subsequent
// writes would be suppressed as duplicates (spec.md §4.4) — this
// invariant is the caller's responsibility to uphold via configuration,
// not something this package can enforce structurally.
func New(size int, window time.Duration) *Cache {
	if size <= 0 {
		size = 10000
	}
	return &Cache{lru: expirable.NewLRU[fingerprint.Fingerprint, time.Time](size, nil, window)}
}

// Seen reports whether fp was already recorded within the window, and
// records it as seen-now if not. Dispatch should drop the event when
// Seen returns true.
func (c *Cache) Seen(fp fingerprint.Fingerprint) bool {
	if _, ok := c.lru.Get(fp); ok {
		return true
	}
	c.lru.Add(fp, time.Now())
	return false
}

// Len reports the current entry count (may include not-yet-reaped
// expired entries).
func (c *Cache) Len() int {
	return c.lru.Len()
}
