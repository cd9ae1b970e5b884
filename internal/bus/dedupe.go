package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys with a TTL and a hard size cap.
// Used for inbound provider-message-id dedup and by polled trigger adapters.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]time.Time
	order   []string // insertion order for cap eviction
}

// NewDedupeCache creates a cache that forgets keys after ttl and never holds
// more than maxSize entries (oldest evicted first).
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]time.Time),
	}
}

// IsDuplicate reports whether key was seen within the TTL, and marks it seen.
func (d *DedupeCache) IsDuplicate(key string) bool {
	return d.isDuplicateAt(key, time.Now())
}

func (d *DedupeCache) isDuplicateAt(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seen, ok := d.entries[key]; ok && now.Sub(seen) < d.ttl {
		return true
	}

	if _, ok := d.entries[key]; !ok {
		d.order = append(d.order, key)
	}
	d.entries[key] = now

	// Drop expired entries from the front, then enforce the cap.
	for len(d.order) > 0 {
		oldest := d.order[0]
		if seen, ok := d.entries[oldest]; !ok || now.Sub(seen) >= d.ttl {
			d.order = d.order[1:]
			delete(d.entries, oldest)
			continue
		}
		break
	}
	for len(d.entries) > d.maxSize && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
	}
	return false
}

// Len returns the number of live entries.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
