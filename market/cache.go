package market

import (
	"sync"
	"time"

	"fundingarb/venue"
)

// cacheKey identifies one (exchange, symbol) cache slot.
type cacheKey struct {
	Venue  venue.Name
	Symbol string
}

// GetStatus is the three-way outcome SnapshotCache.Get reports: a caller
// must branch on Status before trusting Snapshot.
type GetStatus int

const (
	StatusMiss GetStatus = iota
	StatusFresh
	StatusStale
)

type cacheEntry struct {
	snapshot  Snapshot
	expiresAt time.Time
}

// SnapshotCache is a bounded-TTL cache of per-(exchange,symbol) funding
// snapshots. It is the only cross-request shared mutable state in the
// system (§5); every update is atomic at the key level via a single
// RWMutex-protected map, never a long-held lock across a network call.
type SnapshotCache struct {
	mu           sync.RWMutex
	entries      map[cacheKey]cacheEntry
	ttl          time.Duration
	staleMaxAge  time.Duration
}

func NewSnapshotCache(ttl, staleMaxAge time.Duration) *SnapshotCache {
	return &SnapshotCache{
		entries:     make(map[cacheKey]cacheEntry),
		ttl:         ttl,
		staleMaxAge: staleMaxAge,
	}
}

// Get reports fresh/stale/miss for (v, symbol). A stale result always
// carries source_tag="stale" regardless of the entry's original tag —
// the cache, not the caller, owns that downgrade.
func (c *SnapshotCache) Get(v venue.Name, symbol string) (Snapshot, GetStatus) {
	key := cacheKey{Venue: v, Symbol: symbol}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return Snapshot{}, StatusMiss
	}

	now := time.Now()
	if now.Before(entry.expiresAt) || now.Equal(entry.expiresAt) {
		return entry.snapshot, StatusFresh
	}
	if now.Before(entry.expiresAt.Add(c.staleMaxAge)) {
		stale := entry.snapshot
		stale.SourceTag = venue.SourceStale
		return stale, StatusStale
	}
	return Snapshot{}, StatusMiss
}

// Put records a fresh snapshot, resetting its TTL clock. source_tag isn't
// taken as a separate parameter because a freshly-put entry always trusts
// the snapshot's own tag — only Get downgrades it later.
func (c *SnapshotCache) Put(v venue.Name, symbol string, snapshot Snapshot) {
	key := cacheKey{Venue: v, Symbol: symbol}
	c.mu.Lock()
	c.entries[key] = cacheEntry{snapshot: snapshot, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}
