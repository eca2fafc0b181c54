package storage

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	btd "github.com/corvid-labs/btd"
)

const nameCacheSize = 512

type nameEntry struct {
	name       string
	failedTime time.Time
}

// NameCache remembers observed remote names and failed name-resolve
// timestamps. It front-ends the cache file so scan bursts do not hit
// disk per report.
type NameCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewNameCache builds an empty cache.
func NewNameCache() (*NameCache, error) {
	c, err := lru.New(nameCacheSize)
	if err != nil {
		return nil, err
	}
	return &NameCache{cache: c}, nil
}

func (n *NameCache) entry(peer btd.Addr) nameEntry {
	if v, ok := n.cache.Get(peer.String()); ok {
		return v.(nameEntry)
	}
	return nameEntry{}
}

// SetName records the latest observed name for a peer. Empty names are
// ignored.
func (n *NameCache) SetName(peer btd.Addr, name string) {
	if name == "" {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	e := n.entry(peer)
	e.name = name
	n.cache.Add(peer.String(), e)
}

// Name returns the cached name, if any.
func (n *NameCache) Name(peer btd.Addr) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.entry(peer).name
}

// RecordFailure notes a failed remote-name request at t.
func (n *NameCache) RecordFailure(peer btd.Addr, t time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e := n.entry(peer)
	e.failedTime = t
	n.cache.Add(peer.String(), e)
}

// FailedTime returns the last failure timestamp, zero if none.
func (n *NameCache) FailedTime(peer btd.Addr) time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.entry(peer).failedTime
}

// CanRetry reports whether a new name request is allowed at now, given
// the policy retry delay.
func (n *NameCache) CanRetry(peer btd.Addr, now time.Time, delay time.Duration) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	e := n.entry(peer)
	if e.failedTime.IsZero() {
		return true
	}
	return !now.Before(e.failedTime.Add(delay))
}
