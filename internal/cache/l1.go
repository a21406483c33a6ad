// Package cache implements the three-tier tile cache: an in-process LRU
// over PNG bytes, a Redis metadata store, and an object store holding the
// payloads, plus the distributed lock that serializes producers.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ecotiles/tileserv/internal/tilemath"
)

type l1entry struct {
	data       []byte
	admittedAt time.Time
}

// L1 is the per-process tier. Eviction is LRU with a hard age cap; access
// counters exist only for hot-key stats and are dropped with their entry,
// so they cannot grow without bound.
type L1 struct {
	lru *lru.LRU[string, l1entry]

	mu     sync.Mutex
	access map[string]int64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewL1 creates the in-process tier with the given capacity and max age.
func NewL1(max int, maxAge time.Duration) *L1 {
	l := &L1{access: make(map[string]int64)}
	l.lru = lru.NewLRU[string, l1entry](max, l.onEvict, maxAge)
	return l
}

func (l *L1) onEvict(key string, _ l1entry) {
	l.mu.Lock()
	delete(l.access, key)
	l.mu.Unlock()
}

// Get returns the cached bytes, or nil on miss or expiry.
func (l *L1) Get(key string) []byte {
	e, ok := l.lru.Get(key)
	if !ok {
		l.misses.Add(1)
		return nil
	}
	l.mu.Lock()
	l.access[key]++
	l.mu.Unlock()
	l.hits.Add(1)
	return e.data
}

// Put admits bytes under key, evicting the least recently used entry when
// at capacity.
func (l *L1) Put(key string, data []byte) {
	l.lru.Add(key, l1entry{data: data, admittedAt: time.Now()})
}

// Remove drops a single key.
func (l *L1) Remove(key string) {
	l.lru.Remove(key)
}

// RemovePattern drops every key matching the glob pattern. Returns the
// number removed.
func (l *L1) RemovePattern(pattern string) int {
	removed := 0
	for _, key := range l.lru.Keys() {
		if tilemath.MatchPattern(pattern, key) {
			if l.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Len returns the number of live entries.
func (l *L1) Len() int {
	return l.lru.Len()
}

// HotKey pairs a key with its access count for stats reporting.
type HotKey struct {
	Key      string `json:"key"`
	Accesses int64  `json:"accesses"`
}

// HotKeys returns the n most accessed live keys, most accessed first.
func (l *L1) HotKeys(n int) []HotKey {
	l.mu.Lock()
	keys := make([]HotKey, 0, len(l.access))
	for k, c := range l.access {
		keys = append(keys, HotKey{Key: k, Accesses: c})
	}
	l.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Accesses != keys[j].Accesses {
			return keys[i].Accesses > keys[j].Accesses
		}
		return keys[i].Key < keys[j].Key
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Counters returns cumulative hits and misses.
func (l *L1) Counters() (hits, misses int64) {
	return l.hits.Load(), l.misses.Load()
}
