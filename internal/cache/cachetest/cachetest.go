// Package cachetest provides in-memory L2/L3 implementations with
// failure injection, for tests of anything built on the cache tiers.
package cachetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/tilemath"
)

// FakeL2 is an in-memory cache.L2 with TTL bookkeeping but no expiry
// sweep. Set Down to make every call fail.
type FakeL2 struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	strings map[string]string
	ttls    map[string]time.Duration
	Down    bool
}

func NewFakeL2() *FakeL2 {
	return &FakeL2{
		hashes:  make(map[string]map[string]string),
		strings: make(map[string]string),
		ttls:    make(map[string]time.Duration),
	}
}

// SetDown flips the failure switch under the lock.
func (f *FakeL2) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Down = down
}

func (f *FakeL2) err() error {
	if f.Down {
		return eris.New("l2 down")
	}
	return nil
}

func (f *FakeL2) GetHash(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *FakeL2) SetHash(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	f.hashes[key] = cp
	f.ttls[key] = ttl
	return nil
}

func (f *FakeL2) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return "", false, err
	}
	v, ok := f.strings[key]
	return v, ok, nil
}

func (f *FakeL2) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	f.strings[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *FakeL2) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return false, err
	}
	if _, ok := f.strings[key]; ok {
		return false, nil
	}
	f.strings[key] = value
	f.ttls[key] = ttl
	return true, nil
}

func (f *FakeL2) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	f.ttls[key] = ttl
	return nil
}

func (f *FakeL2) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return 0, false, err
	}
	ttl, ok := f.ttls[key]
	if !ok {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (f *FakeL2) Del(_ context.Context, keys ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if _, ok := f.hashes[k]; ok {
			delete(f.hashes, k)
			n++
		}
		if _, ok := f.strings[k]; ok {
			delete(f.strings, k)
			n++
		}
		delete(f.ttls, k)
	}
	return n, nil
}

func (f *FakeL2) Scan(_ context.Context, pattern string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range f.hashes {
		if tilemath.MatchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	for k := range f.strings {
		if tilemath.MatchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (f *FakeL2) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err()
}

func (f *FakeL2) Info(context.Context) (cache.L2Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return cache.L2Info{}, err
	}
	return cache.L2Info{
		ConnectedClients: 1,
		UsedMemoryBytes:  4096,
		Keys:             int64(len(f.hashes) + len(f.strings)),
	}, nil
}

// Hash returns a copy of a stored hash for assertions.
func (f *FakeL2) Hash(key string) map[string]string {
	out, _ := f.GetHash(context.Background(), key)
	return out
}

// FakeL3 is an in-memory cache.L3 with failure injection. PutErrs fails
// the first N Put calls; GetErr makes reads fail transiently; Down makes
// every call fail.
type FakeL3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	mtimes  map[string]time.Time
	puts    int
	PutErrs int
	GetErr  bool
	Down    bool
}

func NewFakeL3() *FakeL3 {
	return &FakeL3{
		objects: make(map[string][]byte),
		mtimes:  make(map[string]time.Time),
	}
}

// Puts reports how many Put calls were attempted, including failed ones.
func (f *FakeL3) Puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

// Len reports how many objects are stored.
func (f *FakeL3) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// SetModified backdates an object's timestamp for age-based tests.
func (f *FakeL3) SetModified(key string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mtimes[key] = t
}

func (f *FakeL3) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		return eris.New("l3 down")
	}
	f.puts++
	if f.PutErrs > 0 {
		f.PutErrs--
		return eris.New("l3 put failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = cp
	f.mtimes[key] = time.Now()
	return nil
}

func (f *FakeL3) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		return nil, eris.New("l3 down")
	}
	if f.GetErr {
		return nil, eris.New("l3 transient read error")
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, cache.ErrObjectMissing
	}
	return data, nil
}

func (f *FakeL3) Delete(_ context.Context, keys []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		return 0, eris.New("l3 down")
	}
	n := 0
	for _, k := range keys {
		if _, ok := f.objects[k]; ok {
			delete(f.objects, k)
			delete(f.mtimes, k)
			n++
		}
	}
	return n, nil
}

func (f *FakeL3) List(_ context.Context, prefix string, max int) ([]cache.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		return nil, eris.New("l3 down")
	}
	var infos []cache.ObjectInfo
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			infos = append(infos, cache.ObjectInfo{Key: k, Size: int64(len(v)), LastModified: f.mtimes[k]})
			if max > 0 && len(infos) >= max {
				break
			}
		}
	}
	return infos, nil
}

func (f *FakeL3) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		return eris.New("l3 down")
	}
	return nil
}
