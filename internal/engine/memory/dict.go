package memory

import (
	"hash/maphash"
	"math/rand/v2"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beebs-dev/dorch-sub000/internal/engine"
)

const (
	defaultShardCount = 256
	cacheLineSize     = 64 // CPU cache line size for padding
)

// Entry stores one typed value. Value holds []byte or spilled for strings,
// map[string]string for hashes, map[string]struct{} for sets and []string
// for lists.
type Entry struct {
	Value     interface{}
	Type      engine.ValueType
	expireAt  atomic.Int64 // Unix nanoseconds, 0 means never expires
	CreatedAt int64        // Immutable after creation
	UpdatedAt int64

	// LRU/LFU stats (atomic for lock-free updates)
	lastAccess atomic.Int64
	accessFreq atomic.Uint32
}

// IsExpired checks if entry has expired
func (e *Entry) IsExpired() bool {
	return e.expiredAt(time.Now().UnixNano())
}

func (e *Entry) expiredAt(now int64) bool {
	expireAt := e.expireAt.Load()
	return expireAt != 0 && now > expireAt
}

// SetExpireAt sets expiration time atomically
func (e *Entry) SetExpireAt(t int64) {
	e.expireAt.Store(t)
}

// GetExpireAt returns expiration time
func (e *Entry) GetExpireAt() int64 {
	return e.expireAt.Load()
}

// UpdateAccessStats updates access statistics atomically (lock-free)
func (e *Entry) UpdateAccessStats(now int64) {
	e.lastAccess.Store(now)
	e.accessFreq.Add(1)
}

// GetLastAccess returns last access time
func (e *Entry) GetLastAccess() int64 {
	return e.lastAccess.Load()
}

// GetAccessFreq returns access frequency
func (e *Entry) GetAccessFreq() uint32 {
	return e.accessFreq.Load()
}

// Shard represents a cache partition with cache line padding.
// Padding prevents false sharing between shards on different CPU cores.
type Shard struct {
	mu    sync.Mutex
	items map[string]*Entry
	_     [cacheLineSize - 16]byte // Mutex(8) + map pointer(8) = 16 bytes
}

// Dict is a sharded dictionary. Every access to a shard's items happens with
// that shard's mutex held; multi-key callers lock shards in ascending index
// order so two transactions can never wait on each other in a cycle.
type Dict struct {
	shards     []*Shard
	shardCount uint32
	seed       maphash.Seed

	// onRemove runs with the owning shard locked whenever an entry leaves
	// the dictionary (delete, overwrite, expiry, eviction, clear).
	onRemove func(key string, e *Entry)
}

// NewDict creates a new sharded dictionary
func NewDict(shardCount int) *Dict {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}

	d := &Dict{
		shards:     make([]*Shard, shardCount),
		shardCount: uint32(shardCount),
		seed:       maphash.MakeSeed(),
	}

	for i := 0; i < shardCount; i++ {
		d.shards[i] = &Shard{
			items: make(map[string]*Entry),
		}
	}

	return d
}

// OnRemove registers the removal hook. Must be called before the dict is shared.
func (d *Dict) OnRemove(fn func(key string, e *Entry)) {
	d.onRemove = fn
}

func (d *Dict) shardIndex(key string) uint32 {
	return uint32(maphash.String(d.seed, key) % uint64(d.shardCount))
}

func (d *Dict) getShard(key string) *Shard {
	return d.shards[d.shardIndex(key)]
}

// lockKeys locks the shards owning keys in ascending order and returns the
// sorted, de-duplicated shard indices.
func (d *Dict) lockKeys(keys []string) []uint32 {
	idx := make([]uint32, 0, len(keys))
	for _, key := range keys {
		idx = append(idx, d.shardIndex(key))
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })

	uniq := idx[:0]
	for i, v := range idx {
		if i == 0 || v != idx[i-1] {
			uniq = append(uniq, v)
		}
	}
	for _, i := range uniq {
		d.shards[i].mu.Lock()
	}
	return uniq
}

func (d *Dict) unlockShards(idx []uint32) {
	for i := len(idx) - 1; i >= 0; i-- {
		d.shards[idx[i]].mu.Unlock()
	}
}

// lookupLocked returns the live entry for key, lazily deleting it if expired.
func (d *Dict) lookupLocked(s *Shard, key string, now int64) (*Entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if e.expiredAt(now) {
		d.removeLocked(s, key, e)
		return nil, false
	}
	return e, true
}

func (d *Dict) removeLocked(s *Shard, key string, e *Entry) {
	delete(s.items, key)
	if d.onRemove != nil {
		d.onRemove(key, e)
	}
}

// Delete removes a key. Returns true if the key existed.
func (d *Dict) Delete(key string) bool {
	s := d.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return false
	}
	d.removeLocked(s, key, e)
	return true
}

// DeleteIfExpired removes key only if its TTL has lapsed.
func (d *Dict) DeleteIfExpired(key string) bool {
	s := d.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || !e.IsExpired() {
		return false
	}
	d.removeLocked(s, key, e)
	return true
}

// Keys returns keys matching pattern
func (d *Dict) Keys(pattern string) []string {
	var result []string
	now := time.Now().UnixNano()

	for _, shard := range d.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if !entry.expiredAt(now) && matchPattern(pattern, key) {
				result = append(result, key)
			}
		}
		shard.mu.Unlock()
	}

	return result
}

// Len returns the total number of keys, expired-but-unreaped ones included.
// This is an approximate count as it's not atomic across shards.
func (d *Dict) Len() int64 {
	var count int64
	for _, shard := range d.shards {
		shard.mu.Lock()
		count += int64(len(shard.items))
		shard.mu.Unlock()
	}
	return count
}

// VolatileLen returns the number of keys carrying a TTL.
func (d *Dict) VolatileLen() int64 {
	var count int64
	for _, shard := range d.shards {
		shard.mu.Lock()
		for _, e := range shard.items {
			if e.GetExpireAt() != 0 {
				count++
			}
		}
		shard.mu.Unlock()
	}
	return count
}

// KeySample describes one sampled key for the expiry and eviction loops.
type KeySample struct {
	Key        string
	ExpireAt   int64
	LastAccess int64
	Freq       uint32
}

// Sample returns up to n keys starting from a random shard.
func (d *Dict) Sample(n int) []KeySample {
	if n <= 0 {
		return nil
	}

	result := make([]KeySample, 0, n)
	start := rand.IntN(int(d.shardCount))
	for i := 0; i < int(d.shardCount) && len(result) < n; i++ {
		shard := d.shards[(start+i)%int(d.shardCount)]
		shard.mu.Lock()
		for key, e := range shard.items {
			result = append(result, KeySample{
				Key:        key,
				ExpireAt:   e.GetExpireAt(),
				LastAccess: e.GetLastAccess(),
				Freq:       e.GetAccessFreq(),
			})
			if len(result) >= n {
				break
			}
		}
		shard.mu.Unlock()
	}

	return result
}

// Clear removes all entries
func (d *Dict) Clear() {
	for _, shard := range d.shards {
		shard.mu.Lock()
		for key, e := range shard.items {
			d.removeLocked(shard, key, e)
		}
		shard.mu.Unlock()
	}
}

// matchPattern performs glob pattern matching using path.Match
func matchPattern(pattern, key string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	matched, _ := path.Match(pattern, key)
	return matched
}
