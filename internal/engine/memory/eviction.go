package memory

import (
	"runtime"
	"sync"
	"time"
)

type EvictPolicy string

const (
	PolicyNoEviction    EvictPolicy = "noeviction"
	PolicyAllKeysLRU    EvictPolicy = "allkeys-lru"
	PolicyAllKeysLFU    EvictPolicy = "allkeys-lfu"
	PolicyVolatileLRU   EvictPolicy = "volatile-lru"
	PolicyVolatileLFU   EvictPolicy = "volatile-lfu"
	PolicyAllKeysRandom EvictPolicy = "allkeys-random"
	PolicyVolatileTTL   EvictPolicy = "volatile-ttl"
)

const (
	evictSampleCount = 5
	// memStatsInterval bounds how often ReadMemStats (stop-the-world) runs.
	memStatsInterval = 100 * time.Millisecond
)

// Evictor frees keys when heap usage crosses maxMemory. Dormant rate buckets
// and cached artifacts are the usual victims.
type Evictor struct {
	dict      *Dict
	maxMemory int64
	policy    EvictPolicy
	stats     *Stats

	mu        sync.Mutex
	lastCheck time.Time
	overLimit bool
}

func NewEvictor(dict *Dict, maxMemory int64, policy string, stats *Stats) *Evictor {
	return &Evictor{
		dict:      dict,
		maxMemory: maxMemory,
		policy:    EvictPolicy(policy),
		stats:     stats,
	}
}

// TryEvict evicts one key if the heap is over the limit.
func (e *Evictor) TryEvict() bool {
	if e.maxMemory <= 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Since(e.lastCheck) >= memStatsInterval {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		e.overLimit = int64(m.Alloc) >= e.maxMemory
		e.lastCheck = time.Now()
	}
	if !e.overLimit {
		return false
	}

	if e.evict() {
		e.stats.EvictedKeys.Add(1)
		return true
	}
	return false
}

func (e *Evictor) evict() bool {
	switch e.policy {
	case PolicyAllKeysLRU:
		return e.evictBy(false, func(a, b KeySample) bool { return a.LastAccess < b.LastAccess })
	case PolicyVolatileLRU:
		return e.evictBy(true, func(a, b KeySample) bool { return a.LastAccess < b.LastAccess })
	case PolicyAllKeysLFU:
		return e.evictBy(false, func(a, b KeySample) bool { return a.Freq < b.Freq })
	case PolicyVolatileLFU:
		return e.evictBy(true, func(a, b KeySample) bool { return a.Freq < b.Freq })
	case PolicyAllKeysRandom:
		return e.evictBy(false, func(a, b KeySample) bool { return false })
	case PolicyVolatileTTL:
		return e.evictBy(true, func(a, b KeySample) bool { return a.ExpireAt < b.ExpireAt })
	default:
		return false
	}
}

// evictBy samples a few keys and deletes the one that sorts first by less.
func (e *Evictor) evictBy(volatileOnly bool, less func(a, b KeySample) bool) bool {
	samples := e.dict.Sample(evictSampleCount)

	var victim KeySample
	found := false
	for _, ks := range samples {
		if volatileOnly && ks.ExpireAt == 0 {
			continue
		}
		if !found || less(ks, victim) {
			victim = ks
			found = true
		}
	}

	if !found {
		return false
	}
	return e.dict.Delete(victim.Key)
}
