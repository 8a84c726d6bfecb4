package memory

import (
	"sync"
	"time"
)

const (
	expireScanInterval = 100 * time.Millisecond
	expireScanCount    = 20
	expireThreshold    = 0.25
	expireMaxRounds    = 16
)

// ExpiryManager actively reaps expired keys; lookups reap lazily as well.
// Liveness records rely on this: a dead server's hash must disappear even if
// nobody reads it again.
type ExpiryManager struct {
	dict   *Dict
	stats  *Stats
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewExpiryManager(dict *Dict, stats *Stats) *ExpiryManager {
	return &ExpiryManager{
		dict:   dict,
		stats:  stats,
		stopCh: make(chan struct{}),
	}
}

func (m *ExpiryManager) Start() {
	m.wg.Add(1)
	go m.activeExpireLoop()
}

func (m *ExpiryManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *ExpiryManager) activeExpireLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(expireScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.activeExpireCycle()
		}
	}
}

func (m *ExpiryManager) activeExpireCycle() {
	for round := 0; round < expireMaxRounds; round++ {
		samples := m.dict.Sample(expireScanCount)
		if len(samples) == 0 {
			return
		}

		now := time.Now().UnixNano()
		expired := 0
		for _, ks := range samples {
			if ks.ExpireAt == 0 || ks.ExpireAt > now {
				continue
			}
			if m.dict.DeleteIfExpired(ks.Key) {
				expired++
				m.stats.ExpiredKeys.Add(1)
			}
		}

		if float64(expired)/float64(len(samples)) < expireThreshold {
			return
		}
	}
}
