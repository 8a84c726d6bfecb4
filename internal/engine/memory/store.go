package memory

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/beebs-dev/dorch-sub000/internal/engine"
	"github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Store is the in-process coordination keyspace. Every operation, including
// the single-key convenience methods, runs through Atomic.
type Store struct {
	dict    *Dict
	expires *ExpiryManager
	evictor *Evictor
	broker  *Broker

	spill          Spill
	spillThreshold int

	stats  *Stats
	closed atomic.Bool
}

// Stats uses atomic counters for lock-free updates
type Stats struct {
	Transactions atomic.Int64
	Hits         atomic.Int64
	Misses       atomic.Int64
	ExpiredKeys  atomic.Int64
	EvictedKeys  atomic.Int64
}

type Config struct {
	ShardCount  int
	MaxMemory   int64
	EvictPolicy string

	// Spill receives string values larger than SpillThreshold bytes.
	Spill          Spill
	SpillThreshold int

	SubscriberBuffer int
}

func DefaultConfig() *Config {
	return &Config{
		ShardCount:     256,
		MaxMemory:      0,
		EvictPolicy:    string(PolicyNoEviction),
		SpillThreshold: 1 << 20,
	}
}

func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Store{
		dict:           NewDict(cfg.ShardCount),
		broker:         NewBroker(cfg.SubscriberBuffer),
		spill:          cfg.Spill,
		spillThreshold: cfg.SpillThreshold,
		stats:          &Stats{},
	}
	s.dict.OnRemove(s.onRemove)

	s.expires = NewExpiryManager(s.dict, s.stats)
	s.expires.Start()

	if cfg.MaxMemory > 0 && EvictPolicy(cfg.EvictPolicy) != PolicyNoEviction {
		s.evictor = NewEvictor(s.dict, cfg.MaxMemory, cfg.EvictPolicy, s.stats)
	}

	return s
}

func (s *Store) onRemove(key string, e *Entry) {
	if _, ok := e.Value.(spilled); ok && s.spill != nil {
		_ = s.spill.Delete(key)
	}
}

// Atomic runs fn with every shard owning keys locked. fn may only touch the
// declared keys; anything fn reads or writes is invisible to other callers
// until it returns. fn must not call back into the Store.
func (s *Store) Atomic(ctx context.Context, keys []string, fn func(tx *Tx) error) error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.evictor != nil {
		s.evictor.TryEvict()
	}

	s.stats.Transactions.Add(1)
	idx := s.dict.lockKeys(keys)
	defer s.dict.unlockShards(idx)

	now := time.Now()
	tx := &Tx{store: s, shards: idx, now: now, nowNano: now.UnixNano()}
	return fn(tx)
}

// Broker returns the store's pub/sub hub.
func (s *Store) Broker() *Broker {
	return s.broker
}

func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		v, ok, err := tx.GetBytes(key)
		if err != nil {
			return err
		}
		if !ok {
			s.stats.Misses.Add(1)
			return errors.ErrKeyNotFound
		}
		s.stats.Hits.Add(1)
		out = v
		return nil
	})
	return out, err
}

func (s *Store) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		return tx.SetBytes(key, value, ttl)
	})
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var set bool
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		exists, err := tx.Exists(key)
		if err != nil || exists {
			return err
		}
		set = true
		return tx.SetBytes(key, value, ttl)
	})
	return set, err
}

func (s *Store) SetXX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var set bool
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		exists, err := tx.Exists(key)
		if err != nil || !exists {
			return err
		}
		set = true
		return tx.SetBytes(key, value, ttl)
	})
	return set, err
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	var count int64
	err := s.Atomic(ctx, keys, func(tx *Tx) error {
		for _, key := range keys {
			ok, err := tx.Del(key)
			if err != nil {
				return err
			}
			if ok {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	var count int64
	err := s.Atomic(ctx, keys, func(tx *Tx) error {
		for _, key := range keys {
			ok, err := tx.Exists(key)
			if err != nil {
				return err
			}
			if ok {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	return s.dict.Keys(pattern), nil
}

func (s *Store) Type(ctx context.Context, key string) (string, error) {
	var t engine.ValueType
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		t, err = tx.Type(key)
		return err
	})
	return t.String(), err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		ok, err = tx.Expire(key, ttl)
		return err
	})
	return ok, err
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl := TTLMissing
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		ttl, err = tx.TTL(key)
		return err
	})
	return ttl, err
}

func (s *Store) Persist(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		ok, err = tx.Persist(key)
		return err
	})
	return ok, err
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	var out string
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		v, ok, err := tx.HGet(key, field)
		if err != nil {
			return err
		}
		if !ok {
			return errors.ErrKeyNotFound
		}
		out = v
		return nil
	})
	return out, err
}

// HSet writes field/value pairs and returns how many fields were created.
func (s *Store) HSet(ctx context.Context, key string, pairs ...string) (int64, error) {
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		return 0, errors.ErrInvalidArgs
	}
	var created int64
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		for i := 0; i < len(pairs); i += 2 {
			ok, err := tx.HSet(key, pairs[i], pairs[i+1])
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	return created, err
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	var removed int64
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		for _, f := range fields {
			ok, err := tx.HDel(key, f)
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (s *Store) HExists(ctx context.Context, key, field string) (bool, error) {
	var ok bool
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		ok, err = tx.HExists(key, field)
		return err
	})
	return ok, err
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		out, err = tx.HGetAll(key)
		return err
	})
	return out, err
}

func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		n, err = tx.HLen(key)
		return err
	})
	return n, err
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	var added int64
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		for _, m := range members {
			ok, err := tx.SAdd(key, m)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		return nil
	})
	return added, err
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	var removed int64
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		for _, m := range members {
			ok, err := tx.SRem(key, m)
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		out, err = tx.SMembers(key)
		return err
	})
	return out, err
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		ok, err = tx.SIsMember(key, member)
		return err
	})
	return ok, err
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		n, err = tx.SCard(key)
		return err
	})
	return n, err
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	var n int64
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		n, err = tx.RPush(key, values...)
		return err
	})
	return n, err
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		out, err = tx.LRange(key, start, stop)
		return err
	})
	return out, err
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		var err error
		n, err = tx.LLen(key)
		return err
	})
	return n, err
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.Atomic(ctx, []string{key}, func(tx *Tx) error {
		return tx.LTrim(key, start, stop)
	})
}

func (s *Store) Publish(_ context.Context, channel, message string) (int64, error) {
	if s.closed.Load() {
		return 0, errors.ErrClosed
	}
	return s.broker.Publish(channel, message), nil
}

func (s *Store) DBSize(_ context.Context) (int64, error) {
	return s.dict.Len(), nil
}

func (s *Store) FlushDB(_ context.Context) error {
	s.dict.Clear()
	return nil
}

// VolatileKeys returns how many keys carry a TTL.
func (s *Store) VolatileKeys() int64 {
	return s.dict.VolatileLen()
}

func (s *Store) GetStats() *Stats {
	return s.stats
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.expires.Stop()
	s.broker.Close()
	return nil
}

var (
	_ engine.Engine       = (*Store)(nil)
	_ engine.StringEngine = (*Store)(nil)
	_ engine.HashEngine   = (*Store)(nil)
	_ engine.SetEngine    = (*Store)(nil)
	_ engine.ListEngine   = (*Store)(nil)
	_ engine.Publisher    = (*Store)(nil)
)
