package memory

import (
	"math"
	"sort"
	"time"

	"github.com/beebs-dev/dorch-sub000/internal/engine"
	"github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// TTL sentinels returned by Tx.TTL and Store.TTL, mirroring Redis.
const (
	TTLMissing    = time.Duration(-2)
	TTLPersistent = time.Duration(-1)
)

// spilled marks a string value whose bytes live in the spill tier.
type spilled struct {
	size int
}

// Tx is a view of the keyspace restricted to the keys declared to
// Store.Atomic. All shards owning those keys stay locked until the
// transaction function returns, so a Tx observes and mutates those keys as
// one indivisible step. A Tx must not be retained after its function returns.
type Tx struct {
	store   *Store
	shards  []uint32
	now     time.Time
	nowNano int64
}

// Now returns the wall-clock instant the transaction started.
func (tx *Tx) Now() time.Time {
	return tx.now
}

func (tx *Tx) shard(key string) (*Shard, error) {
	d := tx.store.dict
	idx := d.shardIndex(key)
	i := sort.Search(len(tx.shards), func(i int) bool { return tx.shards[i] >= idx })
	if i == len(tx.shards) || tx.shards[i] != idx {
		return nil, errors.ErrKeyNotLocked
	}
	return d.shards[idx], nil
}

func (tx *Tx) lookup(key string) (*Shard, *Entry, error) {
	s, err := tx.shard(key)
	if err != nil {
		return nil, nil, err
	}
	e, ok := tx.store.dict.lookupLocked(s, key, tx.nowNano)
	if !ok {
		return s, nil, nil
	}
	e.UpdateAccessStats(tx.nowNano)
	return s, e, nil
}

// typed looks key up and checks its type. A missing key yields a nil entry.
func (tx *Tx) typed(key string, want engine.ValueType) (*Shard, *Entry, error) {
	s, e, err := tx.lookup(key)
	if err != nil {
		return nil, nil, err
	}
	if e != nil && e.Type != want {
		return nil, nil, errors.ErrWrongType
	}
	return s, e, nil
}

func (tx *Tx) create(s *Shard, key string, typ engine.ValueType, value interface{}) *Entry {
	e := &Entry{
		Value:     value,
		Type:      typ,
		CreatedAt: tx.nowNano,
		UpdatedAt: tx.nowNano,
	}
	e.UpdateAccessStats(tx.nowNano)
	if old, ok := s.items[key]; ok {
		tx.store.dict.removeLocked(s, key, old)
	}
	s.items[key] = e
	return e
}

func (tx *Tx) touch(e *Entry) {
	e.UpdatedAt = tx.nowNano
}

// dropIfEmpty removes container keys that became empty, like Redis does.
func (tx *Tx) dropIfEmpty(s *Shard, key string, e *Entry) {
	empty := false
	switch v := e.Value.(type) {
	case map[string]string:
		empty = len(v) == 0
	case map[string]struct{}:
		empty = len(v) == 0
	case []string:
		empty = len(v) == 0
	}
	if empty {
		tx.store.dict.removeLocked(s, key, e)
	}
}

// Exists reports whether key holds a live value.
func (tx *Tx) Exists(key string) (bool, error) {
	_, e, err := tx.lookup(key)
	return e != nil, err
}

// Type returns the type of the value stored at key.
func (tx *Tx) Type(key string) (engine.ValueType, error) {
	_, e, err := tx.lookup(key)
	if err != nil || e == nil {
		return engine.TypeNone, err
	}
	return e.Type, nil
}

// Del removes key. Returns true if it existed.
func (tx *Tx) Del(key string) (bool, error) {
	s, e, err := tx.lookup(key)
	if err != nil || e == nil {
		return false, err
	}
	tx.store.dict.removeLocked(s, key, e)
	return true, nil
}

// ExpireAt returns the deadline ttl from now in unix nanoseconds, or
// ErrInvalidExpire if it would overflow. Procedures call it before their
// first write.
func (tx *Tx) ExpireAt(ttl time.Duration) (int64, error) {
	if ttl > 0 && int64(ttl) > math.MaxInt64-tx.nowNano {
		return 0, errors.ErrInvalidExpire
	}
	return tx.nowNano + int64(ttl), nil
}

// Expire sets key's TTL. A non-positive ttl deletes the key.
func (tx *Tx) Expire(key string, ttl time.Duration) (bool, error) {
	at, err := tx.ExpireAt(ttl)
	if err != nil {
		return false, err
	}
	s, e, err := tx.lookup(key)
	if err != nil || e == nil {
		return false, err
	}
	if ttl <= 0 {
		tx.store.dict.removeLocked(s, key, e)
		return true, nil
	}
	e.SetExpireAt(at)
	return true, nil
}

// Persist removes key's TTL.
func (tx *Tx) Persist(key string) (bool, error) {
	_, e, err := tx.lookup(key)
	if err != nil || e == nil || e.GetExpireAt() == 0 {
		return false, err
	}
	e.SetExpireAt(0)
	return true, nil
}

// TTL returns the remaining time to live of key, TTLMissing if it does not
// exist or TTLPersistent if it has no expiry.
func (tx *Tx) TTL(key string) (time.Duration, error) {
	_, e, err := tx.lookup(key)
	if err != nil {
		return TTLMissing, err
	}
	if e == nil {
		return TTLMissing, nil
	}
	expireAt := e.GetExpireAt()
	if expireAt == 0 {
		return TTLPersistent, nil
	}
	return time.Duration(expireAt - tx.nowNano), nil
}

// GetBytes returns the string value at key.
func (tx *Tx) GetBytes(key string) ([]byte, bool, error) {
	_, e, err := tx.typed(key, engine.TypeString)
	if err != nil || e == nil {
		return nil, false, err
	}
	switch v := e.Value.(type) {
	case []byte:
		return v, true, nil
	case spilled:
		data, err := tx.store.spill.Get(key)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
	return nil, false, errors.ErrWrongType
}

// SetBytes stores value at key, replacing any existing value of any type.
// A positive ttl sets the expiry; otherwise the key is persistent.
func (tx *Tx) SetBytes(key string, value []byte, ttl time.Duration) error {
	at, err := tx.ExpireAt(ttl)
	if err != nil {
		return err
	}
	s, err := tx.shard(key)
	if err != nil {
		return err
	}

	var stored interface{}
	if tx.store.spill != nil && tx.store.spillThreshold > 0 && len(value) > tx.store.spillThreshold {
		// Drop the old entry first so its removal hook cannot clobber the new blob.
		if old, ok := s.items[key]; ok {
			tx.store.dict.removeLocked(s, key, old)
		}
		if err := tx.store.spill.Put(key, value); err != nil {
			return err
		}
		stored = spilled{size: len(value)}
	} else {
		buf := make([]byte, len(value))
		copy(buf, value)
		stored = buf
	}

	e := tx.create(s, key, engine.TypeString, stored)
	if ttl > 0 {
		e.SetExpireAt(at)
	}
	return nil
}

// HGet returns one hash field.
func (tx *Tx) HGet(key, field string) (string, bool, error) {
	_, e, err := tx.typed(key, engine.TypeHash)
	if err != nil || e == nil {
		return "", false, err
	}
	v, ok := e.Value.(map[string]string)[field]
	return v, ok, nil
}

// HGetAll returns a copy of the hash at key.
func (tx *Tx) HGetAll(key string) (map[string]string, error) {
	_, e, err := tx.typed(key, engine.TypeHash)
	if err != nil || e == nil {
		return map[string]string{}, err
	}
	src := e.Value.(map[string]string)
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// HSet writes one hash field. Returns true if the field was created.
func (tx *Tx) HSet(key, field, value string) (bool, error) {
	s, e, err := tx.typed(key, engine.TypeHash)
	if err != nil {
		return false, err
	}
	if e == nil {
		e = tx.create(s, key, engine.TypeHash, make(map[string]string))
	}
	h := e.Value.(map[string]string)
	_, existed := h[field]
	h[field] = value
	tx.touch(e)
	return !existed, nil
}

// HDel removes one hash field. Returns true if it existed.
func (tx *Tx) HDel(key, field string) (bool, error) {
	s, e, err := tx.typed(key, engine.TypeHash)
	if err != nil || e == nil {
		return false, err
	}
	h := e.Value.(map[string]string)
	if _, ok := h[field]; !ok {
		return false, nil
	}
	delete(h, field)
	tx.touch(e)
	tx.dropIfEmpty(s, key, e)
	return true, nil
}

// HExists reports whether field is present in the hash at key.
func (tx *Tx) HExists(key, field string) (bool, error) {
	_, ok, err := tx.HGet(key, field)
	return ok, err
}

// HLen returns the number of fields of the hash at key.
func (tx *Tx) HLen(key string) (int64, error) {
	_, e, err := tx.typed(key, engine.TypeHash)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.Value.(map[string]string))), nil
}

// SAdd adds member to the set at key. Returns true if it was added.
func (tx *Tx) SAdd(key, member string) (bool, error) {
	s, e, err := tx.typed(key, engine.TypeSet)
	if err != nil {
		return false, err
	}
	if e == nil {
		e = tx.create(s, key, engine.TypeSet, make(map[string]struct{}))
	}
	set := e.Value.(map[string]struct{})
	if _, ok := set[member]; ok {
		return false, nil
	}
	set[member] = struct{}{}
	tx.touch(e)
	return true, nil
}

// SRem removes member from the set at key. Returns true if it was present.
// The key disappears with its last member.
func (tx *Tx) SRem(key, member string) (bool, error) {
	s, e, err := tx.typed(key, engine.TypeSet)
	if err != nil || e == nil {
		return false, err
	}
	set := e.Value.(map[string]struct{})
	if _, ok := set[member]; !ok {
		return false, nil
	}
	delete(set, member)
	tx.touch(e)
	tx.dropIfEmpty(s, key, e)
	return true, nil
}

// SCard returns the cardinality of the set at key.
func (tx *Tx) SCard(key string) (int64, error) {
	_, e, err := tx.typed(key, engine.TypeSet)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.Value.(map[string]struct{}))), nil
}

// SIsMember reports whether member belongs to the set at key.
func (tx *Tx) SIsMember(key, member string) (bool, error) {
	_, e, err := tx.typed(key, engine.TypeSet)
	if err != nil || e == nil {
		return false, err
	}
	_, ok := e.Value.(map[string]struct{})[member]
	return ok, nil
}

// SMembers returns the members of the set at key in sorted order.
func (tx *Tx) SMembers(key string) ([]string, error) {
	_, e, err := tx.typed(key, engine.TypeSet)
	if err != nil || e == nil {
		return []string{}, err
	}
	set := e.Value.(map[string]struct{})
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// RPush appends values to the list at key and returns the new length.
func (tx *Tx) RPush(key string, values ...string) (int64, error) {
	s, e, err := tx.typed(key, engine.TypeList)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		if e == nil {
			return 0, nil
		}
		return int64(len(e.Value.([]string))), nil
	}
	if e == nil {
		e = tx.create(s, key, engine.TypeList, make([]string, 0, len(values)))
	}
	list := append(e.Value.([]string), values...)
	e.Value = list
	tx.touch(e)
	return int64(len(list)), nil
}

// LRange returns the elements between start and stop inclusive, with
// Redis index semantics (negative indices count from the tail).
func (tx *Tx) LRange(key string, start, stop int64) ([]string, error) {
	_, e, err := tx.typed(key, engine.TypeList)
	if err != nil || e == nil {
		return []string{}, err
	}
	list := e.Value.([]string)
	lo, hi, ok := listRange(int64(len(list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, list[lo:hi+1])
	return out, nil
}

// LLen returns the length of the list at key.
func (tx *Tx) LLen(key string) (int64, error) {
	_, e, err := tx.typed(key, engine.TypeList)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.Value.([]string))), nil
}

// LTrim keeps only the elements between start and stop inclusive.
func (tx *Tx) LTrim(key string, start, stop int64) error {
	s, e, err := tx.typed(key, engine.TypeList)
	if err != nil || e == nil {
		return err
	}
	list := e.Value.([]string)
	lo, hi, ok := listRange(int64(len(list)), start, stop)
	if !ok {
		e.Value = []string{}
	} else {
		kept := make([]string, hi-lo+1)
		copy(kept, list[lo:hi+1])
		e.Value = kept
	}
	tx.touch(e)
	tx.dropIfEmpty(s, key, e)
	return nil
}

// Publish queues message for every subscriber of channel. Messages queued
// by one transaction are delivered in order, and before messages of any
// later transaction on the same keys.
func (tx *Tx) Publish(channel, message string) int64 {
	return tx.store.broker.Publish(channel, message)
}

func listRange(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
