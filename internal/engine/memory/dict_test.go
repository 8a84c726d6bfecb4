package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestDict_LockKeysSortedUnique(t *testing.T) {
	d := NewDict(8)

	keys := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		keys = append(keys, fmt.Sprintf("key:%d", i))
	}
	keys = append(keys, keys...)

	idx := d.lockKeys(keys)
	defer d.unlockShards(idx)

	if len(idx) == 0 || len(idx) > 8 {
		t.Fatalf("locked %d shards, want 1..8", len(idx))
	}
	for i := 1; i < len(idx); i++ {
		if idx[i] <= idx[i-1] {
			t.Fatalf("shard indices not strictly ascending: %v", idx)
		}
	}
}

func TestDict_ConcurrentMultiKeyLocking(t *testing.T) {
	d := NewDict(4)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				// Opposite declaration orders must not deadlock.
				keys := []string{fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)}
				if g%2 == 1 {
					keys[0], keys[1] = keys[1], keys[0]
				}
				idx := d.lockKeys(keys)
				d.unlockShards(idx)
			}
		}(g)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("multi-key locking deadlocked")
	}
}

func TestDict_LookupReapsExpired(t *testing.T) {
	d := NewDict(16)

	var removed []string
	d.OnRemove(func(key string, _ *Entry) { removed = append(removed, key) })

	s := d.getShard("key1")
	e := &Entry{Value: []byte("v")}
	e.SetExpireAt(time.Now().Add(-time.Second).UnixNano())
	s.items["key1"] = e

	s.mu.Lock()
	_, ok := d.lookupLocked(s, "key1", time.Now().UnixNano())
	s.mu.Unlock()

	if ok {
		t.Fatal("expired entry should not be returned")
	}
	if len(removed) != 1 || removed[0] != "key1" {
		t.Fatalf("removal hook calls = %v, want [key1]", removed)
	}
}

func TestDict_DeleteIfExpired(t *testing.T) {
	d := NewDict(16)

	live := &Entry{Value: []byte("v")}
	live.SetExpireAt(time.Now().Add(time.Hour).UnixNano())
	d.getShard("live").items["live"] = live

	dead := &Entry{Value: []byte("v")}
	dead.SetExpireAt(time.Now().Add(-time.Millisecond).UnixNano())
	d.getShard("dead").items["dead"] = dead

	if d.DeleteIfExpired("live") {
		t.Error("live key must not be deleted")
	}
	if !d.DeleteIfExpired("dead") {
		t.Error("expired key should be deleted")
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d, want 1", d.Len())
	}
}

func TestDict_KeysAndSample(t *testing.T) {
	d := NewDict(16)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("user:%d", i)
		d.getShard(key).items[key] = &Entry{Value: []byte("x")}
	}
	d.getShard("other").items["other"] = &Entry{Value: []byte("x")}

	if got := len(d.Keys("user:*")); got != 10 {
		t.Errorf("Keys(user:*) = %d keys, want 10", got)
	}
	if got := len(d.Sample(4)); got != 4 {
		t.Errorf("Sample(4) = %d keys, want 4", got)
	}
	if got := len(d.Sample(100)); got != 11 {
		t.Errorf("Sample(100) = %d keys, want 11", got)
	}
}

func TestDict_ClearRunsHook(t *testing.T) {
	d := NewDict(16)
	count := 0
	d.OnRemove(func(string, *Entry) { count++ })

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		d.getShard(key).items[key] = &Entry{Value: []byte("x")}
	}
	d.Clear()

	if count != 5 {
		t.Errorf("hook called %d times, want 5", count)
	}
	if d.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", d.Len())
	}
}

func BenchmarkDict_LockSingleKey(b *testing.B) {
	d := NewDict(256)
	keys := []string{"game:42"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx := d.lockKeys(keys)
		d.unlockShards(idx)
	}
}
