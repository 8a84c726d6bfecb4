package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/internal/procs"
	"github.com/beebs-dev/dorch-sub000/internal/protocol"
	"github.com/beebs-dev/dorch-sub000/pkg/errors"
)

func newLocal(t *testing.T) Store {
	t.Helper()
	s := NewLocal(memory.NewStore(memory.DefaultConfig()))
	t.Cleanup(func() { s.Close() })
	return s
}

// startCoordd serves a fresh memory store on a random local port.
func startCoordd(t *testing.T) (*protocol.Server, *memory.Store) {
	t.Helper()
	store := memory.NewStore(memory.DefaultConfig())
	srv := protocol.NewServer("127.0.0.1:0", store, nil)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() {
		srv.Stop()
		store.Close()
	})
	return srv, store
}

func newRemote(t *testing.T) Store {
	t.Helper()
	srv, _ := startCoordd(t)
	r := NewRemote(Config{
		Addr:         srv.Addr(),
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     8,
	})
	t.Cleanup(func() { r.Close() })
	return r
}

var backends = []struct {
	name string
	open func(t *testing.T) Store
}{
	{"local", newLocal},
	{"remote", newRemote},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func gameUpdate(id string, sets map[string]string, deletes ...string) *procs.FieldUpdate {
	return &procs.FieldUpdate{
		Key:     "game:" + id,
		Channel: "game-events:" + id,
		IDField: "game_id",
		ID:      id,
		Sets:    sets,
		Deletes: deletes,
		TTL:     time.Minute,
	}
}

func recv(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case m := <-sub.Messages():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	return Message{}
}

func TestSetFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sub, err := s.Subscribe(ctx, "game-events:g1")
		require.NoError(t, err)
		defer sub.Close()

		n, err := s.SetFields(ctx, gameUpdate("g1", map[string]string{"map": "e1m1", "players": "2"}))
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		var ev map[string]*string
		require.NoError(t, json.Unmarshal([]byte(recv(t, sub).Payload), &ev))
		assert.Equal(t, "g1", *ev["game_id"])
		assert.Equal(t, "e1m1", *ev["map"])

		n, err = s.SetFields(ctx, gameUpdate("g1", map[string]string{"players": "2"}))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.SetFields(ctx, gameUpdate("g1", nil, "players", "absent"))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		ev = nil
		require.NoError(t, json.Unmarshal([]byte(recv(t, sub).Payload), &ev))
		assert.Contains(t, ev, "players")
		assert.Nil(t, ev["players"])
		assert.NotContains(t, ev, "absent")

		all, err := s.HGetAll(ctx, "game:g1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"map": "e1m1"}, all)
	})
}

func TestSetFieldsValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := gameUpdate("g1", map[string]string{"map": "x"}, "map")
		_, err := s.SetFields(ctx, u)
		assert.ErrorIs(t, err, errors.ErrInvalidArgs)

		u = gameUpdate("g1", map[string]string{"map": "x"})
		u.TTL = 0
		_, err = s.SetFields(ctx, u)
		assert.ErrorIs(t, err, errors.ErrInvalidArgs)

		_, err = s.SetFields(ctx, gameUpdate("g1", map[string]string{"game_id": "g2"}))
		assert.ErrorIs(t, err, errors.ErrInvalidArgs)

		u = gameUpdate("g1", map[string]string{"map": "x"})
		u.TTL = time.Duration(math.MaxInt64)
		_, err = s.SetFields(ctx, u)
		assert.ErrorIs(t, err, errors.ErrInvalidExpire)

		ok, err := s.Exists(ctx, "game:g1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestParty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		meta, set := "party:p1", "party:p1:members"

		n, err := s.AddMember(ctx, meta, set, "alice", map[string]string{"leader": "alice"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		n, err = s.AddMember(ctx, meta, set, "bob", map[string]string{"leader": "bob"})
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		md, err := s.HGetAll(ctx, meta)
		require.NoError(t, err)
		assert.Equal(t, "alice", md["leader"])

		members, err := s.SMembers(ctx, set)
		require.NoError(t, err)
		sort.Strings(members)
		assert.Equal(t, []string{"alice", "bob"}, members)

		n, err = s.RemoveMember(ctx, meta, set, "carol")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = s.RemoveMember(ctx, meta, set, "alice")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		n, err = s.RemoveMember(ctx, meta, set, "bob")
		require.NoError(t, err)
		assert.Zero(t, n)

		for _, key := range []string{meta, set} {
			ok, err := s.Exists(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok, key)
		}

		_, err = s.RemoveMember(ctx, meta, set, "")
		assert.ErrorIs(t, err, errors.ErrInvalidArgs)
	})
}

func TestAdmit(t *testing.T) {
	lim := procs.Limits{BurstLimit: 2, BurstWindow: time.Second, LongLimit: 3, LongWindow: time.Minute, MaxLen: 3}
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		want := []struct {
			at time.Duration
			ok bool
		}{
			{0, true},
			{time.Millisecond, true},
			{2 * time.Millisecond, false},
			{1500 * time.Millisecond, true},
			{3 * time.Second, false},
			{61 * time.Second, true},
		}
		for _, w := range want {
			ok, err := s.Admit(ctx, "ratelimit:203.0.113.9", now.Add(w.at), lim)
			require.NoError(t, err)
			assert.Equal(t, w.ok, ok, "at %v", w.at)
		}

		_, err := s.Admit(ctx, "ratelimit:x", now, procs.Limits{BurstLimit: 1})
		assert.ErrorIs(t, err, errors.ErrInvalidArgs)
	})
}

func TestAdmitConcurrent(t *testing.T) {
	lim := procs.Limits{BurstLimit: 5, BurstWindow: time.Minute, LongLimit: 5, LongWindow: time.Minute, MaxLen: 5}
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var admitted atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Admit(ctx, "ratelimit:198.51.100.1", time.Time{}, lim)
				if err == nil && ok {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 5, admitted.Load())
	})
}

func TestLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ok, err := s.AcquireLease(ctx, "artifact:doom2.wad:lease", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AcquireLease(ctx, "artifact:doom2.wad:lease", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ReleaseLease(ctx, "artifact:doom2.wad:lease", "b")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.ReleaseLease(ctx, "artifact:doom2.wad:lease", "a")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AcquireLease(ctx, "artifact:doom2.wad:lease", "b", 50*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)
		time.Sleep(120 * time.Millisecond)
		ok, err = s.AcquireLease(ctx, "artifact:doom2.wad:lease", "c", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "expired lease can be taken over")

		_, err = s.AcquireLease(ctx, "k", "a", 0)
		assert.ErrorIs(t, err, errors.ErrInvalidArgs)
	})
}

func TestStrings(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Get(ctx, "artifact:missing")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)

		blob := []byte{0, 1, 2, 255, '\r', '\n'}
		require.NoError(t, s.Set(ctx, "artifact:bin", blob, 0))
		got, err := s.Get(ctx, "artifact:bin")
		require.NoError(t, err)
		assert.Equal(t, blob, got)

		_, err = s.AddMember(ctx, "party:x", "artifact:bin", "m", nil)
		assert.ErrorIs(t, err, errors.ErrWrongType)
	})
}

func TestPSubscribeOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sub, err := s.PSubscribe(ctx, "game-events:*")
		require.NoError(t, err)
		defer sub.Close()

		for i := 0; i < 20; i++ {
			_, err := s.SetFields(ctx, gameUpdate("g9", map[string]string{"tick": fmt.Sprint(i)}))
			require.NoError(t, err)
		}
		for i := 0; i < 20; i++ {
			m := recv(t, sub)
			assert.Equal(t, "game-events:g9", m.Channel)
			var ev map[string]*string
			require.NoError(t, json.Unmarshal([]byte(m.Payload), &ev))
			assert.Equal(t, fmt.Sprint(i), *ev["tick"])
		}
	})
}

func TestRemoteUnavailable(t *testing.T) {
	r := NewRemote(Config{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, PoolSize: 1})
	defer r.Close()

	ctx := context.Background()
	_, err := r.SetFields(ctx, gameUpdate("g1", map[string]string{"a": "1"}))
	assert.ErrorIs(t, err, errors.ErrUnavailable)
	_, err = r.Admit(ctx, "ratelimit:x", time.Now(), procs.Limits{BurstLimit: 1, BurstWindow: time.Second, LongLimit: 1, LongWindow: time.Second, MaxLen: 1})
	assert.ErrorIs(t, err, errors.ErrUnavailable)
	assert.ErrorIs(t, r.Ping(ctx), errors.ErrUnavailable)
}

func TestLocalClosed(t *testing.T) {
	s := NewLocal(memory.NewStore(memory.DefaultConfig()))
	require.NoError(t, s.Close())
	_, err := s.SetFields(context.Background(), gameUpdate("g1", map[string]string{"a": "1"}))
	assert.ErrorIs(t, err, errors.ErrUnavailable)
}

func TestOpen(t *testing.T) {
	s := Open(Config{})
	defer s.Close()
	_, ok := s.(*Local)
	assert.True(t, ok)

	r := Open(Config{Addr: "127.0.0.1:1"})
	defer r.Close()
	_, ok = r.(*Remote)
	assert.True(t, ok)
}
