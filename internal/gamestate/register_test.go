package gamestate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/pkg/errors"
)

func newRegister(t *testing.T) (*Register, *memory.Store) {
	t.Helper()
	store := memory.NewStore(memory.DefaultConfig())
	t.Cleanup(func() { store.Close() })
	return New(coord.NewLocal(store), DefaultConfig(), nil), store
}

func nextEvent(t *testing.T, w *Watch) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}
	return Event{}
}

func noEvent(t *testing.T, w *Watch) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetFieldsNewRecordThenHeartbeat(t *testing.T) {
	reg, store := newRegister(t)
	ctx := context.Background()

	w, err := reg.Subscribe(ctx, "42")
	require.NoError(t, err)
	defer w.Close()

	n, err := reg.SetFields(ctx, "42", map[string]any{"player_count": 4, "current_map": "MAP01"}, 30*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ev := nextEvent(t, w)
	assert.Equal(t, "42", ev.GameID)
	assert.Equal(t, map[string]string{"player_count": "4", "current_map": "MAP01"}, ev.Changed)
	assert.Empty(t, ev.Removed)

	ttl, err := store.TTL(ctx, "game:42")
	require.NoError(t, err)
	assert.InDelta(t, 30*time.Second, ttl, float64(time.Second))

	n, err = reg.SetFields(ctx, "42", map[string]any{"player_count": 4, "current_map": "MAP01"}, 60*time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
	noEvent(t, w)

	ttl, err = store.TTL(ctx, "game:42")
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second, "heartbeat refreshes liveness")
}

func TestSetFieldsRawTextEquality(t *testing.T) {
	reg, _ := newRegister(t)
	ctx := context.Background()

	_, err := reg.SetFields(ctx, "7", map[string]any{"skill": "3"}, time.Minute)
	require.NoError(t, err)

	n, err := reg.SetFields(ctx, "7", map[string]any{"skill": 3}, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = reg.SetFields(ctx, "7", map[string]any{"skill": "3.0"}, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSetFieldsWithDeletions(t *testing.T) {
	reg, _ := newRegister(t)
	ctx := context.Background()

	_, err := reg.SetFields(ctx, "9", map[string]any{"a": 1, "b": true, "c": "x"}, time.Minute)
	require.NoError(t, err)

	w, err := reg.Subscribe(ctx, "9")
	require.NoError(t, err)
	defer w.Close()

	n, err := reg.SetFieldsWithDeletions(ctx, "9", map[string]any{"a": 2}, []string{"b", "missing"}, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ev := nextEvent(t, w)
	assert.Equal(t, map[string]string{"a": "2"}, ev.Changed)
	assert.Equal(t, []string{"b"}, ev.Removed)

	state, err := reg.Get(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "2", "c": "x"}, state)

	n, err = reg.SetFieldsWithDeletions(ctx, "9", nil, []string{"missing"}, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	noEvent(t, w)
}

func TestValidationHasNoSideEffects(t *testing.T) {
	reg, store := newRegister(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		sets    map[string]any
		deletes []string
		ttl     time.Duration
	}{
		{"empty id", "", map[string]any{"a": 1}, nil, time.Minute},
		{"zero ttl", "1", map[string]any{"a": 1}, nil, 0},
		{"empty field", "1", map[string]any{"": 1}, nil, time.Minute},
		{"set and delete", "1", map[string]any{"a": 1}, []string{"a"}, time.Minute},
		{"unsupported type", "1", map[string]any{"a": []int{1}}, nil, time.Minute},
		{"nil value", "1", map[string]any{"a": nil}, nil, time.Minute},
		{"sets id field", "1", map[string]any{"game_id": "2"}, nil, time.Minute},
		{"deletes id field", "1", nil, []string{"game_id"}, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.SetFieldsWithDeletions(ctx, tt.id, tt.sets, tt.deletes, tt.ttl)
			assert.ErrorIs(t, err, errors.ErrInvalidArgs)
		})
	}

	n, err := store.DBSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetMissing(t *testing.T) {
	reg, _ := newRegister(t)
	_, err := reg.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordExpires(t *testing.T) {
	reg, _ := newRegister(t)
	ctx := context.Background()

	_, err := reg.SetFields(ctx, "short", map[string]any{"a": 1}, 30*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	_, err = reg.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentSetFieldsNoLostUpdates(t *testing.T) {
	reg, _ := newRegister(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := reg.SetFields(ctx, "race", map[string]any{
					fmt.Sprintf("w%d", i): j,
					"last":                fmt.Sprintf("%d-%d", i, j),
				}, time.Minute)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	state, err := reg.Get(ctx, "race")
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		assert.Equal(t, "49", state[fmt.Sprintf("w%d", i)])
	}
	assert.Len(t, state, 17)
}

func TestWatchAllGames(t *testing.T) {
	reg, _ := newRegister(t)
	ctx := context.Background()

	w, err := reg.Subscribe(ctx, "")
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		_, err := reg.SetFields(ctx, id, map[string]any{"up": true}, time.Minute)
		require.NoError(t, err)
	}
	assert.Equal(t, "a", nextEvent(t, w).GameID)
	assert.Equal(t, "b", nextEvent(t, w).GameID)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	_, ok := <-w.Events()
	assert.False(t, ok)
}

func TestFormatValue(t *testing.T) {
	at := time.Unix(1700000000, 0)
	tests := []struct {
		in   any
		want string
	}{
		{"MAP01", "MAP01"},
		{4, "4"},
		{int64(-2), "-2"},
		{uint8(7), "7"},
		{true, "true"},
		{false, "false"},
		{1.5, "1.5"},
		{3.0, "3"},
		{float32(0.25), "0.25"},
		{at, "1700000000"},
		{90 * time.Second, "90"},
		{[]byte("raw"), "raw"},
	}
	for _, tt := range tests {
		got, err := FormatValue(tt.in)
		require.NoError(t, err, "%T", tt.in)
		assert.Equal(t, tt.want, got, "%T %v", tt.in, tt.in)
	}

	_, err := FormatValue(struct{}{})
	assert.ErrorIs(t, err, errors.ErrInvalidArgs)
}

func TestDecodeEvent(t *testing.T) {
	reg, _ := newRegister(t)
	ev, err := reg.DecodeEvent(`{"game_id":"3","map":"E1M2","bots":null,"dm":null}`)
	require.NoError(t, err)
	assert.Equal(t, "3", ev.GameID)
	assert.Equal(t, map[string]string{"map": "E1M2"}, ev.Changed)
	assert.Equal(t, []string{"bots", "dm"}, ev.Removed)

	_, err = reg.DecodeEvent("not json")
	assert.Error(t, err)
}
