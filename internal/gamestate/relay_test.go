package gamestate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRelayRejectsShortTTL(t *testing.T) {
	reg, _ := newRegister(t)
	_, err := NewRelay(reg, "g", time.Second, time.Second)
	assert.Error(t, err)
	_, err = NewRelay(reg, "g", 0, time.Second)
	assert.Error(t, err)
}

func TestRelayPushHeartbeatAndRemovals(t *testing.T) {
	reg, _ := newRegister(t)
	ctx := context.Background()

	r, err := NewRelay(reg, "g1", time.Hour, 2*time.Hour)
	require.NoError(t, err)

	n, err := r.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing to push before the first snapshot")

	r.Update(map[string]any{"players": 2, "map": "MAP01"})
	n, err = r.Push(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = r.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	r.Update(map[string]any{"players": 3})
	n, err = r.Push(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	state, err := reg.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"players": "3"}, state)
}

func TestRelayDropsIDFieldFromSnapshot(t *testing.T) {
	reg, _ := newRegister(t)
	ctx := context.Background()

	w, err := reg.Subscribe(ctx, "g3")
	require.NoError(t, err)
	defer w.Close()

	r, err := NewRelay(reg, "g3", time.Hour, 2*time.Hour)
	require.NoError(t, err)
	r.Update(map[string]any{"game_id": "other", "players": 1})
	n, err := r.Push(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ev := nextEvent(t, w)
	assert.Equal(t, "g3", ev.GameID)
	assert.Equal(t, "1", ev.Changed["players"])

	state, err := reg.Get(ctx, "g3")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"players": "1"}, state)
}

func TestRelayRunPushesOnUpdate(t *testing.T) {
	reg, _ := newRegister(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := reg.Subscribe(ctx, "g2")
	require.NoError(t, err)
	defer w.Close()

	r, err := NewRelay(reg, "g2", time.Hour, 2*time.Hour)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Update(map[string]any{"map": "MAP07"})
	ev := nextEvent(t, w)
	assert.Equal(t, "MAP07", ev.Changed["map"])

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
