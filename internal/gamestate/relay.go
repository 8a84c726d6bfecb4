package gamestate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Relay pushes the most recent telemetry snapshot of one game server on a
// fixed interval. Pushing an unchanged snapshot is the heartbeat that keeps
// the record alive. Fields present in the previous push but missing from the
// current snapshot are removed.
type Relay struct {
	reg      *Register
	gameID   string
	interval time.Duration
	ttl      time.Duration

	mu      sync.Mutex
	latest  map[string]any
	pushed  map[string]struct{}
	trigger chan struct{}
}

func NewRelay(reg *Register, gameID string, interval, ttl time.Duration) (*Relay, error) {
	if interval <= 0 || ttl <= interval {
		return nil, fmt.Errorf("relay ttl %v must exceed interval %v", ttl, interval)
	}
	return &Relay{
		reg:      reg,
		gameID:   gameID,
		interval: interval,
		ttl:      ttl,
		pushed:   make(map[string]struct{}),
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Update replaces the snapshot and asks Run to push it without waiting for
// the next tick. The id field is dropped; the record key already names the
// game.
func (r *Relay) Update(snapshot map[string]any) {
	cp := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		cp[k] = v
	}
	delete(cp, r.reg.cfg.IDField)
	r.mu.Lock()
	r.latest = cp
	r.mu.Unlock()

	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run pushes until ctx is done. Failed pushes are logged and retried on the
// next tick rather than queued.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.trigger:
		}
		if _, err := r.Push(ctx); err != nil && ctx.Err() == nil {
			r.reg.log.Warn("state relay push failed", zap.String("game_id", r.gameID), zap.Error(err))
		}
	}
}

// Push sends the current snapshot once. Nothing is sent before the first
// Update.
func (r *Relay) Push(ctx context.Context) (int64, error) {
	r.mu.Lock()
	snap := r.latest
	var deletes []string
	for f := range r.pushed {
		if _, ok := snap[f]; !ok {
			deletes = append(deletes, f)
		}
	}
	r.mu.Unlock()
	if snap == nil {
		return 0, nil
	}

	n, err := r.reg.SetFieldsWithDeletions(ctx, r.gameID, snap, deletes, r.ttl)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.pushed = make(map[string]struct{}, len(snap))
	for f := range snap {
		r.pushed[f] = struct{}{}
	}
	r.mu.Unlock()
	return n, nil
}
