package gamestate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/beebs-dev/dorch-sub000/internal/coord"
)

// Event is one decoded change notification. It only carries what changed;
// consumers combine it with a Get for the full state.
type Event struct {
	GameID  string
	Changed map[string]string
	Removed []string
}

// Watch streams change events until closed.
type Watch struct {
	sub    coord.Subscription
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the event stream. It is closed after Close or when the
// underlying subscription ends.
func (w *Watch) Events() <-chan Event {
	return w.events
}

func (w *Watch) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.sub.Close()
	})
	return err
}

// Subscribe watches one game, or every game when gameID is empty.
func (r *Register) Subscribe(ctx context.Context, gameID string) (*Watch, error) {
	var (
		sub coord.Subscription
		err error
	)
	if gameID == "" {
		sub, err = r.store.PSubscribe(ctx, r.cfg.EventPrefix+"*")
	} else {
		sub, err = r.store.Subscribe(ctx, r.channel(gameID))
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe to game events: %w", err)
	}

	w := &Watch{sub: sub, events: make(chan Event, 64), done: make(chan struct{})}
	go r.pump(w)
	return w, nil
}

func (r *Register) pump(w *Watch) {
	defer close(w.events)
	for {
		select {
		case <-w.done:
			return
		case msg, ok := <-w.sub.Messages():
			if !ok {
				return
			}
			ev, err := r.DecodeEvent(msg.Payload)
			if err != nil {
				r.log.Warn("dropping malformed game event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if ev.GameID == "" {
				ev.GameID = strings.TrimPrefix(msg.Channel, r.cfg.EventPrefix)
			}
			select {
			case w.events <- ev:
			case <-w.done:
				return
			}
		}
	}
}

// DecodeEvent parses a change event payload: a JSON object of field to
// string value, with null marking a removed field.
func (r *Register) DecodeEvent(payload string) (Event, error) {
	var raw map[string]*string
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Event{}, err
	}

	ev := Event{Changed: make(map[string]string, len(raw))}
	for f, v := range raw {
		switch {
		case f == r.cfg.IDField && v != nil:
			ev.GameID = *v
		case v == nil:
			ev.Removed = append(ev.Removed, f)
		default:
			ev.Changed[f] = *v
		}
	}
	sort.Strings(ev.Removed)
	return ev, nil
}
