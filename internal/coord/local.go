package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/internal/procs"
	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Local runs every operation against an in-process memory.Store.
type Local struct {
	store *memory.Store
}

var _ Store = (*Local)(nil)

func NewLocal(store *memory.Store) *Local {
	return &Local{store: store}
}

// Engine exposes the underlying store, e.g. to serve it over RESP.
func (l *Local) Engine() *memory.Store {
	return l.store
}

func localErr(err error) error {
	if errors.Is(err, pkgerrors.ErrClosed) {
		return fmt.Errorf("%w: %v", pkgerrors.ErrUnavailable, err)
	}
	return err
}

func (l *Local) SetFields(ctx context.Context, u *procs.FieldUpdate) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}
	var n int64
	err := l.store.Atomic(ctx, u.Keys(), func(tx *memory.Tx) error {
		var err error
		n, err = procs.SetFields(tx, u)
		return err
	})
	return n, localErr(err)
}

func (l *Local) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := l.store.HGetAll(ctx, key)
	return m, localErr(err)
}

func (l *Local) AddMember(ctx context.Context, metaKey, setKey, member string, meta map[string]string) (int64, error) {
	var n int64
	err := l.store.Atomic(ctx, []string{metaKey, setKey}, func(tx *memory.Tx) error {
		var err error
		n, err = procs.AddMember(tx, metaKey, setKey, member, meta)
		return err
	})
	return n, localErr(err)
}

func (l *Local) RemoveMember(ctx context.Context, metaKey, setKey, member string) (int64, error) {
	var n int64
	err := l.store.Atomic(ctx, []string{metaKey, setKey}, func(tx *memory.Tx) error {
		var err error
		n, err = procs.RemoveMember(tx, metaKey, setKey, member)
		return err
	})
	return n, localErr(err)
}

func (l *Local) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := l.store.SMembers(ctx, key)
	return m, localErr(err)
}

func (l *Local) Admit(ctx context.Context, key string, now time.Time, lim procs.Limits) (bool, error) {
	if err := lim.Validate(); err != nil {
		return false, err
	}
	var ok bool
	err := l.store.Atomic(ctx, []string{key}, func(tx *memory.Tx) error {
		at := now
		if at.IsZero() {
			at = tx.Now()
		}
		var err error
		ok, err = procs.Admit(tx, key, at, lim)
		return err
	})
	return ok, localErr(err)
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := l.store.GetBytes(ctx, key)
	return v, localErr(err)
}

func (l *Local) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return localErr(l.store.SetBytes(ctx, key, value, ttl))
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	n, err := l.store.Exists(ctx, key)
	return n > 0, localErr(err)
}

func (l *Local) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" || ttl <= 0 {
		return false, fmt.Errorf("%w: lease needs a key, an owner and a positive ttl", pkgerrors.ErrInvalidArgs)
	}
	ok, err := l.store.SetNX(ctx, key, []byte(owner), ttl)
	return ok, localErr(err)
}

func (l *Local) ReleaseLease(ctx context.Context, key, owner string) (bool, error) {
	var ok bool
	err := l.store.Atomic(ctx, []string{key}, func(tx *memory.Tx) error {
		var err error
		ok, err = procs.ReleaseLease(tx, key, owner)
		return err
	})
	return ok, localErr(err)
}

type localSub struct {
	sub *memory.Subscription
}

func (s localSub) Messages() <-chan Message { return s.sub.C() }

func (s localSub) Close() error {
	s.sub.Close()
	return nil
}

func (l *Local) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := l.Ping(ctx); err != nil {
		return nil, err
	}
	return localSub{sub: l.store.Broker().Subscribe(channel)}, nil
}

func (l *Local) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	if err := l.Ping(ctx); err != nil {
		return nil, err
	}
	return localSub{sub: l.store.Broker().PSubscribe(pattern)}, nil
}

func (l *Local) Ping(ctx context.Context) error {
	return localErr(l.store.Atomic(ctx, nil, func(*memory.Tx) error { return nil }))
}

func (l *Local) Close() error {
	return l.store.Close()
}
