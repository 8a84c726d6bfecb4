package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beebs-dev/dorch-sub000/internal/procs"
	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Remote talks to a coordd server. Procedures go out as single commands, so
// each one stays atomic on the server.
type Remote struct {
	rdb     *redis.Client
	bufSize int
}

var _ Store = (*Remote)(nil)

func NewRemote(cfg Config) *Remote {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Protocol:     2,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		// coordd does not keep client names.
		DisableIndentity: true,
	})
	return &Remote{rdb: rdb, bufSize: cfg.SubscriberBuffer}
}

// remoteErr maps client and server errors back onto the pkg/errors
// sentinels. Anything that is not a server reply means the store could not
// be reached.
func remoteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return pkgerrors.ErrKeyNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return fmt.Errorf("%w: %v", pkgerrors.ErrUnavailable, err)
	}
	msg := rerr.Error()
	switch {
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return pkgerrors.ErrWrongType
	case strings.HasPrefix(msg, "ERR "+pkgerrors.ErrInvalidArgs.Error()):
		return fmt.Errorf("%w%s", pkgerrors.ErrInvalidArgs,
			strings.TrimPrefix(msg, "ERR "+pkgerrors.ErrInvalidArgs.Error()))
	case strings.HasPrefix(msg, "ERR "+pkgerrors.ErrUnavailable.Error()):
		return pkgerrors.ErrUnavailable
	case strings.HasPrefix(msg, "ERR "+pkgerrors.ErrInvalidExpire.Error()):
		return pkgerrors.ErrInvalidExpire
	}
	return fmt.Errorf("coordd: %s", msg)
}

func (r *Remote) SetFields(ctx context.Context, u *procs.FieldUpdate) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}

	args := make([]any, 0, 9+2*len(u.Sets)+len(u.Deletes))
	args = append(args, "state.set", u.Key, u.TTL.Milliseconds(), u.Channel, u.IDField, u.ID, len(u.Sets))
	for f, v := range u.Sets {
		args = append(args, f, v)
	}
	args = append(args, len(u.Deletes))
	for _, f := range u.Deletes {
		args = append(args, f)
	}

	n, err := r.rdb.Do(ctx, args...).Int64()
	return n, remoteErr(err)
}

func (r *Remote) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, key).Result()
	return m, remoteErr(err)
}

func (r *Remote) AddMember(ctx context.Context, metaKey, setKey, member string, meta map[string]string) (int64, error) {
	args := make([]any, 0, 4+2*len(meta))
	args = append(args, "party.join", metaKey, setKey, member)
	for f, v := range meta {
		args = append(args, f, v)
	}
	n, err := r.rdb.Do(ctx, args...).Int64()
	return n, remoteErr(err)
}

func (r *Remote) RemoveMember(ctx context.Context, metaKey, setKey, member string) (int64, error) {
	n, err := r.rdb.Do(ctx, "party.leave", metaKey, setKey, member).Int64()
	return n, remoteErr(err)
}

func (r *Remote) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := r.rdb.SMembers(ctx, key).Result()
	return m, remoteErr(err)
}

func (r *Remote) Admit(ctx context.Context, key string, now time.Time, l procs.Limits) (bool, error) {
	if err := l.Validate(); err != nil {
		return false, err
	}
	var nowMs int64
	if !now.IsZero() {
		nowMs = now.UnixMilli()
	}
	n, err := r.rdb.Do(ctx, "rate.admit", key, nowMs,
		l.BurstLimit, l.BurstWindow.Milliseconds(),
		l.LongLimit, l.LongWindow.Milliseconds(),
		l.MaxLen).Int64()
	return n == 1, remoteErr(err)
}

func (r *Remote) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, key).Bytes()
	return v, remoteErr(err)
}

func (r *Remote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return remoteErr(r.rdb.Set(ctx, key, value, ttl).Err())
}

func (r *Remote) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, remoteErr(err)
}

func (r *Remote) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" || ttl <= 0 {
		return false, fmt.Errorf("%w: lease needs a key, an owner and a positive ttl", pkgerrors.ErrInvalidArgs)
	}
	err := r.rdb.SetArgs(ctx, key, owner, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, remoteErr(err)
}

func (r *Remote) ReleaseLease(ctx context.Context, key, owner string) (bool, error) {
	n, err := r.rdb.Do(ctx, "lease.release", key, owner).Int64()
	return n == 1, remoteErr(err)
}

type remoteSub struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *remoteSub) Messages() <-chan Message { return s.ch }

func (s *remoteSub) Close() error {
	return s.ps.Close()
}

// pump drops messages while s.ch is full, like the in-process broker.
func (s *remoteSub) pump(size int) {
	defer close(s.ch)
	for m := range s.ps.Channel(redis.WithChannelSize(size)) {
		select {
		case s.ch <- Message{Channel: m.Channel, Pattern: m.Pattern, Payload: m.Payload}:
		default:
		}
	}
}

func (r *Remote) subscribe(ctx context.Context, ps *redis.PubSub) (Subscription, error) {
	// Wait for the server's confirmation so nothing published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, remoteErr(err)
	}
	size := r.bufSize
	if size <= 0 {
		size = 256
	}
	s := &remoteSub{ps: ps, ch: make(chan Message, size)}
	go s.pump(size)
	return s, nil
}

func (r *Remote) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	return r.subscribe(ctx, r.rdb.Subscribe(ctx, channel))
}

func (r *Remote) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	return r.subscribe(ctx, r.rdb.PSubscribe(ctx, pattern))
}

func (r *Remote) Ping(ctx context.Context) error {
	return remoteErr(r.rdb.Ping(ctx).Err())
}

func (r *Remote) Close() error {
	return r.rdb.Close()
}
