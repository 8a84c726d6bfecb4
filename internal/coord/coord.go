// Package coord is the client side of the coordination store. The fleet
// primitives talk to a Store; Local runs the procedures in-process against a
// memory.Store and Remote sends them to a coordd server over RESP.
package coord

import (
	"context"
	"time"

	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/internal/procs"
)

// Message is one published payload.
type Message = memory.Message

// Subscription delivers messages until closed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is everything the fleet primitives need from the coordination store.
//
// Errors are the sentinels of pkg/errors: ErrInvalidArgs for malformed calls
// (returned before anything is sent), ErrUnavailable when the store cannot be
// reached, ErrKeyNotFound for missing string keys.
type Store interface {
	// SetFields runs the diff-aware state update as one atomic step.
	SetFields(ctx context.Context, u *procs.FieldUpdate) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	AddMember(ctx context.Context, metaKey, setKey, member string, meta map[string]string) (int64, error)
	RemoveMember(ctx context.Context, metaKey, setKey, member string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// Admit runs one dual-window admission decision. A zero now uses the
	// store's clock.
	Admit(ctx context.Context, key string, now time.Time, l procs.Limits) (bool, error)

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	// AcquireLease sets key to owner only if key is absent.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease deletes key only if owner still holds it.
	ReleaseLease(ctx context.Context, key, owner string) (bool, error)

	Subscribe(ctx context.Context, channel string) (Subscription, error)
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures the store client.
type Config struct {
	// Addr of a coordd server. Empty runs an in-process store.
	Addr         string        `env:"COORD_ADDR"`
	DialTimeout  time.Duration `env:"COORD_DIAL_TIMEOUT" envDefault:"2s"`
	ReadTimeout  time.Duration `env:"COORD_READ_TIMEOUT" envDefault:"1s"`
	WriteTimeout time.Duration `env:"COORD_WRITE_TIMEOUT" envDefault:"1s"`
	PoolSize     int           `env:"COORD_POOL_SIZE" envDefault:"16"`
	// SubscriberBuffer bounds undelivered messages per subscription.
	SubscriberBuffer int `env:"COORD_SUBSCRIBER_BUFFER" envDefault:"256"`
}

// Open returns a Remote client when cfg.Addr is set and a Local store
// otherwise.
func Open(cfg Config) Store {
	if cfg.Addr != "" {
		return NewRemote(cfg)
	}
	mcfg := memory.DefaultConfig()
	mcfg.SubscriberBuffer = cfg.SubscriberBuffer
	return NewLocal(memory.NewStore(mcfg))
}
