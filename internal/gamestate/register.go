// Package gamestate is the live server state register: one hash per game
// server whose existence means the server is alive, updated diff-aware so
// subscribers only hear about real changes.
package gamestate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/internal/metrics"
	"github.com/beebs-dev/dorch-sub000/internal/procs"
	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// ErrNotFound is returned by Get when no live record exists for the game.
var ErrNotFound = errors.New("game state not found")

type Config struct {
	KeyPrefix   string `env:"STATE_KEY_PREFIX" envDefault:"game:"`
	EventPrefix string `env:"STATE_EVENT_PREFIX" envDefault:"game-events:"`
	IDField     string `env:"STATE_ID_FIELD" envDefault:"game_id"`
}

func DefaultConfig() Config {
	return Config{KeyPrefix: "game:", EventPrefix: "game-events:", IDField: "game_id"}
}

type Register struct {
	store coord.Store
	cfg   Config
	log   *zap.Logger
}

func New(store coord.Store, cfg Config, log *zap.Logger) *Register {
	if log == nil {
		log = zap.NewNop()
	}
	return &Register{store: store, cfg: cfg, log: log}
}

func (r *Register) key(gameID string) string     { return r.cfg.KeyPrefix + gameID }
func (r *Register) channel(gameID string) string { return r.cfg.EventPrefix + gameID }

// SetFields writes updates to the game's record and refreshes its liveness
// TTL. It returns how many fields changed; zero means the call was a pure
// heartbeat and no event was published.
func (r *Register) SetFields(ctx context.Context, gameID string, updates map[string]any, ttl time.Duration) (int64, error) {
	return r.SetFieldsWithDeletions(ctx, gameID, updates, nil, ttl)
}

// SetFieldsWithDeletions is SetFields that also removes the named fields.
// A removed field only counts as a change if it existed.
func (r *Register) SetFieldsWithDeletions(ctx context.Context, gameID string, sets map[string]any, deletes []string, ttl time.Duration) (int64, error) {
	u, err := r.update(gameID, sets, deletes, ttl)
	if err != nil {
		return 0, err
	}

	changed, err := r.store.SetFields(ctx, u)
	metrics.RecordStateUpdate(changed, err)
	if err != nil {
		return 0, fmt.Errorf("set fields for game %s: %w", gameID, err)
	}
	if changed > 0 {
		r.log.Debug("game state changed", zap.String("game_id", gameID), zap.Int64("fields", changed))
	}
	return changed, nil
}

func (r *Register) update(gameID string, sets map[string]any, deletes []string, ttl time.Duration) (*procs.FieldUpdate, error) {
	if gameID == "" {
		return nil, fmt.Errorf("%w: empty game id", pkgerrors.ErrInvalidArgs)
	}
	u := &procs.FieldUpdate{
		Key:     r.key(gameID),
		Channel: r.channel(gameID),
		IDField: r.cfg.IDField,
		ID:      gameID,
		Sets:    make(map[string]string, len(sets)),
		Deletes: deletes,
		TTL:     ttl,
	}
	for f, v := range sets {
		s, err := FormatValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f, err)
		}
		u.Sets[f] = s
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// Get returns the full current state of a live game.
func (r *Register) Get(ctx context.Context, gameID string) (map[string]string, error) {
	if gameID == "" {
		return nil, fmt.Errorf("%w: empty game id", pkgerrors.ErrInvalidArgs)
	}
	fields, err := r.store.HGetAll(ctx, r.key(gameID))
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", gameID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// FormatValue renders a field value as the text stored in the record.
// Equality of stored fields is plain text equality, so 3 and 3.0 differ.
func FormatValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	case time.Time:
		return strconv.FormatInt(x.Unix(), 10), nil
	case time.Duration:
		return strconv.FormatInt(int64(x/time.Second), 10), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", fmt.Errorf("%w: unsupported value type %T", pkgerrors.ErrInvalidArgs, v)
}

func formatFloat(f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: non-finite number", pkgerrors.ErrInvalidArgs)
	}
	return strconv.FormatFloat(f, 'f', -1, bits), nil
}
