package procs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Limits configures the dual-window admission check.
type Limits struct {
	BurstLimit  int64
	BurstWindow time.Duration
	LongLimit   int64
	LongWindow  time.Duration
	// MaxLen caps the bucket length regardless of traffic.
	MaxLen int64
}

// Validate checks that the limits describe a usable policy.
func (l Limits) Validate() error {
	switch {
	case l.BurstLimit <= 0 || l.LongLimit <= 0:
		return fmt.Errorf("%w: limits must be positive", errors.ErrInvalidArgs)
	case l.BurstWindow <= 0 || l.LongWindow <= 0:
		return fmt.Errorf("%w: windows must be positive", errors.ErrInvalidArgs)
	case l.BurstWindow > l.LongWindow:
		return fmt.Errorf("%w: burst window longer than long window", errors.ErrInvalidArgs)
	case l.MaxLen < l.BurstLimit || l.MaxLen < l.LongLimit:
		return fmt.Errorf("%w: max bucket length below a limit", errors.ErrInvalidArgs)
	}
	return nil
}

// Admit runs one admission decision against the bucket at key.
//
// The bucket is a list of unix-millisecond timestamps, oldest first. Entries
// that left the long window are dropped, then the request is rejected if
// either window is already full. An admitted request appends now, trims the
// bucket to MaxLen from the oldest end and refreshes the bucket TTL to the
// long window. A rejected request leaves the remaining entries untouched.
func Admit(tx *memory.Tx, key string, now time.Time, l Limits) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty key", errors.ErrInvalidArgs)
	}
	if err := l.Validate(); err != nil {
		return false, err
	}
	if _, err := tx.ExpireAt(l.LongWindow); err != nil {
		return false, err
	}

	nowMs := now.UnixMilli()
	longCutoff := nowMs - l.LongWindow.Milliseconds()
	burstCutoff := nowMs - l.BurstWindow.Milliseconds()

	entries, err := tx.LRange(key, 0, -1)
	if err != nil {
		return false, err
	}

	first := len(entries)
	var total, burst int64
	for i, raw := range entries {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts <= longCutoff {
			continue
		}
		if first == len(entries) {
			first = i
		}
		total++
		if ts > burstCutoff {
			burst++
		}
	}
	if first > 0 {
		if err := tx.LTrim(key, int64(first), -1); err != nil {
			return false, err
		}
	}

	if burst >= l.BurstLimit || total >= l.LongLimit {
		return false, nil
	}

	n, err := tx.RPush(key, strconv.FormatInt(nowMs, 10))
	if err != nil {
		return false, err
	}
	if n > l.MaxLen {
		if err := tx.LTrim(key, -l.MaxLen, -1); err != nil {
			return false, err
		}
	}
	if _, err := tx.Expire(key, l.LongWindow); err != nil {
		return false, err
	}
	return true, nil
}
