// Package procs holds the server-side atomic procedures of the coordination
// store. Each procedure is a plain function over a *memory.Tx: the caller
// declares the keys, memory.Store.Atomic locks them, and the procedure reads,
// decides and writes as one indivisible step.
package procs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// FieldUpdate describes one diff-aware write to a live state record.
type FieldUpdate struct {
	Key string // hash holding the record

	// Channel receives the change event; empty disables publishing.
	Channel string
	// IDField/ID are added to every change event so consumers can tell
	// records apart on pattern subscriptions.
	IDField string
	ID      string

	Sets    map[string]string
	Deletes []string
	TTL     time.Duration
}

// Keys returns the keys the update touches.
func (u *FieldUpdate) Keys() []string {
	return []string{u.Key}
}

// Validate rejects malformed updates. It never touches the store.
func (u *FieldUpdate) Validate() error {
	if u.Key == "" {
		return fmt.Errorf("%w: empty key", errors.ErrInvalidArgs)
	}
	if u.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", errors.ErrInvalidArgs)
	}
	if u.Channel != "" && (u.IDField == "" || u.ID == "") {
		return fmt.Errorf("%w: change events need an id field and id", errors.ErrInvalidArgs)
	}
	for f := range u.Sets {
		if f == "" {
			return fmt.Errorf("%w: empty field name", errors.ErrInvalidArgs)
		}
		if u.IDField != "" && f == u.IDField {
			return fmt.Errorf("%w: field %q is reserved for the record id", errors.ErrInvalidArgs, f)
		}
	}
	seen := make(map[string]struct{}, len(u.Deletes))
	for _, f := range u.Deletes {
		if f == "" {
			return fmt.Errorf("%w: empty field name", errors.ErrInvalidArgs)
		}
		if _, ok := u.Sets[f]; ok {
			return fmt.Errorf("%w: field %q both set and deleted", errors.ErrInvalidArgs, f)
		}
		if u.IDField != "" && f == u.IDField {
			return fmt.Errorf("%w: field %q is reserved for the record id", errors.ErrInvalidArgs, f)
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("%w: field %q deleted twice", errors.ErrInvalidArgs, f)
		}
		seen[f] = struct{}{}
	}
	return nil
}

// SetFields applies u to the record and returns how many fields changed.
//
// A set field counts as changed when its stored text differs from the new
// text (plain byte comparison, so "3" and "3.0" differ). A deleted field
// counts only if it existed. The record's TTL is refreshed whatever the
// outcome, and a single event carrying exactly the changed fields is
// published when the count is non-zero.
func SetFields(tx *memory.Tx, u *FieldUpdate) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}
	if _, err := tx.ExpireAt(u.TTL); err != nil {
		return 0, err
	}

	current, err := tx.HGetAll(u.Key)
	if err != nil {
		return 0, err
	}

	changed := make(map[string]*string)
	for f, v := range u.Sets {
		if old, ok := current[f]; ok && old == v {
			continue
		}
		if _, err := tx.HSet(u.Key, f, v); err != nil {
			return 0, err
		}
		v := v
		changed[f] = &v
	}
	for _, f := range u.Deletes {
		if _, ok := current[f]; !ok {
			continue
		}
		if _, err := tx.HDel(u.Key, f); err != nil {
			return 0, err
		}
		changed[f] = nil
	}

	// Deleting the last field removes the record; Expire is then a no-op.
	if _, err := tx.Expire(u.Key, u.TTL); err != nil {
		return 0, err
	}

	n := int64(len(changed))
	if n == 0 || u.Channel == "" {
		return n, nil
	}

	id := u.ID
	changed[u.IDField] = &id
	payload, err := json.Marshal(changed)
	if err != nil {
		return 0, err
	}
	tx.Publish(u.Channel, string(payload))
	return n, nil
}
