package procs

import (
	"fmt"

	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// ReleaseLease deletes the lease at key only if owner still holds it.
func ReleaseLease(tx *memory.Tx, key, owner string) (bool, error) {
	if key == "" || owner == "" {
		return false, fmt.Errorf("%w: empty lease key or owner", errors.ErrInvalidArgs)
	}

	cur, ok, err := tx.GetBytes(key)
	if err != nil || !ok {
		return false, err
	}
	if string(cur) != owner {
		return false, nil
	}
	return tx.Del(key)
}
