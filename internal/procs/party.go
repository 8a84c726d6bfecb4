package procs

import (
	"fmt"
	"strconv"

	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// CreatedAtField is written to a party's metadata when the first member
// joins without supplying any metadata, so the record exists whenever the
// member set does.
const CreatedAtField = "created_at"

func validateParty(metaKey, setKey, member string) error {
	switch {
	case metaKey == "" || setKey == "":
		return fmt.Errorf("%w: empty party key", errors.ErrInvalidArgs)
	case metaKey == setKey:
		return fmt.Errorf("%w: metadata and member keys must differ", errors.ErrInvalidArgs)
	case member == "":
		return fmt.Errorf("%w: empty member id", errors.ErrInvalidArgs)
	}
	return nil
}

// AddMember adds member to the set at setKey and returns the member count.
// Fields of meta are written to the hash at metaKey only where absent, so a
// late joiner cannot overwrite what the party's creator recorded.
func AddMember(tx *memory.Tx, metaKey, setKey, member string, meta map[string]string) (int64, error) {
	if err := validateParty(metaKey, setKey, member); err != nil {
		return 0, err
	}

	if _, err := tx.SAdd(setKey, member); err != nil {
		return 0, err
	}
	for f, v := range meta {
		ok, err := tx.HExists(metaKey, f)
		if err != nil {
			return 0, err
		}
		if ok {
			continue
		}
		if _, err := tx.HSet(metaKey, f, v); err != nil {
			return 0, err
		}
	}

	exists, err := tx.Exists(metaKey)
	if err != nil {
		return 0, err
	}
	if !exists {
		if _, err := tx.HSet(metaKey, CreatedAtField, strconv.FormatInt(tx.Now().Unix(), 10)); err != nil {
			return 0, err
		}
	}

	return tx.SCard(setKey)
}

// RemoveMember removes member from the set at setKey and returns how many
// members remain. Removing an absent member is not an error. When the set
// empties, the metadata hash at metaKey is deleted in the same step.
func RemoveMember(tx *memory.Tx, metaKey, setKey, member string) (int64, error) {
	if err := validateParty(metaKey, setKey, member); err != nil {
		return 0, err
	}

	if _, err := tx.SRem(setKey, member); err != nil {
		return 0, err
	}
	remaining, err := tx.SCard(setKey)
	if err != nil {
		return 0, err
	}
	if remaining > 0 {
		return remaining, nil
	}

	if _, err := tx.Del(setKey); err != nil {
		return 0, err
	}
	if _, err := tx.Del(metaKey); err != nil {
		return 0, err
	}
	return 0, nil
}
