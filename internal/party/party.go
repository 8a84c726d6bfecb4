// Package party keeps party membership. A party is a metadata hash plus a
// member set; the hash exists exactly while the set is non-empty.
package party

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/internal/metrics"
	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

type Config struct {
	KeyPrefix string `env:"PARTY_KEY_PREFIX" envDefault:"party:"`
}

type Membership struct {
	store  coord.Store
	prefix string
	log    *zap.Logger
}

func New(store coord.Store, cfg Config, log *zap.Logger) *Membership {
	if log == nil {
		log = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "party:"
	}
	return &Membership{store: store, prefix: prefix, log: log}
}

func (m *Membership) keys(partyID string) (meta, members string) {
	meta = m.prefix + partyID
	return meta, meta + ":members"
}

func checkID(partyID string) error {
	if partyID == "" {
		return fmt.Errorf("%w: empty party id", pkgerrors.ErrInvalidArgs)
	}
	return nil
}

// Join adds memberID and returns the member count. meta fields are only
// written where the party does not have them yet.
func (m *Membership) Join(ctx context.Context, partyID, memberID string, meta map[string]string) (int64, error) {
	if err := checkID(partyID); err != nil {
		return 0, err
	}
	metaKey, setKey := m.keys(partyID)
	n, err := m.store.AddMember(ctx, metaKey, setKey, memberID, meta)
	if err != nil {
		return 0, fmt.Errorf("join party %s: %w", partyID, err)
	}
	return n, nil
}

// RemoveMember removes memberID and returns how many members remain.
// Removing an absent member is not an error. When the last member leaves
// the party's records are deleted together.
func (m *Membership) RemoveMember(ctx context.Context, partyID, memberID string) (int64, error) {
	if err := checkID(partyID); err != nil {
		return 0, err
	}
	metaKey, setKey := m.keys(partyID)
	remaining, err := m.store.RemoveMember(ctx, metaKey, setKey, memberID)
	metrics.RecordPartyRemoval(remaining, err)
	if err != nil {
		return 0, fmt.Errorf("leave party %s: %w", partyID, err)
	}
	if remaining == 0 {
		m.log.Info("party disbanded", zap.String("party_id", partyID))
	}
	return remaining, nil
}

// Members returns the member ids in sorted order.
func (m *Membership) Members(ctx context.Context, partyID string) ([]string, error) {
	if err := checkID(partyID); err != nil {
		return nil, err
	}
	_, setKey := m.keys(partyID)
	members, err := m.store.SMembers(ctx, setKey)
	if err != nil {
		return nil, fmt.Errorf("party %s members: %w", partyID, err)
	}
	sort.Strings(members)
	return members, nil
}

// Metadata returns the party's metadata, empty when the party is gone.
func (m *Membership) Metadata(ctx context.Context, partyID string) (map[string]string, error) {
	if err := checkID(partyID); err != nil {
		return nil, err
	}
	metaKey, _ := m.keys(partyID)
	md, err := m.store.HGetAll(ctx, metaKey)
	if err != nil {
		return nil, fmt.Errorf("party %s metadata: %w", partyID, err)
	}
	return md, nil
}
