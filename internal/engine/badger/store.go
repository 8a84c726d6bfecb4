// Package badger provides the on-disk spill tier for large string values
// held by the memory store, typically cached artifact bytes.
package badger

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Store implements memory.Spill using BadgerDB. Its contents are scratch
// space: the keyspace that references them lives only in memory, so the
// directory is emptied on open.
type Store struct {
	db *badger.DB
}

// NewStore opens (or creates) a spill directory at path and drops anything
// left behind by a previous process.
func NewStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.BlockCacheSize = 64 << 20
	opts.IndexCacheSize = 16 << 20
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	if err := db.DropAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reset spill dir: %w", err)
	}

	return &Store{db: db}, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, pkgerrors.ErrKeyNotFound
	}
	return out, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Len counts stored values.
func (s *Store) Len() (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes db
func (s *Store) Close() error {
	return s.db.Close()
}
