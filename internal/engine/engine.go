// Package engine defines the core storage engine interfaces.
package engine

import (
	"context"
	"time"

	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Common errors
var (
	ErrKeyNotFound = pkgerrors.ErrKeyNotFound
	ErrWrongType   = pkgerrors.ErrWrongType
)

// ValueType represents the type of value stored.
type ValueType int

const (
	TypeNone ValueType = iota
	TypeString
	TypeList
	TypeSet
	TypeHash
)

// String returns the Redis TYPE name.
func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeSet:
		return "set"
	case TypeHash:
		return "hash"
	default:
		return "none"
	}
}

// Engine is the core keyspace interface.
type Engine interface {
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Type(ctx context.Context, key string) (string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Persist(ctx context.Context, key string) (bool, error)

	DBSize(ctx context.Context) (int64, error)
	FlushDB(ctx context.Context) error

	Close() error
}

// StringEngine defines string type operations.
type StringEngine interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	SetXX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// HashEngine defines hash type operations.
type HashEngine interface {
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, pairs ...string) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HExists(ctx context.Context, key, field string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
}

// ListEngine defines list type operations.
type ListEngine interface {
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// SetEngine defines set type operations.
type SetEngine interface {
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
}

// Publisher fans a message out to every subscriber of channel and reports
// how many local subscribers were matched.
type Publisher interface {
	Publish(ctx context.Context, channel, message string) (int64, error)
}
