// Package errors defines sentinel errors shared by the coordination store,
// its clients and the primitives built on top of it.
package errors

import "errors"

// Sentinel errors for key operations.
var (
	// ErrKeyNotFound indicates that the requested key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrWrongType indicates a type mismatch for the value stored under a key.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

	// ErrNotInteger indicates the value is not a valid integer.
	ErrNotInteger = errors.New("value is not an integer or out of range")

	// ErrInvalidExpire indicates a TTL whose deadline does not fit the clock.
	ErrInvalidExpire = errors.New("invalid expire time")
)

// Sentinel errors for procedure calls.
var (
	// ErrInvalidArgs indicates a malformed call shape. It is always returned
	// before any read or write happened.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrUnavailable indicates the coordination store could not be reached.
	// Callers retry on their own schedule.
	ErrUnavailable = errors.New("coordination store unavailable")

	// ErrKeyNotLocked indicates a transaction touched a key it did not declare.
	ErrKeyNotLocked = errors.New("key not declared in transaction")
)

// Sentinel errors for connection/lifecycle.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")
)

// Sentinel errors for the artifact populator.
var (
	// ErrOriginFetch indicates the origin transfer failed (network error or
	// non-success response).
	ErrOriginFetch = errors.New("origin fetch failed")

	// ErrInvalidName indicates an artifact name that cannot be used as a file name.
	ErrInvalidName = errors.New("invalid artifact name")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
