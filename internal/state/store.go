// Package state provides the shared lock/state store used for ownership
// records, execution leases and seen-record bookkeeping. All cross-worker
// mutable state goes through this store's atomic primitives.
package state

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or its entry expired.
var ErrNotFound = errors.New("state: key not found")

// Store is the atomic key/value contract shared by all workers and processes.
type Store interface {
	// SetIfAbsent atomically stores value under key unless a live entry is
	// already present. A ttl of zero means no expiry. Returns true if the
	// value was stored, false if a non-expired entry already exists.
	SetIfAbsent(key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally stores value under key with no expiry.
	Set(key, value string) error
	// CompareAndSwap atomically replaces the live value under key with next,
	// but only while it still holds old. Returns true if the swap happened.
	CompareAndSwap(key, old, next string) (bool, error)
	// Get returns the live value for key, or ErrNotFound.
	Get(key string) (string, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
}
