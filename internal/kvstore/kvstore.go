// Package kvstore provides the flat key-value namespace the bot keeps all
// of its durable state in: ban records, verification flags, pending
// captchas, the last-contact pointer and reply-routing tags.
//
// Values are opaque byte slices (the callers store serialized JSON). Every
// entry carries a monotonically increasing version so read-modify-write
// sequences can be retried safely with CheckAndPut, and an optional TTL
// after which the entry is treated as absent.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidKey      = errors.New("kvstore: invalid key")
	ErrVersionConflict = errors.New("kvstore: version conflict")
)

// PutOptions controls a single write. A zero TTL means the entry never
// expires.
type PutOptions struct {
	TTL time.Duration
}

// Entry is a stored value together with its current version. Versions start
// at 1 and increase by one per successful write to the same key.
type Entry struct {
	Value   []byte
	Version uint64
}

type Store interface {
	// Get returns the entry for key. The second result reports whether the
	// key exists; an expired entry counts as absent.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Put writes value unconditionally, bumping the version.
	Put(ctx context.Context, key string, value []byte, opts PutOptions) error

	// CheckAndPut writes value only if the current version equals expect.
	// Use expect == 0 to require that the key does not exist yet. Returns
	// ErrVersionConflict otherwise.
	CheckAndPut(ctx context.Context, key string, value []byte, expect uint64, opts PutOptions) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
