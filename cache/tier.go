package cache

import (
	"context"
	"fmt"
	"time"
)

// Tier is one storage level of the flight cache.
// Entries are stored as encoded bytes; expiry is decided by the caller.
//
// Implementations must be thread-safe!
type Tier interface {
	// Name identifies the tier in logs and status output.
	Name() string
	// Get returns the entry stored under key.
	// The boolean is false if there is no entry, or if the stored bytes were corrupted
	// (in which case the tier also purges them).
	// An error means the tier itself could not be reached.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry under entry.Key, replacing any previous entry.
	Put(ctx context.Context, entry Entry) error
	// Purge removes the entry for the given key.
	Purge(ctx context.Context, key string) error
	// AllKeys calls the given callback for each key with the given prefix.
	// The keys are collected before the first callback, so the callback may modify the tier.
	AllKeys(ctx context.Context, prefix string, cb func(string)) error
	// Clear removes every entry of the tier.
	Clear(ctx context.Context) error
}

// RawWriter is implemented by tiers that can store bytes without encoding an entry.
// It is used by the remote store and for maintenance.
type RawWriter interface {
	PutBytes(ctx context.Context, key string, createdAt, expires time.Time, b []byte) error
}

// TierError is a failure of a single tier.
type TierError struct {
	Tier string
	Op   string
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s tier: %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierError) Unwrap() error {
	return e.Err
}
