// Package ledger defines the key-value record store the contract core writes
// through, and ships the SQL and in-memory implementations of it.
//
// Every value written is kept indefinitely; the retention window maintained
// by ExtendTTL is a lifecycle hint for the backend, never a deletion.
package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("ledger: key not found")

// KV is the view of the ledger inside one unit of work.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// ExtendTTL moves the key's live-until mark to now+extendTo when fewer
	// than minRemaining units are left.
	ExtendTTL(ctx context.Context, key string, minRemaining, extendTo uint32) error
}

// Store runs units of work against the ledger.
type Store interface {
	// Update runs fn atomically: writes become visible only when fn returns
	// nil, otherwise all of them are discarded.
	Update(ctx context.Context, fn func(ctx context.Context, kv KV) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(ctx context.Context, kv KV) error) error
	Close() error
}

// Retention is the window requested on every write.
type Retention struct {
	MinRemaining uint32 `yaml:"min_remaining" json:"min_remaining"`
	ExtendTo     uint32 `yaml:"extend_to" json:"extend_to"`
}

func DefaultRetention() Retention {
	return Retention{MinRemaining: 50, ExtendTo: 200}
}

// LedgerClock converts wall time into retention units of the given length.
func LedgerClock(unit time.Duration) func() uint64 {
	if unit <= 0 {
		unit = 5 * time.Second
	}
	return func() uint64 {
		return uint64(time.Now().UnixNano() / int64(unit))
	}
}

func extendedLiveUntil(liveUntil, now uint64, minRemaining, extendTo uint32) uint64 {
	var remaining uint64
	if liveUntil > now {
		remaining = liveUntil - now
	}
	if remaining < uint64(minRemaining) {
		return now + uint64(extendTo)
	}
	return liveUntil
}

var errReadOnly = errors.New("ledger: write in read-only view")
