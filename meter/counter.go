// Package meter provides admission control and idempotent usage metering
// on top of an external atomic counter store.
//
// All counters live in a shared store, never in process memory, so gate
// replicas scale horizontally with no coordination beyond the store itself.
// The one write discipline that matters: increment first, compare after.
// A rejected request's increment is never rolled back; a little
// over-counting is the price of eliminating check-then-act races.
package meter

import (
	"context"
	"strconv"
	"time"
)

// CounterStore is the atomic counter contract. Backends must make Incr a
// single atomic increment-and-read, applying ttl only when the increment
// creates the key (so a window's expiry is set once, by its first request).
type CounterStore interface {
	// Incr atomically increments the counter and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrBy atomically adds delta and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Get returns the current counter value, or 0 if the key is absent.
	Get(ctx context.Context, key string) (int64, error)

	// TTL returns the remaining lifetime of the key, or 0 if the key is
	// absent or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// SetNX sets the key only if it does not exist, returning whether this
	// call created it. Used for idempotency markers and once-per-cycle
	// flags.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes the key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
}

// Key layout. Window indexes are embedded in the key so a counter can only
// ever count one window; expiry is aligned to the window by TTL.
const keyPrefix = "settle:"

// rpmKey returns the RPM bucket key for a tenant and window index.
func rpmKey(tenantID string, window int64) string {
	return keyPrefix + "rpm:" + tenantID + ":" + strconv.FormatInt(window, 10)
}

// usageKey returns the monthly DC consumption key: settle:dc:{tenant}:{2006-01}
func usageKey(tenantID, cycle string) string {
	return keyPrefix + "dc:" + tenantID + ":" + cycle
}

// usageDedupKey marks that a run's usage has been recorded for a tenant.
func usageDedupKey(tenantID, runID string) string {
	return keyPrefix + "usage:" + tenantID + ":" + runID
}

// graceKey marks that grace overage has been applied for a billing cycle.
func graceKey(tenantID, cycle string) string {
	return keyPrefix + "grace:" + tenantID + ":" + cycle
}
