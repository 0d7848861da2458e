package redis

// Redis key naming conventions. All keys are prefixed with "settle:" to
// avoid collisions; counter keys arrive from the meter package already
// prefixed.

const keyPrefix = "settle:"

// readyKey is the Sorted Set of deliverable messages, scored by enqueue time.
const readyKey = keyPrefix + "queue:ready"

// inflightKey is the Sorted Set of received messages, scored by the unix
// nanosecond at which they become visible again.
const inflightKey = keyPrefix + "queue:inflight"

// msgKey returns the Hash holding a message's payload, current receipt
// handle and attempt count: settle:msg:{id}
func msgKey(id string) string { return keyPrefix + "msg:" + id }

// Hash fields on msgKey.
const (
	fieldBody    = "body"
	fieldHandle  = "handle"
	fieldAttempt = "attempt"
)
