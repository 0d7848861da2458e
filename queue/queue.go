// Package queue defines the at-least-once job queue contract with
// visibility-timeout semantics, and the message codec used on the wire.
//
// The queue is a collaborator, not an authority: redelivery is expected and
// harmless, because the claim CAS in the run store is what prevents double
// execution. A consumer must ack a delivery only after a terminal claim
// outcome: a won-and-settled run, a deliberately dropped lost race, or a
// settlement handed off to reconciliation.
package queue

import (
	"context"
	"time"

	"github.com/ghilp934/Decisionproof/id"
)

// Message is the enqueued unit: just enough to locate the run. The run
// store holds all state; the message is a pointer, so redelivering it is
// always safe.
type Message struct {
	ID       id.MessageID `json:"id" msgpack:"id"`
	RunID    id.RunID     `json:"run_id" msgpack:"run_id"`
	TenantID id.TenantID  `json:"tenant_id" msgpack:"tenant_id"`
	TraceID  id.TraceID   `json:"trace_id,omitempty" msgpack:"trace_id,omitempty"`

	// Attempt counts deliveries, starting at 1 on the first receive.
	Attempt    int       `json:"attempt" msgpack:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
}

// Delivery is one receive of a message. The receipt handle rotates on every
// delivery; extension and ack are conditioned on it, so operations from a
// superseded delivery fail instead of acting on someone else's claim.
type Delivery struct {
	Message

	ReceiptHandle string

	// VisibleAgainAt is when the message returns to the queue unless acked
	// or extended before then.
	VisibleAgainAt time.Time
}

// Queue is the job queue contract: at-least-once delivery with visibility
// timeouts.
type Queue interface {
	// Enqueue makes the message available for delivery.
	Enqueue(ctx context.Context, m *Message) error

	// Receive returns up to max due messages, making each invisible for the
	// visibility duration. It blocks up to wait when the queue is empty.
	Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]*Delivery, error)

	// ExtendVisibility pushes the delivery's visibility deadline to
	// now+extension. Fails with settle.ErrMessageNotFound if the handle is
	// stale or the message was acked.
	ExtendVisibility(ctx context.Context, msgID id.MessageID, receiptHandle string, extension time.Duration) error

	// Ack removes the message permanently. Fails with
	// settle.ErrMessageNotFound if the handle is stale.
	Ack(ctx context.Context, msgID id.MessageID, receiptHandle string) error
}
