// Package store defines the aggregate persistence surface. Each subsystem
// (run, queue, receipt, counters) defines its own store interface; backends
// implement the subset they serve. A production deployment composes
// postgres (runs, budgets), redis (queue, counters) and s3 (receipts); the
// memory backend implements everything for tests and local development.
package store

import (
	"context"

	"github.com/ghilp934/Decisionproof/meter"
	"github.com/ghilp934/Decisionproof/queue"
	"github.com/ghilp934/Decisionproof/receipt"
	"github.com/ghilp934/Decisionproof/run"
)

// Store is the full composite interface, implemented by the memory backend
// and by any single-system deployment that wants one connection for
// everything.
type Store interface {
	run.Store
	run.BudgetStore
	queue.Queue
	receipt.Store
	meter.CounterStore

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
