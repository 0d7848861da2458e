// Package settle provides the settlement and recovery core for billing
// asynchronously executed, variable-cost runs. It guarantees that every run
// is charged its actual cost exactly once, even across worker crashes,
// queue redelivery, and concurrent retries.
//
// Settle is designed as a library, not a service. Import it, configure a
// run store, a queue, and a receipt store, and register the unit of work
// as an ordinary Go function.
//
// # Architecture
//
// Settle follows a composable store pattern where each subsystem (run,
// queue, receipt, meter) defines its own store interface. A single backend
// may implement several of them: the postgres store holds run state and
// tenant budgets, the redis store provides the job queue and the atomic
// counters, the s3 store holds settlement receipts, and the memory store
// implements everything for tests.
//
// Coordination between processes uses exactly one primitive: conditional
// updates (CAS) against a persisted (version, lease_token) pair, plus
// atomic counter increments. There are no distributed transactions.
//
// The moving parts:
//
//   - gate.Gate admits new runs: rate limit, quota, idempotency dedup,
//     budget reservation, enqueue.
//   - engine.Engine claims queued runs with a CAS lease, executes the job,
//     uploads a cost receipt, and settles with a second CAS.
//   - lease.Renewer keeps an active claim alive, coupling run-store lease
//     extension with queue visibility extension.
//   - reaper.Reaper resolves abandoned claims: roll-forward from a durable
//     receipt, roll-back with a minimum fee, or audit escalation.
//
// Entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers. Lease tokens are deliberately plain UUIDs: opaque,
// unordered, regenerated on every successful claim.
package settle
