package settle

import "time"

// Config holds timing and admission configuration shared by the engine,
// the lease renewer, and the reaper.
type Config struct {
	// Concurrency is the maximum number of runs executed concurrently
	// by one engine.
	Concurrency int

	// InitialLease is the lease duration granted on a successful claim.
	InitialLease time.Duration

	// HeartbeatInterval is how often an active claim extends its lease.
	// Must be comfortably smaller than InitialLease.
	HeartbeatInterval time.Duration

	// LeaseExtension is the duration added to the lease (and to the queue
	// visibility deadline) on every successful heartbeat.
	LeaseExtension time.Duration

	// SweepInterval is the reaper's base interval between reconciliation
	// sweeps. Any abandoned run resolves within
	// InitialLease + SweepInterval (+ jitter).
	SweepInterval time.Duration

	// SweepJitter is the fraction of SweepInterval randomized per sweep,
	// so overlapping reaper replicas do not scan in lockstep.
	SweepJitter float64

	// StaleRunAge is the age sweep threshold: non-terminal runs
	// older than this are reconciled regardless of lease state.
	StaleRunAge time.Duration

	// ReceiveWait is the queue long-poll duration for an idle worker.
	ReceiveWait time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		InitialLease:      120 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LeaseExtension:    120 * time.Second,
		SweepInterval:     60 * time.Second,
		SweepJitter:       0.2,
		StaleRunAge:       30 * time.Minute,
		ReceiveWait:       5 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}
