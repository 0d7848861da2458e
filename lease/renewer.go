// Package lease keeps a claimed run's lease and its queue message's
// visibility moving forward together while the job body executes.
//
// The two renewals are deliberately coupled: as long as the holder is alive
// the run stays leased and the message stays invisible, and when the holder
// dies both expire on the same clock. A lost heartbeat CAS means another
// actor took the run; the renewer closes Lost and the holder must abandon
// the run without writing anything further.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/queue"
	"github.com/ghilp934/Decisionproof/run"
)

// Renewer heartbeats one claimed run. One renewer exists per claim and is
// discarded after Stop; it is not reusable.
type Renewer struct {
	runs  run.Store
	queue queue.Queue

	runID         id.RunID
	leaseToken    string
	msgID         id.MessageID
	receiptHandle string

	interval  time.Duration
	extension time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	version int64

	stopCh   chan struct{}
	lostCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	lostOnce sync.Once
	started  bool
}

// NewRenewer creates a renewer for a freshly claimed run. The run carries
// the lease token and the version the first heartbeat will CAS against.
func NewRenewer(runs run.Store, q queue.Queue, r *run.Run, msgID id.MessageID, receiptHandle string, interval, extension time.Duration, logger *slog.Logger) *Renewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renewer{
		runs:          runs,
		queue:         q,
		runID:         r.ID,
		leaseToken:    r.LeaseToken,
		msgID:         msgID,
		receiptHandle: receiptHandle,
		interval:      interval,
		extension:     extension,
		logger:        logger,
		version:       r.Version,
		stopCh:        make(chan struct{}),
		lostCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine. Calling Start twice is a no-op.
func (rn *Renewer) Start() {
	rn.mu.Lock()
	if rn.started {
		rn.mu.Unlock()
		return
	}
	rn.started = true
	rn.mu.Unlock()

	go rn.loop()
}

// Stop halts heartbeating and waits for the loop to exit. Safe to call more
// than once and safe to call after the lease was lost.
func (rn *Renewer) Stop() {
	rn.stopOnce.Do(func() { close(rn.stopCh) })

	rn.mu.Lock()
	started := rn.started
	rn.mu.Unlock()
	if started {
		<-rn.doneCh
	}
}

// Lost is closed when a heartbeat CAS misses: the lease belongs to someone
// else and the holder must stop writing.
func (rn *Renewer) Lost() <-chan struct{} {
	return rn.lostCh
}

// Done is closed when the heartbeat loop has exited, whether by Stop or by
// lease loss.
func (rn *Renewer) Done() <-chan struct{} {
	return rn.doneCh
}

// Version returns the run version as of the last accepted heartbeat. The
// holder settles against this version after Stop.
func (rn *Renewer) Version() int64 {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.version
}

// ObserveVersion records a version change the holder made itself (for
// example MarkProcessing), so the next heartbeat CAS targets the right row
// state.
func (rn *Renewer) ObserveVersion(v int64) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if v > rn.version {
		rn.version = v
	}
}

func (rn *Renewer) loop() {
	defer close(rn.doneCh)

	ticker := time.NewTicker(rn.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rn.stopCh:
			return
		case <-ticker.C:
			if !rn.beat() {
				return
			}
		}
	}
}

// beat renews the lease and then the queue visibility. Returns false when
// the lease is gone and the loop must exit.
func (rn *Renewer) beat() bool {
	ctx, cancel := context.WithTimeout(context.Background(), rn.interval)
	defer cancel()

	renewed, err := rn.runs.ExtendLease(ctx, rn.runID, rn.Version(), rn.leaseToken, rn.extension)
	if err != nil {
		if errors.Is(err, settle.ErrConflict) || errors.Is(err, settle.ErrRunNotFound) {
			rn.logger.Warn("lease lost", "run_id", rn.runID, "error", err)
			rn.lostOnce.Do(func() { close(rn.lostCh) })
			return false
		}
		// Transient store failure: keep the loop alive, the lease still
		// has runway until the next tick.
		rn.logger.Error("lease renewal failed", "run_id", rn.runID, "error", err)
		return true
	}
	rn.ObserveVersion(renewed.Version)

	// Queue visibility rides along. A failure here is tolerable: the worst
	// case is an early redelivery that loses its claim CAS downstream.
	if err := rn.queue.ExtendVisibility(ctx, rn.msgID, rn.receiptHandle, rn.extension); err != nil {
		rn.logger.Warn("visibility extension failed",
			"run_id", rn.runID, "message_id", rn.msgID, "error", err)
	}
	return true
}
