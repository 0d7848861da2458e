// Package memory provides an in-memory composite backend implementing the
// run, queue, receipt and counter store contracts. It is intended for tests
// and local development; nothing survives a restart.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/meter"
	"github.com/ghilp934/Decisionproof/queue"
	"github.com/ghilp934/Decisionproof/receipt"
	"github.com/ghilp934/Decisionproof/run"
)

// Compile-time interface checks.
var (
	_ run.Store          = (*Store)(nil)
	_ run.BudgetStore    = (*Store)(nil)
	_ queue.Queue        = (*Store)(nil)
	_ receipt.Store      = (*Store)(nil)
	_ meter.CounterStore = (*Store)(nil)
)

type inflightMsg struct {
	msg            *queue.Message
	receiptHandle  string
	visibleAgainAt time.Time
}

type storedReceipt struct {
	rec  *receipt.Receipt
	body []byte
}

type counterEntry struct {
	n         int64
	s         string
	expiresAt time.Time // zero means no expiry
}

// Store is the in-memory composite backend. All methods are safe for
// concurrent use; every returned Run is a copy.
type Store struct {
	mu     sync.RWMutex
	closed bool

	runs    map[string]*run.Run // keyed by run ID
	idem    map[string]string   // tenant|key -> run ID
	budgets map[string]int64    // tenant ID -> balance in USD micros

	ready    []*queue.Message
	inflight map[string]*inflightMsg // keyed by message ID

	receipts map[string]*storedReceipt // keyed by ref

	counters map[string]*counterEntry

	now    func() time.Time
	logger *slog.Logger
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		runs:     make(map[string]*run.Run),
		idem:     make(map[string]string),
		budgets:  make(map[string]int64),
		inflight: make(map[string]*inflightMsg),
		receipts: make(map[string]*storedReceipt),
		counters: make(map[string]*counterEntry),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping reports whether the store is usable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	return nil
}

// Migrate is a no-op for the in-memory backend.
func (s *Store) Migrate(ctx context.Context) error { return nil }

// Close marks the store closed. Subsequent calls fail with
// settle.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func idemKey(tenantID id.TenantID, key string) string {
	return tenantID.String() + "|" + key
}

func copyRun(r *run.Run) *run.Run {
	cp := *r
	if r.ActualCostUSDMicros != nil {
		v := *r.ActualCostUSDMicros
		cp.ActualCostUSDMicros = &v
	}
	if r.LeaseExpiresAt != nil {
		t := *r.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

// ─────────────────────────────────────────────────────────────────────────────
// run.Store
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}

	ik := idemKey(r.TenantID, r.IdempotencyKey)
	if _, exists := s.idem[ik]; exists {
		return settle.ErrDuplicateRun
	}

	if r.ReservationUSDMicros > 0 {
		balance, ok := s.budgets[r.TenantID.String()]
		if !ok {
			return settle.ErrTenantNotFound
		}
		if balance < r.ReservationUSDMicros {
			return settle.ErrBudgetInsufficient
		}
		s.budgets[r.TenantID.String()] = balance - r.ReservationUSDMicros
	}

	now := s.now()
	cp := copyRun(r)
	cp.Status = run.StatusReserved
	cp.Version = 1
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.runs[cp.ID.String()] = cp
	s.idem[ik] = cp.ID.String()

	*r = *copyRun(cp)
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, settle.ErrRunNotFound
	}
	return copyRun(r), nil
}

func (s *Store) FindRunByIdempotencyKey(ctx context.Context, tenantID id.TenantID, key string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}
	runID, ok := s.idem[idemKey(tenantID, key)]
	if !ok {
		return nil, settle.ErrRunNotFound
	}
	return copyRun(s.runs[runID]), nil
}

func (s *Store) ClaimRun(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string, leaseTTL time.Duration) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, settle.ErrRunNotFound
	}
	if r.Status != run.StatusReserved || r.Version != expectedVersion {
		return nil, settle.ErrConflict
	}

	now := s.now()
	exp := now.Add(leaseTTL)
	r.Status = run.StatusClaimed
	r.LeaseToken = leaseToken
	r.LeaseExpiresAt = &exp
	r.Version++
	r.UpdatedAt = now
	return copyRun(r), nil
}

func (s *Store) MarkProcessing(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, settle.ErrRunNotFound
	}
	if r.Status != run.StatusClaimed || r.Version != expectedVersion || r.LeaseToken != leaseToken {
		return nil, settle.ErrConflict
	}

	r.Status = run.StatusProcessing
	r.Version++
	r.UpdatedAt = s.now()
	return copyRun(r), nil
}

func (s *Store) ExtendLease(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string, extension time.Duration) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, settle.ErrRunNotFound
	}
	if r.Status.Terminal() || r.Version != expectedVersion || r.LeaseToken != leaseToken {
		return nil, settle.ErrConflict
	}

	now := s.now()
	exp := now.Add(extension)
	r.LeaseExpiresAt = &exp
	r.Version++
	r.UpdatedAt = now
	return copyRun(r), nil
}

func (s *Store) SettleRun(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string, costMicros int64, resultRef string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, settle.ErrRunNotFound
	}
	if r.Status != run.StatusProcessing || r.Version != expectedVersion || r.LeaseToken != leaseToken {
		return nil, settle.ErrConflict
	}
	if r.ActualCostUSDMicros != nil {
		return nil, settle.ErrCostRecorded
	}

	now := s.now()
	r.Status = run.StatusSettled
	r.ActualCostUSDMicros = &costMicros
	r.ResultRef = resultRef
	r.LeaseToken = ""
	r.LeaseExpiresAt = nil
	r.SettledAt = &now
	r.Version++
	r.UpdatedAt = now
	return copyRun(r), nil
}

func (s *Store) AcquireRecovery(ctx context.Context, runID id.RunID, expectedVersion int64) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, settle.ErrRunNotFound
	}
	if r.Status.Terminal() || r.Version != expectedVersion {
		return nil, settle.ErrConflict
	}

	// Clear the token but mark the lease expired rather than absent, so an
	// acquired run whose resolution fails mid-flight stays visible to the
	// next expired-lease scan instead of waiting out the age sweep.
	now := s.now()
	r.LeaseToken = ""
	r.LeaseExpiresAt = &now
	r.Version++
	r.UpdatedAt = now
	return copyRun(r), nil
}

func (s *Store) ResolveRun(ctx context.Context, runID id.RunID, expectedVersion int64, status run.Status, costMicros *int64, resultRef string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, settle.ErrRunNotFound
	}
	if r.Status.Terminal() || r.Version != expectedVersion {
		return nil, settle.ErrConflict
	}

	now := s.now()
	r.Status = status
	if costMicros != nil {
		v := *costMicros
		r.ActualCostUSDMicros = &v
	}
	if resultRef != "" {
		r.ResultRef = resultRef
	}
	if status == run.StatusSettled || status == run.StatusRolledBack {
		r.SettledAt = &now
	}
	r.LeaseToken = ""
	r.LeaseExpiresAt = nil
	r.Version++
	r.UpdatedAt = now
	return copyRun(r), nil
}

func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}

	var out []*run.Run
	for _, r := range s.runs {
		if r.Status.Terminal() || r.LeaseExpiresAt == nil {
			continue
		}
		if !r.LeaseExpiresAt.After(now) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LeaseExpiresAt.Before(*out[j].LeaseExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStaleRuns(ctx context.Context, olderThan time.Time, limit int) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}

	var out []*run.Run
	for _, r := range s.runs {
		if r.Status.Terminal() {
			continue
		}
		if r.UpdatedAt.Before(olderThan) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// run.BudgetStore
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) SetBudget(ctx context.Context, tenantID id.TenantID, usdMicros int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	s.budgets[tenantID.String()] = usdMicros
	return nil
}

func (s *Store) GetBudget(ctx context.Context, tenantID id.TenantID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, settle.ErrStoreClosed
	}
	balance, ok := s.budgets[tenantID.String()]
	if !ok {
		return 0, settle.ErrTenantNotFound
	}
	return balance, nil
}

func (s *Store) DebitBudget(ctx context.Context, tenantID id.TenantID, usdMicros int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	balance, ok := s.budgets[tenantID.String()]
	if !ok {
		return settle.ErrTenantNotFound
	}
	if balance < usdMicros {
		return settle.ErrBudgetInsufficient
	}
	s.budgets[tenantID.String()] = balance - usdMicros
	return nil
}

func (s *Store) CreditBudget(ctx context.Context, tenantID id.TenantID, usdMicros int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	if _, ok := s.budgets[tenantID.String()]; !ok {
		return settle.ErrTenantNotFound
	}
	s.budgets[tenantID.String()] += usdMicros
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// queue.Queue
// ─────────────────────────────────────────────────────────────────────────────

func copyMessage(m *queue.Message) *queue.Message {
	cp := *m
	return &cp
}

func (s *Store) Enqueue(ctx context.Context, m *queue.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	cp := copyMessage(m)
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = s.now()
	}
	s.ready = append(s.ready, cp)
	return nil
}

func (s *Store) Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]*queue.Delivery, error) {
	deadline := s.now().Add(wait)
	for {
		deliveries, err := s.receiveOnce(max, visibility)
		if err != nil || len(deliveries) > 0 {
			return deliveries, err
		}
		if wait <= 0 || !s.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Store) receiveOnce(max int, visibility time.Duration) ([]*queue.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}

	now := s.now()

	// Expired in-flight messages return to the front of the queue.
	for msgID, inf := range s.inflight {
		if !inf.visibleAgainAt.After(now) {
			s.ready = append([]*queue.Message{inf.msg}, s.ready...)
			delete(s.inflight, msgID)
		}
	}

	if max <= 0 {
		max = 1
	}
	var out []*queue.Delivery
	for len(out) < max && len(s.ready) > 0 {
		m := s.ready[0]
		s.ready = s.ready[1:]

		m.Attempt++
		handle := uuid.NewString()
		visibleAgain := now.Add(visibility)
		s.inflight[m.ID.String()] = &inflightMsg{
			msg:            m,
			receiptHandle:  handle,
			visibleAgainAt: visibleAgain,
		}
		out = append(out, &queue.Delivery{
			Message:        *copyMessage(m),
			ReceiptHandle:  handle,
			VisibleAgainAt: visibleAgain,
		})
	}
	return out, nil
}

func (s *Store) ExtendVisibility(ctx context.Context, msgID id.MessageID, receiptHandle string, extension time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	inf, ok := s.inflight[msgID.String()]
	if !ok || inf.receiptHandle != receiptHandle {
		return settle.ErrMessageNotFound
	}
	inf.visibleAgainAt = s.now().Add(extension)
	return nil
}

func (s *Store) Ack(ctx context.Context, msgID id.MessageID, receiptHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	inf, ok := s.inflight[msgID.String()]
	if !ok || inf.receiptHandle != receiptHandle {
		return settle.ErrMessageNotFound
	}
	delete(s.inflight, msgID.String())
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// receipt.Store
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) Put(ctx context.Context, r *receipt.Receipt, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	rec := *r
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = s.now()
	}
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	s.receipts[rec.Ref] = &storedReceipt{rec: &rec, body: bodyCopy}
	return nil
}

func (s *Store) Head(ctx context.Context, ref string) (*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, settle.ErrStoreClosed
	}
	stored, ok := s.receipts[ref]
	if !ok {
		return nil, settle.ErrReceiptNotFound
	}
	rec := *stored.rec
	return &rec, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// meter.CounterStore
// ─────────────────────────────────────────────────────────────────────────────

// counter returns the live entry for key, discarding it if expired.
// Caller holds the write lock.
func (s *Store) counter(key string) (*counterEntry, bool) {
	e, ok := s.counters[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(s.now()) {
		delete(s.counters, key)
		return nil, false
	}
	return e, true
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrBy(ctx, key, 1, ttl)
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, settle.ErrStoreClosed
	}
	e, ok := s.counter(key)
	if !ok {
		e = &counterEntry{}
		if ttl > 0 {
			e.expiresAt = s.now().Add(ttl)
		}
		s.counters[key] = e
	}
	e.n += delta
	return e.n, nil
}

func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, settle.ErrStoreClosed
	}
	e, ok := s.counter(key)
	if !ok {
		return 0, nil
	}
	if e.s != "" {
		if n, err := strconv.ParseInt(e.s, 10, 64); err == nil {
			return n, nil
		}
	}
	return e.n, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, settle.ErrStoreClosed
	}
	e, ok := s.counter(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, settle.ErrStoreClosed
	}
	if _, ok := s.counter(key); ok {
		return false, nil
	}
	e := &counterEntry{s: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.counters[key] = e
	return true, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	delete(s.counters, key)
	return nil
}
