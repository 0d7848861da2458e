package meter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/id"
)

// Limits holds the per-tenant policy values. A value of zero means
// unlimited, uniformly across every field.
type Limits struct {
	// RPM is the request budget per window.
	RPM int64

	// RPMWindow is the rate window. Defaults to one minute.
	RPMWindow time.Duration

	// MonthlyQuotaDC is the included monthly consumption in Decision
	// Credits.
	MonthlyQuotaDC int64

	// HardOverageCapDC bounds consumption beyond the quota. The effective
	// monthly ceiling is MonthlyQuotaDC + HardOverageCapDC (+ grace).
	HardOverageCapDC int64
}

// Grace configures the once-per-cycle overage waiver: the smaller of
// MaxPercent of the cap or MaxDC is forgiven.
type Grace struct {
	Enabled    bool
	MaxPercent float64
	MaxDC      int64
}

// Amount returns the DC waived for a given hard cap.
func (g Grace) Amount(capDC int64) int64 {
	if !g.Enabled {
		return 0
	}
	fromPercent := int64(float64(capDC) * g.MaxPercent / 100)
	if fromPercent < g.MaxDC {
		return fromPercent
	}
	return g.MaxDC
}

// Rejection describes a denied admission. Err is one of the settle
// admission sentinels; RetryAfter, when positive, must take precedence
// over any reset time the caller might compute.
type Rejection struct {
	Err        error
	Policy     string
	Limit      int64
	Current    int64
	RetryAfter time.Duration
}

// Enforcer applies the tenant's limits against the counter store.
type Enforcer struct {
	counters CounterStore
	grace    Grace
	logger   *slog.Logger
	now      func() time.Time

	// usageRetention is the TTL on usage and dedup keys.
	usageRetention time.Duration
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithGrace sets the grace overage policy.
func WithGrace(g Grace) Option {
	return func(e *Enforcer) { e.grace = g }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithClock overrides the time source. Used by tests to pin windows.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithUsageRetention sets how long usage dedup markers are kept.
func WithUsageRetention(d time.Duration) Option {
	return func(e *Enforcer) { e.usageRetention = d }
}

// NewEnforcer creates an Enforcer backed by the given counter store.
func NewEnforcer(counters CounterStore, opts ...Option) *Enforcer {
	e := &Enforcer{
		counters:       counters,
		logger:         slog.Default(),
		now:            time.Now,
		usageRetention: 45 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check runs the full admission sequence: RPM, monthly quota, hard overage
// cap. It returns a non-nil Rejection when the request must be denied, and
// an error only for counter store failures; the caller retries with
// backoff, it does not reject the tenant for our outage.
func (e *Enforcer) Check(ctx context.Context, tenantID id.TenantID, limits Limits) (*Rejection, error) {
	if rej, err := e.CheckRPM(ctx, tenantID, limits); err != nil || rej != nil {
		return rej, err
	}
	if rej, err := e.CheckMonthlyQuota(ctx, tenantID, limits); err != nil || rej != nil {
		return rej, err
	}
	return e.CheckOverageCap(ctx, tenantID, limits)
}

// CheckRPM applies the per-window request limit, increment-first. The
// increment is never rolled back on rejection: counters within a window
// are monotonically non-decreasing.
func (e *Enforcer) CheckRPM(ctx context.Context, tenantID id.TenantID, limits Limits) (*Rejection, error) {
	if limits.RPM == 0 {
		return nil, nil
	}

	window := limits.RPMWindow
	if window <= 0 {
		window = time.Minute
	}

	// Bucket by nanoseconds so sub-second windows index cleanly.
	now := e.now()
	windowIdx := now.UnixNano() / int64(window)
	key := rpmKey(tenantID.String(), windowIdx)

	count, err := e.counters.Incr(ctx, key, window)
	if err != nil {
		return nil, fmt.Errorf("settle/meter: rpm increment: %w", err)
	}

	if count <= limits.RPM {
		return nil, nil
	}

	retryAfter, ttlErr := e.counters.TTL(ctx, key)
	if ttlErr != nil || retryAfter <= 0 {
		retryAfter = window
	}

	return &Rejection{
		Err:        settle.ErrRateLimited,
		Policy:     "rpm",
		Limit:      limits.RPM,
		Current:    count,
		RetryAfter: retryAfter,
	}, nil
}

// CheckMonthlyQuota rejects once the cycle's consumed DC reaches the
// monthly quota, unless overage headroom exists (the cap check decides
// how far overage may go).
func (e *Enforcer) CheckMonthlyQuota(ctx context.Context, tenantID id.TenantID, limits Limits) (*Rejection, error) {
	if limits.MonthlyQuotaDC == 0 {
		return nil, nil
	}

	// Overage permitted up to the cap: quota alone only rejects when no
	// overage is allowed at all.
	if limits.HardOverageCapDC != 0 {
		return nil, nil
	}

	cycle := e.Cycle()
	used, err := e.counters.Get(ctx, usageKey(tenantID.String(), cycle))
	if err != nil {
		return nil, fmt.Errorf("settle/meter: quota read: %w", err)
	}

	if used < limits.MonthlyQuotaDC {
		return nil, nil
	}

	return &Rejection{
		Err:     settle.ErrQuotaExceeded,
		Policy:  "monthly_quota_dc",
		Limit:   limits.MonthlyQuotaDC,
		Current: used,
	}, nil
}

// CheckOverageCap rejects once consumption reaches quota + cap + grace.
// Grace headroom is admitted here but only ever waived once per cycle at
// settlement time (ApplyGraceOnce).
func (e *Enforcer) CheckOverageCap(ctx context.Context, tenantID id.TenantID, limits Limits) (*Rejection, error) {
	if limits.HardOverageCapDC == 0 {
		return nil, nil
	}

	cycle := e.Cycle()
	used, err := e.counters.Get(ctx, usageKey(tenantID.String(), cycle))
	if err != nil {
		return nil, fmt.Errorf("settle/meter: overage read: %w", err)
	}

	totalCap := limits.MonthlyQuotaDC + limits.HardOverageCapDC
	effectiveCap := totalCap + e.grace.Amount(totalCap)

	if used < effectiveCap {
		return nil, nil
	}

	return &Rejection{
		Err:     settle.ErrOverageCapExceeded,
		Policy:  "hard_overage_dc_cap",
		Limit:   totalCap,
		Current: used,
	}, nil
}

// Cycle returns the current billing cycle label, e.g. "2026-08".
func (e *Enforcer) Cycle() string {
	return e.now().UTC().Format("2006-01")
}
