package settle

import "errors"

var (
	// Store errors.
	ErrStoreClosed = errors.New("settle: store closed")

	// Not found errors.
	ErrRunNotFound     = errors.New("settle: run not found")
	ErrTenantNotFound  = errors.New("settle: tenant not found")
	ErrReceiptNotFound = errors.New("settle: receipt not found")
	ErrMessageNotFound = errors.New("settle: message not found")

	// Conflict errors.
	//
	// ErrConflict is the CAS loss signal: the record did not match the
	// expected (version, lease_token) pair. It is internal plumbing, never
	// a user-facing failure. The loser drops its work; the run's outcome
	// belongs to whoever won, or failing that to the reaper.
	ErrConflict     = errors.New("settle: conflict: lost compare-and-swap race")
	ErrDuplicateRun = errors.New("settle: duplicate run for idempotency key")
	ErrLeaseLost    = errors.New("settle: lease lost")

	// Admission errors. User-visible rejections; none of them bill the tenant.
	ErrBudgetInsufficient = errors.New("settle: tenant budget insufficient for reservation")
	ErrRateLimited        = errors.New("settle: request rate limit exceeded")
	ErrQuotaExceeded      = errors.New("settle: monthly quota exceeded")
	ErrOverageCapExceeded = errors.New("settle: hard overage cap exceeded")

	// State errors.
	ErrCostRecorded = errors.New("settle: actual cost already recorded")

	// Receipt errors.
	ErrReceiptInvalid = errors.New("settle: receipt metadata invalid")
)
