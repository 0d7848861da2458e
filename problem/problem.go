// Package problem renders admission failures as RFC 9457 problem details.
package problem

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/meter"
)

// ContentType is the media type for problem detail responses.
const ContentType = "application/problem+json"

// Problem type URIs. Quota exhaustion uses the IANA-registered type; the
// rest are local to this service.
const (
	TypeQuotaExceeded      = "https://iana.org/assignments/http-problem-types#quota-exceeded"
	TypeRateLimited        = "urn:decisionproof:problem:rate-limited"
	TypeBudgetInsufficient = "urn:decisionproof:problem:budget-insufficient"
	TypeDuplicateRun       = "urn:decisionproof:problem:duplicate-run"
)

// Details is an RFC 9457 problem details document. RetryAfterSeconds is an
// extension member mirroring the Retry-After header.
type Details struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Policy            string `json:"violated_policy,omitempty"`
	Limit             int64  `json:"limit,omitempty"`
	Current           int64  `json:"current,omitempty"`
}

// NewInstance returns a fresh trace URN for the instance member. The URN is
// also handed to the run as its trace correlation.
func NewInstance() string {
	return "urn:decisionproof:trace:" + uuid.NewString()
}

// retryAfterSeconds applies the precedence rule: an explicit retry-after
// from the limiter wins over any window-reset estimate the caller computed.
func retryAfterSeconds(explicit time.Duration, resetEstimate time.Duration) int64 {
	d := explicit
	if d <= 0 {
		d = resetEstimate
	}
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// FromRejection maps a meter rejection to a problem document. All rejection
// classes answer 429: from the caller's point of view the request may
// succeed later without modification, whether the limit is per-minute or
// per-cycle.
func FromRejection(rej *meter.Rejection, resetEstimate time.Duration) *Details {
	d := &Details{
		Status:            429,
		Instance:          NewInstance(),
		Policy:            rej.Policy,
		Limit:             rej.Limit,
		Current:           rej.Current,
		RetryAfterSeconds: retryAfterSeconds(rej.RetryAfter, resetEstimate),
	}

	switch {
	case errors.Is(rej.Err, settle.ErrRateLimited):
		d.Type = TypeRateLimited
		d.Title = "Request rate limit exceeded"
	case errors.Is(rej.Err, settle.ErrQuotaExceeded):
		d.Type = TypeQuotaExceeded
		d.Title = "Monthly quota exhausted"
	case errors.Is(rej.Err, settle.ErrOverageCapExceeded):
		d.Type = TypeQuotaExceeded
		d.Title = "Hard overage cap reached"
	default:
		d.Type = TypeRateLimited
		d.Title = "Request rejected"
	}
	return d
}

// BudgetInsufficient reports a reservation that exceeds the tenant's
// remaining budget.
func BudgetInsufficient(detail string) *Details {
	return &Details{
		Type:     TypeBudgetInsufficient,
		Title:    "Insufficient budget for reservation",
		Status:   402,
		Detail:   detail,
		Instance: NewInstance(),
	}
}

// DuplicateRun reports an idempotency key replay that could not be resolved
// to the original run.
func DuplicateRun(detail string) *Details {
	return &Details{
		Type:     TypeDuplicateRun,
		Title:    "Duplicate idempotency key",
		Status:   409,
		Detail:   detail,
		Instance: NewInstance(),
	}
}
