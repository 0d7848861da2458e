// Package receipt defines the immutable settlement receipt and its store
// contract.
//
// A receipt is written once, as a single atomic put of the result object
// with the cost embedded in object metadata, and is the authoritative cost
// for its run from that moment on, independent of run store state. That
// independence is what makes roll-forward recovery idempotent: any number
// of reconciliation sweeps settling from the same receipt write the same
// value.
package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/ghilp934/Decisionproof/id"
)

// Metadata keys carried on the stored object. Values are decimal strings.
const (
	MetaActualCostUSDMicros = "actual-cost-usd-micros"
	MetaRunID               = "run-id"
	MetaSHA256              = "sha256"
)

// Receipt is the settlement record for one run.
type Receipt struct {
	// Ref is the object key the receipt is stored under.
	Ref string `json:"ref"`

	RunID id.RunID `json:"run_id"`

	// ActualCostUSDMicros is the authoritative charge for the run.
	ActualCostUSDMicros int64 `json:"actual_cost_usd_micros"`

	// SHA256 is the hex digest of the result body.
	SHA256 string `json:"sha256"`

	UploadedAt time.Time `json:"uploaded_at"`
}

// Store is the receipt store contract. Put must be a single atomic
// put-with-metadata; Head must read metadata without the body.
type Store interface {
	// Put durably writes the result body with the receipt embedded as
	// object metadata. This is the point of no return for cost.
	Put(ctx context.Context, r *Receipt, body []byte) error

	// Head returns the receipt parsed from object metadata, or
	// settle.ErrReceiptNotFound. A present object with unparsable or
	// implausible metadata returns settle.ErrReceiptInvalid.
	Head(ctx context.Context, ref string) (*Receipt, error)
}

// RefForRun returns the canonical object key for a run's receipt. Keeping
// the key derivable from the run ID lets the reaper look for a receipt
// without any pointer stored in the run row.
func RefForRun(runID id.RunID) string {
	return "runs/" + runID.String() + "/result"
}

// DigestBody returns the hex SHA-256 of the result body.
func DigestBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Validate checks that a receipt read back from storage is plausible:
// the cost must be positive and must not exceed maxPlausibleUSDMicros
// (zero means no upper bound). Receipts are not assumed well-formed;
// a corrupted or partial receipt escalates to audit rather than settling
// at a garbage value.
func (r *Receipt) Validate(maxPlausibleUSDMicros int64) bool {
	if r.ActualCostUSDMicros <= 0 {
		return false
	}
	if maxPlausibleUSDMicros > 0 && r.ActualCostUSDMicros > maxPlausibleUSDMicros {
		return false
	}
	return true
}
