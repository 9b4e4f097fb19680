// Package output provides JSONL output for run results.
//
// Output is structured as typed record envelopes containing job results,
// failures and run summaries. Each line is a self-contained JSON object
// that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: alphaflow.<type>.v<version>
const (
	// TypeResult identifies classified job results.
	TypeResult = "alphaflow.result.v1"

	// TypeFailure identifies jobs that could not be resolved.
	TypeFailure = "alphaflow.failure.v1"

	// TypeSummary identifies final run summaries.
	TypeSummary = "alphaflow.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "alphaflow.result.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this run.
	RunID string `json:"run_id"`

	// Mode is the workflow that produced the record ("simulate", "check").
	Mode string `json:"mode"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ResultRecord is the data payload for a classified job.
type ResultRecord struct {
	// Index is the job's position in the input stream; -1 for check runs.
	Index int64 `json:"index"`

	Expression string `json:"expression,omitempty"`
	AlphaID    string `json:"alpha_id,omitempty"`
	Location   string `json:"location,omitempty"`

	// Kind is the classification ("accepted", "rejected", ...).
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`

	Correlation *float64 `json:"correlation,omitempty"`
	Sharpe      *float64 `json:"sharpe,omitempty"`
	Fitness     *float64 `json:"fitness,omitempty"`
	Turnover    *float64 `json:"turnover,omitempty"`

	FailedChecks []string `json:"failed_checks,omitempty"`

	// Attempts counts submissions of this job, including resubmits.
	Attempts int `json:"attempts,omitempty"`

	// Tags lists the tags applied to the alpha.
	Tags []string `json:"tags,omitempty"`
}

// FailureRecord is the data payload for an unresolved job.
type FailureRecord struct {
	Index      int64  `json:"index"`
	Expression string `json:"expression,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Failure codes for FailureRecord.
const (
	// FailAbandoned indicates the submission budget was exhausted.
	FailAbandoned = "SUBMISSION_ABANDONED"

	// FailTransient indicates a retry budget was exhausted after submission.
	FailTransient = "TRANSIENT"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Admitted    int64  `json:"admitted"`
	Accepted    int64  `json:"accepted"`
	Rejected    int64  `json:"rejected"`
	Transient   int64  `json:"transient"`
	Abandoned   int64  `json:"abandoned"`
	Resubmitted int64  `json:"resubmitted"`
	Cursor      int64  `json:"cursor"`
	StopReason  string `json:"stop_reason"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
