// Package classify maps a terminal simulation or check document to an
// Outcome that drives disposition.
package classify

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Kind is the disposition class of a finished job.
type Kind int

const (
	// Accepted passed every check.
	Accepted Kind = iota
	// Rejected failed a check or the simulation itself.
	Rejected
	// Indeterminate means the document could not be judged, typically
	// because the session lost its context. The job should be retried.
	Indeterminate
	// TransientError means the job exhausted its retry budget.
	TransientError
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Indeterminate:
		return "indeterminate"
	case TransientError:
		return "transient-error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Rejection and indeterminate reasons.
const (
	ReasonCheckFail                = "check-fail"
	ReasonCheckError               = "check-error"
	ReasonIndeterminateCorrelation = "indeterminate-correlation"
	ReasonMalformed                = "malformed-response"
	ReasonSessionLost              = "session-context-lost"
	ReasonSimulationPrefix         = "simulation-"
)

// DefaultCorrelationCheck is the check whose value must be a number.
const DefaultCorrelationCheck = "SELF_CORRELATION"

// Options tunes classification.
type Options struct {
	// CorrelationCheck names the check whose value must be numeric.
	// Default: SELF_CORRELATION
	CorrelationCheck string
}

// Metrics are headline in-sample statistics.
type Metrics struct {
	Sharpe   *float64 `json:"sharpe,omitempty"`
	Fitness  *float64 `json:"fitness,omitempty"`
	Turnover *float64 `json:"turnover,omitempty"`
}

// Outcome is the classification of one document.
type Outcome struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`

	// Correlation is the correlation check value, nil when the check is absent.
	Correlation *float64 `json:"correlation,omitempty"`

	AlphaID string  `json:"alphaId,omitempty"`
	Status  string  `json:"status,omitempty"`
	Metrics Metrics `json:"metrics"`

	// FailedChecks names the checks that failed or errored.
	FailedChecks []string `json:"failedChecks,omitempty"`
}

type check struct {
	Name   string
	Result string
	Value  json.RawMessage
}

// Classify evaluates payload in a fixed order: unparseable documents are
// Indeterminate, failed simulations are Rejected, documents without an
// in-sample section are Indeterminate, failed or errored checks are Rejected,
// a non-numeric correlation is Rejected, and everything else is Accepted.
//
// Fields are read independently. A mistyped metric or identifier never hides
// a failed check.
func Classify(payload []byte, opts Options) Outcome {
	if opts.CorrelationCheck == "" {
		opts.CorrelationCheck = DefaultCorrelationCheck
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil || doc == nil {
		return Outcome{Kind: Indeterminate, Reason: ReasonMalformed}
	}
	status := text(doc["status"])
	out := Outcome{AlphaID: text(doc["id"]), Status: status}

	switch strings.ToUpper(status) {
	case "ERROR", "FAIL":
		out.Kind = Rejected
		out.Reason = ReasonSimulationPrefix + strings.ToLower(status)
		return out
	}

	if isMissing(doc["is"]) {
		out.Kind = Indeterminate
		out.Reason = ReasonSessionLost
		return out
	}
	var is map[string]json.RawMessage
	if err := json.Unmarshal(doc["is"], &is); err != nil || is == nil {
		out.Kind = Indeterminate
		out.Reason = ReasonMalformed
		return out
	}
	out.Metrics = Metrics{
		Sharpe:   number(is["sharpe"]),
		Fitness:  number(is["fitness"]),
		Turnover: number(is["turnover"]),
	}

	checks, ok := decodeChecks(is["checks"])
	if !ok {
		out.Kind = Indeterminate
		out.Reason = ReasonMalformed
		return out
	}

	var failed, errored bool
	for _, c := range checks {
		switch strings.ToUpper(c.Result) {
		case "FAIL":
			failed = true
			out.FailedChecks = append(out.FailedChecks, c.Name)
		case "ERROR":
			errored = true
			out.FailedChecks = append(out.FailedChecks, c.Name)
		}
	}
	if failed {
		out.Kind = Rejected
		out.Reason = ReasonCheckFail
		return out
	}
	if errored {
		out.Kind = Rejected
		out.Reason = ReasonCheckError
		return out
	}

	for _, c := range checks {
		if c.Name != opts.CorrelationCheck {
			continue
		}
		v, ok := numericValue(c.Value)
		if !ok {
			out.Kind = Rejected
			out.Reason = ReasonIndeterminateCorrelation
			return out
		}
		out.Correlation = &v
		break
	}

	out.Kind = Accepted
	return out
}

// decodeChecks reads the checks list entry by entry. An absent list is
// empty; a list that is not an array is malformed. Entries that are not
// objects are skipped.
func decodeChecks(raw json.RawMessage) ([]check, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, true
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, false
	}
	checks := make([]check, 0, len(items))
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			continue
		}
		checks = append(checks, check{
			Name:   text(fields["name"]),
			Result: text(fields["result"]),
			Value:  fields["value"],
		})
	}
	return checks, true
}

// text reads a scalar as a string. Numbers and booleans keep their literal
// form; anything else is empty.
func text(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	switch trimmed[0] {
	case '{', '[', 'n':
		return ""
	}
	return string(trimmed)
}

// number reads a metric, returning nil when it is absent or not a finite number.
func number(raw json.RawMessage) *float64 {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func isMissing(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("0"))
}

// numericValue reads a check value that must be a finite number. Absent,
// null, NaN (as a number or string) and non-numeric strings are rejected.
func numericValue(raw json.RawMessage) (float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err == nil {
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
