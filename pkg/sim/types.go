// Package sim defines the job payloads exchanged with the simulation API.
//
// A JobSpec is produced outside of alphaflow (templating, search heuristics,
// hand-written lists) and is treated as an opaque, immutable payload by the
// orchestration layer. Only the fields needed for the wire format are typed.
package sim

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Simulation types accepted by the remote service.
const (
	TypeRegular = "REGULAR"
)

// Settings is the fixed configuration record sent with every simulation.
//
// Field names and JSON tags follow the remote wire format exactly.
type Settings struct {
	InstrumentType string  `json:"instrumentType" yaml:"instrumentType"`
	Region         string  `json:"region" yaml:"region"`
	Universe       string  `json:"universe" yaml:"universe"`
	Delay          int     `json:"delay" yaml:"delay"`
	Decay          int     `json:"decay" yaml:"decay"`
	Neutralization string  `json:"neutralization" yaml:"neutralization"`
	Truncation     float64 `json:"truncation" yaml:"truncation"`
	Pasteurization string  `json:"pasteurization" yaml:"pasteurization"`
	UnitHandling   string  `json:"unitHandling" yaml:"unitHandling"`
	NanHandling    string  `json:"nanHandling" yaml:"nanHandling"`
	Language       string  `json:"language" yaml:"language"`
	Visualization  bool    `json:"visualization" yaml:"visualization"`

	// TestPeriod is optional; some accounts reject it.
	TestPeriod string `json:"testPeriod,omitempty" yaml:"testPeriod,omitempty"`
}

// DefaultSettings returns the settings used when a job source only supplies
// expressions.
func DefaultSettings() Settings {
	return Settings{
		InstrumentType: "EQUITY",
		Region:         "USA",
		Universe:       "TOP3000",
		Delay:          1,
		Decay:          6,
		Neutralization: "SUBINDUSTRY",
		Truncation:     0.08,
		Pasteurization: "ON",
		UnitHandling:   "VERIFY",
		NanHandling:    "ON",
		Language:       "FASTEXPR",
		Visualization:  false,
	}
}

// SimulationRequest is the body of POST /simulations.
type SimulationRequest struct {
	Type     string   `json:"type" yaml:"type"`
	Settings Settings `json:"settings" yaml:"settings"`
	Regular  string   `json:"regular" yaml:"regular"`
}

// NewRegular builds a REGULAR simulation request for an expression.
func NewRegular(expression string, settings Settings) SimulationRequest {
	return SimulationRequest{
		Type:     TypeRegular,
		Settings: settings,
		Regular:  expression,
	}
}

// Validate checks the minimum fields required by the remote service.
func (r SimulationRequest) Validate() error {
	if strings.TrimSpace(r.Regular) == "" {
		return fmt.Errorf("simulation expression is empty")
	}
	if strings.TrimSpace(r.Type) == "" {
		return fmt.Errorf("simulation type is required")
	}
	if strings.TrimSpace(r.Settings.Region) == "" {
		return fmt.Errorf("settings.region is required")
	}
	return nil
}

// JobSpec is one indexed entry of a job stream.
//
// Index is the position in the source stream and is the unit the progress
// cursor counts in.
type JobSpec struct {
	Index   int64
	Request SimulationRequest
}

// Body returns the JSON request body for submission.
func (j JobSpec) Body() ([]byte, error) {
	return json.Marshal(j.Request)
}

// String returns a short, log-friendly description.
func (j JobSpec) String() string {
	return fmt.Sprintf("#%d %s", j.Index, j.Request.Regular)
}

// JobHandle identifies an in-flight remote job.
type JobHandle struct {
	// Spec is the submitted job.
	Spec JobSpec

	// Location is the absolute status URL returned by the submission call.
	Location string

	// SubmittedAt is when the submission was acknowledged.
	SubmittedAt time.Time

	// Resubmits counts how many times this spec was re-submitted after an
	// indeterminate outcome.
	Resubmits int
}

// Index is shorthand for h.Spec.Index.
func (h *JobHandle) Index() int64 {
	return h.Spec.Index
}
