// Package jobsource reads ordered, indexed job specs from local files and
// s3:// objects.
//
// Supported formats, selected by extension:
//
//	.jsonl/.ndjson  one request object (or expression string) per line
//	.json           an array of request objects or expression strings
//	.yaml/.yml      a sequence of request objects or expression strings
//	.csv            header row with an "expression" (or "regular") column and
//	                optional "settings" (JSON object) and "type" columns
//	.txt            one expression per line; blank lines and # comments skipped
//
// Entries are numbered in input order starting at zero. The index is the
// unit the progress cursor counts in, so inputs must be stable across runs.
package jobsource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/3leaps/alphaflow/pkg/sim"
)

// Sentinel errors for job inputs.
var (
	// ErrInputNotFound indicates an input path, glob or object does not exist.
	ErrInputNotFound = errors.New("job input not found")

	// ErrInvalidEntry indicates an entry failed parsing or validation.
	ErrInvalidEntry = errors.New("invalid job entry")
)

// EntryError reports the location of an invalid entry.
type EntryError struct {
	Input string
	Line  int
	Err   error
}

func (e *EntryError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Input, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Input, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// Source yields job specs in index order.
type Source interface {
	// Next returns the next spec, or io.EOF when the source is exhausted.
	Next(ctx context.Context) (sim.JobSpec, error)
}

// Stream is an in-memory Source over a loaded job list.
type Stream struct {
	specs []sim.JobSpec
	pos   int
}

// NewStream returns a stream over specs. Specs must be in index order.
func NewStream(specs []sim.JobSpec) *Stream {
	return &Stream{specs: specs}
}

// Next implements Source.
func (s *Stream) Next(ctx context.Context) (sim.JobSpec, error) {
	if err := ctx.Err(); err != nil {
		return sim.JobSpec{}, err
	}
	if s.pos >= len(s.specs) {
		return sim.JobSpec{}, io.EOF
	}
	spec := s.specs[s.pos]
	s.pos++
	return spec, nil
}

// SkipTo positions the stream at the first spec whose index is >= cursor.
// Returns the number of specs skipped.
func (s *Stream) SkipTo(cursor int64) int {
	skipped := 0
	for s.pos < len(s.specs) && s.specs[s.pos].Index < cursor {
		s.pos++
		skipped++
	}
	return skipped
}

// Len is the total number of specs.
func (s *Stream) Len() int {
	return len(s.specs)
}

// Remaining is the number of specs not yet returned.
func (s *Stream) Remaining() int {
	return len(s.specs) - s.pos
}

// Specs returns the full ordered list.
func (s *Stream) Specs() []sim.JobSpec {
	return s.specs
}
