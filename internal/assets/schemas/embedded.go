// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// JobSpecSchema is the embedded job-spec JSON schema.
//
// Every entry read by a job source is validated against it before it is
// decoded into a simulation request.
//
//go:embed job-spec.schema.json
var JobSpecSchema []byte
