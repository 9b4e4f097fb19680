package jobsource

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/alphaflow/internal/assets/schemas"
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

func jobSpecValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobSpecSchema) == 0 {
			validatorErr = fmt.Errorf("embedded job-spec schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobSpecSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile job-spec schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// ValidateRaw validates a JSON job entry against the job-spec schema.
func ValidateRaw(jsonData []byte) error {
	v, err := jobSpecValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var msgs []string
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		path := d.Pointer
		if path == "" {
			path = "/"
		}
		msgs = append(msgs, path+": "+d.Message)
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidEntry, strings.Join(msgs, "; "))
}
