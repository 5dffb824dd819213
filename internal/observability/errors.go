package observability

import (
	"errors"
	"fmt"
)

// maxLoggedErrors caps how many individual messages one aggregate log line
// carries; the joined error still wraps every failure.
const maxLoggedErrors = 8

// AggregateErrors collapses the non-nil errors of one operation into a single
// wrapped error and logs them as one structured entry. Returns nil when every
// error is nil.
func AggregateErrors(operation string, errsIn []error, fields ...Field) error {
	failed := make([]error, 0, len(errsIn))
	for _, err := range errsIn {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	n := len(failed)
	if n > maxLoggedErrors {
		n = maxLoggedErrors
	}
	sample := make([]string, 0, n)
	for _, err := range failed[:n] {
		sample = append(sample, err.Error())
	}
	logFields := append(fields,
		F("operation", operation),
		F("error_count", len(failed)),
		F("errors", sample),
	)
	Log().Error("operation failed", logFields...)

	return fmt.Errorf("%s failed: %w", operation, errors.Join(failed...))
}
