package invoice

import (
	"errors"
	"fmt"
)

// ErrMalformedExtraction is matched by every MalformedExtractionError.
var ErrMalformedExtraction = errors.New("malformed extraction")

// MalformedExtractionError reports a raw value that could not be coerced to
// its declared type. It is not retryable; the caller falls back to manual entry.
type MalformedExtractionError struct {
	Field string
	Value string
	Err   error
}

func (e *MalformedExtractionError) Error() string {
	return fmt.Sprintf("malformed extraction: field %s: cannot use %q: %v", e.Field, e.Value, e.Err)
}

func (e *MalformedExtractionError) Unwrap() []error {
	return []error{ErrMalformedExtraction, e.Err}
}
