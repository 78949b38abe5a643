package source

import (
	"fmt"

	"go.uber.org/multierr"
)

// SourceUnavailableError is returned when every candidate failed before
// producing a single entry. Err aggregates one error per attempt.
type SourceUnavailableError struct {
	Err error
}

func (e *SourceUnavailableError) Error() string {
	if e.Err == nil {
		return "source unavailable"
	}
	return "source unavailable: " + e.Err.Error()
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// Attempts lists the per-candidate failures in the order they were tried.
func (e *SourceUnavailableError) Attempts() []error {
	return multierr.Errors(e.Err)
}

// PointerFileError means a large-file pointer stub was served instead of the
// payload it points at.
type PointerFileError struct {
	URI string
}

func (e *PointerFileError) Error() string {
	return fmt.Sprintf("%s: payload is a large-file pointer, not data (was the binary ever uploaded?)", e.URI)
}

// DecompressionError is returned when a payload declared as gzip cannot be
// inflated.
type DecompressionError struct {
	URI string
	Err error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("%s: decompress: %v", e.URI, e.Err)
}

func (e *DecompressionError) Unwrap() error { return e.Err }

// DecodeError is returned for payloads that are not valid JSON or not one of
// the accepted document shapes.
type DecodeError struct {
	URI string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode: %v", e.URI, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
