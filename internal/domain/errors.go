package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedDocument indicates the input could not be parsed as a PDF
	ErrMalformedDocument = errors.New("malformed document")

	// ErrEmptyDocument indicates the input parsed but has no pages
	ErrEmptyDocument = errors.New("document has no pages")

	// ErrIncomplete indicates some parts of a document never produced a result
	ErrIncomplete = errors.New("document incomplete")
)

// IncompleteError carries the part indexes a document is missing
type IncompleteError struct {
	DocumentID   int
	TotalParts   int
	MissingParts []int
	// Cause is the failure of the lowest missing part, if it failed rather than never finishing
	Cause error
}

func (e *IncompleteError) Error() string {
	msg := fmt.Sprintf("document %d: %d of %d parts missing %v",
		e.DocumentID, len(e.MissingParts), e.TotalParts, e.MissingParts)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap matches ErrIncomplete and the cause
func (e *IncompleteError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrIncomplete}
	}
	return []error{ErrIncomplete, e.Cause}
}
