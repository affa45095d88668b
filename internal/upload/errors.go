package upload

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every failure returned by the engine wraps exactly one
// of these; check with errors.Is.
var (
	// ErrValidation indicates malformed or missing submission fields.
	// Raised before any storage is touched.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidChunk indicates an index outside [1, total] or a total that
	// disagrees with the open session.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrStorage indicates an I/O failure in the chunk store, artifact store
	// or session registry. The original cause stays in the chain.
	ErrStorage = errors.New("storage error")

	// ErrIncompleteSession indicates assembly found a required chunk missing.
	ErrIncompleteSession = errors.New("incomplete session")

	// ErrNotFound indicates an unknown session or chunk.
	ErrNotFound = errors.New("not found")

	// ErrSessionNotFound is returned by SessionRegistry.Get for unknown ids.
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)

	// ErrClaimLost is returned by SessionRegistry when a claim token no
	// longer owns the session. The engine reports it wrapped in ErrStorage;
	// the submission can be retried.
	ErrClaimLost = errors.New("assembly claim lost")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalidField(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// FieldErrors flattens every ValidationError in err's tree into a
// field → message map. The first message per field wins.
func FieldErrors(err error) map[string]string {
	fields := make(map[string]string)
	collectFieldErrors(err, fields)
	return fields
}

func collectFieldErrors(err error, fields map[string]string) {
	switch e := err.(type) {
	case nil:
		return
	case *ValidationError:
		if _, ok := fields[e.Field]; !ok {
			fields[e.Field] = e.Message
		}
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			collectFieldErrors(inner, fields)
		}
	case interface{ Unwrap() error }:
		collectFieldErrors(e.Unwrap(), fields)
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
