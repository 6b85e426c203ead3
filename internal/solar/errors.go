package solar

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by stores on a uniqueness violation.
	ErrConflict = errors.New("conflict")

	// ErrAllocationExhausted means no unique code could be inserted within the attempt budget.
	ErrAllocationExhausted = errors.New("failed to allocate unique identifier")

	// ErrNoPanel means automation had no panel to attach a ticket to.
	ErrNoPanel = errors.New("no panel available")

	// ErrNoTechnician means automation found nobody to assign.
	ErrNoTechnician = errors.New("no technician available")

	// ErrInvalidStatus is returned for a status outside a record's vocabulary.
	ErrInvalidStatus = errors.New("invalid status")
)

// ValidationError lists required fields missing from a request.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type required struct {
	name    string
	present bool
}

func validate(fields ...required) error {
	var missing []string
	for _, f := range fields {
		if !f.present {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}
