package limiter

import (
	"errors"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrInvalidConfig is matched by every construction error
	ErrInvalidConfig = errors.New("invalid config")

	// ErrResourceNotFound resource does not exist
	ErrResourceNotFound = errors.New("resource not found")

	// ErrNotSettable the resource's limit cannot be set from outside
	ErrNotSettable = errors.New("limit is not settable")
)

// ValidationError configuration validation error
type ValidationError struct {
	Resource string
	Field    string
	Message  string
	Err      error
}

func (e *ValidationError) Error() string {
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}

	if e.Resource != "" {
		if e.Field == "" {
			return "limiter config validation failed for resource '" + e.Resource + "': " + message
		}
		return "limiter config validation failed for resource '" + e.Resource + "." + e.Field + "': " + message
	}

	if e.Field != "" {
		return "limiter config validation failed for field '" + e.Field + "': " + message
	}

	if message != "" {
		return "limiter config validation failed: " + message
	}

	return "limiter config validation failed"
}

// Unwrap exposes the cause; errors.Is(err, ErrInvalidConfig) always holds
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidConfig, e.Err}
	}
	return []error{ErrInvalidConfig}
}

// fromValidation converts ozzo-validation errors into a ValidationError for the
// first failing field (alphabetical, so the message is stable)
func fromValidation(err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Err: err}
	}

	fields := make([]string, 0, len(fieldErrs))
	for field := range fieldErrs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	first := fields[0]
	return &ValidationError{Field: first, Message: fieldErrs[first].Error()}
}
