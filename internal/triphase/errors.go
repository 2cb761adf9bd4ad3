package triphase

import "fmt"

// ParseError represents a failure to decode a session payload
type ParseError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[triphase] %s: %s (%v)", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("[triphase] %s: %s", e.Field, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a new parse error
func NewParseError(field, message string, cause error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// MissingKeyError is returned by Require when a session property is absent
type MissingKeyError struct {
	Key   string
	Index int
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("session property %q missing in sign %d", e.Key, e.Index)
}
