package signature

import (
	"errors"
	"fmt"
)

// Error codes for signature operations
const (
	ErrCodeFormat                = "FORMAT_ERROR"
	ErrCodeUnsupportedOperation  = "UNSUPPORTED_OPERATION"
	ErrCodeProtocolState         = "PROTOCOL_STATE"
	ErrCodeIO                    = "IO_ERROR"
	ErrCodeValidationFailed      = "VALIDATION_FAILED"
	ErrCodeAlgorithmNotSupported = "ALGORITHM_NOT_SUPPORTED"
	ErrCodeNoSignature           = "NO_SIGNATURE"
	ErrCodeInvalidSignature      = "INVALID_SIGNATURE"
	ErrCodeChainInvalid          = "CHAIN_INVALID"
	ErrCodeOCSPUnavailable       = "OCSP_UNAVAILABLE"
)

// SignatureError represents a typed failure of a signature operation
type SignatureError struct {
	Code    string
	Field   string
	Message string
	Cause   error

	// Validity is set for VALIDATION_FAILED errors
	Validity *SignValidity
}

func (e *SignatureError) Error() string {
	if e.Field != "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Field, e.Message, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SignatureError) Unwrap() error {
	return e.Cause
}

// NewSignatureError creates a new signature error
func NewSignatureError(code, field, message string, cause error) *SignatureError {
	return &SignatureError{
		Code:    code,
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// ErrFormat returns an error for input that is not a valid instance of the expected container
func ErrFormat(format, message string, cause error) *SignatureError {
	return NewSignatureError(ErrCodeFormat, format, message, cause)
}

// ErrUnsupportedOperation returns an error for operations a format does not implement
func ErrUnsupportedOperation(format, operation string) *SignatureError {
	return NewSignatureError(ErrCodeUnsupportedOperation, format, fmt.Sprintf("%s is not supported", operation), nil)
}

// ErrProtocolState returns an error for a broken or incomplete session payload
func ErrProtocolState(field, message string, cause error) *SignatureError {
	return NewSignatureError(ErrCodeProtocolState, field, message, cause)
}

// ErrMissingSessionKey returns an error when post-sign lacks a session property
func ErrMissingSessionKey(key string) *SignatureError {
	return NewSignatureError(ErrCodeProtocolState, key, "required session property is missing", nil)
}

// ErrIO returns an error for read/write failures on documents or temporary storage
func ErrIO(message string, cause error) *SignatureError {
	return NewSignatureError(ErrCodeIO, "", message, cause)
}

// ErrValidationFailed returns an error when existing signatures are broken
func ErrValidationFailed(validity SignValidity) *SignatureError {
	err := NewSignatureError(ErrCodeValidationFailed, "signature", fmt.Sprintf("existing signatures are not valid: %s", validity), nil)
	err.Validity = &validity
	return err
}

// ErrAlgorithmNotSupported returns an error for unknown signature algorithms
func ErrAlgorithmNotSupported(algorithm string) *SignatureError {
	return NewSignatureError(ErrCodeAlgorithmNotSupported, "algorithm", fmt.Sprintf("unsupported signature algorithm: %s", algorithm), nil)
}

// ErrNoSignature returns error when no signature found in document
func ErrNoSignature() *SignatureError {
	return NewSignatureError(ErrCodeNoSignature, "", "no signature found in document", nil)
}

// ErrInvalidSignature returns error when signature validation fails
func ErrInvalidSignature(cause error) *SignatureError {
	return NewSignatureError(ErrCodeInvalidSignature, "signature", "signature validation failed", cause)
}

// ErrChainInvalid returns error when certificate chain is invalid
func ErrChainInvalid(cause error) *SignatureError {
	return NewSignatureError(ErrCodeChainInvalid, "chain", "certificate chain validation failed", cause)
}

// ErrOCSPUnavailable returns error when OCSP check fails
func ErrOCSPUnavailable(cause error) *SignatureError {
	return NewSignatureError(ErrCodeOCSPUnavailable, "ocsp", "OCSP check unavailable", cause)
}

// HasCode reports whether err is a SignatureError with the given code
func HasCode(err error, code string) bool {
	var se *SignatureError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

func IsFormatError(err error) bool          { return HasCode(err, ErrCodeFormat) }
func IsUnsupportedOperation(err error) bool { return HasCode(err, ErrCodeUnsupportedOperation) }
func IsProtocolState(err error) bool        { return HasCode(err, ErrCodeProtocolState) }
func IsIOError(err error) bool              { return HasCode(err, ErrCodeIO) }
func IsValidationFailed(err error) bool     { return HasCode(err, ErrCodeValidationFailed) }
