package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure surfaced by the protocol engine.
type ErrorCode int

const (
	CodeInvalidArgument ErrorCode = iota + 1
	CodeInvalidEnvelope
	CodeInvalidFrame
	CodeAuthenticationFailed
	CodeDecryptionFailed
	CodeCompressionFailed
	CodeDecompressionFailed
	CodeSerializationFailed
	CodeNetworkError
	CodeTimeout
	CodeBufferOverflow
	CodeNotImplemented
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeInvalidEnvelope:
		return "INVALID_ENVELOPE"
	case CodeInvalidFrame:
		return "INVALID_FRAME"
	case CodeAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case CodeDecryptionFailed:
		return "DECRYPTION_FAILED"
	case CodeCompressionFailed:
		return "COMPRESSION_FAILED"
	case CodeDecompressionFailed:
		return "DECOMPRESSION_FAILED"
	case CodeSerializationFailed:
		return "SERIALIZATION_FAILED"
	case CodeNetworkError:
		return "NETWORK_ERROR"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeBufferOverflow:
		return "BUFFER_OVERFLOW"
	case CodeNotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return fmt.Sprintf("ERROR(%d)", int(c))
	}
}

// Error is the failure type crossing the public API boundary. It pairs
// a taxonomy code with a human-readable message and an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error keeping err as the unwrappable cause.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the ErrorCode from err, returning 0 when err carries
// no protocol code.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}
