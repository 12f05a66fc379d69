// Package errors provides standardized error handling for the Secure Link service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the Secure Link service.
type ErrorCode string

const (
	// Validation errors
	SPEND_VALIDATION         ErrorCode = "SPEND_VALIDATION"         // General validation error
	SPEND_BAD_REQUEST        ErrorCode = "SPEND_BAD_REQUEST"        // Bad request
	SPEND_METHOD_NOT_ALLOWED ErrorCode = "SPEND_METHOD_NOT_ALLOWED" // HTTP method not supported on this path

	// Authentication/Authorization errors
	SPEND_AUTHN           ErrorCode = "SPEND_AUTHN"           // Authentication failed
	SPEND_UNAUTHORIZED    ErrorCode = "SPEND_UNAUTHORIZED"    // Credentials rejected (generic, enumeration-safe)
	SPEND_JWT_INVALID     ErrorCode = "SPEND_JWT_INVALID"     // Invalid JWT
	SPEND_JWT_EXPIRED     ErrorCode = "SPEND_JWT_EXPIRED"     // Expired JWT
	SPEND_JWT_MALFORMED   ErrorCode = "SPEND_JWT_MALFORMED"   // Malformed JWT
	SPEND_WALLET_MISMATCH ErrorCode = "SPEND_WALLET_MISMATCH" // Caller does not own the resource

	// Resource errors
	SPEND_NOT_FOUND          ErrorCode = "SPEND_NOT_FOUND"          // Resource not found
	SPEND_INVALID_STATE      ErrorCode = "SPEND_INVALID_STATE"      // Lifecycle state forbids the operation
	SPEND_CONFLICT           ErrorCode = "SPEND_CONFLICT"           // Concurrent update lost the race
	SPEND_INSUFFICIENT_FUNDS ErrorCode = "SPEND_INSUFFICIENT_FUNDS" // Wallet balance below requested debit

	// Server errors
	SPEND_UPSTREAM    ErrorCode = "SPEND_UPSTREAM"    // External provider failed
	SPEND_INTERNAL    ErrorCode = "SPEND_INTERNAL"    // Internal server error
	SPEND_UNAVAILABLE ErrorCode = "SPEND_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case SPEND_VALIDATION, SPEND_BAD_REQUEST:
		return http.StatusBadRequest
	case SPEND_METHOD_NOT_ALLOWED:
		return http.StatusMethodNotAllowed
	case SPEND_AUTHN, SPEND_JWT_INVALID, SPEND_JWT_EXPIRED, SPEND_JWT_MALFORMED:
		return http.StatusUnauthorized
	case SPEND_UNAUTHORIZED, SPEND_WALLET_MISMATCH:
		return http.StatusForbidden
	case SPEND_NOT_FOUND:
		return http.StatusNotFound
	case SPEND_INVALID_STATE, SPEND_CONFLICT:
		return http.StatusConflict
	case SPEND_INSUFFICIENT_FUNDS:
		return http.StatusUnprocessableEntity
	case SPEND_UPSTREAM:
		return http.StatusBadGateway
	case SPEND_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
