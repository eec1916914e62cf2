// Package apperrors implements the error taxonomy of the session lifecycle:
// invalid input, not found, not ready, upstream failure, gone, capacity, and
// transport. Handlers never return bare Go errors to a client; they return
// (or attach to the Gin context) an *AppError, and a single middleware
// converts it to the matching JSON response.
package apperrors

import (
	"fmt"
	"net/http"
)

// AppError is a machine-readable error code paired with the HTTP status it
// maps to, plus an optional details string. Details is logged for 5xx
// errors and is also included in the JSON body ToResponse produces.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the wire format returned to API clients.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes, one per taxonomy entry in §7 of the specification.
const (
	CodeInvalidRepository   = "invalid_repository"
	CodeInvalidRef          = "invalid_ref"
	CodeInvalidToken        = "invalid_token"
	CodeUnauthorized        = "unauthorized"
	CodeSessionNotFound     = "session_not_found"
	CodeSessionNotReady     = "session_not_ready"
	CodeSessionFailed       = "session_failed"
	CodeSessionGone         = "session_gone"
	CodeCapacityExhausted   = "capacity_exhausted"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeInternal            = "internal_error"
)

var statusByCode = map[string]int{
	CodeInvalidRepository:   http.StatusBadRequest,
	CodeInvalidRef:          http.StatusBadRequest,
	CodeInvalidToken:        http.StatusUnauthorized,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeSessionNotFound:     http.StatusNotFound,
	CodeSessionNotReady:     http.StatusAccepted,
	CodeSessionFailed:       http.StatusBadGateway,
	CodeSessionGone:         http.StatusGone,
	CodeCapacityExhausted:   http.StatusServiceUnavailable,
	CodeUpstreamUnreachable: http.StatusBadGateway,
	CodeInternal:            http.StatusInternalServerError,
}

func statusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds an AppError with the status code derived from its taxonomy code.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusFor(code)}
}

// Wrap builds an AppError carrying an underlying error's text as details.
func Wrap(code, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &AppError{Code: code, Message: message, Details: details, StatusCode: statusFor(code)}
}

// ToResponse converts an AppError to its wire format.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Code, Message: e.Message, Details: e.Details}
}

// Convenience constructors, one per taxonomy entry.

func InvalidRepository(message string) *AppError { return New(CodeInvalidRepository, message) }
func InvalidRef(message string) *AppError        { return New(CodeInvalidRef, message) }
func InvalidToken() *AppError {
	return New(CodeInvalidToken, "invalid or missing access token")
}
func Unauthorized() *AppError {
	return New(CodeUnauthorized, "invalid or missing API key")
}
func SessionNotFound(id string) *AppError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
}
func SessionNotReady(status string) *AppError {
	return New(CodeSessionNotReady, fmt.Sprintf("session is %s", status))
}
func SessionFailed(reason string) *AppError {
	return New(CodeSessionFailed, reason)
}
func SessionGone() *AppError {
	return New(CodeSessionGone, "session has been stopped")
}
func CapacityExhausted(message string) *AppError {
	return New(CodeCapacityExhausted, message)
}
func UpstreamUnreachable(err error) *AppError {
	return Wrap(CodeUpstreamUnreachable, "dev server is not reachable", err)
}
func Internal(err error) *AppError {
	return Wrap(CodeInternal, "an unexpected error occurred", err)
}
