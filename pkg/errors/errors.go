package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound           = "NOT_FOUND"
	CodeValidation         = "VALIDATION_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeConnection         = "CONNECTION_ERROR"
	CodeParse              = "PARSE_ERROR"
	CodePartialWrite       = "PARTIAL_WRITE"
	CodeFatal              = "FATAL"
	CodeInvalidState       = "INVALID_STATE"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
)

var (
	ErrNotFound           = NewError(CodeNotFound, "resource not found", http.StatusNotFound)
	ErrValidation         = NewError(CodeValidation, "validation failed", http.StatusBadRequest)
	ErrInternal           = NewError(CodeInternal, "internal server error", http.StatusInternalServerError)
	ErrConflict           = NewError(CodeConflict, "resource conflict", http.StatusConflict)
	ErrServiceUnavailable = NewError(CodeServiceUnavailable, "service unavailable", http.StatusServiceUnavailable)
	ErrRateLimited        = NewError(CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests)

	// River error kinds.
	ErrConnection   = NewError(CodeConnection, "broker connection failed", http.StatusBadGateway).AsRetryable()
	ErrParse        = NewError(CodeParse, "malformed bulk message", http.StatusBadRequest).AsFatal()
	ErrPartialWrite = NewError(CodePartialWrite, "bulk item rejected by store", http.StatusConflict).AsFatal()
	ErrFatal        = NewError(CodeFatal, "river cannot make progress", http.StatusServiceUnavailable).AsFatal()
	ErrInvalidState = NewError(CodeInvalidState, "invalid river state transition", http.StatusConflict).AsFatal()
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return e.Code != CodeValidation && e.Code != CodeNotFound
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	return e.Code == CodeValidation || e.Code == CodeNotFound
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	err.Details = copyDetails(e.Details)
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	err.Details = copyDetails(e.Details)
	err.Details[key] = value
	return &err
}

func (e *Error) WithDetails(details map[string]interface{}) *Error {
	err := *e
	err.Details = details
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func copyDetails(details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	return out
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

func hasCode(err error, code string) bool {
	for err != nil {
		var appErr *Error
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

func IsValidation(err error) bool {
	return hasCode(err, CodeValidation)
}

func IsConflict(err error) bool {
	return hasCode(err, CodeConflict)
}

func IsConnection(err error) bool {
	return hasCode(err, CodeConnection)
}

func IsParse(err error) bool {
	return hasCode(err, CodeParse)
}

// IsFatal reports whether err carries the FATAL code anywhere in its chain.
// It does not consult the retryable flag of other codes.
func IsFatal(err error) bool {
	return hasCode(err, CodeFatal)
}

func IsInvalidState(err error) bool {
	return hasCode(err, CodeInvalidState)
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
