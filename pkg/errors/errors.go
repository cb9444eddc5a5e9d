package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidIntent  = errors.New("invalid intent")
	ErrInvalidParams  = errors.New("invalid params")
	ErrNoCredential   = errors.New("credential not configured")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrTimeout        = errors.New("operation timed out")
	ErrUnavailable    = errors.New("source unavailable")
	ErrCorpusNotReady = errors.New("corpus index not loaded")
	ErrInternal       = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Is is re-exported so callers importing this package under the name
// "errors" keep access to the standard helpers.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidIntent), errors.Is(err, ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrCorpusNotReady), errors.Is(err, ErrNoCredential):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
