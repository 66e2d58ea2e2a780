package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	// Worker protocol codes. Transient failures are recovered by leaving the
	// command unacked for redelivery; permanent failures are routed to the
	// dead letter queue. A completion mismatch is a correctness bug upstream
	// and is never swallowed.
	ErrTransient          ErrorCode = "TRANSIENT"
	ErrPermanent          ErrorCode = "PERMANENT"
	ErrCompletionMismatch ErrorCode = "DUPLICATE_COMPLETION_MISMATCH"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsTransient reports whether err should be retried through transport
// redelivery. Unclassified errors are treated as transient so an unknown
// failure never permanently drops a command.
func IsTransient(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code != ErrPermanent && apiErr.Code != ErrCompletionMismatch
	}
	return true
}

// IsPermanent reports whether err must be surfaced to an operator instead of
// retried.
func IsPermanent(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrPermanent
	}
	return false
}

// IsCompletionMismatch reports whether err is an attempt to complete an
// effect with an artifact different from the one already recorded.
func IsCompletionMismatch(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrCompletionMismatch
	}
	return false
}

func MapErrorToHTTPStatus(err error) int {
	if apiErr, ok := err.(APIError); ok {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest:
			return http.StatusBadRequest
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
