package apierror_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/sidefxlabs/sidefx/internal/apierror"
	"github.com/stretchr/testify/assert"
)

func TestNewAPIError(t *testing.T) {
	details := "connection reset by peer"
	apiErr := apierror.NewAPIError(apierror.ErrTransient, "Executor call failed", details)

	assert.Equal(t, apierror.ErrTransient, apiErr.Code)
	assert.Equal(t, "Executor call failed", apiErr.Message)
	assert.Equal(t, details, apiErr.Details)
	assert.Equal(t, "TRANSIENT: Executor call failed", apiErr.Error())
}

func TestErrorClassification(t *testing.T) {
	transient := apierror.NewAPIError(apierror.ErrTransient, "timeout", nil)
	permanent := apierror.NewAPIError(apierror.ErrPermanent, "rejected payload", nil)
	mismatch := apierror.NewAPIError(apierror.ErrCompletionMismatch, "artifact differs", nil)

	assert.True(t, apierror.IsTransient(transient))
	assert.False(t, apierror.IsTransient(permanent))
	assert.False(t, apierror.IsTransient(mismatch))

	assert.True(t, apierror.IsPermanent(permanent))
	assert.False(t, apierror.IsPermanent(transient))

	assert.True(t, apierror.IsCompletionMismatch(mismatch))
	assert.False(t, apierror.IsCompletionMismatch(permanent))

	// Unclassified errors default to transient so nothing is dropped.
	assert.True(t, apierror.IsTransient(errors.New("unknown failure")))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "NotFound Error",
			err:      apierror.NewAPIError(apierror.ErrNotFound, "Effect not found", nil),
			expected: http.StatusNotFound,
		},
		{
			name:     "Conflict Error",
			err:      apierror.NewAPIError(apierror.ErrConflict, "Effect already exists", nil),
			expected: http.StatusConflict,
		},
		{
			name:     "InvalidInput Error",
			err:      apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid input", nil),
			expected: http.StatusBadRequest,
		},
		{
			name:     "InternalServerError",
			err:      apierror.NewAPIError(apierror.ErrInternalServer, "Internal server error", nil),
			expected: http.StatusInternalServerError,
		},
		{
			name:     "Unknown Error",
			err:      errors.New("unknown error"),
			expected: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statusCode := apierror.MapErrorToHTTPStatus(tt.err)
			assert.Equal(t, tt.expected, statusCode)
		})
	}
}
