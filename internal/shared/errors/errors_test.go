package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		target error
		status int
	}{
		{"not found", NotFound("record", "ethercis-1"), ErrNotFound, http.StatusNotFound},
		{"bad request", BadRequest("heading must be defined"), ErrBadRequest, http.StatusBadRequest},
		{"session", SessionFailed("ethercis", fmt.Errorf("401")), ErrSession, http.StatusBadGateway},
		{"write rejected", WriteRejected("ethercis", "400"), ErrWriteRejected, http.StatusUnprocessableEntity},
		{"unavailable", Unavailable("no host answered", multierr.Combine(fmt.Errorf("a"), fmt.Errorf("b"))), ErrUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("merge disc-1: %w", tt.err)
			assert.True(t, Is(wrapped, tt.target))

			var appErr *AppError
			assert.True(t, As(wrapped, &appErr))
			assert.Equal(t, tt.status, appErr.HTTPStatus)
		})
	}
}

func TestSessionFailedKeepsCause(t *testing.T) {
	err := SessionFailed("marand", fmt.Errorf("connection refused"))
	assert.Equal(t, "marand", err.Details["host"])
	assert.Equal(t, "connection refused", err.Details["cause"])
	assert.Contains(t, err.Error(), "marand")
}

func TestInternalHidesCause(t *testing.T) {
	err := Internal(fmt.Errorf("pool exhausted"))
	assert.Equal(t, "internal server error", err.Message)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
}
