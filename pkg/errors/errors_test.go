package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("status", "already qualified")
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus())
	assert.Equal(t, CodeValidationFailed, err.Code())
	assert.Contains(t, err.Error(), "status")

	custom := &ValidationError{Field: "price", Message: "must be positive", ErrCode: "invalid_price"}
	assert.Equal(t, "invalid_price", custom.Code())
	assert.Equal(t, http.StatusBadRequest, custom.HTTPStatus())
}

func TestTaxonomyMapping(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{NewNotFoundError("contact", "c-1"), CodeNotFound, http.StatusNotFound},
		{&UniqueConstraintError{Entity: "contact", Field: "email", Value: "a@b.c"}, CodeUniqueConstraint, http.StatusConflict},
		{&ConcurrencyConflictError{Entity: "contact", ID: "c-1", ExpectedVersion: 2}, CodeConcurrencyConflict, http.StatusConflict},
		{&DependencyCycleError{Cycle: []string{"tv_a", "tv_b", "tv_a"}}, CodeDependencyCycle, http.StatusUnprocessableEntity},
		{&ImpactMismatchError{Action: "x", Kind: "views"}, CodeImpactMismatch, http.StatusUnprocessableEntity},
		{&TimeoutError{Action: "x"}, CodeTimeout, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, GetErrorCode(tt.err), tt.err.Error())
		assert.Equal(t, tt.status, GetHTTPStatus(tt.err), tt.err.Error())
	}
}

func TestUnknownError(t *testing.T) {
	err := errors.New("disk on fire")
	assert.Equal(t, CodeUnknown, GetErrorCode(err))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(err))
}

func TestWrappedErrorsStillMatch(t *testing.T) {
	err := fmt.Errorf("invoke: %w", NewNotFoundError("contact", "c-1"))
	assert.True(t, IsNotFound(err))
	assert.Equal(t, CodeNotFound, GetErrorCode(err))

	to := &TimeoutError{Action: "x", Cause: errors.New("deadline")}
	assert.True(t, IsTimeout(fmt.Errorf("outer: %w", to)))
	assert.ErrorContains(t, to, "timed out")
}
