package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors(t *testing.T) {
	cases := []struct {
		err  *APIError
		typ  ErrorType
		code int
	}{
		{ValidationError("bad", "bad input"), ErrorTypeValidation, http.StatusBadRequest},
		{NotFoundError("missing", "no such thing"), ErrorTypeNotFound, http.StatusNotFound},
		{UnavailableError("not_ready", "upstream down"), ErrorTypeUnavailable, http.StatusServiceUnavailable},
		{InternalError("boom", "boom"), ErrorTypeInternal, http.StatusInternalServerError},
		{TimeoutError("slow", "too slow"), ErrorTypeTimeout, http.StatusGatewayTimeout},
	}
	for _, c := range cases {
		assert.Equal(t, c.typ, c.err.Type)
		assert.Equal(t, c.code, c.err.HTTPCode)
	}
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	apiErr := NotFoundError("missing", "gone")
	assert.Same(t, apiErr, FromError(fmt.Errorf("wrapped: %w", apiErr)))

	plain := FromError(fmt.Errorf("disk on fire"))
	assert.Equal(t, ErrorTypeInternal, plain.Type)
	assert.Equal(t, "disk on fire", plain.Message)
}

func TestErrorString(t *testing.T) {
	err := ValidationError("invalid_permission", "unknown state").WithRequestID("req-1")
	assert.Equal(t, "[validation] invalid_permission: unknown state", err.Error())
	assert.Equal(t, "req-1", err.RequestID)
}
