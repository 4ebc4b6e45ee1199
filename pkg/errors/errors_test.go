package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not ready", ErrIndexNotReady, http.StatusServiceUnavailable},
		{"wrapped not ready", fmt.Errorf("search: %w", ErrIndexNotReady), http.StatusServiceUnavailable},
		{"closed", ErrClientClosed, http.StatusServiceUnavailable},
		{"timeout", fmt.Errorf("%w: deadline", ErrTimeout), http.StatusGatewayTimeout},
		{"invalid", ErrInvalidInput, http.StatusBadRequest},
		{"corpus", ErrCorpusLoad, http.StatusBadGateway},
		{"app error wins", New(ErrInternal, http.StatusTeapot, "brew"), http.StatusTeapot},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusCode(tt.err))
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	err := Newf(ErrInvalidInput, http.StatusBadRequest, "limit %d out of range", 99)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Equal(t, "invalid input: limit 99 out of range", err.Error())
}
