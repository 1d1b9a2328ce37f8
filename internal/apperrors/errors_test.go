package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := ExternalService("ocr returned 503", true, errors.New("unavailable"))
	wrapped := fmt.Errorf("extraction: %w", base)

	assert.Equal(t, KindExternalService, KindOf(wrapped))
	assert.True(t, IsRetriable(wrapped))
	assert.Equal(t, "ocr returned 503", Message(wrapped))
	assert.ErrorContains(t, wrapped, "unavailable")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Authorization("not yours"), http.StatusForbidden},
		{NotFound("document not found", nil), http.StatusNotFound},
		{Validation("jobKey is required"), http.StatusBadRequest},
		{Conflict("already running"), http.StatusConflict},
		{Protocol("bad frame", nil), http.StatusBadGateway},
		{ExternalService("rate limited", true, nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestPlainErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.False(t, IsRetriable(err))
	assert.False(t, Is(nil, KindInternal))
	assert.Equal(t, "internal server error", Message(err))
}
