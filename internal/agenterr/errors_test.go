// ABOUTME: Tests for the flat error taxonomy
// ABOUTME: Covers status mapping, errors.Is matching, retry hints, and HTTP encoding

package agenterr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{InvalidRequest("x"), http.StatusBadRequest},
		{InvalidScope("x"), http.StatusBadRequest},
		{DuplicateIdentity("x"), http.StatusConflict},
		{ChallengeNotFound("x"), http.StatusNotFound},
		{ChallengeExpired("x"), http.StatusGone},
		{InvalidSignature("x"), http.StatusUnauthorized},
		{AgentSuspended("x"), http.StatusForbidden},
		{Internal("x", nil), http.StatusInternalServerError},
		{RateLimited("x", time.Second), http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.Status)
		})
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("verifying: %w", ChallengeExpired("challenge expired"))

	assert.True(t, errors.Is(err, ChallengeExpired("")))
	assert.False(t, errors.Is(err, ChallengeNotFound("")))
	assert.Equal(t, CodeChallengeExpired, CodeOf(err))
}

func TestFrom_UnknownErrorBecomesInternal(t *testing.T) {
	cause := errors.New("disk on fire")
	e := From(cause)

	require.NotNil(t, e)
	assert.Equal(t, CodeInternal, e.Code)
	assert.ErrorIs(t, e, cause)
	assert.Nil(t, From(nil))
}

func TestRateLimited_RetryAfterRoundsUp(t *testing.T) {
	e := RateLimited("slow down", 1500*time.Millisecond)

	d, ok := e.RetryAfter()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	e = RateLimited("slow down", time.Millisecond)
	d, _ = e.RetryAfter()
	assert.Equal(t, time.Second, d, "retry hint never rounds to zero")
}

func TestIsPolicy(t *testing.T) {
	assert.True(t, IsPolicy(AgentSuspended("x")))
	assert.True(t, IsPolicy(SpendingCapExceeded("x", time.Minute)))
	assert.False(t, IsPolicy(InvalidRequest("x")))
	assert.False(t, IsPolicy(errors.New("boom")))
}

func TestWriteHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, RateLimited("rate limit exceeded", 3*time.Second))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Error struct {
			Code    string            `json:"code"`
			Message string            `json:"message"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
	assert.Equal(t, "3", body.Error.Details["retry_after"])
}

func TestWriteHTTP_HidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, errors.New("secret database path /var/lib/x"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/lib/x")
}
