package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dukerupert/hireproof/internal/billing"
	"github.com/dukerupert/hireproof/internal/verification"
)

func TestWriteEngineError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&verification.ValidationError{Field: "email", Reason: "required"}, http.StatusBadRequest, "validation_failed"},
		{fmt.Errorf("job x: %w", verification.ErrNotFound), http.StatusNotFound, "not_found"},
		{billing.ErrTeamNotFound, http.StatusNotFound, "not_found"},
		{verification.ErrInvalidSession, http.StatusUnauthorized, "invalid_session"},
		{verification.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
		{verification.ErrExpiredToken, http.StatusGone, "expired_token"},
		{verification.ErrAlreadyCompleted, http.StatusConflict, "already_completed"},
		{verification.ErrAttemptAbandoned, http.StatusConflict, "attempt_abandoned"},
		{verification.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{verification.ErrNoQuestions, http.StatusUnprocessableEntity, "no_questions"},
		{billing.ErrInvalidCycle, http.StatusBadRequest, "invalid_cycle"},
		{&verification.StorageError{Op: "complete attempt", Err: errors.New("disk I/O error")}, http.StatusServiceUnavailable, "storage_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeEngineError(rec, logger, tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[errorResponse](t, rec).Code)
			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}
