// Package handler exposes the verification engine and billing tracker over
// JSON HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/hireproof/internal/billing"
	"github.com/dukerupert/hireproof/internal/verification"
)

const maxBodyBytes = 64 << 10

// NewValidator returns a validator that reports fields by their JSON name.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// decodeJSON reads a bounded JSON body into dst and validates it. It writes
// the 400 response itself and reports false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return false
	}
	return validateRequest(w, v, dst)
}

// normalizer is implemented by requests that clean up their fields before
// validation.
type normalizer interface {
	normalize()
}

func validateRequest(w http.ResponseWriter, v *validator.Validate, req any) bool {
	if n, ok := req.(normalizer); ok {
		n.normalize()
	}
	err := v.Struct(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("invalid %s: failed %s", fe.Field(), fe.Tag()),
			Code:  "validation_failed",
			Field: fe.Field(),
		})
		return false
	}
	writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	return false
}

// writeEngineError maps the verification and billing error taxonomy onto
// HTTP status codes.
func writeEngineError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verr *verification.ValidationError
	var serr *verification.StorageError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Code: "validation_failed", Field: verr.Field})
	case errors.Is(err, verification.ErrNotFound), errors.Is(err, billing.ErrTeamNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, verification.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, "invalid_session", "invalid session")
	case errors.Is(err, verification.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid verification token")
	case errors.Is(err, verification.ErrExpiredToken):
		writeError(w, http.StatusGone, "expired_token", "verification token expired")
	case errors.Is(err, verification.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, "already_completed", "attempt already completed")
	case errors.Is(err, verification.ErrAttemptAbandoned):
		writeError(w, http.StatusConflict, "attempt_abandoned", "attempt was abandoned")
	case errors.Is(err, verification.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts for this job today")
	case errors.Is(err, verification.ErrNoQuestions):
		writeError(w, http.StatusUnprocessableEntity, "no_questions", "job has no questions")
	case errors.Is(err, billing.ErrInvalidCycle):
		writeError(w, http.StatusBadRequest, "invalid_cycle", err.Error())
	case errors.As(err, &serr):
		logger.Error("storage failure", "op", serr.Op, "error", serr.Err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "temporarily unavailable, retry")
	default:
		logger.Error("unhandled error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
