package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/hireproof/internal/verification"
)

// VerifyHandler serves the read-only token check hiring backends call.
type VerifyHandler struct {
	engine   *verification.Engine
	validate *validator.Validate
	logger   *slog.Logger
}

func NewVerifyHandler(engine *verification.Engine, v *validator.Validate, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{engine: engine, validate: v, logger: logger.With("component", "verify_handler")}
}

type verifyRequest struct {
	Token string `json:"token" validate:"required,max=128"`
	JobID string `json:"job_id" validate:"omitempty,max=64"`
	Email string `json:"email" validate:"omitempty,email,max=254"`
}

func (r *verifyRequest) normalize() {
	r.Token = strings.TrimSpace(r.Token)
	r.JobID = strings.TrimSpace(r.JobID)
	r.Email = strings.TrimSpace(r.Email)
}

type bindingView struct {
	AttemptID      string    `json:"attempt_id"`
	TeamID         string    `json:"team_id"`
	JobID          string    `json:"job_id"`
	CandidateEmail string    `json:"candidate_email"`
	Score          int       `json:"score"`
	PassThreshold  int       `json:"pass_threshold"`
	CompletedAt    time.Time `json:"completed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type verifyResponse struct {
	Valid   bool         `json:"valid"`
	Reason  string       `json:"reason,omitempty"`
	Binding *bindingView `json:"binding,omitempty"`
}

// Verify accepts the token as query parameters on GET or a JSON body on
// POST. A token that resolves but belongs to another job or candidate is
// reported as not valid for this application.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req = verifyRequest{Token: q.Get("token"), JobID: q.Get("job_id"), Email: q.Get("email")}
		if !validateRequest(w, h.validate, &req) {
			return
		}
	} else if !decodeJSON(w, r, h.validate, &req) {
		return
	}

	b, err := h.engine.VerifyToken(r.Context(), req.Token)
	switch {
	case errors.Is(err, verification.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, verifyResponse{Reason: "invalid_token"})
		return
	case errors.Is(err, verification.ErrExpiredToken):
		writeJSON(w, http.StatusGone, verifyResponse{Reason: "expired_token"})
		return
	case err != nil:
		writeEngineError(w, h.logger, err)
		return
	}

	if !b.Matches(req.JobID, req.Email) {
		writeJSON(w, http.StatusOK, verifyResponse{Reason: "binding_mismatch"})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid: true,
		Binding: &bindingView{
			AttemptID:      b.AttemptID,
			TeamID:         b.TeamID,
			JobID:          b.JobID,
			CandidateEmail: b.CandidateEmail,
			Score:          b.Score,
			PassThreshold:  b.PassThreshold,
			CompletedAt:    b.CompletedAt,
			ExpiresAt:      b.ExpiresAt,
		},
	})
}
