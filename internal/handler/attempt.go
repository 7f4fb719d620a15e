package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/hireproof/internal/model"
	"github.com/dukerupert/hireproof/internal/verification"
)

// AttemptHandler serves the candidate-facing attempt routes.
type AttemptHandler struct {
	engine   *verification.Engine
	validate *validator.Validate
	baseURL  string
	logger   *slog.Logger
}

func NewAttemptHandler(engine *verification.Engine, v *validator.Validate, baseURL string, logger *slog.Logger) *AttemptHandler {
	return &AttemptHandler{
		engine:   engine,
		validate: v,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger.With("component", "attempt_handler"),
	}
}

type startRequest struct {
	TeamID string `json:"team_id" validate:"required,max=64"`
	JobID  string `json:"job_id" validate:"required,max=64"`
	Email  string `json:"email" validate:"required,email,max=254"`
}

// Surrounding whitespace is dropped; case is kept for display.
func (r *startRequest) normalize() {
	r.TeamID = strings.TrimSpace(r.TeamID)
	r.JobID = strings.TrimSpace(r.JobID)
	r.Email = strings.TrimSpace(r.Email)
}

// questionView is a question as shown to the candidate, without its key.
type questionView struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
}

func questionViews(qs []model.Question) []questionView {
	out := make([]questionView, len(qs))
	for i, q := range qs {
		out[i] = questionView{ID: q.ID, Prompt: q.Prompt, Choices: q.Choices}
	}
	return out
}

type startResponse struct {
	AttemptID     string         `json:"attempt_id"`
	SessionToken  string         `json:"session_token"`
	Questions     []questionView `json:"questions"`
	PassThreshold int            `json:"pass_threshold"`
	RetryCount    int            `json:"retry_count"`
	RedirectToken string         `json:"redirect_token,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
}

func (h *AttemptHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeJSON(w, r, h.validate, &req) {
		return
	}

	handle, err := h.engine.StartAttempt(r.Context(), verification.StartRequest{
		TeamID: req.TeamID,
		JobID:  req.JobID,
		Email:  req.Email,
	})
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, startResponse{
		AttemptID:     handle.AttemptID,
		SessionToken:  handle.SessionToken,
		Questions:     questionViews(handle.Questions),
		PassThreshold: handle.PassThreshold,
		RetryCount:    handle.RetryCount,
		RedirectToken: handle.RedirectToken,
		StartedAt:     handle.StartedAt,
	})
}

type submitRequest struct {
	SessionToken string         `json:"session_token" validate:"required"`
	Answers      map[string]int `json:"answers" validate:"required"`
}

type submitResponse struct {
	AttemptID         string     `json:"attempt_id"`
	Passed            bool       `json:"passed"`
	Score             int        `json:"score"`
	PassThreshold     int        `json:"pass_threshold"`
	VerificationToken string     `json:"verification_token,omitempty"`
	TokenExpiresAt    *time.Time `json:"token_expires_at,omitempty"`
	RedirectURL       string     `json:"redirect_url,omitempty"`
}

func (h *AttemptHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, h.validate, &req) {
		return
	}

	res, err := h.engine.SubmitAnswers(r.Context(), req.SessionToken, req.Answers)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}

	resp := submitResponse{
		AttemptID:         res.AttemptID,
		Passed:            res.Passed,
		Score:             res.Score,
		PassThreshold:     res.PassThreshold,
		VerificationToken: res.VerificationToken,
	}
	if res.Passed {
		exp := res.TokenExpiresAt
		resp.TokenExpiresAt = &exp
	}
	if res.RedirectToken != "" {
		resp.RedirectURL = h.redirectURL(res.RedirectToken, res.Passed)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AttemptHandler) redirectURL(tok string, passed bool) string {
	outcome := outcomeFailed
	if passed {
		outcome = outcomePassed
	}
	q := url.Values{"token": {tok}, "outcome": {outcome}}
	return h.baseURL + "/v1/redirect?" + q.Encode()
}

type abandonRequest struct {
	SessionToken string `json:"session_token" validate:"required"`
}

func (h *AttemptHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	var req abandonRequest
	if !decodeJSON(w, r, h.validate, &req) {
		return
	}
	if err := h.engine.AbandonAttempt(r.Context(), req.SessionToken); err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
