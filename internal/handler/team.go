package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/hireproof/internal/billing"
	"github.com/dukerupert/hireproof/internal/model"
	"github.com/dukerupert/hireproof/internal/store"
	"github.com/dukerupert/hireproof/internal/verification"
)

// TeamHandler serves the admin usage and plan endpoints.
type TeamHandler struct {
	teams    *store.TeamStore
	usage    *store.UsageStore
	tracker  *billing.Tracker
	notifier verification.Notifier
	validate *validator.Validate
	logger   *slog.Logger
}

func NewTeamHandler(teams *store.TeamStore, usage *store.UsageStore, tracker *billing.Tracker, notifier verification.Notifier, v *validator.Validate, logger *slog.Logger) *TeamHandler {
	return &TeamHandler{
		teams:    teams,
		usage:    usage,
		tracker:  tracker,
		notifier: notifier,
		validate: v,
		logger:   logger.With("component", "team_handler"),
	}
}

type usageResponse struct {
	TeamID  string        `json:"team_id"`
	Plan    string        `json:"plan"`
	Current *model.Usage  `json:"current"`
	History []model.Usage `json:"history"`
}

func (h *TeamHandler) Usage(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	team, err := h.teams.GetTeam(r.Context(), teamID)
	if err != nil {
		h.logger.Error("load team", "team_id", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load team")
		return
	}
	if team == nil {
		writeError(w, http.StatusNotFound, "not_found", "team not found")
		return
	}

	current, err := h.tracker.GetCurrentUsage(r.Context(), teamID)
	if err != nil {
		h.logger.Error("load current usage", "team_id", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load usage")
		return
	}
	history, err := h.usage.ListForTeam(r.Context(), teamID)
	if err != nil {
		h.logger.Error("list usage", "team_id", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load usage")
		return
	}
	if history == nil {
		history = []model.Usage{}
	}

	writeJSON(w, http.StatusOK, usageResponse{
		TeamID:  team.ID,
		Plan:    team.PlanName,
		Current: current,
		History: history,
	})
}

type planRequest struct {
	Plan       string    `json:"plan" validate:"required,oneof=free basic pro"`
	CycleStart time.Time `json:"cycle_start" validate:"required"`
	CycleEnd   time.Time `json:"cycle_end" validate:"required,gtfield=CycleStart"`
}

func (h *TeamHandler) ApplyPlan(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	var req planRequest
	if !decodeJSON(w, r, h.validate, &req) {
		return
	}

	u, err := h.tracker.ApplyPlanUpgrade(r.Context(), teamID, req.Plan, req.CycleStart.UTC(), req.CycleEnd.UTC())
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	h.notifier.Notify(teamID, verification.EventUsageChanged, u)
	writeJSON(w, http.StatusOK, u)
}
