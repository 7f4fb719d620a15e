// Package billing owns the per-team usage counter for each billing cycle.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/hireproof/internal/clock"
	"github.com/dukerupert/hireproof/internal/database"
	"github.com/dukerupert/hireproof/internal/model"
	"github.com/dukerupert/hireproof/internal/store"
)

var (
	ErrTeamNotFound = errors.New("team not found")
	ErrInvalidCycle = errors.New("cycle start must be before cycle end")
)

// Tracker resolves, lazily creates and increments usage rows. Every
// mutation is a single statement inside the caller's transaction, so
// concurrent completions for the same team never lose an update.
type Tracker struct {
	db     *database.DB
	teams  *store.TeamStore
	usage  *store.UsageStore
	clock  clock.Clock
	prices map[string]string
	logger *slog.Logger
}

// NewTracker builds a tracker. prices maps plan names to the metered price
// recorded on new rows and may be nil.
func NewTracker(db *database.DB, teams *store.TeamStore, usage *store.UsageStore, clk clock.Clock, prices map[string]string, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:     db,
		teams:  teams,
		usage:  usage,
		clock:  clk,
		prices: prices,
		logger: logger.With("component", "billing"),
	}
}

func (t *Tracker) priceFor(plan string) *string {
	if id, ok := t.prices[NormalizePlan(plan)]; ok && id != "" {
		return &id
	}
	return nil
}

// GetCurrentUsage returns the team's row for the cycle containing now, or
// nil if none has been created yet.
func (t *Tracker) GetCurrentUsage(ctx context.Context, teamID string) (*model.Usage, error) {
	return t.usage.Current(ctx, teamID, t.clock.Now())
}

// GetOrCreate returns the current row unchanged if there is one, otherwise
// it inserts a row for [cycleStart, cycleEnd) capped by the team's plan.
func (t *Tracker) GetOrCreate(ctx context.Context, teamID string, cycleStart, cycleEnd time.Time) (*model.Usage, error) {
	var u *model.Usage
	err := database.WithTx(ctx, t.db, func(tx *sql.Tx) error {
		var err error
		u, err = t.getOrCreateTx(ctx, tx, teamID, cycleStart, cycleEnd)
		return err
	})
	return u, err
}

func (t *Tracker) getOrCreateTx(ctx context.Context, q database.Querier, teamID string, cycleStart, cycleEnd time.Time) (*model.Usage, error) {
	if !cycleStart.Before(cycleEnd) {
		return nil, ErrInvalidCycle
	}
	now := t.clock.Now()
	current, err := t.usage.CurrentTx(ctx, q, teamID, now)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return current, nil
	}

	team, err := t.teams.GetTeamTx(ctx, q, teamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, ErrTeamNotFound
	}
	return t.usage.UpsertTx(ctx, q, &model.Usage{
		TeamID:               teamID,
		CycleStart:           cycleStart,
		CycleEnd:             cycleEnd,
		IncludedApplications: CapFor(team.PlanName),
		MeteredPriceID:       t.priceFor(team.PlanName),
	}, now)
}

// currentOrCreateTx resolves the row for now, deriving the cycle from the
// team's billing anchor when it must create one.
func (t *Tracker) currentOrCreateTx(ctx context.Context, q database.Querier, team *model.Team, now time.Time) (*model.Usage, error) {
	current, err := t.usage.CurrentTx(ctx, q, team.ID, now)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return current, nil
	}
	start, end := CycleFor(team.BillingAnchor, now)
	return t.usage.UpsertTx(ctx, q, &model.Usage{
		TeamID:               team.ID,
		CycleStart:           start,
		CycleEnd:             end,
		IncludedApplications: CapFor(team.PlanName),
		MeteredPriceID:       t.priceFor(team.PlanName),
	}, now)
}

// RecordUsage counts one qualifying attempt in its own transaction.
func (t *Tracker) RecordUsage(ctx context.Context, teamID string) (*model.Usage, error) {
	var u *model.Usage
	err := database.WithTx(ctx, t.db, func(tx *sql.Tx) error {
		var err error
		u, err = t.RecordUsageTx(ctx, tx, teamID)
		return err
	})
	return u, err
}

// RecordUsageTx adds exactly one to the team's current-cycle count inside
// q. The caller owns the transaction so the increment commits or rolls
// back with whatever made the attempt qualify.
func (t *Tracker) RecordUsageTx(ctx context.Context, q database.Querier, teamID string) (*model.Usage, error) {
	now := t.clock.Now()
	team, err := t.teams.GetTeamTx(ctx, q, teamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, ErrTeamNotFound
	}

	row, err := t.currentOrCreateTx(ctx, q, team, now)
	if err != nil {
		return nil, err
	}

	// Rows written before caps were resolved at creation can carry zero.
	healCap := row.IncludedApplications
	if healCap <= 0 {
		healCap = CapFor(team.PlanName)
		t.logger.Warn("usage row had no cap, resolving from plan",
			"team_id", teamID, "usage_id", row.ID, "plan", team.PlanName, "cap", healCap)
	}

	updated, err := t.usage.IncrementTx(ctx, q, row.ID, healCap, now)
	if err != nil {
		return nil, err
	}
	if updated.ActualApplications > updated.IncludedApplications {
		t.logger.Info("team over included applications",
			"team_id", teamID, "actual", updated.ActualApplications, "included", updated.IncludedApplications)
	}
	return updated, nil
}

// ApplyPlanUpgrade records a plan change for the cycle [cycleStart,
// cycleEnd). The row covering now is kept with its count; when the new
// cycle also covers now that row is re-anchored to end at cycleEnd. Only
// without a current row is one created from the given boundaries. The
// resulting row's cap is raised to the new plan's cap and applies to usage
// already counted in it. A smaller cap is not applied to a row that already
// exists; it takes effect from the next cycle.
func (t *Tracker) ApplyPlanUpgrade(ctx context.Context, teamID, planName string, cycleStart, cycleEnd time.Time) (*model.Usage, error) {
	if !cycleStart.Before(cycleEnd) {
		return nil, ErrInvalidCycle
	}
	planName = NormalizePlan(planName)
	newCap := CapFor(planName)

	var result *model.Usage
	err := database.WithTx(ctx, t.db, func(tx *sql.Tx) error {
		now := t.clock.Now()
		team, err := t.teams.GetTeamTx(ctx, tx, teamID)
		if err != nil {
			return err
		}
		if team == nil {
			return ErrTeamNotFound
		}

		row, err := t.usage.CurrentTx(ctx, tx, teamID, now)
		if err != nil {
			return err
		}
		if row == nil {
			row, err = t.usage.UpsertTx(ctx, tx, &model.Usage{
				TeamID:               teamID,
				CycleStart:           cycleStart,
				CycleEnd:             cycleEnd,
				IncludedApplications: newCap,
				MeteredPriceID:       t.priceFor(planName),
			}, now)
			if err != nil {
				return err
			}
		} else if !cycleStart.After(now) && cycleEnd.After(now) && !cycleEnd.Equal(row.CycleEnd) {
			if err := t.usage.SetCycleEndTx(ctx, tx, row.ID, cycleEnd, now); err != nil {
				return err
			}
		}

		switch {
		case newCap > row.IncludedApplications:
			if err := t.usage.SetCapTx(ctx, tx, row.ID, newCap, t.priceFor(planName), now); err != nil {
				return err
			}
		case newCap < row.IncludedApplications:
			t.logger.Info("plan downgrade keeps current cycle cap",
				"team_id", teamID, "plan", planName, "cap", row.IncludedApplications, "next_cap", newCap)
		}

		if err := t.teams.SetPlanTx(ctx, tx, teamID, planName, cycleStart, now); err != nil {
			return err
		}

		result, err = t.usage.GetByIDTx(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		if result == nil {
			return fmt.Errorf("usage row %s vanished during plan change", row.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("plan change applied",
		"team_id", teamID, "plan", planName, "included", result.IncludedApplications, "actual", result.ActualApplications)
	return result, nil
}
