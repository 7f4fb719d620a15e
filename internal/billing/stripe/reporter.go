package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/hireproof/internal/clock"
	"github.com/dukerupert/hireproof/internal/model"
	"github.com/dukerupert/hireproof/internal/store"
)

const defaultBatchSize = 100

// MeterEventSender delivers meter events. *Client implements it.
type MeterEventSender interface {
	SendMeterEvent(ctx context.Context, ev MeterEvent) error
}

// Reporter pushes counted attempts to Stripe one meter event each and
// marks them reported.
type Reporter struct {
	sender    MeterEventSender
	attempts  *store.AttemptStore
	teams     *store.TeamStore
	usage     *store.UsageStore
	clock     clock.Clock
	logger    *slog.Logger
	batchSize int
}

// NewReporter builds a Reporter that sends through sender.
func NewReporter(sender MeterEventSender, attempts *store.AttemptStore, teams *store.TeamStore, usage *store.UsageStore, clk clock.Clock, logger *slog.Logger) *Reporter {
	return &Reporter{
		sender:    sender,
		attempts:  attempts,
		teams:     teams,
		usage:     usage,
		clock:     clk,
		logger:    logger.With("component", "stripe_reporter"),
		batchSize: defaultBatchSize,
	}
}

type syncKey struct {
	teamID string
	at     time.Time
}

// ReportPending sends up to one batch of unreported attempts and returns
// how many were marked reported. Attempts of teams without a Stripe
// customer are marked without sending anything. A failed send leaves the
// attempt pending for the next run.
func (r *Reporter) ReportPending(ctx context.Context) (int, error) {
	pending, err := r.attempts.ListUnreported(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	teams := make(map[string]*model.Team)
	touched := make(map[syncKey]struct{})
	var errs []error
	reported := 0

	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		passed, ok := a.State.(model.Passed)
		if !ok {
			continue
		}

		team, ok := teams[a.TeamID]
		if !ok {
			team, err = r.teams.GetTeam(ctx, a.TeamID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			teams[a.TeamID] = team
		}
		if team == nil {
			r.logger.Warn("counted attempt for unknown team", "attempt_id", a.ID, "team_id", a.TeamID)
			continue
		}

		if team.StripeCustomerID != nil && *team.StripeCustomerID != "" {
			err := r.sender.SendMeterEvent(ctx, MeterEvent{
				Identifier: a.ID,
				CustomerID: *team.StripeCustomerID,
				Value:      1,
				Timestamp:  passed.CompletedAt,
			})
			if err != nil {
				r.logger.Warn("meter event failed", "attempt_id", a.ID, "team_id", a.TeamID, "error", err)
				errs = append(errs, err)
				continue
			}
		}

		marked, err := r.attempts.MarkStripeReported(ctx, a.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if marked {
			reported++
		}
		touched[syncKey{teamID: a.TeamID, at: passed.CompletedAt}] = struct{}{}
	}

	now := r.clock.Now()
	for k := range touched {
		if err := r.usage.MarkSynced(ctx, k.teamID, k.at, now); err != nil {
			errs = append(errs, err)
		}
	}

	if reported > 0 {
		r.logger.Info("reported usage to stripe", "attempts", reported, "pending", len(pending)-reported)
	}
	if len(errs) > 0 {
		return reported, fmt.Errorf("report pending usage: %w", errors.Join(errs...))
	}
	return reported, nil
}
