package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/hireproof/internal/billing"
	billingstripe "github.com/dukerupert/hireproof/internal/billing/stripe"
	"github.com/dukerupert/hireproof/internal/clock"
	"github.com/dukerupert/hireproof/internal/model"
	"github.com/dukerupert/hireproof/internal/store"
	"github.com/dukerupert/hireproof/internal/verification"
)

// WebhookHandler applies Stripe subscription changes to team plans.
type WebhookHandler struct {
	stripeClient *billingstripe.Client
	teams        *store.TeamStore
	tracker      *billing.Tracker
	notifier     verification.Notifier
	clock        clock.Clock
	logger       *slog.Logger
}

func NewWebhookHandler(sc *billingstripe.Client, teams *store.TeamStore, tracker *billing.Tracker, notifier verification.Notifier, clk clock.Clock, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		stripeClient: sc,
		teams:        teams,
		tracker:      tracker,
		notifier:     notifier,
		clock:        clk,
		logger:       logger.With("component", "stripe_webhook"),
	}
}

// HandleStripeWebhook answers 200 for events it handled or chose to ignore
// and 500 when a plan change failed, so Stripe retries it.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.stripeClient.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var handleErr error
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		handleErr = h.handleSubscriptionChanged(r, event)
	case "customer.subscription.deleted":
		handleErr = h.handleSubscriptionDeleted(r, event)
	default:
		h.logger.Debug("ignoring webhook event", "type", event.Type)
	}
	if handleErr != nil {
		h.logger.Error("webhook handling failed", "type", event.Type, "event_id", event.ID, "error", handleErr)
		http.Error(w, "webhook handling failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// teamForSubscription finds the team by Stripe customer, falling back to
// a team_id in the subscription metadata and linking the customer.
func (h *WebhookHandler) teamForSubscription(r *http.Request, sub *stripe.Subscription) (*model.Team, error) {
	ctx := r.Context()
	if sub.Customer != nil && sub.Customer.ID != "" {
		team, err := h.teams.GetTeamByStripeCustomer(ctx, sub.Customer.ID)
		if err != nil || team != nil {
			return team, err
		}
	}
	teamID := sub.Metadata["team_id"]
	if teamID == "" {
		return nil, nil
	}
	team, err := h.teams.GetTeam(ctx, teamID)
	if err != nil || team == nil {
		return team, err
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		if err := h.teams.SetStripeCustomerID(ctx, team.ID, sub.Customer.ID); err != nil {
			return nil, err
		}
	}
	return team, nil
}

func (h *WebhookHandler) handleSubscriptionChanged(r *http.Request, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Warn("unmarshal subscription", "event_id", event.ID, "error", err)
		return nil
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		h.logger.Warn("subscription has no priced items", "subscription_id", sub.ID)
		return nil
	}
	item := sub.Items.Data[0]
	plan, ok := h.stripeClient.PlanForPrice(item.Price.ID)
	if !ok {
		h.logger.Warn("subscription price maps to no plan", "subscription_id", sub.ID, "price_id", item.Price.ID)
		return nil
	}

	team, err := h.teamForSubscription(r, &sub)
	if err != nil {
		return err
	}
	if team == nil {
		h.logger.Warn("subscription for unknown team", "subscription_id", sub.ID)
		return nil
	}

	start := time.Unix(item.CurrentPeriodStart, 0).UTC()
	end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
	u, err := h.tracker.ApplyPlanUpgrade(r.Context(), team.ID, plan, start, end)
	if err != nil {
		return err
	}
	h.logger.Info("subscription applied", "team_id", team.ID, "plan", plan, "subscription_id", sub.ID)
	h.notifier.Notify(team.ID, verification.EventUsageChanged, u)
	return nil
}

// handleSubscriptionDeleted moves the team to the free plan. The open
// cycle keeps its cap; the free cap applies from the next cycle.
func (h *WebhookHandler) handleSubscriptionDeleted(r *http.Request, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Warn("unmarshal subscription", "event_id", event.ID, "error", err)
		return nil
	}
	team, err := h.teamForSubscription(r, &sub)
	if err != nil {
		return err
	}
	if team == nil {
		h.logger.Warn("cancellation for unknown team", "subscription_id", sub.ID)
		return nil
	}

	start, end := billing.CycleFor(team.BillingAnchor, h.clock.Now())
	u, err := h.tracker.ApplyPlanUpgrade(r.Context(), team.ID, billing.PlanFree, start, end)
	if err != nil {
		return err
	}
	h.logger.Info("subscription cancelled", "team_id", team.ID, "subscription_id", sub.ID)
	h.notifier.Notify(team.ID, verification.EventUsageChanged, u)
	return nil
}
