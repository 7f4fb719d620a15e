// Package stripe reconciles counted usage and plan changes with Stripe.
package stripe

import (
	"context"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Config holds the Stripe credentials and the plan price IDs.
type Config struct {
	SecretKey      string
	WebhookSecret  string
	MeterEventName string
	// Prices maps plan names to Stripe price IDs.
	Prices map[string]string
}

// Client sends meter events and checks webhook signatures.
type Client struct {
	cfg         Config
	planByPrice map[string]string
}

// NewClient sets the package-level Stripe key and indexes prices by ID.
func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	byPrice := make(map[string]string, len(cfg.Prices))
	for plan, price := range cfg.Prices {
		if price != "" {
			byPrice[price] = plan
		}
	}
	return &Client{cfg: cfg, planByPrice: byPrice}
}

// MeterEvent is one unit of usage sent to a Stripe billing meter.
type MeterEvent struct {
	// Identifier deduplicates the event at Stripe; retries reuse it.
	Identifier string
	CustomerID string
	Value      int
	Timestamp  time.Time
}

// SendMeterEvent records ev against the configured meter.
func (c *Client) SendMeterEvent(ctx context.Context, ev MeterEvent) error {
	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(c.cfg.MeterEventName),
		Identifier: stripe.String(ev.Identifier),
		Timestamp:  stripe.Int64(ev.Timestamp.Unix()),
		Payload: map[string]string{
			"stripe_customer_id": ev.CustomerID,
			"value":              strconv.Itoa(ev.Value),
		},
	}
	params.Context = ctx
	if _, err := meterevent.New(params); err != nil {
		return fmt.Errorf("send meter event %s: %w", ev.Identifier, err)
	}
	return nil
}

// PlanForPrice returns the plan a Stripe price ID bills for.
func (c *Client) PlanForPrice(priceID string) (string, bool) {
	plan, ok := c.planByPrice[priceID]
	return plan, ok
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
