package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/dukerupert/hireproof/internal/billing"
	billingstripe "github.com/dukerupert/hireproof/internal/billing/stripe"
	"github.com/dukerupert/hireproof/internal/clock"
	"github.com/dukerupert/hireproof/internal/database"
	"github.com/dukerupert/hireproof/internal/handler"
	"github.com/dukerupert/hireproof/internal/middleware"
	"github.com/dukerupert/hireproof/internal/store"
	"github.com/dukerupert/hireproof/internal/token"
	"github.com/dukerupert/hireproof/internal/verification"
	ws "github.com/dukerupert/hireproof/internal/websocket"
)

// Config holds the HTTP-facing settings.
type Config struct {
	BaseURL          string
	AdminToken       string
	StartRateLimit   int
	StartRateWindow  time.Duration
	VerifyRateLimit  int
	WebSocketOrigins []string
}

// Deps are the collaborators the HTTP layer serves. Stripe may be nil, in
// which case the webhook route is not registered.
type Deps struct {
	DB      *database.DB
	Engine  *verification.Engine
	Tokens  *token.Service
	Teams   *store.TeamStore
	Usage   *store.UsageStore
	Tracker *billing.Tracker
	Hub     *ws.Hub
	Stripe  *billingstripe.Client
	Clock   clock.Clock
}

// Server owns the handlers and rate limiter behind the router.
type Server struct {
	cfg         Config
	db          *database.DB
	hub         *ws.Hub
	attemptH    *handler.AttemptHandler
	verifyH     *handler.VerifyHandler
	redirectH   *handler.RedirectHandler
	teamH       *handler.TeamHandler
	webhookH    *handler.WebhookHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// New builds the handlers from deps. The webhook handler is only built when
// deps.Stripe is set.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.StartRateWindow <= 0 {
		cfg.StartRateWindow = time.Minute
	}
	validate := handler.NewValidator()

	var webhookH *handler.WebhookHandler
	if deps.Stripe != nil {
		webhookH = handler.NewWebhookHandler(deps.Stripe, deps.Teams, deps.Tracker, deps.Hub, deps.Clock, logger)
	}

	return &Server{
		cfg:         cfg,
		db:          deps.DB,
		hub:         deps.Hub,
		attemptH:    handler.NewAttemptHandler(deps.Engine, validate, cfg.BaseURL, logger),
		verifyH:     handler.NewVerifyHandler(deps.Engine, validate, logger),
		redirectH:   handler.NewRedirectHandler(deps.Tokens),
		teamH:       handler.NewTeamHandler(deps.Teams, deps.Usage, deps.Tracker, deps.Hub, validate, logger),
		webhookH:    webhookH,
		rateLimiter: middleware.NewRateLimiter(deps.Clock),
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(s.logger.With("component", "http")))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.healthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.cfg.StartRateLimit > 0 {
				r.Use(middleware.RateLimit(s.rateLimiter, middleware.RealIP, s.cfg.StartRateLimit, s.cfg.StartRateWindow))
			}
			r.Post("/attempts", s.attemptH.Start)
			r.Post("/attempts/submit", s.attemptH.Submit)
			r.Post("/attempts/abandon", s.attemptH.Abandon)
		})

		r.Group(func(r chi.Router) {
			if s.cfg.VerifyRateLimit > 0 {
				r.Use(s.verifyLimiter())
			}
			r.Get("/verify", s.verifyH.Verify)
			r.Post("/verify", s.verifyH.Verify)
		})

		r.Get("/redirect", s.redirectH.Redirect)

		r.Route("/teams/{teamID}", func(r chi.Router) {
			r.Use(middleware.RequireBearer(s.cfg.AdminToken))
			r.Get("/usage", s.teamH.Usage)
			r.Post("/plan", s.teamH.ApplyPlan)
			r.Get("/events", ws.HandleWebSocket(s.hub, s.cfg.WebSocketOrigins))
		})
	})

	if s.webhookH != nil {
		r.Post("/webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	return r
}

func (s *Server) verifyLimiter() func(http.Handler) http.Handler {
	logger := s.logger.With("component", "http")
	return httprate.Limit(
		s.cfg.VerifyRateLimit,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return middleware.RealIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("verify rate limit exceeded", "ip", middleware.RealIP(r))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests","code":"rate_limited"}`))
		}),
	)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check ping", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}
