package main

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/hireproof/internal/billing"
	billingstripe "github.com/dukerupert/hireproof/internal/billing/stripe"
	"github.com/dukerupert/hireproof/internal/clock"
	"github.com/dukerupert/hireproof/internal/config"
	"github.com/dukerupert/hireproof/internal/database"
	"github.com/dukerupert/hireproof/internal/logging"
	"github.com/dukerupert/hireproof/internal/quiz"
	"github.com/dukerupert/hireproof/internal/server"
	"github.com/dukerupert/hireproof/internal/store"
	"github.com/dukerupert/hireproof/internal/token"
	"github.com/dukerupert/hireproof/internal/verification"
	"github.com/dukerupert/hireproof/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Connect(database.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN})
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.System()
	tokens, err := token.New(cfg.TokenSecret, clk, rand.Reader, cfg.RedirectTokenTTL)
	if err != nil {
		slog.Error("failed to init tokens", "error", err)
		os.Exit(1)
	}

	teams := store.NewTeamStore(db)
	attempts := store.NewAttemptStore(db)
	usage := store.NewUsageStore(db)
	tracker := billing.NewTracker(db, teams, usage, clk, cfg.PlanPrices(), logger)
	hub := websocket.NewHub(logger)

	engine := verification.New(verification.Options{
		DB:       db,
		Attempts: attempts,
		Teams:    teams,
		Tracker:  tracker,
		Tokens:   tokens,
		Selector: quiz.NewBankSelector(teams),
		Scorer:   quiz.PercentScorer{},
		Clock:    clk,
		Notifier: hub,
		Logger:   logger,
		Config: verification.Config{
			VerificationTokenTTL: cfg.VerificationTokenTTL,
			AttemptsPerDay:       cfg.AttemptsPerDay,
		},
	})

	var stripeClient *billingstripe.Client
	var reporter *billingstripe.Reporter
	if cfg.StripeEnabled() {
		stripeClient = billingstripe.NewClient(billingstripe.Config{
			SecretKey:      cfg.StripeSecretKey,
			WebhookSecret:  cfg.StripeWebhookSecret,
			MeterEventName: cfg.MeterEventName,
			Prices:         cfg.PlanPrices(),
		})
		reporter = billingstripe.NewReporter(stripeClient, attempts, teams, usage, clk, logger)
	} else {
		slog.Warn("stripe not configured, usage reporting and webhooks disabled")
	}

	srv := server.New(server.Config{
		BaseURL:          cfg.BaseURL,
		AdminToken:       cfg.AdminToken,
		StartRateLimit:   cfg.StartRateLimit,
		StartRateWindow:  cfg.StartRateWindow,
		VerifyRateLimit:  cfg.VerifyRateLimit,
		WebSocketOrigins: cfg.WebSocketOrigins,
	}, server.Deps{
		DB:      db,
		Engine:  engine,
		Tokens:  tokens,
		Teams:   teams,
		Usage:   usage,
		Tracker: tracker,
		Hub:     hub,
		Stripe:  stripeClient,
		Clock:   clk,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background maintenance goroutine
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go func() {
		cleanup := time.NewTicker(10 * time.Minute)
		defer cleanup.Stop()
		report := time.NewTicker(cfg.UsageReportInterval)
		defer report.Stop()
		for {
			select {
			case <-cleanup.C:
				srv.RateLimiter().Cleanup()
			case <-report.C:
				if reporter == nil {
					continue
				}
				if n, err := reporter.ReportPending(bgCtx); err != nil {
					slog.Error("report usage to stripe", "error", err, "reported", n)
				}
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("hireproof starting", "addr", ":"+cfg.Port, "db_driver", cfg.DBDriver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
