package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quiz-bot/internal/bot"
	"quiz-bot/internal/config"
	"quiz-bot/internal/db"
	"quiz-bot/internal/funnel"
	"quiz-bot/internal/payment"
	"quiz-bot/internal/server"
	"quiz-bot/pkg/logger"
)

func main() {
	l := logger.New()
	l.Info("starting quiz bot...")

	cfg, err := config.Load()
	if err != nil {
		l.Fatalw("failed to load config", "error", err)
	}
	if cfg.Telegram.Token == "" {
		l.Fatal("Telegram token is not configured")
	}

	// Database connection with retry; the bot is useless without its store.
	var database *db.PostgresDB
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		database, err = db.NewPostgresDB(cfg.DB)
		if err == nil {
			break
		}
		l.Errorw("failed to connect to database, retrying...", "attempt", i+1, "error", err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	if database == nil {
		l.Fatalw("failed to connect to database after multiple attempts", "error", err)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.Migrate(ctx); err != nil {
		l.Fatalw("failed to run migrations", "error", err)
	}

	// Payment reconciler; nil when no gateway is configured, which switches
	// the funnel into content-only mode.
	var reconciler *payment.Reconciler
	if cfg.PaymentsEnabled() {
		var gateway payment.Gateway
		switch cfg.Payments.Gateway {
		case "stripe":
			gateway = payment.NewStripeClient(cfg.Stripe.SecretKey, cfg.YooKassa.ReturnURL)
		default:
			gateway = payment.NewYooKassaClient(cfg.YooKassa)
		}
		reconciler = payment.NewReconciler(gateway, database, l.Named("payment"),
			cfg.Payments.PollInterval, cfg.Payments.PollTimeout)
		l.Infow("payment gateway configured", "gateway", cfg.Payments.Gateway)
	} else {
		l.Warn("no payment gateway configured, purchases are disabled")
	}

	telegramBot, err := bot.NewTelegramBot(cfg.Telegram.Token, l.Named("bot"))
	if err != nil {
		l.Fatalw("failed to create Telegram bot", "error", err)
	}

	engine := funnel.NewEngine(cfg, database, database, database, telegramBot, reconciler, l.Named("funnel"))
	telegramBot.AttachEngine(engine)

	if reconciler != nil {
		reconciler.SetDeliveryHook(engine.OnDeliveryClaimed)
		if err := reconciler.ResumePending(ctx); err != nil {
			l.Errorw("failed to resume pending payments", "error", err)
		}
	}

	// Campaign scheduler only makes sense when purchases can complete.
	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	if reconciler != nil {
		scheduler := funnel.NewScheduler(database, database, funnel.DefaultRules(engine, cfg),
			cfg.Campaigns.SweepInterval, l.Named("campaigns"))
		go scheduler.Run(schedulerCtx)
	}

	l.Info("starting Telegram bot...")
	if err := telegramBot.Start(ctx); err != nil {
		l.Fatalw("failed to start Telegram bot", "error", err)
	}

	httpServer := server.NewServer(cfg.Server.Port, reconciler, l.Named("server"))
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatalw("failed to start HTTP server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info("shutting down bot...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		l.Errorw("error during HTTP server shutdown", "error", err)
	}
	if err := telegramBot.Stop(shutdownCtx); err != nil {
		l.Errorw("error during bot shutdown", "error", err)
	}
	stopScheduler()
	if reconciler != nil {
		reconciler.StopAll()
	}

	l.Info("bot stopped")
}
