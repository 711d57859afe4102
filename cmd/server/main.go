package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/freelanci/escrow-engine/internal/config"
	"github.com/freelanci/escrow-engine/internal/db"
	"github.com/freelanci/escrow-engine/internal/gateway"
	"github.com/freelanci/escrow-engine/internal/scheduler"
	"github.com/freelanci/escrow-engine/internal/server"
	"github.com/freelanci/escrow-engine/internal/services"
)

var migrateOnlyFlag = flag.Bool("migrate-only", false, "Run DB migrations and exit")

func withLogging(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// verifierFor choisit la vérification de webhook d'un rail: HMAC en
// production, tout-accepter en sandbox. La décision vit ici, à la
// frontière de configuration, pas dans le rail.
func verifierFor(rc config.RailConfig, rail string, logger *zap.Logger) gateway.WebhookVerifier {
	if rc.Simulation {
		logger.Warn("webhook verification disabled (simulation mode)", zap.String("rail", rail))
		return gateway.TrustAllVerifier{}
	}
	return gateway.NewHMACVerifier(rc.WebhookSecret)
}

func main() {
	flag.Parse()
	_ = godotenv.Load()
	if *migrateOnlyFlag {
		if _, err := db.ConnectAndMigrate(); err != nil {
			log.Fatalf("migrate-only failed: %v", err)
		}
		log.Println("migrations completed; exiting as requested")
		return
	}
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if cfg.Env == "development" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dbConn, err := db.ConnectAndMigrate()
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}

	flouci := gateway.NewFlouciGateway(gateway.FlouciConfig{
		BaseURL:   cfg.Flouci.BaseURL,
		AppToken:  cfg.Flouci.APIKey,
		AppSecret: cfg.Flouci.APISecret,
		Timeout:   cfg.Flouci.Timeout,
	}, verifierFor(cfg.Flouci, "flouci", logger), logger)
	paymee := gateway.NewPaymeeGateway(gateway.PaymeeConfig{
		BaseURL: cfg.Paymee.BaseURL,
		APIKey:  cfg.Paymee.APIKey,
		Timeout: cfg.Paymee.Timeout,
	}, verifierFor(cfg.Paymee, "paymee", logger), logger)

	notifier := services.NewNotifier(dbConn, logger)
	tranches := services.NewTrancheService(dbConn, logger)
	escrow := services.NewEscrowService(dbConn, flouci, paymee, notifier, logger)
	payout := services.NewPayoutService(dbConn, flouci, paymee, notifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(scheduler.Config{
		CaptureRetryInterval: cfg.Scheduler.CaptureRetryInterval,
		PayoutRetryInterval:  cfg.Scheduler.PayoutRetryInterval,
		DeadlineInterval:     cfg.Scheduler.DeadlineInterval,
		CaptureGrace:         cfg.Scheduler.CaptureGrace,
		PayoutGrace:          cfg.Scheduler.PayoutGrace,
		MaxCaptureAttempts:   cfg.Scheduler.MaxCaptureAttempts,
		MaxPayoutAttempts:    cfg.Scheduler.MaxPayoutAttempts,
	}, dbConn, escrow, payout, notifier, logger)
	go sched.Run(ctx)

	handler := server.New(server.Deps{
		DB:       dbConn,
		Flouci:   flouci,
		Paymee:   paymee,
		Tranches: tranches,
		Escrow:   escrow,
		Payout:   payout,
		Logger:   logger,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: withLogging(logger, handler)}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
	logger.Info("server gracefully stopped")
}
