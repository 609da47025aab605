// Command server runs the webhook reconciliation service: the provider-facing
// ingestion endpoint, the orphan retry scheduler, and the operator API over
// the dead-letter store.
//
// Startup order: environment → config → logging → database (with schema
// migration) → tracing → retry scheduler → HTTP server. Shutdown reverses
// it: the HTTP server drains first so no new events arrive while the
// scheduler finishes its in-flight batch.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/config"
	httpapi "github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/http"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/observability"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/repo"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/services"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Local development convenience; absent .env is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	processor := services.NewProcessor(db, cfg.Retry.InitialDelay)
	scheduler := services.NewRetryScheduler(db, processor, cfg.Retry)
	scheduler.Start(ctx)

	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, processor, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("base_path", cfg.APIBasePath).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Drain HTTP first so no new deliveries land mid-shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	scheduler.Stop()

	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
