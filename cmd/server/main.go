package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	echoapi "go.pilab.hu/fedauth/api/echo"
	"go.pilab.hu/fedauth/config"
	"go.pilab.hu/fedauth/internal/app"
	"go.pilab.hu/fedauth/internal/metrics"
	"go.pilab.hu/fedauth/internal/server"
	"go.pilab.hu/fedauth/log"
	"go.pilab.hu/fedauth/tracing"
)

func main() {
	// FEDAUTH_CONFIG points at an explicit config file; otherwise the
	// standard locations are searched.
	cfg, err := config.LoadConfig(os.Getenv("FEDAUTH_CONFIG"))
	if err != nil {
		boot := bootLogger(os.Stderr)
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	zlog.Logger = log.Setup(cfg.Log.Level, cfg.Log.Pretty)
	appLogger := log.FromZerolog(zlog.Logger)
	ctx := context.Background()

	if err := cfg.Validate(); err != nil {
		appLogger.Fatal(ctx, "Invalid configuration", err)
	}
	appLogger.Info(ctx, "Configuration loaded", log.Fields{
		"http_addr":     cfg.HTTP.Addr,
		"mongo_db":      cfg.Mongo.Database,
		"refresh_store": cfg.Refresh.Store,
		"log_level":     cfg.Log.Level,
		"otel_enabled":  cfg.Otel.Enabled,
	})

	var tracerProvider *sdktrace.TracerProvider
	if cfg.Otel.Enabled {
		if tracerProvider, err = tracing.InitTracerProvider(cfg.Otel.ServiceName, os.Stdout); err != nil {
			appLogger.Fatal(ctx, "Failed to initialize TracerProvider", err)
		}
	}

	metrics.Register(prometheus.DefaultRegisterer)

	deps, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize dependencies", err)
	}

	httpServer := server.NewHTTPServer(server.Options{
		Addr:     cfg.HTTP.Addr,
		Gatherer: prometheus.DefaultGatherer,
		Checks:   deps.Checks,
	}, appLogger, echoapi.NewAuthAPI(deps.Sessions))

	go func() {
		appLogger.Info(ctx, "HTTP server listening", log.Fields{"addr": cfg.HTTP.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(ctx, "Failed to start HTTP server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	received := <-quit
	appLogger.Info(ctx, "Shutting down server", log.Fields{"signal": received.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", err)
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "TracerProvider shutdown error", err)
		}
	}
	if err := deps.Close(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "Failed to release dependencies", err)
	}

	appLogger.Info(shutdownCtx, "Server gracefully stopped")
}

// bootLogger reports failures that happen before the configured logger exists.
func bootLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("component", "boot").Logger()
}
