package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/analyst/agent/pkg/agentrun"
	"github.com/malbeclabs/analyst/agent/pkg/orchestrator"
	"github.com/malbeclabs/analyst/api/config"
	"github.com/malbeclabs/analyst/api/handlers"
	"github.com/malbeclabs/analyst/api/migrations"
	"github.com/malbeclabs/analyst/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"

	// shuttingDown is set when a shutdown signal is received. The readiness
	// probe checks this to immediately return 503.
	shuttingDown atomic.Bool
)

const defaultMetricsAddr = "0.0.0.0:0"

func main() {
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	verboseFlag := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	// godotenv doesn't override existing env vars, so later files don't
	// overwrite earlier ones
	_ = godotenv.Load()           // .env in current working directory
	_ = godotenv.Load("api/.env") // api/.env when running from repo root

	log := logger.New(*verboseFlag)
	log.Info("starting analyst-api", "version", version, "commit", commit)

	// Initialize Sentry for error tracking (optional - no-op if DSN not set)
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         sentryDSN,
			Environment: sentryEnv,
			Release:     release,
		}); err != nil {
			log.Warn("sentry initialization failed", "error", err)
		} else {
			log.Info("sentry initialized", "env", sentryEnv, "release", release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()

	if err := config.Load(); err != nil {
		log.Error("failed to load clickhouse config", "error", err)
		os.Exit(1)
	}
	defer config.Close()

	if err := config.LoadPostgres(ctx); err != nil {
		log.Error("failed to load postgres", "error", err)
		os.Exit(1)
	}
	defer config.ClosePostgres()

	if err := migrations.Up(ctx, log, config.DatabaseURL()); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Build the agent runtime over the warehouse tools.
	runtime, err := agentrun.NewAnthropicRuntime(agentrun.AnthropicConfig{
		Logger: log,
		APIKey: os.Getenv("ANTHROPIC_API_KEY"),
		Model:  os.Getenv("ANTHROPIC_MODEL"),
		Tools: &agentrun.WarehouseTools{
			Querier: handlers.NewDBQuerier(),
			Schema:  handlers.NewDBSchemaFetcher(),
		},
		Schema: handlers.NewDBSchemaFetcher(),
	})
	if err != nil {
		log.Error("failed to build agent runtime", "error", err)
		os.Exit(1)
	}

	handlers.Manager, err = handlers.NewRunManager(handlers.RunManagerConfig{
		Logger:   log,
		Runtime:  runtime,
		Pipeline: orchestrator.DefaultPipeline(),
	})
	if err != nil {
		log.Error("failed to build run manager", "error", err)
		os.Exit(1)
	}

	// Start metrics server
	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			log.Warn("failed to start prometheus metrics listener", "error", err)
		} else {
			log.Info("prometheus metrics server listening", "addr", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)

	// Sentry middleware before Recoverer so panics are captured.
	if sentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true, // Re-panic after capturing so Recoverer can handle it
		})
		r.Use(sentryHandler.Handle)
	}
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/api/status", handlers.GetStatus)

	// Analysis routes
	r.Post("/api/sessions/{id}/questions", handlers.AskQuestion)
	r.Get("/api/sessions/{id}/run", handlers.GetSessionRun)
	r.Get("/api/runs/{id}", handlers.GetRun)
	r.Get("/api/runs/{id}/stream", handlers.StreamRun)
	r.Post("/api/runs/{id}/approval", handlers.SubmitRunApproval)
	r.Post("/api/runs/{id}/cancel", handlers.CancelRun)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled for SSE streaming endpoints
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Cancellable base context so SSE connections close during shutdown
	// (http.Server.Shutdown does not cancel request contexts by default).
	serverCtx, serverCancel := context.WithCancel(context.Background())
	server.BaseContext = func(_ net.Listener) context.Context {
		return serverCtx
	}

	go func() {
		log.Info("api server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-shutdown
	log.Info("shutting down", "signal", sig.String())
	shuttingDown.Store(true)
	serverCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	log.Info("shutdown complete")
}
