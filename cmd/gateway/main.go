package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/relaygate/llm-gateway/config"
	"github.com/relaygate/llm-gateway/internal/audit"
	"github.com/relaygate/llm-gateway/internal/auth"
	"github.com/relaygate/llm-gateway/internal/ledger"
	"github.com/relaygate/llm-gateway/internal/provider"
	"github.com/relaygate/llm-gateway/internal/provider/anthropic"
	"github.com/relaygate/llm-gateway/internal/provider/openai"
	"github.com/relaygate/llm-gateway/internal/proxy"
	"github.com/relaygate/llm-gateway/internal/route"
	"github.com/relaygate/llm-gateway/internal/telemetry"
	"github.com/relaygate/llm-gateway/internal/trace"
	"github.com/relaygate/llm-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid LOG_LEVEL")
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-gateway", telemetry.TracerConfig{
		ExporterType:     cfg.OTELExporterType,
		ExporterEndpoint: cfg.OTELExporterEndpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Load routes and tenant policies
	routes, policies, err := config.LoadGateway(cfg.GatewayConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load gateway config")
	}

	// 4. Redis-backed rate limiting, only when configured
	ctx := context.Background()
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to ping redis")
		}
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis connected, rate limiting enabled")
	}

	// 5. Audit sink
	var recorder *audit.Recorder
	switch cfg.AuditDriver {
	case "sqlite":
		store, err := audit.NewSQLiteStore(cfg.AuditSQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open audit store")
		}
		recorder = audit.NewRecorder(store, 0)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect postgres")
		}
		if err := pool.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping postgres")
		}
		store, err := audit.NewPostgresStore(ctx, pool)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init audit store")
		}
		recorder = audit.NewRecorder(store, 0)
	case "none":
		// audit disabled
	}
	if recorder != nil {
		defer func() {
			if err := recorder.Close(); err != nil {
				log.Warn().Err(err).Msg("audit recorder close")
			}
		}()
	}

	// 6. Ledger, trace store, metrics
	led := ledger.New(cfg.LedgerRingSize)
	for _, p := range policies.Policies() {
		led.Register(p.TenantID, p.BudgetUsd)
	}
	traces := trace.NewStore(cfg.TraceStoreSize)
	metrics := telemetry.NewMetrics()

	// 7. Provider adapters, one per route
	timeout := time.Duration(cfg.UpstreamTimeoutSec) * time.Second
	adapters := make(map[string]provider.Adapter, len(routes.Routes()))
	for _, rt := range routes.Routes() {
		credential, _ := provider.EnvCredential(rt.CredentialRef)
		switch rt.Provider {
		case route.ProviderAnthropic:
			adapters[rt.Model] = anthropic.New(rt.Endpoint, credential, timeout)
		default:
			adapters[rt.Model] = openai.New(rt.Endpoint, credential, timeout)
		}
	}

	// 8. Dispatcher and handler
	tracer := otel.GetTracerProvider().Tracer("llm-gateway")
	dispatcher := proxy.NewDispatcher(proxy.Deps{
		Routes:   routes,
		Policies: policies,
		Ledger:   led,
		Adapters: adapters,
		Traces:   traces,
		Tracer:   tracer,
		Metrics:  metrics,
		Audit:    recorder,
		Limiter:  limiter,
	})
	handler := proxy.NewHandler(dispatcher, routes, policies, led, traces)

	// 9. API key ring from tenant policies
	ring := auth.NewKeyRing()
	for _, p := range policies.Policies() {
		for _, key := range p.APIKeys {
			ring.Add(p.TenantID, key)
		}
	}

	// 10. Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handler.HandleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(ring.Middleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.AdminMiddleware(cfg.AdminJWTSecret))
		r.Get("/api/tenants", handler.HandleListTenants)
		r.Get("/api/tenants/{id}/records", handler.HandleTenantRecords)
		r.Get("/api/traces", handler.HandleListTraces)
		r.Get("/api/traces/{id}", handler.HandleGetTrace)
		r.Get("/api/gateway/config", handler.HandleConfig)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}
