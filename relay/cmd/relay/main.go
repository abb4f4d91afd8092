package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"station-relay/relay/internal/correlator"
	"station-relay/relay/internal/gateway"
	"station-relay/relay/internal/middleware"
	"station-relay/relay/internal/notify"
	"station-relay/relay/internal/registry"
	"station-relay/relay/internal/repos"
	"station-relay/relay/internal/session"
	"station-relay/relay/internal/sinks"
	"station-relay/shared/authx"
	"station-relay/shared/cachex"
	"station-relay/shared/config"
	"station-relay/shared/dbx"
	"station-relay/shared/httpx"
	"station-relay/shared/influxx"
	"station-relay/shared/logx"
	"station-relay/shared/metricsx"
	"station-relay/shared/mqx"
	"station-relay/shared/observability"
)

type statusResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Env      string `json:"env,omitempty"`
	Version  string `json:"version,omitempty"`
	Stations int    `json:"stations"`
}

type closer func(ctx context.Context) error

func main() {
	cfg, readyProblems := config.Load("relay", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

	var closers []closer

	if cfg.OtelEnabled {
		shutdownTracer, err := observability.InitTracer(startCtx, observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Version:     version,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(startCtx, "otel_init_failed", "otel init failed", logx.Err("ERR_INTERNAL", err)...)
		} else {
			closers = append(closers, shutdownTracer)
		}
	}

	if len(cfg.StationTokens) == 0 {
		readyProblems = append(readyProblems, config.Problem{Field: "STATION_TOKENS", Message: "no station credentials configured"})
	}
	stationAuth := authx.NewStationAuthenticator(cfg.StationTokens)

	auth := middleware.AuthMiddleware{APIKeys: authx.NewAPIKeys(cfg.APIKeys)}
	var tokens gateway.TokenIssuer
	if cfg.JWTSecret != "" {
		issuer, err := authx.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTExpiration(), time.Duration(cfg.JWTClockSkewSec)*time.Second)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "JWT_SECRET", Message: err.Error()})
		} else {
			auth.Tokens = issuer
			tokens = issuer
		}
	}
	if cfg.OIDCIssuer != "" {
		verifier, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			auth.OIDC = verifier
		}
	}

	reg := registry.New(registry.Options{
		MaxConnectionsPerStation: cfg.MaxConnectionsPerStation,
		Policy:                   cfg.ReplacePolicy,
	})
	corr := correlator.New(reg, correlator.Options{DefaultTimeout: cfg.StationRequestTimeout, Logger: logger})
	bus := notify.NewBus()
	bus.Log = logger

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		c, err := cachex.New(cfg)
		if err == nil {
			err = c.Ping(startCtx)
		}
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to connect to redis"})
			logger.Error(startCtx, "redis_init_failed", "redis unavailable", logx.Err("ERR_INTERNAL", err)...)
		}
		if c != nil {
			cache = c
			closers = append(closers, func(context.Context) error { return c.Close() })

			presence := sinks.NewPresence(sinks.NewRedisPresenceStore(c), instanceName(cfg.ServiceName), cfg.PresenceTTL(), logger)
			bus.Connections.Subscribe(presence)
			closers = append(closers, presence.Close)
		}
	}

	var (
		dbPool    *pgxpool.Pool
		auditRepo *repos.AuditRepo
	)
	if cfg.DatabaseURL != "" {
		pool, err := dbx.NewPool(startCtx, cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(startCtx, "db_init_failed", "database unavailable", logx.Err("ERR_INTERNAL", err)...)
		} else {
			dbPool = pool
			auditRepo = repos.NewAuditRepo(pool)
			if err := auditRepo.EnsureSchema(startCtx); err != nil {
				readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to prepare audit schema"})
				logger.Error(startCtx, "db_schema_failed", "audit schema setup failed", logx.Err("ERR_INTERNAL", err)...)
			}
			closers = append(closers, func(context.Context) error { pool.Close(); return nil })
		}
	} else if cfg.AuditEnabled {
		readyProblems = append(readyProblems, config.Problem{Field: "AUDIT_ENABLED", Message: "audit requires DATABASE_URL"})
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg, mqx.ProducerOptions{
			Async: true,
			OnError: func(err error, count int) {
				metricsx.IncSinkFailure("kafka_events")
				logger.Warn(context.Background(), "kafka_delivery_failed", "station events not delivered",
					append(logx.Err("ERR_INTERNAL", err), slog.Int("count", count))...)
			},
		})
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: err.Error()})
		} else {
			feed := sinks.NewKafkaEvents(producer, cfg.KafkaEventsTopic, logger)
			bus.Connections.Subscribe(feed)
			bus.State.Subscribe(feed)
			// Closers run in reverse, so the feed drains before the writer goes away.
			closers = append(closers, func(context.Context) error { return producer.Close() }, feed.Close)
		}
	}

	if cfg.InfluxURL != "" {
		ic, err := influxx.New(cfg, func(err error) {
			metricsx.IncSinkFailure("influx_plays")
			logger.Warn(context.Background(), "influx_write_failed", "influx write failed", logx.Err("ERR_INTERNAL", err)...)
		})
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "INFLUX_URL", Message: err.Error()})
		} else {
			plays := sinks.NewInfluxPlays(ic)
			bus.Connections.Subscribe(plays)
			bus.State.Subscribe(plays)
			closers = append(closers, func(context.Context) error { ic.Close(); return nil })
		}
	}

	hub := session.NewHub(logger, stationAuth, reg, corr, bus, session.OptionsFromConfig(cfg))

	fallbackLimiter := middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	requestLimit := middleware.RateLimitMiddleware{
		Limiter:  fallbackLimiter,
		Fallback: fallbackLimiter,
		Scope:    "song_requests",
		Logger:   logger,
	}
	if cache != nil {
		requestLimit.Limiter = middleware.NewRedisRateLimiter(cache.Client(), cache.Key("ratelimit"), cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	gwOpts := gateway.Options{
		ServiceName:    cfg.ServiceName,
		Version:        version,
		Logger:         logger,
		Directory:      reg,
		Requester:      corr,
		Tokens:         tokens,
		StationTimeout: cfg.StationRequestTimeout,
		RequestLimit:   requestLimit.Wrap,
	}
	if auditRepo != nil {
		gwOpts.Audit = auditRepo
	}
	gw := gateway.New(gwOpts)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:   "ok",
			Service:  cfg.ServiceName,
			Env:      cfg.Env,
			Version:  version,
			Stations: reg.Count(),
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "ERR_NOT_READY", "service not ready: invalid configuration",
				map[string]any{"problems": readyProblems})
			return
		}
		if dbPool != nil {
			if err := dbx.Ping(r.Context(), dbPool); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "ERR_NOT_READY", "database not reachable", nil)
				return
			}
		}
		if cache != nil {
			if err := cache.Ping(r.Context()); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "ERR_NOT_READY", "redis not reachable", nil)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:   "ready",
			Service:  cfg.ServiceName,
			Env:      cfg.Env,
			Version:  version,
			Stations: reg.Count(),
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	gw.Register(mux)

	var api http.Handler = httpx.WrapServeMux(mux, httpx.NotFound())
	api = auth.Wrap(api)
	api = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled && auditRepo != nil,
		Repo:    auditRepo,
		Logger:  logger,
	}.Wrap(api)
	api = middleware.CORSMiddleware{AllowedOrigins: cfg.CORSAllowedOrigins, MaxAge: 10 * time.Minute}.Wrap(api)
	api = httpx.WithTimeout(cfg.RequestTimeout, api)
	api = httpx.WithRequestID(api)
	api = httpx.WithRecover(logger, api)
	api = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, api)
	api = otelhttp.NewHandler(api, "http")

	// The station socket needs the raw connection, so it bypasses the
	// buffering middlewares.
	root := http.NewServeMux()
	root.Handle("GET /ws/station", httpx.WithRecover(logger, httpx.WithRequestID(hub)))
	root.Handle("/", api)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Int("station_request_timeout_ms", cfg.StationRequestTimeoutMS),
			slog.String("replace_policy", cfg.ReplacePolicy),
			slog.Int("known_stations", len(cfg.StationTokens)),
			slog.Int("ready_problems", len(readyProblems)),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed", logx.Err("ERR_INTERNAL", err)...)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Hijacked station sockets are not tracked by http.Server.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "sessions_shutdown_incomplete", "station sessions did not close in time", logx.Err("ERR_INTERNAL", err)...)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "shutdown_failed", "shutdown failed", logx.Err("ERR_INTERNAL", err)...)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "close_failed", "dependency close failed", logx.Err("ERR_INTERNAL", err)...)
		}
	}
	logger.Info(context.Background(), "service_stop", "service stopped", slog.Int("pending_requests", corr.Pending()))
}

func instanceName(service string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return service + "@" + host
}
