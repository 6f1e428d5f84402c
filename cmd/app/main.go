package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"runtime/trace"

	"github.com/Harvey-AU/crawl-coordinator/internal/api"
	"github.com/Harvey-AU/crawl-coordinator/internal/auth"
	"github.com/Harvey-AU/crawl-coordinator/internal/cache"
	"github.com/Harvey-AU/crawl-coordinator/internal/coordinator"
	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/locks"
	"github.com/Harvey-AU/crawl-coordinator/internal/loops"
	"github.com/Harvey-AU/crawl-coordinator/internal/notifications"
	"github.com/Harvey-AU/crawl-coordinator/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const serviceName = "crawl-coordinator"

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port                  string // HTTP port to listen on
	Env                   string // Environment (development/production)
	SentryDSN             string // Sentry DSN for error tracking
	LogLevel              string // Log level (debug, info, warn, error)
	FlightRecorderEnabled bool   // Flight recorder for performance debugging
	ObservabilityEnabled  bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr           string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint          string // OTLP HTTP endpoint for trace export
	OTLPHeaders           string // Comma separated headers for OTLP exporter
	OTLPInsecure          bool   // Disable TLS verification for OTLP exporter

	DatabaseWait       time.Duration // How long startup waits for PostgreSQL
	RedisURL           string        // Optional; enables the Redis lock and change feed
	DispatchMode       string        // pull or push
	HeartbeatTimeout   time.Duration // Worker liveness window; 0 disables reaping
	ReconcilerInterval time.Duration // Background sweep period
	PublicBaseURL      string        // Advertised to workers for task-update callbacks
	CallbackURL        string        // Default completion webhook
	SlackWebhookURL    string        // Optional Slack alerts for failed Sites
	LoopsAPIKey        string        // Optional email alerts for failed Sites
	AlertTemplateID    string
	AlertEmails        []string
	RateLimitRPS       float64       // Per-IP request rate; 0 disables limiting
	RateLimitBurst     int
}

// loadConfig reads Config from the environment
func loadConfig() *Config {
	return &Config{
		Port:                  getEnvWithDefault("PORT", "8080"),
		Env:                   getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:             os.Getenv("SENTRY_DSN"),
		LogLevel:              getEnvWithDefault("LOG_LEVEL", "info"),
		FlightRecorderEnabled: getEnvWithDefault("FLIGHT_RECORDER_ENABLED", "false") == "true",
		ObservabilityEnabled:  getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:           getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:           os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:          getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",

		DatabaseWait:       getEnvDuration("DATABASE_STARTUP_WAIT", 2*time.Minute),
		RedisURL:           os.Getenv("REDIS_URL"),
		DispatchMode:       strings.ToLower(getEnvWithDefault("DISPATCH_MODE", string(coordinator.DispatchPull))),
		HeartbeatTimeout:   getEnvDuration("WORKER_HEARTBEAT_TIMEOUT", 5*time.Minute),
		ReconcilerInterval: getEnvDuration("RECONCILER_INTERVAL", time.Minute),
		PublicBaseURL:      strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		CallbackURL:        os.Getenv("COMPLETION_CALLBACK_URL"),
		SlackWebhookURL:    os.Getenv("SLACK_WEBHOOK_URL"),
		LoopsAPIKey:        os.Getenv("LOOPS_API_KEY"),
		AlertTemplateID:    os.Getenv("ALERT_EMAIL_TEMPLATE_ID"),
		AlertEmails:        splitList(os.Getenv("ALERT_EMAILS")),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

// validate rejects settings the coordinator cannot run with
func (c *Config) validate() error {
	switch coordinator.DispatchMode(c.DispatchMode) {
	case coordinator.DispatchPull, coordinator.DispatchPush:
	default:
		return fmt.Errorf("DISPATCH_MODE must be pull or push, got %q", c.DispatchMode)
	}
	if c.HeartbeatTimeout < 0 {
		return fmt.Errorf("WORKER_HEARTBEAT_TIMEOUT cannot be negative")
	}
	if c.ReconcilerInterval < time.Second {
		return fmt.Errorf("RECONCILER_INTERVAL must be at least 1s")
	}
	if c.DatabaseWait < 5*time.Second {
		return fmt.Errorf("DATABASE_STARTUP_WAIT must be at least 5s")
	}
	return nil
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := loadConfig()

	// Start flight recorder if enabled
	if config.FlightRecorderEnabled {
		f, err := os.Create("trace.out")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create trace file")
		}

		if err := trace.Start(f); err != nil {
			log.Fatal().Err(err).Msg("failed to start flight recorder")
		}
		log.Info().Msg("Flight recorder enabled, writing to trace.out")

		defer func() {
			trace.Stop()
			f.Close()
			log.Info().Msg("Flight recorder stopped and trace file closed.")
		}()
	}

	setupLogging(config)

	if err := config.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var obsProviders *observability.Providers
	if config.ObservabilityEnabled {
		var err error
		obsProviders, err = observability.Init(ctx, observability.Config{
			Enabled:        true,
			ServiceName:    serviceName,
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
			obsProviders = nil
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()
		}
	}

	// PostgreSQL often starts alongside us; wait for it rather than crash-looping
	pgDB, err := db.WaitForDatabase(ctx, config.DatabaseWait)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	dbQueue := db.NewDbQueue(pgDB.GetDB())

	// Redis is optional: it carries the cross-process sweep lock and the
	// change feed. Without it the database advisory lock and log feed are used.
	var (
		locker      locks.Locker = locks.NewAdvisoryLocker(pgDB.GetDB())
		broadcaster notifications.Broadcaster = notifications.LogBroadcaster{}
		redisClient *redis.Client
	)
	if config.RedisURL != "" {
		redisClient, err = cache.NewRedisClient(ctx, cache.RedisConfig{URL: config.RedisURL})
		if err != nil {
			sentry.CaptureException(err)
			log.Warn().Err(err).Msg("Redis unavailable, falling back to database locks")
		} else {
			defer redisClient.Close()
			locker = locks.NewRedisLocker(redisClient, serviceName)
			broadcaster = notifications.NewRedisBroadcaster(redisClient)
			log.Info().Msg("Connected to Redis")
		}
	}

	notifier := notifications.NewService(notifications.DefaultConfig())
	notifier.AddChannel(notifications.NewCallbackChannel(config.CallbackURL, nil))
	if config.SlackWebhookURL != "" {
		slackChannel, err := notifications.NewSlackChannel(config.SlackWebhookURL)
		if err != nil {
			log.Warn().Err(err).Msg("Slack notifications disabled")
		} else {
			slackChannel.OnlyFailures = true
			notifier.AddChannel(slackChannel)
		}
	}
	if config.LoopsAPIKey != "" && len(config.AlertEmails) > 0 {
		emailChannel, err := notifications.NewEmailChannel(
			loops.New(config.LoopsAPIKey, loops.WithHTTPClient(&http.Client{
				Timeout:   10 * time.Second,
				Transport: observability.WrapTransport(nil),
			})),
			config.AlertTemplateID,
			config.AlertEmails,
		)
		if err != nil {
			log.Warn().Err(err).Msg("Email alerts disabled")
		} else {
			notifier.AddChannel(emailChannel)
		}
	}

	coord := coordinator.New(dbQueue, pgDB, coordinator.Config{
		DispatchMode:     coordinator.DispatchMode(config.DispatchMode),
		HeartbeatTimeout: config.HeartbeatTimeout,
		PublicBaseURL:    config.PublicBaseURL,
	},
		coordinator.WithEvents(broadcaster),
		coordinator.WithNotifier(notifier),
	)

	reconciler := coordinator.NewReconciler(coord, locker, config.ReconcilerInterval)

	// Worker and operator tokens are optional in development
	var authClient auth.AuthClient
	authConfig, err := auth.NewConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid auth configuration")
	}
	if authConfig.Enabled() {
		if err := authConfig.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Invalid auth configuration")
		}
		authClient = auth.NewTokenValidator(authConfig)
	} else if config.Env == "production" {
		log.Warn().Msg("Worker authentication disabled in production")
	}

	limiter := api.NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst)

	apiHandler := api.NewHandler(coord, pgDB, reconciler, authClient)
	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	// Add middleware in reverse order (outermost first)
	var handler http.Handler = mux
	handler = limiter.Middleware(handler)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CORSMiddleware(handler)
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	notifier.Start(gctx)
	reconciler.Start(gctx)

	// LISTEN/NOTIFY wakes the reconciler as soon as a Site is queued or a
	// worker frees up; the schedule still covers poolers without LISTEN.
	connStr := pgDB.GetConfig().ConnectionString()
	if notifications.CanUseListen(connStr) {
		listener := notifications.NewListener(connStr, reconciler.Wake, db.ChannelSiteQueued, db.ChannelWorkerIdle)
		g.Go(func() error {
			listener.Start(gctx)
			return nil
		})
	} else {
		log.Info().Msg("Connection pooler detected, queue listener disabled")
	}

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if removed := limiter.Prune(); removed > 0 {
					log.Debug().Int("removed", removed).Msg("Pruned idle rate limiters")
				}
			}
		}
	})

	if obsProviders != nil && obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           obsProviders.MetricsHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Metrics server failed")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info().
			Str("port", config.Port).
			Str("dispatch_mode", config.DispatchMode).
			Dur("heartbeat_timeout", config.HeartbeatTimeout).
			Bool("auth", authClient != nil).
			Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop accepting requests before the background loops so in-flight
		// reports still reach a running coordinator.
		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if err := reconciler.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Reconciler shutdown incomplete")
		}
		if err := notifier.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Notification queue not drained")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Float64("default", defaultValue).
			Msg("Invalid number in environment variable, using default")
		return defaultValue
	}

	return result
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}

// splitList splits a comma separated variable, dropping blanks
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}
}
