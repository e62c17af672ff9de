// Package main is the entry point for the matterflow workflow service.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/action"
	"github.com/pitabwire/matterflow/internal/capability"
	"github.com/pitabwire/matterflow/internal/config"
	"github.com/pitabwire/matterflow/internal/definition"
	"github.com/pitabwire/matterflow/internal/idempotency"
	"github.com/pitabwire/matterflow/internal/notification"
	"github.com/pitabwire/matterflow/internal/observability"
	"github.com/pitabwire/matterflow/internal/transport"
	"github.com/pitabwire/matterflow/internal/workflow"
	"github.com/pitabwire/matterflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(runToken(os.Args[2:]))
	}
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	secret := os.Getenv(cfg.Identity.SecretEnv)
	if secret == "" {
		fmt.Fprintf(os.Stderr, "configuration error: %s environment variable not set\n", cfg.Identity.SecretEnv)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "matterflowd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
		gatherer = prometheus.DefaultGatherer
	}

	// Step 4: Open the workflow store.
	store, pool, err := buildWorkflowStore(ctx, cfg.Workflow, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	// Step 5: Initialize the event de-duplication store.
	dedupe, redisClient, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Step 6: Capability resolver and authorization snapshots.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy initialization failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL)

	snapshots, err := buildSnapshotProvider(cfg.Capability.Snapshots, pool, metrics)
	if err != nil {
		logger.Error("snapshot provider initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Notification delivery and the event bus.
	notifiers := notification.Multi{
		notification.NewDispatcher(
			buildSink(cfg.Notification, logger, metrics),
			workflow.NewNotificationLog(store),
			snapshots,
			notification.WithDefaultChannel(cfg.Notification.Channel),
			notification.WithLogger(logger),
			notification.WithMetrics(metrics),
		),
	}

	var publisher *notification.NATSPublisher
	if cfg.Events.Enabled {
		conn, err := nats.Connect(cfg.Events.URL,
			nats.Name("matterflowd"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			logger.Error("event bus connection failed", zap.Error(err))
			return 1
		}
		defer conn.Drain()
		publisher = notification.NewNATSPublisher(conn, cfg.Events.SubjectPrefix, logger, metrics)
		notifiers = append(notifiers, publisher)
	}

	// Step 8: Build the engine.
	engineOpts := []workflow.Option{
		workflow.WithNotifier(notifiers),
		workflow.WithLenientBranchDecisions(cfg.Workflow.LenientBranchDecisions),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	}
	if dedupe != nil {
		engineOpts = append(engineOpts, workflow.WithEventDeduplicator(dedupe, cfg.Idempotency.Store.DefaultTTL))
	}
	engine := workflow.NewEngine(store, action.NewDefaultRegistry(), snapshots, engineOpts...)

	// Step 9: Load template files into the engine.
	templates := definition.NewRegistry(engine, cfg.Templates.Directories,
		definition.WithFailOnError(cfg.Templates.FailOnError),
		definition.WithLogger(logger),
		definition.WithMetrics(metrics),
	)
	result, err := templates.Sync(ctx)
	if err != nil {
		logger.Error("template loading failed", zap.Error(err))
		return 1
	}
	logger.Info("templates synchronized",
		zap.Int("registered", len(result.Registered)),
		zap.Int("unchanged", len(result.Unchanged)),
		zap.Int("rejected", len(result.Rejected)),
	)

	// Step 10: Build HTTP router.
	readiness := observability.ReadinessChecks{
		TemplatesLoaded: func() bool {
			if templates.Loaded() {
				return true
			}
			// Templates registered over the API count as well.
			tpls, err := engine.ListTemplates(context.Background())
			return err == nil && len(tpls) > 0
		},
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hc
	}
	if hc, ok := dedupe.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}
	if publisher != nil {
		readiness.EventBus = publisher
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Engine:             engine,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, []byte(secret)),
		CapabilityResolver: capResolver,
		Readiness:          readiness,
		Metrics:            metrics,
		Gatherer:           gatherer,
		Logger:             logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Workflow.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildWorkflowStore creates the workflow store based on config. The pool
// is nil for the memory driver.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowConfig, logger *zap.Logger) (workflow.Store, *pgxpool.Pool, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.Store.MaxConns
		poolCfg.MinConns = cfg.Store.MinConns
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if cfg.Store.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("workflow store: migrate: %w", err)
			}
		}
		return store, pool, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Store.Driver)
	}
}

// buildIdempotencyStore creates the event de-duplication store. Both
// returns are nil when de-duplication is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, *redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		return idempotency.NewRedisStore(client), client, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// buildSnapshotProvider creates the authorization snapshot source, wrapped
// in a TTL cache.
func buildSnapshotProvider(cfg config.SnapshotsConfig, pool *pgxpool.Pool, metrics *observability.Metrics) (model.SnapshotProvider, error) {
	var source model.SnapshotProvider
	switch cfg.Source {
	case "static":
		p, err := capability.NewStaticSnapshotProvider(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("static snapshots: %w", err)
		}
		source = p
	case "postgres":
		if pool == nil {
			return nil, errors.New("postgres snapshots need the postgres workflow store")
		}
		source = capability.NewPgSnapshotProvider(pool)
	default:
		return nil, fmt.Errorf("unsupported snapshot source: %q", cfg.Source)
	}
	return capability.NewCachedSnapshotProvider(source, cfg.Cache.TTL, cfg.Cache.MaxEntries, metrics), nil
}

// buildSink creates the notification sink based on config.
func buildSink(cfg config.NotificationConfig, logger *zap.Logger, metrics *observability.Metrics) notification.Sink {
	if cfg.Sink == "relay" {
		return notification.NewRelaySink(cfg.Relay, os.Getenv(cfg.Relay.TokenEnv), logger, metrics)
	}
	return notification.NewLogSink(logger)
}

// runToken issues a signed bearer token for local development and
// automation callers:
//
//	matterflowd token -config config.yaml -sub lawyer-1 -roles LAWYER
func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	sub := fs.String("sub", "", "subject (actor id)")
	email := fs.String("email", "", "email claim")
	roles := fs.String("roles", "", "space-separated role scopes")
	system := fs.Bool("system", false, "mark the token as the system actor")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sub == "" {
		fmt.Fprintln(os.Stderr, "token: -sub is required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	secret := os.Getenv(cfg.Identity.SecretEnv)
	if secret == "" {
		fmt.Fprintf(os.Stderr, "token: %s environment variable not set\n", cfg.Identity.SecretEnv)
		return 1
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   *sub,
		"iss":   cfg.Identity.Issuer,
		"aud":   cfg.Identity.Audience,
		"roles": *roles,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(*ttl)),
	}
	if *email != "" {
		claims["email"] = *email
	}
	if *system {
		claims["actor_type"] = "system"
	}

	token, err := transport.SignToken([]byte(secret), claims)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
