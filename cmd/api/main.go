package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tellbrandz/appeal"
	"tellbrandz/auth"
	"tellbrandz/brand"
	"tellbrandz/config"
	"tellbrandz/db"
	"tellbrandz/logging"
	"tellbrandz/notification"
	"tellbrandz/outbox"
	"tellbrandz/payment"
	"tellbrandz/policy"
	"tellbrandz/resolution"
	"tellbrandz/tell"
	"tellbrandz/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tellbrandz: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "tellbrandz-api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL, "up"); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	server, err := newServer(ctx, cfg, pool, logger, metrics, registry)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("http server shutting down")
		return httpServer.Shutdown(sctx)
	})
	return g.Wait()
}

func newServer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger, metrics *telemetry.Metrics, registry *prometheus.Registry) (*Server, error) {
	ob := outbox.NewWriter()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, auth.Options{
		TokenTTL:   cfg.TokenTTL(),
		BcryptCost: cfg.BcryptCost,
	})
	brandService := brand.NewService(brand.NewRepository(pool))
	tellService := tell.NewService(pool, tell.NewRepository(pool), ob)

	authorizer, err := policy.NewAuthorizer(ctx, brandService, "")
	if err != nil {
		return nil, fmt.Errorf("role policy: %w", err)
	}
	authorizer.WithLogger(logger)

	payments := payment.NewClient(payment.Config{
		BaseURL:     cfg.PaymentBaseURL,
		SecretKey:   cfg.PaymentSecretKey,
		CallbackURL: cfg.PaymentCallbackURL,
		Timeout:     cfg.PaymentRequestTimeout(),
	}, nil)
	if cfg.PaymentSecretKey == "" {
		logger.Warn("PAYMENT_SECRET_KEY not set; paid resolutions and payment webhooks are disabled")
	}

	notifier := notification.NewService(notification.NewRepository(pool)).
		WithLogger(logger).
		WithFailureRecorder(metrics)

	engine := resolution.NewEngine(
		resolution.NewPGStore(pool, ob),
		authorizer,
		brandService,
		payments,
		notifier,
	).WithLogger(logger).WithRecorder(metrics)

	return &Server{
		authService:         authService,
		brandService:        brandService,
		tellService:         tellService,
		engine:              engine,
		webhooks:            payments,
		notificationService: notifier,
		appealService:       appeal.NewService(pool, appeal.NewRepository(pool), ob),
		health:              []healthChecker{poolCheck{pool: pool}, authorizer},
		logger:              logger.Named("http"),
		metrics:             metrics,
		registry:            registry,
		limiter:             newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}, nil
}

type poolCheck struct {
	pool *pgxpool.Pool
}

func (p poolCheck) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}
