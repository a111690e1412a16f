package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheusmosca/inventory-ledger/internal/config"
	"github.com/matheusmosca/inventory-ledger/internal/events"
	"github.com/matheusmosca/inventory-ledger/internal/httpapi"
	"github.com/matheusmosca/inventory-ledger/internal/idemcache"
	"github.com/matheusmosca/inventory-ledger/internal/ledger"
	"github.com/matheusmosca/inventory-ledger/internal/ledger/postgres"
	"github.com/matheusmosca/inventory-ledger/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ledger service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	providers, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Enabled)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	pool, err := postgres.Connect(ctx, cfg.Database.DSN(), postgres.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	}, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}
	repository := postgres.NewRepository(pool)

	opts := []ledger.Option{
		ledger.WithTracer(providers.Tracer),
		ledger.WithMeter(providers.Meter),
		ledger.WithLockTimeout(cfg.Ledger.LockTimeout),
		ledger.WithPublishTimeout(cfg.Ledger.PublishTimeout),
		ledger.WithDefaultThreshold(cfg.Ledger.DefaultThreshold),
		ledger.WithAlertWindows(ledger.AlertWindows{
			Activity: time.Duration(cfg.Ledger.SalesActivityDays) * 24 * time.Hour,
			Average:  time.Duration(cfg.Ledger.SalesAverageDays) * 24 * time.Hour,
		}),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, idempotent replays will read postgres", zap.Error(err))
		}
		opts = append(opts, ledger.WithResultCache(idemcache.New(rdb, cfg.Redis.IdempotencyTTL)))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewPublisher(events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.Topic, providers.Tracer)
		defer publisher.Close()
		opts = append(opts, ledger.WithEventPublisher(publisher))
	}

	useCase := ledger.NewUseCase(repository, logger, opts...)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Ledger.PublishTimeout)
		defer cancel()
		if err := useCase.Close(drainCtx); err != nil {
			logger.Warn("pending inventory events dropped", zap.Error(err))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.NewHandler(useCase, logger, repository), cfg.ServiceName)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledger service listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
