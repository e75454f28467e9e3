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

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/api"
	"github.com/lalithlochan/nicotrack/internal/channel"
	"github.com/lalithlochan/nicotrack/internal/circuitbreaker"
	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/config"
	"github.com/lalithlochan/nicotrack/internal/db"
	"github.com/lalithlochan/nicotrack/internal/db/memdb"
	"github.com/lalithlochan/nicotrack/internal/events"
	"github.com/lalithlochan/nicotrack/internal/metrics"
	"github.com/lalithlochan/nicotrack/internal/notify"
	"github.com/lalithlochan/nicotrack/internal/observ"
	"github.com/lalithlochan/nicotrack/internal/redis"
	"github.com/lalithlochan/nicotrack/internal/scheduler"
	"github.com/lalithlochan/nicotrack/internal/worker"
)

// store is everything the notifier reads and writes. Both the Postgres
// repository and the in-memory store satisfy it.
type store interface {
	notify.Store
	worker.Store
	scheduler.Directory
	scheduler.ProgressSource
	api.HistoryReader
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting nicotrack notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("email_transport", cfg.EmailTransport),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.System{}

	st, health, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis is optional; without it dedup reads history directly, the
	// drain job runs unleased, and the API skips idempotency and limits.
	var (
		rdb         *redis.Client
		recent      *redis.RecentSends
		lease       scheduler.Lease
		idempotency *redis.IdempotencyService
		limiter     *redis.RateLimiter
	)
	if cfg.RedisEnabled {
		rdb, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without it", zap.Error(err))
			rdb = nil
		}
	}
	if rdb != nil {
		defer rdb.Close()
		hostname, _ := os.Hostname()
		recent = redis.NewRecentSends(rdb, logger)
		lease = redis.NewLease(rdb, hostname, logger)
		idempotency = redis.NewIdempotencyService(rdb, logger)
		if cfg.RateLimitPerMinute > 0 {
			limiter = redis.NewRateLimiter(rdb, clk, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimitPerMinute,
				Window: time.Minute,
			})
		}
	}

	policy := notify.DedupPolicy{
		db.CategoryDailyReminder: cfg.DedupDailyReminder,
		db.CategoryGoalReminder:  cfg.DedupGoalReminder,
		db.CategoryWeeklyReport:  cfg.DedupWeeklyReport,
	}
	guard := notify.NewDedupGuard(st, clk, logger)
	if recent != nil {
		guard = guard.WithCache(recent, policy.Longest())
	}
	svc := notify.NewService(st, guard, clk, notify.Config{
		MaxAttempts: cfg.MaxRetries,
		Policy:      policy,
	}, logger)

	mailer, err := newMailer(ctx, cfg)
	if err != nil {
		return err
	}
	webhooks := channel.NewWebhookSender(channel.WebhookConfig{
		Timeout:           cfg.WebhookTimeout,
		RequestsPerSecond: cfg.WebhookRPS,
		Burst:             cfg.WebhookBurst,
	}, clk, logger)

	emailBreakers := circuitbreaker.NewProtectedSender(
		channel.NewEmailSender(mailer, channel.EmailConfig{Quiet: cfg.EmailQuiet}, logger),
		circuitbreaker.ByChannel, circuitbreaker.DefaultConfig("email"), clk, logger,
	)
	webhookBreakers := circuitbreaker.NewProtectedSender(
		webhooks, circuitbreaker.ByHost, circuitbreaker.DefaultConfig("webhook"), clk, logger,
	)
	dispatcher := channel.NewDispatcher(logger, emailBreakers, webhookBreakers)

	processor := worker.New(st, dispatcher, worker.Config{
		BatchSize:   cfg.BatchSize,
		SendTimeout: cfg.SendTimeout,
		StaleAfter:  cfg.StaleClaimAfter,
	}, logger).WithSuppressor(svc)
	processor.AddListener(guard)

	emitter, err := newEmitter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if emitter.Enabled() {
		processor.AddListener(emitter)
	}

	if n, err := processor.Recover(ctx, clk.Now()); err != nil {
		logger.Warn("startup recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("released stale claims", zap.Int64("count", n))
	}

	sched := scheduler.New(clk, logger)
	jobs := scheduler.NewJobs(st, st, svc, processor, lease, scheduler.JobsConfig{BatchSize: cfg.BatchSize}, logger)
	if err := jobs.Register(sched, scheduler.Schedules{
		QueueDrain:    cfg.ScheduleQueueDrain,
		ReminderScan:  cfg.ScheduleReminderScan,
		WeeklyReport:  cfg.ScheduleWeeklyReport,
		ThresholdScan: cfg.ScheduleThresholdScan,
		TokenCleanup:  cfg.ScheduleTokenCleanup,
	}); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}

	handler := api.NewHandler(logger, api.Deps{
		Notifier:    svc,
		Drainer:     processor,
		History:     st,
		Preferences: st,
		Webhooks:    webhooks,
		Breakers:    []api.BreakerSource{emailBreakers, webhookBreakers},
		Idempotency: idempotency,
		Clock:       clk,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, limiter, health),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx, cfg.ProcessInterval)
	}()

	select {
	case err := <-serverErrors:
		stop()
		<-schedDone
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		<-schedDone

		logger.Info("notifier stopped gracefully")
	}

	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, api.HealthFunc, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return memdb.New(), nil, func() {}, nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	health := func(r *http.Request) error {
		metrics.SetDBConnections(database.AcquiredConns())
		return database.Health(r.Context())
	}
	return db.NewRepository(database, logger), health, database.Close, nil
}

func newMailer(ctx context.Context, cfg *config.Config) (channel.Mailer, error) {
	if cfg.EmailTransport == "ses" {
		m, err := channel.NewSESMailer(ctx, channel.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		})
		if err != nil {
			return nil, fmt.Errorf("create ses mailer: %w", err)
		}
		return m, nil
	}
	return channel.NewSMTPMailer(channel.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  cfg.SMTPTimeout,
	}), nil
}

func newEmitter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*events.Emitter, error) {
	awsCfg := events.AWSConfig{Region: cfg.AWSRegion, Endpoint: cfg.AWSEndpoint}

	var publishers []events.Publisher
	if cfg.EventsSNSTopicARN != "" {
		p, err := events.NewSNSPublisher(ctx, cfg.EventsSNSTopicARN, awsCfg)
		if err != nil {
			return nil, fmt.Errorf("create sns publisher: %w", err)
		}
		publishers = append(publishers, p)
	}
	if cfg.EventsSQSQueueURL != "" {
		p, err := events.NewSQSPublisher(ctx, cfg.EventsSQSQueueURL, awsCfg)
		if err != nil {
			return nil, fmt.Errorf("create sqs publisher: %w", err)
		}
		publishers = append(publishers, p)
	}
	return events.NewEmitter(5*time.Second, logger, publishers...), nil
}
