package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/api"
	"github.com/lalithlochan/renewd/internal/config"
	"github.com/lalithlochan/renewd/internal/db"
	"github.com/lalithlochan/renewd/internal/dispatch"
	"github.com/lalithlochan/renewd/internal/ledger"
	"github.com/lalithlochan/renewd/internal/metrics"
	"github.com/lalithlochan/renewd/internal/observ"
	"github.com/lalithlochan/renewd/internal/preferences"
	"github.com/lalithlochan/renewd/internal/redis"
	"github.com/lalithlochan/renewd/internal/scheduler"
	"github.com/lalithlochan/renewd/internal/sns"
	"github.com/lalithlochan/renewd/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting renewd",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("ledger_backend", cfg.LedgerBackend),
		zap.String("transport_mode", cfg.TransportMode),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{URL: cfg.PostgresURL()}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	subscriptions := db.NewSubscriptionRepository(database, logger)
	users := db.NewUserRepository(database, logger)

	// Redis backs the cross-instance tick lock, the API rate limit and
	// optionally the ledger. Without it each instance runs on its own.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.LedgerBackend == config.LedgerRedis {
			return fmt.Errorf("redis ledger backend selected but redis is unavailable: %w", err)
		}
		logger.Warn("redis unavailable, tick lock and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var store ledger.Store
	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		store = redis.NewLedgerStore(redisClient, logger, cfg.LedgerRetention)
	case config.LedgerMemory:
		logger.Warn("in-memory ledger selected, reminders may repeat after a restart")
		store = ledger.NewMemoryStore()
	default:
		store = db.NewLedgerRepository(database, logger)
	}
	reminders := ledger.New(store, logger)

	transports, err := buildTransports(ctx, cfg, logger)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(logger, transports)

	logger.Info("initialized reminder channels",
		zap.Bool("email_enabled", dispatcher.Supports(preferences.ChannelEmail)),
		zap.Bool("sms_enabled", dispatcher.Supports(preferences.ChannelSMS)),
		zap.Bool("push_enabled", dispatcher.Supports(preferences.ChannelPush)),
	)

	defaults := preferences.Defaults()
	defaults.Timezone = cfg.SchedulerTimezone

	var opts []scheduler.Option
	if redisClient != nil {
		opts = append(opts, scheduler.WithTickLock(redis.NewTickLock(redisClient, logger, "scheduler", cfg.SchedulerLockTTL)))
	}

	var recorders []scheduler.OutcomeRecorder
	if cfg.OperatorTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.OperatorTopicARN, cfg.SNSRegion, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, failure alerts disabled", zap.Error(err))
		} else {
			recorders = append(recorders, publisher)
		}
	}
	if cfg.OutcomeQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.OutcomeQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, outcome events disabled", zap.Error(err))
		} else {
			recorders = append(recorders, producer)
		}
	}
	if len(recorders) > 0 {
		opts = append(opts, scheduler.WithRecorders(recorders...))
	}

	sched, err := scheduler.New(scheduler.Config{
		Enabled:         !cfg.DisableNotificationScheduler,
		Interval:        cfg.SchedulerInterval(),
		Concurrency:     cfg.SchedulerConcurrency,
		DispatchTimeout: cfg.DispatchTimeout,
		Defaults:        defaults,
	}, scheduler.Deps{
		Source:     subscriptions,
		Ledger:     reminders,
		Dispatcher: dispatcher,
		Logger:     logger,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	if err := sched.Start(schedCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	var v1 []func(http.Handler) http.Handler
	if redisClient != nil && cfg.APIRateLimit > 0 {
		limiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: 1 * time.Minute, // per minute per client IP
		})
		v1 = append(v1, api.RateLimitMiddleware(limiter, logger, api.IPKeyFunc))
	}

	handler := api.NewHandler(logger, api.Deps{
		Ledger:        reminders,
		Scheduler:     sched,
		Users:         users,
		Subscriptions: subscriptions,
		Defaults:      defaults,
		Ready:         database.Health,
	})
	handler.Routes(r, v1...)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		sched.Stop()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			sched.Stop()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop waits for reminders already handed to a transport.
		sched.Stop()
		logger.Info("server stopped gracefully")
	}

	return nil
}
