package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"potroulette/internal/config"
	"potroulette/internal/engine"
	"potroulette/internal/ledger"
	"potroulette/internal/locking"
	"potroulette/internal/money"
	"potroulette/internal/observability"
	"potroulette/internal/payments"
	"potroulette/internal/persistence"
	"potroulette/internal/sched"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := observability.NewLogger("main", "info")
		l.Fatal().Err(err).Msg("load config")
	}
	log := observability.NewLogger("main", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := persistence.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator", cfg.LogLevel))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()

	nc, js, err := sched.Connect(cfg.NATSURL, observability.NewLogger("nats", cfg.LogLevel))
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	defer nc.Close()
	if err := sched.EnsureJobStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("create job stream")
	}

	metrics := observability.NewMetrics()
	locker := locking.NewLocker(rdb)
	guard := locking.NewGuard(rdb, cfg.IdempotencyTTL)
	scheduler := sched.NewScheduler(js, observability.NewLogger("scheduler", cfg.LogLevel), metrics)
	ledgerSvc := ledger.NewService(db)

	minBetNano, err := money.ToNano(cfg.MinBet)
	if err != nil {
		log.Fatal().Err(err).Str("min_bet", cfg.MinBet).Msg("parse min bet")
	}

	eng := engine.New(db, ledgerSvc, locker, guard, scheduler,
		observability.NewLogger("engine", cfg.LogLevel), metrics, engine.Config{
			HouseUserID:         cfg.HouseUser(),
			DefaultFeeBps:       cfg.HouseFeeBps,
			DefaultRoundSeconds: cfg.RoundDurationSecs,
			DefaultMinBetNano:   minBetNano,
		})
	paymentsSvc := payments.NewService(db, ledgerSvc, guard, locker,
		observability.NewLogger("payments", cfg.LogLevel), metrics)
	if err := payments.EnsureStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("create payments stream")
	}
	paymentsConsumer := payments.NewConsumer(js, paymentsSvc,
		observability.NewLogger("payments-consumer", cfg.LogLevel))
	if err := paymentsConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start payments consumer")
	}
	defer paymentsConsumer.Stop()

	worker := sched.NewWorker(js, eng.HandleJob,
		observability.NewLogger("worker", cfg.LogLevel), metrics)
	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start job worker")
	}
	defer worker.Stop()

	if err := eng.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("bootstrap rooms")
	}

	health := observability.NewHealthChecker()
	health.SetReady(true)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("bye")
	_ = os.Stdout.Sync()
}
