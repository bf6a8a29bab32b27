package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fastprodman/ticketeconomy/internal/api"
	"github.com/fastprodman/ticketeconomy/internal/events"
	"github.com/fastprodman/ticketeconomy/internal/infra/async"
	"github.com/fastprodman/ticketeconomy/internal/infra/kafkautil"
	"github.com/fastprodman/ticketeconomy/internal/infra/logging"
	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/infra/redisutil"
	"github.com/fastprodman/ticketeconomy/internal/infra/window"
	pgaccounts "github.com/fastprodman/ticketeconomy/internal/repos/accounts/postgres"
	pgentries "github.com/fastprodman/ticketeconomy/internal/repos/entries/postgres"
	"github.com/fastprodman/ticketeconomy/internal/services/fraud"
	"github.com/fastprodman/ticketeconomy/internal/services/ratelimit"
	"github.com/fastprodman/ticketeconomy/internal/services/rewards"
	"github.com/fastprodman/ticketeconomy/internal/services/shop"
	"github.com/fastprodman/ticketeconomy/internal/services/wallet"
	"github.com/fastprodman/ticketeconomy/pkg/envconf"
	"github.com/fastprodman/ticketeconomy/pkg/shutdownqueue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error running api: %v", err)
		//nolint:gocritic
		os.Exit(1)
	}
}

//nolint:funlen
func run(ctx context.Context) (retErr error) {
	cfg := new(apiConfig)

	err := envconf.Load(cfg)
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}

	logging.SetupJSON(cfg.LogLevel)

	logger := slog.Default()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		serr := shutdownqueue.Shutdown(shutdownCtx)
		if serr != nil {
			retErr = errors.Join(retErr, serr)
		}
	}()

	// --- Infra ---
	db, err := pgutils.OpenDB(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}

	shutdownqueue.Add("postgres", func(context.Context) error {
		return db.Close()
	})

	var counter window.Counter = window.NewMemoryCounter(nil)

	if cfg.Redis.Addr != "" {
		rdb, err := redisutil.Connect(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		shutdownqueue.Add("redis", func(context.Context) error {
			return rdb.Close()
		})

		counter = window.NewRedisCounter(rdb, cfg.Redis.Prefix, nil)
	} else {
		logger.Warn("REDIS_ADDR not set, rate windows are kept in process memory")
	}

	var notifySink, auditSink events.Publisher

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafkautil.NewSyncProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}

		shutdownqueue.Add("kafka producer", func(context.Context) error {
			return producer.Close()
		})

		notifySink = events.NewKafkaPublisher(producer, cfg.Kafka.NotifyTopic)
		auditSink = events.NewKafkaPublisher(producer, cfg.Kafka.AuditTopic)
	} else {
		notifySink = events.NewLogPublisher(logger, "notifications")
		auditSink = events.NewLogPublisher(logger, "audit")
	}

	// Event delivery runs on its own workers and never blocks a committed
	// request. Registered after the producer so it drains first.
	runner := async.New(cfg.Wallet.AsyncWorkers, cfg.Wallet.AsyncQueueSize, cfg.EventTimeout, logger)

	shutdownqueue.Add("event runner", func(c context.Context) error {
		err := runner.Shutdown(c)
		logger.Info("event runner stopped", "dropped", runner.Dropped(), "failed", runner.Failed())

		return err
	})

	notifier := events.NewAsync(runner, notifySink, cfg.EventTimeout)
	audit := events.NewAsync(runner, auditSink, cfg.EventTimeout)

	// --- Services ---
	limiter := ratelimit.New(counter, cfg.RateLimit, logger)
	history := fraud.NewLedgerHistory(db, pgaccounts.New(db), pgentries.New(db), wallet.UserEventTypes())
	detector := fraud.New(counter, history, audit, cfg.Fraud, fraud.WithLogger(logger))

	walletSrv := wallet.New(db, wallet.Config{
		Wallet:  cfg.Wallet,
		Retry:   cfg.Retry,
		Breaker: cfg.Breaker,
	},
		wallet.WithScreening(limiter, detector),
		wallet.WithNotifier(notifier),
		wallet.WithAudit(audit),
		wallet.WithLogger(logger),
	)

	shopSrv := shop.New(db, walletSrv, shop.WithNotifier(notifier), shop.WithLogger(logger))

	var source rewards.MatchSource = rewards.NewStaticSource()
	if cfg.Rewards.MatchSourceURL != "" {
		source = rewards.NewHTTPSource(cfg.Rewards.MatchSourceURL, cfg.Rewards.MatchSourceTimeout)
	}

	rewardSrv := rewards.New(db, walletSrv, source, shopSrv, cfg.Rewards,
		rewards.WithNotifier(notifier),
		rewards.WithLogger(logger),
	)

	// --- HTTP server ---
	handler := api.NewRouter(api.NewHandler(walletSrv, shopSrv, rewardSrv, logger), cfg.CORSOrigins)
	srv := api.NewServer(cfg.Port, handler)

	shutdownqueue.Add("http server", func(c context.Context) error {
		slog.Info("Shut down server")

		err := srv.Shutdown(c)
		if err != nil {
			return fmt.Errorf("shutdown srv: %w", err)
		}

		return nil
	})

	errCh := make(chan error, 1)

	go func() {
		serr := srv.ListenAndServe()
		// http.ErrServerClosed is the normal path during Shutdown
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
			return
		}

		errCh <- nil
	}()

	slog.Info("API started", "port", cfg.Port)

	select {
	case <-ctx.Done():
		return nil
	case serr := <-errCh:
		if serr != nil {
			return fmt.Errorf("server error: %w", serr)
		}

		return nil
	}
}
