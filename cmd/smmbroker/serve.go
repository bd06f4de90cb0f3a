package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/auth"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/config"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/db"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/memstore"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/metrics"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/notify"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/provider"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/routers"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/service"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/session"
)

const shutdownTimeout = 15 * time.Second

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	m := metrics.New()

	deps := service.Deps{
		Metrics: m,
		Clock:   clock,
		Logger:  logger,
	}

	var balances ledger.Store
	if cfg.DatabaseURI != "" {
		dbConn, err := db.Init(cfg.DatabaseURI)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer func() {
			logger.Info("closing database connection")
			dbConn.Close()
		}()
		if err := db.Migrate(dbConn); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		accounts := db.NewAccountRepoPG(dbConn)
		deps.Accounts = accounts
		deps.Deposits = db.NewDepositRepoPG(dbConn)
		deps.Orders = db.NewOrderRepoPG(dbConn)
		deps.Tx = db.NewTxManager(dbConn)
		balances = accounts
	} else {
		logger.Warn("DATABASE_URI is not set, state is kept in memory and lost on restart")
		store := memstore.New(clock)
		deps.Accounts = store
		deps.Deposits = store
		deps.Orders = store
		deps.Tx = store
		balances = store
	}
	deps.Ledger = ledger.New(balances, logger)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		deps.Sessions = session.NewRedisStore(client, "smmbroker:")
	} else {
		deps.Sessions = session.NewMemoryStore(clock)
	}

	deps.Provider = provider.New(cfg.SMMAPIURL, cfg.SMMAPIKey,
		provider.WithHTTPClient(&http.Client{Timeout: cfg.ProviderTimeout}),
		provider.WithLogger(logger),
	)

	var payments notify.MultiLog
	if cfg.BotToken != "" {
		tg := notify.NewTelegram(cfg.TelegramAPIURL, cfg.BotToken, &http.Client{Timeout: cfg.NotifyTimeout})
		deps.Notifier = notify.NewChatNotifier(tg, cfg.AdminID)
		if cfg.PaymentChannel != "" {
			payments = append(payments, notify.NewChannelLog(tg, cfg.PaymentChannel))
		}
	} else {
		logger.Warn("BOT_TOKEN is not set, chat notifications are disabled")
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaLog := notify.NewKafkaLog(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kafkaLog.Close(); err != nil {
				logger.Warn("closing kafka writer", zap.Error(err))
			}
		}()
		payments = append(payments, kafkaLog)
	}
	if len(payments) > 0 {
		deps.Payments = payments
	}

	accountService := service.NewAccountService(deps, cfg)
	referral := service.NewReferralEngine(deps, cfg.ReferralPercent)
	depositService := service.NewDepositService(deps, referral, cfg)
	orderService := service.NewOrderService(deps, cfg)
	bonusService := service.NewBonusService(deps, cfg)

	if _, err := orderService.StartOrderStatusWorker(ctx, cfg.StatusPollInterval, clock); err != nil {
		return err
	}

	h := routers.NewHandler(accountService, depositService, orderService, bonusService, logger)
	srv := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           routers.SetupRouters(h, auth.NewIssuer(cfg.JWTSecret), m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started", zap.String("address", cfg.RunAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
