package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"farmtrade/config"
	"farmtrade/native/deal"
	"farmtrade/observability"
	"farmtrade/observability/logging"
	telemetry "farmtrade/observability/otel"
	"farmtrade/services/dealsd/assets"
	"farmtrade/services/dealsd/auth"
	"farmtrade/services/dealsd/coordinator"
	"farmtrade/services/dealsd/directory"
	"farmtrade/services/dealsd/ledger"
	"farmtrade/services/dealsd/middleware"
	"farmtrade/services/dealsd/notify"
	"farmtrade/services/dealsd/pricing"
	"farmtrade/services/dealsd/server"
	"farmtrade/services/dealsd/settlement"
	"farmtrade/services/dealsd/sweeper"
)

const serviceName = "dealsd"

type flags struct {
	configPath        string
	exportDir         string
	exportWindow      time.Duration
	sweepOnce         bool
	bootstrapOperator string
	issueToken        string
	tokenTTL          time.Duration
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to dealsd configuration (YAML or TOML)")
	flag.StringVar(&f.exportDir, "export", "", "write the settlement export for the last window into this directory and exit")
	flag.DurationVar(&f.exportWindow, "export-window", 24*time.Hour, "window covered by -export")
	flag.BoolVar(&f.sweepOnce, "sweep-once", false, "run a single timeout sweep and exit")
	flag.StringVar(&f.bootstrapOperator, "bootstrap-operator", "", "register the given identity as an OPERATOR and exit")
	flag.StringVar(&f.issueToken, "issue-token", "", "print a signed bearer token for the given identity and exit")
	flag.DurationVar(&f.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens minted by -issue-token")
	flag.Parse()

	if err := run(f); err != nil {
		log.Fatalf("dealsd: %v", err)
	}
}

func run(f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	if f.issueToken != "" {
		return issueToken(cfg, f.issueToken, f.tokenTTL)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromConfig(serviceName, cfg.Environment, cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if f.exportDir != "" {
		to := time.Now().UTC()
		report, err := settlement.Export(ctx, db, f.exportDir, to.Add(-f.exportWindow), to)
		if err != nil {
			return fmt.Errorf("settlement export: %w", err)
		}
		logger.Info("settlement export written",
			slog.String("csv", report.CSVPath),
			slog.String("parquet", report.ParquetPath),
			slog.String("sha256", report.Checksum),
			slog.Int("deals", report.Count))
		return nil
	}

	parties := directory.New(db, nil, logger)
	if f.bootstrapOperator != "" {
		party, err := parties.Register(ctx, f.bootstrapOperator, deal.RoleOperator, directory.Profile{DisplayName: "operator"})
		if err != nil {
			return fmt.Errorf("bootstrap operator: %w", err)
		}
		logger.Info("operator registered", slog.String("identity", logging.ShortIdentity(party.Identity)))
		return nil
	}

	metrics := observability.Deals()
	emitter, closeEmitter, err := buildEmitter(ctx, cfg.Kafka, logger, metrics)
	if err != nil {
		return err
	}
	defer closeEmitter()

	l := ledger.New(db,
		ledger.WithEmitter(emitter),
		ledger.WithMaxConflictRetries(cfg.Deals.MaxConflictRetries),
		ledger.WithLogger(logger),
		ledger.WithMetrics(metrics),
	)
	sweep := sweeper.New(l, emitter, logger, metrics)
	scheduler := sweeper.NewScheduler(sweeper.SchedulerConfig{
		Sweeper:        sweep,
		Interval:       cfg.Sweeper.Interval.Duration,
		StallThreshold: cfg.Deals.PayoutStallThreshold.Duration,
		Logger:         logger,
	})
	if f.sweepOnce {
		scheduler.RunOnce(ctx)
		return nil
	}

	quoter := pricing.NewQuoter(pricing.Config{
		Endpoint:  cfg.Pricing.Endpoint,
		APIKey:    cfg.Pricing.APIKey,
		RatePerKm: decimal.NewFromFloat(cfg.Pricing.RatePerKm),
		BaseFee:   decimal.NewFromFloat(cfg.Pricing.BaseFee),
		Timeout:   cfg.Pricing.Timeout.Duration,
	}, logger)

	coord, err := coordinator.New(coordinator.Config{
		Ledger:  l,
		Assets:  assets.NewRegistry(db, nil, logger),
		Parties: parties,
		Sweeper: sweep,
		Quoter:  quoter,
		Settings: coordinator.Settings{
			SignatureTimeoutHours: cfg.Deals.SignatureTimeoutHours,
			PlatformFeeRate:       decimal.NewFromFloat(cfg.Deals.PlatformFeeRate),
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	authn, err := auth.New(auth.Config{
		Secret:    cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		DevHeader: cfg.Auth.DevHeader,
	})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if cfg.Auth.DevHeader {
		logger.Warn("development identity header enabled", slog.String("header", auth.DevIdentityHeader))
	}

	httpMetrics := observability.HTTP()
	srv, err := server.New(server.Config{
		Coordinator: coord,
		Directory:   parties,
		Auth:        authn,
		DB:          db,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		Display: server.Display{
			Currency: cfg.Display.Currency,
			Rate:     decimal.NewFromFloat(cfg.Display.Rate),
		},
		Logger:     logger,
		Observer:   httpMetrics,
		OnThrottle: httpMetrics.RecordThrottle,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	if cfg.Sweeper.Enabled {
		go scheduler.Start(ctx)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("dealsd listening", slog.String("addr", cfg.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// buildEmitter returns the Kafka publisher when enabled and a no-op emitter
// otherwise. The returned close function drains the queue.
func buildEmitter(ctx context.Context, cfg config.KafkaConfig, logger *slog.Logger, metrics *observability.DealMetrics) (deal.Emitter, func(), error) {
	if !cfg.Enabled {
		return deal.NoopEmitter{}, func() {}, nil
	}
	publisher, err := notify.New(notify.Config{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		QueueSize: cfg.QueueSize,
	}, logger, metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka publisher: %w", err)
	}
	go publisher.Run(context.WithoutCancel(ctx))
	return publisher, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := publisher.Close(closeCtx); err != nil {
			logger.Warn("kafka publisher close failed", slog.Any("error", err))
		}
	}, nil
}

func issueToken(cfg config.Config, subject string, ttl time.Duration) error {
	authn, err := auth.New(auth.Config{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer})
	if err != nil {
		return err
	}
	token, err := authn.Issue(subject, time.Now().UTC(), ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, token)
	return err
}
