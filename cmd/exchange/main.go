package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockex/params"
	"github.com/uhyunpark/stockex/pkg/api"
	"github.com/uhyunpark/stockex/pkg/app/core/engine"
	"github.com/uhyunpark/stockex/pkg/app/core/ledger"
	"github.com/uhyunpark/stockex/pkg/app/exchange"
	"github.com/uhyunpark/stockex/pkg/events"
	"github.com/uhyunpark/stockex/pkg/storage"
	"github.com/uhyunpark/stockex/pkg/util"
)

// store is what every storage driver provides: the order repository the
// engine matches against and the account store behind the local ledger.
type store interface {
	engine.Repository
	ledger.Store
}

func openStore(ctx context.Context, cfg params.Store) (store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), func() error { return nil }, nil
	case "pebble":
		s, err := storage.NewPebbleStore(cfg.PebblePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, errors.New("unknown STORE_DRIVER " + cfg.Driver)
	}
}

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		sugar.Fatalw("store_open_failed", "driver", cfg.Store.Driver, "err", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			sugar.Warnw("store_close_failed", "err", err)
		}
	}()
	sugar.Infow("store_opened", "driver", cfg.Store.Driver)

	// ---- Ledger ----
	// Without LEDGER_URL this process keeps balances itself and serves them
	// on /api/v1/balances; otherwise every adjustment goes to the remote.
	var (
		accounts *ledger.Manager
		settle   ledger.Ledger
	)
	if cfg.Ledger.URL == "" {
		accounts = ledger.NewManager(st, util.RealClock{}, sugar)
		settle = accounts
		sugar.Info("ledger_local")
	} else {
		settle = ledger.NewHTTPLedger(cfg.Ledger.URL, cfg.Ledger.Timeout)
		sugar.Infow("ledger_remote", "url", cfg.Ledger.URL)
	}
	settle = ledger.NewRetrying(settle, ledger.RetryConfig{
		Attempts: cfg.Ledger.Retries,
		Backoff:  cfg.Ledger.Backoff,
	}, sugar)

	// ---- Engine ----
	eng, err := engine.New(ctx, st, settle, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	// ---- Trade events ----
	var sinks []events.Sink
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafka := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.TradesTopic)
		defer kafka.Close()
		sinks = append(sinks, kafka)
		sugar.Infow("kafka_publisher_enabled", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.TradesTopic)
	}

	app := exchange.NewApp(eng, accounts, sugar, sinks...)

	// ---- API Server ----
	apiServer := api.NewServer(app, sugar, cfg.Server.CORSOrigins)
	app.OnTrade = apiServer.BroadcastTrade
	app.OnBookChange = apiServer.BroadcastBook

	appDone := make(chan struct{})
	go func() {
		app.Run(ctx, cfg.Engine.SweepInterval)
		close(appDone)
	}()

	// ---- Order Feeder (optional) ----
	// Enable with: ENABLE_FEEDER=true FEEDER_INSTRUMENTS=AAPL,MSFT
	if cfg.Feeder.Enabled {
		fc := exchange.DefaultFeederConfig()
		fc.Instruments = cfg.Feeder.Instruments
		fc.Interval = cfg.Feeder.Interval
		fc.BatchSize = cfg.Feeder.BatchSize
		cancelFeeder := exchange.StartFeeder(ctx, app, fc, sugar)
		defer cancelFeeder()
		sugar.Infow("feeder_enabled", "instruments", fc.Instruments, "batch", fc.BatchSize, "interval", fc.Interval)
	}

	sugar.Infow("exchange_starting", "addr", cfg.Server.Addr, "sweep_interval", cfg.Engine.SweepInterval)
	if err := apiServer.Start(ctx, cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Errorw("api_server_failed", "err", err)
		stop()
	}
	<-appDone
	sugar.Info("exchange_stopped")
}
