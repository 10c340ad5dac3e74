package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	Addr        string
	CORSOrigins []string
}

type Log struct {
	File  string // empty: stdout only
	Level string
}

type Store struct {
	Driver      string // memory | pebble | postgres
	PebblePath  string
	DatabaseURL string
}

type Ledger struct {
	// URL of a remote ledger service. Empty keeps balances in-process,
	// persisted next to the orders.
	URL     string
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

type Events struct {
	KafkaBrokers []string // empty: trades are not published
	TradesTopic  string
}

type Engine struct {
	// SweepInterval re-checks every instrument's stop orders. Zero disables
	// the periodic sweep; stops still fire on every book change.
	SweepInterval time.Duration
}

type Feeder struct {
	Enabled     bool
	Instruments []string
	Interval    time.Duration
	BatchSize   int
}

type Config struct {
	Server Server
	Log    Log
	Store  Store
	Ledger Ledger
	Events Events
	Engine Engine
	Feeder Feeder
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Log: Log{
			File:  "data/exchange.log",
			Level: "info",
		},
		Store: Store{
			Driver:     "pebble",
			PebblePath: "data/orders",
		},
		Ledger: Ledger{
			Retries: 3,
			Backoff: 50 * time.Millisecond,
			Timeout: 5 * time.Second,
		},
		Events: Events{
			TradesTopic: "exchange.trades",
		},
		Engine: Engine{
			SweepInterval: time.Second,
		},
		Feeder: Feeder{
			Instruments: []string{"AAPL", "MSFT"},
			Interval:    500 * time.Millisecond,
			BatchSize:   10,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// godotenv never overrides variables that are already set.
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Server.Addr = getEnv("API_ADDR", cfg.Server.Addr)
	cfg.Server.CORSOrigins = getList("CORS_ORIGINS", cfg.Server.CORSOrigins)

	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		cfg.Log.File = v
	}
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	cfg.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", cfg.Store.Driver))
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)

	cfg.Ledger.URL = getEnv("LEDGER_URL", cfg.Ledger.URL)
	cfg.Ledger.Retries = getInt("LEDGER_RETRIES", cfg.Ledger.Retries)
	cfg.Ledger.Backoff = getMillis("LEDGER_BACKOFF_MS", cfg.Ledger.Backoff)
	cfg.Ledger.Timeout = getMillis("LEDGER_TIMEOUT_MS", cfg.Ledger.Timeout)

	cfg.Events.KafkaBrokers = getList("KAFKA_BROKERS", cfg.Events.KafkaBrokers)
	cfg.Events.TradesTopic = getEnv("KAFKA_TRADES_TOPIC", cfg.Events.TradesTopic)

	cfg.Engine.SweepInterval = getMillis("SWEEP_INTERVAL_MS", cfg.Engine.SweepInterval)

	cfg.Feeder.Enabled = getEnv("ENABLE_FEEDER", "") == "true"
	cfg.Feeder.Instruments = getList("FEEDER_INSTRUMENTS", cfg.Feeder.Instruments)
	cfg.Feeder.Interval = getMillis("FEEDER_INTERVAL_MS", cfg.Feeder.Interval)
	cfg.Feeder.BatchSize = getInt("FEEDER_BATCH", cfg.Feeder.BatchSize)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt ignores values that do not parse.
func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getList splits a comma-separated value, e.g. "broker1:9092,broker2:9092".
func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
