// Package config loads process configuration from the environment
// (typically populated from a .env file via github.com/joho/godotenv in
// main.go). Only truly global settings live here — per-pair trading
// parameters belong to store.StrategyTemplate, not this package.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var global *Config

// Config is the global configuration, loaded once at startup.
type Config struct {
	// HTTP server
	APIServerPort int
	JWTSecret     string

	// Database
	DBType     string // sqlite or postgres
	DBPath     string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// MarketProvider budgets (4.B)
	VenueTimeout time.Duration // T_venue, per-venue deadline budget
	TotalTimeout time.Duration // T_total, overall fetch_all deadline
	StaleMaxAge  time.Duration // how long a stale cache entry is still usable
	CacheTTL     time.Duration // fresh-cache window before a symbol needs refetching

	// Symbols polled across every venue on each fetch_all.
	Symbols []string

	// Operator authentication (auth/) — single operator, no registration flow.
	OperatorPasswordHash string
	OperatorOTPSecret    string

	// Telegram escalation for high/critical RiskEvents (risk/notify.go).
	// Both empty disables the notifier; the ledger still records events.
	TelegramBotToken string
	TelegramChatID   int64
}

// Init loads configuration from the environment.
func Init() {
	cfg := &Config{
		APIServerPort: 8080,

		DBType:    "sqlite",
		DBPath:    "data/fundingarb.db",
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "fundingarb",
		DBSSLMode: "disable",

		VenueTimeout: 4 * time.Second,
		TotalTimeout: 10 * time.Second,
		StaleMaxAge:  120 * time.Second,
		CacheTTL:     30 * time.Second,

		Symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT"},
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = strings.TrimSpace(v)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "default-jwt-secret-change-in-production"
	}

	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.APIServerPort = port
		}
	}

	if v := os.Getenv("DB_TYPE"); v != "" {
		cfg.DBType = strings.ToLower(v)
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.DBPort = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DBUser = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.DBSSLMode = v
	}

	if v := os.Getenv("VENUE_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.VenueTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("TOTAL_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.TotalTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("STALE_MAX_AGE_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.StaleMaxAge = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("SYMBOLS"); v != "" {
		parts := strings.Split(v, ",")
		symbols := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				symbols = append(symbols, p)
			}
		}
		if len(symbols) > 0 {
			cfg.Symbols = symbols
		}
	}

	cfg.OperatorPasswordHash = os.Getenv("OPERATOR_PASSWORD_HASH")
	cfg.OperatorOTPSecret = os.Getenv("OPERATOR_OTP_SECRET")

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramChatID = id
		}
	}

	global = cfg
}

// Get returns the global configuration, initializing it from the
// environment on first use.
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}
