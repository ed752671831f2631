package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"optionsBot/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogPretty bool            // Human readable console output instead of JSON

	// Trading
	DryRun        bool   // Route every account to the paper connector
	TemplatesFile string // YAML file with template definitions

	// Scheduling
	ExchangeLocation  *time.Location
	EODTasksCron      string
	EODSettlementCron string
	TrackInterval     time.Duration
	MonitorInterval   time.Duration
	TPSLDelay         time.Duration

	// Telemetry
	TelemetryURL        string
	TelemetryAttempts   int
	TelemetryRetryDelay time.Duration

	// Status API
	HTTPAddr string // Empty disables the status server

	// Binance futures
	BinanceAccount   string // Template account routed to Binance, empty disables
	BinanceAPIKey    string
	BinanceSecretKey string
	IsTestnet        bool
	BinanceRateLimit float64 // Requests per second

	// Alpaca options
	AlpacaAccount   string // Template account routed to Alpaca, empty disables
	AlpacaAPIKey    string
	AlpacaSecretKey string
	AlpacaBaseURL   string
	AlpacaPollEvery time.Duration

	// Paper
	PaperAccount    string
	PaperUseOCO     bool
	PaperCommission float64            // Per contract
	PaperPrices     map[string]float64 // Last prices by symbol, PAPER_PRICES=SPX=5800,SPY=580

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/options_bot.db")

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogPretty = getEnvAsBool("LOG_PRETTY", false)

	// Trading
	cfg.DryRun = getEnvAsBool("DRY_RUN", true) // Default to paper trading for safety
	cfg.TemplatesFile = getEnv("TEMPLATES_FILE", "./templates.yaml")

	// Scheduling
	tz := getEnv("EXCHANGE_TIMEZONE", "America/New_York")
	cfg.ExchangeLocation, err = time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EXCHANGE_TIMEZONE '%s': %v", tz, err))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cfg.EODTasksCron = getEnv("EOD_TASKS_CRON", "55 15 * * 1-5")
	if _, err := parser.Parse(cfg.EODTasksCron); err != nil {
		errs = append(errs, fmt.Sprintf("invalid EOD_TASKS_CRON: %v", err))
	}
	cfg.EODSettlementCron = getEnv("EOD_SETTLEMENT_CRON", "15 16 * * 1-5")
	if _, err := parser.Parse(cfg.EODSettlementCron); err != nil {
		errs = append(errs, fmt.Sprintf("invalid EOD_SETTLEMENT_CRON: %v", err))
	}

	trackSeconds, err := getEnvAsIntRequired("TRACK_INTERVAL_SECONDS", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRACK_INTERVAL_SECONDS: %v", err))
	} else if trackSeconds <= 0 {
		errs = append(errs, "TRACK_INTERVAL_SECONDS must be positive")
	}
	cfg.TrackInterval = time.Duration(trackSeconds) * time.Second

	monitorSeconds, err := getEnvAsIntRequired("MONITOR_INTERVAL_SECONDS", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MONITOR_INTERVAL_SECONDS: %v", err))
	} else if monitorSeconds <= 0 {
		errs = append(errs, "MONITOR_INTERVAL_SECONDS must be positive")
	}
	cfg.MonitorInterval = time.Duration(monitorSeconds) * time.Second

	tpslMillis := getEnvAsInt("TPSL_DELAY_MS", 0)
	if tpslMillis < 0 {
		errs = append(errs, "TPSL_DELAY_MS cannot be negative")
	}
	cfg.TPSLDelay = time.Duration(tpslMillis) * time.Millisecond

	// Telemetry
	cfg.TelemetryURL = getEnv("TELEMETRY_URL", "")
	cfg.TelemetryAttempts, err = getEnvAsIntRequired("TELEMETRY_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TELEMETRY_ATTEMPTS: %v", err))
	} else if cfg.TelemetryAttempts <= 0 {
		errs = append(errs, "TELEMETRY_ATTEMPTS must be positive")
	}
	cfg.TelemetryRetryDelay = time.Duration(getEnvAsInt("TELEMETRY_RETRY_DELAY_MS", 1000)) * time.Millisecond

	// Status API
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// Binance
	cfg.BinanceAccount = getEnv("BINANCE_ACCOUNT", "")
	cfg.BinanceAPIKey = getEnv("BINANCE_API_KEY", "")
	cfg.BinanceSecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.BinanceRateLimit, err = getEnvAsFloatRequired("BINANCE_RATE_LIMIT", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BINANCE_RATE_LIMIT: %v", err))
	} else if cfg.BinanceRateLimit <= 0 {
		errs = append(errs, "BINANCE_RATE_LIMIT must be positive")
	}
	if cfg.BinanceAccount != "" && !cfg.DryRun {
		if cfg.BinanceAPIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set when BINANCE_ACCOUNT is used")
		}
		if cfg.BinanceSecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set when BINANCE_ACCOUNT is used")
		}
	}

	// Alpaca
	cfg.AlpacaAccount = getEnv("ALPACA_ACCOUNT", "")
	cfg.AlpacaAPIKey = getEnv("ALPACA_API_KEY", "")
	cfg.AlpacaSecretKey = getEnv("ALPACA_API_SECRET", "")
	cfg.AlpacaBaseURL = getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets")
	cfg.AlpacaPollEvery = time.Duration(getEnvAsInt("ALPACA_POLL_SECONDS", 2)) * time.Second
	if cfg.AlpacaPollEvery <= 0 {
		errs = append(errs, "ALPACA_POLL_SECONDS must be positive")
	}
	if cfg.AlpacaAccount != "" && !cfg.DryRun {
		if cfg.AlpacaAPIKey == "" || cfg.AlpacaSecretKey == "" {
			errs = append(errs, "ALPACA_API_KEY and ALPACA_API_SECRET must be set when ALPACA_ACCOUNT is used")
		}
	}
	if cfg.BinanceAccount != "" && cfg.BinanceAccount == cfg.AlpacaAccount {
		errs = append(errs, "BINANCE_ACCOUNT and ALPACA_ACCOUNT must differ")
	}

	// Paper
	cfg.PaperAccount = getEnv("PAPER_ACCOUNT", "PAPER")
	cfg.PaperUseOCO = getEnvAsBool("PAPER_USE_OCO", false)
	cfg.PaperCommission, err = getEnvAsFloatRequired("PAPER_COMMISSION", 0.65)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PAPER_COMMISSION: %v", err))
	} else if cfg.PaperCommission < 0 {
		errs = append(errs, "PAPER_COMMISSION cannot be negative")
	}
	cfg.PaperPrices, err = parsePrices(getEnv("PAPER_PRICES", ""))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PAPER_PRICES: %v", err))
	}

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

// parsePrices reads a comma separated list of SYMBOL=PRICE pairs.
func parsePrices(value string) (map[string]float64, error) {
	prices := make(map[string]float64)
	if strings.TrimSpace(value) == "" {
		return prices, nil
	}
	for _, pair := range strings.Split(value, ",") {
		symbol, priceStr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		symbol = strings.TrimSpace(symbol)
		if !ok || symbol == "" {
			return nil, fmt.Errorf("expected SYMBOL=PRICE, got '%s'", pair)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(priceStr), 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("invalid price '%s' for %s", priceStr, symbol)
		}
		prices[symbol] = price
	}
	return prices, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
