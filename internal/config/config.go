// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// SchedulerMode sets the cadence of full evaluation cycles.
type SchedulerMode string

const (
	ModeAggressive   SchedulerMode = "aggressive"
	ModeBalanced     SchedulerMode = "balanced"
	ModeConservative SchedulerMode = "conservative"
)

// CycleInterval returns the full-cycle cadence for the mode.
func (m SchedulerMode) CycleInterval() time.Duration {
	switch m {
	case ModeAggressive:
		return time.Second
	case ModeBalanced:
		return 5 * time.Second
	case ModeConservative:
		return 10 * time.Second
	default:
		return 0
	}
}

// ProviderConfig holds market-data provider credentials and limits.
type ProviderConfig struct {
	PolygonKey    string
	TwelveDataKey string
	WebsocketURL  string // streaming endpoint; empty disables the websocket provider
	RateLimitRPM  int    // token bucket size per provider, requests per minute
}

// BackupConfig holds S3-compatible backup settings. Backups are disabled
// unless Bucket is set.
type BackupConfig struct {
	Bucket          string
	Endpoint        string // custom endpoint for S3-compatible stores, empty for AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// TradingHours bounds the engine-local window in which bot signals execute.
type TradingHours struct {
	Start string // "HH:MM", empty = no bound
	End   string
}

// Config holds application configuration
type Config struct {
	DataDir        string // base directory for all databases, always absolute
	Port           int
	LogLevel       string
	LogPretty      bool
	DevMode        bool // simulated provider, relaxed validation
	Mode           SchedulerMode
	AutoExecute    bool // false: signals are logged but no orders are placed
	WorkerPoolSize int  // 0 = cores x 2

	DailyLossLimit    decimal.Decimal
	TargetDailyProfit decimal.Decimal
	MaxPositions      int
	MaxPositionSize   float64
	RiskPerTrade      float64
	FeeBps            int
	PlatformFeePct    float64

	TradingHours TradingHours
	Providers    ProviderConfig
	Backup       BackupConfig

	SnapshotInterval time.Duration // knowledge-base snapshot cadence
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRADECORE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:        absDataDir,
		Port:           getEnvAsInt("PORT", 8001),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogPretty:      getEnvAsBool("LOG_PRETTY", false),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		Mode:           SchedulerMode(getEnv("TRADECORE_MODE", string(ModeBalanced))),
		AutoExecute:    getEnvAsBool("AUTO_EXECUTE", true),
		WorkerPoolSize: getEnvAsInt("WORKER_POOL_SIZE", 0),

		DailyLossLimit:    getEnvAsDecimal("DAILY_LOSS_LIMIT", decimal.NewFromInt(500)),
		TargetDailyProfit: getEnvAsDecimal("TARGET_DAILY_PROFIT", decimal.Zero),
		MaxPositions:      getEnvAsInt("MAX_POSITIONS", 10),
		MaxPositionSize:   getEnvAsFloat("MAX_POSITION_SIZE", 10000),
		RiskPerTrade:      getEnvAsFloat("RISK_PER_TRADE", 0.02),
		FeeBps:            getEnvAsInt("FEE_BPS", 10),
		PlatformFeePct:    getEnvAsFloat("PLATFORM_FEE_PCT", 10),

		TradingHours: TradingHours{
			Start: getEnv("TRADING_HOURS_START", ""),
			End:   getEnv("TRADING_HOURS_END", ""),
		},
		Providers: ProviderConfig{
			PolygonKey:    getEnv("POLYGON_API_KEY", ""),
			TwelveDataKey: getEnv("TWELVEDATA_API_KEY", ""),
			WebsocketURL:  getEnv("PROVIDER_WS_URL", ""),
			RateLimitRPM:  getEnvAsInt("PROVIDER_RATE_LIMIT_RPM", 60),
		},
		Backup: BackupConfig{
			Bucket:          getEnv("S3_BACKUP_BUCKET", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "auto"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("S3_RETENTION_DAYS", 30),
		},

		SnapshotInterval: time.Duration(getEnvAsInt("SNAPSHOT_INTERVAL_MINUTES", 15)) * time.Minute,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Workers resolves the effective worker pool size.
func (c *Config) Workers() int {
	if c.WorkerPoolSize > 0 {
		return c.WorkerPoolSize
	}
	return runtime.NumCPU() * 2
}

// FeeRate converts FeeBps to a multiplier (10 bps -> 0.001).
func (c *Config) FeeRate() decimal.Decimal {
	return decimal.NewFromInt(int64(c.FeeBps)).Div(decimal.NewFromInt(10000))
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Mode.CycleInterval() == 0 {
		return fmt.Errorf("invalid TRADECORE_MODE %q: must be aggressive, balanced or conservative", c.Mode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.FeeBps < 0 {
		return fmt.Errorf("FEE_BPS must not be negative, got %d", c.FeeBps)
	}
	if c.PlatformFeePct < 0 || c.PlatformFeePct > 100 {
		return fmt.Errorf("PLATFORM_FEE_PCT must be within [0,100], got %v", c.PlatformFeePct)
	}
	if c.RiskPerTrade <= 0 || c.RiskPerTrade > 1 {
		return fmt.Errorf("RISK_PER_TRADE must be within (0,1], got %v", c.RiskPerTrade)
	}
	if c.DailyLossLimit.IsNegative() {
		return fmt.Errorf("DAILY_LOSS_LIMIT must not be negative, got %s", c.DailyLossLimit)
	}
	for _, bound := range []string{c.TradingHours.Start, c.TradingHours.End} {
		if bound == "" {
			continue
		}
		if _, err := time.Parse("15:04", bound); err != nil {
			return fmt.Errorf("invalid trading hours bound %q: %w", bound, err)
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
