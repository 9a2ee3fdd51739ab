package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the process. Trading
// parameters live in the strategy YAML named by StrategyConfig.
type Config struct {
	Port     string
	GRPCPort string

	// Market data
	UseMockFeed    bool
	BinanceTestnet bool
	MockSeed       int64

	// Strategy parameters file
	StrategyConfig string

	// Database
	DBPath string

	// Paper venue
	PaperInitialEquity float64
	PaperSlippageBps   float64
	PaperDigits        int
	PaperContractSize  float64

	// Operator auth
	JWTSecret         string
	AdminUser         string
	AdminPassword     string // hashed at startup unless AdminPasswordHash is set
	AdminPasswordHash string

	LogLevel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		GRPCPort:           getEnv("GRPC_PORT", "9090"),
		UseMockFeed:        getEnv("USE_MOCK_FEED", "true") == "true",
		BinanceTestnet:     getEnv("BINANCE_TESTNET", "false") == "true",
		MockSeed:           int64(getEnvInt("MOCK_SEED", 1)),
		StrategyConfig:     getEnv("STRATEGY_CONFIG", "./strategy.yaml"),
		DBPath:             getEnv("DB_PATH", "./data/trend.db"),
		PaperInitialEquity: getEnvFloat("PAPER_INITIAL_EQUITY", 10000),
		PaperSlippageBps:   getEnvFloat("PAPER_SLIPPAGE_BPS", 0.5),
		PaperDigits:        getEnvInt("PAPER_DIGITS", 5),
		PaperContractSize:  getEnvFloat("PAPER_CONTRACT_SIZE", 100000),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		AdminUser:          getEnv("ADMIN_USER", "admin"),
		AdminPassword:      os.Getenv("ADMIN_PASSWORD"),
		AdminPasswordHash:  os.Getenv("ADMIN_PASSWORD_HASH"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("DB_PATH must not be empty"))
	}
	if c.PaperInitialEquity <= 0 {
		errs = append(errs, errors.New("PAPER_INITIAL_EQUITY must be positive"))
	}
	if c.PaperSlippageBps < 0 {
		errs = append(errs, errors.New("PAPER_SLIPPAGE_BPS must not be negative"))
	}
	if c.PaperDigits < 0 || c.PaperDigits > 10 {
		errs = append(errs, errors.New("PAPER_DIGITS must be between 0 and 10"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
