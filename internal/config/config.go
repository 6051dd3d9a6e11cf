package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	JWTSecret string
	TokenTTL  time.Duration

	RedisURL  string
	RedisPass string
	RedisDB   int

	// DatabasePath selects the SQLite store. Empty keeps everything in memory.
	DatabasePath string
	PolicyFile   string
	SeedVaultKey string

	RoundTimeout    time.Duration
	SweepInterval   time.Duration
	StartingBalance int64
	BetRateLimit    int
	ActionRateLimit int
	// FlightTick paces live crash multiplier updates. Zero turns them off.
	FlightTick time.Duration
}

// Load reads the environment. Call godotenv.Load first to pick up a .env file.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("ENV", "development"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		RedisURL:     os.Getenv("REDIS_URL"),
		RedisPass:    os.Getenv("REDIS_PASSWORD"),
		DatabasePath: os.Getenv("DATABASE_PATH"),
		PolicyFile:   os.Getenv("POLICY_FILE"),
		SeedVaultKey: os.Getenv("SEED_VAULT_KEY"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RoundTimeout, err = getDuration("ROUND_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	balance, err := getInt("STARTING_BALANCE", 10000) // $100.00 in cents
	if err != nil {
		return nil, err
	}
	cfg.StartingBalance = int64(balance)
	if cfg.BetRateLimit, err = getInt("BET_RATE_LIMIT", 30); err != nil {
		return nil, err
	}
	if cfg.ActionRateLimit, err = getInt("ACTION_RATE_LIMIT", 120); err != nil {
		return nil, err
	}
	if cfg.FlightTick, err = getDuration("FLIGHT_TICK", 100*time.Millisecond); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if c.IsProduction() {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		c.JWTSecret = "dev-secret-change-me"
	}
	if c.IsProduction() && c.SeedVaultKey == "" {
		return fmt.Errorf("SEED_VAULT_KEY is required in production")
	}
	if c.RoundTimeout <= 0 {
		return fmt.Errorf("ROUND_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.FlightTick < 0 {
		return fmt.Errorf("FLIGHT_TICK must not be negative")
	}
	if c.StartingBalance < 0 {
		return fmt.Errorf("STARTING_BALANCE must not be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
