package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const maxPageSize = 1000

type Config struct {
	DatabaseURL        string
	GoogleClientID     string
	GoogleClientSecret string

	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
	MaxPagesPerTick   int
	MaxTicksPerPoll   int
	PageSize          int
	TokenExpiryBuffer time.Duration
	JobLease          time.Duration
	RequestsPerMinute int

	HTTPAddr  string
	LogLevel  string
	LogFormat string

	// Warnings collects non-fatal problems for the caller to log once a logger exists
	Warnings []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("POLL_INTERVAL", "10s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("MAX_PAGES_PER_TICK", 5)
	v.SetDefault("MAX_TICKS_PER_POLL", 10)
	v.SetDefault("PAGE_SIZE", 100)
	v.SetDefault("TOKEN_EXPIRY_BUFFER", "5m")
	v.SetDefault("JOB_LEASE", "2m")
	v.SetDefault("PEOPLE_REQUESTS_PER_MINUTE", 90)
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:        dbURL,
		GoogleClientID:     v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
		PollInterval:       v.GetDuration("POLL_INTERVAL"),
		ShutdownTimeout:    v.GetDuration("SHUTDOWN_TIMEOUT"),
		MaxPagesPerTick:    v.GetInt("MAX_PAGES_PER_TICK"),
		MaxTicksPerPoll:    v.GetInt("MAX_TICKS_PER_POLL"),
		PageSize:           v.GetInt("PAGE_SIZE"),
		TokenExpiryBuffer:  v.GetDuration("TOKEN_EXPIRY_BUFFER"),
		JobLease:           v.GetDuration("JOB_LEASE"),
		RequestsPerMinute:  v.GetInt("PEOPLE_REQUESTS_PER_MINUTE"),
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:          strings.ToLower(v.GetString("LOG_FORMAT")),
	}

	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, token refresh will not work")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.MaxPagesPerTick < 1 {
		return fmt.Errorf("MAX_PAGES_PER_TICK must be at least 1")
	}
	if c.MaxTicksPerPoll < 1 {
		return fmt.Errorf("MAX_TICKS_PER_POLL must be at least 1")
	}
	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fmt.Errorf("PAGE_SIZE must be between 1 and %d", maxPageSize)
	}
	if c.TokenExpiryBuffer < 0 {
		return fmt.Errorf("TOKEN_EXPIRY_BUFFER must not be negative")
	}
	if c.JobLease <= 0 {
		return fmt.Errorf("JOB_LEASE must be positive")
	}
	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("PEOPLE_REQUESTS_PER_MINUTE must be at least 1")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}
