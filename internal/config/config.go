package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all configuration for the mail sync service
type Config struct {
	Version  string
	LogLevel string
	HTTPAddr string

	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string

	AdminJWTSecret   string
	AdminJWKSURL     string
	OAuthStateSecret string
	OAuthRedirectURL string
	GraphBaseURL     string
	GmailBaseURL     string

	GlobalRPS float64
	TenantRPS float64

	SyncTick            time.Duration
	SyncBatchSize       int
	SyncConcurrency     int
	SyncBatchPause      time.Duration
	SyncRunTimeout      time.Duration
	SyncPageSize        int
	SyncLookback        time.Duration
	ProviderCallTimeout time.Duration
	ProcessedFolder     string
	SystemDomains       []string

	TokenRefreshEvery  time.Duration
	TokenRefreshWindow time.Duration

	BusinessTimezone string
	LocalCacheSize   int
	LocalCacheTTL    time.Duration

	// Bootstrap integration seeded by migrate when none exists
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenantID     string
	MicrosoftScope        string
}

var defaults = map[string]any{
	"version":                 "dev",
	"log_level":               "info",
	"http_addr":               ":8080",
	"database_driver":         "sqlite",
	"database_url":            "data/mailsync.db",
	"redis_url":               "",
	"nats_url":                "",
	"admin_jwt_secret":        "",
	"admin_jwks_url":          "",
	"oauth_state_secret":      "",
	"oauth_redirect_url":      "http://localhost:8080/oauth/callback",
	"graph_base_url":          "",
	"gmail_base_url":          "",
	"rate_limit_global_rps":   50.0,
	"rate_limit_tenant_rps":   10.0,
	"sync_tick":               "30s",
	"sync_batch_size":         5,
	"sync_concurrency":        3,
	"sync_batch_pause":        "500ms",
	"sync_run_timeout":        "60s",
	"sync_page_size":          50,
	"sync_lookback":           "72h",
	"provider_call_timeout":   "15s",
	"processed_folder":        "Helpdesk Processed",
	"system_domains":          "microsoftexchange",
	"token_refresh_every":     "3h",
	"token_refresh_window":    "10m",
	"business_timezone":       "America/New_York",
	"local_cache_size":        1000,
	"local_cache_ttl":         "5m",
	"microsoft_client_id":     "",
	"microsoft_client_secret": "",
	"microsoft_tenant_id":     "common",
	"microsoft_scope":         "offline_access Mail.Read Mail.ReadWrite Mail.Send User.Read",
}

// Load reads .env (when present), an optional config file and the process
// environment, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{
		Version:               v.GetString("version"),
		LogLevel:              v.GetString("log_level"),
		HTTPAddr:              v.GetString("http_addr"),
		DatabaseDriver:        v.GetString("database_driver"),
		DatabaseURL:           v.GetString("database_url"),
		RedisURL:              v.GetString("redis_url"),
		NATSURL:               v.GetString("nats_url"),
		AdminJWTSecret:        v.GetString("admin_jwt_secret"),
		AdminJWKSURL:          v.GetString("admin_jwks_url"),
		OAuthStateSecret:      v.GetString("oauth_state_secret"),
		OAuthRedirectURL:      v.GetString("oauth_redirect_url"),
		GraphBaseURL:          v.GetString("graph_base_url"),
		GmailBaseURL:          v.GetString("gmail_base_url"),
		GlobalRPS:             v.GetFloat64("rate_limit_global_rps"),
		TenantRPS:             v.GetFloat64("rate_limit_tenant_rps"),
		SyncTick:              v.GetDuration("sync_tick"),
		SyncBatchSize:         v.GetInt("sync_batch_size"),
		SyncConcurrency:       v.GetInt("sync_concurrency"),
		SyncBatchPause:        v.GetDuration("sync_batch_pause"),
		SyncRunTimeout:        v.GetDuration("sync_run_timeout"),
		SyncPageSize:          v.GetInt("sync_page_size"),
		SyncLookback:          v.GetDuration("sync_lookback"),
		ProviderCallTimeout:   v.GetDuration("provider_call_timeout"),
		ProcessedFolder:       v.GetString("processed_folder"),
		SystemDomains:         splitList(v.GetString("system_domains")),
		TokenRefreshEvery:     v.GetDuration("token_refresh_every"),
		TokenRefreshWindow:    v.GetDuration("token_refresh_window"),
		BusinessTimezone:      v.GetString("business_timezone"),
		LocalCacheSize:        v.GetInt("local_cache_size"),
		LocalCacheTTL:         v.GetDuration("local_cache_ttl"),
		MicrosoftClientID:     v.GetString("microsoft_client_id"),
		MicrosoftClientSecret: v.GetString("microsoft_client_secret"),
		MicrosoftTenantID:     v.GetString("microsoft_tenant_id"),
		MicrosoftScope:        v.GetString("microsoft_scope"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the service cannot run without
func (c *Config) Validate() error {
	if c.SyncTick <= 0 {
		return errors.New("sync_tick must be positive")
	}
	if c.SyncBatchSize <= 0 || c.SyncConcurrency <= 0 {
		return errors.New("sync batch size and concurrency must be positive")
	}
	if c.SyncPageSize <= 0 || c.SyncPageSize > 50 {
		return errors.New("sync_page_size must be between 1 and 50")
	}
	if c.TenantRPS <= 0 || c.GlobalRPS <= 0 {
		return errors.New("rate limits must be positive")
	}
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil {
		return fmt.Errorf("invalid business_timezone: %w", err)
	}
	return nil
}

// Location returns the business timezone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SetupLogger configures zerolog with JSON output
func (c *Config) SetupLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "mailsync").
		Str("version", c.Version).
		Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
