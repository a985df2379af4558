package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "MCSS"
	defaultHTTPAddress   = "0.0.0.0:3000"
	defaultDatabasePath  = "mcss.db"
	defaultLogLevel      = "info"
	defaultWorkerCount   = 5
	defaultMaxAttempts   = 3
	defaultLookbackMin   = 60
	defaultLookaheadMin  = 24 * 60
	defaultCallTimeoutS  = 30
	defaultTokenTTLMin   = 30
	defaultGoogleAPIBase = "https://www.googleapis.com"
	defaultGoogleToken   = "https://oauth2.googleapis.com/token"
)

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	WorkerCount        int
	JobMaxAttempts     int
	LookbackWindow     time.Duration
	LookaheadWindow    time.Duration
	ProviderTimeout    time.Duration
	GoogleClientID     string
	GoogleClientSecret string
	GoogleAPIBaseURL   string
	GoogleTokenURL     string
	WebhookBaseURL     string
	AdminAPIKey        string
	AdminSigningSecret string
	AdminTokenTTL      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("queue.workers", defaultWorkerCount)
	configViper.SetDefault("queue.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("detector.lookback_minutes", defaultLookbackMin)
	configViper.SetDefault("detector.lookahead_minutes", defaultLookaheadMin)
	configViper.SetDefault("provider.timeout_seconds", defaultCallTimeoutS)
	configViper.SetDefault("google.api_base_url", defaultGoogleAPIBase)
	configViper.SetDefault("google.token_url", defaultGoogleToken)
	configViper.SetDefault("admin.token_ttl_minutes", defaultTokenTTLMin)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		WorkerCount:        configViper.GetInt("queue.workers"),
		JobMaxAttempts:     configViper.GetInt("queue.max_attempts"),
		LookbackWindow:     time.Duration(configViper.GetInt("detector.lookback_minutes")) * time.Minute,
		LookaheadWindow:    time.Duration(configViper.GetInt("detector.lookahead_minutes")) * time.Minute,
		ProviderTimeout:    time.Duration(configViper.GetInt("provider.timeout_seconds")) * time.Second,
		GoogleClientID:     configViper.GetString("google.client_id"),
		GoogleClientSecret: configViper.GetString("google.client_secret"),
		GoogleAPIBaseURL:   configViper.GetString("google.api_base_url"),
		GoogleTokenURL:     configViper.GetString("google.token_url"),
		WebhookBaseURL:     configViper.GetString("webhook.base_url"),
		AdminAPIKey:        configViper.GetString("admin.api_key"),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:      time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("queue.workers must be positive")
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	return nil
}
