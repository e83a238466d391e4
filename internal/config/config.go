package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/vasledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

const (
	defaultDatabaseURL      = "sqlite:///tmp/vasledger.db"
	defaultListenAddr       = ":8080"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultProviderBaseURL  = "https://www.cheapdatahub.ng/api/v1"
	defaultProviderTimeout  = 20 * time.Second
	defaultReservationTTL   = 15 * time.Minute
	defaultReconcileEvery   = 30 * time.Second
	defaultReconcileGrace   = time.Minute
	defaultReconcileBatch   = 100
	defaultReconcileWorkers = 4
	defaultReconcileMax     = 10
	defaultTelegramPoll     = 60
	defaultTelegramWorkers  = 8
	defaultHistoryLimit     = 10

	defaultAirtimeMarkup     int64 = 5000
	defaultDataMarkup        int64 = 5000
	defaultCableMarkup       int64 = 10000
	defaultElectricityMarkup int64 = 5000
)

// Config aggregates runtime settings for vasd.
type Config struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins []string
	ReservationTTL time.Duration
	HistoryLimit   int

	Provider  ProviderConfig
	Markups   MarkupConfig
	Reconcile ReconcileConfig
	Telegram  TelegramConfig
}

// ProviderConfig locates the upstream VAS provider.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// MarkupConfig holds the flat markup per service in kobo.
type MarkupConfig struct {
	Airtime     int64
	Data        int64
	Cable       int64
	Electricity int64
}

// ReconcileConfig tunes the background reconciler. A zero SubmittedGrace is
// derived from the provider timeout.
type ReconcileConfig struct {
	Interval       time.Duration
	Grace          time.Duration
	SubmittedGrace time.Duration
	MaxAttempts    int
	Concurrency    int
	BatchSize      int
}

// TelegramConfig enables the bot front end when Token is set.
type TelegramConfig struct {
	Token       string
	PollTimeout int
	Workers     int
	AllowFund   bool
	Debug       bool
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.ReservationTTL == 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	cfg.Provider.BaseURL = defaultIfEmpty(cfg.Provider.BaseURL, defaultProviderBaseURL)
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = defaultProviderTimeout
	}

	if cfg.Markups == (MarkupConfig{}) {
		cfg.Markups = MarkupConfig{
			Airtime:     defaultAirtimeMarkup,
			Data:        defaultDataMarkup,
			Cable:       defaultCableMarkup,
			Electricity: defaultElectricityMarkup,
		}
	}

	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = defaultReconcileEvery
	}
	if cfg.Reconcile.Grace == 0 {
		cfg.Reconcile.Grace = defaultReconcileGrace
	}
	if cfg.Reconcile.SubmittedGrace == 0 {
		cfg.Reconcile.SubmittedGrace = 2 * cfg.Provider.Timeout
	}
	if cfg.Reconcile.MaxAttempts == 0 {
		cfg.Reconcile.MaxAttempts = defaultReconcileMax
	}
	if cfg.Reconcile.Concurrency == 0 {
		cfg.Reconcile.Concurrency = defaultReconcileWorkers
	}
	if cfg.Reconcile.BatchSize == 0 {
		cfg.Reconcile.BatchSize = defaultReconcileBatch
	}
	if cfg.Telegram.PollTimeout == 0 {
		cfg.Telegram.PollTimeout = defaultTelegramPoll
	}
	if cfg.Telegram.Workers == 0 {
		cfg.Telegram.Workers = defaultTelegramWorkers
	}

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.ReservationTTL < 0 {
		return fmt.Errorf("reservation ttl must be positive")
	}
	if cfg.HistoryLimit < 0 {
		return fmt.Errorf("history limit must be positive")
	}
	parsed, err := url.Parse(cfg.Provider.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("provider base url %q is invalid", cfg.Provider.BaseURL)
	}
	if cfg.Provider.Timeout < 0 {
		return fmt.Errorf("provider timeout must be positive")
	}
	for name, markup := range map[string]int64{
		"airtime":     cfg.Markups.Airtime,
		"data":        cfg.Markups.Data,
		"cable":       cfg.Markups.Cable,
		"electricity": cfg.Markups.Electricity,
	} {
		if markup < 0 {
			return fmt.Errorf("%s markup must not be negative", name)
		}
	}
	if cfg.Reconcile.Interval < 0 || cfg.Reconcile.Grace < 0 {
		return fmt.Errorf("reconcile interval and grace must be positive")
	}
	if cfg.Reconcile.SubmittedGrace <= cfg.Provider.Timeout {
		return fmt.Errorf("reconcile submitted grace %s must exceed the provider timeout %s",
			cfg.Reconcile.SubmittedGrace, cfg.Provider.Timeout)
	}
	if cfg.Reconcile.MaxAttempts < 0 || cfg.Reconcile.Concurrency < 0 || cfg.Reconcile.BatchSize < 0 {
		return fmt.Errorf("reconcile attempts, concurrency and batch size must be positive")
	}
	if cfg.Telegram.PollTimeout < 0 || cfg.Telegram.Workers < 0 {
		return fmt.Errorf("telegram poll timeout and workers must be positive")
	}
	return nil
}

// RequireProvider reports whether the provider credentials are present.
// Commands that never reach the provider skip this check.
func (cfg *Config) RequireProvider() error {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return fmt.Errorf("provider api key is required")
	}
	return nil
}

// PricingMarkups converts the markup settings for the pricing engine.
func (cfg *Config) PricingMarkups() pricing.Markups {
	return pricing.Markups{
		vas.ServiceAirtime:     cfg.Markups.Airtime,
		vas.ServiceData:        cfg.Markups.Data,
		vas.ServiceCable:       cfg.Markups.Cable,
		vas.ServiceElectricity: cfg.Markups.Electricity,
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
