package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/vasledger/internal/config"
)

const (
	envPrefix = "VASD"

	flagConfigFile     = "config"
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagLogLevel       = "log-level"
	flagLogDevelopment = "log-development"

	configKeyDatabaseURL      = "database_url"
	configKeyListenAddr       = "listen_addr"
	configKeyAllowedOrigins   = "allowed_origins"
	configKeyReservationTTL   = "reservation_ttl"
	configKeyHistoryLimit     = "history_limit"
	configKeyLogLevel         = "log_level"
	configKeyLogDevelopment   = "log_development"
	configKeyProviderBaseURL  = "provider.base_url"
	configKeyProviderAPIKey   = "provider.api_key"
	configKeyProviderTimeout  = "provider.timeout"
	configKeyMarkupAirtime    = "markups.airtime"
	configKeyMarkupData       = "markups.data"
	configKeyMarkupCable      = "markups.cable"
	configKeyMarkupElectric   = "markups.electricity"
	configKeyReconcileEvery   = "reconcile.interval"
	configKeyReconcileGrace   = "reconcile.grace"
	configKeySubmittedGrace   = "reconcile.submitted_grace"
	configKeyReconcileMax     = "reconcile.max_attempts"
	configKeyReconcileWorkers = "reconcile.concurrency"
	configKeyReconcileBatch   = "reconcile.batch_size"
	configKeyTelegramToken    = "telegram.token"
	configKeyTelegramPoll     = "telegram.poll_timeout"
	configKeyTelegramWorkers  = "telegram.workers"
	configKeyTelegramFund     = "telegram.allow_fund"
	configKeyTelegramDebug    = "telegram.debug"
)

// legacyEnv keeps the variable names used by existing bot deployments.
var legacyEnv = map[string]string{
	configKeyDatabaseURL:     "DATABASE_URL",
	configKeyProviderAPIKey:  "CDH_API_KEY",
	configKeyProviderBaseURL: "BASE_URL",
	configKeyTelegramToken:   "BOT_TOKEN",
}

type runtimeConfig struct {
	config.Config
	LogLevel       string
	LogDevelopment bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vasd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "vasd",
		Short:         "Prepaid wallet and value-added service purchases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
	}

	cmd.PersistentFlags().String(flagConfigFile, "", "optional YAML config file")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "PostgreSQL URL or SQLite path")
	cmd.PersistentFlags().String(flagLogLevel, "info", "log level")
	cmd.PersistentFlags().Bool(flagLogDevelopment, false, "human readable logs")

	cmd.AddCommand(
		newServeCommand(cfg),
		newReconcileCommand(cfg),
		newAuditCommand(cfg),
		newUnfreezeCommand(cfg),
		newResolveCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	settings.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envName := envPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if err := settings.BindEnv(key, envName, legacy); err != nil {
			return err
		}
	}

	if configFile, _ := cmd.Flags().GetString(flagConfigFile); configFile != "" {
		settings.SetConfigFile(configFile)
		if err := settings.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	for key, flag := range map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyLogLevel:       flagLogLevel,
		configKeyLogDevelopment: flagLogDevelopment,
		configKeyListenAddr:     flagListenAddr,
	} {
		if lookup := cmd.Flags().Lookup(flag); lookup != nil {
			if err := settings.BindPFlag(key, lookup); err != nil {
				return err
			}
		}
	}

	cfg.Config = config.Config{
		DatabaseURL:    settings.GetString(configKeyDatabaseURL),
		ListenAddr:     settings.GetString(configKeyListenAddr),
		AllowedOrigins: config.ParseAllowedOrigins(settings.GetString(configKeyAllowedOrigins)),
		ReservationTTL: settings.GetDuration(configKeyReservationTTL),
		HistoryLimit:   settings.GetInt(configKeyHistoryLimit),
		Provider: config.ProviderConfig{
			BaseURL: settings.GetString(configKeyProviderBaseURL),
			APIKey:  settings.GetString(configKeyProviderAPIKey),
			Timeout: settings.GetDuration(configKeyProviderTimeout),
		},
		Markups: config.MarkupConfig{
			Airtime:     settings.GetInt64(configKeyMarkupAirtime),
			Data:        settings.GetInt64(configKeyMarkupData),
			Cable:       settings.GetInt64(configKeyMarkupCable),
			Electricity: settings.GetInt64(configKeyMarkupElectric),
		},
		Reconcile: config.ReconcileConfig{
			Interval:       settings.GetDuration(configKeyReconcileEvery),
			Grace:          settings.GetDuration(configKeyReconcileGrace),
			SubmittedGrace: settings.GetDuration(configKeySubmittedGrace),
			MaxAttempts:    settings.GetInt(configKeyReconcileMax),
			Concurrency:    settings.GetInt(configKeyReconcileWorkers),
			BatchSize:      settings.GetInt(configKeyReconcileBatch),
		},
		Telegram: config.TelegramConfig{
			Token:       settings.GetString(configKeyTelegramToken),
			PollTimeout: settings.GetInt(configKeyTelegramPoll),
			Workers:     settings.GetInt(configKeyTelegramWorkers),
			AllowFund:   settings.GetBool(configKeyTelegramFund),
			Debug:       settings.GetBool(configKeyTelegramDebug),
		},
	}
	cfg.LogLevel = settings.GetString(configKeyLogLevel)
	cfg.LogDevelopment = settings.GetBool(configKeyLogDevelopment)
	return cfg.Validate()
}
