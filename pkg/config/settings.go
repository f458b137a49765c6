package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "CORPACTIONS"

type Settings struct {
	Database      DbSettings         `mapstructure:"database"`
	Broker        BrokerSettings     `mapstructure:"broker"`
	Engine        EngineSettings     `mapstructure:"engine"`
	Settlement    SettlementSettings `mapstructure:"settlement"`
	Server        ServerSettings     `mapstructure:"server"`
	Observability Observability      `mapstructure:"observability"`
	LogLevel      string             `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Settlement.Mode == "broker" && c.Broker.Type == "none" {
		return errors.New("settlement mode broker requires a broker type")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Settings) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// LoadFromFile reads corpactions.yaml from filePath (or the working directory),
// merges corpactions.<ENVIRONMENT>.yaml over it and finally applies
// CORPACTIONS_* environment variables. A missing file is not an error.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	setDefaults()
	viper.SetConfigType("yaml")
	viper.SetConfigName("corpactions")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Info("no config file found, relying on env", slog.String("path", filePath))
	}

	if err := mergeConfig(filePath, "corpactions."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	setDefaults()
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like CORPACTIONS_DATABASE_TYPE

	for _, key := range []string{
		"database.type",
		"database.dsn",
		"database.uri",
		"database.name",
		"database.collection",
		"broker.type",
		"broker.url",
		"broker.exchange",
		"broker.settlement_exchange",
		"broker.project_id",
		"broker.pool_size",
		"engine.workers",
		"engine.poll_interval",
		"engine.batch_size",
		"engine.max_retries",
		"engine.retry_backoff",
		"engine.max_backoff",
		"engine.claim_timeout",
		"settlement.mode",
		"settlement.failure_rate",
		"settlement.delay",
		"server.addr",
		"server.read_header_timeout",
		"server.shutdown_timeout",
		"server.cors_origins",
		"observability.enabled",
		"observability.service_name",
		"observability.tracing_url",
		"log_level",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func setDefaults() {
	viper.SetDefault("database.type", "memory")
	viper.SetDefault("database.name", "corporate_actions")
	viper.SetDefault("database.collection", "corporate_action_events")
	viper.SetDefault("broker.type", "none")
	viper.SetDefault("broker.exchange", "corporate-actions.status")
	viper.SetDefault("broker.settlement_exchange", "corporate-actions.settlement")
	viper.SetDefault("broker.pool_size", 5)
	viper.SetDefault("engine.workers", 4)
	viper.SetDefault("engine.poll_interval", time.Second)
	viper.SetDefault("engine.batch_size", 10)
	viper.SetDefault("engine.max_retries", 3)
	viper.SetDefault("engine.retry_backoff", time.Second)
	viper.SetDefault("engine.max_backoff", time.Minute)
	viper.SetDefault("engine.claim_timeout", 5*time.Minute)
	viper.SetDefault("settlement.mode", "simulated")
	viper.SetDefault("settlement.failure_rate", 0.05)
	viper.SetDefault("settlement.delay", 1500*time.Millisecond)
	viper.SetDefault("server.addr", ":8000")
	viper.SetDefault("server.read_header_timeout", 5*time.Second)
	viper.SetDefault("server.shutdown_timeout", 5*time.Second)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:8000"})
	viper.SetDefault("observability.service_name", "corporate-actions")
	viper.SetDefault("log_level", "info")
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
