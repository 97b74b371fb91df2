package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// SCHEMAFLOW_SERVER_ADDR=:8081.
const EnvPrefix = "SCHEMAFLOW"

// Settings is the engine process configuration.
type Settings struct {
	Server         ServerSettings         `mapstructure:"server"`
	Observability  ObservabilitySettings  `mapstructure:"observability"`
	Store          StoreSettings          `mapstructure:"store"`
	Metrics        MetricsSettings        `mapstructure:"metrics"`
	Redis          RedisSettings          `mapstructure:"redis"`
	SchemaRegistry SchemaRegistrySettings `mapstructure:"schema_registry"`
	Slack          SlackSettings          `mapstructure:"slack"`
	Vault          VaultSettings          `mapstructure:"vault"`
	Log            LogSettings            `mapstructure:"log"`
	Engine         EngineSettings         `mapstructure:"engine"`
}

type ServerSettings struct {
	Addr string `mapstructure:"addr"`
}

type ObservabilitySettings struct {
	Addr string `mapstructure:"addr"`
}

type StoreSettings struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

type MetricsSettings struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type SchemaRegistrySettings struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type SlackSettings struct {
	WebhookURL  string `mapstructure:"webhook_url"`
	Channel     string `mapstructure:"channel"`
	MinSeverity string `mapstructure:"min_severity"`
}

type VaultSettings struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json|console
}

type EngineSettings struct {
	DefaultPartitions int           `mapstructure:"default_partitions"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	PIISalt           string        `mapstructure:"pii_salt"`
	DefinitionsDir    string        `mapstructure:"definitions_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("observability.addr", ":9090")
	v.SetDefault("store.path", "./data")
	v.SetDefault("store.in_memory", false)
	v.SetDefault("metrics.interval", 60*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "schemaflow:schema-changes")
	v.SetDefault("schema_registry.url", "")
	v.SetDefault("schema_registry.username", "")
	v.SetDefault("schema_registry.password", "")
	v.SetDefault("slack.webhook_url", "")
	v.SetDefault("slack.channel", "")
	v.SetDefault("slack.min_severity", "warning")
	v.SetDefault("vault.addr", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.default_partitions", 4)
	v.SetDefault("engine.default_timeout", 30*time.Second)
	v.SetDefault("engine.stop_timeout", 30*time.Second)
	v.SetDefault("engine.pii_salt", "")
	v.SetDefault("engine.definitions_dir", "")
}

// LoadSettings reads settings from path (optional; when empty,
// schemaflow.yaml is looked up in ./ and ./config), then applies
// SCHEMAFLOW_* environment overrides on top of the defaults.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	} else {
		v.SetConfigName("schemaflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read settings: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the engine cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if s.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !s.Store.InMemory && s.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required unless store.in_memory is set"))
	}
	if s.Metrics.Interval <= 0 {
		errs = append(errs, errors.New("metrics.interval must be positive"))
	}
	if s.Engine.DefaultPartitions <= 0 || s.Engine.DefaultPartitions > maxPartitions {
		errs = append(errs, fmt.Errorf("engine.default_partitions must be between 1 and %d", maxPartitions))
	}
	if s.Engine.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("engine.default_timeout must be positive"))
	}
	switch s.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", s.Log.Format))
	}
	return errors.Join(errs...)
}
