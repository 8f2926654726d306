package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Identifier policies for rows missing org_id or user_id.
const (
	IdentifierPolicyStrict  = "strict"
	IdentifierPolicyLenient = "lenient"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Views    ViewsConfig    `yaml:"views" mapstructure:"views"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres connection pool.
type StoreConfig struct {
	DatabaseURL     string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns        int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns        int32  `yaml:"min_conns" mapstructure:"min_conns"`
	ConnectAttempts int    `yaml:"connect_attempts" mapstructure:"connect_attempts"`
}

// PipelineConfig configures extraction, transformation and loading.
type PipelineConfig struct {
	Source           string `yaml:"source" mapstructure:"source"`
	Table            string `yaml:"table" mapstructure:"table"`
	IdentifierPolicy string `yaml:"identifier_policy" mapstructure:"identifier_policy"`
	Sheet            string `yaml:"sheet" mapstructure:"sheet"`
}

// ViewsConfig configures the derived view layer.
type ViewsConfig struct {
	SparseThreshold int64         `yaml:"sparse_threshold" mapstructure:"sparse_threshold"`
	SampleSize      int           `yaml:"sample_size" mapstructure:"sample_size"`
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	AtRiskDays      int           `yaml:"at_risk_days" mapstructure:"at_risk_days"`
}

// MetricsConfig configures Prometheus metric export for batch runs.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CREDITS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.connect_attempts", 3)
	v.SetDefault("pipeline.source", "data/test_data.csv")
	v.SetDefault("pipeline.table", "user_actions")
	v.SetDefault("pipeline.identifier_policy", IdentifierPolicyStrict)
	v.SetDefault("pipeline.sheet", "")
	v.SetDefault("views.sparse_threshold", 10)
	v.SetDefault("views.sample_size", 10)
	v.SetDefault("views.refresh_interval", "15m")
	v.SetDefault("views.at_risk_days", 30)
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command mode
// ("pipeline", "views" or "migrate").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "pipeline":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validatePipeline()...)
		errs = append(errs, c.validateViews()...)
	case "views":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateViews()...)
		if c.Pipeline.Table == "" {
			errs = append(errs, "pipeline.table is required")
		}
	case "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Store.MaxConns < 0 || c.Store.MinConns < 0 {
		errs = append(errs, "store.max_conns and store.min_conns must not be negative")
	}
	if c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns {
		errs = append(errs, "store.min_conns must not exceed store.max_conns")
	}
	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string
	if c.Pipeline.Source == "" {
		errs = append(errs, "pipeline.source is required")
	}
	if c.Pipeline.Table == "" {
		errs = append(errs, "pipeline.table is required")
	}
	switch c.Pipeline.IdentifierPolicy {
	case IdentifierPolicyStrict, IdentifierPolicyLenient:
	default:
		errs = append(errs, "pipeline.identifier_policy must be strict or lenient")
	}
	return errs
}

func (c *Config) validateViews() []string {
	var errs []string
	if c.Views.SparseThreshold < 0 {
		errs = append(errs, "views.sparse_threshold must not be negative")
	}
	if c.Views.SampleSize < 0 {
		errs = append(errs, "views.sample_size must not be negative")
	}
	if c.Views.AtRiskDays <= 0 {
		errs = append(errs, "views.at_risk_days must be positive")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
