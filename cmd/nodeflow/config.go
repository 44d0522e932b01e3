package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/queue"
	"github.com/rendis/nodeflow/internal/scheduler"
)

// Config holds all nodeflow server configuration.
// Priority: flags and env vars > settings file > defaults.
type Config struct {
	DBPath    string `yaml:"db_path" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`
	Workers   int    `yaml:"workers" validate:"gte=1"`

	MetricsAddr  string `yaml:"metrics_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// RedisAddr enables the distributed schedule fire lock.
	RedisAddr string `yaml:"redis_addr" validate:"omitempty,hostname_port"`

	// ExecutionTimeout marks running executions older than this as timed out. Zero disables it.
	ExecutionTimeout time.Duration `yaml:"execution_timeout" validate:"gte=0"`
	// LogRetention deletes execution logs older than this. Zero keeps logs forever.
	LogRetention time.Duration `yaml:"log_retention" validate:"gte=0"`

	Engine    engine.Config               `yaml:"engine"`
	Queue     queue.Config                `yaml:"queue"`
	Scheduler scheduler.Config            `yaml:"scheduler"`
	Breaker   engine.CircuitBreakerConfig `yaml:"breaker"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           "file:" + filepath.Join(nodeflowDir(), "nodeflow.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		Workers:          10,
		MetricsAddr:      ":9464",
		ExecutionTimeout: time.Hour,
		LogRetention:     30 * 24 * time.Hour,
		Engine:           engine.DefaultConfig(),
		Queue:            queue.DefaultConfig(),
		Scheduler:        scheduler.DefaultConfig(),
		Breaker:          engine.DefaultCircuitBreakerConfig(),
	}
}

func nodeflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func defaultSettingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.yaml")
}

// configFlags are shared by every command that opens the store.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to the YAML settings file",
			Value:   defaultSettingsPath(),
			Sources: cli.EnvVars("NODEFLOW_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "db-path",
			Usage:   "libSQL database URL (file:/path/to/nodeflow.db)",
			Sources: cli.EnvVars("NODEFLOW_DB_PATH"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.EnvVars("NODEFLOW_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Sources: cli.EnvVars("NODEFLOW_LOG_FORMAT"),
		},
	}
}

// loadConfig layers defaults, the settings file and explicitly set flags.
func loadConfig(cmd *cli.Command) (Config, error) {
	cfg := defaultConfig()

	path := cmd.String("config")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !cmd.IsSet("config"):
		// The default settings file is optional.
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyFlags(cmd, &cfg)
	return cfg, validateConfig(cfg)
}

func applyFlags(cmd *cli.Command, cfg *Config) {
	setString := func(flag string, dst *string) {
		if cmd.IsSet(flag) {
			*dst = cmd.String(flag)
		}
	}
	setString("db-path", &cfg.DBPath)
	setString("log-level", &cfg.LogLevel)
	setString("log-format", &cfg.LogFormat)
	setString("metrics-addr", &cfg.MetricsAddr)
	setString("otlp-endpoint", &cfg.OTLPEndpoint)
	setString("redis-addr", &cfg.RedisAddr)
	setString("queue-driver", &cfg.Queue.Driver)

	if cmd.IsSet("workers") {
		cfg.Workers = int(cmd.Int("workers"))
	}
	if cmd.IsSet("otlp-insecure") {
		cfg.OTLPInsecure = cmd.Bool("otlp-insecure")
	}
	if cmd.IsSet("kafka-brokers") {
		cfg.Queue.Brokers = cmd.StringSlice("kafka-brokers")
	}
	if cmd.IsSet("execution-timeout") {
		cfg.ExecutionTimeout = cmd.Duration("execution-timeout")
	}
}

func validateConfig(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return nil
}
