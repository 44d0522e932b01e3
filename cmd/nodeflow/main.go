package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "nodeflow",
		Usage: "Workflow orchestration server: validation, execution and scheduling",
		Commands: []*cli.Command{
			serveCommand(),
			validateCommand(),
			migrateCommand(),
			{
				Name:  "version",
				Usage: "Print the build version",
				Action: func(_ context.Context, cmd *cli.Command) error {
					printVersion(cmd.Root().Writer)
					return nil
				},
			},
		},
	}
}

func serveCommand() *cli.Command {
	flags := append(configFlags(),
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Worker pool size for execution jobs",
			Sources: cli.EnvVars("NODEFLOW_WORKERS"),
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "Prometheus listen address (empty disables the endpoint)",
			Sources: cli.EnvVars("NODEFLOW_METRICS_ADDR"),
		},
		&cli.StringFlag{
			Name:    "otlp-endpoint",
			Usage:   "OTLP/HTTP trace collector endpoint (empty disables tracing)",
			Sources: cli.EnvVars("NODEFLOW_OTLP_ENDPOINT"),
		},
		&cli.BoolFlag{
			Name:    "otlp-insecure",
			Usage:   "Send traces without TLS",
			Sources: cli.EnvVars("NODEFLOW_OTLP_INSECURE"),
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address for the distributed schedule fire lock",
			Sources: cli.EnvVars("NODEFLOW_REDIS_ADDR"),
		},
		&cli.StringFlag{
			Name:    "queue-driver",
			Usage:   "Dispatch queue transport (memory, kafka)",
			Sources: cli.EnvVars("NODEFLOW_QUEUE_DRIVER"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers for the kafka queue driver",
			Sources: cli.EnvVars("NODEFLOW_KAFKA_BROKERS"),
		},
		&cli.DurationFlag{
			Name:    "execution-timeout",
			Usage:   "Mark running executions older than this as timed out (0 disables)",
			Sources: cli.EnvVars("NODEFLOW_EXECUTION_TIMEOUT"),
		},
		&cli.BoolFlag{
			Name:  "mcp",
			Usage: "Serve MCP tools over stdio",
		},
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the engine, workers and scheduler",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, cmd.Bool("mcp"))
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a workflow graph file (JSON or YAML)",
		ArgsUsage: "<file>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("validate: missing graph file")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			res, err := validateGraphFile(data)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.Root().Writer)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Valid() {
				return cli.Exit("workflow graph is invalid", 2)
			}
			return nil
		},
	}
}

// validateGraphFile runs full validation on a graph document.
// JSON is valid YAML, so one decoder serves both formats.
func validateGraphFile(data []byte) (*schema.GraphResult, error) {
	var g schema.WorkflowGraph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	registry, err := nodes.NewBuiltinRegistry()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	v, err := validation.NewWorkflowValidator(registry, cel)
	if err != nil {
		return nil, err
	}
	return v.Validate(g), nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations and exit",
		Flags: append(configFlags(), &cli.BoolFlag{
			Name:  "vacuum",
			Usage: "Run VACUUM after migrating",
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			s, err := store.NewLibSQLStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()
			if err := s.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			v, err := s.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			logger.Info("database migrated", "db", cfg.DBPath, "schema_version", v)

			if cmd.Bool("vacuum") {
				if err := s.Vacuum(ctx); err != nil {
					return fmt.Errorf("vacuum: %w", err)
				}
				logger.Info("database vacuumed")
			}
			return nil
		},
	}
}
