package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

// isolate points HOME at a temp dir and clears NODEFLOW_* env vars.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(k, "NODEFLOW_") {
			t.Setenv(k, "")
			require.NoError(t, os.Unsetenv(k))
		}
	}
	return home
}

func runLoad(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var (
		cfg     Config
		loadErr error
	)
	cmd := &cli.Command{
		Name:  "test",
		Flags: serveCommand().Flags,
		Action: func(_ context.Context, c *cli.Command) error {
			cfg, loadErr = loadConfig(c)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"test"}, args...)))
	return cfg, loadErr
}

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := runLoad(t)
	require.NoError(t, err)

	assert.Equal(t, "file:"+filepath.Join(home, ".nodeflow", "nodeflow.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, time.Hour, cfg.ExecutionTimeout)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Engine.Job.Attempts)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	isolate(t)
	path := writeSettings(t, `
workers: 4
log_format: json
execution_timeout: 90s
redis_addr: localhost:6379
queue:
  driver: kafka
  brokers: ["broker-1:9092"]
scheduler:
  timezone: Europe/Madrid
breaker:
  failure_threshold: 2
`)

	cfg, err := runLoad(t, "--config", path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 90*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "kafka", cfg.Queue.Driver)
	assert.Equal(t, []string{"broker-1:9092"}, cfg.Queue.Brokers)
	assert.Equal(t, "Europe/Madrid", cfg.Scheduler.Timezone)
	assert.Equal(t, 2, cfg.Breaker.FailureThreshold)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, "nodeflow-workers", cfg.Queue.ConsumerGroup)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	isolate(t)
	path := writeSettings(t, "workers: 4\nlog_level: warn\n")

	cfg, err := runLoad(t, "--config", path, "--workers", "8", "--log-level", "debug")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_EnvVars(t *testing.T) {
	isolate(t)
	t.Setenv("NODEFLOW_WORKERS", "3")
	t.Setenv("NODEFLOW_DB_PATH", "file:/tmp/env.db")

	cfg, err := runLoad(t)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "file:/tmp/env.db", cfg.DBPath)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	isolate(t)

	_, err := runLoad(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.yaml")
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	isolate(t)
	path := writeSettings(t, "workers: [oops\n")

	_, err := runLoad(t, "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		args []string
		want string
	}{
		{name: "log level", args: []string{"--log-level", "verbose"}, want: "LogLevel"},
		{name: "workers", args: []string{"--workers", "0"}, want: "Workers"},
		{name: "kafka without brokers", args: []string{"--queue-driver", "kafka"}, want: "Brokers"},
		{name: "unknown driver", args: []string{"--queue-driver", "nats"}, want: "Driver"},
		{name: "timezone", body: "scheduler:\n  timezone: Mars/Olympus\n", want: "Timezone"},
		{name: "breaker threshold", body: "breaker:\n  failure_threshold: 0\n", want: "FailureThreshold"},
		{name: "redis addr", args: []string{"--redis-addr", "no-port"}, want: "RedisAddr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			args := tt.args
			if tt.body != "" {
				args = append([]string{"--config", writeSettings(t, tt.body)}, args...)
			}
			_, err := runLoad(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf

	require.NoError(t, app.Run(context.Background(), []string{"nodeflow", "version"}))
	assert.Equal(t, "dev\n", buf.String())
}

func TestValidateGraphFile(t *testing.T) {
	t.Run("valid json", func(t *testing.T) {
		res, err := validateGraphFile([]byte(`{
			"nodes": [
				{"id": "t", "type": "trigger", "enabled": true},
				{"id": "n", "type": "noop", "enabled": true}
			],
			"connections": [{"source_node_id": "t", "target_node_id": "n"}]
		}`))
		require.NoError(t, err)
		assert.True(t, res.Valid())
	})

	t.Run("cycle in yaml", func(t *testing.T) {
		res, err := validateGraphFile([]byte(`
nodes:
  - {id: a, type: noop, enabled: true}
  - {id: b, type: noop, enabled: true}
connections:
  - {source_node_id: a, target_node_id: b}
  - {source_node_id: b, target_node_id: a}
`))
		require.NoError(t, err)
		assert.False(t, res.Valid())
		assert.NotEmpty(t, res.Cycle)
	})

	t.Run("unknown node type", func(t *testing.T) {
		res, err := validateGraphFile([]byte(`{"nodes":[{"id":"x","type":"teleport","enabled":true}],"connections":[]}`))
		require.NoError(t, err)
		assert.False(t, res.Valid())
	})

	t.Run("undecodable", func(t *testing.T) {
		_, err := validateGraphFile([]byte("nodes: {"))
		require.Error(t, err)
	})
}

func TestValidateCommand_ExitCode(t *testing.T) {
	tests := []struct {
		name  string
		graph string
		want  string
	}{
		{
			name: "self loop",
			graph: `
nodes:
  - {id: a, type: noop, enabled: true}
connections:
  - {source_node_id: a, target_node_id: a}
`,
			want: `cannot connect to itself`,
		},
		{
			name: "cycle",
			graph: `
nodes:
  - {id: a, type: noop, enabled: true}
  - {id: b, type: noop, enabled: true}
connections:
  - {source_node_id: a, target_node_id: b}
  - {source_node_id: b, target_node_id: a}
`,
			want: `"cycle"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			path := filepath.Join(t.TempDir(), "graph.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.graph), 0o600))

			var buf bytes.Buffer
			app := newApp()
			app.Writer = &buf
			app.ExitErrHandler = func(context.Context, *cli.Command, error) {}

			err := app.Run(context.Background(), []string{"nodeflow", "validate", path})
			require.Error(t, err)

			var exitErr cli.ExitCoder
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.ExitCode())
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestExampleWorkflowsAreValid(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "examples", "*"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			res, err := validateGraphFile(data)
			require.NoError(t, err)
			assert.Empty(t, res.Errors)
		})
	}
}
