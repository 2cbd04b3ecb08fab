package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
space:
  start: "1985"
  end: "1995-06"
run:
  pool_size: 4
  person_parallelism: 2
  batch_size: 10
  flush_interval_seconds: 15
  query_timeout_seconds: 45
throttle:
  min_delay_ms: 500
  max_delay_ms: 1500
  cooldown_every: 25
  cooldown_seconds: 10
retry:
  max_retries: 5
checkpoint:
  dir: /tmp/curpsweep-ckpt
browser:
  headless: false
  user_agent: test-agent
sink:
  provider: sqlite
  sqlite_path: matches.db
pubsub:
  project_id: demo-project
  topic_name: curp-matches
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Space.Start != "1985" || cfg.Space.End != "1995-06" {
		t.Fatalf("expected space overrides to apply: %+v", cfg.Space)
	}
	if cfg.Run.PoolSize != 4 || cfg.Run.PersonParallelism != 2 {
		t.Fatalf("expected run overrides to apply: %+v", cfg.Run)
	}
	if cfg.Throttle.MinDelayMs != 500 || cfg.Throttle.CooldownEvery != 25 {
		t.Fatalf("expected throttle overrides to apply: %+v", cfg.Throttle)
	}
	if cfg.Sink.Provider != "sqlite" || cfg.Sink.SQLite != "matches.db" {
		t.Fatalf("expected sqlite sink config: %+v", cfg.Sink)
	}
	if cfg.Browser.Headless {
		t.Fatalf("expected headless disabled")
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("expected retry override to apply, got %d", cfg.Retry.MaxRetries)
	}
	// Defaults survive partial overrides.
	if cfg.Run.RestartSessionAfter != 5 {
		t.Fatalf("expected default restart_session_after, got %d", cfg.Run.RestartSessionAfter)
	}
	if got := cfg.QueryTimeout(); got != 45*time.Second {
		t.Fatalf("expected query timeout 45s, got %v", got)
	}
	if got := cfg.FlushInterval(); got != 15*time.Second {
		t.Fatalf("expected flush interval 15s, got %v", got)
	}
}

func TestLoadDefaultsValidate(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sink.Provider != "csv" || cfg.Sink.CSVPath == "" {
		t.Fatalf("expected csv sink defaults: %+v", cfg.Sink)
	}
	if cfg.Run.BatchSize != 25 {
		t.Fatalf("expected default batch size 25, got %d", cfg.Run.BatchSize)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:     ServerConfig{Port: 8080},
		Space:      SpaceConfig{Start: "1950", End: "2010"},
		Run:        RunConfig{PoolSize: 2, BatchSize: 25},
		Throttle:   ThrottleConfig{MinDelayMs: 800, MaxDelayMs: 2500},
		Checkpoint: CheckpointConfig{Dir: "checkpoints"},
		Sink:       SinkConfig{Provider: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "missing space bounds",
			cfg: func() Config {
				c := base
				c.Space.End = ""
				return c
			}(),
			want: "space.start and space.end",
		},
		{
			name: "invalid pool size",
			cfg: func() Config {
				c := base
				c.Run.PoolSize = 0
				return c
			}(),
			want: "run.pool_size",
		},
		{
			name: "inverted throttle window",
			cfg: func() Config {
				c := base
				c.Throttle.MaxDelayMs = 100
				return c
			}(),
			want: "throttle delay window",
		},
		{
			name: "missing checkpoint dir",
			cfg: func() Config {
				c := base
				c.Checkpoint.Dir = ""
				return c
			}(),
			want: "checkpoint.dir",
		},
		{
			name: "unknown sink provider",
			cfg: func() Config {
				c := base
				c.Sink.Provider = "s3"
				return c
			}(),
			want: "sink.provider",
		},
		{
			name: "postgres sink without dsn",
			cfg: func() Config {
				c := base
				c.Sink.Provider = "postgres"
				return c
			}(),
			want: "sink.dsn",
		},
		{
			name: "pubsub project without topic",
			cfg: func() Config {
				c := base
				c.PubSub.ProjectID = "demo"
				return c
			}(),
			want: "pubsub.topic_name",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
