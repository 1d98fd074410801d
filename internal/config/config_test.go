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
crawl:
  workers: 6
  visit_timeout_seconds: 90
  num_subpages: 5
  sweep_every_seconds: 15
browser:
  user_agent: consent-bot
  nav_timeout_seconds: 45
  wait_for_events: true
storage:
  backend: gcs
  gcs_bucket: dumps-bucket
  prefix: pages
database:
  dsn: postgres://localhost/consent
  max_conns: 8
pubsub:
  project_id: proj-1
  topic_name: visit-events
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
	if cfg.Crawl.Workers != 6 || cfg.Crawl.NumSubpages != 5 {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if cfg.Browser.UserAgent != "consent-bot" || !cfg.Browser.WaitForEvents {
		t.Fatalf("expected browser overrides to apply: %+v", cfg.Browser)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "dumps-bucket" {
		t.Fatalf("expected storage overrides to apply: %+v", cfg.Storage)
	}
	if cfg.Database.DSN != "postgres://localhost/consent" || cfg.Database.MaxConns != 8 {
		t.Fatalf("expected database overrides to apply: %+v", cfg.Database)
	}
	if cfg.Logging.Development {
		t.Fatal("expected logging.development to be overridden to false")
	}
	if got := cfg.VisitTimeout(); got != 90*time.Second {
		t.Fatalf("expected visit timeout 90s, got %v", got)
	}
	if got := cfg.SweepInterval(); got != 15*time.Second {
		t.Fatalf("expected sweep interval 15s, got %v", got)
	}
	if got := cfg.NavTimeout(); got != 45*time.Second {
		t.Fatalf("expected nav timeout 45s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.Workers != 4 {
		t.Fatalf("expected default workers 4, got %d", cfg.Crawl.Workers)
	}
	if cfg.Crawl.VisitTimeoutSeconds != 120 {
		t.Fatalf("expected default visit timeout 120s, got %d", cfg.Crawl.VisitTimeoutSeconds)
	}
	if cfg.Storage.Backend != "none" {
		t.Fatalf("expected default storage backend none, got %q", cfg.Storage.Backend)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Crawl: CrawlConfig{
			Workers:             2,
			VisitTimeoutSeconds: 60,
			NumSubpages:         3,
		},
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
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Crawl.Workers = 0
				return c
			}(),
			want: "crawl.workers",
		},
		{
			name: "invalid visit timeout",
			cfg: func() Config {
				c := base
				c.Crawl.VisitTimeoutSeconds = 0
				return c
			}(),
			want: "crawl.visit_timeout_seconds",
		},
		{
			name: "negative subpages",
			cfg: func() Config {
				c := base
				c.Crawl.NumSubpages = -1
				return c
			}(),
			want: "crawl.num_subpages",
		},
		{
			name: "local backend without base dir",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "local"
				return c
			}(),
			want: "storage.base_dir",
		},
		{
			name: "gcs backend without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "unknown backend",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "s3"
				return c
			}(),
			want: "storage.backend",
		},
		{
			name: "pubsub project without topic",
			cfg: func() Config {
				c := base
				c.PubSub.ProjectID = "proj-1"
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
