package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnvDSN(t *testing.T) {
	t.Setenv("RALLY_DB_DSN", "postgres://scraper@localhost:5432/motor_racing")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DB.DSN != "postgres://scraper@localhost:5432/motor_racing" {
		t.Fatalf("expected dsn from env, got %q", cfg.DB.DSN)
	}
	if cfg.Fetch.MaxAttempts != 3 || cfg.Fetch.RotateEvery != 20 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Fetch)
	}
	if cfg.Fetch.PacingMin != 1500*time.Millisecond || cfg.Fetch.PacingMax != 3500*time.Millisecond {
		t.Fatalf("unexpected pacing defaults: %v-%v", cfg.Fetch.PacingMin, cfg.Fetch.PacingMax)
	}
	if cfg.Fetch.RateLimitCooldown != time.Minute || cfg.Fetch.Backoff != 5*time.Second {
		t.Fatalf("unexpected cooldown defaults: %+v", cfg.Fetch)
	}
	if len(cfg.Identity.Pool) != len(DefaultVPNPool) {
		t.Fatalf("expected default pool of %d, got %d", len(DefaultVPNPool), len(cfg.Identity.Pool))
	}
	if cfg.Scrape.DefaultSeason != 2025 {
		t.Fatalf("expected default season 2025, got %d", cfg.Scrape.DefaultSeason)
	}
	if cfg.Tracing.ServiceName != "rallyscraper" || cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("unexpected tracing defaults: %+v", cfg.Tracing)
	}
	if got := cfg.SeasonURL(2024); got != "https://www.ewrc-results.com/season/2024/1-wrc/" {
		t.Fatalf("unexpected season url %q", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
source:
  base_url: https://results.example.com/
  series: 2-erc
fetch:
  transport: headless
  max_attempts: 5
  rotate_every: 7
  pacing_min: 10ms
  pacing_max: 20ms
identity:
  backend: proxy
  pool: ["http://10.0.0.1:3128", "http://10.0.0.2:3128"]
db:
  dsn: postgres://localhost/test
  table_prefix: wrc_
archive:
  backend: local
  base_dir: /tmp/pages
publish:
  project_id: demo
  topic: rally-synced
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fetch.Transport != TransportHeadless || cfg.Fetch.MaxAttempts != 5 || cfg.Fetch.RotateEvery != 7 {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if cfg.Fetch.PacingMax != 20*time.Millisecond {
		t.Fatalf("expected pacing override, got %v", cfg.Fetch.PacingMax)
	}
	if cfg.Identity.Backend != IdentityProxy || len(cfg.Identity.Pool) != 2 {
		t.Fatalf("expected proxy pool override: %+v", cfg.Identity)
	}
	if cfg.DB.TablePrefix != "wrc_" || cfg.Archive.BaseDir != "/tmp/pages" {
		t.Fatalf("expected db/archive overrides: %+v %+v", cfg.DB, cfg.Archive)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
	if got := cfg.SeasonURL(2023); got != "https://results.example.com/season/2023/2-erc/" {
		t.Fatalf("unexpected season url %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestRequestHeaders(t *testing.T) {
	t.Parallel()

	cfg := Config{Source: SourceConfig{UserAgent: "ua", Accept: "text/html", AcceptLanguage: "en"}}
	h := cfg.RequestHeaders()
	if h.Get("User-Agent") != "ua" || h.Get("Accept") != "text/html" || h.Get("Accept-Language") != "en" {
		t.Fatalf("unexpected headers: %+v", h)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Source: SourceConfig{BaseURL: "https://example.com"},
		Fetch: FetchConfig{
			Transport:   TransportColly,
			Timeout:     time.Second,
			MaxAttempts: 3,
			RotateEvery: 20,
			PacingMax:   time.Second,
		},
		Identity: IdentityConfig{Backend: IdentityNoop},
		DB:       DBConfig{DSN: "postgres://localhost/db"},
		Archive:  ArchiveConfig{Backend: ArchiveNone},
		Scrape:   ScrapeConfig{DefaultSeason: 2025},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "missing dsn", mutate: func(c *Config) { c.DB.DSN = "" }, want: "db.dsn"},
		{name: "bad transport", mutate: func(c *Config) { c.Fetch.Transport = "curl" }, want: "fetch.transport"},
		{name: "zero attempts", mutate: func(c *Config) { c.Fetch.MaxAttempts = 0 }, want: "fetch.max_attempts"},
		{name: "zero rotate", mutate: func(c *Config) { c.Fetch.RotateEvery = 0 }, want: "fetch.rotate_every"},
		{name: "inverted pacing", mutate: func(c *Config) { c.Fetch.PacingMin = 2 * time.Second }, want: "fetch.pacing_min"},
		{name: "empty pool", mutate: func(c *Config) { c.Identity.Backend = IdentityOpenVPN }, want: "identity.pool"},
		{name: "bad identity", mutate: func(c *Config) { c.Identity.Backend = "tor" }, want: "identity.backend"},
		{name: "local archive dir", mutate: func(c *Config) { c.Archive.Backend = ArchiveLocal }, want: "archive.base_dir"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Archive.Backend = ArchiveGCS }, want: "archive.bucket"},
		{name: "topic without project", mutate: func(c *Config) { c.Publish.Topic = "t" }, want: "publish.project_id"},
		{name: "season", mutate: func(c *Config) { c.Scrape.DefaultSeason = 25 }, want: "scrape.default_season"},
		{name: "sample ratio", mutate: func(c *Config) { c.Tracing.SampleRatio = 1.5 }, want: "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
