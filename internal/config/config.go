// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Identity IdentityConfig `mapstructure:"identity"`
	DB       DBConfig       `mapstructure:"db"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Server   ServerConfig   `mapstructure:"server"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// SourceConfig describes the results website.
type SourceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Series         string `mapstructure:"series"`
	UserAgent      string `mapstructure:"user_agent"`
	Accept         string `mapstructure:"accept"`
	AcceptLanguage string `mapstructure:"accept_language"`
}

// FetchConfig governs pacing, retries and periodic rotation.
type FetchConfig struct {
	Transport          string        `mapstructure:"transport"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RotateEvery        int           `mapstructure:"rotate_every"`
	PacingMin          time.Duration `mapstructure:"pacing_min"`
	PacingMax          time.Duration `mapstructure:"pacing_max"`
	RateLimitCooldown  time.Duration `mapstructure:"rate_limit_cooldown"`
	Backoff            time.Duration `mapstructure:"backoff"`
	HeadlessNavTimeout time.Duration `mapstructure:"headless_nav_timeout"`
}

// IdentityConfig configures egress identity rotation.
type IdentityConfig struct {
	Backend        string        `mapstructure:"backend"`
	Pool           []string      `mapstructure:"pool"`
	ConfigDir      string        `mapstructure:"config_dir"`
	ConfigSuffix   string        `mapstructure:"config_suffix"`
	AuthFile       string        `mapstructure:"auth_file"`
	UseSudo        bool          `mapstructure:"use_sudo"`
	Settle         time.Duration `mapstructure:"settle"`
	TeardownSettle time.Duration `mapstructure:"teardown_settle"`
	IPCheckURL     string        `mapstructure:"ip_check_url"`
	ConnectOnStart bool          `mapstructure:"connect_on_start"`
}

// DBConfig controls access to the relational store.
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// ArchiveConfig sets where raw rally pages are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PublishConfig holds metadata for rally-synced notifications.
type PublishConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig controls the optional pushgateway export.
type MetricsConfig struct {
	PushURL string `mapstructure:"push_url"`
	Job     string `mapstructure:"job"`
}

// ServerConfig controls the optional ops HTTP server.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ScrapeConfig holds run-level defaults.
type ScrapeConfig struct {
	DefaultSeason int `mapstructure:"default_season"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Stdout writes finished spans to stderr as JSON lines.
	Stdout bool `mapstructure:"stdout"`
}

// Supported backend names.
const (
	TransportColly    = "colly"
	TransportHeadless = "headless"

	IdentityNoop    = "noop"
	IdentityOpenVPN = "openvpn"
	IdentityProxy   = "proxy"

	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
	ArchiveMemory = "memory"
)

// DefaultVPNPool lists the endpoint identifiers rotated through by default.
var DefaultVPNPool = []string{
	"uk-lon", "uk-man", "de-fra", "de-ber", "nl-ams",
	"fr-par", "se-sto", "no-osl", "fi-hel", "es-mad",
	"it-mil", "at-vie", "be-bru", "dk-cop", "ie-dub",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", "https://www.ewrc-results.com")
	v.SetDefault("source.series", "1-wrc")
	v.SetDefault("source.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("source.accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	v.SetDefault("source.accept_language", "en-US,en;q=0.5")
	v.SetDefault("fetch.transport", TransportColly)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.rotate_every", 20)
	v.SetDefault("fetch.pacing_min", "1500ms")
	v.SetDefault("fetch.pacing_max", "3500ms")
	v.SetDefault("fetch.rate_limit_cooldown", "60s")
	v.SetDefault("fetch.backoff", "5s")
	v.SetDefault("fetch.headless_nav_timeout", "45s")
	v.SetDefault("identity.backend", IdentityNoop)
	v.SetDefault("identity.pool", DefaultVPNPool)
	v.SetDefault("identity.config_dir", "/tmp")
	v.SetDefault("identity.config_suffix", ".prod.surfshark.com_udp.ovpn")
	v.SetDefault("identity.auth_file", "/tmp/surfshark-auth.txt")
	v.SetDefault("identity.use_sudo", true)
	v.SetDefault("identity.settle", "8s")
	v.SetDefault("identity.teardown_settle", "2s")
	v.SetDefault("identity.ip_check_url", "https://api.ipify.org")
	v.SetDefault("identity.connect_on_start", true)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table_prefix", "")
	v.SetDefault("db.max_conns", 1)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.base_dir", "data/pages")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "rallies")
	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic", "")
	v.SetDefault("metrics.push_url", "")
	v.SetDefault("metrics.job", "rallyscraper")
	v.SetDefault("server.listen_addr", "")
	v.SetDefault("scrape.default_season", 2025)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.service_name", "rallyscraper")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.stdout", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if strings.TrimSpace(c.DB.DSN) == "" {
		return fmt.Errorf("db.dsn is required (set RALLY_DB_DSN)")
	}
	if c.Fetch.Transport != TransportColly && c.Fetch.Transport != TransportHeadless {
		return fmt.Errorf("fetch.transport must be %q or %q", TransportColly, TransportHeadless)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.RotateEvery <= 0 {
		return fmt.Errorf("fetch.rotate_every must be > 0")
	}
	if c.Fetch.PacingMin < 0 || c.Fetch.PacingMax < c.Fetch.PacingMin {
		return fmt.Errorf("fetch.pacing_min must be >= 0 and <= fetch.pacing_max")
	}
	switch c.Identity.Backend {
	case IdentityNoop:
	case IdentityOpenVPN, IdentityProxy:
		if len(c.Identity.Pool) == 0 {
			return fmt.Errorf("identity.pool must not be empty for backend %q", c.Identity.Backend)
		}
	default:
		return fmt.Errorf("identity.backend %q is not supported", c.Identity.Backend)
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.BaseDir) == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if c.Publish.Topic != "" && c.Publish.ProjectID == "" {
		return fmt.Errorf("publish.project_id must be set when publish.topic is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Scrape.DefaultSeason < 1900 {
		return fmt.Errorf("scrape.default_season must be a plausible year")
	}
	return nil
}

// RequestHeaders returns the browser-like headers sent with every fetch.
func (c Config) RequestHeaders() http.Header {
	h := http.Header{}
	if c.Source.UserAgent != "" {
		h.Set("User-Agent", c.Source.UserAgent)
	}
	if c.Source.Accept != "" {
		h.Set("Accept", c.Source.Accept)
	}
	if c.Source.AcceptLanguage != "" {
		h.Set("Accept-Language", c.Source.AcceptLanguage)
	}
	return h
}

// SeasonURL returns the listing page for a season.
func (c Config) SeasonURL(season int) string {
	base := strings.TrimRight(c.Source.BaseURL, "/")
	series := strings.Trim(c.Source.Series, "/")
	if series == "" {
		return fmt.Sprintf("%s/season/%d/", base, season)
	}
	return fmt.Sprintf("%s/season/%d/%s/", base, season, series)
}
