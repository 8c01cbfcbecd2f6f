package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"NetTrafficSentinel/internal/engine/exclusion"
	"NetTrafficSentinel/internal/logging"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when the configuration cannot be used to start.
var ErrInvalidConfig = errors.New("invalid configuration")

// CaptureConfig holds the packet capture settings.
type CaptureConfig struct {
	Interface string `yaml:"interface" toml:"interface"`
	// ExcludeIPv6Prefix is the raw comma-separated form, as in EXCLUDE_IPV6_PREFIX.
	ExcludeIPv6Prefix   string   `yaml:"exclude_ipv6_prefix" toml:"exclude_ipv6_prefix"`
	ExcludeIPv6Prefixes []string `yaml:"exclude_ipv6_prefixes" toml:"exclude_ipv6_prefixes"`

	SnapLen       int    `yaml:"snaplen" toml:"snaplen"`
	Promiscuous   bool   `yaml:"promiscuous" toml:"promiscuous"`
	ReadTimeout   string `yaml:"read_timeout" toml:"read_timeout"`
	BufferSizeMB  int    `yaml:"buffer_size_mb" toml:"buffer_size_mb"`
	Filter        string `yaml:"filter" toml:"filter"`
	MaxReadErrors int    `yaml:"max_read_errors" toml:"max_read_errors"`
	MaxReopens    int    `yaml:"max_reopens" toml:"max_reopens"`
	OpenTimeout   string `yaml:"open_timeout" toml:"open_timeout"`
	ReopenBackoff string `yaml:"reopen_backoff" toml:"reopen_backoff"`
}

// ExclusionPrefixes merges the list and the raw comma-separated form.
func (c CaptureConfig) ExclusionPrefixes() []string {
	var out []string
	for _, p := range c.ExcludeIPv6Prefixes {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return append(out, exclusion.ParseList(c.ExcludeIPv6Prefix)...)
}

// AggregatorConfig holds the in-memory aggregation and flush settings.
type AggregatorConfig struct {
	NumShards int `yaml:"num_shards" toml:"num_shards"`
	// SaveInterval is the flush period in seconds.
	SaveInterval  int    `yaml:"save_interval" toml:"save_interval"`
	CommitTimeout string `yaml:"commit_timeout" toml:"commit_timeout"`
	// MaxBacklog is the number of failed snapshots kept per writer for retry.
	MaxBacklog int `yaml:"max_backlog" toml:"max_backlog"`
}

// SQLiteConfig holds the connection settings for the SQLite writer.
type SQLiteConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
}

// ClickHouseConfig holds the connection settings for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Database string `yaml:"database" toml:"database"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// GobConfig holds the settings for the file snapshot writer.
type GobConfig struct {
	RootPath string `yaml:"root_path" toml:"root_path"`
}

// NATSConfig holds the settings for publishing snapshots to NATS.
type NATSConfig struct {
	URL     string `yaml:"url" toml:"url"`
	Subject string `yaml:"subject" toml:"subject"`
}

// WriterDef defines a single snapshot writer.
type WriterDef struct {
	Type       string           `yaml:"type" toml:"type"`
	Enabled    bool             `yaml:"enabled" toml:"enabled"`
	SQLite     SQLiteConfig     `yaml:"sqlite" toml:"sqlite"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse" toml:"clickhouse"`
	Gob        GobConfig        `yaml:"gob" toml:"gob"`
	NATS       NATSConfig       `yaml:"nats" toml:"nats"`
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	CacheTTL string `yaml:"cache_ttl" toml:"cache_ttl"`
	TopN     int    `yaml:"top_n" toml:"top_n"`
}

// ListenAddr returns the host:port the API listens on.
func (c APIConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HealthConfig holds the gRPC health server settings.
type HealthConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
}

// AlerterRule defines a threshold on the live epoch totals.
type AlerterRule struct {
	Name      string  `yaml:"name" toml:"name"`
	Metric    string  `yaml:"metric" toml:"metric"` // total_bytes, total_packets or total_flows
	Operator  string  `yaml:"operator" toml:"operator"`
	Threshold float64 `yaml:"threshold" toml:"threshold"`
}

// AlerterConfig holds the alerter settings.
type AlerterConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	CheckInterval string        `yaml:"check_interval" toml:"check_interval"`
	Cooldown      string        `yaml:"cooldown" toml:"cooldown"`
	Rules         []AlerterRule `yaml:"rules" toml:"rules"`
}

// SMTPConfig holds the settings for the e-mail notifier.
type SMTPConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	From     string `yaml:"from" toml:"from"`
	To       string `yaml:"to" toml:"to"` // comma-separated
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Capture    CaptureConfig    `yaml:"capture" toml:"capture"`
	Aggregator AggregatorConfig `yaml:"aggregator" toml:"aggregator"`
	Writers    []WriterDef      `yaml:"writers" toml:"writers"`
	API        APIConfig        `yaml:"api" toml:"api"`
	Health     HealthConfig     `yaml:"health" toml:"health"`
	Alerter    AlerterConfig    `yaml:"alerter" toml:"alerter"`
	SMTP       SMTPConfig       `yaml:"smtp" toml:"smtp"`
	Log        logging.Config   `yaml:"log" toml:"log"`
}

// DefaultDBPath is where the SQLite database lives unless configured otherwise.
const DefaultDBPath = "/data/traffic.db"

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Interface:     "eth0",
			SnapLen:       128,
			Promiscuous:   true,
			ReadTimeout:   "500ms",
			Filter:        "ip or ip6 or (vlan and (ip or ip6))",
			MaxReadErrors: 5,
			MaxReopens:    5,
			OpenTimeout:   "10s",
			ReopenBackoff: "2s",
		},
		Aggregator: AggregatorConfig{
			NumShards:     64,
			SaveInterval:  300,
			CommitTimeout: "30s",
		},
		Writers: []WriterDef{
			{Type: "sqlite", Enabled: true, SQLite: SQLiteConfig{Path: DefaultDBPath}},
		},
		API: APIConfig{
			Enabled:  true,
			Host:     "0.0.0.0",
			Port:     8080,
			CacheTTL: "30s",
			TopN:     50,
		},
		Health: HealthConfig{ListenAddr: ":9090"},
		Alerter: AlerterConfig{
			CheckInterval: "1m",
			Cooldown:      "15m",
		},
		Log: logging.Config{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the configuration from a YAML or TOML file, applies
// environment overrides and validates the result. An empty path starts from
// the defaults.
func LoadConfig(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(filePath)) {
		case ".toml":
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config TOML: %w", err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment variables understood by
// the container image.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MONITOR_IFACE"); ok && v != "" {
		c.Capture.Interface = v
	}
	if v, ok := lookup("EXCLUDE_IPV6_PREFIX"); ok {
		c.Capture.ExcludeIPv6Prefix = v
		c.Capture.ExcludeIPv6Prefixes = nil
	}
	if v, ok := lookup("SAVE_INTERVAL"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: SAVE_INTERVAL %q is not a number", ErrInvalidConfig, v)
		}
		c.Aggregator.SaveInterval = n
	}
	if v, ok := lookup("WEB_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: WEB_PORT %q is not a number", ErrInvalidConfig, v)
		}
		c.API.Port = n
	}
	if v, ok := lookup("DB_PATH"); ok && v != "" {
		for i := range c.Writers {
			if c.Writers[i].Type == "sqlite" {
				c.Writers[i].SQLite.Path = v
			}
		}
	}
	return nil
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Capture.Interface == "" {
		add("capture.interface must be set")
	}
	if _, err := exclusion.New(c.Capture.ExclusionPrefixes()); err != nil {
		// Kept separate so callers can match ErrInvalidPrefix.
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Aggregator.SaveInterval <= 0 {
		add("aggregator.save_interval must be a positive number of seconds, got %d", c.Aggregator.SaveInterval)
	}
	if c.Aggregator.MaxBacklog < 0 {
		add("aggregator.max_backlog must not be negative")
	}
	for name, d := range map[string]string{
		"capture.read_timeout":      c.Capture.ReadTimeout,
		"capture.open_timeout":      c.Capture.OpenTimeout,
		"capture.reopen_backoff":    c.Capture.ReopenBackoff,
		"aggregator.commit_timeout": c.Aggregator.CommitTimeout,
		"api.cache_ttl":             c.API.CacheTTL,
		"alerter.check_interval":    c.Alerter.CheckInterval,
		"alerter.cooldown":          c.Alerter.Cooldown,
	} {
		if d == "" {
			continue
		}
		if v, err := time.ParseDuration(d); err != nil || v < 0 {
			add("%s: invalid duration %q", name, d)
		}
	}

	enabled := 0
	for i, w := range c.Writers {
		if !w.Enabled {
			continue
		}
		enabled++
		switch w.Type {
		case "sqlite":
			if w.SQLite.Path == "" {
				add("writers[%d]: sqlite.path must be set", i)
			}
		case "clickhouse":
			if w.ClickHouse.Host == "" || w.ClickHouse.Port <= 0 {
				add("writers[%d]: clickhouse.host and clickhouse.port must be set", i)
			}
		case "gob":
			if w.Gob.RootPath == "" {
				add("writers[%d]: gob.root_path must be set", i)
			}
		case "nats":
			if w.NATS.URL == "" || w.NATS.Subject == "" {
				add("writers[%d]: nats.url and nats.subject must be set", i)
			}
		default:
			add("writers[%d]: unknown writer type %q", i, w.Type)
		}
	}
	if enabled == 0 {
		add("at least one writer must be enabled")
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		add("api.port %d is out of range", c.API.Port)
	}
	if c.Alerter.Enabled {
		for i, r := range c.Alerter.Rules {
			switch r.Metric {
			case "total_bytes", "total_packets", "total_flows":
			default:
				add("alerter.rules[%d]: unknown metric %q", i, r.Metric)
			}
			switch r.Operator {
			case ">", "<", "=", ">=", "<=":
			default:
				add("alerter.rules[%d]: unknown operator %q", i, r.Operator)
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Duration parses a validated duration setting, falling back to def when empty.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// SaveInterval returns the flush period.
func (c *Config) SaveInterval() time.Duration {
	return time.Duration(c.Aggregator.SaveInterval) * time.Second
}

// EnabledWriters returns the writer definitions that are switched on.
func (c *Config) EnabledWriters() []WriterDef {
	var out []WriterDef
	for _, w := range c.Writers {
		if w.Enabled {
			out = append(out, w)
		}
	}
	return out
}

// FindWriter returns the first writer of the given type, enabled or not.
func (c *Config) FindWriter(typ string) (WriterDef, bool) {
	for _, w := range c.Writers {
		if w.Type == typ {
			return w, true
		}
	}
	return WriterDef{}, false
}
