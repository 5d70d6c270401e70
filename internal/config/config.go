// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported runtime environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Pool names understood by the database layer.
const (
	PoolMaster   = "master"
	PoolFloating = "floating"
	PoolSync     = "sync"
	PoolAsync    = "async"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Broker      BrokerConfig   `mapstructure:"broker"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Proxy       ProxyConfig    `mapstructure:"proxy"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Workers     WorkersConfig  `mapstructure:"workers"`
	Archive     ArchiveConfig  `mapstructure:"archive"`
	Events      EventsConfig   `mapstructure:"events"`
	Server      ServerConfig   `mapstructure:"server"`
	Tracing     TracingConfig  `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrokerConfig describes the RabbitMQ connection.
type BrokerConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	VHost            string `mapstructure:"vhost"`
	QueuePrefix      string `mapstructure:"queue_prefix"`
	ConnectionName   string `mapstructure:"connection_name"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	// MaxRedeliveries caps failed deliveries before dead-lettering. Zero keeps
	// requeueing forever.
	MaxRedeliveries  int    `mapstructure:"max_redeliveries"`
	DeadLetterSuffix string `mapstructure:"dead_letter_suffix"`
}

// PoolConfig configures one named connection pool.
type PoolConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PostgresConfig lists the named pools. Only master is required.
type PostgresConfig struct {
	Pools map[string]PoolConfig `mapstructure:"pools"`
}

// ProxyEndpoint is one entry of the outbound proxy list.
type ProxyEndpoint struct {
	Protocol string `mapstructure:"protocol" json:"protocol"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"`
}

// ProxyConfig points at the proxy list. File entries are appended to inline ones.
type ProxyConfig struct {
	File      string          `mapstructure:"file"`
	Endpoints []ProxyEndpoint `mapstructure:"endpoints"`
}

// HTTPConfig configures the outbound fetch client.
type HTTPConfig struct {
	BaseURL          string  `mapstructure:"base_url"`
	UserAgent        string  `mapstructure:"user_agent"`
	Accept           string  `mapstructure:"accept"`
	AcceptLanguage   string  `mapstructure:"accept_language"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`
	// InsecureHosts disables certificate verification for these hosts only.
	// akademik.yok.gov.tr serves an incomplete chain from some edges.
	InsecureHosts []string `mapstructure:"insecure_hosts"`
}

// WorkersConfig tunes the list and detail consumers. Delays of zero use the
// worker defaults and negative delays disable them.
type WorkersConfig struct {
	ListQueue          string `mapstructure:"list_queue"`
	DetailQueue        string `mapstructure:"detail_queue"`
	ListPrefetch       int    `mapstructure:"list_prefetch"`
	DetailPrefetch     int    `mapstructure:"detail_prefetch"`
	PageDelayMs        int    `mapstructure:"page_delay_ms"`
	SectionDelayMs     int    `mapstructure:"section_delay_ms"`
	SectionConcurrency int    `mapstructure:"section_concurrency"`
	ChildConcurrency   int    `mapstructure:"child_concurrency"`
	ResumePagination   bool   `mapstructure:"resume_pagination"`
}

// ArchiveConfig selects where raw profile pages are kept.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// EventsConfig selects where scholar sync events are published.
type EventsConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// TracingConfig controls OpenTelemetry spans. Trace context is carried on
// broker headers and event attributes whenever tracing is enabled.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. When path is empty the file
// config.<env>.yaml is looked up in the usual locations; a missing file is
// not an error.
func Load(path, env string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("environment", "SCRAPER_ENV", "SCRAPER_ENVIRONMENT")

	setDefaults(v)

	if env == "" {
		env = v.GetString("environment")
	}
	if !validEnvironment(env) {
		return Config{}, fmt.Errorf("unknown environment %q (want %s or %s)", env, EnvDevelopment, EnvProduction)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config." + env)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scholar-scraper/")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".scholar-scraper"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Environment = env

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validEnvironment(env string) bool {
	return env == EnvDevelopment || env == EnvProduction
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 5672)
	v.SetDefault("broker.username", "guest")
	v.SetDefault("broker.password", "guest")
	v.SetDefault("broker.vhost", "/")
	v.SetDefault("broker.queue_prefix", "hivemind")
	v.SetDefault("broker.reconnect_delay_ms", 5000)
	v.SetDefault("broker.max_redeliveries", 0)
	v.SetDefault("broker.dead_letter_suffix", "dead")

	v.SetDefault("http.base_url", "https://akademik.yok.gov.tr")
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("http.accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	v.SetDefault("http.accept_language", "tr-TR,tr;q=0.9,en-US;q=0.8,en;q=0.7")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("http.insecure_hosts", []string{"akademik.yok.gov.tr"})

	v.SetDefault("workers.list_queue", "scholar_tasks")
	v.SetDefault("workers.detail_queue", "profile_tasks")
	v.SetDefault("workers.list_prefetch", 5)
	v.SetDefault("workers.detail_prefetch", 15)
	v.SetDefault("workers.page_delay_ms", 1000)
	v.SetDefault("workers.section_delay_ms", 800)
	v.SetDefault("workers.section_concurrency", 3)
	v.SetDefault("workers.child_concurrency", 5)
	v.SetDefault("workers.resume_pagination", false)

	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.base_dir", "./archive")
	v.SetDefault("archive.prefix", "profiles")

	v.SetDefault("events.provider", "none")
	v.SetDefault("events.topic_name", "scholar-synced")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)

	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "scholar-scraper")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if c.Broker.Port <= 0 {
		return fmt.Errorf("broker.port must be > 0")
	}
	if c.Broker.ReconnectDelayMs <= 0 {
		return fmt.Errorf("broker.reconnect_delay_ms must be > 0")
	}
	if c.Broker.MaxRedeliveries < 0 {
		return fmt.Errorf("broker.max_redeliveries must be >= 0")
	}
	if master, ok := c.Postgres.Pools[PoolMaster]; !ok || master.DSN == "" {
		return fmt.Errorf("postgres.pools.master.dsn is required")
	}
	for name := range c.Postgres.Pools {
		switch name {
		case PoolMaster, PoolFloating, PoolSync, PoolAsync:
		default:
			return fmt.Errorf("postgres.pools.%s: unknown pool name", name)
		}
	}
	if _, err := url.ParseRequestURI(c.HTTP.BaseURL); err != nil {
		return fmt.Errorf("http.base_url: %w", err)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Workers.ListQueue == "" || c.Workers.DetailQueue == "" {
		return fmt.Errorf("workers.list_queue and workers.detail_queue are required")
	}
	if c.Workers.ListPrefetch <= 0 || c.Workers.DetailPrefetch <= 0 {
		return fmt.Errorf("workers prefetch values must be > 0")
	}
	if c.Workers.SectionConcurrency <= 0 || c.Workers.ChildConcurrency <= 0 {
		return fmt.Errorf("workers concurrency values must be > 0")
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider)
	}
	switch c.Events.Provider {
	case "none", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.TopicName == "" {
			return fmt.Errorf("events.project_id and events.topic_name are required for pubsub")
		}
	default:
		return fmt.Errorf("events.provider %q is not supported", c.Events.Provider)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	return nil
}

// BrokerURL renders the AMQP connection URL.
func (b BrokerConfig) BrokerURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(b.Username, b.Password),
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
	}
	if b.VHost != "" && b.VHost != "/" {
		u.Path = "/" + strings.TrimPrefix(b.VHost, "/")
	}
	return u.String()
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (b BrokerConfig) ReconnectDelay() time.Duration {
	return time.Duration(b.ReconnectDelayMs) * time.Millisecond
}

// ConnectionNameFor defaults the broker connection name to Hivemind@<env>.
func (c Config) ConnectionNameFor() string {
	if c.Broker.ConnectionName != "" {
		return c.Broker.ConnectionName
	}
	return "Hivemind@" + c.Environment
}

// Timeout returns the per-request HTTP timeout.
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// PageDelay is the pause between list pages.
func (w WorkersConfig) PageDelay() time.Duration {
	return time.Duration(w.PageDelayMs) * time.Millisecond
}

// SectionDelay is the pause before each profile sub-page fetch.
func (w WorkersConfig) SectionDelay() time.Duration {
	return time.Duration(w.SectionDelayMs) * time.Millisecond
}
