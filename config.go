package querybridge

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// URL is the backend connection string. The scheme selects the connector
	// family unless Family overrides it: "sqlite://", "clickhouse://",
	// "memory://".
	URL string `yaml:"url"`

	// SealedURL is an encrypted connection string produced by SealDSN.
	// When set, Seal must carry the key material to open it and URL is ignored.
	SealedURL string `yaml:"sealed_url,omitempty"`

	// Family optionally forces a connector family regardless of URL scheme.
	Family string `yaml:"family,omitempty"`

	// Connector is an optional pre-built connector. When set, URL and Family
	// are ignored and the engine pools connections from it directly.
	Connector Connector `yaml:"-"`

	// Pool holds connector pool settings.
	Pool PoolConfig `yaml:"pool"`

	// Query holds query execution settings.
	Query QueryConfig `yaml:"query"`

	// Drain holds disconnect drain settings.
	Drain DrainConfig `yaml:"drain"`

	// Schema configures where the datamodel is loaded from.
	Schema SchemaConfig `yaml:"schema"`

	// Telemetry configures the span/event sink and metrics publishing.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Seal holds key material for sealed connection strings.
	Seal *SealConfig `yaml:"seal,omitempty"`
}

// PoolConfig groups connector pool settings.
type PoolConfig struct {
	// MaxConnections is the pool capacity. Default: 5.
	MaxConnections int `yaml:"max_connections"`

	// MinConnections is the number of connections opened eagerly at connect
	// time. Connect fails unless at least one can be established. Default: 1.
	MinConnections int `yaml:"min_connections"`

	// AcquireTimeout bounds how long a query waits for a free handle.
	// Default: 10 seconds.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// MaxConnLifetime recycles handles older than this on release.
	// 0 means handles are kept until unhealthy.
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// QueryConfig groups query execution settings.
type QueryConfig struct {
	// DefaultTimeout applies to requests that carry no deadline.
	// Default: 30 seconds. 0 disables the implicit deadline.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DrainConfig groups disconnect drain settings.
type DrainConfig struct {
	// GracePeriod is how long Disconnect waits for in-flight queries before
	// force-cancelling them. Default: 5 seconds.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// SchemaConfig configures datamodel loading.
type SchemaConfig struct {
	// Inline is a YAML datamodel document. Takes precedence over Path and URL.
	Inline string `yaml:"inline,omitempty"`

	// Path is a local datamodel file.
	Path string `yaml:"path,omitempty"`

	// URL is a remote datamodel location; s3:// URLs are supported.
	URL string `yaml:"url,omitempty"`

	// Strict rejects plans referencing entities absent from the datamodel.
	Strict bool `yaml:"strict"`
}

// TelemetryConfig configures span/event emission and metrics publishing.
type TelemetryConfig struct {
	// Enabled turns on telemetry emission. Default: false.
	Enabled bool `yaml:"enabled"`

	// CollectorURL is the ws:// or wss:// endpoint of the external collector.
	CollectorURL string `yaml:"collector_url,omitempty"`

	// RemoteWriteURL is a Prometheus remote-write endpoint for metric
	// snapshots. Empty disables publishing.
	RemoteWriteURL string `yaml:"remote_write_url,omitempty"`

	// FlushInterval is how often metric snapshots are published.
	// Default: 15 seconds.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// BufferSize is the event channel capacity; events are dropped when the
	// collector cannot keep up. Default: 1024.
	BufferSize int `yaml:"buffer_size"`

	// WriteTimeout bounds collector writes. Default: 10 seconds.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SealConfig holds key material for sealed connection strings.
type SealConfig struct {
	// Password derives the key via PBKDF2 when Key is empty.
	Password string `yaml:"password,omitempty"`

	// Key is a raw 32-byte AES-256 key.
	Key []byte `yaml:"key,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults for the
// given connection string.
func DefaultConfig(rawURL string) Config {
	return Config{
		URL: rawURL,
		Pool: PoolConfig{
			MaxConnections: 5,
			MinConnections: 1,
			AcquireTimeout: 10 * time.Second,
		},
		Query: QueryConfig{
			DefaultTimeout: 30 * time.Second,
		},
		Drain: DrainConfig{
			GracePeriod: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			FlushInterval: 15 * time.Second,
			BufferSize:    1024,
			WriteTimeout:  10 * time.Second,
		},
	}
}

// normalize fills unset fields with defaults.
func (c *Config) normalize() {
	if c.Pool.MaxConnections <= 0 {
		c.Pool.MaxConnections = 5
	}
	if c.Pool.MinConnections <= 0 {
		c.Pool.MinConnections = 1
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		c.Pool.MinConnections = c.Pool.MaxConnections
	}
	if c.Pool.AcquireTimeout <= 0 {
		c.Pool.AcquireTimeout = 10 * time.Second
	}
	if c.Query.DefaultTimeout < 0 {
		c.Query.DefaultTimeout = 0
	}
	if c.Drain.GracePeriod <= 0 {
		c.Drain.GracePeriod = 5 * time.Second
	}
	if c.Telemetry.FlushInterval <= 0 {
		c.Telemetry.FlushInterval = 15 * time.Second
	}
	if c.Telemetry.BufferSize <= 0 {
		c.Telemetry.BufferSize = 1024
	}
	if c.Telemetry.WriteTimeout <= 0 {
		c.Telemetry.WriteTimeout = 10 * time.Second
	}
}

// validate reports malformed configuration as a ConfigurationError.
func (c *Config) validate() error {
	if c.URL == "" && c.SealedURL == "" && c.Connector == nil {
		return newEngineError(ErrorKindConfiguration, "connection URL is required", nil)
	}
	if c.SealedURL != "" && c.Seal == nil {
		return newEngineError(ErrorKindConfiguration, "sealed_url requires seal key material", nil)
	}
	if c.URL != "" {
		if _, err := url.Parse(c.URL); err != nil {
			return newEngineError(ErrorKindConfiguration, fmt.Sprintf("invalid connection URL: %v", err), err)
		}
	}
	if c.Family == "" && c.URL != "" && connectorScheme(c.URL) == "" {
		return newEngineError(ErrorKindConfiguration, "connection URL has no scheme and no family override", nil)
	}
	if c.Telemetry.Enabled && c.Telemetry.CollectorURL != "" {
		u, err := url.Parse(c.Telemetry.CollectorURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return newEngineError(ErrorKindConfiguration, "collector_url must be a ws:// or wss:// URL", err)
		}
	}
	return nil
}

// resolveURL returns the plaintext connection string, opening SealedURL
// when present.
func (c *Config) resolveURL() (string, error) {
	if c.SealedURL == "" {
		return c.URL, nil
	}
	dsn, err := OpenSealedDSN(c.SealedURL, c.Seal)
	if err != nil {
		return "", newEngineError(ErrorKindConfiguration, "cannot open sealed connection URL", err)
	}
	return dsn, nil
}

// family returns the connector family for this configuration.
func (c *Config) family(resolvedURL string) string {
	if c.Family != "" {
		return c.Family
	}
	return connectorScheme(resolvedURL)
}

// connectorScheme extracts the URL scheme used for family selection.
func connectorScheme(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i < 0 {
		return ""
	}
	return strings.ToLower(rawURL[:i])
}

// ParseConfig decodes a YAML configuration document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, newEngineError(ErrorKindConfiguration, "cannot parse configuration", err)
	}
	cfg.normalize()
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, newEngineError(ErrorKindConfiguration, "cannot read configuration file", err)
	}
	return ParseConfig(data)
}
