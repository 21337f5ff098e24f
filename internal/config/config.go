package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for the traffic-mirroring pipeline.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     toml:"server"`
	Ingest     IngestConfig     `mapstructure:"ingest"     toml:"ingest"`
	Sanitizer  SanitizerConfig  `mapstructure:"sanitizer"  toml:"sanitizer"`
	Dedup      DedupConfig      `mapstructure:"dedup"      toml:"dedup"`
	Queue      QueueConfig      `mapstructure:"queue"      toml:"queue"`
	MockServer MockServerConfig `mapstructure:"mock_server" toml:"mock_server"`
	Backup     BackupConfig     `mapstructure:"backup"     toml:"backup"`
	Resilience ResilienceConfig `mapstructure:"resilience" toml:"resilience"`
	Tracing    TracingConfig    `mapstructure:"tracing"    toml:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    toml:"metrics"`
}

// ServerConfig holds the core process settings.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"`
	ControlPort  int    `mapstructure:"control_port"  toml:"control_port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"   toml:"tls_enabled"`
	CertFile     string `mapstructure:"cert_file"     toml:"cert_file"`
	KeyFile      string `mapstructure:"key_file"      toml:"key_file"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`
}

// IngestConfig controls the tap intake endpoint and its pre-filters.
type IngestConfig struct {
	Port             int             `mapstructure:"port"               toml:"port"`
	BodySizeLimit    int64           `mapstructure:"body_size_limit"    toml:"body_size_limit"`
	BufferSize       int             `mapstructure:"buffer_size"        toml:"buffer_size"`
	IgnoredHosts     []string        `mapstructure:"ignored_hosts"      toml:"ignored_hosts"`
	IgnoredPaths     []string        `mapstructure:"ignored_paths"      toml:"ignored_paths"`
	EnableSampling   bool            `mapstructure:"enable_sampling"    toml:"enable_sampling"`
	DefaultSampleRate float64        `mapstructure:"default_sample_rate" toml:"default_sample_rate"`
	SamplingRules    []SamplingRule  `mapstructure:"sampling_rules"     toml:"sampling_rules"`
	BatchSize        int             `mapstructure:"batch_size"         toml:"batch_size"`
	BatchTimeoutMs   int             `mapstructure:"batch_timeout_ms"   toml:"batch_timeout_ms"`
}

// SamplingRule applies a sample rate to requests matching a path regex and
// optional method.
type SamplingRule struct {
	PathRegex  string  `mapstructure:"path_regex"  toml:"path_regex"`
	Method     string  `mapstructure:"method"      toml:"method"`
	SampleRate float64 `mapstructure:"sample_rate" toml:"sample_rate"`
}

// SanitizerConfig controls sensitive-data redaction.
type SanitizerConfig struct {
	SensitiveHeaders []string `mapstructure:"sensitive_headers" toml:"sensitive_headers"`
	SensitiveFields  []string `mapstructure:"sensitive_fields"  toml:"sensitive_fields"`
	EntropyThreshold float64  `mapstructure:"entropy_threshold" toml:"entropy_threshold"`
}

// DedupConfig controls the fingerprint dedup index.
type DedupConfig struct {
	BackendURL   string `mapstructure:"backend_url"   toml:"backend_url"`
	DB           int    `mapstructure:"db"            toml:"db"`
	Password     string `mapstructure:"password"      toml:"password"`
	TTLSeconds   int    `mapstructure:"ttl_seconds"   toml:"ttl_seconds"`
	MemoryTierSize int  `mapstructure:"memory_tier_size" toml:"memory_tier_size"`
}

// QueueConfig controls the durable stub queue.
type QueueConfig struct {
	BackendURL     string `mapstructure:"backend_url"      toml:"backend_url"`
	DB             int    `mapstructure:"db"               toml:"db"`
	Password       string `mapstructure:"password"         toml:"password"`
	StreamName     string `mapstructure:"stream_name"       toml:"stream_name"`
	ConsumerGroup  string `mapstructure:"consumer_group"    toml:"consumer_group"`
	MaxRetries     int    `mapstructure:"max_retries"       toml:"max_retries"`
	ReclaimIdleSec int    `mapstructure:"reclaim_idle_seconds" toml:"reclaim_idle_seconds"`
	RetentionHours int    `mapstructure:"retention_hours"   toml:"retention_hours"`
	ReadBatchSize  int    `mapstructure:"read_batch_size"   toml:"read_batch_size"`
	BlockMs        int    `mapstructure:"block_ms"          toml:"block_ms"`
}

// MockServerConfig controls the downstream mock server client.
type MockServerConfig struct {
	URL                   string `mapstructure:"url"                     toml:"url"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"         toml:"timeout_seconds"`
	RetryAttempts         int    `mapstructure:"retry_attempts"          toml:"retry_attempts"`
	RetryBaseDelayMs      int    `mapstructure:"retry_base_delay_ms"     toml:"retry_base_delay_ms"`
	RetryMaxDelayMs       int    `mapstructure:"retry_max_delay_ms"      toml:"retry_max_delay_ms"`
	MaxConcurrentRequests int    `mapstructure:"max_concurrent_requests" toml:"max_concurrent_requests"`
}

// BackupConfig controls the append-only stub backup store.
type BackupConfig struct {
	Path            string `mapstructure:"path"             toml:"path"`
	RetentionDays   int    `mapstructure:"retention_days"   toml:"retention_days"`
	CompressBackups bool   `mapstructure:"compress_backups" toml:"compress_backups"`
}

// ResilienceConfig controls circuit breaker settings for the mock-server client.
type ResilienceConfig struct {
	CBEnabled          bool `mapstructure:"circuit_breaker_enabled"  toml:"circuit_breaker_enabled"`
	CBFailureThreshold int  `mapstructure:"cb_failure_threshold"     toml:"cb_failure_threshold"`
	CBResetTimeoutSec  int  `mapstructure:"cb_reset_timeout_seconds" toml:"cb_reset_timeout_seconds"`
	CBHalfOpenMax      int  `mapstructure:"cb_half_open_max_calls"   toml:"cb_half_open_max_calls"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" toml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
	Port    int  `mapstructure:"port"    toml:"port"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (MESHMOCK_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.meshmock/meshmock.toml
//  4. ./meshmock.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	v.SetEnvPrefix("MESHMOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".meshmock"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("meshmock")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.Backup.Path = expandHome(cfg.Backup.Path)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.meshmock/meshmock.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".meshmock")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file over the built-in defaults and makes
// the result the current config; options the file omits take their default
// values, not their current ones. The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.control_port", d.Server.ControlPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)

	v.SetDefault("ingest.port", d.Ingest.Port)
	v.SetDefault("ingest.body_size_limit", d.Ingest.BodySizeLimit)
	v.SetDefault("ingest.buffer_size", d.Ingest.BufferSize)
	v.SetDefault("ingest.ignored_hosts", d.Ingest.IgnoredHosts)
	v.SetDefault("ingest.ignored_paths", d.Ingest.IgnoredPaths)
	v.SetDefault("ingest.enable_sampling", d.Ingest.EnableSampling)
	v.SetDefault("ingest.default_sample_rate", d.Ingest.DefaultSampleRate)
	v.SetDefault("ingest.batch_size", d.Ingest.BatchSize)
	v.SetDefault("ingest.batch_timeout_ms", d.Ingest.BatchTimeoutMs)

	v.SetDefault("sanitizer.sensitive_headers", d.Sanitizer.SensitiveHeaders)
	v.SetDefault("sanitizer.sensitive_fields", d.Sanitizer.SensitiveFields)
	v.SetDefault("sanitizer.entropy_threshold", d.Sanitizer.EntropyThreshold)

	v.SetDefault("dedup.backend_url", d.Dedup.BackendURL)
	v.SetDefault("dedup.db", d.Dedup.DB)
	v.SetDefault("dedup.password", d.Dedup.Password)
	v.SetDefault("dedup.ttl_seconds", d.Dedup.TTLSeconds)
	v.SetDefault("dedup.memory_tier_size", d.Dedup.MemoryTierSize)

	v.SetDefault("queue.backend_url", d.Queue.BackendURL)
	v.SetDefault("queue.db", d.Queue.DB)
	v.SetDefault("queue.password", d.Queue.Password)
	v.SetDefault("queue.stream_name", d.Queue.StreamName)
	v.SetDefault("queue.consumer_group", d.Queue.ConsumerGroup)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.reclaim_idle_seconds", d.Queue.ReclaimIdleSec)
	v.SetDefault("queue.retention_hours", d.Queue.RetentionHours)
	v.SetDefault("queue.read_batch_size", d.Queue.ReadBatchSize)
	v.SetDefault("queue.block_ms", d.Queue.BlockMs)

	v.SetDefault("mock_server.url", d.MockServer.URL)
	v.SetDefault("mock_server.timeout_seconds", d.MockServer.TimeoutSeconds)
	v.SetDefault("mock_server.retry_attempts", d.MockServer.RetryAttempts)
	v.SetDefault("mock_server.retry_base_delay_ms", d.MockServer.RetryBaseDelayMs)
	v.SetDefault("mock_server.retry_max_delay_ms", d.MockServer.RetryMaxDelayMs)
	v.SetDefault("mock_server.max_concurrent_requests", d.MockServer.MaxConcurrentRequests)

	v.SetDefault("backup.path", d.Backup.Path)
	v.SetDefault("backup.retention_days", d.Backup.RetentionDays)
	v.SetDefault("backup.compress_backups", d.Backup.CompressBackups)

	v.SetDefault("resilience.circuit_breaker_enabled", d.Resilience.CBEnabled)
	v.SetDefault("resilience.cb_failure_threshold", d.Resilience.CBFailureThreshold)
	v.SetDefault("resilience.cb_reset_timeout_seconds", d.Resilience.CBResetTimeoutSec)
	v.SetDefault("resilience.cb_half_open_max_calls", d.Resilience.CBHalfOpenMax)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
