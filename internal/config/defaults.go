package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultControlPort is the default port for the control surface.
const DefaultControlPort = 8677

// DefaultIngestPort is the default port for the tap intake endpoint.
const DefaultIngestPort = 8678

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.meshmock"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "meshmock.toml"

// DefaultBodySizeLimit is the default maximum captured body size in bytes (1 MB).
const DefaultBodySizeLimit int64 = 1 << 20

// DefaultIngestBufferSize is the default bound on the ingest-to-processor channel.
const DefaultIngestBufferSize = 1024

// DefaultSampleRate is the default sample rate applied when no rule matches.
const DefaultSampleRate = 1.0

// DefaultBatchSize is the default processor batch size.
const DefaultBatchSize = 20

// DefaultBatchTimeoutMs is the default processor batch flush timeout in milliseconds.
const DefaultBatchTimeoutMs = 500

// DefaultEntropyThreshold is the default Shannon-entropy floor (bits/char) for
// flagging generic high-entropy tokens as secrets.
const DefaultEntropyThreshold = 3.5

// DefaultDedupTTL is the default dedup index entry TTL in seconds.
const DefaultDedupTTL = 300

// DefaultDedupMemoryTierSize is the default size of the in-process LRU tier
// sitting in front of the dedup index backend.
const DefaultDedupMemoryTierSize = 4096

// DefaultQueueStreamName is the default stub queue stream name.
const DefaultQueueStreamName = "wiremock_mappings"

// DefaultQueueConsumerGroup is the default stub queue consumer group.
const DefaultQueueConsumerGroup = "wiremock_loader"

// DefaultQueueMaxRetries is the default number of retries before an entry is
// dead-lettered.
const DefaultQueueMaxRetries = 5

// DefaultQueueReclaimIdleSeconds is the default idle threshold after which a
// pending entry is eligible for reclaim.
const DefaultQueueReclaimIdleSeconds = 300

// DefaultQueueRetentionHours is the default stream trim age.
const DefaultQueueRetentionHours = 24

// DefaultQueueReadBatchSize is the default number of entries read per XREADGROUP call.
const DefaultQueueReadBatchSize = 10

// DefaultQueueBlockMs is the default XREADGROUP block duration in milliseconds.
const DefaultQueueBlockMs = 1000

// DefaultMockServerTimeout is the default mock-server client timeout in seconds.
const DefaultMockServerTimeout = 10

// DefaultMockServerRetryAttempts is the default number of mock-server call
// attempts, the first try included.
const DefaultMockServerRetryAttempts = 3

// DefaultMockServerRetryBaseDelayMs is the default base backoff delay in milliseconds.
const DefaultMockServerRetryBaseDelayMs = 1000

// DefaultMockServerRetryMaxDelayMs is the default maximum backoff delay in milliseconds.
const DefaultMockServerRetryMaxDelayMs = 10000

// DefaultMaxConcurrentRequests is the default semaphore bound on concurrent
// mock-server submissions.
const DefaultMaxConcurrentRequests = 8

// DefaultBackupRetentionDays is the default backup retention window.
const DefaultBackupRetentionDays = 30

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
const DefaultWriteTimeout = 30

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultCBFailureThreshold is the default number of consecutive failures before opening the circuit.
const DefaultCBFailureThreshold = 5

// DefaultCBResetTimeout is the default circuit breaker reset timeout in seconds.
const DefaultCBResetTimeout = 60

// DefaultCBHalfOpenMax is the default number of successful calls in half-open state to close the circuit.
const DefaultCBHalfOpenMax = 1

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "meshmock"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// DefaultMetricsPort is the default Prometheus metrics port.
const DefaultMetricsPort = 8679

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// DefaultSensitiveHeaders lists header names that are always redacted.
var DefaultSensitiveHeaders = []string{
	"authorization", "cookie", "set-cookie", "x-api-key", "x-auth-token",
	"proxy-authorization", "x-csrf-token",
}

// DefaultSensitiveFields lists JSON/form field names that are always redacted.
var DefaultSensitiveFields = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
	"access_token", "refresh_token", "ssn", "card_number", "cvv", "pin",
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			ControlPort:  DefaultControlPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			TLSEnabled:   false,
			CertFile:     "",
			KeyFile:      "",
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
		},
		Ingest: IngestConfig{
			Port:              DefaultIngestPort,
			BodySizeLimit:     DefaultBodySizeLimit,
			BufferSize:        DefaultIngestBufferSize,
			IgnoredHosts:      []string{},
			IgnoredPaths:      []string{"/healthz", "/readyz"},
			EnableSampling:    false,
			DefaultSampleRate: DefaultSampleRate,
			SamplingRules:     []SamplingRule{},
			BatchSize:         DefaultBatchSize,
			BatchTimeoutMs:    DefaultBatchTimeoutMs,
		},
		Sanitizer: SanitizerConfig{
			SensitiveHeaders: DefaultSensitiveHeaders,
			SensitiveFields:  DefaultSensitiveFields,
			EntropyThreshold: DefaultEntropyThreshold,
		},
		Dedup: DedupConfig{
			BackendURL:     "redis://127.0.0.1:6379/0",
			DB:             0,
			Password:       "",
			TTLSeconds:     DefaultDedupTTL,
			MemoryTierSize: DefaultDedupMemoryTierSize,
		},
		Queue: QueueConfig{
			BackendURL:     "redis://127.0.0.1:6379/0",
			DB:             0,
			Password:       "",
			StreamName:     DefaultQueueStreamName,
			ConsumerGroup:  DefaultQueueConsumerGroup,
			MaxRetries:     DefaultQueueMaxRetries,
			ReclaimIdleSec: DefaultQueueReclaimIdleSeconds,
			RetentionHours: DefaultQueueRetentionHours,
			ReadBatchSize:  DefaultQueueReadBatchSize,
			BlockMs:        DefaultQueueBlockMs,
		},
		MockServer: MockServerConfig{
			URL:                   "http://127.0.0.1:8080",
			TimeoutSeconds:        DefaultMockServerTimeout,
			RetryAttempts:         DefaultMockServerRetryAttempts,
			RetryBaseDelayMs:      DefaultMockServerRetryBaseDelayMs,
			RetryMaxDelayMs:       DefaultMockServerRetryMaxDelayMs,
			MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		},
		Backup: BackupConfig{
			Path:            "~/.meshmock/backups",
			RetentionDays:   DefaultBackupRetentionDays,
			CompressBackups: true,
		},
		Resilience: ResilienceConfig{
			CBEnabled:          true,
			CBFailureThreshold: DefaultCBFailureThreshold,
			CBResetTimeoutSec:  DefaultCBResetTimeout,
			CBHalfOpenMax:      DefaultCBHalfOpenMax,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    DefaultMetricsPort,
		},
	}
}
