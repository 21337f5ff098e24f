package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.ControlPort < 1 || cfg.Server.ControlPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.control_port must be between 1 and 65535, got %d", cfg.Server.ControlPort))
	}
	if cfg.Ingest.Port < 1 || cfg.Ingest.Port > 65535 {
		errs = append(errs, fmt.Sprintf("ingest.port must be between 1 and 65535, got %d", cfg.Ingest.Port))
	}
	if cfg.Server.ControlPort == cfg.Ingest.Port {
		errs = append(errs, fmt.Sprintf("server.control_port and ingest.port must differ, both are %d", cfg.Server.ControlPort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" {
			errs = append(errs, "server.cert_file must be set when tls_enabled is true")
		}
		if cfg.Server.KeyFile == "" {
			errs = append(errs, "server.key_file must be set when tls_enabled is true")
		}
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}

	if cfg.Ingest.BodySizeLimit < 1024 || cfg.Ingest.BodySizeLimit > 1<<20 {
		errs = append(errs, fmt.Sprintf("ingest.body_size_limit must be between 1024 and 1048576, got %d", cfg.Ingest.BodySizeLimit))
	}
	if cfg.Ingest.BufferSize < 1 {
		errs = append(errs, fmt.Sprintf("ingest.buffer_size must be positive, got %d", cfg.Ingest.BufferSize))
	}
	if cfg.Ingest.DefaultSampleRate < 0 || cfg.Ingest.DefaultSampleRate > 1 {
		errs = append(errs, fmt.Sprintf("ingest.default_sample_rate must be between 0 and 1, got %f", cfg.Ingest.DefaultSampleRate))
	}
	for i, rule := range cfg.Ingest.SamplingRules {
		if rule.PathRegex == "" {
			errs = append(errs, fmt.Sprintf("ingest.sampling_rules[%d].path_regex must not be empty", i))
		}
		if rule.SampleRate < 0 || rule.SampleRate > 1 {
			errs = append(errs, fmt.Sprintf("ingest.sampling_rules[%d].sample_rate must be between 0 and 1, got %f", i, rule.SampleRate))
		}
	}
	if cfg.Ingest.BatchSize < 1 || cfg.Ingest.BatchSize > 100 {
		errs = append(errs, fmt.Sprintf("ingest.batch_size must be between 1 and 100, got %d", cfg.Ingest.BatchSize))
	}
	if cfg.Ingest.BatchTimeoutMs < 0 {
		errs = append(errs, fmt.Sprintf("ingest.batch_timeout_ms must be non-negative, got %d", cfg.Ingest.BatchTimeoutMs))
	}

	if cfg.Sanitizer.EntropyThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("sanitizer.entropy_threshold must be positive, got %f", cfg.Sanitizer.EntropyThreshold))
	}

	if cfg.Dedup.BackendURL == "" {
		errs = append(errs, "dedup.backend_url must not be empty")
	}
	if cfg.Dedup.TTLSeconds < 0 {
		errs = append(errs, fmt.Sprintf("dedup.ttl_seconds must be non-negative, got %d", cfg.Dedup.TTLSeconds))
	}
	if cfg.Dedup.MemoryTierSize < 0 {
		errs = append(errs, fmt.Sprintf("dedup.memory_tier_size must be non-negative, got %d", cfg.Dedup.MemoryTierSize))
	}

	if cfg.Queue.BackendURL == "" {
		errs = append(errs, "queue.backend_url must not be empty")
	}
	if cfg.Queue.StreamName == "" {
		errs = append(errs, "queue.stream_name must not be empty")
	}
	if cfg.Queue.ConsumerGroup == "" {
		errs = append(errs, "queue.consumer_group must not be empty")
	}
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("queue.max_retries must be non-negative, got %d", cfg.Queue.MaxRetries))
	}
	if cfg.Queue.ReclaimIdleSec < 1 {
		errs = append(errs, fmt.Sprintf("queue.reclaim_idle_seconds must be positive, got %d", cfg.Queue.ReclaimIdleSec))
	}
	if cfg.Queue.RetentionHours < 1 {
		errs = append(errs, fmt.Sprintf("queue.retention_hours must be positive, got %d", cfg.Queue.RetentionHours))
	}
	if cfg.Queue.ReadBatchSize < 1 {
		errs = append(errs, fmt.Sprintf("queue.read_batch_size must be positive, got %d", cfg.Queue.ReadBatchSize))
	}

	if cfg.MockServer.URL == "" {
		errs = append(errs, "mock_server.url must not be empty")
	}
	if cfg.MockServer.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Sprintf("mock_server.timeout_seconds must be positive, got %d", cfg.MockServer.TimeoutSeconds))
	}
	if cfg.MockServer.RetryAttempts < 0 {
		errs = append(errs, fmt.Sprintf("mock_server.retry_attempts must be non-negative, got %d", cfg.MockServer.RetryAttempts))
	}
	if cfg.MockServer.MaxConcurrentRequests < 1 {
		errs = append(errs, fmt.Sprintf("mock_server.max_concurrent_requests must be positive, got %d", cfg.MockServer.MaxConcurrentRequests))
	}

	if cfg.Backup.Path == "" {
		errs = append(errs, "backup.path must not be empty")
	}
	if cfg.Backup.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("backup.retention_days must be at least 1, got %d", cfg.Backup.RetentionDays))
	}

	if cfg.Resilience.CBFailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("resilience.cb_failure_threshold must be at least 1, got %d", cfg.Resilience.CBFailureThreshold))
	}
	if cfg.Resilience.CBResetTimeoutSec <= 0 {
		errs = append(errs, fmt.Sprintf("resilience.cb_reset_timeout_seconds must be positive, got %d", cfg.Resilience.CBResetTimeoutSec))
	}
	if cfg.Resilience.CBHalfOpenMax < 1 {
		errs = append(errs, fmt.Sprintf("resilience.cb_half_open_max_calls must be at least 1, got %d", cfg.Resilience.CBHalfOpenMax))
	}

	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		errs = append(errs, fmt.Sprintf("metrics.port must be between 1 and 65535, got %d", cfg.Metrics.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
