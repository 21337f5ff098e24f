package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspects/meshmock/internal/applier"
	"github.com/allaspects/meshmock/internal/backup"
	"github.com/allaspects/meshmock/internal/config"
	"github.com/allaspects/meshmock/internal/control"
	"github.com/allaspects/meshmock/internal/dedup"
	"github.com/allaspects/meshmock/internal/ingest"
	"github.com/allaspects/meshmock/internal/metrics"
	"github.com/allaspects/meshmock/internal/mockserver"
	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/processor"
	"github.com/allaspects/meshmock/internal/queue"
	"github.com/allaspects/meshmock/internal/sanitize"
	"github.com/allaspects/meshmock/internal/tracing"
	"github.com/allaspects/meshmock/internal/version"
)

// backendProbeTimeout bounds the startup reachability probe for the dedup and
// queue backends before falling back to the in-process implementations.
const backendProbeTimeout = 3 * time.Second

// dedupSweepInterval paces the defensive dedup index sweep.
const dedupSweepInterval = 10 * time.Minute

// backupSweepInterval paces the daily backup retention sweep.
const backupSweepInterval = 24 * time.Hour

// Run is the main daemon orchestrator. It initialises every pipeline stage,
// starts the ingest and control servers, and blocks until a shutdown signal
// is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	zerolog.SetGlobalLevel(logLevel)

	writers := []io.Writer{}

	// Always log to file.
	logPath := filepath.Join(dataDir, "meshmock.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	// If foreground, also write to stdout with console formatting.
	if foreground {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		writers = append(writers, consoleWriter)
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "meshmock").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("meshmock starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("meshmock is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	// 3. Distributed tracing (optional).
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(context.Background(),
			cfg.Tracing.ServiceName, version.Version, cfg.Tracing.Exporter,
			cfg.Tracing.Endpoint, cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if err != nil {
			log.Warn().Err(err).Msg("tracing init failed; continuing without tracing")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(ctx); err != nil {
					log.Warn().Err(err).Msg("tracing shutdown error")
				}
			}()
			log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing initialised")
		}
	}

	// 4. Dedup index: Redis in production, in-process map as the documented
	// development-only fallback, with a bounded LRU tier in front of either.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), backendProbeTimeout)
	defer probeCancel()

	var (
		backendIndex dedup.Index
		dedupPing    func(ctx context.Context) error
	)
	redisIndex, err := dedup.NewRedisIndex(cfg.Dedup.BackendURL, cfg.Dedup.DB, cfg.Dedup.Password)
	if err == nil {
		if pingErr := redisIndex.Ping(probeCtx); pingErr != nil {
			log.Warn().Err(pingErr).Str("url", cfg.Dedup.BackendURL).
				Msg("dedup backend unreachable; falling back to in-memory index (development only)")
			redisIndex.Close()
			backendIndex = dedup.NewMemoryIndex()
		} else {
			backendIndex = redisIndex
			dedupPing = redisIndex.Ping
		}
	} else {
		log.Warn().Err(err).Msg("dedup backend misconfigured; falling back to in-memory index (development only)")
		backendIndex = dedup.NewMemoryIndex()
	}

	index, err := dedup.NewTieredIndex(backendIndex, cfg.Dedup.MemoryTierSize)
	if err != nil {
		backendIndex.Close()
		return fmt.Errorf("creating dedup memory tier: %w", err)
	}
	defer index.Close()

	// 5. Stub queue: Redis Streams in production, in-memory for development.
	var mainQueue, dlqQueue queue.Queue
	redisQueue, err := queue.NewRedisQueue(cfg.Queue.BackendURL, cfg.Queue.DB, cfg.Queue.Password, cfg.Queue.StreamName)
	if err == nil {
		if pingErr := redisQueue.Ping(probeCtx); pingErr != nil {
			log.Warn().Err(pingErr).Str("url", cfg.Queue.BackendURL).
				Msg("queue backend unreachable; falling back to in-memory queue (development only, not durable)")
			redisQueue.Close()
			mainQueue = queue.NewMemoryQueue()
			dlqQueue = queue.NewMemoryQueue()
		} else {
			mainQueue = redisQueue
			dlqQueue = redisQueue.Sibling(":dlq")
		}
	} else {
		log.Warn().Err(err).Msg("queue backend misconfigured; falling back to in-memory queue (development only, not durable)")
		mainQueue = queue.NewMemoryQueue()
		dlqQueue = queue.NewMemoryQueue()
	}
	defer mainQueue.Close()

	// 6. Metrics.
	m := metrics.New()

	// 7. Mock-server client with retry and circuit breaker.
	var breaker *mockserver.CircuitBreaker
	if cfg.Resilience.CBEnabled {
		breaker = mockserver.NewCircuitBreaker(
			cfg.Resilience.CBFailureThreshold,
			time.Duration(cfg.Resilience.CBResetTimeoutSec)*time.Second,
			cfg.Resilience.CBHalfOpenMax,
		)
	}
	client := mockserver.New(mockserver.Options{
		BaseURL: strings.TrimRight(cfg.MockServer.URL, "/"),
		Timeout: time.Duration(cfg.MockServer.TimeoutSeconds) * time.Second,
		Retry: mockserver.RetryConfig{
			MaxAttempts: cfg.MockServer.RetryAttempts,
			BaseDelay:   time.Duration(cfg.MockServer.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.MockServer.RetryMaxDelayMs) * time.Millisecond,
		},
		MaxConcurrentRequests: cfg.MockServer.MaxConcurrentRequests,
		Breaker:               breaker,
		Logger:                log.Logger,
	})

	// 8. Backup store.
	backups, err := backup.NewStore(expandHome(cfg.Backup.Path), cfg.Backup.CompressBackups, log.Logger)
	if err != nil {
		return fmt.Errorf("opening backup store: %w", err)
	}
	defer backups.Close()

	// 9. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 10. Start config watcher.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}

	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(old, newCfg *config.Config) {
				log.Info().Msg("configuration reloaded")
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 11. Wire up the pipeline stages over the bounded ingest buffer.
	pipelineCtx, pipelineCancel := context.WithCancel(context.Background())
	defer pipelineCancel()

	ingestBuffer := make(chan model.TrafficEvent, cfg.Ingest.BufferSize)

	sanitizer := sanitize.New(cfg.Sanitizer.SensitiveHeaders, cfg.Sanitizer.SensitiveFields, cfg.Sanitizer.EntropyThreshold)

	proc := processor.New(processor.Config{
		BatchSize:    cfg.Ingest.BatchSize,
		BatchTimeout: time.Duration(cfg.Ingest.BatchTimeoutMs) * time.Millisecond,
		DedupTTL:     time.Duration(cfg.Dedup.TTLSeconds) * time.Second,
	}, ingestBuffer, sanitizer, index, mainQueue, m, log.Logger)

	app := applier.New(applier.Config{
		Group:         cfg.Queue.ConsumerGroup,
		ReadBatchSize: cfg.Queue.ReadBatchSize,
		BlockDuration: time.Duration(cfg.Queue.BlockMs) * time.Millisecond,
		MaxRetries:    cfg.Queue.MaxRetries,
		ReclaimIdle:   time.Duration(cfg.Queue.ReclaimIdleSec) * time.Second,
		RetentionAge:  time.Duration(cfg.Queue.RetentionHours) * time.Hour,
		BackupEnabled: true,
	}, mainQueue, dlqQueue, client, backups, m, log.Logger)

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		proc.Run(pipelineCtx)
	}()

	applierDone := make(chan struct{})
	go func() {
		defer close(applierDone)
		if err := app.Run(pipelineCtx); err != nil {
			log.Error().Err(err).Msg("applier stopped with error")
		}
	}()

	// 12. Background maintenance loops.
	go runDedupSweeper(pipelineCtx, index)
	go runBackupSweeper(pipelineCtx, backups, cfg.Backup.RetentionDays)
	if breaker != nil {
		go runBreakerGauge(pipelineCtx, breaker, m)
	}

	// 13. HTTP servers.
	errCh := make(chan error, 3)

	ingestAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Ingest.Port)
	ingestServer := ingest.NewServer(cfg.Ingest, ingestAddr, ingestBuffer, m, log.Logger)
	go func() {
		log.Info().Str("addr", ingestAddr).Msg("ingest server starting")
		if err := ingestServer.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ingest server: %w", err)
		}
	}()

	controlAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.ControlPort)
	controlServer := control.NewServer(controlAddr, control.Deps{
		Dedup:          index,
		DedupPing:      dedupPing,
		Queue:          mainQueue,
		Client:         client,
		Backups:        backups,
		Metrics:        m,
		ApplierRunning: app.Running,
		RetentionDays:  cfg.Backup.RetentionDays,
		Logger:         log.Logger,
	})
	go func() {
		log.Info().Str("addr", controlAddr).Msg("control server starting")
		if err := controlServer.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Port != cfg.Server.ControlPort {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Metrics.Port)
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", metricsAddr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	log.Info().
		Int("ingest_port", cfg.Ingest.Port).
		Int("control_port", cfg.Server.ControlPort).
		Str("mock_server", cfg.MockServer.URL).
		Str("consumer", app.Consumer()).
		Msg("meshmock is ready")

	if foreground {
		fmt.Printf("\n  MeshMock is running!\n")
		fmt.Printf("  Tap intake: http://%s/v1/tap\n", ingestAddr)
		fmt.Printf("  Control:    http://%s\n\n", controlAddr)
	}

	// 14. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		pipelineCancel()
		return err
	}

	// 15. Graceful shutdown: stop intake first so the buffer drains, then
	// cancel the pipeline so the processor flushes and the applier finishes
	// its in-flight applies, then stop the ops surfaces.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")

	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ingest server shutdown error")
	}
	close(ingestBuffer)

	// Let the processor drain the buffer; if it is wedged on a dead backend,
	// cancel so its in-flight retries abort instead of holding shutdown.
	select {
	case <-processorDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("processor did not drain within grace period")
	}
	pipelineCancel()
	<-processorDone
	select {
	case <-applierDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("applier did not stop within grace period")
	}

	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	log.Info().Msg("meshmock stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("meshmock does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		// Stale PID file; clean it up.
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("meshmock is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to meshmock (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("meshmock is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("meshmock is running (PID %d)\n", pid)

	httpClient := &http.Client{Timeout: 3 * time.Second}
	base := fmt.Sprintf("http://localhost:%d", cfg.Server.ControlPort)

	resp, err := httpClient.Get(base + "/ready")
	if err != nil {
		fmt.Println("  (control surface unreachable)")
		return nil
	}
	defer resp.Body.Close()

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ready); err == nil {
		fmt.Printf("\n  Readiness: %s\n", ready.Status)
		for name, state := range ready.Checks {
			fmt.Printf("    %-12s %s\n", name+":", state)
		}
	}

	statsResp, err := httpClient.Get(base + "/stats")
	if err != nil {
		return nil
	}
	defer statsResp.Body.Close()

	var stats struct {
		Counters map[string]float64 `json:"counters"`
	}
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		return nil
	}

	fmt.Println()
	for _, key := range []string{
		"meshmock_events_received_total",
		"meshmock_duplicates_total",
		"meshmock_stubs_built_total",
		"meshmock_apply_success_total",
		"meshmock_apply_dlq_total",
	} {
		if v, ok := stats.Counters[key]; ok {
			fmt.Printf("  %-36s %.0f\n", strings.TrimPrefix(key, "meshmock_")+":", v)
		}
	}
	return nil
}

// runDedupSweeper periodically evicts expired or TTL-less dedup entries.
func runDedupSweeper(ctx context.Context, index dedup.Index) {
	ticker := time.NewTicker(dedupSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := index.Sweep(ctx); err != nil {
				log.Warn().Err(err).Msg("dedup sweep failed")
			}
		}
	}
}

// runBackupSweeper runs the daily backup retention sweep.
func runBackupSweeper(ctx context.Context, backups *backup.Store, retentionDays int) {
	ticker := time.NewTicker(backupSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := backups.Sweep(retentionDays)
			if err != nil {
				log.Warn().Err(err).Int("deleted", n).Msg("backup sweep completed with errors")
			} else if n > 0 {
				log.Info().Int("deleted", n).Int("retention_days", retentionDays).Msg("backup sweep deleted old files")
			}
		}
	}
}

// runBreakerGauge mirrors the circuit breaker state into the metrics gauge.
func runBreakerGauge(ctx context.Context, breaker *mockserver.CircuitBreaker, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CircuitState.Set(float64(breaker.State()))
		}
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
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
