// Package applier is the apply-and-persist stage: it consumes the stub queue
// with at-least-once delivery, mirrors each stub to the backup store, and
// registers it with the mock server, handling retries, dead-lettering, and
// reclaim of in-flight messages.
package applier

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspects/meshmock/internal/backup"
	"github.com/allaspects/meshmock/internal/errkind"
	"github.com/allaspects/meshmock/internal/metrics"
	"github.com/allaspects/meshmock/internal/mockserver"
	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/queue"
)

// reclaimInterval is how often the pending-reclaim loop lists stalled entries.
const reclaimInterval = 30 * time.Second

// retentionInterval is how often the retention loop trims the main stream.
const retentionInterval = time.Hour

// retryCeiling caps the exponential per-message retry sleep.
const retryCeiling = 60 * time.Second

// readErrorBackoff is the pause after a failed queue read before resuming.
const readErrorBackoff = 2 * time.Second

// Config holds the applier's tunables.
type Config struct {
	Group         string
	ReadBatchSize int
	BlockDuration time.Duration
	MaxRetries    int
	ReclaimIdle   time.Duration
	RetentionAge  time.Duration
	BackupEnabled bool
}

// Applier drives the delivery, reclaim, and retention loops.
type Applier struct {
	cfg      Config
	consumer string
	main     queue.Queue
	dlq      queue.Queue
	client   *mockserver.Client
	backups  *backup.Store
	metrics  *metrics.Metrics
	log      zerolog.Logger

	running  atomic.Bool
	inFlight sync.WaitGroup
}

// New creates an Applier. The consumer name is unique per process so the
// queue backend can attribute pending entries to a specific instance.
func New(cfg Config, main, dlq queue.Queue, client *mockserver.Client, backups *backup.Store, m *metrics.Metrics, logger zerolog.Logger) *Applier {
	if cfg.ReadBatchSize <= 0 {
		cfg.ReadBatchSize = 10
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Second
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 5 * time.Minute
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = 24 * time.Hour
	}

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	return &Applier{
		cfg:      cfg,
		consumer: consumer,
		main:     main,
		dlq:      dlq,
		client:   client,
		backups:  backups,
		metrics:  m,
		log:      logger.With().Str("consumer", consumer).Logger(),
	}
}

// Consumer returns this process's consumer name.
func (a *Applier) Consumer() string {
	return a.consumer
}

// Running reports whether the delivery loop is active, for readiness checks.
func (a *Applier) Running() bool {
	return a.running.Load()
}

// Run starts the delivery, reclaim, and retention loops and blocks until ctx
// is cancelled. On shutdown it stops reading, lets in-flight applies finish,
// and returns; unacked entries are recovered later via the reclaim path.
func (a *Applier) Run(ctx context.Context) error {
	if err := a.main.EnsureGroup(ctx, a.cfg.Group); err != nil {
		return err
	}

	a.running.Store(true)
	defer a.running.Store(false)

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		a.reclaimLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		a.retentionLoop(ctx)
	}()

	a.deliveryLoop(ctx)

	a.inFlight.Wait()
	loops.Wait()
	return nil
}

// deliveryLoop reads batches and dispatches them until cancellation.
func (a *Applier) deliveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := a.main.ReadAs(ctx, a.cfg.Group, a.consumer, a.cfg.ReadBatchSize, a.cfg.BlockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.metrics.QueueReadErrs.Inc()
			a.log.Warn().Err(err).Str("kind", string(errkind.QueueReadError)).
				Msg("queue read failed; backing off")
			sleepCtx(ctx, readErrorBackoff)
			continue
		}
		a.processEntries(ctx, entries)
	}
}

// processEntries dispatches a delivered batch concurrently; per-entry
// outcomes drive per-message ack/retry decisions.
func (a *Applier) processEntries(ctx context.Context, entries []queue.Entry) {
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		a.inFlight.Add(1)
		go func(e queue.Entry) {
			defer wg.Done()
			defer a.inFlight.Done()
			a.processEntry(ctx, e)
		}(e)
	}
	wg.Wait()
}

// processEntry runs one message through parse → backup → apply → ack,
// falling into handleFailure on any error.
func (a *Applier) processEntry(ctx context.Context, e queue.Entry) {
	start := time.Now()
	defer func() {
		a.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	}()

	msg, err := queue.DecodeMessage(e.StreamID, e.Payload)
	if err != nil {
		// A payload that cannot be parsed will never succeed: it skips the
		// retry budget and goes straight to the DLQ.
		a.log.Error().Err(err).Str("kind", string(errkind.MalformedInput)).
			Str("stream_id", e.StreamID).Msg("unparseable queue message")
		a.deadLetter(ctx, e.StreamID, model.Stub{}, fmt.Sprintf("parse: %v", err))
		a.ack(ctx, e.StreamID)
		return
	}

	if a.cfg.BackupEnabled {
		if _, err := a.backups.WriteStub(msg.Stub); err != nil {
			// Best-effort: a failed backup never fails the apply.
			a.metrics.BackupWriteErrors.Inc()
			a.log.Warn().Err(err).Str("kind", string(errkind.BackupWriteError)).
				Str("stub_id", msg.Stub.ID).Msg("backup write failed")
		} else {
			a.metrics.BackupWrites.Inc()
		}
	}

	if err := a.client.CreateStub(ctx, msg.Stub); err != nil {
		a.handleFailure(ctx, msg, err)
		return
	}

	a.metrics.ApplySuccess.Inc()
	a.log.Debug().Str("stub_id", msg.Stub.ID).Str("stream_id", e.StreamID).Msg("stub applied")
	a.ack(ctx, e.StreamID)
}

// handleFailure implements the retry/DLQ policy. Permanent failures
// (4xx, validation) skip the retry budget entirely.
func (a *Applier) handleFailure(ctx context.Context, msg model.QueueMessage, applyErr error) {
	kind, _ := errkind.Of(applyErr)
	permanent := kind == errkind.ApplyPermanent

	if permanent || msg.RetryCount >= a.cfg.MaxRetries {
		level := a.log.Warn()
		if permanent {
			level = a.log.Error()
		}
		level.Err(applyErr).Str("kind", string(kind)).
			Str("stub_id", msg.Stub.ID).Int("retry_count", msg.RetryCount).
			Msg("dead-lettering queue message")
		a.deadLetter(ctx, msg.StreamID, msg.Stub, applyErr.Error())
		a.ack(ctx, msg.StreamID)
		return
	}

	delay := time.Duration(1<<uint(msg.RetryCount)) * time.Second
	if delay > retryCeiling {
		delay = retryCeiling
	}
	a.log.Warn().Err(applyErr).Str("kind", string(kind)).
		Str("stub_id", msg.Stub.ID).Int("retry_count", msg.RetryCount).
		Dur("delay", delay).Msg("transient apply failure; re-enqueueing")
	sleepCtx(ctx, delay)

	payload, err := queue.EncodeMessage(msg.Stub, msg.RetryCount+1, applyErr.Error(), time.Now().UTC().Add(delay))
	if err != nil {
		a.log.Error().Err(err).Str("stub_id", msg.Stub.ID).Msg("encoding retry message")
		a.ack(ctx, msg.StreamID)
		return
	}
	if _, err := a.main.Append(ctx, payload); err != nil {
		// Leave the original unacked: the reclaim loop will redeliver it.
		a.log.Error().Err(err).Str("stream_id", msg.StreamID).
			Msg("re-enqueue failed; leaving original pending for reclaim")
		return
	}
	a.metrics.ApplyRetried.Inc()
	a.ack(ctx, msg.StreamID)
}

// deadLetter appends a DLQ record to the sibling stream.
func (a *Applier) deadLetter(ctx context.Context, streamID string, s model.Stub, finalErr string) {
	rec := model.DLQRecord{
		OriginalStreamID: streamID,
		FinalError:       finalErr,
		DLQTimestamp:     time.Now().UTC(),
		OriginalPayload:  s,
	}
	payload, err := queue.EncodeDLQRecord(rec)
	if err != nil {
		a.log.Error().Err(err).Str("stream_id", streamID).Msg("encoding DLQ record")
		return
	}
	if _, err := a.dlq.Append(ctx, payload); err != nil {
		a.log.Error().Err(err).Str("stream_id", streamID).Msg("DLQ append failed")
		return
	}
	a.metrics.ApplyDLQ.Inc()
}

func (a *Applier) ack(ctx context.Context, streamID string) {
	if err := a.main.Ack(ctx, a.cfg.Group, streamID); err != nil {
		a.log.Warn().Err(err).Str("stream_id", streamID).Msg("ack failed")
	}
}

// reclaimLoop periodically claims entries stalled on a crashed or stuck
// consumer and reprocesses them. This is the recovery path for crashes
// mid-processing.
func (a *Applier) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reclaimOnce(ctx)
		}
	}
}

func (a *Applier) reclaimOnce(ctx context.Context) {
	pending, err := a.main.Pending(ctx, a.cfg.Group)
	if err != nil {
		a.log.Warn().Err(err).Msg("listing pending entries failed")
		return
	}

	var stalled []string
	for _, p := range pending {
		if p.Idle > a.cfg.ReclaimIdle {
			stalled = append(stalled, p.StreamID)
		}
	}
	if len(stalled) == 0 {
		return
	}

	entries, err := a.main.Claim(ctx, a.cfg.Group, a.consumer, a.cfg.ReclaimIdle, stalled)
	if err != nil {
		a.log.Warn().Err(err).Msg("claiming stalled entries failed")
		return
	}
	if len(entries) == 0 {
		return
	}

	a.metrics.Reclaimed.Add(float64(len(entries)))
	a.log.Info().Int("count", len(entries)).Msg("reclaimed stalled entries")
	a.processEntries(ctx, entries)
}

// retentionLoop hourly trims main-stream entries older than the retention age.
func (a *Applier) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.main.TrimOlderThan(ctx, a.cfg.RetentionAge); err != nil {
				a.log.Warn().Err(err).Msg("stream trim failed")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
