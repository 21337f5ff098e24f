// Package processor orchestrates the collector stage: filter-passed traffic
// events flow through sanitize → fingerprint → dedupe → build → enqueue,
// batched under load.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspects/meshmock/internal/dedup"
	"github.com/allaspects/meshmock/internal/errkind"
	"github.com/allaspects/meshmock/internal/fingerprint"
	"github.com/allaspects/meshmock/internal/metrics"
	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/queue"
	"github.com/allaspects/meshmock/internal/sanitize"
	"github.com/allaspects/meshmock/internal/stub"
	"github.com/allaspects/meshmock/internal/tracing"
)

// enqueueBackoffCap caps the in-place enqueue retry delay.
const enqueueBackoffCap = 10 * time.Second

// Config holds the processor's tunables.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	DedupTTL     time.Duration
}

// Processor consumes the ingest buffer and emits stub documents to the queue.
type Processor struct {
	cfg       Config
	in        <-chan model.TrafficEvent
	sanitizer *sanitize.Sanitizer
	index     dedup.Index
	out       queue.Queue
	metrics   *metrics.Metrics
	log       zerolog.Logger

	running sync.WaitGroup
}

// New creates a Processor reading from in and appending stubs to out.
func New(cfg Config, in <-chan model.TrafficEvent, sanitizer *sanitize.Sanitizer, index dedup.Index, out queue.Queue, m *metrics.Metrics, logger zerolog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 500 * time.Millisecond
	}
	return &Processor{
		cfg:       cfg,
		in:        in,
		sanitizer: sanitizer,
		index:     index,
		out:       out,
		metrics:   m,
		log:       logger,
	}
}

// Run drives the batching loop until ctx is cancelled. On shutdown the
// current batch is flushed before Run returns.
func (p *Processor) Run(ctx context.Context) {
	batch := make([]model.TrafficEvent, 0, p.cfg.BatchSize)
	timer := time.NewTimer(p.cfg.BatchTimeout)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.processBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			p.running.Wait()
			return

		case ev, ok := <-p.in:
			if !ok {
				flush()
				p.running.Wait()
				return
			}
			if len(batch) == 0 {
				timer.Reset(p.cfg.BatchTimeout)
			}
			batch = append(batch, ev)
			if len(batch) >= p.cfg.BatchSize {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				flush()
			}

		case <-timer.C:
			flush()
		}
	}
}

// processBatch runs each event concurrently; per-event failures do not fail
// the batch. The batch completes when all sub-tasks finish.
func (p *Processor) processBatch(ctx context.Context, batch []model.TrafficEvent) {
	var wg sync.WaitGroup
	for _, ev := range batch {
		wg.Add(1)
		p.running.Add(1)
		go func(ev model.TrafficEvent) {
			defer wg.Done()
			defer p.running.Done()
			p.processOne(ctx, ev)
		}(ev)
	}
	wg.Wait()
}

// processOne carries a single event through the full collector pipeline.
func (p *Processor) processOne(ctx context.Context, ev model.TrafficEvent) {
	start := time.Now()
	defer func() {
		p.metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, span := tracing.StartStageSpan(ctx, "process")
	defer span.End()
	tracing.SetCaptureAttributes(ctx, ev.TraceID, ev.Request.Method, ev.Request.Path)

	sanitized := p.sanitizeEvent(ev)

	bodyDigest := sanitize.BodyDigest(sanitized.Request.Body, 0)
	fp, _ := fingerprint.Compute(sanitized.Request, bodyDigest)
	fpHex := fingerprint.Hex(fp)

	// A zero TTL disables dedup entirely: every event is treated as new.
	dedupEnabled := p.cfg.DedupTTL > 0

	seen := false
	var err error
	if dedupEnabled {
		seen, err = p.index.Seen(ctx, fpHex)
	}
	if err != nil {
		// Fail open: prefer a duplicate stub over a dropped signal.
		p.metrics.DedupErrors.Inc()
		p.log.Warn().Err(err).Str("kind", string(errkind.DedupBackendError)).
			Str("fingerprint", fpHex).Msg("dedup lookup failed; treating as unseen")
		seen = false
	}
	tracing.SetStubAttributes(ctx, fpHex, seen)
	if seen {
		p.metrics.Duplicates.Inc()
		p.log.Debug().Str("fingerprint", fpHex).Msg("duplicate fingerprint discarded")
		return
	}

	doc, err := stub.Build(sanitized, fpHex)
	if err != nil {
		p.metrics.StubBuildFailed.Inc()
		p.log.Warn().Err(err).Str("trace_id", ev.TraceID).Msg("stub builder rejected pair")
		return
	}

	if dedupEnabled {
		if err := p.index.Mark(ctx, fpHex, markMetadata(ev), p.cfg.DedupTTL); err != nil {
			// Mark errors are swallowed: the pipeline only needs a best-effort
			// reduction of duplicates.
			p.metrics.DedupErrors.Inc()
			p.log.Warn().Err(err).Str("kind", string(errkind.DedupBackendError)).
				Str("fingerprint", fpHex).Msg("dedup mark failed")
		}
	}

	p.enqueue(ctx, doc)
}

// sanitizeEvent redacts both halves of the capture and flags sanitize
// failures; the fingerprint still computes over the error-sentinel body.
func (p *Processor) sanitizeEvent(ev model.TrafficEvent) model.SanitizedEvent {
	out := model.SanitizedEvent{TrafficEvent: ev}

	req, reqFailed := p.sanitizer.SanitizeRequest(ev.Request)
	out.Request = req
	out.RequestSanitizeFailed = reqFailed

	resp, respFailed := p.sanitizer.SanitizeResponse(ev.Response)
	out.Response = resp
	out.ResponseSanitizeFailed = respFailed

	if reqFailed || respFailed {
		p.metrics.SanitizeFailed.Inc()
		p.log.Warn().Str("kind", string(errkind.SanitizeFail)).
			Str("trace_id", ev.TraceID).Msg("body sanitization degraded to error sentinel")
	}
	return out
}

// enqueue appends the stub, retrying in place with capped backoff until it
// lands or the processor shuts down. Blocking here is the backpressure
// mechanism: while this goroutine retries, its batch does not complete and
// the ingest buffer fills up to the tap.
func (p *Processor) enqueue(ctx context.Context, doc model.Stub) {
	payload, err := queue.EncodeMessage(doc, 0, "", time.Time{})
	if err != nil {
		p.metrics.StubBuildFailed.Inc()
		p.log.Error().Err(err).Str("stub_id", doc.ID).Msg("encoding queue message")
		return
	}

	delay := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		_, err := p.out.Append(ctx, payload)
		if err == nil {
			p.metrics.StubsBuilt.Inc()
			p.log.Debug().Str("stub_id", doc.ID).Msg("stub enqueued")
			return
		}

		p.metrics.EnqueueErrors.Inc()
		p.log.Warn().Err(err).Str("kind", string(errkind.QueueEnqueueError)).
			Str("stub_id", doc.ID).Int("attempt", attempt+1).Msg("queue append failed")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if delay *= 2; delay > enqueueBackoffCap {
			delay = enqueueBackoffCap
		}
	}
}

func markMetadata(ev model.TrafficEvent) map[string]string {
	meta := map[string]string{
		"method": ev.Request.Method,
		"path":   ev.Request.Path,
	}
	if ev.TraceID != "" {
		meta["trace_id"] = ev.TraceID
	}
	return meta
}
