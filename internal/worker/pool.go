// Package worker implements the Worker Pool (spec.md §4.4) — "the hardest
// subsystem": a Redis Streams consumer-group dispatcher generalized from the
// teacher's WorkerServer polling loop (worker/main.go's
// startTaskFetcher/fetchAndExecuteTask) onto the shared Job Store/Job Stream
// instead of a gRPC AssignTask/ReportTaskCompletion round trip.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jeffreysanford/soundforge/internal/apperr"
	"github.com/jeffreysanford/soundforge/internal/config"
	"github.com/jeffreysanford/soundforge/internal/correlation"
	"github.com/jeffreysanford/soundforge/internal/generator"
	"github.com/jeffreysanford/soundforge/internal/job"
	"github.com/jeffreysanford/soundforge/internal/metrics"
	"github.com/jeffreysanford/soundforge/internal/objectstore"
	"github.com/jeffreysanford/soundforge/internal/stream"
)

const (
	backoffBase = 2 * time.Second
	backoffMax  = 2 * time.Minute
)

// Pool is one worker process: N goroutines consuming the Job Stream's
// consumer group, dispatching to the Generator, and applying spec.md §4.4's
// retry/backoff/DLQ policy.
type Pool struct {
	jobs     *job.Store
	stream   *stream.Stream
	gen      *generator.Client
	objStore *objectstore.Store
	reporter *reporter
	cfg      config.Worker
	logger   *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Pool. objStore may be nil (spec.md's writeArtifacts=false /
// no bucket configured path).
func New(jobs *job.Store, jobStream *stream.Stream, gen *generator.Client, objStore *objectstore.Store, cfg config.Worker, logger *slog.Logger) *Pool {
	return &Pool{
		jobs:     jobs,
		stream:   jobStream,
		gen:      gen,
		objStore: objStore,
		reporter: newReporter(cfg.ReportURL, cfg.ServiceToken, cfg.GeneratorTimeout),
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches cfg.Concurrency consumer goroutines and a stale-claim
// reaper. Non-blocking; call Shutdown to drain.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.consumeLoop(runCtx, i)
	}

	p.wg.Add(1)
	go p.reapLoop(runCtx)
}

// Shutdown stops accepting new stream entries and awaits in-flight
// dispatches up to the configured drain deadline (spec.md §5).
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) consumeLoop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := p.stream.Consume(ctx, 1, 5*time.Second)
		if err != nil {
			p.logger.Error("stream consume failed", "consumer", id, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, e := range entries {
			p.dispatch(ctx, e)
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ClaimThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := p.stream.ClaimStale(ctx, p.cfg.ClaimThreshold, 50)
			if err != nil {
				p.logger.Error("claim stale entries failed", "error", err)
				continue
			}
			for _, e := range claimed {
				p.dispatch(ctx, e)
			}
		}
	}
}

// dispatch runs the single-entry algorithm from spec.md §4.4.
func (p *Pool) dispatch(ctx context.Context, e stream.Entry) {
	jobID := e.Fields.JobID
	logger := p.logger.With("jobId", jobID)

	expectedAttempts := e.Fields.RetryCount
	var transitioned bool
	var requestID string

	updated, err := p.jobs.PatchStatusProgress(ctx, jobID, func(j *job.Job) error {
		if j.Status.Terminal() {
			requestID = j.RequestID
			return nil
		}
		if j.Status == job.StatusProcessing && j.Attempts != expectedAttempts {
			// Fenced: another consumer already advanced past this attempt.
			requestID = j.RequestID
			return nil
		}
		transitioned = true
		if j.RequestID == "" {
			if e.Fields.RequestID != "" {
				j.RequestID = e.Fields.RequestID
			} else {
				j.RequestID = correlation.New()
			}
		}
		requestID = j.RequestID
		j.Attempts = expectedAttempts + 1
		j.Status = job.StatusProcessing
		now := time.Now().UTC()
		j.StartedAt = &now
		return nil
	})

	if err != nil {
		if apperr.Is(err, apperr.ErrNotFound) {
			// Orphan message: the Job record is gone. Ack and drop.
			_ = p.stream.Ack(ctx, e.ID)
			logger.Warn("dropping stream entry for missing job")
			return
		}
		logger.Error("processing CAS failed", "error", err)
		return
	}

	if !transitioned {
		// Idempotency guard: duplicate delivery of an already-consumed or
		// already-terminal attempt. Ack and exit without re-dispatching.
		_ = p.stream.Ack(ctx, e.ID)
		return
	}

	logger = logger.With("requestId", requestID, "attempt", updated.Attempts)

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GeneratorTimeout)
	start := time.Now()
	result, dispatchErr := p.gen.Dispatch(genCtx, updated.Generator, requestID, generator.Request{
		Narrative: updated.Narrative,
		Duration:  updated.Duration,
		Options:   json.RawMessage(updated.Options),
	})
	cancel()
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if dispatchErr == nil {
		p.onSuccess(ctx, jobID, requestID, result, logger)
		_ = p.stream.Ack(ctx, e.ID)
		return
	}

	p.onFailure(ctx, jobID, requestID, e, updated.Attempts, dispatchErr, logger)
	_ = p.stream.Ack(ctx, e.ID)
}

func (p *Pool) onSuccess(ctx context.Context, jobID, requestID string, result *generator.Result, logger *slog.Logger) {
	artifactURL := ""
	if p.cfg.WriteArtifacts && p.objStore != nil && len(result.ArtifactData) > 0 {
		ext := result.ArtifactExt
		if ext == "" {
			ext = "bin"
		}
		url, err := p.objStore.Upload(ctx, jobID, ext, result.ArtifactData)
		if err != nil {
			// Non-fatal (spec.md §4.4/§7): job still completes without a URL.
			logger.Warn("artifact upload failed", "error", err)
		} else {
			artifactURL = url
		}
	}

	updated, err := p.jobs.PatchTerminal(ctx, jobID, func(j *job.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = job.StatusCompleted
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.ArtifactURL = artifactURL
		j.Result = result.Raw
		return nil
	})
	if err != nil {
		logger.Error("completion CAS failed", "error", err)
		return
	}
	if updated.Status != job.StatusCompleted {
		// Cancellation won the race (spec.md §4.4 "Cancellation"): commit
		// nothing further and report no state change.
		logger.Info("job was cancelled before completion could commit")
		return
	}

	metrics.JobsCompleted.Inc()
	if err := p.reporter.report(ctx, requestID, reportPayload{
		JobID:       jobID,
		Type:        "completed",
		ArtifactURL: artifactURL,
		Result:      result.Raw,
	}); err != nil {
		logger.Warn("report(completed) delivery failed", "error", err)
	}
}

func (p *Pool) onFailure(ctx context.Context, jobID, requestID string, e stream.Entry, attempts int, dispatchErr error, logger *slog.Logger) {
	permanent := apperr.Is(dispatchErr, apperr.ErrPermanentUpstream)

	if !permanent && attempts < p.cfg.MaxRetries {
		delay := backoff(attempts, backoffBase, backoffMax)
		logger.Info("retrying job", "attempt", attempts, "delay", delay, "error", dispatchErr)
		metrics.JobsRetried.Inc()
		// Sleep-before-append (spec.md §4.4 step 6): simple and correct,
		// blocks one concurrency slot for the retry window.
		time.Sleep(delay)
		if _, err := p.stream.Enqueue(ctx, job.StreamEntry{
			JobID:      jobID,
			RequestID:  requestID,
			RetryCount: attempts,
		}); err != nil {
			logger.Error("retry re-enqueue failed", "error", err)
		}
		return
	}

	errMsg := dispatchErr.Error()
	updated, err := p.jobs.PatchTerminal(ctx, jobID, func(j *job.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = job.StatusFailed
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.Error = errMsg
		return nil
	})
	if err != nil {
		logger.Error("failure CAS failed", "error", err)
		return
	}
	if updated.Status != job.StatusFailed {
		logger.Info("job reached a terminal state before failure could commit")
		return
	}

	metrics.JobsFailed.Inc()
	metrics.DeadLettered.Inc()
	if err := p.stream.DeadLetter(ctx, job.DeadLetterEntry{
		JobID:     jobID,
		Error:     errMsg,
		Attempts:  attempts,
		Narrative: updated.Narrative,
		Duration:  updated.Duration,
		Generator: updated.Generator,
		RequestID: requestID,
	}); err != nil {
		logger.Error("dead-letter append failed", "error", err)
	}

	if err := p.reporter.report(ctx, requestID, reportPayload{
		JobID: jobID,
		Type:  "failed",
		Error: errMsg,
	}); err != nil {
		logger.Warn("report(failed) delivery failed", "error", err)
	}
}
