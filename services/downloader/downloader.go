// Package downloader is the download task engine: a fixed pool of workers
// that claim pending tasks, fetch their source URLs, persist the bytes, and
// record the outcome through the task registry.
package downloader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amxwer/File-downloader/internal/domain"
	"github.com/amxwer/File-downloader/internal/events"
	"github.com/amxwer/File-downloader/internal/fetcher"
	redisstore "github.com/amxwer/File-downloader/internal/redis"
	"github.com/amxwer/File-downloader/internal/registry"
	"github.com/amxwer/File-downloader/internal/storage"
	"github.com/amxwer/File-downloader/pkg/backoff"
	"github.com/amxwer/File-downloader/pkg/telemetry"
)

// Downloader drives the worker pool. Workers are independent: one worker's
// network or storage wait never blocks another's progress, and all task-state
// mutation goes through the registry's atomic operations.
type Downloader struct {
	registry  registry.Registry
	store     storage.Store
	fetcher   fetcher.Fetcher
	cache     redisstore.StateStore
	publisher events.Publisher
	workers   int
	idle      backoff.Config
	logger    *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Downloader.
type Option func(*Downloader)

func WithWorkers(n int) Option                  { return func(d *Downloader) { d.workers = n } }
func WithLogger(l *slog.Logger) Option          { return func(d *Downloader) { d.logger = l } }
func WithIdleBackoff(cfg backoff.Config) Option { return func(d *Downloader) { d.idle = cfg } }
func WithCache(c redisstore.StateStore) Option  { return func(d *Downloader) { d.cache = c } }
func WithPublisher(p events.Publisher) Option   { return func(d *Downloader) { d.publisher = p } }

// New constructs a Downloader with the given dependencies and options.
func New(reg registry.Registry, store storage.Store, f fetcher.Fetcher, opts ...Option) *Downloader {
	d := &Downloader{
		registry:  reg,
		store:     store,
		fetcher:   f,
		publisher: events.Noop{},
		workers:   4,
		idle:      backoff.Config{Base: 250 * time.Millisecond, Cap: 5 * time.Second},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight task has drained.
func (d *Downloader) Run(ctx context.Context) {
	d.logger.Info("downloader starting", slog.Int("workers", d.workers))
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx, i)
	}
	d.wg.Wait()
}

// InFlight reports how many tasks are currently being processed.
func (d *Downloader) InFlight() int64 { return d.inFlight.Load() }

// runWorker is one claim loop: claim, process, repeat. When nothing is
// claimable it pauses with a doubling backoff instead of busy-spinning.
func (d *Downloader) runWorker(ctx context.Context, id int) {
	defer d.wg.Done()
	log := d.logger.With(slog.Int("worker", id))

	idleAttempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := d.registry.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", slog.String("error", err.Error()))
			if backoff.Sleep(ctx, d.idle.Delay(idleAttempt+1)) != nil {
				return
			}
			idleAttempt++
			continue
		}
		if task == nil {
			idleAttempt++
			if backoff.Sleep(ctx, d.idle.Delay(idleAttempt)) != nil {
				return
			}
			continue
		}

		idleAttempt = 0
		telemetry.DownloaderTasksClaimed.Inc()
		d.process(ctx, task, log)
	}
}

func (d *Downloader) process(ctx context.Context, task *domain.Task, log *slog.Logger) {
	ctx, span := otel.Tracer("downloader").Start(ctx, "downloader.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.source_url", task.SourceURL),
		attribute.Int("task.attempt", task.AttemptCount),
	)

	log = log.With(
		slog.String("task_id", task.ID),
		slog.String("source_url", task.SourceURL),
		slog.Int("attempt", task.AttemptCount),
	)

	d.inFlight.Add(1)
	telemetry.DownloaderTasksInFlight.Inc()
	defer func() {
		telemetry.DownloaderTasksInFlight.Dec()
		d.inFlight.Add(-1)
	}()

	d.setCache(ctx, task.ID, domain.StatusInProgress)

	start := time.Now()
	ref, size, contentType, err := d.fetchAndStore(ctx, task)
	telemetry.DownloaderTaskDurationSeconds.Observe(time.Since(start).Seconds())

	// Outcomes are recorded even when the pool is shutting down: a fetched
	// file must not be lost to a cancelled context.
	recCtx := context.WithoutCancel(ctx)
	if err != nil {
		d.finishFailure(recCtx, span, task, err, log)
		return
	}
	d.finishSuccess(recCtx, task, ref, size, contentType, log)
}

// fetchAndStore performs one attempt: open the remote stream and pipe it into
// the storage backend. The result reference exists only if the store
// committed the full body.
func (d *Downloader) fetchAndStore(ctx context.Context, task *domain.Task) (ref string, size int64, contentType string, err error) {
	res, err := d.fetcher.Fetch(ctx, task.SourceURL)
	if err != nil {
		return "", 0, "", err
	}
	defer res.Body.Close()

	ref, size, err = d.store.Put(ctx, task.ID, res.Body, res.ContentType)
	if err != nil {
		return "", 0, "", err
	}
	return ref, size, res.ContentType, nil
}

func (d *Downloader) finishSuccess(ctx context.Context, task *domain.Task, ref string, size int64, contentType string, log *slog.Logger) {
	if err := d.registry.RecordSuccess(ctx, task.ID, ref, size, contentType); err != nil {
		d.handleRecordError(trace.SpanFromContext(ctx), err, log)
		return
	}

	now := time.Now().UTC()
	task.Status = domain.StatusCompleted
	task.ResultRef = ref
	task.SizeBytes = size
	task.ContentType = contentType
	task.UpdatedAt = now
	task.CompletedAt = &now

	d.setCacheMeta(ctx, task)
	if err := d.publisher.Publish(ctx, events.TypeCompleted, task); err != nil {
		log.Error("failed to publish completed event", slog.String("error", err.Error()))
	}

	telemetry.DownloaderTasksProcessed.WithLabelValues("completed").Inc()
	telemetry.DownloaderBytesStoredTotal.Add(float64(size))
	log.Info("download completed",
		slog.String("result_ref", ref),
		slog.Int64("size_bytes", size),
	)
}

func (d *Downloader) finishFailure(ctx context.Context, span trace.Span, task *domain.Task, taskErr error, log *slog.Logger) {
	reason, retriable := classify(taskErr)
	span.RecordError(taskErr)
	span.SetStatus(codes.Error, reason)

	if err := d.registry.RecordFailure(ctx, task.ID, reason, retriable); err != nil {
		d.handleRecordError(span, err, log)
		return
	}

	// The registry decided between re-queue and terminal failure; read back
	// the committed record rather than second-guessing its policy.
	updated, err := d.registry.GetByID(ctx, task.ID)
	if err != nil {
		log.Error("failed to read back task after failure", slog.String("error", err.Error()))
		return
	}

	d.setCacheMeta(ctx, updated)
	switch updated.Status {
	case domain.StatusPending:
		telemetry.DownloaderTasksProcessed.WithLabelValues("requeued").Inc()
		telemetry.DownloaderRetriesTotal.Inc()
		log.Warn("attempt failed, re-queued",
			slog.String("reason", reason),
			slog.Time("available_at", updated.AvailableAt),
			slog.String("error", taskErr.Error()),
		)
	case domain.StatusFailed:
		telemetry.DownloaderTasksProcessed.WithLabelValues("failed").Inc()
		if err := d.publisher.Publish(ctx, events.TypeFailed, updated); err != nil {
			log.Error("failed to publish failed event", slog.String("error", err.Error()))
		}
		log.Error("download failed",
			slog.String("reason", updated.ErrorReason),
			slog.Int("attempts", updated.AttemptCount),
			slog.String("error", taskErr.Error()),
		)
	}
}

// handleRecordError deals with a registry write that did not apply. An
// InvalidTransition is a scheduling bug: shout, count it, and leave the task
// alone so other tasks are unaffected.
func (d *Downloader) handleRecordError(span trace.Span, err error, log *slog.Logger) {
	var invalid *domain.InvalidTransitionError
	if errors.As(err, &invalid) {
		telemetry.DownloaderInvalidTransitionsTotal.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid transition")
		log.Error("SCHEDULING BUG: invalid state transition",
			slog.String("op", invalid.Op),
			slog.String("from", string(invalid.From)),
		)
		return
	}
	// Registry unavailable: leave the task IN_PROGRESS. The claim timeout
	// will make it claimable again.
	log.Error("failed to record outcome, task left for reclamation",
		slog.String("error", err.Error()),
	)
}

// classify maps an attempt error onto the failure taxonomy.
func classify(err error) (reason string, retriable bool) {
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		return fe.Reason, fe.Retriable
	}
	var su *domain.StorageUnavailableError
	if errors.As(err, &su) {
		// Storage hiccups are transient from the task's point of view.
		return domain.ReasonStorage, true
	}
	return domain.ReasonBadResponse, false
}

func (d *Downloader) setCache(ctx context.Context, taskID string, status domain.Status) {
	if d.cache == nil {
		return
	}
	if err := d.cache.SetStatus(ctx, taskID, status); err != nil {
		d.logger.Debug("cache status write failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

func (d *Downloader) setCacheMeta(ctx context.Context, task *domain.Task) {
	if d.cache == nil {
		return
	}
	// Meta goes in before the status key. The other order opens a window
	// where a poll sees a terminal status overlaid on stale cached meta,
	// e.g. COMPLETED with no result_ref.
	if err := d.cache.SetTaskMeta(ctx, task); err != nil {
		d.logger.Debug("cache meta write failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
	if err := d.cache.SetStatus(ctx, task.ID, task.Status); err != nil {
		d.logger.Debug("cache status write failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}
