// Package queue runs workers over the store-backed durable job table.
// Each named queue gets its own worker count so slow LLM polling cannot
// starve crawling and vice versa. Jobs are leased with a visibility
// timeout; a reclaim loop re-pends jobs whose worker died mid-lease.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/green-detective/detective/internal/config"
	"github.com/green-detective/detective/internal/model"
	"github.com/green-detective/detective/internal/resilience"
	"github.com/green-detective/detective/internal/store"
)

// HandlerFunc processes one leased job. A nil return completes the job; an
// error re-pends it with backoff until the attempt budget is exhausted.
type HandlerFunc func(ctx context.Context, job *model.Job) error

// Worker polls the job table and dispatches to registered handlers.
type Worker struct {
	store    store.Store
	handlers map[string]HandlerFunc
	counts   map[string]int

	lease           time.Duration
	pollInterval    time.Duration
	reclaimInterval time.Duration
	retryCfg        resilience.RetryConfig
}

// Option configures a Worker.
type Option func(*Worker)

// WithLease sets the job visibility timeout.
func WithLease(d time.Duration) Option {
	return func(w *Worker) { w.lease = d }
}

// WithPollInterval sets the idle sleep between empty dequeue attempts.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithReclaimInterval sets how often expired leases are swept.
func WithReclaimInterval(d time.Duration) Option {
	return func(w *Worker) { w.reclaimInterval = d }
}

// WithRetryConfig sets the backoff schedule for failed jobs.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(w *Worker) { w.retryCfg = cfg }
}

// New creates a Worker with per-queue worker counts from config.
func New(st store.Store, cfg config.WorkersConfig, opts ...Option) *Worker {
	counts := map[string]int{
		model.QueueGeneral:     cfg.General,
		model.QueueScraping:    cfg.Scraping,
		model.QueuePreStaging:  cfg.PreStaging,
		model.QueuePostStaging: cfg.PostStaging,
	}
	for q, n := range counts {
		if n <= 0 {
			counts[q] = 1
		}
	}

	w := &Worker{
		store:           st,
		handlers:        make(map[string]HandlerFunc),
		counts:          counts,
		lease:           10 * time.Minute,
		pollInterval:    time.Second,
		reclaimInterval: time.Minute,
		retryCfg:        resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds a handler to a job kind. Must be called before Run.
func (w *Worker) Register(kind string, h HandlerFunc) {
	w.handlers[kind] = h
}

// Run starts all worker loops and the lease reclaimer, blocking until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "queue"))
	log.Info("starting workers",
		zap.Int("general", w.counts[model.QueueGeneral]),
		zap.Int("scraping", w.counts[model.QueueScraping]),
		zap.Int("prestaging", w.counts[model.QueuePreStaging]),
		zap.Int("poststaging", w.counts[model.QueuePostStaging]),
	)

	g, ctx := errgroup.WithContext(ctx)
	for queue, n := range w.counts {
		for i := 0; i < n; i++ {
			g.Go(func() error {
				w.loop(ctx, queue, log.With(zap.String("queue", queue)))
				return nil
			})
		}
	}
	g.Go(func() error {
		w.reclaimLoop(ctx, log)
		return nil
	})
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, queue string, log *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.store.DequeueJob(ctx, queue, w.lease)
		if err != nil {
			log.Error("queue: dequeue failed", zap.Error(err))
			w.sleep(ctx, w.pollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.pollInterval)
			continue
		}

		w.dispatch(ctx, job, log)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *model.Job, log *zap.Logger) {
	log = log.With(zap.String("job_id", job.ID), zap.String("kind", job.Kind), zap.Int("attempt", job.Attempts))

	handler, ok := w.handlers[job.Kind]
	if !ok {
		log.Error("queue: no handler for job kind")
		w.fail(ctx, job, eris.Errorf("no handler for kind %s", job.Kind), log)
		return
	}

	err := w.runGuarded(ctx, handler, job)
	if err != nil {
		log.Warn("queue: job failed", zap.Error(err))
		w.fail(ctx, job, err, log)
		return
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		log.Error("queue: complete failed", zap.Error(err))
	}
}

// runGuarded executes the handler with panic recovery so one bad job
// cannot take down the worker process.
func (w *Worker) runGuarded(ctx context.Context, handler HandlerFunc, job *model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.New(fmt.Sprintf("panic in job handler: %v", r))
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) fail(ctx context.Context, job *model.Job, jobErr error, log *zap.Logger) {
	retryAt := time.Now().UTC().Add(resilience.Backoff(job.Attempts-1, w.retryCfg))
	if err := w.store.FailJob(ctx, job.ID, jobErr.Error(), retryAt); err != nil {
		log.Error("queue: fail-job update failed", zap.Error(err))
	}
	if job.Attempts >= job.MaxAttempts {
		log.Error("queue: attempt budget exhausted, job dead", zap.Error(jobErr))
	}
}

func (w *Worker) reclaimLoop(ctx context.Context, log *zap.Logger) {
	ticker := time.NewTicker(w.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.ReclaimExpiredJobs(ctx)
			if err != nil {
				log.Error("queue: reclaim failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Warn("queue: reclaimed expired leases", zap.Int("jobs", n))
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
