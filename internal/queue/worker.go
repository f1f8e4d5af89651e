package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// ResultRecorder observes job outcomes.
type ResultRecorder interface {
	RecordJob(kind string, err error)
}

// Worker pulls jobs from a Broker and retries failures with Backoff. Retries
// are unbounded.
type Worker struct {
	broker      Broker
	backoff     Backoff
	logger      *zap.Logger
	concurrency int
	pollTimeout time.Duration
	recorder    ResultRecorder
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the number of consumer goroutines.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollTimeout bounds each blocking pop.
func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollTimeout = d
		}
	}
}

// WithRecorder attaches a job outcome recorder.
func WithRecorder(r ResultRecorder) WorkerOption {
	return func(w *Worker) {
		w.recorder = r
	}
}

// NewWorker builds a worker.
func NewWorker(broker Broker, backoff Backoff, logger *zap.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		broker:      broker,
		backoff:     backoff,
		logger:      logger,
		concurrency: 1,
		pollTimeout: 5 * time.Second,
		now:         time.Now,
		handlers:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds a handler to a job kind.
func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run consumes until ctx is cancelled. Jobs left in flight by a previous
// process are requeued first, and a cron entry promotes due retries.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.broker.Recover(ctx); err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	} else if n > 0 {
		w.logger.Info("requeued in-flight jobs", zap.Int("count", n))
	}

	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc("@every 1s", func() { w.promote(ctx) }); err != nil {
		return fmt.Errorf("schedule retry promotion: %w", err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
	return nil
}

func (w *Worker) promote(ctx context.Context) {
	n, err := w.broker.PromoteDue(ctx, w.now())
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("promote delayed jobs failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		w.logger.Debug("promoted delayed jobs", zap.Int("count", n))
	}
}

func (w *Worker) consume(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		d, err := w.broker.Pop(ctx, w.pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue failed", zap.Int("slot", slot), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if d == nil {
			continue
		}
		w.Process(ctx, d)
	}
}

// Process runs one delivery and acks or defers it.
func (w *Worker) Process(ctx context.Context, d *Delivery) {
	w.mu.RLock()
	h, ok := w.handlers[d.Job.Kind]
	w.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for %q", d.Job.Kind)
	} else {
		err = safeRun(ctx, h, d.Job)
	}
	if w.recorder != nil {
		w.recorder.RecordJob(d.Job.Kind, err)
	}

	if err == nil {
		if ackErr := w.broker.Ack(ctx, d); ackErr != nil {
			w.logger.Warn("ack failed", zap.String("job_id", d.Job.ID), zap.Error(ackErr))
		}
		return
	}

	delay := w.backoff.Delay(d.Job.Attempt)
	w.logger.Warn("job failed; retrying",
		zap.String("job_id", d.Job.ID),
		zap.String("kind", d.Job.Kind),
		zap.Int("attempt", d.Job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
	if deferErr := w.broker.Defer(ctx, d, w.now().Add(delay)); deferErr != nil {
		w.logger.Error("defer failed", zap.String("job_id", d.Job.ID), zap.Error(deferErr))
	}
}

func safeRun(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
