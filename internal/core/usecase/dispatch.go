package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

const DefaultWorkerConcurrency = 4

// RunObserver receives run lifecycle notifications. It is optional.
type RunObserver interface {
	StartRun()
	FinishRun(report domain.RunReport, err error)
	ObserveQueueLag(lag time.Duration)
}

type DispatcherOptions struct {
	Concurrency int
	Observer    RunObserver
	Logger      *slog.Logger
	Now         func() time.Time
}

// Dispatcher pulls tasks from the queue and executes each run on a bounded
// worker pool. Requeue requests are turned into delayed enqueues.
type Dispatcher struct {
	queue       ports.TaskQueue
	processor   ports.DocumentProcessor
	concurrency int
	observer    RunObserver
	logger      *slog.Logger
	now         func() time.Time
}

func NewDispatcher(queue ports.TaskQueue, processor ports.DocumentProcessor, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		queue:       queue,
		processor:   processor,
		concurrency: opts.Concurrency,
		observer:    opts.Observer,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if d.concurrency <= 0 {
		d.concurrency = DefaultWorkerConcurrency
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Run consumes until ctx is cancelled, then waits for in-flight runs. Runs
// are detached from ctx cancellation: once dispatched they complete, time out
// or fail on their own.
func (d *Dispatcher) Run(ctx context.Context) error {
	group := new(errgroup.Group)
	group.SetLimit(d.concurrency)
	runCtx := context.WithoutCancel(ctx)

	d.logger.Info("dispatcher_started", "concurrency", d.concurrency)
	consumeErr := d.queue.Consume(ctx, func(_ context.Context, task domain.Task) error {
		if task.DocumentID == "" {
			return domain.WrapError(domain.ErrInvalidInput, "dispatch task", errors.New("empty document id"))
		}
		group.Go(func() error {
			d.Execute(runCtx, task)
			return nil
		})
		return nil
	})

	_ = group.Wait()
	d.logger.Info("dispatcher_stopped")
	if consumeErr != nil && !errors.Is(consumeErr, context.Canceled) {
		return fmt.Errorf("consume tasks: %w", consumeErr)
	}
	return nil
}

// Execute runs a single task synchronously and schedules its requeue.
func (d *Dispatcher) Execute(ctx context.Context, task domain.Task) domain.RunReport {
	if d.observer != nil {
		if !task.EnqueuedAt.IsZero() {
			d.observer.ObserveQueueLag(d.now().Sub(task.EnqueuedAt))
		}
		d.observer.StartRun()
	}

	report, err := d.processor.Run(ctx, task)
	if d.observer != nil {
		d.observer.FinishRun(report, err)
	}
	if err != nil {
		d.logger.Error("document_run_error", "document_id", task.DocumentID, "attempt", task.Attempt, "error", err)
		return report
	}

	if report.Requeue() {
		next := domain.Task{
			DocumentID: report.DocumentID,
			Attempt:    report.Attempt,
			EnqueuedAt: d.now().UTC().Add(report.RetryAfter),
		}
		if err := d.queue.EnqueueAfter(ctx, next, report.RetryAfter); err != nil {
			d.logger.Error("document_requeue_failed",
				"document_id", report.DocumentID,
				"attempt", report.Attempt,
				"error", err,
			)
		}
	}
	return report
}
