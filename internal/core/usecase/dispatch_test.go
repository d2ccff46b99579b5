package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

type processorFake struct {
	mu       sync.Mutex
	reports  map[string]domain.RunReport
	err      error
	release  chan struct{}
	active   atomic.Int32
	peak     atomic.Int32
	executed atomic.Int32
}

func (f *processorFake) Run(ctx context.Context, task domain.Task) (domain.RunReport, error) {
	n := f.active.Add(1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	defer f.active.Add(-1)
	defer f.executed.Add(1)

	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return domain.RunReport{DocumentID: task.DocumentID}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if report, ok := f.reports[task.DocumentID]; ok {
		return report, nil
	}
	return domain.RunReport{DocumentID: task.DocumentID, Outcome: domain.RunCompleted, Attempt: task.Attempt}, nil
}

type runObserverFake struct {
	mu       sync.Mutex
	started  int
	finished []domain.RunReport
	lags     []time.Duration
}

func (f *runObserverFake) StartRun() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *runObserverFake) FinishRun(report domain.RunReport, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, report)
}

func (f *runObserverFake) ObserveQueueLag(lag time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lags = append(f.lags, lag)
}

func TestExecuteSchedulesDelayedRequeue(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	queue := newQueueFake()
	processor := &processorFake{reports: map[string]domain.RunReport{
		"doc-1": {DocumentID: "doc-1", Outcome: domain.RunRequeued, Attempt: 2, RetryAfter: 120 * time.Second},
	}}
	observer := &runObserverFake{}
	dispatcher := NewDispatcher(queue, processor, DispatcherOptions{
		Observer: observer,
		Now:      func() time.Time { return now },
	})

	report := dispatcher.Execute(context.Background(), domain.Task{
		DocumentID: "doc-1",
		Attempt:    1,
		EnqueuedAt: now.Add(-5 * time.Second),
	})
	if !report.Requeue() {
		t.Fatalf("expected requeue report, got %+v", report)
	}

	_, delayed := queue.snapshot()
	if len(delayed) != 1 {
		t.Fatalf("expected one delayed task, got %d", len(delayed))
	}
	got := delayed[0]
	if got.delay != 120*time.Second || got.task.Attempt != 2 || got.task.DocumentID != "doc-1" {
		t.Fatalf("unexpected delayed task %+v", got)
	}
	if !got.task.EnqueuedAt.Equal(now.Add(120 * time.Second)) {
		t.Fatalf("expected due time as enqueue time, got %s", got.task.EnqueuedAt)
	}
	if observer.started != 1 || len(observer.finished) != 1 {
		t.Fatalf("expected one observed run, got started=%d finished=%d", observer.started, len(observer.finished))
	}
	if len(observer.lags) != 1 || observer.lags[0] != 5*time.Second {
		t.Fatalf("expected 5s queue lag, got %v", observer.lags)
	}
}

func TestExecuteDoesNotRequeueFinishedRuns(t *testing.T) {
	queue := newQueueFake()
	processor := &processorFake{reports: map[string]domain.RunReport{
		"failed": {DocumentID: "failed", Outcome: domain.RunFailed},
	}}
	dispatcher := NewDispatcher(queue, processor, DispatcherOptions{})

	dispatcher.Execute(context.Background(), domain.Task{DocumentID: "done"})
	dispatcher.Execute(context.Background(), domain.Task{DocumentID: "failed"})

	enqueued, delayed := queue.snapshot()
	if len(enqueued) != 0 || len(delayed) != 0 {
		t.Fatalf("expected no requeue, got enqueued=%v delayed=%v", enqueued, delayed)
	}
}

func TestExecuteRunErrorIsNotRequeued(t *testing.T) {
	queue := newQueueFake()
	processor := &processorFake{err: errors.New("db down")}
	dispatcher := NewDispatcher(queue, processor, DispatcherOptions{})

	dispatcher.Execute(context.Background(), domain.Task{DocumentID: "doc-1"})

	_, delayed := queue.snapshot()
	if len(delayed) != 0 {
		t.Fatalf("run errors are left to recovery, got %v", delayed)
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	queue := newQueueFake()
	processor := &processorFake{release: make(chan struct{})}
	dispatcher := NewDispatcher(queue, processor, DispatcherOptions{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		queue.tasks <- domain.Task{DocumentID: id}
	}

	deadline := time.After(time.Second)
	for processor.active.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected two active runs, got %d", processor.active.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if peak := processor.peak.Load(); peak != 2 {
		t.Fatalf("expected at most 2 concurrent runs, got %d", peak)
	}

	close(processor.release)
	for processor.executed.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("expected all runs to finish, got %d", processor.executed.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not stop")
	}
}

func TestDispatcherWaitsForInFlightRunsOnShutdown(t *testing.T) {
	queue := newQueueFake()
	processor := &processorFake{release: make(chan struct{})}
	dispatcher := NewDispatcher(queue, processor, DispatcherOptions{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	queue.tasks <- domain.Task{DocumentID: "a"}
	for processor.active.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
		t.Fatalf("dispatcher returned while a run was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(processor.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not stop after the run finished")
	}
	if processor.executed.Load() != 1 {
		t.Fatalf("expected the in-flight run to complete")
	}
}
