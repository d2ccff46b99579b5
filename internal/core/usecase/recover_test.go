package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/repository/memory"
)

type recoveryObserverFake struct {
	total int
}

func (f *recoveryObserverFake) AddRecovered(n int) { f.total += n }

func TestSweepRequeuesStaleDocuments(t *testing.T) {
	repo := memory.NewDocumentRepository()
	ctx := context.Background()

	seedUploaded(repo, "never-started")

	seedUploaded(repo, "abandoned")
	if _, err := repo.ClaimRun(ctx, "abandoned", 0); err != nil {
		t.Fatalf("ClaimRun() error = %v", err)
	}

	seedUploaded(repo, "lost-retry")
	if _, err := repo.ClaimRun(ctx, "lost-retry", 0); err != nil {
		t.Fatalf("ClaimRun() error = %v", err)
	}
	if _, err := repo.ScheduleRetry(ctx, "lost-retry", "classification transient failure: 503"); err != nil {
		t.Fatalf("ScheduleRetry() error = %v", err)
	}

	seedUploaded(repo, "finished")
	if _, err := repo.ClaimRun(ctx, "finished", 0); err != nil {
		t.Fatalf("ClaimRun() error = %v", err)
	}
	if err := repo.Fail(ctx, "finished", "extraction permanent failure: bad file"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	queue := newQueueFake()
	observer := &recoveryObserverFake{}
	uc := NewRecoveryUseCase(repo, queue, RecoveryOptions{
		StaleAfter: time.Minute,
		Observer:   observer,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
	})

	n, err := uc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 3 || observer.total != 3 {
		t.Fatalf("expected 3 recovered documents, got n=%d observed=%d", n, observer.total)
	}

	enqueued, _ := queue.snapshot()
	attempts := map[string]int{}
	for _, task := range enqueued {
		attempts[task.DocumentID] = task.Attempt
	}
	if _, ok := attempts["finished"]; ok {
		t.Fatalf("terminal documents must not be recovered")
	}
	if attempts["lost-retry"] != 1 || attempts["abandoned"] != 0 || attempts["never-started"] != 0 {
		t.Fatalf("unexpected recovered attempts %v", attempts)
	}

	abandoned := mustGet(t, repo, "abandoned")
	if !abandoned.RetryPending || abandoned.RetryCount != 0 {
		t.Fatalf("abandoned run must be re-armed without a retry, got pending=%v retry_count=%d",
			abandoned.RetryPending, abandoned.RetryCount)
	}
	if _, err := repo.ClaimRun(ctx, "abandoned", 0); err != nil {
		t.Fatalf("re-armed run must be claimable: %v", err)
	}
}

func TestSweepIgnoresFreshDocuments(t *testing.T) {
	repo := memory.NewDocumentRepository()
	seedUploaded(repo, "doc-1")
	queue := newQueueFake()
	uc := NewRecoveryUseCase(repo, queue, RecoveryOptions{
		StaleAfter: 10 * time.Minute,
		Now:        func() time.Time { return time.Date(2026, 10, 18, 9, 5, 0, 0, time.UTC) },
	})

	n, err := uc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing to recover, got %d", n)
	}
}

func TestSweepReportsEnqueueFailure(t *testing.T) {
	repo := memory.NewDocumentRepository()
	seedUploaded(repo, "doc-1")
	queue := newQueueFake()
	queue.err = errors.New("nats unavailable")
	uc := NewRecoveryUseCase(repo, queue, RecoveryOptions{
		StaleAfter: time.Minute,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
	})

	if _, err := uc.Sweep(context.Background()); err == nil {
		t.Fatalf("expected enqueue failure to surface")
	}
}

func TestRecoveredRunCompletes(t *testing.T) {
	repo := memory.NewDocumentRepository()
	ctx := context.Background()
	seedUploaded(repo, "doc-1")
	if _, err := repo.ClaimRun(ctx, "doc-1", 0); err != nil {
		t.Fatalf("ClaimRun() error = %v", err)
	}

	queue := newQueueFake()
	recovery := NewRecoveryUseCase(repo, queue, RecoveryOptions{
		StaleAfter: time.Minute,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
	})
	if _, err := recovery.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	enqueued, _ := queue.snapshot()
	if len(enqueued) != 1 {
		t.Fatalf("expected one recovered task, got %d", len(enqueued))
	}

	uc := newProcessUC(repo, newPipelineFakes(), nil, ProcessOptions{})
	report, err := uc.Run(ctx, enqueued[0])
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Outcome != domain.RunCompleted {
		t.Fatalf("expected recovered run to complete, got %+v", report)
	}
}
