package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

const defaultRecoveryBatch = 100

// RecoveryObserver counts recovered documents. It is optional.
type RecoveryObserver interface {
	AddRecovered(n int)
}

type RecoveryOptions struct {
	StaleAfter time.Duration
	Observer   RecoveryObserver
	Batch      int
	Logger     *slog.Logger
	Now        func() time.Time
}

// RecoveryUseCase re-enqueues documents whose task was lost: uploads that
// were never picked up, retries whose delayed task vanished, and runs that
// were abandoned by a terminated worker.
type RecoveryUseCase struct {
	repo       ports.DocumentRepository
	queue      ports.TaskQueue
	staleAfter time.Duration
	batch      int
	observer   RecoveryObserver
	logger     *slog.Logger
	now        func() time.Time
}

// NewRecoveryUseCase requires StaleAfter to exceed both the run time limit
// and the longest retry backoff, otherwise live work could be re-enqueued early.
func NewRecoveryUseCase(repo ports.DocumentRepository, queue ports.TaskQueue, opts RecoveryOptions) *RecoveryUseCase {
	uc := &RecoveryUseCase{
		repo:       repo,
		queue:      queue,
		staleAfter: opts.StaleAfter,
		batch:      opts.Batch,
		observer:   opts.Observer,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if uc.staleAfter <= 0 {
		uc.staleAfter = 2 * DefaultRunTimeout
	}
	if uc.batch <= 0 {
		uc.batch = defaultRecoveryBatch
	}
	if uc.logger == nil {
		uc.logger = slog.Default()
	}
	if uc.now == nil {
		uc.now = time.Now
	}
	return uc
}

func (uc *RecoveryUseCase) Sweep(ctx context.Context) (int, error) {
	docs, err := uc.repo.ListStale(ctx, uc.now().UTC().Add(-uc.staleAfter), uc.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale documents: %w", err)
	}

	requeued := 0
	defer func() {
		if uc.observer != nil {
			uc.observer.AddRecovered(requeued)
		}
	}()
	for _, doc := range docs {
		switch {
		case doc.Status == domain.StatusUploaded:
		case doc.Status == domain.StatusProcessing && doc.RetryPending:
		case doc.Status == domain.StatusProcessing:
			if err := uc.repo.RearmRun(ctx, doc.ID, doc.RetryCount); err != nil {
				uc.logger.Warn("recovery_rearm_failed", "document_id", doc.ID, "error", err)
				continue
			}
		default:
			continue
		}

		task := domain.Task{DocumentID: doc.ID, Attempt: doc.RetryCount, EnqueuedAt: uc.now().UTC()}
		if err := uc.queue.Enqueue(ctx, task); err != nil {
			return requeued, fmt.Errorf("enqueue recovered document %s: %w", doc.ID, err)
		}
		requeued++
		uc.logger.Info("document_recovered",
			"document_id", doc.ID,
			"status", string(doc.Status),
			"retry_pending", doc.RetryPending,
			"retry_count", doc.RetryCount,
		)
	}
	return requeued, nil
}

// Loop sweeps once at start and then every interval until ctx is cancelled.
func (uc *RecoveryUseCase) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := uc.Sweep(ctx); err != nil && ctx.Err() == nil {
			uc.logger.Warn("recovery_sweep_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
