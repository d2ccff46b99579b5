package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

type ManageDocumentUseCase struct {
	repo    ports.DocumentRepository
	storage ports.ObjectStorage
	queue   ports.TaskQueue
	events  ports.StatusPublisher
	logger  *slog.Logger
	now     func() time.Time
}

func NewManageDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	queue ports.TaskQueue,
	events ports.StatusPublisher,
	logger *slog.Logger,
) *ManageDocumentUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManageDocumentUseCase{
		repo:    repo,
		storage: storage,
		queue:   queue,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

func (uc *ManageDocumentUseCase) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	return uc.repo.GetByID(ctx, id)
}

func (uc *ManageDocumentUseCase) List(ctx context.Context, filter domain.DocumentFilter) (domain.DocumentPage, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return domain.DocumentPage{}, err
	}
	if filter.TenantID == "" {
		return domain.DocumentPage{}, domain.WrapError(domain.ErrInvalidInput, "list documents", errors.New("tenant is required"))
	}
	return uc.repo.List(ctx, filter)
}

func (uc *ManageDocumentUseCase) Stats(ctx context.Context, tenantID string) (domain.TenantStats, error) {
	if tenantID == "" {
		return domain.TenantStats{}, domain.WrapError(domain.ErrInvalidInput, "tenant stats", errors.New("tenant is required"))
	}
	stats, err := uc.repo.Stats(ctx, tenantID)
	if err != nil {
		return domain.TenantStats{}, err
	}
	stats.StorageMB = domain.StorageMegabytes(stats.StorageBytes)
	return stats, nil
}

// Reprocess moves a failed document back to uploaded and enqueues a new run.
// The retry count keeps growing across reprocessing while the retry budget
// starts over.
func (uc *ManageDocumentUseCase) Reprocess(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := uc.repo.Reprocess(ctx, id)
	if err != nil {
		return nil, err
	}
	now := uc.now().UTC()

	if uc.events != nil {
		event := domain.StatusEvent{
			DocumentID: doc.ID,
			TenantID:   doc.TenantID,
			From:       domain.StatusFailed,
			To:         domain.StatusUploaded,
			RetryCount: doc.RetryCount,
			At:         now,
		}
		if err := uc.events.PublishStatus(ctx, event); err != nil {
			uc.logger.Warn("status_event_publish_failed", "document_id", doc.ID, "error", err)
		}
	}

	if err := uc.queue.Enqueue(ctx, domain.Task{DocumentID: doc.ID, Attempt: doc.RetryCount, EnqueuedAt: now}); err != nil {
		uc.logger.Error("document_enqueue_failed", "document_id", doc.ID, "error", err)
	}
	uc.logger.Info("document_reprocess_requested", "document_id", doc.ID, "retry_count", doc.RetryCount)
	return doc, nil
}

// Delete removes the record, then the stored file. A document with a run in
// flight cannot be deleted.
func (uc *ManageDocumentUseCase) Delete(ctx context.Context, id string) error {
	doc, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status == domain.StatusProcessing {
		return domain.WrapError(domain.ErrRunInProgress, "delete document", fmt.Errorf("document %s is processing", id))
	}
	if err := uc.repo.Delete(ctx, id); err != nil {
		return err
	}
	if doc.StoragePath != "" {
		if err := uc.storage.Delete(ctx, doc.StoragePath); err != nil {
			uc.logger.Warn("blob_delete_failed", "document_id", id, "storage_path", doc.StoragePath, "error", err)
		}
	}
	uc.logger.Info("document_deleted", "document_id", id)
	return nil
}
