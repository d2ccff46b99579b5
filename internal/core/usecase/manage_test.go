package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/repository/memory"
)

func failedDocument(t *testing.T, repo *memory.DocumentRepository, id string) {
	t.Helper()
	ctx := context.Background()
	seedUploaded(repo, id)
	if _, err := repo.ClaimRun(ctx, id, 0); err != nil {
		t.Fatalf("ClaimRun() error = %v", err)
	}
	if err := repo.Fail(ctx, id, "extraction permanent failure: unreadable"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
}

func TestReprocessFailedDocument(t *testing.T) {
	repo := memory.NewDocumentRepository()
	failedDocument(t, repo, "doc-1")
	queue := newQueueFake()
	events := &eventsFake{}
	uc := NewManageDocumentUseCase(repo, newStorageFake(), queue, events, nil)

	doc, err := uc.Reprocess(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Reprocess() error = %v", err)
	}
	if doc.Status != domain.StatusUploaded || doc.RetryCount != 1 || doc.ErrorMessage != nil {
		t.Fatalf("unexpected reprocessed document status=%s retry_count=%d", doc.Status, doc.RetryCount)
	}

	enqueued, _ := queue.snapshot()
	if len(enqueued) != 1 || enqueued[0].Attempt != 1 {
		t.Fatalf("expected task for attempt 1, got %+v", enqueued)
	}
	if got := events.transitions(); len(got) != 1 || got[0] != "failed->uploaded" {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestReprocessOnlyFromFailed(t *testing.T) {
	repo := memory.NewDocumentRepository()
	seedUploaded(repo, "doc-1")
	uc := NewManageDocumentUseCase(repo, newStorageFake(), newQueueFake(), nil, nil)

	_, err := uc.Reprocess(context.Background(), "doc-1")
	if !domain.IsKind(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	_, err = uc.Reprocess(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReprocessedDocumentRunsAgain(t *testing.T) {
	repo := memory.NewDocumentRepository()
	failedDocument(t, repo, "doc-1")
	queue := newQueueFake()
	manage := NewManageDocumentUseCase(repo, newStorageFake(), queue, nil, nil)
	if _, err := manage.Reprocess(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Reprocess() error = %v", err)
	}

	enqueued, _ := queue.snapshot()
	process := newProcessUC(repo, newPipelineFakes(), nil, ProcessOptions{})
	report, err := process.Run(context.Background(), enqueued[0])
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Outcome != domain.RunCompleted {
		t.Fatalf("expected completion, got %+v", report)
	}
	if doc := mustGet(t, repo, "doc-1"); doc.RetryCount != 1 || doc.Status != domain.StatusCompleted {
		t.Fatalf("unexpected document status=%s retry_count=%d", doc.Status, doc.RetryCount)
	}
}

func TestDeleteRemovesRecordThenBlob(t *testing.T) {
	repo := memory.NewDocumentRepository()
	failedDocument(t, repo, "doc-1")
	storage := newStorageFake()
	storage.delErr = errors.New("bucket unavailable")
	uc := NewManageDocumentUseCase(repo, storage, newQueueFake(), nil, nil)

	if err := uc.Delete(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(context.Background(), "doc-1"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected record to be gone, got %v", err)
	}
	if len(storage.deleted) != 1 || storage.deleted[0] != "doc-1_invoice.pdf" {
		t.Fatalf("expected blob delete attempt, got %v", storage.deleted)
	}
}

func TestDeleteRejectsRunningDocument(t *testing.T) {
	repo := memory.NewDocumentRepository()
	seedUploaded(repo, "doc-1")
	if _, err := repo.ClaimRun(context.Background(), "doc-1", 0); err != nil {
		t.Fatalf("ClaimRun() error = %v", err)
	}
	storage := newStorageFake()
	uc := NewManageDocumentUseCase(repo, storage, newQueueFake(), nil, nil)

	err := uc.Delete(context.Background(), "doc-1")
	if !domain.IsKind(err, domain.ErrRunInProgress) {
		t.Fatalf("expected run in progress, got %v", err)
	}
	if len(storage.deleted) != 0 {
		t.Fatalf("blob must be kept while the run is active")
	}
}

func seedSized(t *testing.T, repo *memory.DocumentRepository, id, tenant string, size int64) {
	t.Helper()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	err := repo.Create(context.Background(), &domain.Document{
		ID:          id,
		TenantID:    tenant,
		Filename:    "scan.pdf",
		SizeBytes:   size,
		StoragePath: id + "_scan.pdf",
		Status:      domain.StatusUploaded,
		UploadedAt:  now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestListRequiresTenantAndValidPaging(t *testing.T) {
	repo := memory.NewDocumentRepository()
	seedUploaded(repo, "doc-1")
	uc := NewManageDocumentUseCase(repo, newStorageFake(), newQueueFake(), nil, nil)

	page, err := uc.List(context.Background(), domain.DocumentFilter{TenantID: "demo"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 1 || page.Page != 1 || page.PageSize != domain.DefaultPageSize {
		t.Fatalf("unexpected page %+v", page)
	}

	for _, filter := range []domain.DocumentFilter{
		{},
		{TenantID: "demo", PageSize: domain.MaxPageSize + 1},
		{TenantID: "demo", Status: "archived"},
	} {
		if _, err := uc.List(context.Background(), filter); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("filter %+v: expected invalid input, got %v", filter, err)
		}
	}
}

func TestStatsReportsStorageInMegabytes(t *testing.T) {
	repo := memory.NewDocumentRepository()
	seedSized(t, repo, "doc-1", "acme", 1<<20)
	seedSized(t, repo, "doc-2", "acme", 1<<19)
	seedSized(t, repo, "doc-3", "other", 1<<30)
	uc := NewManageDocumentUseCase(repo, newStorageFake(), newQueueFake(), nil, nil)

	stats, err := uc.Stats(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalDocuments != 2 || stats.ByStatus[domain.StatusUploaded] != 2 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if stats.StorageBytes != 3<<19 || stats.StorageMB != 1.5 {
		t.Fatalf("unexpected storage %d bytes / %v MB", stats.StorageBytes, stats.StorageMB)
	}
	if stats.AverageConfidence != nil {
		t.Fatalf("expected no confidence average, got %v", *stats.AverageConfidence)
	}

	if _, err := uc.Stats(context.Background(), ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input without tenant, got %v", err)
	}
}
