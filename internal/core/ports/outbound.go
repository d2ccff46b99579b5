package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

// DocumentRepository persists document state. Every pipeline write is guarded
// by the current status so that a terminal document is never mutated by a run.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Delete(ctx context.Context, id string) error

	// ClaimRun moves the document into processing for the given attempt.
	// It succeeds for uploaded documents, or for processing documents with a
	// pending retry whose retry count equals attempt. Otherwise it returns
	// ErrRunInProgress (or ErrDocumentNotFound).
	ClaimRun(ctx context.Context, id string, attempt int) (domain.Claim, error)

	SaveExtractedFields(ctx context.Context, id string, fields domain.ExtractedFields) error
	SaveDocumentType(ctx context.Context, id string, docType domain.DocumentType) error
	SaveEntities(ctx context.Context, id string, entities []domain.Entity) error

	Complete(ctx context.Context, id string, completion domain.Completion) error
	Fail(ctx context.Context, id string, errMessage string) error
	// ScheduleRetry increments retry_count, marks the retry pending and
	// returns the new retry count. Status stays processing.
	ScheduleRetry(ctx context.Context, id string, errMessage string) (int, error)
	// Reprocess performs failed → uploaded, clearing the error and
	// incrementing retry_count.
	Reprocess(ctx context.Context, id string) (*domain.Document, error)

	// List returns one page of a tenant's documents, newest upload first,
	// with the total count matching the filter.
	List(ctx context.Context, filter domain.DocumentFilter) (domain.DocumentPage, error)
	Stats(ctx context.Context, tenantID string) (domain.TenantStats, error)

	// ListStale returns documents whose last update is older than before and
	// which are uploaded, processing or awaiting a retry.
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Document, error)
	// RearmRun marks an abandoned processing run as pending without
	// touching retry_count.
	RearmRun(ctx context.Context, id string, retryCount int) error
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// TaskQueue transports processing tasks and supports delayed delivery.
type TaskQueue interface {
	Enqueue(ctx context.Context, task domain.Task) error
	EnqueueAfter(ctx context.Context, task domain.Task, delay time.Duration) error
	Consume(ctx context.Context, handler func(context.Context, domain.Task) error) error
}

// StatusPublisher fans out persisted status transitions.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event domain.StatusEvent) error
}

// FieldExtractor performs optical/structural field extraction.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, doc *domain.Document) (domain.ExtractedFields, float64, error)
}

// DocumentClassifier returns a raw label and its confidence.
type DocumentClassifier interface {
	Classify(ctx context.Context, fields domain.ExtractedFields) (string, float64, error)
}

// EntityRecognizer is the named entity recognition capability.
type EntityRecognizer interface {
	Recognize(ctx context.Context, text string) ([]domain.Entity, error)
}

// Summarizer produces a short free text summary.
type Summarizer interface {
	Summarize(ctx context.Context, fields domain.ExtractedFields, docType domain.DocumentType) (string, error)
}
