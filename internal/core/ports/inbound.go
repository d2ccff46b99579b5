package ports

import (
	"context"
	"io"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

// UploadRequest describes one uploaded file before it is stored.
type UploadRequest struct {
	TenantID    string
	Filename    string
	ContentType string
	SizeBytes   int64
	Body        io.Reader
}

// UploadResult reports one file of a batch upload: Document on success, Err
// otherwise.
type UploadResult struct {
	Filename string
	Document *domain.Document
	Err      error
}

// DocumentIngestor is the inbound contract for document upload orchestration.
type DocumentIngestor interface {
	Upload(ctx context.Context, req UploadRequest) (*domain.Document, error)
	// UploadBatch uploads every request independently; one rejected file
	// does not stop the others.
	UploadBatch(ctx context.Context, reqs []UploadRequest) []UploadResult
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// DocumentCatalog lists a tenant's documents and aggregates their state.
type DocumentCatalog interface {
	List(ctx context.Context, filter domain.DocumentFilter) (domain.DocumentPage, error)
	Stats(ctx context.Context, tenantID string) (domain.TenantStats, error)
}

// DocumentManager covers the external reprocess and delete commands.
type DocumentManager interface {
	Reprocess(ctx context.Context, id string) (*domain.Document, error)
	Delete(ctx context.Context, id string) error
}

// DocumentProcessor is the inbound contract for asynchronous document processing.
type DocumentProcessor interface {
	Run(ctx context.Context, task domain.Task) (domain.RunReport, error)
}
