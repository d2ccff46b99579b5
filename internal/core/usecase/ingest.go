package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	DefaultTenantID       = "demo"
)

var DefaultAllowedExtensions = []string{
	".pdf", ".png", ".jpg", ".jpeg", ".tiff", ".docx", ".txt", ".csv", ".xlsx",
}

type UploadPolicy struct {
	MaxBytes          int64
	AllowedExtensions []string
	DefaultTenantID   string
}

func (p UploadPolicy) normalize() UploadPolicy {
	out := p
	if out.MaxBytes <= 0 {
		out.MaxBytes = DefaultMaxUploadBytes
	}
	if len(out.AllowedExtensions) == 0 {
		out.AllowedExtensions = DefaultAllowedExtensions
	}
	if strings.TrimSpace(out.DefaultTenantID) == "" {
		out.DefaultTenantID = DefaultTenantID
	}
	return out
}

func (p UploadPolicy) allows(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range p.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

type IngestDocumentUseCase struct {
	repo    ports.DocumentRepository
	storage ports.ObjectStorage
	queue   ports.TaskQueue
	events  ports.StatusPublisher
	policy  UploadPolicy
	logger  *slog.Logger
	now     func() time.Time
}

func NewIngestDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	queue ports.TaskQueue,
	events ports.StatusPublisher,
	policy UploadPolicy,
	logger *slog.Logger,
) *IngestDocumentUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestDocumentUseCase{
		repo:    repo,
		storage: storage,
		queue:   queue,
		events:  events,
		policy:  policy.normalize(),
		logger:  logger,
		now:     time.Now,
	}
}

// Upload stores the file, records the document as uploaded and enqueues its
// first run. An enqueue failure does not fail the upload: the recovery sweep
// picks up uploaded documents that never started.
func (uc *IngestDocumentUseCase) Upload(ctx context.Context, req ports.UploadRequest) (*domain.Document, error) {
	if err := uc.validate(req); err != nil {
		return nil, err
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		tenantID = uc.policy.DefaultTenantID
	}

	id := uuid.NewString()
	storageKey := fmt.Sprintf("%s_%s", id, sanitizeFilename(req.Filename))
	body := &countingReader{r: io.LimitReader(req.Body, uc.policy.MaxBytes+1)}

	if err := uc.storage.Save(ctx, storageKey, body); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}
	if body.n > uc.policy.MaxBytes || body.n == 0 {
		uc.discardBlob(ctx, storageKey)
		if body.n == 0 {
			return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("file is empty"))
		}
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload",
			fmt.Errorf("file exceeds %d bytes", uc.policy.MaxBytes))
	}

	now := uc.now().UTC()
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	doc := &domain.Document{
		ID:              id,
		TenantID:        tenantID,
		Filename:        req.Filename,
		ContentType:     contentType,
		SizeBytes:       body.n,
		StoragePath:     storageKey,
		Status:          domain.StatusUploaded,
		ExtractedFields: domain.ExtractedFields{},
		Entities:        []domain.Entity{},
		UploadedAt:      now,
		UpdatedAt:       now,
	}

	if err := uc.repo.Create(ctx, doc); err != nil {
		uc.discardBlob(ctx, storageKey)
		return nil, fmt.Errorf("create document metadata: %w", err)
	}

	if uc.events != nil {
		event := domain.StatusEvent{DocumentID: id, TenantID: tenantID, To: domain.StatusUploaded, At: now}
		if err := uc.events.PublishStatus(ctx, event); err != nil {
			uc.logger.Warn("status_event_publish_failed", "document_id", id, "error", err)
		}
	}

	if err := uc.queue.Enqueue(ctx, domain.Task{DocumentID: id, EnqueuedAt: now}); err != nil {
		uc.logger.Error("document_enqueue_failed", "document_id", id, "error", err)
	}

	uc.logger.Info("document_uploaded",
		"document_id", id,
		"tenant_id", tenantID,
		"filename", req.Filename,
		"file_size_bytes", doc.SizeBytes,
	)
	return doc, nil
}

func (uc *IngestDocumentUseCase) UploadBatch(ctx context.Context, reqs []ports.UploadRequest) []ports.UploadResult {
	results := make([]ports.UploadResult, 0, len(reqs))
	accepted := 0
	for _, req := range reqs {
		doc, err := uc.Upload(ctx, req)
		if err == nil {
			accepted++
		} else {
			uc.logger.Warn("batch_upload_item_rejected", "filename", req.Filename, "error", err)
		}
		results = append(results, ports.UploadResult{Filename: req.Filename, Document: doc, Err: err})
	}
	uc.logger.Info("batch_upload_finished", "files", len(reqs), "accepted", accepted)
	return results
}

func (uc *IngestDocumentUseCase) validate(req ports.UploadRequest) error {
	if req.Body == nil {
		return domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("file body is required"))
	}
	if strings.TrimSpace(req.Filename) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("filename is required"))
	}
	if !uc.policy.allows(req.Filename) {
		return domain.WrapError(domain.ErrInvalidInput, "upload",
			fmt.Errorf("file type %q is not allowed", filepath.Ext(req.Filename)))
	}
	if req.SizeBytes > uc.policy.MaxBytes {
		return domain.WrapError(domain.ErrInvalidInput, "upload",
			fmt.Errorf("file exceeds %d bytes", uc.policy.MaxBytes))
	}
	return nil
}

func (uc *IngestDocumentUseCase) discardBlob(ctx context.Context, key string) {
	if err := uc.storage.Delete(ctx, key); err != nil {
		uc.logger.Warn("blob_cleanup_failed", "storage_path", key, "error", err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
