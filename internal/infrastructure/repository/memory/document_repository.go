// Package memory is a process-local DocumentRepository used by tests and
// single-binary development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

type DocumentRepository struct {
	mu   sync.Mutex
	docs map[string]*domain.Document
	now  func() time.Time
}

func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{
		docs: make(map[string]*domain.Document),
		now:  time.Now,
	}
}

func (r *DocumentRepository) Create(_ context.Context, doc *domain.Document) error {
	if doc == nil || doc.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "create document", fmt.Errorf("document id is required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.docs[doc.ID]; exists {
		return domain.WrapError(domain.ErrInvalidInput, "create document", fmt.Errorf("document %s already exists", doc.ID))
	}
	stored := cloneDocument(doc)
	if stored.Status == "" {
		stored.Status = domain.StatusUploaded
	}
	r.docs[doc.ID] = stored
	return nil
}

func (r *DocumentRepository) GetByID(_ context.Context, id string) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneDocument(doc), nil
}

func (r *DocumentRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.lookup(id)
	if err != nil {
		return err
	}
	if doc.Status == domain.StatusProcessing {
		return domain.WrapError(domain.ErrRunInProgress, "delete document", fmt.Errorf("document %s is processing", id))
	}
	delete(r.docs, id)
	return nil
}

func (r *DocumentRepository) ClaimRun(_ context.Context, id string, attempt int) (domain.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.lookup(id)
	if err != nil {
		return domain.Claim{}, err
	}
	claimable := doc.Status == domain.StatusUploaded ||
		(doc.Status == domain.StatusProcessing && doc.RetryPending && doc.RetryCount == attempt)
	if !claimable {
		return domain.Claim{}, domain.WrapError(domain.ErrRunInProgress, "claim run",
			fmt.Errorf("document %s status=%s retry_count=%d attempt=%d", id, doc.Status, doc.RetryCount, attempt))
	}
	if err := domain.CheckTransition(doc.Status, domain.StatusProcessing); err != nil {
		return domain.Claim{}, err
	}

	from := doc.Status
	doc.Status = domain.StatusProcessing
	doc.RetryPending = false
	doc.UpdatedAt = r.now().UTC()
	return domain.Claim{Document: cloneDocument(doc), From: from}, nil
}

func (r *DocumentRepository) SaveExtractedFields(_ context.Context, id string, fields domain.ExtractedFields) error {
	return r.mutateRunning(id, "save extracted fields", func(doc *domain.Document) {
		doc.ExtractedFields = cloneFields(fields)
	})
}

func (r *DocumentRepository) SaveDocumentType(_ context.Context, id string, docType domain.DocumentType) error {
	return r.mutateRunning(id, "save document type", func(doc *domain.Document) {
		doc.DocumentType = domain.TypePtr(docType)
	})
}

func (r *DocumentRepository) SaveEntities(_ context.Context, id string, entities []domain.Entity) error {
	return r.mutateRunning(id, "save entities", func(doc *domain.Document) {
		doc.Entities = append([]domain.Entity{}, entities...)
	})
}

func (r *DocumentRepository) Complete(_ context.Context, id string, completion domain.Completion) error {
	return r.transition(id, domain.StatusCompleted, "complete document", func(doc *domain.Document) {
		doc.Summary = domain.StringPtr(completion.Summary)
		doc.ConfidenceScore = domain.Float64Ptr(completion.ConfidenceScore)
		doc.ProcessingTimeSeconds = domain.Float64Ptr(completion.ProcessingTimeSeconds)
		processedAt := completion.ProcessedAt.UTC()
		doc.ProcessedAt = &processedAt
		doc.ErrorMessage = nil
	})
}

func (r *DocumentRepository) Fail(_ context.Context, id string, errMessage string) error {
	return r.transition(id, domain.StatusFailed, "fail document", func(doc *domain.Document) {
		doc.ErrorMessage = domain.StringPtr(errMessage)
	})
}

func (r *DocumentRepository) ScheduleRetry(_ context.Context, id string, errMessage string) (int, error) {
	var retryCount int
	err := r.transition(id, domain.StatusProcessing, "schedule retry", func(doc *domain.Document) {
		doc.RetryCount++
		doc.RetryPending = true
		doc.ErrorMessage = domain.StringPtr(errMessage)
		retryCount = doc.RetryCount
	})
	return retryCount, err
}

func (r *DocumentRepository) Reprocess(_ context.Context, id string) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckTransition(doc.Status, domain.StatusUploaded); err != nil {
		return nil, err
	}
	doc.Status = domain.StatusUploaded
	doc.ErrorMessage = nil
	doc.RetryCount++
	doc.RetryBase = doc.RetryCount
	doc.RetryPending = false
	doc.UpdatedAt = r.now().UTC()
	return cloneDocument(doc), nil
}

func (r *DocumentRepository) List(_ context.Context, filter domain.DocumentFilter) (domain.DocumentPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]domain.Document, 0)
	for _, doc := range r.docs {
		if doc.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		matched = append(matched, *cloneDocument(doc))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UploadedAt.Equal(matched[j].UploadedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UploadedAt.After(matched[j].UploadedAt)
	})

	page := domain.DocumentPage{
		Documents: []domain.Document{},
		Total:     len(matched),
		Page:      filter.Page,
		PageSize:  filter.PageSize,
	}
	if start := filter.Offset(); start < len(matched) {
		page.Documents = matched[start:min(start+filter.PageSize, len(matched))]
	}
	return page, nil
}

func (r *DocumentRepository) Stats(_ context.Context, tenantID string) (domain.TenantStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := domain.TenantStats{
		TenantID: tenantID,
		ByStatus: map[domain.DocumentStatus]int{},
		ByType:   map[domain.DocumentType]int{},
	}
	var confidenceSum, timeSum float64
	var confidenceN, timeN int
	for _, doc := range r.docs {
		if doc.TenantID != tenantID {
			continue
		}
		stats.TotalDocuments++
		stats.ByStatus[doc.Status]++
		stats.StorageBytes += doc.SizeBytes
		if doc.DocumentType != nil {
			stats.ByType[*doc.DocumentType]++
		}
		if doc.ConfidenceScore != nil {
			confidenceSum += *doc.ConfidenceScore
			confidenceN++
		}
		if doc.ProcessingTimeSeconds != nil {
			timeSum += *doc.ProcessingTimeSeconds
			timeN++
		}
	}
	if confidenceN > 0 {
		stats.AverageConfidence = domain.Float64Ptr(confidenceSum / float64(confidenceN))
	}
	if timeN > 0 {
		stats.AverageProcessingSeconds = domain.Float64Ptr(timeSum / float64(timeN))
	}
	return stats, nil
}

func (r *DocumentRepository) ListStale(_ context.Context, before time.Time, limit int) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Document, 0)
	for _, doc := range r.docs {
		if doc.Status != domain.StatusUploaded && doc.Status != domain.StatusProcessing {
			continue
		}
		if !doc.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, *cloneDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DocumentRepository) RearmRun(_ context.Context, id string, retryCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.lookup(id)
	if err != nil {
		return err
	}
	if doc.Status != domain.StatusProcessing || doc.RetryPending || doc.RetryCount != retryCount {
		return domain.WrapError(domain.ErrRunInProgress, "rearm run", fmt.Errorf("document %s changed since listing", id))
	}
	doc.RetryPending = true
	doc.UpdatedAt = r.now().UTC()
	return nil
}

func (r *DocumentRepository) lookup(id string) (*domain.Document, error) {
	doc, ok := r.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return doc, nil
}

// mutateRunning applies an intermediate write; it is only legal while the
// document is processing.
func (r *DocumentRepository) mutateRunning(id, op string, apply func(*domain.Document)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.lookup(id)
	if err != nil {
		return err
	}
	if doc.Status != domain.StatusProcessing {
		return domain.WrapError(domain.ErrInvalidTransition, op, fmt.Errorf("document %s is %s", id, doc.Status))
	}
	apply(doc)
	doc.UpdatedAt = r.now().UTC()
	return nil
}

func (r *DocumentRepository) transition(id string, to domain.DocumentStatus, op string, apply func(*domain.Document)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.lookup(id)
	if err != nil {
		return err
	}
	if doc.Status != domain.StatusProcessing {
		return domain.WrapError(domain.ErrInvalidTransition, op, fmt.Errorf("%s -> %s", doc.Status, to))
	}
	if err := domain.CheckTransition(doc.Status, to); err != nil {
		return err
	}
	apply(doc)
	doc.Status = to
	doc.UpdatedAt = r.now().UTC()
	return nil
}

func cloneDocument(doc *domain.Document) *domain.Document {
	out := *doc
	out.ExtractedFields = cloneFields(doc.ExtractedFields)
	if doc.Entities != nil {
		out.Entities = append([]domain.Entity{}, doc.Entities...)
	}
	if doc.DocumentType != nil {
		out.DocumentType = domain.TypePtr(*doc.DocumentType)
	}
	if doc.Summary != nil {
		out.Summary = domain.StringPtr(*doc.Summary)
	}
	if doc.ConfidenceScore != nil {
		out.ConfidenceScore = domain.Float64Ptr(*doc.ConfidenceScore)
	}
	if doc.ProcessingTimeSeconds != nil {
		out.ProcessingTimeSeconds = domain.Float64Ptr(*doc.ProcessingTimeSeconds)
	}
	if doc.ErrorMessage != nil {
		out.ErrorMessage = domain.StringPtr(*doc.ErrorMessage)
	}
	if doc.ProcessedAt != nil {
		processedAt := *doc.ProcessedAt
		out.ProcessedAt = &processedAt
	}
	return &out
}

func cloneFields(fields domain.ExtractedFields) domain.ExtractedFields {
	if fields == nil {
		return nil
	}
	out := make(domain.ExtractedFields, len(fields))
	for name, field := range fields {
		out[name] = field
	}
	return out
}
