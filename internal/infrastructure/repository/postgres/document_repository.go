package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

const documentColumns = `id, tenant_id, filename, content_type, file_size_bytes, storage_path, status,
document_type, extracted_fields, entities, summary, confidence_score, processing_time_seconds,
error_message, retry_count, retry_base, retry_pending, uploaded_at, processed_at, updated_at`

const claimedColumns = `d.id, d.tenant_id, d.filename, d.content_type, d.file_size_bytes, d.storage_path, d.status,
d.document_type, d.extracted_fields, d.entities, d.summary, d.confidence_score, d.processing_time_seconds,
d.error_message, d.retry_count, d.retry_base, d.retry_pending, d.uploaded_at, d.processed_at, d.updated_at`

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	file_size_bytes BIGINT NOT NULL,
	storage_path TEXT NOT NULL,
	status TEXT NOT NULL,
	document_type TEXT,
	extracted_fields JSONB NOT NULL DEFAULT '{}'::jsonb,
	entities JSONB NOT NULL DEFAULT '[]'::jsonb,
	summary TEXT,
	confidence_score DOUBLE PRECISION,
	processing_time_seconds DOUBLE PRECISION,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	retry_base INTEGER NOT NULL DEFAULT 0,
	retry_pending BOOLEAN NOT NULL DEFAULT FALSE,
	uploaded_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT documents_processed_at_completed CHECK ((processed_at IS NOT NULL) = (status = 'completed'))
);

ALTER TABLE documents ADD COLUMN IF NOT EXISTS retry_base INTEGER NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id, uploaded_at DESC);
CREATE INDEX IF NOT EXISTS idx_documents_status_updated ON documents(status, updated_at);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	fieldsJSON, entitiesJSON, err := marshalResults(doc.ExtractedFields, doc.Entities)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO documents (
	id, tenant_id, filename, content_type, file_size_bytes, storage_path, status,
	extracted_fields, entities, retry_count, uploaded_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		doc.ID, doc.TenantID, doc.Filename, doc.ContentType, doc.SizeBytes, doc.StoragePath, string(domain.StatusUploaded),
		fieldsJSON, entitiesJSON, doc.RetryCount, doc.UploadedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+`
FROM documents
WHERE id = $1
`, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM documents
WHERE id = $1 AND status <> 'processing'
`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return r.expectAffected(ctx, result, id, "delete document", domain.ErrRunInProgress)
}

// ClaimRun is a single compare-and-set: the row lock taken by the CTE makes
// concurrent claims for the same id serialize, and only the first matches.
func (r *DocumentRepository) ClaimRun(ctx context.Context, id string, attempt int) (domain.Claim, error) {
	row := r.db.QueryRowContext(ctx, `
WITH prev AS (
	SELECT id, status FROM documents WHERE id = $1 FOR UPDATE
)
UPDATE documents d
SET status = 'processing', retry_pending = FALSE, updated_at = $3
FROM prev
WHERE d.id = prev.id
	AND (prev.status = 'uploaded' OR (prev.status = 'processing' AND d.retry_pending AND d.retry_count = $2))
RETURNING prev.status, `+claimedColumns, id, attempt, time.Now().UTC())

	var from string
	doc, err := scanDocument(row, &from)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Claim{}, r.missReason(ctx, id, "claim run", domain.ErrRunInProgress)
		}
		return domain.Claim{}, fmt.Errorf("claim run: %w", err)
	}
	return domain.Claim{Document: &doc, From: domain.DocumentStatus(from)}, nil
}

func (r *DocumentRepository) SaveExtractedFields(ctx context.Context, id string, fields domain.ExtractedFields) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal extracted fields: %w", err)
	}
	return r.updateRunning(ctx, id, "save extracted fields", `extracted_fields = $2`, raw)
}

func (r *DocumentRepository) SaveDocumentType(ctx context.Context, id string, docType domain.DocumentType) error {
	return r.updateRunning(ctx, id, "save document type", `document_type = $2`, string(docType))
}

func (r *DocumentRepository) SaveEntities(ctx context.Context, id string, entities []domain.Entity) error {
	if entities == nil {
		entities = []domain.Entity{}
	}
	raw, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	return r.updateRunning(ctx, id, "save entities", `entities = $2`, raw)
}

func (r *DocumentRepository) Complete(ctx context.Context, id string, completion domain.Completion) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = 'completed', summary = $2, confidence_score = $3, processing_time_seconds = $4,
	processed_at = $5, error_message = NULL, retry_pending = FALSE, updated_at = $6
WHERE id = $1 AND status = 'processing'
`, id, completion.Summary, completion.ConfidenceScore, completion.ProcessingTimeSeconds,
		completion.ProcessedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete document: %w", err)
	}
	return r.expectAffected(ctx, result, id, "complete document", domain.ErrInvalidTransition)
}

func (r *DocumentRepository) Fail(ctx context.Context, id string, errMessage string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = 'failed', error_message = $2, retry_pending = FALSE, updated_at = $3
WHERE id = $1 AND status = 'processing'
`, id, errMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fail document: %w", err)
	}
	return r.expectAffected(ctx, result, id, "fail document", domain.ErrInvalidTransition)
}

func (r *DocumentRepository) ScheduleRetry(ctx context.Context, id string, errMessage string) (int, error) {
	var retryCount int
	err := r.db.QueryRowContext(ctx, `
UPDATE documents
SET retry_count = retry_count + 1, retry_pending = TRUE, error_message = $2, updated_at = $3
WHERE id = $1 AND status = 'processing' AND NOT retry_pending
RETURNING retry_count
`, id, errMessage, time.Now().UTC()).Scan(&retryCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, r.missReason(ctx, id, "schedule retry", domain.ErrInvalidTransition)
		}
		return 0, fmt.Errorf("schedule retry: %w", err)
	}
	return retryCount, nil
}

func (r *DocumentRepository) Reprocess(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE documents
SET status = 'uploaded', error_message = NULL, retry_count = retry_count + 1, retry_base = retry_count + 1,
	retry_pending = FALSE, updated_at = $2
WHERE id = $1 AND status = 'failed'
RETURNING `+documentColumns, id, time.Now().UTC())

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.missReason(ctx, id, "reprocess document", domain.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("reprocess document: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+documentColumns+`
FROM documents
WHERE status IN ('uploaded', 'processing') AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale documents: %w", err)
	}
	return out, nil
}

// List serves one page of a tenant's documents from idx_documents_tenant.
// An empty filter status binds as an empty string and matches every status.
func (r *DocumentRepository) List(ctx context.Context, filter domain.DocumentFilter) (domain.DocumentPage, error) {
	page := domain.DocumentPage{Documents: []domain.Document{}, Page: filter.Page, PageSize: filter.PageSize}

	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM documents
WHERE tenant_id = $1 AND ($2::text = '' OR status = $2)
`, filter.TenantID, string(filter.Status)).Scan(&page.Total)
	if err != nil {
		return domain.DocumentPage{}, fmt.Errorf("count documents: %w", err)
	}
	if page.Total == 0 || filter.Offset() >= page.Total {
		return page, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+documentColumns+`
FROM documents
WHERE tenant_id = $1 AND ($2::text = '' OR status = $2)
ORDER BY uploaded_at DESC, id ASC
LIMIT $3 OFFSET $4
`, filter.TenantID, string(filter.Status), filter.PageSize, filter.Offset())
	if err != nil {
		return domain.DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return domain.DocumentPage{}, fmt.Errorf("scan listed document: %w", err)
		}
		page.Documents = append(page.Documents, doc)
	}
	if err := rows.Err(); err != nil {
		return domain.DocumentPage{}, fmt.Errorf("iterate listed documents: %w", err)
	}
	return page, nil
}

func (r *DocumentRepository) Stats(ctx context.Context, tenantID string) (domain.TenantStats, error) {
	stats := domain.TenantStats{
		TenantID: tenantID,
		ByStatus: map[domain.DocumentStatus]int{},
		ByType:   map[domain.DocumentType]int{},
	}

	var avgConfidence, avgTime sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*), AVG(confidence_score), AVG(processing_time_seconds), COALESCE(SUM(file_size_bytes), 0)::BIGINT
FROM documents
WHERE tenant_id = $1
`, tenantID).Scan(&stats.TotalDocuments, &avgConfidence, &avgTime, &stats.StorageBytes)
	if err != nil {
		return domain.TenantStats{}, fmt.Errorf("aggregate tenant documents: %w", err)
	}
	if avgConfidence.Valid {
		stats.AverageConfidence = domain.Float64Ptr(avgConfidence.Float64)
	}
	if avgTime.Valid {
		stats.AverageProcessingSeconds = domain.Float64Ptr(avgTime.Float64)
	}
	if stats.TotalDocuments == 0 {
		return stats, nil
	}

	err = r.countGrouped(ctx, `
SELECT status, COUNT(*)
FROM documents
WHERE tenant_id = $1
GROUP BY status
`, tenantID, func(key string, n int) { stats.ByStatus[domain.DocumentStatus(key)] = n })
	if err != nil {
		return domain.TenantStats{}, fmt.Errorf("count by status: %w", err)
	}

	err = r.countGrouped(ctx, `
SELECT document_type, COUNT(*)
FROM documents
WHERE tenant_id = $1 AND document_type IS NOT NULL
GROUP BY document_type
`, tenantID, func(key string, n int) { stats.ByType[domain.DocumentType(key)] = n })
	if err != nil {
		return domain.TenantStats{}, fmt.Errorf("count by type: %w", err)
	}
	return stats, nil
}

func (r *DocumentRepository) countGrouped(ctx context.Context, query, tenantID string, add func(key string, n int)) error {
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		add(key, n)
	}
	return rows.Err()
}

func (r *DocumentRepository) RearmRun(ctx context.Context, id string, retryCount int) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET retry_pending = TRUE, updated_at = $3
WHERE id = $1 AND status = 'processing' AND NOT retry_pending AND retry_count = $2
`, id, retryCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("rearm run: %w", err)
	}
	return r.expectAffected(ctx, result, id, "rearm run", domain.ErrRunInProgress)
}

// updateRunning writes one intermediate result column; set binds the value
// as $2.
func (r *DocumentRepository) updateRunning(ctx context.Context, id, op, set string, value any) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET `+set+`, updated_at = $3
WHERE id = $1 AND status = 'processing'
`, id, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return r.expectAffected(ctx, result, id, op, domain.ErrInvalidTransition)
}

func (r *DocumentRepository) expectAffected(ctx context.Context, result sql.Result, id, op string, kind error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return r.missReason(ctx, id, op, kind)
	}
	return nil
}

// missReason explains why a guarded statement matched no row: the document
// is gone, or its status did not allow the write.
func (r *DocumentRepository) missReason(ctx context.Context, id, op string, kind error) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrDocumentNotFound, op, fmt.Errorf("id=%s", id))
		}
		return fmt.Errorf("%s: lookup status: %w", op, err)
	}
	return domain.WrapError(kind, op, fmt.Errorf("id=%s status=%s", id, status))
}

type documentScanner interface {
	Scan(dest ...any) error
}

// scanDocument reads documentColumns, preceded by any extra leading columns.
func scanDocument(row documentScanner, leading ...any) (domain.Document, error) {
	var (
		doc            domain.Document
		status         string
		docType        sql.NullString
		fieldsRaw      []byte
		entitiesRaw    []byte
		summary        sql.NullString
		confidence     sql.NullFloat64
		processingTime sql.NullFloat64
		errMessage     sql.NullString
		processedAt    sql.NullTime
	)
	dest := append(leading,
		&doc.ID, &doc.TenantID, &doc.Filename, &doc.ContentType, &doc.SizeBytes, &doc.StoragePath, &status,
		&docType, &fieldsRaw, &entitiesRaw, &summary, &confidence, &processingTime,
		&errMessage, &doc.RetryCount, &doc.RetryBase, &doc.RetryPending, &doc.UploadedAt, &processedAt, &doc.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return domain.Document{}, err
	}

	doc.Status = domain.DocumentStatus(status)
	if docType.Valid {
		doc.DocumentType = domain.TypePtr(domain.DocumentType(docType.String))
	}
	if len(fieldsRaw) > 0 {
		if err := json.Unmarshal(fieldsRaw, &doc.ExtractedFields); err != nil {
			return domain.Document{}, fmt.Errorf("unmarshal extracted fields: %w", err)
		}
	}
	if len(entitiesRaw) > 0 {
		if err := json.Unmarshal(entitiesRaw, &doc.Entities); err != nil {
			return domain.Document{}, fmt.Errorf("unmarshal entities: %w", err)
		}
	}
	if summary.Valid {
		doc.Summary = domain.StringPtr(summary.String)
	}
	if confidence.Valid {
		doc.ConfidenceScore = domain.Float64Ptr(confidence.Float64)
	}
	if processingTime.Valid {
		doc.ProcessingTimeSeconds = domain.Float64Ptr(processingTime.Float64)
	}
	if errMessage.Valid {
		doc.ErrorMessage = domain.StringPtr(errMessage.String)
	}
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		doc.ProcessedAt = &t
	}
	return doc, nil
}

func marshalResults(fields domain.ExtractedFields, entities []domain.Entity) ([]byte, []byte, error) {
	if fields == nil {
		fields = domain.ExtractedFields{}
	}
	if entities == nil {
		entities = []domain.Entity{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal extracted fields: %w", err)
	}
	entitiesJSON, err := json.Marshal(entities)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal entities: %w", err)
	}
	return fieldsJSON, entitiesJSON, nil
}
