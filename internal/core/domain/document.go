package domain

import (
	"sort"
	"time"
)

type DocumentType string

const (
	TypeInvoice       DocumentType = "invoice"
	TypeReceipt       DocumentType = "receipt"
	TypeContract      DocumentType = "contract"
	TypeBusinessCard  DocumentType = "business_card"
	TypeIdentity      DocumentType = "identity"
	TypeBankStatement DocumentType = "bank_statement"
	TypeTaxForm       DocumentType = "tax_form"
	TypeOther         DocumentType = "other"
)

var documentTypes = []DocumentType{
	TypeInvoice,
	TypeReceipt,
	TypeContract,
	TypeBusinessCard,
	TypeIdentity,
	TypeBankStatement,
	TypeTaxForm,
	TypeOther,
}

// DocumentTypes returns the closed classification label set.
func DocumentTypes() []DocumentType {
	out := make([]DocumentType, len(documentTypes))
	copy(out, documentTypes)
	return out
}

func (t DocumentType) Valid() bool {
	for _, known := range documentTypes {
		if t == known {
			return true
		}
	}
	return false
}

type ExtractedField struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type ExtractedFields map[string]ExtractedField

// Names returns field names in a stable order.
func (f ExtractedFields) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Entity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Span       Span    `json:"span"`
}

type Document struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"file_size_bytes"`
	StoragePath string `json:"storage_path"`

	Status                DocumentStatus  `json:"status"`
	DocumentType          *DocumentType   `json:"document_type"`
	ExtractedFields       ExtractedFields `json:"extracted_fields"`
	Entities              []Entity        `json:"entities"`
	Summary               *string         `json:"summary"`
	ConfidenceScore       *float64        `json:"confidence_score"`
	ProcessingTimeSeconds *float64        `json:"processing_time_seconds"`
	ErrorMessage          *string         `json:"error_message"`
	RetryCount            int             `json:"retry_count"`
	// RetryBase is the retry count at the last reprocess. The retry budget
	// and backoff exponent count from it.
	RetryBase    int  `json:"-"`
	RetryPending bool `json:"-"`

	UploadedAt  time.Time  `json:"uploaded_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunRetries is the number of retries spent since the document was uploaded
// or last reprocessed.
func (d *Document) RunRetries() int {
	return max(d.RetryCount-d.RetryBase, 0)
}

// Completion carries everything written by the processing → completed transition.
type Completion struct {
	Summary               string
	ConfidenceScore       float64
	ProcessingTimeSeconds float64
	ProcessedAt           time.Time
}

// StatusEvent is emitted after every persisted status change.
type StatusEvent struct {
	DocumentID   string         `json:"document_id"`
	TenantID     string         `json:"tenant_id,omitempty"`
	From         DocumentStatus `json:"from"`
	To           DocumentStatus `json:"to"`
	RetryCount   int            `json:"retry_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
	At           time.Time      `json:"at"`
}

func StringPtr(v string) *string { return &v }

func Float64Ptr(v float64) *float64 { return &v }

func TypePtr(v DocumentType) *DocumentType { return &v }
