package domain

import (
	"fmt"
	"math"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// DocumentFilter selects one page of a tenant's documents, newest upload
// first. An empty Status matches every status.
type DocumentFilter struct {
	TenantID string
	Status   DocumentStatus
	Page     int
	PageSize int
}

// Normalize fills paging defaults and rejects values outside 1..MaxPageSize
// or an unknown status.
func (f DocumentFilter) Normalize() (DocumentFilter, error) {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.PageSize == 0 {
		f.PageSize = DefaultPageSize
	}
	if f.Page < 1 {
		return f, WrapError(ErrInvalidInput, "document filter", fmt.Errorf("page must be >= 1, got %d", f.Page))
	}
	if f.PageSize < 1 || f.PageSize > MaxPageSize {
		return f, WrapError(ErrInvalidInput, "document filter",
			fmt.Errorf("page_size must be within 1..%d, got %d", MaxPageSize, f.PageSize))
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, WrapError(ErrInvalidInput, "document filter", fmt.Errorf("unknown status %q", f.Status))
	}
	return f, nil
}

func (f DocumentFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

type DocumentPage struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
	Page      int        `json:"page"`
	PageSize  int        `json:"page_size"`
}

// TenantStats aggregates a tenant's documents. Averages skip documents that
// have no value yet and are nil when none has one.
type TenantStats struct {
	TenantID                 string                 `json:"tenant_id"`
	TotalDocuments           int                    `json:"total_documents"`
	ByStatus                 map[DocumentStatus]int `json:"by_status"`
	ByType                   map[DocumentType]int   `json:"by_type"`
	AverageConfidence        *float64               `json:"average_confidence"`
	AverageProcessingSeconds *float64               `json:"average_processing_time_seconds"`
	StorageBytes             int64                  `json:"storage_bytes"`
	StorageMB                float64                `json:"storage_used_mb"`
}

// StorageMegabytes converts bytes to MiB rounded to two decimals.
func StorageMegabytes(bytes int64) float64 {
	return math.Round(float64(bytes)/(1<<20)*100) / 100
}
