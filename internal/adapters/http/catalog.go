package httpadapter

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

const (
	batchFieldName = "files"
	maxBatchFiles  = 20
)

type batchItem struct {
	Filename string           `json:"filename"`
	Document *domain.Document `json:"document,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type batchResponse struct {
	Uploaded int         `json:"uploaded"`
	Failed   int         `json:"failed"`
	Results  []batchItem `json:"results"`
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := intParam(query.Get("page"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page must be an integer")
		return
	}
	pageSize, err := intParam(query.Get("page_size"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page_size must be an integer")
		return
	}

	result, err := rt.catalog.List(r.Context(), domain.DocumentFilter{
		TenantID: rt.tenantFor(r),
		Status:   domain.DocumentStatus(strings.TrimSpace(query.Get("status"))),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) tenantStats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.catalog.Stats(r.Context(), rt.tenantFor(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// uploadBatch accepts up to maxBatchFiles files under the "files" field.
// Each file is validated on its own; the response is 202 when at least one
// was accepted.
func (rt *Router) uploadBatch(w http.ResponseWriter, r *http.Request) {
	if rt.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBytes*maxBatchFiles+multipartSlack)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rt.recordUpload(uploadRejected, 0)
			writeError(w, r, http.StatusRequestEntityTooLarge, "batch exceeds upload limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "multipart field 'files' is required")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File[batchFieldName]
	switch {
	case len(headers) == 0:
		writeError(w, r, http.StatusBadRequest, "multipart field 'files' is required")
		return
	case len(headers) > maxBatchFiles:
		writeError(w, r, http.StatusBadRequest, "too many files in batch, max "+strconv.Itoa(maxBatchFiles))
		return
	}

	tenant := rt.tenantFor(r)
	resp := batchResponse{Results: make([]batchItem, 0, len(headers))}
	reqs := make([]ports.UploadRequest, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			rt.recordUpload(uploadFailed, 0)
			resp.Failed++
			resp.Results = append(resp.Results, batchItem{Filename: header.Filename, Error: "could not read file"})
			continue
		}
		defer closeQuietly(file)
		reqs = append(reqs, ports.UploadRequest{
			TenantID:    tenant,
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			SizeBytes:   header.Size,
			Body:        file,
		})
	}

	for _, result := range rt.ingest.UploadBatch(r.Context(), reqs) {
		item := batchItem{Filename: result.Filename, Document: result.Document}
		switch {
		case result.Err == nil:
			rt.recordUpload(uploadAccepted, result.Document.SizeBytes)
			resp.Uploaded++
		case domain.IsKind(result.Err, domain.ErrInvalidInput):
			rt.recordUpload(uploadRejected, 0)
			resp.Failed++
			item.Error = result.Err.Error()
		default:
			rt.recordUpload(uploadFailed, 0)
			resp.Failed++
			item.Error = "internal error"
		}
		resp.Results = append(resp.Results, item)
	}

	status := http.StatusAccepted
	if resp.Uploaded == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func closeQuietly(f multipart.File) {
	_ = f.Close()
}
