package httpadapter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

const (
	tenantHeader    = "X-Tenant-Id"
	multipartMemory = 8 << 20
	multipartSlack  = 1 << 20
	uploadFieldName = "file"
	uploadRejected  = "rejected"
	uploadAccepted  = "accepted"
	uploadFailed    = "error"
)

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if rt.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBytes+multipartSlack)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rt.recordUpload(uploadRejected, 0)
			writeError(w, r, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
			return
		}
		rt.recordUpload(uploadRejected, 0)
		writeError(w, r, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	file, fileHeader, err := r.FormFile(uploadFieldName)
	if err != nil {
		rt.recordUpload(uploadRejected, 0)
		writeError(w, r, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	doc, err := rt.ingest.Upload(r.Context(), ports.UploadRequest{
		TenantID:    rt.tenantFor(r),
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		SizeBytes:   fileHeader.Size,
		Body:        file,
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidInput) {
			rt.recordUpload(uploadRejected, 0)
		} else {
			rt.recordUpload(uploadFailed, 0)
		}
		writeDomainError(w, r, err)
		return
	}

	rt.recordUpload(uploadAccepted, doc.SizeBytes)
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := rt.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := rt.lookup(w, r); !ok {
		return
	}
	doc, err := rt.manager.Reprocess(r.Context(), r.PathValue("document_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := rt.lookup(w, r); !ok {
		return
	}
	if err := rt.manager.Delete(r.Context(), r.PathValue("document_id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookup loads the addressed document and hides documents owned by another
// tenant when the caller is bound to one.
func (rt *Router) lookup(w http.ResponseWriter, r *http.Request) (*domain.Document, bool) {
	id := strings.TrimSpace(r.PathValue("document_id"))
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "document id is required")
		return nil, false
	}
	doc, err := rt.docs.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return nil, false
	}
	if tenant := tenantFromContext(r.Context()); tenant != "" && doc.TenantID != tenant {
		writeError(w, r, http.StatusNotFound, domain.ErrDocumentNotFound.Error())
		return nil, false
	}
	return doc, true
}

func (rt *Router) tenantFor(r *http.Request) string {
	if tenant := tenantFromContext(r.Context()); tenant != "" {
		return tenant
	}
	if tenant := strings.TrimSpace(r.Header.Get(tenantHeader)); tenant != "" {
		return tenant
	}
	return rt.defaultTenantID
}

func (rt *Router) recordUpload(result string, size int64) {
	if rt.metrics != nil {
		rt.metrics.RecordUpload(serviceName, result, size)
	}
}
