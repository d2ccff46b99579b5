// Package docparse is a local FieldExtractor. It pulls text or table cells
// out of PDF, XLSX, DOCX, CSV and plain text sources and reads "key: value"
// pairs from them. Images and PDFs without a text layer go through an
// optional TextRecognizer.
package docparse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

const (
	defaultMaxBytes    = 20 << 20
	fallbackTextLimit  = 4000
	fallbackConfidence = 0.5
)

var (
	errUnsupported = errors.New("unsupported document format")
	errNoOCR       = errors.New("no text recognizer configured for raster content")
)

// TextRecognizer reads text out of raster content. confidence is in [0,1],
// or 0 when the recognizer does not report one.
type TextRecognizer interface {
	RecognizeText(ctx context.Context, content []byte, mimeType string) (text string, confidence float64, err error)
}

type Extractor struct {
	storage    ports.ObjectStorage
	recognizer TextRecognizer
	maxBytes   int64
	logger     *slog.Logger
}

// NewExtractor builds an extractor. recognizer may be nil, in which case
// images are rejected as invalid input.
func NewExtractor(storage ports.ObjectStorage, recognizer TextRecognizer, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{storage: storage, recognizer: recognizer, maxBytes: defaultMaxBytes, logger: logger}
}

// ExtractFields returns the parsed fields and the mean of their positive
// confidences. Parsing runs off the caller so a cancelled run returns at
// once even while a parser is still busy.
func (e *Extractor) ExtractFields(ctx context.Context, doc *domain.Document) (domain.ExtractedFields, float64, error) {
	reader, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, 0, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, e.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, domain.WrapError(domain.ErrTemporary, "read source document", err)
	}
	if int64(len(raw)) > e.maxBytes {
		return nil, 0, domain.WrapError(domain.ErrInvalidInput, "read source document",
			fmt.Errorf("document exceeds %d bytes", e.maxBytes))
	}

	type parsed struct {
		fields domain.ExtractedFields
		err    error
	}
	done := make(chan parsed, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- parsed{err: domain.WrapError(domain.ErrInvalidInput, "parse document", fmt.Errorf("parser panic: %v", r))}
			}
		}()
		fields, err := e.parse(ctx, doc, raw)
		done <- parsed{fields: fields, err: err}
	}()

	var res parsed
	select {
	case <-ctx.Done():
		e.logger.Warn("field_extraction_abandoned", "document_id", doc.ID, "error", ctx.Err())
		return nil, 0, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, 0, res.err
	}
	if len(res.fields) == 0 {
		return nil, 0, domain.WrapError(domain.ErrInvalidInput, "extract fields",
			fmt.Errorf("no extractable content in %s", doc.Filename))
	}

	e.logger.Debug("fields_extracted", "document_id", doc.ID, "fields", len(res.fields))
	return res.fields, OverallConfidence(res.fields), nil
}

func (e *Extractor) parse(ctx context.Context, doc *domain.Document, raw []byte) (domain.ExtractedFields, error) {
	ext := strings.ToLower(filepath.Ext(doc.Filename))
	if mimeType, ok := rasterMIME(raw); ok {
		return e.recognize(ctx, raw, mimeType)
	}
	switch {
	case isPDF(raw):
		text, err := pdfText(raw)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse pdf", err)
		}
		fields := fieldsFromText(text)
		if len(fields) == 0 && e.recognizer != nil {
			return e.recognize(ctx, raw, "application/pdf")
		}
		return fields, nil
	case isZip(raw):
		kind := openXMLKind(raw)
		switch kind {
		case "xlsx":
			rows, err := spreadsheetRows(raw)
			if err != nil {
				return nil, domain.WrapError(domain.ErrInvalidInput, "parse xlsx", err)
			}
			return fieldsFromRows(rows), nil
		case "docx":
			text, err := docxText(raw)
			if err != nil {
				return nil, domain.WrapError(domain.ErrInvalidInput, "parse docx", err)
			}
			return fieldsFromText(text), nil
		default:
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse document", fmt.Errorf("%w: zip container %s", errUnsupported, ext))
		}
	case ext == ".csv":
		rows, err := csvRows(raw)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse csv", err)
		}
		return fieldsFromRows(rows), nil
	case isProbablyText(raw):
		return fieldsFromText(string(raw)), nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse document",
			fmt.Errorf("%w: %s (%s)", errUnsupported, ext, doc.ContentType))
	}
}

// recognize runs OCR and reads fields from the recognized text. Field
// confidences are scaled by the recognizer's own confidence.
func (e *Extractor) recognize(ctx context.Context, raw []byte, mimeType string) (domain.ExtractedFields, error) {
	if e.recognizer == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse document", fmt.Errorf("%w: %s", errNoOCR, mimeType))
	}
	text, confidence, err := e.recognizer.RecognizeText(ctx, raw, mimeType)
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}
	fields := fieldsFromText(text)
	if confidence > 0 && confidence < 1 {
		for name, field := range fields {
			field.Confidence *= confidence
			fields[name] = field
		}
	}
	return fields, nil
}

// OverallConfidence averages the positive field confidences. Fields with no
// confidence do not drag the mean down.
func OverallConfidence(fields domain.ExtractedFields) float64 {
	var sum float64
	var n int
	for _, field := range fields {
		if field.Confidence > 0 {
			sum += field.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// rasterMIME sniffs the image formats a recognizer accepts.
func rasterMIME(b []byte) (string, bool) {
	switch {
	case bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png", true
	case bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg", true
	case bytes.HasPrefix(b, []byte("II*\x00")), bytes.HasPrefix(b, []byte("MM\x00*")):
		return "image/tiff", true
	case bytes.HasPrefix(b, []byte("GIF87a")), bytes.HasPrefix(b, []byte("GIF89a")):
		return "image/gif", true
	case len(b) >= 12 && bytes.Equal(b[:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP")):
		return "image/webp", true
	default:
		return "", false
	}
}

func isPDF(b []byte) bool {
	return bytes.HasPrefix(b, []byte("%PDF-"))
}

func isZip(b []byte) bool {
	return len(b) >= 4 && b[0] == 'P' && b[1] == 'K' && b[2] == 3 && b[3] == 4
}

func isProbablyText(b []byte) bool {
	sample := b[:min(len(b), 4096)]
	if len(sample) == 0 {
		return false
	}
	good := 0
	for _, c := range sample {
		if c == 0x00 {
			return false
		}
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c <= 0x7E) || c >= 0x80 {
			good++
		}
	}
	return float64(good)/float64(len(sample)) > 0.9
}
