package stage

import (
	"context"
	"strings"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

type Extraction struct {
	extractor ports.FieldExtractor
}

func NewExtraction(extractor ports.FieldExtractor) *Extraction {
	return &Extraction{extractor: extractor}
}

func (a *Extraction) Run(ctx context.Context, snap Snapshot) domain.Outcome[domain.ExtractedFields] {
	if snap.Document == nil || strings.TrimSpace(snap.Document.StoragePath) == "" {
		return domain.Fail[domain.ExtractedFields](&domain.Failure{
			Stage:   domain.StageExtraction,
			Kind:    domain.FailurePermanent,
			Message: "document has no storage locator",
		})
	}

	fields, confidence, err := a.extractor.ExtractFields(ctx, snap.Document)
	if err != nil {
		return domain.Fail[domain.ExtractedFields](ClassifyError(domain.StageExtraction, err))
	}
	if fields == nil {
		fields = domain.ExtractedFields{}
	}
	for name, field := range fields {
		field.Confidence = clampConfidence(field.Confidence)
		fields[name] = field
	}
	return domain.Succeed(fields, clampConfidence(confidence))
}
