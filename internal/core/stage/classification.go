package stage

import (
	"context"
	"strings"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

var labelAliases = map[string]domain.DocumentType{
	"id":             domain.TypeIdentity,
	"id card":        domain.TypeIdentity,
	"identity card":  domain.TypeIdentity,
	"passport":       domain.TypeIdentity,
	"business card":  domain.TypeBusinessCard,
	"bank statement": domain.TypeBankStatement,
	"tax form":       domain.TypeTaxForm,
}

// NormalizeLabel maps a raw classifier label onto the closed type set. The
// second return value is false when the label had to fall back to other.
func NormalizeLabel(raw string) (domain.DocumentType, bool) {
	label := strings.ToLower(strings.TrimSpace(raw))
	label = strings.Trim(label, ".\"'`")
	if label == "" {
		return domain.TypeOther, false
	}
	if docType, ok := labelAliases[label]; ok {
		return docType, true
	}

	underscored := strings.Join(strings.FieldsFunc(label, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
	if docType := domain.DocumentType(underscored); docType.Valid() {
		return docType, true
	}
	return domain.TypeOther, false
}

type Classification struct {
	classifier ports.DocumentClassifier
}

func NewClassification(classifier ports.DocumentClassifier) *Classification {
	return &Classification{classifier: classifier}
}

func (a *Classification) Run(ctx context.Context, snap Snapshot) domain.Outcome[domain.DocumentType] {
	label, confidence, err := a.classifier.Classify(ctx, snap.Fields)
	if err != nil {
		return domain.Fail[domain.DocumentType](ClassifyError(domain.StageClassification, err))
	}

	docType, ok := NormalizeLabel(label)
	if !ok {
		return domain.Succeed(domain.TypeOther, 0)
	}
	return domain.Succeed(docType, clampConfidence(confidence))
}
