package stage

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

const (
	DefaultEntityMaxChars = 512
	DefaultEntityMinChars = 10
)

type EntityPolicy struct {
	MaxChars int
	MinChars int
}

func (p EntityPolicy) normalize() EntityPolicy {
	out := p
	if out.MaxChars <= 0 {
		out.MaxChars = DefaultEntityMaxChars
	}
	if out.MinChars <= 0 {
		out.MinChars = DefaultEntityMinChars
	}
	return out
}

// EntityText joins field values with single spaces in field-name order.
func EntityText(fields domain.ExtractedFields) string {
	values := make([]string, 0, len(fields))
	for _, name := range fields.Names() {
		values = append(values, fields[name].Value)
	}
	return strings.Join(values, " ")
}

type EntityExtraction struct {
	recognizer ports.EntityRecognizer
	policy     EntityPolicy
}

func NewEntityExtraction(recognizer ports.EntityRecognizer, policy EntityPolicy) *EntityExtraction {
	return &EntityExtraction{recognizer: recognizer, policy: policy.normalize()}
}

func (a *EntityExtraction) Run(ctx context.Context, snap Snapshot) domain.Outcome[[]domain.Entity] {
	return a.Extract(ctx, EntityText(snap.Fields))
}

// Extract runs recognition on already assembled text.
func (a *EntityExtraction) Extract(ctx context.Context, text string) domain.Outcome[[]domain.Entity] {
	if utf8.RuneCountInString(text) < a.policy.MinChars {
		return domain.Succeed([]domain.Entity{}, 0)
	}
	text = truncateRunes(text, a.policy.MaxChars)

	entities, err := a.recognizer.Recognize(ctx, text)
	if err != nil {
		return domain.Fail[[]domain.Entity](ClassifyError(domain.StageEntities, err))
	}

	out := make([]domain.Entity, 0, len(entities))
	for _, entity := range entities {
		entity.Confidence = roundConfidence(clampConfidence(entity.Confidence))
		out = append(out, entity)
	}
	return domain.Succeed(out, 0)
}

func roundConfidence(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func truncateRunes(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
