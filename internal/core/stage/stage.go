// Package stage wraps the four external pipeline capabilities behind a uniform
// Run(snapshot) -> Outcome contract. Adapters hold no per-run state and are
// safe to share across concurrent runs.
package stage

import (
	"context"
	"errors"
	"math"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

// Snapshot is the document as seen by a stage together with the outputs of
// the stages that ran before it in the same run.
type Snapshot struct {
	Document *domain.Document
	Fields   domain.ExtractedFields
	Type     domain.DocumentType
}

type Adapter[T any] interface {
	Run(ctx context.Context, snap Snapshot) domain.Outcome[T]
}

// Set groups the adapters the orchestrator runs, in pipeline order.
type Set struct {
	Extraction     Adapter[domain.ExtractedFields]
	Classification Adapter[domain.DocumentType]
	Entities       Adapter[[]domain.Entity]
	Summarization  Adapter[string]
}

func NewSet(
	extractor ports.FieldExtractor,
	classifier ports.DocumentClassifier,
	recognizer ports.EntityRecognizer,
	summarizer ports.Summarizer,
	policy EntityPolicy,
) Set {
	return Set{
		Extraction:     NewExtraction(extractor),
		Classification: NewClassification(classifier),
		Entities:       NewEntityExtraction(recognizer, policy),
		Summarization:  NewSummarization(summarizer),
	}
}

// ClassifyError maps a capability error onto the failure taxonomy.
func ClassifyError(st domain.Stage, err error) *domain.Failure {
	failure := &domain.Failure{Stage: st, Err: err}
	if err != nil {
		failure.Message = err.Error()
	}

	switch {
	case err == nil:
		failure.Kind = domain.FailurePermanent
		failure.Message = "stage returned no result"
	case errors.Is(err, context.DeadlineExceeded):
		failure.Kind = domain.FailureTimeout
		failure.Retryable = true
	case errors.Is(err, context.Canceled):
		failure.Kind = domain.FailureTransient
		failure.Retryable = true
	case domain.IsKind(err, domain.ErrTemporary):
		failure.Kind = domain.FailureTransient
		failure.Retryable = true
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		failure.Kind = domain.FailureValidation
	default:
		failure.Kind = domain.FailurePermanent
	}
	return failure
}

// TimeoutFailure attributes an exceeded run deadline to the active stage.
func TimeoutFailure(st domain.Stage) *domain.Failure {
	return &domain.Failure{
		Stage:     st,
		Kind:      domain.FailureTimeout,
		Retryable: true,
		Message:   "run time limit exceeded during " + string(st),
		Err:       context.DeadlineExceeded,
	}
}

func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
