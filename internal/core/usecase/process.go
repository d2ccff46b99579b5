package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
	"github.com/kirillkom/document-intelligence/internal/core/stage"
)

const DefaultRunTimeout = 300 * time.Second

// StageObserver receives per-stage timings. It is optional.
type StageObserver interface {
	ObserveStage(stage domain.Stage, outcome string, duration time.Duration)
}

type ProcessOptions struct {
	RunTimeout time.Duration
	Retry      RetryPolicy
	Observer   StageObserver
	Logger     *slog.Logger
	Now        func() time.Time
}

type ProcessDocumentUseCase struct {
	repo       ports.DocumentRepository
	stages     stage.Set
	events     ports.StatusPublisher
	retry      RetryPolicy
	runTimeout time.Duration
	observer   StageObserver
	logger     *slog.Logger
	now        func() time.Time
}

func NewProcessDocumentUseCase(
	repo ports.DocumentRepository,
	stages stage.Set,
	events ports.StatusPublisher,
	opts ProcessOptions,
) *ProcessDocumentUseCase {
	uc := &ProcessDocumentUseCase{
		repo:       repo,
		stages:     stages,
		events:     events,
		retry:      opts.Retry.normalize(),
		runTimeout: opts.RunTimeout,
		observer:   opts.Observer,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if uc.runTimeout <= 0 {
		uc.runTimeout = DefaultRunTimeout
	}
	if uc.logger == nil {
		uc.logger = slog.Default()
	}
	if uc.now == nil {
		uc.now = time.Now
	}
	return uc
}

type runResult struct {
	fields                   domain.ExtractedFields
	extractionConfidence     float64
	docType                  domain.DocumentType
	classificationConfidence float64
	entities                 []domain.Entity
	summary                  string
	summaryDegraded          bool
}

// Run executes one pipeline run for task. Stage failures never surface as
// errors: they end in a requeue request or a failed document. The returned
// error is reserved for persistence problems and process shutdown, both of
// which leave the document in processing for recovery.
func (uc *ProcessDocumentUseCase) Run(ctx context.Context, task domain.Task) (domain.RunReport, error) {
	report := domain.RunReport{DocumentID: task.DocumentID, Attempt: task.Attempt}
	logger := uc.logger.With("document_id", task.DocumentID, "attempt", task.Attempt)

	claim, err := uc.repo.ClaimRun(ctx, task.DocumentID, task.Attempt)
	if err != nil {
		switch {
		case domain.IsKind(err, domain.ErrDocumentNotFound):
			report.Outcome = domain.RunSkipped
			report.Failure = &domain.Failure{
				Stage:   domain.StageLoad,
				Kind:    domain.FailureValidation,
				Message: err.Error(),
				Err:     err,
			}
			logger.Warn("document_run_skipped", "reason", "not_found")
			return report, nil
		case domain.IsKind(err, domain.ErrRunInProgress):
			report.Outcome = domain.RunSkipped
			logger.Info("document_run_skipped", "reason", "not_claimable")
			return report, nil
		default:
			return report, fmt.Errorf("claim run: %w", err)
		}
	}

	doc := claim.Document
	report.Attempt = doc.RetryCount
	uc.publish(ctx, doc, claim.From, domain.StatusProcessing, "")
	logger.Info("document_run_started", "from_status", string(claim.From), "retry_count", doc.RetryCount)

	started := uc.now()
	result, failure := uc.runStages(ctx, doc)
	report.Duration = uc.now().Sub(started)

	if failure != nil {
		if ctx.Err() != nil {
			logger.Warn("document_run_interrupted", "stage", string(failure.Stage), "error", ctx.Err())
			return report, fmt.Errorf("run interrupted: %w", ctx.Err())
		}
		return uc.handleFailure(ctx, logger, doc, report, failure)
	}

	completion := domain.Completion{
		Summary:               result.summary,
		ConfidenceScore:       AggregateConfidence(result.extractionConfidence, result.classificationConfidence),
		ProcessingTimeSeconds: report.Duration.Seconds(),
		ProcessedAt:           uc.now().UTC(),
	}
	if err := uc.repo.Complete(ctx, doc.ID, completion); err != nil {
		return report, fmt.Errorf("complete document: %w", err)
	}

	report.Outcome = domain.RunCompleted
	uc.publish(ctx, doc, domain.StatusProcessing, domain.StatusCompleted, "")
	logger.Info("document_run_completed",
		"document_type", string(result.docType),
		"confidence", completion.ConfidenceScore,
		"entities_count", len(result.entities),
		"summary_degraded", result.summaryDegraded,
		"processing_time_seconds", completion.ProcessingTimeSeconds,
	)
	return report, nil
}

func (uc *ProcessDocumentUseCase) runStages(ctx context.Context, doc *domain.Document) (runResult, *domain.Failure) {
	runCtx, cancel := context.WithTimeout(ctx, uc.runTimeout)
	defer cancel()

	var result runResult
	snap := stage.Snapshot{Document: doc}

	extracted := observeStage(uc, domain.StageExtraction, func() domain.Outcome[domain.ExtractedFields] {
		return uc.stages.Extraction.Run(runCtx, snap)
	})
	if failure := attributeTimeout(runCtx, domain.StageExtraction, extracted.Failure); failure != nil {
		return result, failure
	}
	result.fields = extracted.Value
	result.extractionConfidence = extracted.Confidence
	if failure := uc.persist(ctx, domain.StageExtraction, func() error {
		return uc.repo.SaveExtractedFields(ctx, doc.ID, result.fields)
	}); failure != nil {
		return result, failure
	}
	snap.Fields = result.fields

	classified := observeStage(uc, domain.StageClassification, func() domain.Outcome[domain.DocumentType] {
		return uc.stages.Classification.Run(runCtx, snap)
	})
	if failure := attributeTimeout(runCtx, domain.StageClassification, classified.Failure); failure != nil {
		return result, failure
	}
	result.docType = classified.Value
	result.classificationConfidence = classified.Confidence
	if failure := uc.persist(ctx, domain.StageClassification, func() error {
		return uc.repo.SaveDocumentType(ctx, doc.ID, result.docType)
	}); failure != nil {
		return result, failure
	}
	snap.Type = result.docType

	recognized := observeStage(uc, domain.StageEntities, func() domain.Outcome[[]domain.Entity] {
		return uc.stages.Entities.Run(runCtx, snap)
	})
	if failure := attributeTimeout(runCtx, domain.StageEntities, recognized.Failure); failure != nil {
		return result, failure
	}
	result.entities = recognized.Value
	if failure := uc.persist(ctx, domain.StageEntities, func() error {
		return uc.repo.SaveEntities(ctx, doc.ID, result.entities)
	}); failure != nil {
		return result, failure
	}

	summarized := observeStage(uc, domain.StageSummarization, func() domain.Outcome[string] {
		return uc.stages.Summarization.Run(runCtx, snap)
	})
	if failure := attributeTimeout(runCtx, domain.StageSummarization, summarized.Failure); failure != nil {
		return result, failure
	}
	result.summary = summarized.Value
	result.summaryDegraded = summarized.Degraded

	return result, nil
}

func (uc *ProcessDocumentUseCase) handleFailure(
	ctx context.Context,
	logger *slog.Logger,
	doc *domain.Document,
	report domain.RunReport,
	failure *domain.Failure,
) (domain.RunReport, error) {
	report.Failure = failure
	decision := uc.retry.Decide(failure, doc.RunRetries())

	if decision.Retry {
		retryCount, err := uc.repo.ScheduleRetry(ctx, doc.ID, failure.Error())
		if err != nil {
			return report, fmt.Errorf("schedule retry: %w", err)
		}
		report.Outcome = domain.RunRequeued
		report.Attempt = retryCount
		report.RetryAfter = decision.After

		doc.RetryCount = retryCount
		uc.publish(ctx, doc, domain.StatusProcessing, domain.StatusProcessing, failure.Error())
		logger.Warn("document_run_requeued",
			"stage", string(failure.Stage),
			"failure_kind", string(failure.Kind),
			"retry_count", retryCount,
			"retry_after_seconds", decision.After.Seconds(),
			"error", failure.Message,
		)
		return report, nil
	}

	if err := uc.repo.Fail(ctx, doc.ID, failure.Error()); err != nil {
		return report, fmt.Errorf("mark failed: %w", err)
	}
	report.Outcome = domain.RunFailed
	uc.publish(ctx, doc, domain.StatusProcessing, domain.StatusFailed, failure.Error())
	logger.Error("document_run_failed",
		"stage", string(failure.Stage),
		"failure_kind", string(failure.Kind),
		"retryable", failure.Retryable,
		"retry_count", doc.RetryCount,
		"error", failure.Message,
	)
	return report, nil
}

// persist turns an intermediate write error into a retryable failure of the
// stage whose result was being saved.
func (uc *ProcessDocumentUseCase) persist(ctx context.Context, st domain.Stage, write func() error) *domain.Failure {
	err := write()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return stage.ClassifyError(st, ctx.Err())
	}
	return &domain.Failure{
		Stage:     st,
		Kind:      domain.FailureTransient,
		Retryable: true,
		Message:   fmt.Sprintf("persist %s result: %v", st, err),
		Err:       err,
	}
}

func (uc *ProcessDocumentUseCase) publish(ctx context.Context, doc *domain.Document, from, to domain.DocumentStatus, errMessage string) {
	if uc.events == nil {
		return
	}
	event := domain.StatusEvent{
		DocumentID:   doc.ID,
		TenantID:     doc.TenantID,
		From:         from,
		To:           to,
		RetryCount:   doc.RetryCount,
		ErrorMessage: errMessage,
		At:           uc.now().UTC(),
	}
	if err := uc.events.PublishStatus(ctx, event); err != nil {
		uc.logger.Warn("status_event_publish_failed", "document_id", doc.ID, "error", err)
	}
}

// attributeTimeout reports an exceeded run deadline as a timeout of st,
// whatever error the stage itself surfaced.
func attributeTimeout(runCtx context.Context, st domain.Stage, failure *domain.Failure) *domain.Failure {
	if failure == nil {
		return nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return stage.TimeoutFailure(st)
	}
	return failure
}

func observeStage[T any](uc *ProcessDocumentUseCase, st domain.Stage, run func() domain.Outcome[T]) domain.Outcome[T] {
	started := uc.now()
	out := run()
	if uc.observer != nil {
		outcome := "success"
		switch {
		case out.Failed():
			outcome = string(out.Failure.Kind)
		case out.Degraded:
			outcome = "degraded"
		}
		uc.observer.ObserveStage(st, outcome, uc.now().Sub(started))
	}
	return out
}
