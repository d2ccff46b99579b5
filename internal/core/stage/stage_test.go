package stage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

type extractorFake struct {
	fields     domain.ExtractedFields
	confidence float64
	err        error
}

func (f *extractorFake) ExtractFields(context.Context, *domain.Document) (domain.ExtractedFields, float64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.fields, f.confidence, nil
}

type classifierFake struct {
	label      string
	confidence float64
	err        error
}

func (f *classifierFake) Classify(context.Context, domain.ExtractedFields) (string, float64, error) {
	return f.label, f.confidence, f.err
}

type recognizerFake struct {
	entities []domain.Entity
	err      error
	calls    int
	lastText string
}

func (f *recognizerFake) Recognize(_ context.Context, text string) ([]domain.Entity, error) {
	f.calls++
	f.lastText = text
	if f.err != nil {
		return nil, f.err
	}
	return f.entities, nil
}

type summarizerFake struct {
	summary string
	err     error
	wait    time.Duration
}

func (f *summarizerFake) Summarize(ctx context.Context, _ domain.ExtractedFields, _ domain.DocumentType) (string, error) {
	if f.wait > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.wait):
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func TestNormalizeLabel(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.DocumentType
		ok   bool
	}{
		{raw: "invoice", want: domain.TypeInvoice, ok: true},
		{raw: "  Receipt\n", want: domain.TypeReceipt, ok: true},
		{raw: "business card", want: domain.TypeBusinessCard, ok: true},
		{raw: "Business-Card", want: domain.TypeBusinessCard, ok: true},
		{raw: "id", want: domain.TypeIdentity, ok: true},
		{raw: "bank statement", want: domain.TypeBankStatement, ok: true},
		{raw: "tax form", want: domain.TypeTaxForm, ok: true},
		{raw: "other", want: domain.TypeOther, ok: true},
		{raw: "foo", want: domain.TypeOther, ok: false},
		{raw: "", want: domain.TypeOther, ok: false},
	}
	for _, tc := range cases {
		got, ok := NormalizeLabel(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NormalizeLabel(%q) = (%s, %v), want (%s, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestClassificationUnknownLabelFallsBackToOtherWithZeroConfidence(t *testing.T) {
	adapter := NewClassification(&classifierFake{label: "foo", confidence: 0.9})
	out := adapter.Run(context.Background(), Snapshot{})
	if out.Failed() {
		t.Fatalf("unexpected failure: %v", out.Failure)
	}
	if out.Value != domain.TypeOther || out.Confidence != 0 {
		t.Fatalf("expected other/0, got %s/%v", out.Value, out.Confidence)
	}
}

func TestClassificationKeepsConfidenceForKnownAlias(t *testing.T) {
	adapter := NewClassification(&classifierFake{label: "business card", confidence: 0.8})
	out := adapter.Run(context.Background(), Snapshot{})
	if out.Value != domain.TypeBusinessCard || out.Confidence != 0.8 {
		t.Fatalf("expected business_card/0.8, got %s/%v", out.Value, out.Confidence)
	}
}

func TestClassificationTemporaryErrorIsRetryable(t *testing.T) {
	adapter := NewClassification(&classifierFake{
		err: domain.WrapError(domain.ErrTemporary, "classify", errors.New("503")),
	})
	out := adapter.Run(context.Background(), Snapshot{})
	if !out.Failed() || !out.Failure.Retryable || out.Failure.Kind != domain.FailureTransient {
		t.Fatalf("expected retryable transient failure, got %+v", out.Failure)
	}
	if out.Failure.Stage != domain.StageClassification {
		t.Fatalf("expected classification stage, got %s", out.Failure.Stage)
	}
}

func TestExtractionRejectsMissingLocator(t *testing.T) {
	extractor := &extractorFake{}
	out := NewExtraction(extractor).Run(context.Background(), Snapshot{Document: &domain.Document{ID: "doc-1"}})
	if !out.Failed() || out.Failure.Retryable || out.Failure.Kind != domain.FailurePermanent {
		t.Fatalf("expected permanent failure, got %+v", out.Failure)
	}
}

func TestExtractionReturnsFieldsAndConfidence(t *testing.T) {
	extractor := &extractorFake{
		fields:     domain.ExtractedFields{"total": {Value: "10.00", Confidence: 1.4}},
		confidence: 0.95,
	}
	out := NewExtraction(extractor).Run(context.Background(), Snapshot{Document: &domain.Document{StoragePath: "a.txt"}})
	if out.Failed() {
		t.Fatalf("unexpected failure: %v", out.Failure)
	}
	if out.Confidence != 0.95 {
		t.Fatalf("expected confidence 0.95, got %v", out.Confidence)
	}
	if out.Value["total"].Confidence != 1 {
		t.Fatalf("expected field confidence clamped to 1, got %v", out.Value["total"].Confidence)
	}
}

func TestEntityExtractionShortCircuitsShortText(t *testing.T) {
	recognizer := &recognizerFake{}
	adapter := NewEntityExtraction(recognizer, EntityPolicy{})

	out := adapter.Extract(context.Background(), "123456789")
	if out.Failed() || len(out.Value) != 0 {
		t.Fatalf("expected empty success, got %+v", out)
	}
	if recognizer.calls != 0 {
		t.Fatalf("recognizer must not be called for 9 chars, got %d calls", recognizer.calls)
	}
}

func TestEntityExtractionRoundsConfidence(t *testing.T) {
	recognizer := &recognizerFake{entities: []domain.Entity{
		{Text: "Acme Corp", Type: "ORG", Confidence: 0.98765, Span: domain.Span{Start: 0, End: 9}},
		{Text: "Berlin", Type: "LOC", Confidence: 0.5004},
	}}
	adapter := NewEntityExtraction(recognizer, EntityPolicy{})

	out := adapter.Extract(context.Background(), "1234567890")
	if out.Failed() {
		t.Fatalf("unexpected failure: %v", out.Failure)
	}
	if recognizer.calls != 1 {
		t.Fatalf("expected one recognizer call, got %d", recognizer.calls)
	}
	if out.Value[0].Confidence != 0.988 || out.Value[1].Confidence != 0.5 {
		t.Fatalf("unexpected rounding: %+v", out.Value)
	}
	if out.Value[0].Span.End != 9 {
		t.Fatalf("expected span preserved, got %+v", out.Value[0].Span)
	}
}

func TestEntityExtractionTruncatesInput(t *testing.T) {
	recognizer := &recognizerFake{}
	adapter := NewEntityExtraction(recognizer, EntityPolicy{MaxChars: 20})

	out := adapter.Extract(context.Background(), strings.Repeat("a", 100))
	if out.Failed() {
		t.Fatalf("unexpected failure: %v", out.Failure)
	}
	if len(recognizer.lastText) != 20 {
		t.Fatalf("expected truncated text of 20 chars, got %d", len(recognizer.lastText))
	}
}

func TestEntityTextJoinsValuesInFieldOrder(t *testing.T) {
	text := EntityText(domain.ExtractedFields{
		"vendor_name": {Value: "Acme Corp"},
		"date":        {Value: "2024-10-18"},
		"total":       {Value: "1234.56"},
	})
	if text != "2024-10-18 1234.56 Acme Corp" {
		t.Fatalf("unexpected entity text %q", text)
	}
}

func TestSummarizationDegradesOnError(t *testing.T) {
	adapter := NewSummarization(&summarizerFake{err: errors.New("model offline")})
	out := adapter.Run(context.Background(), Snapshot{Type: domain.TypeInvoice})
	if out.Failed() {
		t.Fatalf("summarization must not fail, got %v", out.Failure)
	}
	if !out.Degraded {
		t.Fatalf("expected degraded outcome")
	}
	if out.Value != "Summary generation failed: model offline" {
		t.Fatalf("unexpected placeholder %q", out.Value)
	}
}

func TestSummarizationReportsRunDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	adapter := NewSummarization(&summarizerFake{summary: "late", wait: time.Second})
	out := adapter.Run(ctx, Snapshot{})
	if !out.Failed() || out.Failure.Kind != domain.FailureTimeout || !out.Failure.Retryable {
		t.Fatalf("expected retryable timeout, got %+v", out.Failure)
	}
}

func TestSummarizationReportsCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := NewSummarization(&summarizerFake{err: context.Canceled})
	out := adapter.Run(ctx, Snapshot{})
	if !out.Failed() || out.Degraded {
		t.Fatalf("expected failure for a cancelled run, got %+v", out)
	}
	if out.Failure.Stage != domain.StageSummarization || !errors.Is(out.Failure, context.Canceled) {
		t.Fatalf("unexpected failure %+v", out.Failure)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      domain.FailureKind
		retryable bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, kind: domain.FailureTimeout, retryable: true},
		{name: "temporary", err: domain.WrapError(domain.ErrTemporary, "op", errors.New("x")), kind: domain.FailureTransient, retryable: true},
		{name: "not found", err: domain.WrapError(domain.ErrDocumentNotFound, "op", errors.New("x")), kind: domain.FailureValidation},
		{name: "invalid", err: domain.WrapError(domain.ErrInvalidInput, "op", errors.New("x")), kind: domain.FailurePermanent},
		{name: "unknown", err: errors.New("boom"), kind: domain.FailurePermanent},
	}
	for _, tc := range cases {
		failure := ClassifyError(domain.StageExtraction, tc.err)
		if failure.Kind != tc.kind || failure.Retryable != tc.retryable {
			t.Fatalf("%s: got kind=%s retryable=%v", tc.name, failure.Kind, failure.Retryable)
		}
	}
}
