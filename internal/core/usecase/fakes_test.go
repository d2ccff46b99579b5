package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/stage"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/repository/memory"
)

var errServiceDown = domain.WrapError(domain.ErrTemporary, "classify", errors.New("503 service unavailable"))

type extractorFake struct {
	fields     domain.ExtractedFields
	confidence float64
	err        error
	block      chan struct{}
	calls      atomic.Int32
	onCall     func(ctx context.Context) error
}

func (f *extractorFake) ExtractFields(ctx context.Context, _ *domain.Document) (domain.ExtractedFields, float64, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.onCall != nil {
		if err := f.onCall(ctx); err != nil {
			return nil, 0, err
		}
	}
	if f.err != nil {
		return nil, 0, f.err
	}
	out := make(domain.ExtractedFields, len(f.fields))
	for name, field := range f.fields {
		out[name] = field
	}
	return out, f.confidence, nil
}

// classifierFake returns errs in order, then label/confidence.
type classifierFake struct {
	mu         sync.Mutex
	label      string
	confidence float64
	errs       []error
	calls      int
}

func (f *classifierFake) Classify(context.Context, domain.ExtractedFields) (string, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", 0, err
	}
	return f.label, f.confidence, nil
}

type recognizerFake struct {
	entities []domain.Entity
	err      error
	wait     bool
}

func (f *recognizerFake) Recognize(ctx context.Context, _ string) ([]domain.Entity, error) {
	if f.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.entities, nil
}

type summarizerFake struct {
	summary string
	err     error
	onCall  func(ctx context.Context) error
}

func (f *summarizerFake) Summarize(ctx context.Context, _ domain.ExtractedFields, _ domain.DocumentType) (string, error) {
	if f.onCall != nil {
		if err := f.onCall(ctx); err != nil {
			return "", err
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

type eventsFake struct {
	mu     sync.Mutex
	events []domain.StatusEvent
	err    error
}

func (f *eventsFake) PublishStatus(_ context.Context, event domain.StatusEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *eventsFake) transitions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, event := range f.events {
		out = append(out, string(event.From)+"->"+string(event.To))
	}
	return out
}

type queueFake struct {
	mu       sync.Mutex
	enqueued []domain.Task
	delayed  []delayedTask
	err      error
	tasks    chan domain.Task
}

type delayedTask struct {
	task  domain.Task
	delay time.Duration
}

func newQueueFake() *queueFake {
	return &queueFake{tasks: make(chan domain.Task, 16)}
}

func (f *queueFake) Enqueue(_ context.Context, task domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, task)
	return nil
}

func (f *queueFake) EnqueueAfter(_ context.Context, task domain.Task, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delayed = append(f.delayed, delayedTask{task: task, delay: delay})
	return nil
}

// Consume hands every task sent on f.tasks to handler until ctx ends.
func (f *queueFake) Consume(ctx context.Context, handler func(context.Context, domain.Task) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-f.tasks:
			_ = handler(ctx, task)
		}
	}
}

func (f *queueFake) snapshot() ([]domain.Task, []delayedTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Task(nil), f.enqueued...), append([]delayedTask(nil), f.delayed...)
}

type storageFake struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted []string
	saveErr error
	delErr  error
}

func newStorageFake() *storageFake {
	return &storageFake{blobs: map[string][]byte{}}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.blobs[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "open blob", errors.New(key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *storageFake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.blobs, key)
	return nil
}

func invoiceFields() domain.ExtractedFields {
	return domain.ExtractedFields{
		"vendor_name":    {Value: "Acme Corp", Confidence: 0.95},
		"invoice_number": {Value: "INV-2024-001", Confidence: 0.95},
		"total":          {Value: "1234.56", Confidence: 0.95},
	}
}

type pipelineFakes struct {
	extractor  *extractorFake
	classifier *classifierFake
	recognizer *recognizerFake
	summarizer *summarizerFake
}

func newPipelineFakes() *pipelineFakes {
	return &pipelineFakes{
		extractor:  &extractorFake{fields: invoiceFields(), confidence: 0.95},
		classifier: &classifierFake{label: "invoice", confidence: 0.9},
		recognizer: &recognizerFake{entities: []domain.Entity{
			{Text: "Acme Corp", Type: "ORG", Confidence: 0.9876, Span: domain.Span{Start: 0, End: 9}},
		}},
		summarizer: &summarizerFake{summary: "Invoice INV-2024-001 from Acme Corp for 1234.56."},
	}
}

func (p *pipelineFakes) set() stage.Set {
	return stage.NewSet(p.extractor, p.classifier, p.recognizer, p.summarizer, stage.EntityPolicy{})
}

func seedUploaded(repo *memory.DocumentRepository, id string) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	_ = repo.Create(context.Background(), &domain.Document{
		ID:              id,
		TenantID:        "demo",
		Filename:        "invoice.pdf",
		ContentType:     "application/pdf",
		SizeBytes:       2048,
		StoragePath:     id + "_invoice.pdf",
		Status:          domain.StatusUploaded,
		ExtractedFields: domain.ExtractedFields{},
		Entities:        []domain.Entity{},
		UploadedAt:      now,
		UpdatedAt:       now,
	})
}
