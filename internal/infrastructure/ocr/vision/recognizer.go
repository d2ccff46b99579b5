// Package vision recognizes text in scanned documents with Google Cloud
// Vision DOCUMENT_TEXT_DETECTION.
package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/resilience"
)

const (
	defaultTimeout = 60 * time.Second
	// Synchronous file annotation reads at most five pages.
	maxFilePages = 5
)

// annotator is the slice of the Vision client the recognizer uses.
type annotator interface {
	annotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error)
	annotateFiles(ctx context.Context, req *visionpb.BatchAnnotateFilesRequest) (*visionpb.BatchAnnotateFilesResponse, error)
	Close() error
}

type clientAnnotator struct {
	client *vision.ImageAnnotatorClient
}

func (c clientAnnotator) annotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error) {
	return c.client.BatchAnnotateImages(ctx, req)
}

func (c clientAnnotator) annotateFiles(ctx context.Context, req *visionpb.BatchAnnotateFilesRequest) (*visionpb.BatchAnnotateFilesResponse, error) {
	return c.client.BatchAnnotateFiles(ctx, req)
}

func (c clientAnnotator) Close() error {
	return c.client.Close()
}

type Options struct {
	CredentialsFile string
	Timeout         time.Duration
	LanguageHints   []string
	Executor        *resilience.Executor
}

type Recognizer struct {
	api       annotator
	timeout   time.Duration
	languages []string
	executor  *resilience.Executor
}

// New dials Vision with a service account file, or with application default
// credentials when opts.CredentialsFile is empty.
func New(ctx context.Context, opts Options) (*Recognizer, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create vision client: %w", err)
	}
	return newRecognizer(clientAnnotator{client: client}, opts), nil
}

func newRecognizer(api annotator, opts Options) *Recognizer {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Recognizer{api: api, timeout: opts.Timeout, languages: opts.LanguageHints, executor: opts.Executor}
}

func (r *Recognizer) Close() error {
	return r.api.Close()
}

// RecognizeText returns the full text of content and the mean confidence of
// its text blocks. PDF and TIFF go through file annotation, other images
// through image annotation.
func (r *Recognizer) RecognizeText(ctx context.Context, content []byte, mimeType string) (string, float64, error) {
	if len(content) == 0 {
		return "", 0, nil
	}
	operation := "vision.annotate_image"
	if isFileMIME(mimeType) {
		operation = "vision.annotate_file"
	}

	pages, err := resilience.Call(ctx, r.executor, operation, func(callCtx context.Context) ([]*visionpb.AnnotateImageResponse, error) {
		callCtx, cancel := context.WithTimeout(callCtx, r.timeout)
		defer cancel()
		if isFileMIME(mimeType) {
			return r.annotateFile(callCtx, content, mimeType)
		}
		return r.annotateImage(callCtx, content)
	}, classifyVisionError)
	if err != nil {
		return "", 0, wrapTemporaryIfNeeded(operation, err)
	}
	text, confidence := collectText(pages)
	return text, confidence, nil
}

func (r *Recognizer) annotateImage(ctx context.Context, content []byte) ([]*visionpb.AnnotateImageResponse, error) {
	resp, err := r.api.annotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:        &visionpb.Image{Content: content},
			Features:     []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			ImageContext: r.imageContext(),
		}},
	})
	if err != nil {
		return nil, err
	}
	return checkResponses(resp.GetResponses())
}

func (r *Recognizer) annotateFile(ctx context.Context, content []byte, mimeType string) ([]*visionpb.AnnotateImageResponse, error) {
	pages := make([]int32, 0, maxFilePages)
	for i := int32(1); i <= maxFilePages; i++ {
		pages = append(pages, i)
	}
	resp, err := r.api.annotateFiles(ctx, &visionpb.BatchAnnotateFilesRequest{
		Requests: []*visionpb.AnnotateFileRequest{{
			InputConfig:  &visionpb.InputConfig{Content: content, MimeType: mimeType},
			Features:     []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			ImageContext: r.imageContext(),
			Pages:        pages,
		}},
	})
	if err != nil {
		return nil, err
	}
	var out []*visionpb.AnnotateImageResponse
	for _, file := range resp.GetResponses() {
		if file.GetError().GetCode() != 0 {
			return nil, annotateError(file.GetError().GetCode(), file.GetError().GetMessage())
		}
		out = append(out, file.GetResponses()...)
	}
	return checkResponses(out)
}

func (r *Recognizer) imageContext() *visionpb.ImageContext {
	if len(r.languages) == 0 {
		return nil
	}
	return &visionpb.ImageContext{LanguageHints: r.languages}
}

func checkResponses(responses []*visionpb.AnnotateImageResponse) ([]*visionpb.AnnotateImageResponse, error) {
	for _, resp := range responses {
		if resp.GetError().GetCode() != 0 {
			return nil, annotateError(resp.GetError().GetCode(), resp.GetError().GetMessage())
		}
	}
	return responses, nil
}

// collectText joins page texts and averages block confidence over every
// page.
func collectText(responses []*visionpb.AnnotateImageResponse) (string, float64) {
	var (
		parts []string
		sum   float64
		n     int
	)
	for _, resp := range responses {
		annotation := resp.GetFullTextAnnotation()
		if text := strings.TrimSpace(annotation.GetText()); text != "" {
			parts = append(parts, text)
		}
		for _, page := range annotation.GetPages() {
			for _, block := range page.GetBlocks() {
				if c := block.GetConfidence(); c > 0 {
					sum += float64(c)
					n++
				}
			}
		}
	}
	if n == 0 {
		return strings.Join(parts, "\n"), 0
	}
	return strings.Join(parts, "\n"), min(sum/float64(n), 1)
}

// AnnotateError is a per-request error reported inside a successful RPC.
type AnnotateError struct {
	Code    codes.Code
	Message string
}

func (e *AnnotateError) Error() string {
	return fmt.Sprintf("vision annotate %s: %s", e.Code, e.Message)
}

func annotateError(code int32, message string) error {
	return &AnnotateError{Code: codes.Code(code), Message: message}
}

func classifyVisionError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case resilience.IsContextError(err):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	retryable := isRetryableCode(errorCode(err))
	return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
}

func errorCode(err error) codes.Code {
	var annotateErr *AnnotateError
	if errors.As(err, &annotateErr) {
		return annotateErr.Code
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

func isRetryableCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) || resilience.IsContextError(err) {
		return err
	}
	if classifyVisionError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

func isFileMIME(mimeType string) bool {
	return mimeType == "application/pdf" || mimeType == "image/tiff"
}
