// Package httpner calls a token-classification endpoint that speaks the
// Hugging Face inference format with aggregated entity groups.
package httpner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/resilience"
)

type Client struct {
	url        string
	token      string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Token    string
	Timeout  time.Duration
	Executor *resilience.Executor
}

func New(url string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        strings.TrimRight(url, "/"),
		token:      opts.Token,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.Executor,
	}
}

type entityGroup struct {
	EntityGroup string  `json:"entity_group"`
	Entity      string  `json:"entity"`
	Score       float64 `json:"score"`
	Word        string  `json:"word"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
}

func (c *Client) Recognize(ctx context.Context, text string) ([]domain.Entity, error) {
	groups, err := resilience.Call(ctx, c.executor, "ner.recognize", func(callCtx context.Context) ([]entityGroup, error) {
		return c.post(callCtx, text)
	}, classifyNERError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded(err)
	}

	out := make([]domain.Entity, 0, len(groups))
	for _, g := range groups {
		label := g.EntityGroup
		if label == "" {
			label = strings.TrimPrefix(strings.TrimPrefix(g.Entity, "B-"), "I-")
		}
		out = append(out, domain.Entity{
			Text:       strings.TrimSpace(g.Word),
			Type:       label,
			Confidence: g.Score,
			Span:       domain.Span{Start: g.Start, End: g.End},
		})
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, text string) ([]entityGroup, error) {
	body, err := json.Marshal(map[string]any{
		"inputs":     text,
		"parameters": map[string]any{"aggregation_strategy": "simple"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var groups []entityGroup
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return nil, fmt.Errorf("decode ner response: %w", err)
	}
	return groups, nil
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ner status: %d", e.StatusCode)
	}
	return fmt.Sprintf("ner status: %d: %s", e.StatusCode, e.Body)
}

func classifyNERError(err error) resilience.ErrorClassification {
	var statusErr *StatusError
	var netErr net.Error
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case resilience.IsContextError(err):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case errors.As(err, &statusErr):
		// Hosted models answer 503 while loading.
		retryable := statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	case errors.As(err, &netErr):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
}

func wrapTemporaryIfNeeded(err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) || resilience.IsContextError(err) {
		return err
	}
	if classifyNERError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "ner recognize", err)
	}
	return err
}
