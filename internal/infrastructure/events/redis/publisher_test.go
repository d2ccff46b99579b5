package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	raw, err := encodeEvent(domain.StatusEvent{
		DocumentID: "doc-1",
		TenantID:   "demo",
		From:       domain.StatusProcessing,
		To:         domain.StatusFailed,
		RetryCount: 3,
		At:         at,
	})
	if err != nil {
		t.Fatalf("encodeEvent() error = %v", err)
	}

	var decoded domain.StatusEvent
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.To != domain.StatusFailed || decoded.RetryCount != 3 || !decoded.At.Equal(at) {
		t.Fatalf("unexpected event %+v", decoded)
	}
}

func TestEncodeEventRequiresDocumentID(t *testing.T) {
	if _, err := encodeEvent(domain.StatusEvent{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLatestKey(t *testing.T) {
	if got := LatestKey("doc-1"); got != "document:doc-1:status" {
		t.Fatalf("unexpected key %q", got)
	}
}
