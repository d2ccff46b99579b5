package httpner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

func TestRecognizeMapsEntityGroups(t *testing.T) {
	var gotInput string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Inputs string `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotInput = payload.Inputs
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[
			{"entity_group":"ORG","score":0.987,"word":" Acme Corp","start":0,"end":9},
			{"entity":"B-LOC","score":0.5,"word":"Berlin","start":13,"end":19}
		]`))
	}))
	defer server.Close()

	entities, err := New(server.URL, Options{Token: "secret"}).Recognize(context.Background(), "Acme Corp in Berlin")
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if gotInput != "Acme Corp in Berlin" || gotAuth != "Bearer secret" {
		t.Fatalf("unexpected request input=%q auth=%q", gotInput, gotAuth)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	if entities[0].Text != "Acme Corp" || entities[0].Type != "ORG" || entities[0].Span.End != 9 {
		t.Fatalf("unexpected first entity %+v", entities[0])
	}
	if entities[1].Type != "LOC" {
		t.Fatalf("expected BIO prefix stripped, got %+v", entities[1])
	}
}

func TestRecognizeLoadingModelIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model is loading"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := New(server.URL, Options{}).Recognize(context.Background(), "Acme Corp in Berlin")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
}

func TestRecognizeBadRequestIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := New(server.URL, Options{}).Recognize(context.Background(), "Acme Corp in Berlin")
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
