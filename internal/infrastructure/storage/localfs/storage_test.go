package localfs

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

func TestSaveOpenDelete(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	if err := store.Save(ctx, "doc-1_invoice.txt", strings.NewReader("total: 10.00")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rc, err := store.Open(ctx, "doc-1_invoice.txt")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "total: 10.00" {
		t.Fatalf("unexpected content %q", body)
	}

	if err := store.Delete(ctx, "doc-1_invoice.txt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "doc-1_invoice.txt"); err != nil {
		t.Fatalf("second Delete() must be a no-op, got %v", err)
	}
	if _, err := store.Open(ctx, "doc-1_invoice.txt"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, key := range []string{"../etc/passwd", "/abs", "", ".."} {
		if err := store.Save(context.Background(), key, strings.NewReader("x")); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("key %q: expected ErrInvalidInput, got %v", key, err)
		}
	}
}
