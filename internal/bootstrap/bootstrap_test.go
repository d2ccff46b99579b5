package bootstrap

import (
	"context"
	"strings"
	"testing"

	"github.com/kirillkom/document-intelligence/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		RepositoryBackend: BackendMemory,
		QueueBackend:      BackendMemory,
		StorageBackend:    BackendLocalFS,
		StoragePath:       t.TempDir(),
		OllamaURL:         "http://127.0.0.1:1",
		NERURL:            "http://127.0.0.1:1/ner",
		WorkerConcurrency: 2,
		RunTimeoutSeconds: 30,
		RetryMax:          3,
		MaxUploadMB:       1,
		AllowedExtensions: ".txt",
		DefaultTenantID:   "demo",
	}
}

func TestNewWithMemoryBackends(t *testing.T) {
	app, err := New(context.Background(), memoryConfig(t), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer app.Close()

	if app.Repo == nil || app.Queue == nil || app.Storage == nil {
		t.Fatalf("expected repository, queue and storage to be wired")
	}
	if app.IngestUC == nil || app.ManageUC == nil || app.ProcessUC == nil {
		t.Fatalf("expected use cases to be wired")
	}
	if app.Dispatcher == nil || app.Recovery == nil || app.WorkerMetrics == nil {
		t.Fatalf("expected worker components to be wired")
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.QueueBackend = "kafka"

	_, err := New(context.Background(), cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}
