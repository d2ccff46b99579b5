// Package gcs stores source documents in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

type Storage struct {
	client *storage.Client
	bucket string
}

// New creates a client from a service account file, or from application
// default credentials when credentialsFile is empty.
func New(ctx context.Context, bucket, credentialsFile string) (*Storage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Storage{client: client, bucket: bucket}, nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) Save(ctx context.Context, key string, data io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return domain.WrapError(domain.ErrTemporary, "gcs write", err)
	}
	if err := w.Close(); err != nil {
		return domain.WrapError(domain.ErrTemporary, "gcs close writer", err)
	}
	return nil
}

func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, openError(key, err)
	}
	return r, nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return deleteError(s.bucket, key, s.client.Bucket(s.bucket).Object(key).Delete(ctx))
}

// openError keeps a missing object permanent so the run fails instead of
// retrying. Every other read error is worth another attempt.
func openError(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return domain.WrapError(domain.ErrDocumentNotFound, "gcs open", fmt.Errorf("key=%s", key))
	}
	return domain.WrapError(domain.ErrTemporary, "gcs open", err)
}

// deleteError treats an already missing object as deleted.
func deleteError(bucket, key string, err error) error {
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return fmt.Errorf("delete gcs object %q in bucket %q: %w", key, bucket, err)
}
