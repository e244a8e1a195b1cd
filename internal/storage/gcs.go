package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCS stores captures in a Google Cloud Storage bucket. Objects are
// written once: a repeated Save of an existing name is a no-op.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCS creates a bucket-backed store. Credentials come from the
// environment unless opts say otherwise.
func NewGCS(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket), name: bucket}, nil
}

// Save writes the object only if it does not already exist
func (g *GCS) Save(ctx context.Context, name string, data []byte) (string, error) {
	w := g.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = http.DetectContentType(data)

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already stored, skipping", "bucket", g.name, "object", name)
			return name, nil
		}
		return "", fmt.Errorf("writing gcs object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already stored, skipping", "bucket", g.name, "object", name)
			return name, nil
		}
		return "", fmt.Errorf("finalizing gcs object %s: %w", name, err)
	}
	return name, nil
}

// Get reads an object
func (g *GCS) Get(ctx context.Context, path string) ([]byte, error) {
	r, err := g.bucket.Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("reading gcs object: %w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading gcs object %s: %w", path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gcs object %s: %w", path, err)
	}
	return data, nil
}

// Delete removes an object
func (g *GCS) Delete(ctx context.Context, path string) error {
	if err := g.bucket.Object(path).Delete(ctx); err != nil {
		return fmt.Errorf("deleting gcs object %s: %w", path, err)
	}
	return nil
}

// Close releases the client
func (g *GCS) Close() error {
	return g.client.Close()
}

// isPreconditionFailed reports whether err is a DoesNotExist precondition
// rejection, meaning the object was stored by an earlier attempt
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
