// Package gcs stores archive exports in Google Cloud Storage. Download links
// are V4 signed URLs, which need a service account able to sign blobs.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/audittrail/audittrail/internal/config"
	appstorage "github.com/audittrail/audittrail/internal/storage"
	"github.com/audittrail/audittrail/pkg/checksum"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage implements appstorage.Storage on one bucket.
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// New builds a client. Credentials come from credentials_file when set and
// from Application Default Credentials otherwise; an endpoint without a
// credentials file targets an unauthenticated emulator.
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket name is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case cfg.Endpoint != "":
		opts = append(opts, option.WithoutAuthentication())
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStorage{client: client, bucket: cfg.Bucket}, nil
}

// Close releases the client's connections.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path)
}

// Upload streams the object; the checksum is attached once the upload has
// finished, since GCS metadata can be patched after the fact.
func (s *GCSStorage) Upload(ctx context.Context, path string, reader io.Reader, _ int64) (*appstorage.UploadResult, error) {
	key, err := appstorage.CleanPath(path)
	if err != nil {
		return nil, err
	}
	obj := s.object(key)

	w := obj.NewWriter(ctx)
	w.ContentType = appstorage.ContentType(key)
	hr := appstorage.NewHashingReader(reader)
	if _, err := io.Copy(w, hr); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish GCS upload: %w", err)
	}

	sum := hr.Sum()
	if _, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{appstorage.ChecksumMetadataKey: sum},
	}); err != nil {
		return nil, fmt.Errorf("failed to record checksum on GCS object: %w", err)
	}
	return &appstorage.UploadResult{Path: key, Size: hr.Size(), Checksum: sum}, nil
}

func notFound(err error, path string) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", appstorage.ErrNotFound, path)
	}
	return nil
}

func (s *GCSStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := s.object(path).NewReader(ctx)
	if err != nil {
		if nf := notFound(err, path); nf != nil {
			return nil, nf
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return r, nil
}

func (s *GCSStorage) Delete(ctx context.Context, path string) error {
	if err := s.object(path).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// GetURL returns a V4 signed GET URL valid for ttl.
func (s *GCSStorage) GetURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	ok, err := s.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", appstorage.ErrNotFound, path)
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(path, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return u, nil
}

func (s *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := s.object(path).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

func (s *GCSStorage) GetMetadata(ctx context.Context, path string) (*appstorage.FileMetadata, error) {
	attrs, err := s.object(path).Attrs(ctx)
	if err != nil {
		if nf := notFound(err, path); nf != nil {
			return nil, nf
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}

	meta := &appstorage.FileMetadata{
		Path:         path,
		Size:         attrs.Size,
		Checksum:     attrs.Metadata[appstorage.ChecksumMetadataKey],
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}
	if meta.Checksum == "" {
		body, err := s.Download(ctx, path)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		if meta.Checksum, err = checksum.CalculateSHA256(body); err != nil {
			return nil, err
		}
	}
	return meta, nil
}
