// Package storage defines the object store that receives audit archive
// exports before records are marked archived.
//
// Backends register a constructor under their config name from an init()
// function in their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Storage.MyBackend)
//	    })
//	}
//
// cmd/server blank-imports every backend it ships, so selecting one is purely a
// matter of setting storage.default_backend.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned (wrapped) when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Storage is an object store keyed by slash-separated paths.
type Storage interface {
	// Upload stores the content of reader under path. size is a hint and may
	// be -1 when unknown.
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// GetURL returns a time-limited download link for path.
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	Exists(ctx context.Context, path string) (bool, error)

	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)
}

// UploadResult describes a stored object.
type UploadResult struct {
	Path string
	Size int64
	// Checksum is the hex SHA-256 of the stored bytes.
	Checksum string
}

// FileMetadata describes an object without its content.
type FileMetadata struct {
	Path         string
	Size         int64
	Checksum     string
	ContentType  string
	LastModified time.Time
}

// ChecksumMetadataKey is the object metadata entry holding the SHA-256.
const ChecksumMetadataKey = "sha256"

// ContentType maps archive file extensions to their media type.
func ContentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".ndjson":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// CleanPath normalizes an object key and rejects keys that escape the store
// root.
func CleanPath(p string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", errors.New("object path is empty")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", errors.New("object path must not contain '..'")
		}
	}
	return clean, nil
}

// HashingReader counts and hashes everything read through it.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader wraps r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hex SHA-256 of the bytes read so far.
func (hr *HashingReader) Sum() string { return hex.EncodeToString(hr.h.Sum(nil)) }

// Size returns the number of bytes read so far.
func (hr *HashingReader) Size() int64 { return hr.n }
