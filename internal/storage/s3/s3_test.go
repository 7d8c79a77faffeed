package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/audittrail/audittrail/internal/config"
	"github.com/audittrail/audittrail/internal/storage"
)

func TestNew_Validation(t *testing.T) {
	tests := map[string]appconfig.S3StorageConfig{
		"missing bucket":      {Region: "us-east-1"},
		"missing region":      {Bucket: "b"},
		"static without keys": {Bucket: "b", Region: "us-east-1", AuthMethod: "static"},
		"assume_role no arn":  {Bucket: "b", Region: "us-east-1", AuthMethod: "assume_role"},
		"unsupported method":  {Bucket: "b", Region: "us-east-1", AuthMethod: "oidc"},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := New(&cfg); err == nil {
				t.Error("New() = nil error")
			}
		})
	}
}

func TestNew_AssumeRoleWithExternalID(t *testing.T) {
	_, err := New(&appconfig.S3StorageConfig{
		Bucket:     "b",
		Region:     "eu-west-1",
		AuthMethod: "assume_role",
		RoleARN:    "arn:aws:iam::123456789012:role/audit-archive",
		ExternalID: "ext",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
}

// fakeS3 speaks the path-style subset of the S3 REST API the backend uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
}

func newFakeS3(t *testing.T) (*S3Storage, *fakeS3) {
	t.Helper()
	f := &fakeS3{objects: map[string][]byte{}, headers: map[string]http.Header{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "audit",
		Region:          "us-east-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	return s, f
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/audit/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		f.headers[key] = r.Header.Clone()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		h := f.headers[key]
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Header().Set("Content-Type", h.Get("Content-Type"))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		for k, v := range h {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				w.Header()[k] = v
			}
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestUploadDownloadMetadata(t *testing.T) {
	s, f := newFakeS3(t)
	ctx := context.Background()
	body := []byte(`{"id":"a"}` + "\n")

	res, err := s.Upload(ctx, "audit-archive/2026/05/01/a.ndjson", bytes.NewReader(body), -1)
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if res.Size != int64(len(body)) || len(res.Checksum) != 64 {
		t.Errorf("Upload() = %+v", res)
	}

	h := f.headers["audit-archive/2026/05/01/a.ndjson"]
	if h.Get("X-Amz-Server-Side-Encryption") != "AES256" {
		t.Errorf("SSE header = %q", h.Get("X-Amz-Server-Side-Encryption"))
	}
	if h.Get("Content-Type") != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
	if h.Get("X-Amz-Meta-Sha256") != res.Checksum {
		t.Errorf("checksum metadata = %q, want %q", h.Get("X-Amz-Meta-Sha256"), res.Checksum)
	}

	rc, err := s.Download(ctx, res.Path)
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, body) {
		t.Errorf("Download() = %q", got)
	}

	meta, err := s.GetMetadata(ctx, res.Path)
	if err != nil {
		t.Fatalf("GetMetadata() error: %v", err)
	}
	if meta.Checksum != res.Checksum || meta.Size != res.Size {
		t.Errorf("GetMetadata() = %+v", meta)
	}
}

func TestGetMetadata_HashesForeignObjects(t *testing.T) {
	s, f := newFakeS3(t)
	f.objects["foreign.csv"] = []byte("hello")
	f.headers["foreign.csv"] = http.Header{}

	meta, err := s.GetMetadata(context.Background(), "foreign.csv")
	if err != nil {
		t.Fatalf("GetMetadata() error: %v", err)
	}
	// echo -n "hello" | sha256sum
	if meta.Checksum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("Checksum = %q", meta.Checksum)
	}
}

func TestMissingObjects(t *testing.T) {
	s, _ := newFakeS3(t)
	ctx := context.Background()

	if _, err := s.Download(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMetadata(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMetadata() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetURL(ctx, "ghost", time.Hour); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetURL() error = %v, want ErrNotFound", err)
	}
	if ok, err := s.Exists(ctx, "ghost"); ok || err != nil {
		t.Errorf("Exists() = %v, %v", ok, err)
	}
}

func TestDeleteAndPresign(t *testing.T) {
	s, _ := newFakeS3(t)
	ctx := context.Background()
	if _, err := s.Upload(ctx, "x.json", strings.NewReader("[]"), 2); err != nil {
		t.Fatal(err)
	}

	u, err := s.GetURL(ctx, "x.json", 15*time.Minute)
	if err != nil {
		t.Fatalf("GetURL() error: %v", err)
	}
	if !strings.Contains(u, "/audit/x.json") || !strings.Contains(u, "X-Amz-Expires=900") {
		t.Errorf("GetURL() = %q", u)
	}

	if err := s.Delete(ctx, "x.json"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := s.Exists(ctx, "x.json"); ok {
		t.Error("object still exists after Delete()")
	}
}
