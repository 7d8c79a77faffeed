// Package azure stores archive exports in Azure Blob Storage. Download links
// are short-lived read-only SAS URLs signed with the account key.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/audittrail/audittrail/internal/config"
	"github.com/audittrail/audittrail/internal/storage"
	"github.com/audittrail/audittrail/pkg/checksum"
)

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// clockSkew backdates SAS start times.
const clockSkew = 5 * time.Minute

// AzureStorage implements storage.Storage on one container.
type AzureStorage struct {
	client     *azblob.Client
	credential *azblob.SharedKeyCredential
	serviceURL string
	container  string
}

// New builds a shared-key client for cfg.
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	switch {
	case cfg.AccountName == "":
		return nil, errors.New("azure storage account name is required")
	case cfg.AccountKey == "":
		return nil, errors.New("azure storage account key is required")
	case cfg.ContainerName == "":
		return nil, errors.New("azure storage container name is required")
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	return &AzureStorage{
		client:     client,
		credential: cred,
		serviceURL: serviceURL,
		container:  cfg.ContainerName,
	}, nil
}

func (s *AzureStorage) blob(path string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(path)
}

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

// Upload buffers the export so its checksum can travel as blob metadata.
func (s *AzureStorage) Upload(ctx context.Context, path string, reader io.Reader, _ int64) (*storage.UploadResult, error) {
	key, err := storage.CleanPath(path)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	sum, err := checksum.CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	bb := s.client.ServiceClient().NewContainerClient(s.container).NewBlockBlobClient(key)
	_, err = bb.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		Metadata:    map[string]*string{storage.ChecksumMetadataKey: to.Ptr(sum)},
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(storage.ContentType(key))},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	return &storage.UploadResult{Path: key, Size: int64(len(data)), Checksum: sum}, nil
}

func (s *AzureStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := s.blob(path).DownloadStream(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}
	return resp.Body, nil
}

func (s *AzureStorage) Delete(ctx context.Context, path string) error {
	if _, err := s.blob(path).Delete(ctx, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}

// GetURL returns an HTTPS read-only SAS URL valid for ttl.
func (s *AzureStorage) GetURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	ok, err := s.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}

	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-clockSkew),
		ExpiryTime:    now.Add(ttl),
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.container,
		BlobName:      path,
	}.SignWithSharedKey(s.credential)
	if err != nil {
		return "", fmt.Errorf("failed to generate SAS token: %w", err)
	}
	u, err := url.JoinPath(s.serviceURL, s.container, path)
	if err != nil {
		return "", fmt.Errorf("failed to build blob URL: %w", err)
	}
	return u + "?" + params.Encode(), nil
}

func (s *AzureStorage) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := s.blob(path).GetProperties(ctx, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blob existence: %w", err)
	}
	return true, nil
}

// metadataValue looks key up case-insensitively; the service does not
// preserve the case metadata names were written with.
func metadataValue(m map[string]*string, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) && v != nil {
			return *v
		}
	}
	return ""
}

func (s *AzureStorage) GetMetadata(ctx context.Context, path string) (*storage.FileMetadata, error) {
	props, err := s.blob(path).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to get blob properties: %w", err)
	}

	meta := &storage.FileMetadata{
		Path:     path,
		Checksum: metadataValue(props.Metadata, storage.ChecksumMetadataKey),
	}
	if props.ContentLength != nil {
		meta.Size = *props.ContentLength
	}
	if props.ContentType != nil {
		meta.ContentType = *props.ContentType
	}
	if props.LastModified != nil {
		meta.LastModified = *props.LastModified
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
