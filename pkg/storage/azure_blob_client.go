// Package storage keeps exported datasets in Azure Blob Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
)

// BlobStorageClient stores and retrieves whole blobs.
// Download returns an error wrapping errors.ErrNotFound for missing blobs.
type BlobStorageClient interface {
	Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error)
	Download(ctx context.Context, blobPath string) ([]byte, error)
}

// AzureBlobClient implements BlobStorageClient with a shared key credential.
// Plain http endpoints are allowed so local Azurite instances work.
type AzureBlobClient struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger

	mu            sync.Mutex
	containerInit bool
}

// NewAzureBlobClient creates a client from a standard connection string.
func NewAzureBlobClient(connectionString, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureBlobClient{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Upload writes data to blobPath in the configured container and returns its URL.
func (a *AzureBlobClient) Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if err := a.ensureContainer(ctx); err != nil {
		return "", err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.containerName).NewBlockBlobClient(blobPath)
	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType),
		},
	})
	if err != nil {
		a.logger.Error("Failed to upload to blob storage",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Info("Uploaded blob",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))

	return blobClient.URL(), nil
}

// Download reads a blob by path or URL.
func (a *AzureBlobClient) Download(ctx context.Context, reference string) ([]byte, error) {
	blobPath, err := a.extractBlobPath(reference)
	if err != nil {
		return nil, err
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.containerName).NewBlobClient(blobPath)
	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, rferrors.NewError("BLOB_NOT_FOUND", blobPath, rferrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(bloberror.ContainerAlreadyExists) {
			a.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	a.containerInit = true
	return nil
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}

// extractBlobPath accepts a bare path, a container-prefixed path or a full blob URL.
func (a *AzureBlobClient) extractBlobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", fmt.Errorf("blob reference is required")
	}

	if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(a.serviceURL)) {
		ref = ref[len(a.serviceURL):]
	}
	if idx := strings.Index(ref, "?"); idx != -1 {
		ref = ref[:idx]
	}
	if decoded, err := url.PathUnescape(ref); err == nil && decoded != "" {
		ref = decoded
	}
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	}

	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, a.containerName+"/")
	if ref == "" {
		return "", fmt.Errorf("blob path is empty")
	}
	return ref, nil
}
