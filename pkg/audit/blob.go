package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"
)

// PayloadStore keeps full events whose payloads are too large to publish
// inline. Put returns the reference published in Event.PayloadRef.
type PayloadStore interface {
	Put(ctx context.Context, e Event, full []byte) (string, error)
	Get(ctx context.Context, ref string) (Event, error)
}

// AzureConfig locates the container offloaded events are written to
type AzureConfig struct {
	ConnectionString string
	Container        string
	// Prefix is the first path segment of every blob, "audit" when empty
	Prefix string
}

// AzurePayloadStore writes offloaded events to Azure Blob Storage, one JSON
// blob per event under <prefix>/<yyyy>/<mm>/<dd>/node-<id>/<event id>.json.
type AzurePayloadStore struct {
	container *container.Client
	account   *azblob.Client
	name      string
	prefix    string
	basePath  string
	logger    *zap.Logger

	mu    sync.Mutex
	ready bool
}

// storageAccount holds the connection string fields the store needs
type storageAccount struct {
	name     string
	key      string
	endpoint string
}

// parseAccount reads a standard Azure storage connection string. Without a
// BlobEndpoint the public endpoint of the account is used.
func parseAccount(connectionString string) (storageAccount, error) {
	var acct storageAccount
	for _, part := range strings.Split(connectionString, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		switch k {
		case "AccountName":
			acct.name = v
		case "AccountKey":
			acct.key = v
		case "BlobEndpoint":
			acct.endpoint = strings.TrimRight(v, "/")
		}
	}
	if acct.name == "" || acct.key == "" {
		return acct, errors.New("audit: connection string needs AccountName and AccountKey")
	}
	if acct.endpoint == "" {
		acct.endpoint = "https://" + acct.name + ".blob.core.windows.net"
	}
	return acct, nil
}

// NewAzurePayloadStore creates the store. The container is created on the
// first Put. Plain http endpoints (Azurite) are allowed.
func NewAzurePayloadStore(cfg AzureConfig, logger *zap.Logger) (*AzurePayloadStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Container == "" {
		return nil, errors.New("audit: blob container is required")
	}
	acct, err := parseAccount(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "audit"
	}

	cred, err := azblob.NewSharedKeyCredential(acct.name, acct.key)
	if err != nil {
		return nil, fmt.Errorf("audit: blob credential: %w", err)
	}
	var opts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(acct.endpoint), "http://") {
		opts = &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true}}
	}
	client, err := azblob.NewClientWithSharedKeyCredential(acct.endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("audit: blob client: %w", err)
	}

	var basePath string
	if u, err := url.Parse(acct.endpoint); err == nil {
		basePath = strings.TrimRight(u.Path, "/")
	}
	return &AzurePayloadStore{
		container: client.ServiceClient().NewContainerClient(cfg.Container),
		account:   client,
		name:      cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		basePath:  basePath,
		logger:    logger,
	}, nil
}

// blobName places an event under its day and node
func (s *AzurePayloadStore) blobName(e Event) string {
	return path.Join(s.prefix, e.Timestamp.UTC().Format("2006/01/02"),
		"node-"+strconv.FormatInt(e.NodeID, 10), e.ID+".json")
}

// Put uploads the full event and returns the blob URL
func (s *AzurePayloadStore) Put(ctx context.Context, e Event, full []byte) (string, error) {
	if err := s.ensureContainer(ctx); err != nil {
		return "", err
	}

	name := s.blobName(e)
	bb := s.container.NewBlockBlobClient(name)
	_, err := bb.UploadBuffer(ctx, full, &azblob.UploadBufferOptions{
		Metadata: map[string]*string{
			"event_id": to.Ptr(e.ID),
			"node_id":  to.Ptr(strconv.FormatInt(e.NodeID, 10)),
			"kind":     to.Ptr(e.Kind),
		},
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
	})
	if err != nil {
		return "", fmt.Errorf("audit: upload event %s: %w", e.ID, err)
	}
	s.logger.Debug("Offloaded audit event",
		zap.String("event_id", e.ID),
		zap.String("blob", name),
		zap.Int("size_bytes", len(full)))
	return bb.URL(), nil
}

// Get reads an offloaded event back by URL or container-relative name
func (s *AzurePayloadStore) Get(ctx context.Context, ref string) (Event, error) {
	var e Event
	name, err := s.refName(ref)
	if err != nil {
		return e, err
	}

	resp, err := s.container.NewBlobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		return e, fmt.Errorf("audit: download %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return e, fmt.Errorf("audit: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("audit: decode %s: %w", name, err)
	}
	return e, nil
}

// refName turns a PayloadRef into a blob name. Full URLs lose the endpoint
// path (the account segment on Azurite) and any SAS query.
func (s *AzurePayloadStore) refName(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("audit: empty payload reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("audit: payload reference %q: %w", ref, err)
	}
	name := u.Path
	if u.Host != "" {
		name = strings.TrimPrefix(name, s.basePath)
	}
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, s.name+"/")
	if name == "" {
		return "", fmt.Errorf("audit: payload reference %q names no blob", ref)
	}
	return name, nil
}

func (s *AzurePayloadStore) ensureContainer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if _, err := s.account.CreateContainer(ctx, s.name, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("audit: create container %s: %w", s.name, err)
	}
	s.ready = true
	return nil
}
