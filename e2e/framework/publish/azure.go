package publish

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/pkg/errors"
)

type azureProvider struct {
	cfg    Config
	client *container.Client
}

func newAzureProvider(cfg Config) (Provider, error) {
	containerURL, err := azureContainerURL(cfg)
	if err != nil {
		return nil, err
	}
	var client *container.Client
	switch {
	case strings.TrimSpace(cfg.AzureSASToken) != "":
		client, err = container.NewClientWithNoCredential(containerURL, nil)
	case strings.TrimSpace(cfg.AzureKey) != "":
		if strings.TrimSpace(cfg.AzureAccount) == "" {
			return nil, errors.New("azure account name is required for shared key auth")
		}
		credential, credErr := azblob.NewSharedKeyCredential(cfg.AzureAccount, cfg.AzureKey)
		if credErr != nil {
			return nil, errors.Wrap(credErr, "azure shared key")
		}
		client, err = container.NewClientWithSharedKeyCredential(containerURL, credential, nil)
	default:
		var credential azcore.TokenCredential
		credential, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, errors.Wrap(err, "azure default credential")
		}
		client, err = container.NewClient(containerURL, credential, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create azure container client")
	}
	return &azureProvider{cfg: cfg, client: client}, nil
}

// azureContainerURL builds the container URL, appending the SAS token
// when one is configured.
func azureContainerURL(cfg Config) (string, error) {
	serviceURL := strings.TrimRight(strings.TrimSpace(cfg.AzureEndpoint), "/")
	if serviceURL == "" {
		if strings.TrimSpace(cfg.AzureAccount) == "" {
			return "", errors.New("azure endpoint or account name is required")
		}
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AzureAccount)
	}
	containerURL := serviceURL + "/" + cfg.Bucket
	if token := strings.TrimPrefix(strings.TrimSpace(cfg.AzureSASToken), "?"); token != "" {
		containerURL += "?" + token
	}
	return containerURL, nil
}

func (p *azureProvider) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	options := &container.ListBlobsFlatOptions{}
	if remotePrefix := ResolveKey(p.cfg.Prefix, prefix); remotePrefix != "" {
		options.Prefix = &remotePrefix
	}
	pager := p.client.NewListBlobsFlatPager(options)
	var objects []ObjectInfo
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if resp.Segment == nil {
			continue
		}
		for _, item := range resp.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			info := ObjectInfo{Key: relativeKey(p.cfg.Prefix, *item.Name)}
			if props := item.Properties; props != nil {
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.LastModified = *props.LastModified
				}
				if props.ETag != nil {
					info.ETag = string(*props.ETag)
				}
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

func (p *azureProvider) Upload(ctx context.Context, key string, localPath string) (ObjectInfo, error) {
	remoteKey := ResolveKey(p.cfg.Prefix, key)
	file, err := os.Open(localPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return ObjectInfo{}, err
	}
	typ := contentType(localPath)
	_, err = p.client.NewBlockBlobClient(remoteKey).UploadFile(ctx, file, &blockblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &typ},
	})
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: stat.Size()}, nil
}

func (p *azureProvider) Download(ctx context.Context, key string, localPath string) (ObjectInfo, error) {
	remoteKey := ResolveKey(p.cfg.Prefix, key)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return ObjectInfo{}, err
	}
	file, err := os.Create(localPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer file.Close()
	written, err := p.client.NewBlockBlobClient(remoteKey).DownloadFile(ctx, file, nil)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: written}, nil
}

func (p *azureProvider) Delete(ctx context.Context, key string) error {
	_, err := p.client.NewBlobClient(ResolveKey(p.cfg.Prefix, key)).Delete(ctx, nil)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (p *azureProvider) Close() error {
	return nil
}
