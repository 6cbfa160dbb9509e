package publish

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type gcsProvider struct {
	cfg    Config
	bucket *storage.BucketHandle
	client *storage.Client
}

func newGCSProvider(ctx context.Context, cfg Config) (Provider, error) {
	var options []option.ClientOption
	switch {
	case strings.TrimSpace(cfg.GCPCredentialsJSON) != "":
		options = append(options, option.WithCredentialsJSON([]byte(cfg.GCPCredentialsJSON)))
	case strings.TrimSpace(cfg.GCPCredentialsFile) != "":
		options = append(options, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		options = append(options, option.WithEndpoint(endpoint))
	}
	if project := strings.TrimSpace(cfg.GCPProject); project != "" {
		options = append(options, option.WithQuotaProject(project))
	}
	client, err := storage.NewClient(ctx, options...)
	if err != nil {
		return nil, errors.Wrap(err, "create gcs client")
	}
	return &gcsProvider{cfg: cfg, client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

func (p *gcsProvider) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := p.bucket.Objects(ctx, &storage.Query{Prefix: ResolveKey(p.cfg.Prefix, prefix)})
	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return objects, nil
		}
		if err != nil {
			return nil, err
		}
		objects = append(objects, ObjectInfo{Key: relativeKey(p.cfg.Prefix, attrs.Name), Size: attrs.Size, ETag: attrs.Etag, LastModified: attrs.Updated})
	}
}

func (p *gcsProvider) Upload(ctx context.Context, key string, localPath string) (ObjectInfo, error) {
	remoteKey := ResolveKey(p.cfg.Prefix, key)
	file, err := os.Open(localPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer file.Close()

	writer := p.bucket.Object(remoteKey).NewWriter(ctx)
	writer.ContentType = contentType(localPath)
	written, copyErr := io.Copy(writer, file)
	// Close commits the object; a copy error must still close the writer.
	if err := writer.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return ObjectInfo{}, copyErr
	}
	info := ObjectInfo{Key: key, Size: written}
	if attrs := writer.Attrs(); attrs != nil {
		info.ETag = attrs.Etag
		info.LastModified = attrs.Updated
	}
	return info, nil
}

func (p *gcsProvider) Download(ctx context.Context, key string, localPath string) (ObjectInfo, error) {
	remoteKey := ResolveKey(p.cfg.Prefix, key)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return ObjectInfo{}, err
	}
	reader, err := p.bucket.Object(remoteKey).NewReader(ctx)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer reader.Close()
	file, err := os.Create(localPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer file.Close()
	written, err := io.Copy(file, reader)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: written}, nil
}

func (p *gcsProvider) Delete(ctx context.Context, key string) error {
	return p.bucket.Object(ResolveKey(p.cfg.Prefix, key)).Delete(ctx)
}

func (p *gcsProvider) Close() error {
	return p.client.Close()
}
