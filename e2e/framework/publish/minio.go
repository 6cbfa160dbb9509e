package publish

import (
	"context"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

type minioProvider struct {
	cfg    Config
	client *minio.Client
}

func newMinioProvider(cfg Config) (Provider, error) {
	endpoint, secure, err := splitEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	return &minioProvider{cfg: cfg, client: client}, nil
}

// splitEndpoint strips the scheme minio.New does not accept. A bare host is
// treated as TLS.
func splitEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case endpoint == "":
		return "", false, errors.New("minio endpoint is required")
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false, nil
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true, nil
	default:
		return endpoint, true, nil
	}
}

func (p *minioProvider) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	remotePrefix := ResolveKey(p.cfg.Prefix, prefix)
	var objects []ObjectInfo
	for obj := range p.client.ListObjects(ctx, p.cfg.Bucket, minio.ListObjectsOptions{Prefix: remotePrefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		objects = append(objects, ObjectInfo{
			Key:          relativeKey(p.cfg.Prefix, obj.Key),
			Size:         obj.Size,
			ETag:         strings.Trim(obj.ETag, "\""),
			LastModified: obj.LastModified,
		})
	}
	return objects, nil
}

func (p *minioProvider) Upload(ctx context.Context, key string, localPath string) (ObjectInfo, error) {
	remoteKey := ResolveKey(p.cfg.Prefix, key)
	info, err := p.client.FPutObject(ctx, p.cfg.Bucket, remoteKey, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag, LastModified: info.LastModified}, nil
}

func (p *minioProvider) Download(ctx context.Context, key string, localPath string) (ObjectInfo, error) {
	remoteKey := ResolveKey(p.cfg.Prefix, key)
	if err := p.client.FGetObject(ctx, p.cfg.Bucket, remoteKey, localPath, minio.GetObjectOptions{}); err != nil {
		return ObjectInfo{}, err
	}
	stat, err := os.Stat(localPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: stat.Size(), LastModified: stat.ModTime()}, nil
}

func (p *minioProvider) Delete(ctx context.Context, key string) error {
	remoteKey := ResolveKey(p.cfg.Prefix, key)
	if remoteKey == "" {
		return errors.New("object key is required")
	}
	return p.client.RemoveObject(ctx, p.cfg.Bucket, remoteKey, minio.RemoveObjectOptions{})
}

func (p *minioProvider) Close() error {
	return nil
}
