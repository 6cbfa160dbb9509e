// Package publish uploads a finished run directory to object storage so CI
// jobs can link reports and screenshots after the workspace is gone.
package publish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/scholarai/scholarai/e2e/framework/config"
)

// Provider names understood by NewProvider.
const (
	ProviderS3    = "s3"
	ProviderMinio = "minio"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
)

// Config describes the target bucket and credentials.
type Config struct {
	Provider           string
	Bucket             string
	Prefix             string
	Region             string
	Endpoint           string
	AccessKey          string
	SecretKey          string
	SessionToken       string
	S3PathStyle        bool
	GCPProject         string
	GCPCredentialsFile string
	GCPCredentialsJSON string
	AzureAccount       string
	AzureKey           string
	AzureEndpoint      string
	AzureSASToken      string
}

// FromRunnerConfig extracts the object store settings of a run.
func FromRunnerConfig(cfg *config.Config) Config {
	return Config{
		Provider:           cfg.ObjectStoreProvider,
		Bucket:             cfg.ObjectStoreBucket,
		Prefix:             cfg.ObjectStorePrefix,
		Region:             cfg.ObjectStoreRegion,
		Endpoint:           cfg.ObjectStoreEndpoint,
		AccessKey:          cfg.ObjectStoreAccessKey,
		SecretKey:          cfg.ObjectStoreSecretKey,
		SessionToken:       cfg.ObjectStoreSessionToken,
		S3PathStyle:        cfg.ObjectStoreS3PathStyle,
		GCPProject:         cfg.ObjectStoreGCPProject,
		GCPCredentialsFile: cfg.ObjectStoreGCPCredentialsFile,
		GCPCredentialsJSON: cfg.ObjectStoreGCPCredentialsJSON,
		AzureAccount:       cfg.ObjectStoreAzureAccount,
		AzureKey:           cfg.ObjectStoreAzureKey,
		AzureEndpoint:      cfg.ObjectStoreAzureEndpoint,
		AzureSASToken:      cfg.ObjectStoreAzureSASToken,
	}
}

// Enabled reports whether a provider is configured.
func (c Config) Enabled() bool {
	return NormalizeProvider(c.Provider) != ""
}

// ObjectInfo describes a remote object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Provider is an object store client. Keys passed in and returned are
// relative to the configured prefix.
type Provider interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Upload(ctx context.Context, key string, localPath string) (ObjectInfo, error)
	Download(ctx context.Context, key string, localPath string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewProvider creates a client for cfg.Provider.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	provider := NormalizeProvider(cfg.Provider)
	if provider == "" {
		return nil, errors.New("publish: provider is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("publish: bucket is required")
	}
	cfg.Provider = provider
	switch provider {
	case ProviderS3:
		return newS3Provider(ctx, cfg)
	case ProviderMinio:
		return newMinioProvider(cfg)
	case ProviderGCS:
		return newGCSProvider(ctx, cfg)
	case ProviderAzure:
		return newAzureProvider(cfg)
	default:
		return nil, errors.Errorf("publish: unsupported provider %q", cfg.Provider)
	}
}

// NormalizeProvider maps aliases to provider names.
func NormalizeProvider(value string) string {
	provider := strings.ToLower(strings.TrimSpace(value))
	switch provider {
	case "aws", "s3":
		return ProviderS3
	case "minio":
		return ProviderMinio
	case "gcp", "gcs", "google":
		return ProviderGCS
	case "azure", "blob", "azblob":
		return ProviderAzure
	default:
		return provider
	}
}

// ResolveKey joins a prefix and a key with exactly one slash between them.
func ResolveKey(prefix string, key string) string {
	cleanPrefix := strings.TrimPrefix(prefix, "/")
	cleanKey := strings.TrimPrefix(key, "/")
	if cleanPrefix == "" {
		return cleanKey
	}
	if cleanKey == "" {
		return cleanPrefix
	}
	if strings.HasSuffix(cleanPrefix, "/") {
		return cleanPrefix + cleanKey
	}
	return cleanPrefix + "/" + cleanKey
}

const runsRoot = "runs"

// RunPrefix is the key prefix a run's artifacts are stored under.
func RunPrefix(runID string) string {
	return path.Join(runsRoot, runID)
}

// relativeKey strips the configured prefix from a key returned by the store.
func relativeKey(prefix, remoteKey string) string {
	root := ResolveKey(prefix, "")
	if root == "" {
		return remoteKey
	}
	return strings.TrimPrefix(strings.TrimPrefix(remoteKey, root), "/")
}

// UploadDir uploads every regular file below dir, keyed by its slash path
// relative to dir under keyPrefix. Files are uploaded in lexical order and
// the first failure stops the upload. Objects already stored with identical
// content are skipped, so republishing a run only sends what changed.
func UploadDir(ctx context.Context, provider Provider, dir, keyPrefix string, logger *zap.Logger) ([]ObjectInfo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var files []string
	err := filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", dir)
	}
	sort.Strings(files)

	existing, err := provider.List(ctx, keyPrefix)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", keyPrefix)
	}
	stored := make(map[string]ObjectInfo, len(existing))
	for _, obj := range existing {
		stored[obj.Key] = obj
	}

	uploaded := make([]ObjectInfo, 0, len(files))
	skipped := 0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return uploaded, err
		}
		key := ResolveKey(keyPrefix, filepath.ToSlash(rel))
		if remote, ok := stored[key]; ok && sameContent(remote, file) {
			skipped++
			continue
		}
		info, err := provider.Upload(ctx, key, file)
		if err != nil {
			return uploaded, errors.Wrapf(err, "upload %s", key)
		}
		logger.Debug("uploaded artifact", zap.String("key", info.Key), zap.Int64("bytes", info.Size))
		uploaded = append(uploaded, info)
	}
	logger.Info("published run artifacts",
		zap.String("prefix", keyPrefix),
		zap.Int("objects", len(uploaded)),
		zap.Int("unchanged", skipped))
	return uploaded, nil
}

// sameContent compares a stored object with a local file by size, and by MD5
// when the store reports a plain MD5 ETag.
func sameContent(remote ObjectInfo, localPath string) bool {
	stat, err := os.Stat(localPath)
	if err != nil || stat.Size() != remote.Size {
		return false
	}
	etag := strings.ToLower(strings.Trim(remote.ETag, `"`))
	if !isMD5(etag) {
		return true
	}
	file, err := os.Open(localPath)
	if err != nil {
		return false
	}
	defer file.Close()
	hash := md5.New() // #nosec G401 -- compared against store ETags, not used for security
	if _, err := io.Copy(hash, file); err != nil {
		return false
	}
	return hex.EncodeToString(hash.Sum(nil)) == etag
}

func isMD5(value string) bool {
	if len(value) != md5.Size*2 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

// PruneRuns deletes every published run except the newest keep runs, ranked
// by the latest modification time of their objects. It returns the pruned
// run IDs.
func PruneRuns(ctx context.Context, provider Provider, keep int, logger *zap.Logger) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	objects, err := provider.List(ctx, runsRoot+"/")
	if err != nil {
		return nil, errors.Wrap(err, "list published runs")
	}
	type run struct {
		id     string
		latest time.Time
		keys   []string
	}
	byID := map[string]*run{}
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, runsRoot+"/")
		id, _, found := strings.Cut(rest, "/")
		if !found || id == "" {
			continue
		}
		r, ok := byID[id]
		if !ok {
			r = &run{id: id}
			byID[id] = r
		}
		r.keys = append(r.keys, obj.Key)
		if obj.LastModified.After(r.latest) {
			r.latest = obj.LastModified
		}
	}
	runs := make([]*run, 0, len(byID))
	for _, r := range byID {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].latest.Equal(runs[j].latest) {
			return runs[i].latest.After(runs[j].latest)
		}
		return runs[i].id > runs[j].id
	})
	if len(runs) <= keep {
		return nil, nil
	}

	var pruned []string
	for _, r := range runs[keep:] {
		for _, key := range r.keys {
			if err := provider.Delete(ctx, key); err != nil {
				return pruned, errors.Wrapf(err, "delete %s", key)
			}
		}
		logger.Info("pruned published run", zap.String("run_id", r.id), zap.Int("objects", len(r.keys)))
		pruned = append(pruned, r.id)
	}
	return pruned, nil
}

// ReportKey is the key of the JSON report of a published run. ref is a run
// ID, or run-id/suite-slug for runs that executed several suites.
func ReportKey(ref string) string {
	return path.Join(RunPrefix(ref), "report.json")
}

// FetchReport downloads the JSON report of a published run into dir and
// returns its local path.
func FetchReport(ctx context.Context, provider Provider, ref, dir string) (string, error) {
	local := filepath.Join(dir, "report.json")
	if _, err := provider.Download(ctx, ReportKey(ref), local); err != nil {
		return "", errors.Wrapf(err, "download %s", ReportKey(ref))
	}
	return local, nil
}

func contentType(localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	switch ext {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".prom":
		return "text/plain; version=0.0.4"
	}
	if typ := mime.TypeByExtension(ext); typ != "" {
		return typ
	}
	return "application/octet-stream"
}
