package publish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarai/scholarai/e2e/framework/config"
)

func TestNormalizeProvider(t *testing.T) {
	cases := map[string]string{
		"AWS":     ProviderS3,
		" s3 ":    ProviderS3,
		"minio":   ProviderMinio,
		"gcp":     ProviderGCS,
		"google":  ProviderGCS,
		"blob":    ProviderAzure,
		"azblob":  ProviderAzure,
		"":        "",
		"dropbox": "dropbox",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeProvider(in), in)
	}
}

func TestResolveKey(t *testing.T) {
	assert.Equal(t, "runs/r1/report.md", ResolveKey("runs/r1", "report.md"))
	assert.Equal(t, "runs/r1/report.md", ResolveKey("/runs/r1/", "/report.md"))
	assert.Equal(t, "report.md", ResolveKey("", "report.md"))
	assert.Equal(t, "runs", ResolveKey("runs", ""))
	assert.Equal(t, "runs/r1", RunPrefix("r1"))
}

func TestNewProviderValidation(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Bucket: "b"})
	assert.ErrorContains(t, err, "provider is required")

	_, err = NewProvider(context.Background(), Config{Provider: "s3"})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = NewProvider(context.Background(), Config{Provider: "ftp", Bucket: "b"})
	assert.ErrorContains(t, err, `unsupported provider "ftp"`)

	_, err = NewProvider(context.Background(), Config{Provider: "minio", Bucket: "b"})
	assert.ErrorContains(t, err, "minio endpoint is required")
}

func TestMinioProviderFromEndpoint(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{
		Provider:  "minio",
		Bucket:    "e2e",
		Endpoint:  "http://localhost:9000/",
		AccessKey: "minio",
		SecretKey: "minio123",
	})
	require.NoError(t, err)
	defer provider.Close()
	assert.IsType(t, &minioProvider{}, provider)
}

func TestSplitEndpoint(t *testing.T) {
	host, secure, err := splitEndpoint("http://localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", host)
	assert.False(t, secure)

	host, secure, err = splitEndpoint("https://s3.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "s3.example.com", host)
	assert.True(t, secure)

	host, secure, err = splitEndpoint("storage.local:9000")
	require.NoError(t, err)
	assert.Equal(t, "storage.local:9000", host)
	assert.True(t, secure)
}

func TestAzureContainerURL(t *testing.T) {
	url, err := azureContainerURL(Config{AzureAccount: "acct", Bucket: "reports"})
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net/reports", url)

	url, err = azureContainerURL(Config{AzureEndpoint: "http://127.0.0.1:10000/devstore/", Bucket: "reports", AzureSASToken: "?sv=1&sig=x"})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:10000/devstore/reports?sv=1&sig=x", url)

	_, err = azureContainerURL(Config{Bucket: "reports"})
	assert.Error(t, err)
}

func TestFromRunnerConfig(t *testing.T) {
	cfg := &config.Config{
		ObjectStoreProvider:    "minio",
		ObjectStoreBucket:      "e2e",
		ObjectStorePrefix:      "ci",
		ObjectStoreEndpoint:    "http://minio:9000",
		ObjectStoreS3PathStyle: true,
	}
	got := FromRunnerConfig(cfg)
	assert.True(t, got.Enabled())
	assert.Equal(t, "e2e", got.Bucket)
	assert.Equal(t, "ci", got.Prefix)
	assert.True(t, got.S3PathStyle)
	assert.False(t, Config{}.Enabled())
}

type memoryObject struct {
	data     string
	modified time.Time
}

type memoryProvider struct {
	objects map[string]memoryObject
	failOn  string
	uploads []string
	deleted []string
	now     time.Time
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{objects: map[string]memoryObject{}, now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *memoryProvider) put(key, data string) {
	m.now = m.now.Add(time.Minute)
	m.objects[key] = memoryObject{data: data, modified: m.now}
}

func (m *memoryProvider) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		sum := md5.Sum([]byte(obj.data))
		out = append(out, ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: `"` + hex.EncodeToString(sum[:]) + `"`, LastModified: obj.modified})
	}
	return out, nil
}

func (m *memoryProvider) Upload(_ context.Context, key string, localPath string) (ObjectInfo, error) {
	if key == m.failOn {
		return ObjectInfo{}, errors.New("quota exceeded")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	m.put(key, string(data))
	m.uploads = append(m.uploads, key)
	return ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryProvider) Download(_ context.Context, key string, localPath string) (ObjectInfo, error) {
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, errors.Errorf("%s: not found", key)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return ObjectInfo{}, err
	}
	if err := os.WriteFile(localPath, []byte(obj.data), 0o644); err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data))}, nil
}

func (m *memoryProvider) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memoryProvider) Close() error { return nil }

func writeRunDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "screenshots", "login"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.md"), []byte("# report"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summary.json"), []byte(`{"total":1}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "screenshots", "login", "01-click.png"), []byte("png"), 0o644))
	return dir
}

func TestUploadDir(t *testing.T) {
	dir := writeRunDir(t)
	store := newMemoryProvider()

	uploaded, err := UploadDir(context.Background(), store, dir, RunPrefix("r1"), nil)
	require.NoError(t, err)
	require.Len(t, uploaded, 3)
	assert.Equal(t, "runs/r1/report.md", uploaded[0].Key)
	assert.Equal(t, "runs/r1/screenshots/login/01-click.png", uploaded[1].Key)
	assert.Equal(t, "runs/r1/summary.json", uploaded[2].Key)
	assert.Equal(t, `{"total":1}`, store.objects["runs/r1/summary.json"].data)
}

func TestUploadDirStopsOnFailure(t *testing.T) {
	dir := writeRunDir(t)
	store := newMemoryProvider()
	store.failOn = "runs/r1/screenshots/login/01-click.png"

	uploaded, err := UploadDir(context.Background(), store, dir, RunPrefix("r1"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Len(t, uploaded, 1)
	assert.NotContains(t, store.objects, "runs/r1/summary.json")
}

func TestContentType(t *testing.T) {
	assert.Contains(t, contentType("report.json"), "application/json")
	assert.Equal(t, "text/markdown; charset=utf-8", contentType("report.md"))
	assert.Equal(t, "image/png", contentType("01-click.png"))
	assert.Equal(t, "application/octet-stream", contentType("trace.bin.zzz"))
}

func TestUploadDirSkipsUnchangedObjects(t *testing.T) {
	dir := writeRunDir(t)
	store := newMemoryProvider()
	_, err := UploadDir(context.Background(), store, dir, RunPrefix("r1"), nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "summary.json"), []byte(`{"total":2}`), 0o644))
	store.uploads = nil
	uploaded, err := UploadDir(context.Background(), store, dir, RunPrefix("r1"), nil)
	require.NoError(t, err)
	require.Len(t, uploaded, 1)
	assert.Equal(t, []string{"runs/r1/summary.json"}, store.uploads)
	assert.Equal(t, `{"total":2}`, store.objects["runs/r1/summary.json"].data)
}

func TestSameContent(t *testing.T) {
	file := filepath.Join(t.TempDir(), "report.md")
	require.NoError(t, os.WriteFile(file, []byte("# report"), 0o644))
	sum := md5.Sum([]byte("# report"))

	assert.True(t, sameContent(ObjectInfo{Size: 8, ETag: hex.EncodeToString(sum[:])}, file))
	assert.True(t, sameContent(ObjectInfo{Size: 8, ETag: "0x8DC5A1B2C3D4E5F"}, file))
	assert.False(t, sameContent(ObjectInfo{Size: 8, ETag: "00000000000000000000000000000000"}, file))
	assert.False(t, sameContent(ObjectInfo{Size: 9}, file))
	assert.False(t, sameContent(ObjectInfo{Size: 8}, filepath.Join(t.TempDir(), "missing")))
}

func TestPruneRunsKeepsNewest(t *testing.T) {
	store := newMemoryProvider()
	for _, run := range []string{"r1", "r2", "r3"} {
		store.put("runs/"+run+"/report.json", "{}")
		store.put("runs/"+run+"/screenshots/a/01-click.png", "png")
	}
	store.put("latest.txt", "r3")

	pruned, err := PruneRuns(context.Background(), store, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, pruned)
	assert.ElementsMatch(t, []string{"runs/r1/report.json", "runs/r1/screenshots/a/01-click.png"}, store.deleted)
	assert.Contains(t, store.objects, "runs/r2/report.json")
	assert.Contains(t, store.objects, "latest.txt")

	pruned, err = PruneRuns(context.Background(), store, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, pruned)
}

func TestFetchReport(t *testing.T) {
	store := newMemoryProvider()
	store.put("runs/r7/api-smoke/report.json", `{"runId":"r7"}`)

	local, err := FetchReport(context.Background(), store, "r7/api-smoke", t.TempDir())
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, `{"runId":"r7"}`, string(data))

	_, err = FetchReport(context.Background(), store, "r8", t.TempDir())
	assert.ErrorContains(t, err, "download runs/r8/report.json")
}

func TestRelativeKey(t *testing.T) {
	assert.Equal(t, "runs/r1/report.md", relativeKey("", "runs/r1/report.md"))
	assert.Equal(t, "runs/r1/report.md", relativeKey("ci", "ci/runs/r1/report.md"))
	assert.Equal(t, "runs/r1/report.md", relativeKey("/ci/", "ci/runs/r1/report.md"))
}
