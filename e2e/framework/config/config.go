package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config controls the E2E runner behavior.
type Config struct {
	RunID                         string
	ConfigFile                    string
	EnvFile                       string
	SpecDir                       string
	ArtifactDir                   string
	ReportPath                    string
	ReportFormats                 []string
	IncludeTags                   []string
	ExcludeTags                   []string
	Parallel                      bool
	Parallelism                   int
	BaseURL                       string
	APIURL                        string
	ActionTimeout                 time.Duration
	AssertionTimeout              time.Duration
	PollInterval                  time.Duration
	RunTimeout                    time.Duration
	Vars                          map[string]string
	FixtureEmail                  string
	FixturePassword               string
	FixtureName                   string
	RegisterPath                  string
	BrowserEnabled                bool
	BrowserHeadless               bool
	BrowserExecPath               string
	BrowserNoSandbox              bool
	Screenshots                   bool
	Progress                      bool
	LogFormat                     string
	LogLevel                      string
	MetricsEnabled                bool
	MetricsPath                   string
	ObjectStoreProvider           string
	ObjectStoreBucket             string
	ObjectStorePrefix             string
	ObjectStoreRegion             string
	ObjectStoreEndpoint           string
	ObjectStoreAccessKey          string
	ObjectStoreSecretKey          string
	ObjectStoreSessionToken       string
	ObjectStoreS3PathStyle        bool
	ObjectStoreGCPProject         string
	ObjectStoreGCPCredentialsFile string
	ObjectStoreGCPCredentialsJSON string
	ObjectStoreAzureAccount       string
	ObjectStoreAzureKey           string
	ObjectStoreAzureEndpoint      string
	ObjectStoreAzureSASToken      string
	PublishRetention              int
	OTelEnabled                   bool
	OTelEndpoint                  string
	OTelHeaders                   string
	OTelInsecure                  bool
	OTelServiceName               string
	OTelResourceAttrs             string
}

// DefaultReportPath is where the narrative report lands unless overridden.
const DefaultReportPath = "Progress-Logs/e2e-test-report.md"

// New builds a Config from defaults, the .env file, and the environment.
// args are only scanned for --env-file and --config so those two can steer
// loading before flags are parsed.
func New(args []string) (*Config, error) {
	envFile := detectFlag(args, "env-file", envOrDefault("E2E_ENV_FILE", ".env"))
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	cwd, _ := os.Getwd()
	runID := envOrDefault("E2E_RUN_ID", time.Now().UTC().Format("20060102T150405Z"))
	cfg := &Config{
		RunID:                         runID,
		ConfigFile:                    detectFlag(args, "config", envOrDefault("E2E_CONFIG", "")),
		EnvFile:                       envFile,
		SpecDir:                       envOrDefault("E2E_SPEC_DIR", filepath.Join(cwd, "e2e", "specs")),
		ArtifactDir:                   envOrDefault("E2E_ARTIFACT_DIR", filepath.Join(cwd, "e2e", "artifacts", runID)),
		ReportPath:                    envOrDefault("E2E_REPORT_PATH", DefaultReportPath),
		ReportFormats:                 splitCSV(envOrDefault("E2E_REPORT_FORMATS", "json,junit")),
		IncludeTags:                   splitCSV(envOrDefault("E2E_INCLUDE_TAGS", "")),
		ExcludeTags:                   splitCSV(envOrDefault("E2E_EXCLUDE_TAGS", "")),
		Parallel:                      envOrDefaultBool("E2E_PARALLEL", false),
		Parallelism:                   envOrDefaultInt("E2E_PARALLELISM", 4),
		BaseURL:                       envOrDefault("BASE_URL", envOrDefault("E2E_BASE_URL", "http://localhost:3000")),
		APIURL:                        envOrDefault("API_URL", envOrDefault("E2E_API_URL", "http://localhost:5000")),
		ActionTimeout:                 envOrDefaultDuration("E2E_ACTION_TIMEOUT", 5*time.Second),
		AssertionTimeout:              envOrDefaultDuration("E2E_ASSERTION_TIMEOUT", 10*time.Second),
		PollInterval:                  envOrDefaultDuration("E2E_POLL_INTERVAL", 250*time.Millisecond),
		RunTimeout:                    envOrDefaultDuration("E2E_RUN_TIMEOUT", 0),
		Vars:                          parseKeyValues(envOrDefault("E2E_VARS", "")),
		FixtureEmail:                  envOrDefault("E2E_FIXTURE_EMAIL", "test@example.com"),
		FixturePassword:               envOrDefault("E2E_FIXTURE_PASSWORD", ""),
		FixtureName:                   envOrDefault("E2E_FIXTURE_NAME", "E2E Test User"),
		RegisterPath:                  envOrDefault("E2E_REGISTER_PATH", "/api/auth/register"),
		BrowserEnabled:                envOrDefaultBool("E2E_BROWSER", true),
		BrowserHeadless:               envOrDefaultBool("E2E_BROWSER_HEADLESS", true),
		BrowserExecPath:               envOrDefault("E2E_BROWSER_EXEC_PATH", ""),
		BrowserNoSandbox:              envOrDefaultBool("E2E_BROWSER_NO_SANDBOX", false),
		Screenshots:                   envOrDefaultBool("E2E_SCREENSHOTS", true),
		Progress:                      envOrDefaultBool("E2E_PROGRESS", true),
		LogFormat:                     envOrDefault("E2E_LOG_FORMAT", "json"),
		LogLevel:                      envOrDefault("E2E_LOG_LEVEL", "info"),
		MetricsEnabled:                envOrDefaultBool("E2E_METRICS", true),
		MetricsPath:                   envOrDefault("E2E_METRICS_PATH", ""),
		ObjectStoreProvider:           envOrDefault("E2E_OBJECTSTORE_PROVIDER", ""),
		ObjectStoreBucket:             envOrDefault("E2E_OBJECTSTORE_BUCKET", ""),
		ObjectStorePrefix:             envOrDefault("E2E_OBJECTSTORE_PREFIX", ""),
		ObjectStoreRegion:             envOrDefault("E2E_OBJECTSTORE_REGION", ""),
		ObjectStoreEndpoint:           envOrDefault("E2E_OBJECTSTORE_ENDPOINT", ""),
		ObjectStoreAccessKey:          envOrDefault("E2E_OBJECTSTORE_ACCESS_KEY", ""),
		ObjectStoreSecretKey:          envOrDefault("E2E_OBJECTSTORE_SECRET_KEY", ""),
		ObjectStoreSessionToken:       envOrDefault("E2E_OBJECTSTORE_SESSION_TOKEN", ""),
		ObjectStoreS3PathStyle:        envOrDefaultBool("E2E_OBJECTSTORE_S3_PATH_STYLE", false),
		ObjectStoreGCPProject:         envOrDefault("E2E_OBJECTSTORE_GCP_PROJECT", ""),
		ObjectStoreGCPCredentialsFile: envOrDefault("E2E_OBJECTSTORE_GCP_CREDENTIALS_FILE", ""),
		ObjectStoreGCPCredentialsJSON: envOrDefault("E2E_OBJECTSTORE_GCP_CREDENTIALS_JSON", ""),
		ObjectStoreAzureAccount:       envOrDefault("E2E_OBJECTSTORE_AZURE_ACCOUNT", ""),
		ObjectStoreAzureKey:           envOrDefault("E2E_OBJECTSTORE_AZURE_KEY", ""),
		ObjectStoreAzureEndpoint:      envOrDefault("E2E_OBJECTSTORE_AZURE_ENDPOINT", ""),
		ObjectStoreAzureSASToken:      envOrDefault("E2E_OBJECTSTORE_AZURE_SAS_TOKEN", ""),
		PublishRetention:              envOrDefaultInt("E2E_PUBLISH_RETENTION", 0),
		OTelEnabled:                   envOrDefaultBool("E2E_OTEL_ENABLED", false),
		OTelEndpoint:                  envOrDefault("E2E_OTEL_ENDPOINT", ""),
		OTelHeaders:                   envOrDefault("E2E_OTEL_HEADERS", ""),
		OTelInsecure:                  envOrDefaultBool("E2E_OTEL_INSECURE", true),
		OTelServiceName:               envOrDefault("E2E_OTEL_SERVICE_NAME", "scholarai-e2e"),
		OTelResourceAttrs:             envOrDefault("E2E_OTEL_RESOURCE_ATTRS", ""),
	}

	if cfg.ConfigFile != "" {
		fileCfg, err := loadFileConfig(cfg.ConfigFile)
		if err != nil {
			return nil, errors.Wrapf(err, "load config file %s", cfg.ConfigFile)
		}
		if err := applyFileConfig(cfg, fileCfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// BindFlags registers run flags on fs, using the values already in cfg as
// defaults so flags only override what the user passes explicitly.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.RunID, "run-id", cfg.RunID, "unique run identifier")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "path to a YAML config file")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "path to a .env file")
	fs.StringVar(&cfg.SpecDir, "spec-dir", cfg.SpecDir, "suite file or directory of suite files")
	fs.StringVar(&cfg.ArtifactDir, "artifact-dir", cfg.ArtifactDir, "directory for run artifacts")
	fs.StringVar(&cfg.ReportPath, "report", cfg.ReportPath, "narrative report path (.md, .json or .xml)")
	fs.Var(newCSVValue(&cfg.ReportFormats), "report-formats", "comma-separated formats written to the artifact dir: json,markdown,junit")
	fs.Var(newCSVValue(&cfg.IncludeTags), "include-tags", "comma-separated tag allowlist")
	fs.Var(newCSVValue(&cfg.ExcludeTags), "exclude-tags", "comma-separated tag denylist")
	fs.BoolVar(&cfg.Parallel, "parallel", cfg.Parallel, "run scenarios concurrently on isolated sessions")
	fs.IntVar(&cfg.Parallelism, "parallelism", cfg.Parallelism, "max concurrent scenarios in parallel mode")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "web application base URL")
	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "API base URL")
	fs.DurationVar(&cfg.ActionTimeout, "action-timeout", cfg.ActionTimeout, "default action step timeout")
	fs.DurationVar(&cfg.AssertionTimeout, "assertion-timeout", cfg.AssertionTimeout, "default assertion step timeout")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "assertion poll interval (min 100ms)")
	fs.DurationVar(&cfg.RunTimeout, "run-timeout", cfg.RunTimeout, "wall-clock ceiling for the whole run (0 disables)")
	fs.Var(newMapValue(&cfg.Vars), "var", "extra step variable as key=value (repeatable)")
	fs.StringVar(&cfg.FixtureEmail, "fixture-email", cfg.FixtureEmail, "pre-provisioned test user email")
	fs.StringVar(&cfg.FixturePassword, "fixture-password", cfg.FixturePassword, "pre-provisioned test user password")
	fs.BoolVar(&cfg.BrowserEnabled, "browser", cfg.BrowserEnabled, "open a browser session (disable for API-only suites)")
	fs.BoolVar(&cfg.BrowserHeadless, "headless", cfg.BrowserHeadless, "run the browser headless")
	fs.StringVar(&cfg.BrowserExecPath, "browser-path", cfg.BrowserExecPath, "browser executable path")
	fs.BoolVar(&cfg.Screenshots, "screenshots", cfg.Screenshots, "capture a screenshot when a step fails")
	fs.BoolVar(&cfg.Progress, "progress", cfg.Progress, "show a progress bar on terminals")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json|console")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "write prometheus metrics")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", cfg.MetricsPath, "metrics output path (default <artifact-dir>/metrics.prom)")
	fs.StringVar(&cfg.ObjectStoreProvider, "objectstore-provider", cfg.ObjectStoreProvider, "upload artifacts to: s3|minio|gcs|azure")
	fs.StringVar(&cfg.ObjectStoreBucket, "objectstore-bucket", cfg.ObjectStoreBucket, "object store bucket/container")
	fs.StringVar(&cfg.ObjectStorePrefix, "objectstore-prefix", cfg.ObjectStorePrefix, "object store key prefix")
	fs.StringVar(&cfg.ObjectStoreRegion, "objectstore-region", cfg.ObjectStoreRegion, "object store region")
	fs.StringVar(&cfg.ObjectStoreEndpoint, "objectstore-endpoint", cfg.ObjectStoreEndpoint, "object store endpoint override")
	fs.IntVar(&cfg.PublishRetention, "publish-retention", cfg.PublishRetention, "keep only the newest N published runs (0 keeps all)")
	fs.BoolVar(&cfg.OTelEnabled, "otel", cfg.OTelEnabled, "enable OpenTelemetry exporters")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP endpoint (host:port)")
	fs.StringVar(&cfg.OTelServiceName, "otel-service-name", cfg.OTelServiceName, "OTel service name")
}

// Normalize fills derived values and rejects unusable settings.
func (c *Config) Normalize() error {
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.MetricsPath == "" {
		c.MetricsPath = filepath.Join(c.ArtifactDir, "metrics.prom")
	}
	if c.ActionTimeout <= 0 {
		return errors.Errorf("action timeout must be positive, got %s", c.ActionTimeout)
	}
	if c.AssertionTimeout <= 0 {
		return errors.Errorf("assertion timeout must be positive, got %s", c.AssertionTimeout)
	}
	if c.RunTimeout < 0 {
		return errors.Errorf("run timeout must not be negative, got %s", c.RunTimeout)
	}
	if c.PublishRetention < 0 {
		return errors.Errorf("publish retention must not be negative, got %d", c.PublishRetention)
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	return nil
}

// StepVars returns the variables every step can reference as ${name}.
func (c *Config) StepVars() map[string]string {
	vars := map[string]string{
		"run_id":   c.RunID,
		"base_url": c.BaseURL,
		"api_url":  c.APIURL,
	}
	if c.FixtureEmail != "" {
		vars["fixture_email"] = c.FixtureEmail
	}
	if c.FixturePassword != "" {
		vars["fixture_password"] = c.FixturePassword
	}
	if c.FixtureName != "" {
		vars["fixture_name"] = c.FixtureName
	}
	for key, value := range c.Vars {
		vars[key] = value
	}
	return vars
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// godotenv.Load never overrides variables already set in the process.
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load env file %s", path)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed := 0
	_, err := fmt.Sscanf(value, "%d", &parsed)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return fallback
	}
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return duration
}

func splitCSV(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseKeyValues(value string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitCSV(value) {
		key, val, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(val)
	}
	return out
}
