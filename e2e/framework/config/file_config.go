package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the structured YAML configuration.
type FileConfig struct {
	Run         *RunFileConfig         `yaml:"run"`
	Target      *TargetFileConfig      `yaml:"target"`
	Timeouts    *TimeoutsFileConfig    `yaml:"timeouts"`
	Report      *ReportFileConfig      `yaml:"report"`
	Browser     *BrowserFileConfig     `yaml:"browser"`
	Fixtures    *FixturesFileConfig    `yaml:"fixtures"`
	Logging     *LoggingFileConfig     `yaml:"logging"`
	Metrics     *MetricsFileConfig     `yaml:"metrics"`
	Objectstore *ObjectstoreFileConfig `yaml:"objectstore"`
	OTel        *OTelFileConfig        `yaml:"otel"`
}

type RunFileConfig struct {
	ID          *string           `yaml:"id"`
	SpecDir     *string           `yaml:"spec_dir"`
	ArtifactDir *string           `yaml:"artifact_dir"`
	IncludeTags *StringList       `yaml:"include_tags"`
	ExcludeTags *StringList       `yaml:"exclude_tags"`
	Parallel    *bool             `yaml:"parallel"`
	Parallelism *int              `yaml:"parallelism"`
	Timeout     *string           `yaml:"timeout"`
	Progress    *bool             `yaml:"progress"`
	Vars        map[string]string `yaml:"vars"`
}

type TargetFileConfig struct {
	BaseURL *string `yaml:"base_url"`
	APIURL  *string `yaml:"api_url"`
}

type TimeoutsFileConfig struct {
	Action       *string `yaml:"action"`
	Assertion    *string `yaml:"assertion"`
	PollInterval *string `yaml:"poll_interval"`
}

type ReportFileConfig struct {
	Path    *string     `yaml:"path"`
	Formats *StringList `yaml:"formats"`
}

type BrowserFileConfig struct {
	Enabled     *bool   `yaml:"enabled"`
	Headless    *bool   `yaml:"headless"`
	ExecPath    *string `yaml:"exec_path"`
	NoSandbox   *bool   `yaml:"no_sandbox"`
	Screenshots *bool   `yaml:"screenshots"`
}

type FixturesFileConfig struct {
	Email        *string `yaml:"email"`
	Password     *string `yaml:"password"`
	Name         *string `yaml:"name"`
	RegisterPath *string `yaml:"register_path"`
}

type LoggingFileConfig struct {
	Format *string `yaml:"format"`
	Level  *string `yaml:"level"`
}

type MetricsFileConfig struct {
	Enabled *bool   `yaml:"enabled"`
	Path    *string `yaml:"path"`
}

type ObjectstoreFileConfig struct {
	Provider           *string `yaml:"provider"`
	Bucket             *string `yaml:"bucket"`
	Prefix             *string `yaml:"prefix"`
	Region             *string `yaml:"region"`
	Endpoint           *string `yaml:"endpoint"`
	AccessKey          *string `yaml:"access_key"`
	SecretKey          *string `yaml:"secret_key"`
	SessionToken       *string `yaml:"session_token"`
	S3PathStyle        *bool   `yaml:"s3_path_style"`
	GCPProject         *string `yaml:"gcp_project"`
	GCPCredentialsFile *string `yaml:"gcp_credentials_file"`
	GCPCredentialsJSON *string `yaml:"gcp_credentials_json"`
	AzureAccount       *string `yaml:"azure_account"`
	AzureKey           *string `yaml:"azure_key"`
	AzureEndpoint      *string `yaml:"azure_endpoint"`
	AzureSASToken      *string `yaml:"azure_sas_token"`
	Retention          *int    `yaml:"retention"`
}

type OTelFileConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	Endpoint      *string `yaml:"endpoint"`
	Headers       *string `yaml:"headers"`
	Insecure      *bool   `yaml:"insecure"`
	ServiceName   *string `yaml:"service_name"`
	ResourceAttrs *string `yaml:"resource_attrs"`
}

// StringList supports string or list YAML values.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = splitCSV(value.Value)
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(value.Content))
		for _, node := range value.Content {
			if node.Kind != yaml.ScalarNode {
				return fmt.Errorf("string list must contain only scalars")
			}
			item := strings.TrimSpace(node.Value)
			if item != "" {
				out = append(out, item)
			}
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("string list must be a string or list")
	}
}

// detectFlag pre-scans args for --name/-name, returning fallback if absent.
func detectFlag(args []string, name string, fallback string) string {
	value := strings.TrimSpace(fallback)
	long, short := "--"+name, "-"+name
	for i := 0; i < len(args); i++ {
		arg := strings.TrimSpace(args[i])
		if arg == long || arg == short {
			if i+1 < len(args) {
				value = strings.TrimSpace(args[i+1])
			}
			continue
		}
		if strings.HasPrefix(arg, long+"=") || strings.HasPrefix(arg, short+"=") {
			parts := strings.SplitN(arg, "=", 2)
			value = strings.TrimSpace(parts[1])
		}
	}
	return value
}

func loadFileConfig(path string) (*FileConfig, error) {
	expanded := expandPath(path)
	if expanded == "" {
		return nil, nil
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseDurationField(field string, raw string, target *time.Duration) error {
	duration, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*target = duration
	return nil
}

func applyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if cfg == nil || fileCfg == nil {
		return nil
	}
	if fileCfg.Run != nil {
		run := fileCfg.Run
		if run.ID != nil {
			cfg.RunID = strings.TrimSpace(*run.ID)
		}
		if run.SpecDir != nil {
			cfg.SpecDir = expandPath(*run.SpecDir)
		}
		if run.ArtifactDir != nil {
			cfg.ArtifactDir = expandPath(*run.ArtifactDir)
		}
		if run.IncludeTags != nil {
			cfg.IncludeTags = append([]string(nil), (*run.IncludeTags)...)
		}
		if run.ExcludeTags != nil {
			cfg.ExcludeTags = append([]string(nil), (*run.ExcludeTags)...)
		}
		if run.Parallel != nil {
			cfg.Parallel = *run.Parallel
		}
		if run.Parallelism != nil {
			cfg.Parallelism = *run.Parallelism
		}
		if run.Timeout != nil {
			if err := parseDurationField("run.timeout", *run.Timeout, &cfg.RunTimeout); err != nil {
				return err
			}
		}
		if run.Progress != nil {
			cfg.Progress = *run.Progress
		}
		if len(run.Vars) > 0 {
			if cfg.Vars == nil {
				cfg.Vars = make(map[string]string, len(run.Vars))
			}
			for key, value := range run.Vars {
				cfg.Vars[key] = value
			}
		}
	}
	if fileCfg.Target != nil {
		if fileCfg.Target.BaseURL != nil {
			cfg.BaseURL = strings.TrimSpace(*fileCfg.Target.BaseURL)
		}
		if fileCfg.Target.APIURL != nil {
			cfg.APIURL = strings.TrimSpace(*fileCfg.Target.APIURL)
		}
	}
	if fileCfg.Timeouts != nil {
		timeouts := fileCfg.Timeouts
		if timeouts.Action != nil {
			if err := parseDurationField("timeouts.action", *timeouts.Action, &cfg.ActionTimeout); err != nil {
				return err
			}
		}
		if timeouts.Assertion != nil {
			if err := parseDurationField("timeouts.assertion", *timeouts.Assertion, &cfg.AssertionTimeout); err != nil {
				return err
			}
		}
		if timeouts.PollInterval != nil {
			if err := parseDurationField("timeouts.poll_interval", *timeouts.PollInterval, &cfg.PollInterval); err != nil {
				return err
			}
		}
	}
	if fileCfg.Report != nil {
		if fileCfg.Report.Path != nil {
			cfg.ReportPath = expandPath(*fileCfg.Report.Path)
		}
		if fileCfg.Report.Formats != nil {
			cfg.ReportFormats = append([]string(nil), (*fileCfg.Report.Formats)...)
		}
	}
	if fileCfg.Browser != nil {
		browser := fileCfg.Browser
		if browser.Enabled != nil {
			cfg.BrowserEnabled = *browser.Enabled
		}
		if browser.Headless != nil {
			cfg.BrowserHeadless = *browser.Headless
		}
		if browser.ExecPath != nil {
			cfg.BrowserExecPath = expandPath(*browser.ExecPath)
		}
		if browser.NoSandbox != nil {
			cfg.BrowserNoSandbox = *browser.NoSandbox
		}
		if browser.Screenshots != nil {
			cfg.Screenshots = *browser.Screenshots
		}
	}
	if fileCfg.Fixtures != nil {
		fixtures := fileCfg.Fixtures
		if fixtures.Email != nil {
			cfg.FixtureEmail = strings.TrimSpace(*fixtures.Email)
		}
		if fixtures.Password != nil {
			cfg.FixturePassword = strings.TrimSpace(*fixtures.Password)
		}
		if fixtures.Name != nil {
			cfg.FixtureName = strings.TrimSpace(*fixtures.Name)
		}
		if fixtures.RegisterPath != nil {
			cfg.RegisterPath = strings.TrimSpace(*fixtures.RegisterPath)
		}
	}
	if fileCfg.Logging != nil {
		logging := fileCfg.Logging
		if logging.Format != nil {
			cfg.LogFormat = strings.TrimSpace(*logging.Format)
		}
		if logging.Level != nil {
			cfg.LogLevel = strings.TrimSpace(*logging.Level)
		}
	}
	if fileCfg.Metrics != nil {
		metrics := fileCfg.Metrics
		if metrics.Enabled != nil {
			cfg.MetricsEnabled = *metrics.Enabled
		}
		if metrics.Path != nil {
			cfg.MetricsPath = expandPath(*metrics.Path)
		}
	}
	if fileCfg.Objectstore != nil {
		obj := fileCfg.Objectstore
		if obj.Provider != nil {
			cfg.ObjectStoreProvider = strings.TrimSpace(*obj.Provider)
		}
		if obj.Bucket != nil {
			cfg.ObjectStoreBucket = strings.TrimSpace(*obj.Bucket)
		}
		if obj.Prefix != nil {
			cfg.ObjectStorePrefix = strings.TrimSpace(*obj.Prefix)
		}
		if obj.Region != nil {
			cfg.ObjectStoreRegion = strings.TrimSpace(*obj.Region)
		}
		if obj.Endpoint != nil {
			cfg.ObjectStoreEndpoint = strings.TrimSpace(*obj.Endpoint)
		}
		if obj.AccessKey != nil {
			cfg.ObjectStoreAccessKey = strings.TrimSpace(*obj.AccessKey)
		}
		if obj.SecretKey != nil {
			cfg.ObjectStoreSecretKey = strings.TrimSpace(*obj.SecretKey)
		}
		if obj.SessionToken != nil {
			cfg.ObjectStoreSessionToken = strings.TrimSpace(*obj.SessionToken)
		}
		if obj.S3PathStyle != nil {
			cfg.ObjectStoreS3PathStyle = *obj.S3PathStyle
		}
		if obj.GCPProject != nil {
			cfg.ObjectStoreGCPProject = strings.TrimSpace(*obj.GCPProject)
		}
		if obj.GCPCredentialsFile != nil {
			cfg.ObjectStoreGCPCredentialsFile = expandPath(*obj.GCPCredentialsFile)
		}
		if obj.GCPCredentialsJSON != nil {
			cfg.ObjectStoreGCPCredentialsJSON = strings.TrimSpace(*obj.GCPCredentialsJSON)
		}
		if obj.AzureAccount != nil {
			cfg.ObjectStoreAzureAccount = strings.TrimSpace(*obj.AzureAccount)
		}
		if obj.AzureKey != nil {
			cfg.ObjectStoreAzureKey = strings.TrimSpace(*obj.AzureKey)
		}
		if obj.AzureEndpoint != nil {
			cfg.ObjectStoreAzureEndpoint = strings.TrimSpace(*obj.AzureEndpoint)
		}
		if obj.AzureSASToken != nil {
			cfg.ObjectStoreAzureSASToken = strings.TrimSpace(*obj.AzureSASToken)
		}
		if obj.Retention != nil {
			cfg.PublishRetention = *obj.Retention
		}
	}
	if fileCfg.OTel != nil {
		otel := fileCfg.OTel
		if otel.Enabled != nil {
			cfg.OTelEnabled = *otel.Enabled
		}
		if otel.Endpoint != nil {
			cfg.OTelEndpoint = strings.TrimSpace(*otel.Endpoint)
		}
		if otel.Headers != nil {
			cfg.OTelHeaders = strings.TrimSpace(*otel.Headers)
		}
		if otel.Insecure != nil {
			cfg.OTelInsecure = *otel.Insecure
		}
		if otel.ServiceName != nil {
			cfg.OTelServiceName = strings.TrimSpace(*otel.ServiceName)
		}
		if otel.ResourceAttrs != nil {
			cfg.OTelResourceAttrs = strings.TrimSpace(*otel.ResourceAttrs)
		}
	}
	return nil
}

func expandPath(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	expanded := os.ExpandEnv(trimmed)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
		}
	}
	return expanded
}
