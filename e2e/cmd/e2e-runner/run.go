package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scholarai/scholarai/e2e/framework/artifacts"
	"github.com/scholarai/scholarai/e2e/framework/config"
	"github.com/scholarai/scholarai/e2e/framework/console"
	"github.com/scholarai/scholarai/e2e/framework/driver"
	"github.com/scholarai/scholarai/e2e/framework/driver/browser"
	"github.com/scholarai/scholarai/e2e/framework/logging"
	"github.com/scholarai/scholarai/e2e/framework/publish"
	"github.com/scholarai/scholarai/e2e/framework/results"
	"github.com/scholarai/scholarai/e2e/framework/runner"
	"github.com/scholarai/scholarai/e2e/framework/spec"
	"github.com/scholarai/scholarai/e2e/framework/telemetry"
)

const publishTimeout = 5 * time.Minute

func newRunCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [suite files or dirs...]",
		Short: "Run suites against the configured app and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSuites(ctx, cfg, args, console.NewReporter(cmd.ErrOrStderr(), cfg.Progress))
		},
	}
	config.BindFlags(cmd.Flags(), cfg)
	return cmd
}

// runSuites executes every suite and returns errScenariosFailed when any
// scenario failed. Any other error is a harness failure.
func runSuites(ctx context.Context, cfg *config.Config, paths []string, reporter *console.Reporter) error {
	if err := cfg.Normalize(); err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	defer func() { _ = logger.Sync() }()

	telemetryClient, shutdownTelemetry, err := telemetry.Init(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "init telemetry")
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("failed to shutdown telemetry", zap.Error(err))
		}
	}()

	suites, err := loadSuites(cfg.SpecDir, paths)
	if err != nil {
		return err
	}

	var factory driver.Factory
	if cfg.BrowserEnabled {
		factory = browser.NewFactory(browser.Options{
			Headless:  cfg.BrowserHeadless,
			ExecPath:  cfg.BrowserExecPath,
			NoSandbox: cfg.BrowserNoSandbox,
			Logger:    logging.Logr(logger),
		})
	}

	start := time.Now()
	var reports []*results.RunReport
	for i := range suites {
		suite := &suites[i]
		suiteCfg := suiteConfig(cfg, suite, len(suites))
		r, err := runner.NewRunner(suiteCfg, logger, factory,
			runner.WithTelemetry(telemetryClient),
			runner.WithObserver(reporter),
		)
		if err != nil {
			return err
		}
		rep, err := r.Run(ctx, suite)
		if err != nil {
			return errors.Wrapf(err, "suite %s", suite.Metadata.Name)
		}
		reports = append(reports, rep)
	}

	publishRun(cfg, logger)

	failed := 0
	for _, rep := range reports {
		failed += rep.Summary.Failed
	}
	logger.Info("run complete",
		zap.Int("suites", len(reports)),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)))
	if failed > 0 {
		return errScenariosFailed
	}
	return nil
}

// suiteConfig gives each suite of a multi-suite run its own artifact
// directory and report file so reports do not overwrite each other.
func suiteConfig(cfg *config.Config, suite *spec.Suite, suites int) *config.Config {
	if suites <= 1 {
		return cfg
	}
	clone := *cfg
	name := artifacts.Slug(suite.Metadata.Name)
	clone.ArtifactDir = filepath.Join(cfg.ArtifactDir, name)
	if cfg.MetricsPath == filepath.Join(cfg.ArtifactDir, "metrics.prom") {
		clone.MetricsPath = filepath.Join(clone.ArtifactDir, "metrics.prom")
	}
	if cfg.ReportPath != "" {
		ext := filepath.Ext(cfg.ReportPath)
		clone.ReportPath = strings.TrimSuffix(cfg.ReportPath, ext) + "-" + name + ext
	}
	return &clone
}

// publishRun uploads the artifact directory when an object store is
// configured. Upload failures are logged; the local reports stay
// authoritative.
func publishRun(cfg *config.Config, logger *zap.Logger) {
	target := publish.FromRunnerConfig(cfg)
	if !target.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	provider, err := publish.NewProvider(ctx, target)
	if err != nil {
		logger.Warn("artifact upload disabled", zap.Error(err))
		return
	}
	defer provider.Close()
	if _, err := publish.UploadDir(ctx, provider, cfg.ArtifactDir, publish.RunPrefix(cfg.RunID), logger); err != nil {
		logger.Warn("artifact upload failed", zap.Error(err))
		return
	}
	if _, err := publish.PruneRuns(ctx, provider, cfg.PublishRetention, logger); err != nil {
		logger.Warn("pruning published runs failed", zap.Error(err))
	}
}

// fetchPublishedReport downloads the JSON report of a published run into dir.
func fetchPublishedReport(ctx context.Context, cfg *config.Config, ref, dir string) (string, error) {
	target := publish.FromRunnerConfig(cfg)
	if !target.Enabled() {
		return "", errors.New("--run needs an object store provider (E2E_OBJECTSTORE_PROVIDER or objectstore.provider)")
	}
	provider, err := publish.NewProvider(ctx, target)
	if err != nil {
		return "", err
	}
	defer provider.Close()
	return publish.FetchReport(ctx, provider, ref, dir)
}
