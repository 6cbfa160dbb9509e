package runner

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/scholarai/scholarai/e2e/framework/artifacts"
	"github.com/scholarai/scholarai/e2e/framework/config"
	"github.com/scholarai/scholarai/e2e/framework/driver"
	"github.com/scholarai/scholarai/e2e/framework/failure"
	"github.com/scholarai/scholarai/e2e/framework/httpprobe"
	"github.com/scholarai/scholarai/e2e/framework/metrics"
	"github.com/scholarai/scholarai/e2e/framework/report"
	"github.com/scholarai/scholarai/e2e/framework/results"
	"github.com/scholarai/scholarai/e2e/framework/spec"
	"github.com/scholarai/scholarai/e2e/framework/steps"
	"github.com/scholarai/scholarai/e2e/framework/telemetry"
)

const screenshotTimeout = 5 * time.Second

// Observer is notified as a suite progresses.
type Observer interface {
	SuiteStarted(suite string, scenarios int)
	ScenarioFinished(result results.ScenarioResult)
	SuiteFinished(report *results.RunReport)
}

// Runner executes suites.
type Runner struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *steps.Registry
	artifacts  *artifacts.Writer
	metrics    *metrics.Collector
	telemetry  *telemetry.Telemetry
	factory    driver.Factory
	probe      *httpprobe.Client
	observer   Observer
	clock      clock.Clock
	reportPath string
	customize  func(*steps.CustomActions)
}

// Option configures a Runner.
type Option func(*Runner)

// WithRegistry replaces the default step registry.
func WithRegistry(reg *steps.Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// WithTelemetry attaches an OTel client.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Runner) { r.telemetry = t }
}

// WithProbe replaces the HTTP probe built from config.
func WithProbe(probe *httpprobe.Client) Option {
	return func(r *Runner) { r.probe = probe }
}

// WithObserver attaches a progress observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithClock injects the time source used for step timing and polling.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithReportPath overrides the narrative report location from config.
func WithReportPath(path string) Option {
	return func(r *Runner) { r.reportPath = path }
}

// WithCustomActions lets callers register custom actions on every scenario.
func WithCustomActions(fn func(*steps.CustomActions)) Option {
	return func(r *Runner) { r.customize = fn }
}

// NewRunner constructs a Runner. factory may be nil for suites that only
// probe the HTTP API.
func NewRunner(cfg *config.Config, logger *zap.Logger, factory driver.Factory, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("runner: config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer, err := artifacts.NewWriter(cfg.ArtifactDir)
	if err != nil {
		return nil, errors.Wrap(err, "create artifact dir")
	}
	r := &Runner{
		cfg:        cfg,
		logger:     logger,
		registry:   steps.DefaultRegistry(),
		artifacts:  writer,
		metrics:    metrics.NewCollector(),
		telemetry:  telemetry.Disabled(),
		factory:    factory,
		clock:      clock.RealClock{},
		reportPath: cfg.ReportPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.probe == nil {
		r.probe = httpprobe.NewClient(httpprobe.Options{
			BaseURL: cfg.APIURL,
			Timeout: cfg.ActionTimeout,
			Logger:  logger,
		})
	}
	return r, nil
}

// Artifacts returns the writer for the run directory.
func (r *Runner) Artifacts() *artifacts.Writer {
	return r.artifacts
}

// Run executes every scenario of suite and returns the finalized report.
// Step failures are recorded in the report; the error is reserved for
// problems of the harness itself, in which case the report may still be
// returned.
func (r *Runner) Run(ctx context.Context, suite *spec.Suite) (*results.RunReport, error) {
	if suite == nil {
		return nil, errors.New("runner: suite is required")
	}
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}
	logger := r.logger.With(zap.String("suite", suite.Metadata.Name))
	agg := report.NewAggregator(r.cfg.RunID, suite.Metadata.Name, r.environment(suite))
	if r.observer != nil {
		r.observer.SuiteStarted(suite.Metadata.Name, len(suite.Scenarios))
	}

	base := steps.NewContext(r.cfg.RunID, logger, r.artifacts, r.cfg, nil, r.probe)
	base.Clock = r.clock
	if r.customize != nil {
		r.customize(base.Custom)
	}
	if err := base.ApplySuite(suite); err != nil {
		return nil, errors.Wrapf(err, "suite %s", suite.Metadata.Name)
	}
	ctx, runSpan := r.startRunSpan(ctx, suite)

	needsBrowser := r.factory != nil && suite.NeedsBrowser()
	var session driver.Driver
	setupErr := func() error {
		if needsBrowser {
			drv, err := r.factory(ctx)
			if err != nil {
				return &failure.SetupError{Phase: "open browser session", Err: err}
			}
			session = drv
		}
		base.Driver = session
		setupExec := base.ForScenario("suite setup", session)
		outcomes, err := r.runHook(ctx, setupExec, suite.Setup)
		if err != nil {
			logger.Error("suite setup failed", zap.Error(err), zap.Int("steps", len(outcomes)))
			return &failure.SetupError{Phase: "suite setup", Err: err}
		}
		// Vars captured during suite setup are visible to every scenario.
		base.Vars = setupExec.Vars
		delete(base.Vars, "scenario")
		return nil
	}()

	var selected []int
	for i, scenario := range suite.Scenarios {
		if !scenario.MatchesTags(suite.Metadata.Tags, r.cfg.IncludeTags, r.cfg.ExcludeTags) {
			r.record(agg, r.skippedResult(suite, i, "tag filtered"))
			continue
		}
		selected = append(selected, i)
	}

	switch {
	case setupErr != nil:
		for _, i := range selected {
			r.record(agg, r.blockedResult(suite, i, setupErr))
		}
	case r.cfg.Parallel && r.cfg.Parallelism > 1:
		r.runParallel(ctx, base, suite, selected, needsBrowser, agg)
	default:
		for _, i := range selected {
			if err := ctx.Err(); err != nil {
				r.record(agg, r.blockedResult(suite, i, errors.Wrap(err, "run aborted")))
				continue
			}
			r.record(agg, r.runScenario(ctx, base, suite, i, session))
		}
	}

	// Suite teardown runs exactly once, even when the run was canceled.
	teardownCtx := context.WithoutCancel(ctx)
	teardownExec := base.ForScenario("suite teardown", session)
	for _, outcome := range r.runSteps(teardownCtx, teardownExec, suite.Teardown, true) {
		if outcome.Status.Failed() {
			agg.RecordTeardownError(errors.Errorf("suite teardown step %q: %s", outcome.Name, outcome.Error))
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			logger.Warn("close browser session", zap.Error(err))
		}
	}

	final, err := agg.Finalize()
	r.finishRunSpan(runSpan, final, err)
	if err != nil {
		return nil, err
	}
	r.metrics.ObservePassRate(final.Suite, final.Summary.PassRate)
	r.recordRunTelemetry(final)
	if r.observer != nil {
		r.observer.SuiteFinished(final)
	}
	logger.Info("suite finished",
		zap.Int("total", final.Summary.Total),
		zap.Int("passed", final.Summary.Passed),
		zap.Int("failed", final.Summary.Failed),
		zap.Int("skipped", final.Summary.Skipped),
		zap.String("pass_rate", report.FormatPassRate(final.Summary.PassRate)))

	if err := r.flush(agg, final); err != nil {
		return final, err
	}
	return final, nil
}

// runParallel runs scenarios on isolated sessions, at most Parallelism at a
// time.
func (r *Runner) runParallel(ctx context.Context, base *steps.Context, suite *spec.Suite, selected []int, needsBrowser bool, agg *report.Aggregator) {
	sem := make(chan struct{}, r.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, index := range selected {
		i := index
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				r.record(agg, r.blockedResult(suite, i, errors.Wrap(err, "run aborted")))
				return
			}
			var session driver.Driver
			if needsBrowser {
				drv, err := r.factory(ctx)
				if err != nil {
					r.record(agg, r.blockedResult(suite, i, &failure.SetupError{Phase: "open browser session", Scenario: suite.Scenarios[i].Name, Err: err}))
					return
				}
				session = drv
				defer func() {
					if err := session.Close(); err != nil {
						r.logger.Warn("close browser session", zap.String("scenario", suite.Scenarios[i].Name), zap.Error(err))
					}
				}()
			}
			r.record(agg, r.runScenario(ctx, base, suite, i, session))
		}()
	}
	wg.Wait()
}

func (r *Runner) runScenario(ctx context.Context, base *steps.Context, suite *spec.Suite, index int, session driver.Driver) (result results.ScenarioResult) {
	scenario := suite.Scenarios[index]
	exec := base.ForScenario(scenario.Name, session)
	result = newScenarioResult(suite, index)
	result.StartTime = r.clock.Now().UTC()

	if scenario.Timeout != "" {
		timeout, err := time.ParseDuration(scenario.Timeout)
		if err != nil || timeout <= 0 {
			return r.finish(exec, r.blockedResult(suite, index, &failure.SetupError{Phase: "scenario timeout", Scenario: scenario.Name, Err: errors.Errorf("invalid timeout %q", scenario.Timeout)}))
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := r.startScenarioSpan(ctx, suite, scenario)
	defer func() { r.finishScenarioSpan(span, result) }()

	exec.Logger.Info("scenario started")
	setup, setupErr := r.runHook(ctx, exec, scenario.Setup)
	result.Setup = setup
	if setupErr != nil {
		err := &failure.SetupError{Phase: "scenario setup", Scenario: scenario.Name, Err: setupErr}
		result.Steps = skippedSteps(scenario.Steps)
		result.Status = results.StatusFailed
		result.Error = err.Error()
		result.ErrorKind = string(failure.KindSetup)
	} else {
		result.Steps = r.runSteps(ctx, exec, scenario.Steps, false)
		result.Status = results.StatusPassed
		if failed, ok := result.FirstFailure(); ok {
			result.Status = results.StatusFailed
			result.Error = failed.Error
			result.ErrorKind = failed.ErrorKind
		}
	}

	// Scenario teardown always runs; its failures are noted but do not
	// change the scenario status.
	result.Teardown = r.runSteps(context.WithoutCancel(ctx), exec, scenario.Teardown, true)
	for _, outcome := range result.Teardown {
		if outcome.Status.Failed() {
			result.Metadata["teardown_error"] = outcome.Error
			break
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Metadata["timeout"] = "true"
	}
	return r.finish(exec, result)
}

// finish stamps the end time and publishes per-scenario signals.
func (r *Runner) finish(exec *steps.Context, result results.ScenarioResult) results.ScenarioResult {
	result.EndTime = r.clock.Now().UTC()
	if result.StartTime.IsZero() {
		result.StartTime = result.EndTime
	}
	result.Duration = result.EndTime.Sub(result.StartTime)
	for _, step := range append(append([]results.StepResult(nil), result.Setup...), result.Steps...) {
		if endpoint := step.Metadata[report.MetaEndpoint]; endpoint != "" {
			result.Metadata[report.MetaEndpoint] = endpoint
			result.Metadata[report.MetaHTTPStatus] = step.Metadata[report.MetaHTTPStatus]
		}
	}
	fields := []zap.Field{zap.String("status", string(result.Status)), zap.Duration("duration", result.Duration)}
	if result.Error != "" {
		fields = append(fields, zap.String("error", result.Error), zap.String("error_kind", result.ErrorKind))
	}
	exec.Logger.Info("scenario finished", fields...)
	r.recordScenarioTelemetry(result)
	return result
}

// runHook runs setup steps, stopping at the first failure.
func (r *Runner) runHook(ctx context.Context, exec *steps.Context, hook []spec.StepSpec) ([]results.StepResult, error) {
	outcomes := r.runSteps(ctx, exec, hook, false)
	for _, outcome := range outcomes {
		if outcome.Status.Failed() {
			return outcomes, errors.Errorf("step %q: %s", outcome.Name, outcome.Error)
		}
	}
	return outcomes, nil
}

// runSteps executes steps in order. Unless keepGoing is set, every step
// after the first failure is recorded as skipped without running.
func (r *Runner) runSteps(ctx context.Context, exec *steps.Context, list []spec.StepSpec, keepGoing bool) []results.StepResult {
	outcomes := make([]results.StepResult, 0, len(list))
	failed := false
	for i, step := range list {
		if failed && !keepGoing {
			outcomes = append(outcomes, skippedStep(step))
			continue
		}
		outcome := r.runStep(ctx, exec, i, step)
		outcomes = append(outcomes, outcome)
		if outcome.Status.Failed() {
			failed = true
		}
	}
	return outcomes
}

func (r *Runner) runStep(ctx context.Context, exec *steps.Context, index int, step spec.StepSpec) results.StepResult {
	start := r.clock.Now().UTC()
	stepCtx, span := r.startStepSpan(ctx, exec, step)
	metadata, err := r.registry.Execute(stepCtx, exec, step)
	end := r.clock.Now().UTC()

	outcome := results.StepResult{
		Name:      step.Label(),
		Action:    step.Action,
		Target:    exec.Expand(step.Target),
		Status:    results.StatusPassed,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Metadata:  metadata,
	}
	kind := failure.KindOf(err)
	if err != nil {
		outcome.Status = results.StatusFailed
		if kind == failure.KindAssertionTimeout {
			outcome.Status = results.StatusTimedOut
		}
		outcome.Error = err.Error()
		outcome.ErrorKind = string(kind)
		outcome.Artifact = r.captureScreenshot(ctx, exec, index, step)
		exec.Logger.Warn("step failed",
			zap.String("step", outcome.Name),
			zap.String("action", step.Action),
			zap.String("error_kind", string(kind)),
			zap.Error(err))
	} else {
		exec.Logger.Debug("step passed", zap.String("step", outcome.Name), zap.Duration("duration", outcome.Duration))
	}

	r.finishStepSpan(span, exec, step, outcome, err)
	r.metrics.ObserveStep(step.Action, string(outcome.Status), string(kind), outcome.Duration)
	r.recordStepTelemetry(exec, step, outcome)
	return outcome
}

// captureScreenshot saves the viewport of a failed step when the session
// supports it. The returned path is relative to the run directory.
func (r *Runner) captureScreenshot(ctx context.Context, exec *steps.Context, index int, step spec.StepSpec) string {
	if !r.cfg.Screenshots || exec.Driver == nil || !spec.NeedsBrowser(step.Action) {
		return ""
	}
	shooter, ok := exec.Driver.(driver.Screenshotter)
	if !ok {
		return ""
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), screenshotTimeout)
	defer cancel()
	payload, err := shooter.Screenshot(shotCtx)
	if err != nil {
		exec.Logger.Warn("screenshot failed", zap.Error(err))
		return ""
	}
	name := artifacts.ScreenshotName(exec.Scenario, index, step.Label())
	if _, err := r.artifacts.WriteBytes(name, payload); err != nil {
		exec.Logger.Warn("write screenshot", zap.Error(err))
		return ""
	}
	return name
}

func (r *Runner) record(agg *report.Aggregator, result results.ScenarioResult) {
	if err := agg.Record(result); err != nil {
		r.logger.Error("record scenario", zap.String("scenario", result.Name), zap.Error(err))
		return
	}
	r.metrics.ObserveScenario(result.Suite, string(result.Status), result.Duration)
	if r.observer != nil {
		r.observer.ScenarioFinished(result)
	}
}

func (r *Runner) skippedResult(suite *spec.Suite, index int, reason string) results.ScenarioResult {
	result := newScenarioResult(suite, index)
	now := r.clock.Now().UTC()
	result.StartTime, result.EndTime = now, now
	result.Status = results.StatusSkipped
	result.Steps = skippedSteps(suite.Scenarios[index].Steps)
	result.Metadata["skip_reason"] = reason
	return result
}

// blockedResult is a scenario that never ran because a precondition failed.
func (r *Runner) blockedResult(suite *spec.Suite, index int, err error) results.ScenarioResult {
	result := newScenarioResult(suite, index)
	now := r.clock.Now().UTC()
	result.StartTime, result.EndTime = now, now
	result.Status = results.StatusFailed
	result.Steps = skippedSteps(suite.Scenarios[index].Steps)
	result.Error = err.Error()
	result.ErrorKind = string(failure.KindOf(err))
	if errors.Is(err, context.DeadlineExceeded) {
		result.ErrorKind = string(failure.KindCanceled)
	}
	return result
}

func newScenarioResult(suite *spec.Suite, index int) results.ScenarioResult {
	scenario := suite.Scenarios[index]
	tags := append(append([]string(nil), suite.Metadata.Tags...), scenario.Tags...)
	return results.ScenarioResult{
		Index:       index,
		Suite:       suite.Metadata.Name,
		Name:        scenario.Name,
		Description: scenario.Description,
		Tags:        tags,
		Metadata:    map[string]string{},
	}
}

func skippedStep(step spec.StepSpec) results.StepResult {
	return results.StepResult{Name: step.Label(), Action: step.Action, Target: step.Target, Status: results.StatusSkipped}
}

func skippedSteps(list []spec.StepSpec) []results.StepResult {
	out := make([]results.StepResult, 0, len(list))
	for _, step := range list {
		out = append(out, skippedStep(step))
	}
	return out
}

func (r *Runner) environment(suite *spec.Suite) *orderedmap.OrderedMap[string, string] {
	env := results.NewEnvironment()
	env.Set("run_id", r.cfg.RunID)
	env.Set("suite", suite.Metadata.Name)
	baseURL := r.cfg.BaseURL
	if suite.BaseURL != "" {
		baseURL = suite.BaseURL
	}
	env.Set("base_url", baseURL)
	env.Set("api_url", r.cfg.APIURL)
	env.Set("timestamp", r.clock.Now().UTC().Format(time.RFC3339))
	browser := strconv.FormatBool(r.factory != nil && suite.NeedsBrowser())
	env.Set("browser", browser)
	mode := "sequential"
	if r.cfg.Parallel && r.cfg.Parallelism > 1 {
		mode = "parallel/" + strconv.Itoa(r.cfg.Parallelism)
	}
	env.Set("mode", mode)
	if suite.SourceFile != "" {
		env.Set("source", suite.SourceFile)
	}
	r.metrics.ObserveRunInfo(metrics.RunInfo{
		RunID:   r.cfg.RunID,
		Suite:   suite.Metadata.Name,
		BaseURL: baseURL,
		APIURL:  r.cfg.APIURL,
		Browser: browser,
	})
	return env
}

// flush writes the report in every configured format plus the metrics
// file into the run directory.
func (r *Runner) flush(agg *report.Aggregator, final *results.RunReport) error {
	if _, err := r.artifacts.WriteJSON("results.json", final); err != nil {
		return errors.Wrap(err, "write results")
	}
	written, err := agg.Persist(r.artifacts, r.reportPath, r.cfg.ReportFormats)
	if err != nil {
		return err
	}
	r.logger.Info("report written", zap.Strings("files", written))
	if r.cfg.MetricsEnabled {
		path := r.cfg.MetricsPath
		if path == "" {
			path = r.artifacts.Path("metrics.prom")
		}
		if err := r.metrics.Write(path); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	return nil
}
