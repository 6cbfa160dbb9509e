package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/scholarai/scholarai/e2e/framework/report"
	"github.com/scholarai/scholarai/e2e/framework/results"
	"github.com/scholarai/scholarai/e2e/framework/spec"
	"github.com/scholarai/scholarai/e2e/framework/steps"
	"github.com/scholarai/scholarai/e2e/framework/telemetry"
)

func (r *Runner) startRunSpan(ctx context.Context, suite *spec.Suite) (context.Context, trace.Span) {
	if !r.telemetry.Enabled() {
		return ctx, nil
	}
	attrs := map[string]string{
		"e2e.run_id":         r.cfg.RunID,
		"e2e.suite":          suite.Metadata.Name,
		"e2e.parallel":       fmt.Sprintf("%t", r.cfg.Parallel),
		"e2e.parallelism":    fmt.Sprintf("%d", r.cfg.Parallelism),
		"e2e.scenario_count": fmt.Sprintf("%d", len(suite.Scenarios)),
		"e2e.base_url":       r.cfg.BaseURL,
	}
	return r.telemetry.StartSpan(ctx, "e2e.run", attrs)
}

func (r *Runner) finishRunSpan(span trace.Span, run *results.RunReport, runErr error) {
	if span == nil || !r.telemetry.Enabled() {
		return
	}
	defer span.End()
	attrs := map[string]string{}
	status := "passed"
	if run != nil {
		summary := run.Summary
		attrs["e2e.duration_ms"] = fmt.Sprintf("%d", run.Duration.Milliseconds())
		attrs["e2e.total"] = fmt.Sprintf("%d", summary.Total)
		attrs["e2e.passed"] = fmt.Sprintf("%d", summary.Passed)
		attrs["e2e.failed"] = fmt.Sprintf("%d", summary.Failed)
		attrs["e2e.skipped"] = fmt.Sprintf("%d", summary.Skipped)
		attrs["e2e.pass_rate"] = report.FormatPassRate(summary.PassRate)
		if summary.Failed > 0 {
			status = "failed"
		}
		if summary.Passed == 0 && summary.Failed == 0 && summary.Skipped > 0 {
			status = "skipped"
		}
		if len(run.TeardownErrors) > 0 {
			attrs["e2e.teardown_errors"] = fmt.Sprintf("%d", len(run.TeardownErrors))
		}
	}
	if runErr != nil {
		r.telemetry.MarkSpan(span, "failed", runErr, attrs)
		return
	}
	if status == "failed" {
		r.telemetry.MarkSpan(span, status, errors.New("run failed"), attrs)
		return
	}
	r.telemetry.MarkSpan(span, status, nil, attrs)
}

func (r *Runner) startScenarioSpan(ctx context.Context, suite *spec.Suite, scenario spec.Scenario) (context.Context, trace.Span) {
	if !r.telemetry.Enabled() {
		return ctx, nil
	}
	attrs := map[string]string{
		"e2e.run_id":   r.cfg.RunID,
		"e2e.suite":    suite.Metadata.Name,
		"e2e.scenario": scenario.Name,
	}
	if tags := append(append([]string(nil), suite.Metadata.Tags...), scenario.Tags...); len(tags) > 0 {
		attrs["e2e.tags"] = strings.Join(tags, ",")
	}
	if suite.Metadata.Owner != "" {
		attrs["e2e.owner"] = suite.Metadata.Owner
	}
	return r.telemetry.StartSpan(ctx, "e2e.scenario:"+scenario.Name, attrs)
}

func (r *Runner) finishScenarioSpan(span trace.Span, result results.ScenarioResult) {
	if span == nil || !r.telemetry.Enabled() {
		return
	}
	defer span.End()
	attrs := map[string]string{
		"e2e.status":      string(result.Status),
		"e2e.duration_ms": fmt.Sprintf("%d", result.Duration.Milliseconds()),
		"e2e.error_kind":  result.ErrorKind,
	}
	if endpoint := result.Metadata[report.MetaEndpoint]; endpoint != "" {
		attrs["http.endpoint"] = endpoint
		attrs["http.status_code"] = result.Metadata[report.MetaHTTPStatus]
	}
	var err error
	if result.Status.Failed() {
		err = errors.New(defaultIfEmpty(result.Error, "scenario failed"))
	}
	r.telemetry.MarkSpan(span, string(result.Status), err, mergeAttrs(attrs))
}

func (r *Runner) startStepSpan(ctx context.Context, exec *steps.Context, step spec.StepSpec) (context.Context, trace.Span) {
	if !r.telemetry.Enabled() {
		return ctx, nil
	}
	return r.telemetry.StartSpan(ctx, "e2e.step:"+step.Action, baseStepAttributes(exec, step))
}

func (r *Runner) finishStepSpan(span trace.Span, exec *steps.Context, step spec.StepSpec, outcome results.StepResult, stepErr error) {
	if span == nil || !r.telemetry.Enabled() {
		return
	}
	defer span.End()
	attrs := mergeAttrs(baseStepAttributes(exec, step), map[string]string{
		"e2e.status":      string(outcome.Status),
		"e2e.duration_ms": fmt.Sprintf("%d", outcome.Duration.Milliseconds()),
		"e2e.error_kind":  outcome.ErrorKind,
		"e2e.artifact":    outcome.Artifact,
	})
	r.telemetry.MarkSpan(span, string(outcome.Status), stepErr, attrs)
}

// Metrics are recorded on a fresh context; the scenario context may already
// be canceled when a run times out.
func (r *Runner) recordScenarioTelemetry(result results.ScenarioResult) {
	r.telemetry.RecordScenario(context.Background(), telemetry.ScenarioSample{
		Suite:     result.Suite,
		Status:    string(result.Status),
		ErrorKind: result.ErrorKind,
		Duration:  result.Duration,
	})
}

func (r *Runner) recordStepTelemetry(exec *steps.Context, step spec.StepSpec, outcome results.StepResult) {
	r.telemetry.RecordStep(context.Background(), telemetry.StepSample{
		Suite:     exec.Suite,
		Action:    step.Action,
		Kind:      stepKind(step.Action),
		Status:    string(outcome.Status),
		ErrorKind: outcome.ErrorKind,
		Duration:  outcome.Duration,
	})
}

func (r *Runner) recordRunTelemetry(run *results.RunReport) {
	summary := run.Summary
	r.telemetry.RecordRun(context.Background(), telemetry.RunSample{
		Suite:    run.Suite,
		Passed:   summary.Passed,
		Failed:   summary.Failed,
		Skipped:  summary.Skipped,
		PassRate: summary.PassRate,
	})
}

// stepKind buckets an action for metrics: assertion, browser, http or control.
func stepKind(action string) string {
	switch {
	case spec.IsAssertion(action):
		return "assertion"
	case spec.NeedsBrowser(action):
		return "browser"
	case strings.EqualFold(strings.TrimSpace(action), spec.ActionSleep):
		return "control"
	default:
		return "http"
	}
}

func baseStepAttributes(exec *steps.Context, step spec.StepSpec) map[string]string {
	return mergeAttrs(map[string]string{
		"e2e.run_id":   exec.RunID,
		"e2e.suite":    exec.Suite,
		"e2e.scenario": exec.Scenario,
		"e2e.step":     step.Label(),
		"e2e.action":   step.Action,
		"e2e.target":   step.Target,
	})
}

func mergeAttrs(values ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, attrs := range values {
		for key, value := range attrs {
			if value == "" {
				continue
			}
			out[key] = value
		}
	}
	return out
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
