package telemetry

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/scholarai/scholarai/e2e/framework/config"
)

const instrumentationName = "scholarai-e2e"

// Metric attribute keys. Scenario names stay off metrics to keep cardinality
// bounded; spans carry them instead.
const (
	keySuite     = attribute.Key("suite")
	keyStatus    = attribute.Key("status")
	keyErrorKind = attribute.Key("error_kind")
	keyStepKind  = attribute.Key("step_kind")
	keyAction    = attribute.Key("action")
)

// ScenarioSample is one finished scenario.
type ScenarioSample struct {
	Suite     string
	Status    string
	ErrorKind string
	Duration  time.Duration
}

// StepSample is one finished step. Kind groups actions (browser, assertion,
// http, control).
type StepSample struct {
	Suite     string
	Action    string
	Kind      string
	Status    string
	ErrorKind string
	Duration  time.Duration
}

// RunSample summarizes a finished suite run.
type RunSample struct {
	Suite    string
	Passed   int
	Failed   int
	Skipped  int
	PassRate float64
}

// Telemetry carries the tracer and the harness instruments.
// A disabled or nil Telemetry is safe to use; every method is a no-op.
type Telemetry struct {
	enabled bool
	tracer  trace.Tracer

	scenarios        metric.Int64Counter
	scenarioDuration metric.Float64Histogram
	steps            metric.Int64Counter
	stepDuration     metric.Float64Histogram
	failures         metric.Int64Counter
	passRate         metric.Float64Gauge
}

// Disabled returns a Telemetry that records nothing.
func Disabled() *Telemetry {
	return &Telemetry{}
}

// Init wires OTLP/gRPC trace and metric exporters. Telemetry is enabled by
// E2E_OTEL_ENABLED or by setting an endpoint.
func Init(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Telemetry, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTelEndpoint)
	if !cfg.OTelEnabled && endpoint == "" {
		return Disabled(), func(context.Context) error { return nil }, nil
	}
	if endpoint == "" {
		return nil, nil, errors.New("otel endpoint required when telemetry is enabled")
	}

	spans, readings, err := newExporters(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(ctx, resource.WithFromEnv(), resource.WithAttributes(buildResourceAttributes(cfg)...))
	if err != nil {
		return nil, nil, errors.Wrap(err, "otel resource")
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(spans))
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(readings)))
	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	t, err := newInstruments(meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, nil, err
	}
	t.tracer = tracerProvider.Tracer(instrumentationName)

	logger.Info("otel enabled", zap.String("endpoint", endpoint), zap.Bool("insecure", cfg.OTelInsecure))
	shutdown := func(ctx context.Context) error {
		return shutdownAll(ctx, tracerProvider.Shutdown, meterProvider.Shutdown)
	}
	return t, shutdown, nil
}

func newInstruments(meter metric.Meter) (*Telemetry, error) {
	t := &Telemetry{enabled: true}
	var err error
	if t.scenarios, err = meter.Int64Counter("e2e_scenarios_total", metric.WithDescription("Scenarios finished, by status.")); err != nil {
		return nil, errors.Wrap(err, "e2e_scenarios_total")
	}
	if t.scenarioDuration, err = meter.Float64Histogram("e2e_scenario_duration_seconds", metric.WithUnit("s")); err != nil {
		return nil, errors.Wrap(err, "e2e_scenario_duration_seconds")
	}
	if t.steps, err = meter.Int64Counter("e2e_steps_total", metric.WithDescription("Steps finished, by action and step kind.")); err != nil {
		return nil, errors.Wrap(err, "e2e_steps_total")
	}
	if t.stepDuration, err = meter.Float64Histogram("e2e_step_duration_seconds", metric.WithUnit("s")); err != nil {
		return nil, errors.Wrap(err, "e2e_step_duration_seconds")
	}
	if t.failures, err = meter.Int64Counter("e2e_failures_total", metric.WithDescription("Failed steps, by error kind.")); err != nil {
		return nil, errors.Wrap(err, "e2e_failures_total")
	}
	if t.passRate, err = meter.Float64Gauge("e2e_pass_rate", metric.WithDescription("Pass rate of the last run, 0 to 1.")); err != nil {
		return nil, errors.Wrap(err, "e2e_pass_rate")
	}
	return t, nil
}

// Enabled reports whether telemetry is active.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.enabled
}

// StartSpan starts a span with string attributes. Returns a nil span when
// disabled.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, trace.Span) {
	if !t.Enabled() {
		return ctx, nil
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(toAttributes(attrs)...))
}

// MarkSpan sets the span status and attributes; err marks it failed.
func (t *Telemetry) MarkSpan(span trace.Span, status string, err error, attrs map[string]string) {
	if !t.Enabled() || span == nil {
		return
	}
	span.SetAttributes(toAttributes(attrs)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, status)
}

// RecordScenario counts a finished scenario and its duration.
func (t *Telemetry) RecordScenario(ctx context.Context, s ScenarioSample) {
	if !t.Enabled() {
		return
	}
	opt := metric.WithAttributeSet(scenarioAttributes(s))
	t.scenarios.Add(ctx, 1, opt)
	t.scenarioDuration.Record(ctx, s.Duration.Seconds(), opt)
}

// RecordStep counts a finished step. Steps with an error kind also count
// toward e2e_failures_total.
func (t *Telemetry) RecordStep(ctx context.Context, s StepSample) {
	if !t.Enabled() {
		return
	}
	opt := metric.WithAttributeSet(stepAttributes(s))
	t.steps.Add(ctx, 1, opt)
	t.stepDuration.Record(ctx, s.Duration.Seconds(), opt)
	if s.ErrorKind != "" {
		t.failures.Add(ctx, 1, metric.WithAttributes(keySuite.String(s.Suite), keyStepKind.String(s.Kind), keyErrorKind.String(s.ErrorKind)))
	}
}

// RecordRun publishes the pass rate of a finished run.
func (t *Telemetry) RecordRun(ctx context.Context, s RunSample) {
	if !t.Enabled() {
		return
	}
	t.passRate.Record(ctx, s.PassRate, metric.WithAttributes(keySuite.String(s.Suite)))
}

func scenarioAttributes(s ScenarioSample) attribute.Set {
	kvs := []attribute.KeyValue{keySuite.String(s.Suite), keyStatus.String(s.Status)}
	if s.ErrorKind != "" {
		kvs = append(kvs, keyErrorKind.String(s.ErrorKind))
	}
	return attribute.NewSet(kvs...)
}

func stepAttributes(s StepSample) attribute.Set {
	kvs := []attribute.KeyValue{
		keySuite.String(s.Suite),
		keyAction.String(s.Action),
		keyStepKind.String(s.Kind),
		keyStatus.String(s.Status),
	}
	if s.ErrorKind != "" {
		kvs = append(kvs, keyErrorKind.String(s.ErrorKind))
	}
	return attribute.NewSet(kvs...)
}

// newExporters builds both OTLP exporters against the same collector.
func newExporters(ctx context.Context, cfg *config.Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTelEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTelEndpoint)}
	if cfg.OTelInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	if headers := parseKeyValueList(cfg.OTelHeaders); len(headers) > 0 {
		traceOpts = append(traceOpts, otlptracegrpc.WithHeaders(headers))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithHeaders(headers))
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "otlp trace exporter")
	}
	readings, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "otlp metric exporter")
	}
	return spans, readings, nil
}

func shutdownAll(ctx context.Context, fns ...func(context.Context) error) error {
	var failed []string
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("otel shutdown: %s", strings.Join(failed, "; "))
	}
	return nil
}

func buildResourceAttributes(cfg *config.Config) []attribute.KeyValue {
	service := strings.TrimSpace(cfg.OTelServiceName)
	if service == "" {
		service = instrumentationName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(service),
		attribute.String("e2e.run_id", cfg.RunID),
		attribute.String("e2e.base_url", cfg.BaseURL),
		attribute.String("e2e.api_url", cfg.APIURL),
	}
	for key, value := range parseKeyValueList(cfg.OTelResourceAttrs) {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}

// parseKeyValueList reads "k1=v1,k2=v2", dropping malformed pairs.
func parseKeyValueList(value string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		key, val, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(val)
	}
	return out
}

func toAttributes(attrs map[string]string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for key, value := range attrs {
		kvs = append(kvs, attribute.String(key, value))
	}
	return kvs
}
