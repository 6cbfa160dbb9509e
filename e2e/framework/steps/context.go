package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/scholarai/scholarai/e2e/framework/artifacts"
	"github.com/scholarai/scholarai/e2e/framework/config"
	"github.com/scholarai/scholarai/e2e/framework/driver"
	"github.com/scholarai/scholarai/e2e/framework/failure"
	"github.com/scholarai/scholarai/e2e/framework/httpprobe"
	"github.com/scholarai/scholarai/e2e/framework/spec"
	"github.com/scholarai/scholarai/e2e/framework/wait"
)

// Fallback timeouts used when no config is supplied.
const (
	DefaultActionTimeout    = 5 * time.Second
	DefaultAssertionTimeout = 10 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
)

// ErrNoDriver is returned by browser steps when the run has no session.
var ErrNoDriver = errors.New("no browser session available")

// Timeouts holds the step defaults in effect for a suite.
type Timeouts struct {
	Action    time.Duration
	Assertion time.Duration
	Poll      time.Duration
}

// Context holds shared state for step execution. One Context belongs to one
// scenario; steps within it run sequentially.
type Context struct {
	RunID     string
	Suite     string
	Scenario  string
	Logger    *zap.Logger
	Artifacts *artifacts.Writer
	Config    *config.Config
	Driver    driver.Driver
	Probe     *httpprobe.Client
	Custom    *CustomActions
	Timeouts  Timeouts
	Clock     clock.Clock
	Vars      map[string]string
}

// NewContext creates the suite-level execution context.
func NewContext(runID string, logger *zap.Logger, writer *artifacts.Writer, cfg *config.Config, drv driver.Driver, probe *httpprobe.Client) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeouts := Timeouts{Action: DefaultActionTimeout, Assertion: DefaultAssertionTimeout, Poll: DefaultPollInterval}
	vars := make(map[string]string)
	if cfg != nil {
		if cfg.ActionTimeout > 0 {
			timeouts.Action = cfg.ActionTimeout
		}
		if cfg.AssertionTimeout > 0 {
			timeouts.Assertion = cfg.AssertionTimeout
		}
		if cfg.PollInterval > 0 {
			timeouts.Poll = cfg.PollInterval
		}
		for key, value := range cfg.StepVars() {
			vars[key] = value
		}
	}
	if runID != "" {
		vars["run_id"] = runID
	}
	return &Context{
		RunID:     runID,
		Logger:    logger,
		Artifacts: writer,
		Config:    cfg,
		Driver:    drv,
		Probe:     probe,
		Custom:    NewCustomActions(),
		Timeouts:  timeouts,
		Clock:     clock.RealClock{},
		Vars:      vars,
	}
}

// ApplySuite overlays a suite's defaults block and base URL.
func (c *Context) ApplySuite(suite *spec.Suite) error {
	if suite == nil {
		return nil
	}
	c.Suite = suite.Metadata.Name
	c.Vars["suite"] = suite.Metadata.Name
	if suite.BaseURL != "" {
		c.Vars["base_url"] = strings.TrimRight(c.Expand(suite.BaseURL), "/")
	}
	for _, item := range []struct {
		raw    string
		target *time.Duration
	}{
		{suite.Defaults.ActionTimeout, &c.Timeouts.Action},
		{suite.Defaults.AssertionTimeout, &c.Timeouts.Assertion},
		{suite.Defaults.PollInterval, &c.Timeouts.Poll},
	} {
		if strings.TrimSpace(item.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(item.raw))
		if err != nil || parsed <= 0 {
			return errors.Errorf("invalid suite default %q", item.raw)
		}
		*item.target = parsed
	}
	return nil
}

// ForScenario returns a child context with its own variable scope, bound to
// drv. Vars captured in suite setup are inherited.
func (c *Context) ForScenario(name string, drv driver.Driver) *Context {
	child := *c
	child.Scenario = name
	child.Driver = drv
	child.Logger = c.Logger.With(zap.String("scenario", name))
	child.Vars = make(map[string]string, len(c.Vars)+1)
	for key, value := range c.Vars {
		child.Vars[key] = value
	}
	child.Vars["scenario"] = name
	return &child
}

// Expand substitutes ${name} references from vars, then the environment.
func (c *Context) Expand(value string) string {
	return expandVars(value, c.Vars)
}

// SetVar stores a captured value for later steps.
func (c *Context) SetVar(key, value string) {
	if c.Vars == nil {
		c.Vars = make(map[string]string)
	}
	c.Vars[key] = value
}

// StepTimeout resolves a step's timeout against the action or assertion
// default for its kind.
func (c *Context) StepTimeout(step spec.StepSpec) (time.Duration, error) {
	fallback := c.Timeouts.Action
	if spec.IsAssertion(step.Action) {
		fallback = c.Timeouts.Assertion
	}
	timeout, err := step.StepTimeout(fallback)
	if err != nil {
		return 0, errors.Wrapf(err, "step %q", step.Label())
	}
	return timeout, nil
}

func (c *Context) waitOptions(timeout time.Duration) wait.Options {
	return wait.Options{
		Timeout:     timeout,
		Interval:    c.Timeouts.Poll,
		Factor:      1,
		MaxInterval: c.Timeouts.Poll,
		Clock:       c.Clock,
	}
}

func (c *Context) requireDriver(step spec.StepSpec) error {
	if c.Driver == nil {
		return &failure.ActionError{Action: step.Action, Target: step.Target, Err: ErrNoDriver}
	}
	return nil
}

// withActionTimeout bounds a single-shot action by the step timeout.
func (c *Context) withActionTimeout(ctx context.Context, step spec.StepSpec) (context.Context, context.CancelFunc, error) {
	timeout, err := c.StepTimeout(step)
	if err != nil {
		return nil, nil, err
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	return actionCtx, cancel, nil
}

// observe polls probe until it reports ok, converting expiry into an
// AssertionTimeout carrying expected and last observed values. Driver errors
// other than an invalid locator are treated as "not yet".
func (c *Context) observe(ctx context.Context, step spec.StepSpec, target, expected string, probe func(ctx context.Context) (string, bool, error)) (string, error) {
	timeout, err := c.StepTimeout(step)
	if err != nil {
		return "", err
	}
	cond := func(ctx context.Context) (string, bool, error) {
		observed, ok, err := probe(ctx)
		if err != nil {
			if errors.Is(err, driver.ErrInvalidLocator) || !isRetryable(err) {
				return observed, false, err
			}
			return observed, false, wait.Transient(err)
		}
		return observed, ok, nil
	}
	observed, err := wait.Until(ctx, cond, c.waitOptions(timeout))
	if err == nil {
		return observed, nil
	}
	var timeoutErr *wait.TimeoutError
	if errors.As(err, &timeoutErr) {
		last := fmt.Sprint(timeoutErr.Last)
		if timeoutErr.LastErr != nil {
			last = "error: " + timeoutErr.LastErr.Error()
		}
		return last, &failure.AssertionTimeout{
			Assertion: step.Action,
			Target:    target,
			Expected:  expected,
			Observed:  last,
			Elapsed:   timeoutErr.Elapsed,
			Err:       timeoutErr,
		}
	}
	var actionErr *failure.ActionError
	if errors.Is(err, wait.ErrCanceled) || errors.As(err, &actionErr) {
		return "", err
	}
	return "", &failure.ActionError{Action: step.Action, Target: target, Err: err}
}

// isRetryable reports whether an error from inside an assertion probe should
// be retried. Only plain driver query errors are; classified failures and a
// missing driver are final.
func isRetryable(err error) bool {
	if errors.Is(err, ErrNoDriver) {
		return false
	}
	return failure.KindOf(err) == failure.KindInternal
}

func actionError(step spec.StepSpec, target string, err error) error {
	if err == nil {
		return nil
	}
	return &failure.ActionError{Action: step.Action, Target: target, Err: err}
}
