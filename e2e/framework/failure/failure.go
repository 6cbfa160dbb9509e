package failure

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/wait"
)

// Kind classifies a step or scenario failure for reporting.
type Kind string

const (
	KindNone             Kind = ""
	KindAction           Kind = "action"
	KindAssertionTimeout Kind = "assertion_timeout"
	KindAssertion        Kind = "assertion"
	KindSetup            Kind = "setup"
	KindTransport        Kind = "transport"
	KindCanceled         Kind = "canceled"
	KindInternal         Kind = "internal"
)

// ActionError reports a driver action that failed outright.
type ActionError struct {
	Action string
	Target string
	Err    error
}

func (e *ActionError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("%s %q failed: %v", e.Action, e.Target, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// AssertionTimeout reports a condition that never held within its budget.
type AssertionTimeout struct {
	Assertion string
	Target    string
	Expected  string
	Observed  string
	Elapsed   time.Duration
	Err       error
}

func (e *AssertionTimeout) Error() string {
	msg := fmt.Sprintf("%s timed out after %s: expected %s, observed %s", e.Assertion, e.Elapsed.Round(time.Millisecond), e.Expected, e.Observed)
	if e.Target != "" {
		msg = fmt.Sprintf("%s %q timed out after %s: expected %s, observed %s", e.Assertion, e.Target, e.Elapsed.Round(time.Millisecond), e.Expected, e.Observed)
	}
	return msg
}

func (e *AssertionTimeout) Unwrap() error { return e.Err }

// AssertionError reports a single-shot comparison that did not hold.
type AssertionError struct {
	Assertion string
	Expected  string
	Observed  string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, observed %s", e.Assertion, e.Expected, e.Observed)
}

// SetupError reports a failed suite or scenario precondition.
type SetupError struct {
	Phase    string
	Scenario string
	Err      error
}

func (e *SetupError) Error() string {
	if e.Scenario == "" {
		return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s failed for %s: %v", e.Phase, e.Scenario, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// TransportError reports a network failure talking to the system under test.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// KindOf returns the failure class of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		actionErr    *ActionError
		timeoutErr   *AssertionTimeout
		assertErr    *AssertionError
		setupErr     *SetupError
		transportErr *TransportError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, wait.ErrCanceled):
		return KindCanceled
	case errors.As(err, &setupErr):
		return KindSetup
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &timeoutErr):
		return KindAssertionTimeout
	case errors.As(err, &assertErr):
		return KindAssertion
	case errors.As(err, &actionErr):
		return KindAction
	default:
		return KindInternal
	}
}
