package wait

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	apiwait "k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// MinInterval is the smallest poll interval Until will use.
const MinInterval = 100 * time.Millisecond

// ErrCanceled is returned when the owning context is canceled mid-wait.
var ErrCanceled = errors.New("wait canceled")

// Condition reports the observed value and whether it satisfies the wait.
// Errors marked with Transient are retried; any other error aborts the wait.
type Condition[T any] func(ctx context.Context) (T, bool, error)

// Options controls polling.
type Options struct {
	Timeout     time.Duration
	Interval    time.Duration
	Factor      float64
	MaxInterval time.Duration
	Clock       clock.Clock
}

// TimeoutError is returned when the condition never held within the timeout.
type TimeoutError struct {
	Timeout  time.Duration
	Elapsed  time.Duration
	Attempts int
	Last     any
	LastErr  error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("condition not met after %s (%d attempts): last error: %v", e.Elapsed.Round(time.Millisecond), e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("condition not met after %s (%d attempts): last value: %v", e.Elapsed.Round(time.Millisecond), e.Attempts, e.Last)
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a "not yet" condition that should be retried.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var target *transientError
	return errors.As(err, &target)
}

// Until polls cond until it is satisfied, the timeout expires, a fatal error
// is returned, or ctx is done.
func Until[T any](ctx context.Context, cond Condition[T], opts Options) (T, error) {
	var zero T
	if opts.Timeout <= 0 {
		return zero, errors.Errorf("wait timeout must be positive, got %s", opts.Timeout)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	backoff := newBackoff(opts)

	start := clk.Now()
	deadline := start.Add(opts.Timeout)
	attempts := 0
	var last T
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return zero, errors.Wrap(ErrCanceled, err.Error())
		}
		value, ok, err := cond(ctx)
		attempts++
		switch {
		case err != nil && !IsTransient(err):
			return zero, err
		case err != nil:
			lastErr = err
		case ok:
			return value, nil
		default:
			last = value
			lastErr = nil
		}

		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return zero, &TimeoutError{
				Timeout:  opts.Timeout,
				Elapsed:  clk.Since(start),
				Attempts: attempts,
				Last:     last,
				LastErr:  lastErr,
			}
		}
		delay := backoff.Step()
		if delay > remaining {
			delay = remaining
		}
		timer := clk.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Wrap(ErrCanceled, ctx.Err().Error())
		case <-timer.C():
		}
	}
}

func newBackoff(opts Options) *apiwait.Backoff {
	interval := opts.Interval
	if interval < MinInterval {
		interval = MinInterval
	}
	factor := opts.Factor
	if factor < 1 {
		factor = 1
	}
	maxInterval := opts.MaxInterval
	if maxInterval < interval {
		maxInterval = interval
	}
	return &apiwait.Backoff{
		Duration: interval,
		Factor:   factor,
		Steps:    math.MaxInt32,
		Cap:      maxInterval,
	}
}
