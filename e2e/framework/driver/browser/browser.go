// Package browser implements driver.Driver on a headless Chrome session
// through chromedp.
package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/driver"
)

// Options configures browser sessions.
type Options struct {
	Headless     bool
	ExecPath     string
	WindowWidth  int
	WindowHeight int
	NoSandbox    bool
	Logger       logr.Logger
}

// Driver is a single browser tab. It is not safe for concurrent use;
// parallel scenarios each open their own Driver.
type Driver struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	log         logr.Logger
}

var (
	_ driver.Driver        = (*Driver)(nil)
	_ driver.Screenshotter = (*Driver)(nil)
	_ driver.Scroller      = (*Driver)(nil)
)

// New launches a browser bound to ctx and opens a tab.
func New(ctx context.Context, opts Options) (*Driver, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	width, height := opts.WindowWidth, opts.WindowHeight
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 800
	}
	allocOpts = append(allocOpts, chromedp.WindowSize(width, height))

	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("browser")

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			log.V(1).Info(fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			log.Error(nil, fmt.Sprintf(format, args...))
		}),
	)
	// The first Run allocates the browser on the long-lived tab context so
	// per-call deadlines never tear the session down.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, errors.Wrap(err, "start browser")
	}
	log.Info("browser session started", "headless", opts.Headless)
	return &Driver{ctx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc, log: log}, nil
}

// NewFactory returns a driver.Factory opening one browser per session.
func NewFactory(opts Options) driver.Factory {
	return func(ctx context.Context) (driver.Driver, error) {
		return New(ctx, opts)
	}
}

// run executes actions on the tab, bounded by the caller's deadline and
// cancellation.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SyntaxError") || strings.Contains(msg, "is not a valid") {
		return errors.Wrap(driver.ErrInvalidLocator, msg)
	}
	return err
}

func (d *Driver) interact(ctx context.Context, raw string, action func(sel string, opt chromedp.QueryOption) chromedp.Action) error {
	loc, err := ParseLocator(raw)
	if err != nil {
		return err
	}
	err = d.run(ctx,
		chromedp.WaitVisible(loc.Expr, loc.QueryOption()),
		action(loc.Expr, loc.QueryOption()),
	)
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(driver.ErrNotFound, "%q not interactable: %v", raw, err)
	}
	return err
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.log.V(1).Info("navigate", "url", url)
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *Driver) Fill(ctx context.Context, locator, value string) error {
	return d.interact(ctx, locator, func(sel string, opt chromedp.QueryOption) chromedp.Action {
		return chromedp.Tasks{
			chromedp.Clear(sel, opt),
			chromedp.SendKeys(sel, value, opt),
		}
	})
}

func (d *Driver) Click(ctx context.Context, locator string) error {
	return d.interact(ctx, locator, func(sel string, opt chromedp.QueryOption) chromedp.Action {
		return chromedp.Click(sel, opt, chromedp.NodeVisible)
	})
}

func (d *Driver) SelectOption(ctx context.Context, locator, value string) error {
	loc, err := ParseLocator(locator)
	if err != nil {
		return err
	}
	var selected bool
	if err := d.interact(ctx, locator, func(string, chromedp.QueryOption) chromedp.Action {
		return chromedp.Evaluate(selectScript(loc, value), &selected)
	}); err != nil {
		return err
	}
	if !selected {
		return errors.Errorf("option %q not available in %q", value, locator)
	}
	return nil
}

func (d *Driver) QueryVisible(ctx context.Context, locator string) (bool, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return false, err
	}
	var visible bool
	if err := d.run(ctx, chromedp.Evaluate(visibleScript(loc), &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

type lookup struct {
	OK    bool   `json:"ok"`
	Value string `json:"value"`
}

func (d *Driver) QueryText(ctx context.Context, locator string) (string, bool, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return "", false, err
	}
	var out lookup
	if err := d.run(ctx, chromedp.Evaluate(textScript(loc), &out)); err != nil {
		return "", false, err
	}
	return out.Value, out.OK, nil
}

func (d *Driver) QueryCount(ctx context.Context, locator string) (int, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return 0, err
	}
	var count int
	if err := d.run(ctx, chromedp.Evaluate(countScript(loc), &count)); err != nil {
		return 0, err
	}
	return count, nil
}

func (d *Driver) QueryAttribute(ctx context.Context, locator, name string) (string, bool, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return "", false, err
	}
	var out lookup
	if err := d.run(ctx, chromedp.Evaluate(attributeScript(loc, name), &out)); err != nil {
		return "", false, err
	}
	return out.Value, out.OK, nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := d.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Driver) ScrollToBottom(ctx context.Context) error {
	var ok bool
	return d.run(ctx, chromedp.Evaluate(scrollBottomJS, &ok))
}

// Close shuts the tab and the browser process.
func (d *Driver) Close() error {
	err := chromedp.Cancel(d.ctx)
	d.cancelTab()
	d.cancelAlloc()
	d.log.Info("browser session closed")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
