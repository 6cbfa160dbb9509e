package steps

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/driver"
	"github.com/scholarai/scholarai/e2e/framework/spec"
	"github.com/scholarai/scholarai/e2e/framework/wait"
)

// RegisterBrowserHandlers registers the single-shot driver actions.
func RegisterBrowserHandlers(reg *Registry) {
	reg.Register(spec.ActionNavigate, handleNavigate)
	reg.Register(spec.ActionFillInput, handleFillInput)
	reg.Register(spec.ActionClick, handleClick)
	reg.Register(spec.ActionSelectOption, handleSelectOption)
	reg.Register(spec.ActionScrollToBottom, handleScrollToBottom)
}

// resolveURL makes relative paths absolute against the base URL.
func resolveURL(exec *Context, raw string) string {
	target := exec.Expand(strings.TrimSpace(raw))
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "about:") {
		return target
	}
	base := strings.TrimRight(exec.Vars["base_url"], "/")
	if base == "" {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return base + target
}

func handleNavigate(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	raw := step.Value
	if raw == "" {
		raw = step.Target
	}
	url := resolveURL(exec, raw)
	actionCtx, cancel, err := exec.withActionTimeout(ctx, step)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if err := exec.Driver.Navigate(actionCtx, url); err != nil {
		return map[string]string{"url": url}, actionError(step, url, err)
	}
	return map[string]string{"url": url}, nil
}

func handleFillInput(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	target := exec.Expand(step.Target)
	value := exec.Expand(step.Value)
	actionCtx, cancel, err := exec.withActionTimeout(ctx, step)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if err := exec.Driver.Fill(actionCtx, target, value); err != nil {
		return nil, actionError(step, target, err)
	}
	return map[string]string{"length": strconv.Itoa(len(value))}, nil
}

func handleClick(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	target := exec.Expand(step.Target)
	actionCtx, cancel, err := exec.withActionTimeout(ctx, step)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if err := exec.Driver.Click(actionCtx, target); err != nil {
		return nil, actionError(step, target, err)
	}
	return nil, nil
}

func handleSelectOption(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	target := exec.Expand(step.Target)
	value := exec.Expand(step.Value)
	actionCtx, cancel, err := exec.withActionTimeout(ctx, step)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if err := exec.Driver.SelectOption(actionCtx, target, value); err != nil {
		return nil, actionError(step, target, err)
	}
	return map[string]string{"selected": value}, nil
}

// handleScrollToBottom scrolls `times` times, pausing between scrolls so
// infinite lists can load the next page.
func handleScrollToBottom(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	scroller, ok := exec.Driver.(driver.Scroller)
	if !ok {
		return nil, actionError(step, "", errors.New("driver cannot scroll"))
	}
	times := getInt(step.With, "times", 1)
	if times < 1 {
		times = 1
	}
	pause := getDuration(step.With, "pause", 500*time.Millisecond)

	for i := 0; i < times; i++ {
		actionCtx, cancel, err := exec.withActionTimeout(ctx, step)
		if err != nil {
			return nil, err
		}
		err = scroller.ScrollToBottom(actionCtx)
		cancel()
		if err != nil {
			return nil, actionError(step, "", err)
		}
		if i == times-1 || pause <= 0 {
			continue
		}
		timer := exec.Clock.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrap(wait.ErrCanceled, ctx.Err().Error())
		case <-timer.C():
		}
	}
	return map[string]string{"scrolls": strconv.Itoa(times)}, nil
}
