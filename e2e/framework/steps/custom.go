package steps

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/scholarai/scholarai/e2e/framework/spec"
)

// CustomAction is a named escape hatch callable through custom-action steps.
type CustomAction func(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error)

// CustomActions is a name-indexed set of custom actions.
type CustomActions struct {
	mu      sync.RWMutex
	actions map[string]CustomAction
}

// NewCustomActions returns a set holding the built-in actions.
func NewCustomActions() *CustomActions {
	c := &CustomActions{actions: make(map[string]CustomAction)}
	c.Register("store-url", storeURL)
	c.Register("set-var", setVar)
	c.Register("log", logMessage)
	return c
}

// Register adds or replaces an action.
func (c *CustomActions) Register(name string, action CustomAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[strings.ToLower(strings.TrimSpace(name))] = action
}

// Lookup finds an action by name.
func (c *CustomActions) Lookup(name string) (CustomAction, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	action, ok := c.actions[strings.ToLower(strings.TrimSpace(name))]
	return action, ok
}

// Names lists the registered actions.
func (c *CustomActions) Names() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.actions))
	for name := range c.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// storeURL saves the current page URL into with.var (default "current_url").
func storeURL(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	url, err := exec.Driver.CurrentURL(ctx)
	if err != nil {
		return nil, err
	}
	name := getString(step.With, "var", "current_url")
	exec.SetVar(name, url)
	return map[string]string{name: url}, nil
}

func setVar(_ context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	values := getStringMap(step.With, "vars")
	for key, value := range values {
		exec.SetVar(key, exec.Expand(value))
	}
	return values, nil
}

func logMessage(_ context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	exec.Logger.Info(exec.Expand(getString(step.With, "message", step.Description)), zap.String("step", step.Label()))
	return nil, nil
}
