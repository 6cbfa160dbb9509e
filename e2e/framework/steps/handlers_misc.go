package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/scholarai/scholarai/e2e/framework/fixtures"
	"github.com/scholarai/scholarai/e2e/framework/spec"
	"github.com/scholarai/scholarai/e2e/framework/wait"
)

// RegisterMiscHandlers registers utility steps.
func RegisterMiscHandlers(reg *Registry) {
	reg.Register(spec.ActionSleep, handleSleep)
	reg.Register(spec.ActionCustom, handleCustomAction)
	reg.Register(spec.ActionProvisionUser, handleProvisionUser)
}

func handleSleep(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	raw := getString(step.With, "duration", step.Value)
	duration, err := time.ParseDuration(raw)
	if raw == "" {
		return nil, fmt.Errorf("sleep duration is required")
	}
	if err != nil || duration <= 0 {
		return nil, fmt.Errorf("invalid sleep duration %q", raw)
	}

	timer := exec.Clock.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(wait.ErrCanceled, ctx.Err().Error())
	case <-timer.C():
	}

	return map[string]string{"slept": duration.String()}, nil
}

func handleCustomAction(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	name := getString(step.With, "name", step.Value)
	if name == "" {
		return nil, actionError(step, step.Target, errors.New("custom-action needs a name in value or with.name"))
	}
	action, ok := exec.Custom.Lookup(name)
	if !ok {
		return nil, actionError(step, step.Target, errors.Errorf("unknown custom action %q (known: %v)", name, exec.Custom.Names()))
	}
	meta, err := action(ctx, exec, step)
	if err != nil {
		return meta, actionError(step, name, err)
	}
	return meta, nil
}

// handleProvisionUser registers a fresh account and exposes it as
// ${<prefix>_email}, ${<prefix>_password} and ${<prefix>_name}.
func handleProvisionUser(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	prefix := getString(step.With, "prefix", "fixture")
	path := getString(step.With, "path", "")
	if path == "" && exec.Config != nil {
		path = exec.Config.RegisterPath
	}
	name := exec.Expand(getString(step.With, "name", ""))
	if name == "" && exec.Config != nil {
		name = exec.Config.FixtureName
	}
	user, err := fixtures.NewUser(exec.RunID, getString(step.With, "domain", ""), name)
	if err != nil {
		return nil, err
	}
	actionCtx, cancel, err := exec.withActionTimeout(ctx, step)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if _, err := fixtures.Register(actionCtx, exec.Probe, path, user); err != nil {
		return nil, err
	}
	for key, value := range user.Vars(prefix) {
		exec.SetVar(key, value)
	}
	exec.Logger.Info("provisioned test user", zap.String("email", user.Email))
	return map[string]string{prefix + "_email": user.Email}, nil
}
