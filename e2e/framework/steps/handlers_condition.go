package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/spec"
)

// RegisterConditionHandlers registers wait-for-condition.
func RegisterConditionHandlers(reg *Registry) {
	reg.Register(spec.ActionWaitForCondition, handleWaitForCondition)
}

// pageEnv exposes driver queries to condition expressions. Query errors are
// kept aside so the poll loop can classify them; the expression just sees a
// zero value.
type pageEnv struct {
	exec *Context
	ctx  context.Context
	err  error
}

func (p *pageEnv) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *pageEnv) env() map[string]interface{} {
	vars := make(map[string]interface{}, len(p.exec.Vars))
	for key, value := range p.exec.Vars {
		vars[key] = value
	}
	return map[string]interface{}{
		"vars": vars,
		"visible": func(sel string) bool {
			if p.exec.Driver == nil {
				p.fail(ErrNoDriver)
				return false
			}
			visible, err := p.exec.Driver.QueryVisible(p.ctx, p.exec.Expand(sel))
			if err != nil {
				p.fail(err)
			}
			return visible
		},
		"count": func(sel string) int {
			if p.exec.Driver == nil {
				p.fail(ErrNoDriver)
				return 0
			}
			count, err := p.exec.Driver.QueryCount(p.ctx, p.exec.Expand(sel))
			if err != nil {
				p.fail(err)
			}
			return count
		},
		"text": func(sel string) string {
			if p.exec.Driver == nil {
				p.fail(ErrNoDriver)
				return ""
			}
			text, _, err := p.exec.Driver.QueryText(p.ctx, p.exec.Expand(sel))
			if err != nil {
				p.fail(err)
			}
			return text
		},
		"url": func() string {
			if p.exec.Driver == nil {
				p.fail(ErrNoDriver)
				return ""
			}
			url, err := p.exec.Driver.CurrentURL(p.ctx)
			if err != nil {
				p.fail(err)
			}
			return url
		},
	}
}

func compileCondition(source string, env map[string]interface{}) (*vm.Program, error) {
	program, err := expr.Compile(source, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, errors.Wrapf(err, "compile condition %q", source)
	}
	return program, nil
}

func handleWaitForCondition(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	source := strings.TrimSpace(getString(step.With, "expr", step.Value))
	if source == "" {
		return nil, actionError(step, "", errors.New("wait-for-condition needs an expression in value or with.expr"))
	}
	page := &pageEnv{exec: exec, ctx: ctx}
	program, err := compileCondition(source, page.env())
	if err != nil {
		return nil, actionError(step, "", err)
	}

	attempts := 0
	_, err = exec.observe(ctx, step, "", source, func(ctx context.Context) (string, bool, error) {
		attempts++
		page.ctx, page.err = ctx, nil
		out, runErr := expr.Run(program, page.env())
		if page.err != nil {
			if errors.Is(page.err, ErrNoDriver) {
				return "error", false, actionError(step, "", page.err)
			}
			return "error", false, page.err
		}
		if runErr != nil {
			return "error", false, actionError(step, "", errors.Wrapf(runErr, "evaluate condition %q", source))
		}
		ok, _ := out.(bool)
		return fmt.Sprint(ok), ok, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"attempts": fmt.Sprint(attempts)}, nil
}
