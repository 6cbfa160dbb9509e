package steps

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/failure"
	"github.com/scholarai/scholarai/e2e/framework/spec"
)

// Text match modes for assert-text.
const (
	MatchContains = "contains"
	MatchEquals   = "equals"
	MatchRegex    = "regex"
)

// RegisterAssertionHandlers registers the polling assertions.
func RegisterAssertionHandlers(reg *Registry) {
	reg.Register(spec.ActionAssertVisible, handleAssertVisible)
	reg.Register(spec.ActionAssertNotVisible, handleAssertNotVisible)
	reg.Register(spec.ActionAssertText, handleAssertText)
	reg.Register(spec.ActionAssertCount, handleAssertCount)
	reg.Register(spec.ActionAssertAttribute, handleAssertAttribute)
	reg.Register(spec.ActionAssertURLMatches, handleAssertURLMatches)
	reg.Register(spec.ActionCaptureCount, handleCaptureCount)
	reg.Register(spec.ActionOptionalAssertion, func(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
		return handleOptionalAssertion(ctx, exec, step, reg)
	})
}

func visibility(visible bool) string {
	if visible {
		return "visible"
	}
	return "not visible"
}

func handleAssertVisible(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	return assertVisibility(ctx, exec, step, true)
}

func handleAssertNotVisible(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	return assertVisibility(ctx, exec, step, false)
}

func assertVisibility(ctx context.Context, exec *Context, step spec.StepSpec, want bool) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	target := exec.Expand(step.Target)
	_, err := exec.observe(ctx, step, target, visibility(want), func(ctx context.Context) (string, bool, error) {
		visible, err := exec.Driver.QueryVisible(ctx, target)
		if err != nil {
			return "", false, err
		}
		return visibility(visible), visible == want, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"state": visibility(want)}, nil
}

type textMatcher struct {
	mode       string
	expected   string
	ignoreCase bool
	pattern    *regexp.Regexp
}

func newTextMatcher(exec *Context, step spec.StepSpec) (*textMatcher, error) {
	m := &textMatcher{mode: MatchContains, expected: exec.Expand(step.Value), ignoreCase: getBool(step.With, "ignoreCase", false)}
	switch {
	case getString(step.With, "equals", "") != "":
		m.mode, m.expected = MatchEquals, exec.Expand(getString(step.With, "equals", ""))
	case getString(step.With, "matches", "") != "":
		m.mode, m.expected = MatchRegex, exec.Expand(getString(step.With, "matches", ""))
	case getString(step.With, "contains", "") != "":
		m.expected = exec.Expand(getString(step.With, "contains", ""))
	case getString(step.With, "match", "") != "":
		m.mode = strings.ToLower(getString(step.With, "match", ""))
	}
	switch m.mode {
	case MatchContains, MatchEquals:
	case MatchRegex:
		expr := m.expected
		if m.ignoreCase {
			expr = "(?i)" + expr
		}
		pattern, err := regexp.Compile(expr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid text pattern %q", m.expected)
		}
		m.pattern = pattern
	default:
		return nil, errors.Errorf("unknown text match mode %q", m.mode)
	}
	return m, nil
}

func (m *textMatcher) describe() string {
	switch m.mode {
	case MatchEquals:
		return fmt.Sprintf("text equal to %q", m.expected)
	case MatchRegex:
		return fmt.Sprintf("text matching /%s/", m.expected)
	default:
		return fmt.Sprintf("text containing %q", m.expected)
	}
}

func (m *textMatcher) match(text string) bool {
	actual := strings.TrimSpace(text)
	expected := m.expected
	if m.ignoreCase && m.pattern == nil {
		actual, expected = strings.ToLower(actual), strings.ToLower(expected)
	}
	switch m.mode {
	case MatchEquals:
		return actual == strings.TrimSpace(expected)
	case MatchRegex:
		return m.pattern.MatchString(actual)
	default:
		return strings.Contains(actual, expected)
	}
}

func handleAssertText(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	matcher, err := newTextMatcher(exec, step)
	if err != nil {
		return nil, actionError(step, step.Target, err)
	}
	target := exec.Expand(step.Target)
	observed, err := exec.observe(ctx, step, target, matcher.describe(), func(ctx context.Context) (string, bool, error) {
		text, ok, err := exec.Driver.QueryText(ctx, target)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "<no element>", false, nil
		}
		return fmt.Sprintf("%q", text), matcher.match(text), nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"text": observed}, nil
}

// comparator is a count comparison.
type comparator struct {
	op    string
	apply func(actual, expected int) bool
	label string
}

var comparators = map[string]comparator{
	"eq":  {"eq", func(a, e int) bool { return a == e }, "=="},
	"gt":  {"gt", func(a, e int) bool { return a > e }, ">"},
	"gte": {"gte", func(a, e int) bool { return a >= e }, ">="},
	"lt":  {"lt", func(a, e int) bool { return a < e }, "<"},
	"lte": {"lte", func(a, e int) bool { return a <= e }, "<="},
}

func parseComparator(raw string) (comparator, error) {
	op := strings.ToLower(strings.TrimSpace(raw))
	switch op {
	case "", "==", "=":
		op = "eq"
	case ">":
		op = "gt"
	case ">=":
		op = "gte"
	case "<":
		op = "lt"
	case "<=":
		op = "lte"
	}
	cmp, ok := comparators[op]
	if !ok {
		return comparator{}, errors.Errorf("unknown comparator %q", raw)
	}
	return cmp, nil
}

// expectedCount resolves the comparison operand from `var` (a captured
// variable), `count`, or the step value.
func expectedCount(exec *Context, step spec.StepSpec) (int, string, error) {
	if name := getString(step.With, "var", ""); name != "" {
		raw, ok := exec.Vars[name]
		if !ok {
			return 0, "", errors.Errorf("variable %q was not captured", name)
		}
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return 0, "", errors.Wrapf(err, "variable %q is not a count", name)
		}
		return value, fmt.Sprintf("%d (${%s})", value, name), nil
	}
	raw := getString(step.With, "count", exec.Expand(step.Value))
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, "", errors.Wrapf(err, "invalid expected count %q", raw)
	}
	return value, strconv.Itoa(value), nil
}

func handleAssertCount(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	cmp, err := parseComparator(getString(step.With, "op", ""))
	if err != nil {
		return nil, actionError(step, step.Target, err)
	}
	expected, label, err := expectedCount(exec, step)
	if err != nil {
		return nil, actionError(step, step.Target, err)
	}
	target := exec.Expand(step.Target)
	observed, err := exec.observe(ctx, step, target, fmt.Sprintf("count %s %s", cmp.label, label), func(ctx context.Context) (string, bool, error) {
		count, err := exec.Driver.QueryCount(ctx, target)
		if err != nil {
			return "", false, err
		}
		return strconv.Itoa(count), cmp.apply(count, expected), nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"count": observed}, nil
}

func handleAssertAttribute(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	name := getString(step.With, "attribute", "")
	if name == "" {
		return nil, actionError(step, step.Target, errors.New("with.attribute is required"))
	}
	patternText := exec.Expand(getString(step.With, "matches", step.Value))
	pattern, err := regexp.Compile(patternText)
	if err != nil {
		return nil, actionError(step, step.Target, errors.Wrapf(err, "invalid attribute pattern %q", patternText))
	}
	target := exec.Expand(step.Target)
	observed, err := exec.observe(ctx, step, target, fmt.Sprintf("%s matching /%s/", name, patternText), func(ctx context.Context) (string, bool, error) {
		value, ok, err := exec.Driver.QueryAttribute(ctx, target, name)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "<missing>", false, nil
		}
		return fmt.Sprintf("%q", value), pattern.MatchString(value), nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{name: observed}, nil
}

func handleAssertURLMatches(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	patternText := exec.Expand(step.Value)
	if patternText == "" {
		patternText = exec.Expand(step.Target)
	}
	pattern, err := regexp.Compile(patternText)
	if err != nil {
		return nil, actionError(step, "", errors.Wrapf(err, "invalid url pattern %q", patternText))
	}
	observed, err := exec.observe(ctx, step, "", fmt.Sprintf("url matching /%s/", patternText), func(ctx context.Context) (string, bool, error) {
		url, err := exec.Driver.CurrentURL(ctx)
		if err != nil {
			return "", false, err
		}
		return url, pattern.MatchString(url), nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"url": observed}, nil
}

// handleCaptureCount stores the current count of target in a variable.
func handleCaptureCount(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	name := getString(step.With, "var", step.Value)
	if name == "" {
		return nil, actionError(step, step.Target, errors.New("capture-count needs a variable name in value or with.var"))
	}
	target := exec.Expand(step.Target)
	actionCtx, cancel, err := exec.withActionTimeout(ctx, step)
	if err != nil {
		return nil, err
	}
	defer cancel()
	count, err := exec.Driver.QueryCount(actionCtx, target)
	if err != nil {
		return nil, actionError(step, target, err)
	}
	exec.SetVar(name, strconv.Itoa(count))
	return map[string]string{name: strconv.Itoa(count)}, nil
}

// handleOptionalAssertion passes immediately when target matches nothing at
// evaluation time; otherwise the assertion named in with.assert runs with
// its usual semantics.
func handleOptionalAssertion(ctx context.Context, exec *Context, step spec.StepSpec, reg *Registry) (map[string]string, error) {
	if err := exec.requireDriver(step); err != nil {
		return nil, err
	}
	inner := getString(step.With, "assert", spec.ActionAssertVisible)
	if normalizeAction(inner) == spec.ActionOptionalAssertion || !spec.IsAssertion(inner) || !reg.Has(inner) {
		return nil, actionError(step, step.Target, errors.Errorf("optional-assertion cannot wrap %q", inner))
	}
	target := exec.Expand(step.Target)
	actionCtx, cancel, err := exec.withActionTimeout(ctx, spec.StepSpec{Action: spec.ActionClick, Timeout: step.Timeout})
	if err != nil {
		return nil, err
	}
	count, err := exec.Driver.QueryCount(actionCtx, target)
	cancel()
	if err != nil {
		return nil, actionError(step, target, err)
	}
	if count == 0 {
		exec.Logger.Debug("optional assertion target absent")
		return map[string]string{"absent": "true"}, nil
	}

	wrapped := step
	wrapped.Action = inner
	meta, err := reg.Execute(ctx, exec, wrapped)
	if meta == nil {
		meta = map[string]string{}
	}
	meta["absent"] = "false"
	if err != nil {
		var timeoutErr *failure.AssertionTimeout
		if errors.As(err, &timeoutErr) {
			timeoutErr.Assertion = spec.ActionOptionalAssertion + "/" + inner
		}
	}
	return meta, err
}
