package steps

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/failure"
	"github.com/scholarai/scholarai/e2e/framework/httpprobe"
	"github.com/scholarai/scholarai/e2e/framework/report"
	"github.com/scholarai/scholarai/e2e/framework/spec"
)

// Metadata keys set by http-request. The report renders probe scenarios
// from these.
const (
	MetaEndpoint   = report.MetaEndpoint
	MetaHTTPStatus = report.MetaHTTPStatus
)

// RegisterHTTPHandlers registers direct API probes.
func RegisterHTTPHandlers(reg *Registry) {
	reg.Register(spec.ActionHTTPRequest, handleHTTPRequest)
}

// requestPath returns the path and query shown in reports for target.
func requestPath(target string) string {
	if idx := strings.Index(target, "://"); idx >= 0 {
		rest := target[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			return rest[slash:]
		}
		return "/"
	}
	return target
}

func handleHTTPRequest(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if exec.Probe == nil {
		return nil, actionError(step, step.Target, errors.New("no HTTP probe configured"))
	}
	method := strings.ToUpper(getString(step.With, "method", http.MethodGet))
	target := exec.Expand(step.Target)
	if target == "" {
		target = exec.Expand(step.Value)
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		if base := strings.TrimRight(exec.Vars["api_url"], "/"); base != "" {
			if !strings.HasPrefix(target, "/") {
				target = "/" + target
			}
			target = base + target
		}
	}
	meta := map[string]string{
		MetaEndpoint:   fmt.Sprintf("%s %s", method, requestPath(target)),
		MetaHTTPStatus: "0",
	}

	var body interface{}
	if raw, ok := step.With["body"]; ok && raw != nil {
		body = expandValue(raw, exec.Vars)
	}
	actionCtx, cancel, err := exec.withActionTimeout(ctx, step)
	if err != nil {
		return meta, err
	}
	defer cancel()
	resp, err := exec.Probe.Do(actionCtx, method, target, body, getStringMap(step.With, "headers"))
	if err != nil {
		return meta, err
	}
	meta[MetaHTTPStatus] = strconv.Itoa(resp.Status)
	meta["duration"] = resp.Duration.String()

	if err := checkResponse(exec, step, resp); err != nil {
		return meta, err
	}
	if err := captureResponse(exec, step, resp, meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// checkResponse applies the status, ok, and expression expectations. With
// no expectations a 2xx status is required.
func checkResponse(exec *Context, step spec.StepSpec, resp *httpprobe.Response) error {
	assertion := spec.ActionHTTPRequest
	_, hasStatus := step.With["status"]
	_, hasOK := step.With["ok"]
	if hasStatus {
		want := getInt(step.With, "status", 0)
		if resp.Status != want {
			return &failure.AssertionError{Assertion: assertion + " status", Expected: strconv.Itoa(want), Observed: strconv.Itoa(resp.Status)}
		}
	}
	if hasOK || !hasStatus {
		want := getBool(step.With, "ok", true)
		if resp.OK != want {
			return &failure.AssertionError{Assertion: assertion + " ok", Expected: strconv.FormatBool(want), Observed: fmt.Sprintf("%t (status %d)", resp.OK, resp.Status)}
		}
	}
	for _, source := range expectations(step.With) {
		env := responseEnv(exec, resp)
		program, err := expr.Compile(source, expr.Env(env), expr.AsBool())
		if err != nil {
			return errors.Wrapf(err, "compile expectation %q", source)
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return &failure.AssertionError{Assertion: assertion + " expect", Expected: source, Observed: err.Error()}
		}
		if ok, _ := out.(bool); !ok {
			return &failure.AssertionError{Assertion: assertion + " expect", Expected: source, Observed: truncate(string(resp.Body), 200)}
		}
	}
	return nil
}

// captureResponse stores expression results as variables.
func captureResponse(exec *Context, step spec.StepSpec, resp *httpprobe.Response, meta map[string]string) error {
	for name, raw := range getStringMap(step.With, "capture") {
		env := responseEnv(exec, resp)
		out, err := expr.Eval(raw, env)
		if err != nil {
			return errors.Wrapf(err, "capture %s", name)
		}
		value := fmt.Sprint(out)
		exec.SetVar(name, value)
		meta["captured."+name] = value
	}
	return nil
}

func expectations(params map[string]interface{}) []string {
	switch typed := params["expect"].(type) {
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil
		}
		return []string{typed}
	case []interface{}:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func responseEnv(exec *Context, resp *httpprobe.Response) map[string]interface{} {
	headers := make(map[string]interface{}, len(resp.Headers))
	for key := range resp.Headers {
		headers[strings.ToLower(key)] = resp.Headers.Get(key)
	}
	vars := make(map[string]interface{}, len(exec.Vars))
	for key, value := range exec.Vars {
		vars[key] = value
	}
	return map[string]interface{}{
		"status":  resp.Status,
		"ok":      resp.OK,
		"body":    resp.JSON,
		"text":    string(resp.Body),
		"headers": headers,
		"vars":    vars,
	}
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
