package steps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarai/scholarai/e2e/framework/driver"
	"github.com/scholarai/scholarai/e2e/framework/driver/drivertest"
	"github.com/scholarai/scholarai/e2e/framework/failure"
	"github.com/scholarai/scholarai/e2e/framework/httpprobe"
	"github.com/scholarai/scholarai/e2e/framework/spec"
	"github.com/scholarai/scholarai/e2e/framework/wait"
)

func newTestContext(t *testing.T, drv driver.Driver, probe *httpprobe.Client) *Context {
	t.Helper()
	exec := NewContext("run-1", nil, nil, nil, drv, probe)
	exec.Timeouts = Timeouts{Action: time.Second, Assertion: 2 * time.Second, Poll: 100 * time.Millisecond}
	exec.SetVar("base_url", "http://localhost:3000")
	return exec
}

func run(t *testing.T, exec *Context, step spec.StepSpec) (map[string]string, error) {
	t.Helper()
	return DefaultRegistry().Execute(context.Background(), exec, step)
}

func TestRegistryRejectsUnknownAction(t *testing.T) {
	reg := DefaultRegistry()
	assert.True(t, reg.Has(" Assert-Visible "))
	assert.False(t, reg.Has("hover"))
	assert.Contains(t, reg.Actions(), spec.ActionHTTPRequest)

	_, err := reg.Execute(context.Background(), newTestContext(t, nil, nil), spec.StepSpec{Action: "hover"})
	assert.ErrorContains(t, err, `no handler registered for action "hover"`)
}

func TestBrowserActions(t *testing.T) {
	drv := drivertest.New()
	drv.Page.Set("#email", drivertest.Element{})
	drv.Page.Set("#sort", drivertest.Element{Options: []string{"relevance", "date"}})
	drv.Page.OnClick("button[type=submit]", func(p *drivertest.Page) {
		p.SetURL("http://localhost:3000/dashboard")
	})
	drv.Page.Show("button[type=submit]", "Sign in")
	exec := newTestContext(t, drv, nil)
	exec.SetVar("fixture_email", "user@example.com")

	meta, err := run(t, exec, spec.StepSpec{Action: spec.ActionNavigate, Value: "/login"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/login", meta["url"])

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionFillInput, Target: "#email", Value: "${fixture_email}"})
	require.NoError(t, err)
	value, ok, err := drv.QueryAttribute(context.Background(), "#email", "value")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "user@example.com", value)

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionSelectOption, Target: "#sort", Value: "date"})
	require.NoError(t, err)
	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionSelectOption, Target: "#sort", Value: "citations"})
	assert.Equal(t, failure.KindAction, failure.KindOf(err))

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionClick, Target: "button[type=submit]"})
	require.NoError(t, err)
	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionAssertURLMatches, Value: "/dashboard$"})
	require.NoError(t, err)
}

func TestClickMissingElementIsActionError(t *testing.T) {
	exec := newTestContext(t, drivertest.New(), nil)
	_, err := run(t, exec, spec.StepSpec{Action: spec.ActionClick, Target: "#nope"})
	require.Error(t, err)
	assert.Equal(t, failure.KindAction, failure.KindOf(err))
	assert.True(t, errors.Is(err, driver.ErrNotFound))
}

func TestBrowserStepsWithoutDriver(t *testing.T) {
	exec := newTestContext(t, nil, nil)
	_, err := run(t, exec, spec.StepSpec{Action: spec.ActionAssertVisible, Target: "#x"})
	assert.True(t, errors.Is(err, ErrNoDriver))
}

func TestAssertVisiblePollsUntilElementAppears(t *testing.T) {
	drv := drivertest.New()
	exec := newTestContext(t, drv, nil)
	timer := time.AfterFunc(250*time.Millisecond, func() {
		drv.Page.Show(".results", "3 papers")
	})
	defer timer.Stop()

	start := time.Now()
	meta, err := run(t, exec, spec.StepSpec{Action: spec.ActionAssertVisible, Target: ".results"})
	require.NoError(t, err)
	assert.Equal(t, "visible", meta["state"])
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestAssertNotVisible(t *testing.T) {
	drv := drivertest.New()
	drv.Page.Set(".spinner", drivertest.Element{Hidden: true})
	exec := newTestContext(t, drv, nil)
	_, err := run(t, exec, spec.StepSpec{Action: spec.ActionAssertNotVisible, Target: ".spinner"})
	assert.NoError(t, err)
}

func TestAssertTextTimeoutReportsExpectedAndObserved(t *testing.T) {
	drv := drivertest.New()
	drv.Page.Show("h1", "Loading")
	exec := newTestContext(t, drv, nil)

	_, err := run(t, exec, spec.StepSpec{Action: spec.ActionAssertText, Target: "h1", Value: "Welcome", Timeout: "300ms"})
	require.Error(t, err)
	var timeoutErr *failure.AssertionTimeout
	require.True(t, errors.As(err, &timeoutErr), "got %v", err)
	assert.Equal(t, spec.ActionAssertText, timeoutErr.Assertion)
	assert.Equal(t, "h1", timeoutErr.Target)
	assert.Equal(t, `text containing "Welcome"`, timeoutErr.Expected)
	assert.Equal(t, `"Loading"`, timeoutErr.Observed)
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, 300*time.Millisecond)
	assert.Equal(t, failure.KindAssertionTimeout, failure.KindOf(err))
}

func TestAssertTextModes(t *testing.T) {
	drv := drivertest.New()
	drv.Page.Show("h1", "  Research Projects ")
	exec := newTestContext(t, drv, nil)

	cases := []map[string]interface{}{
		{"equals": "Research Projects"},
		{"matches": "^Research\\s+Proj"},
		{"contains": "research", "ignoreCase": true},
	}
	for _, with := range cases {
		_, err := run(t, exec, spec.StepSpec{Action: spec.ActionAssertText, Target: "h1", With: with})
		assert.NoError(t, err, "%v", with)
	}

	_, err := run(t, exec, spec.StepSpec{Action: spec.ActionAssertText, Target: "h1", With: map[string]interface{}{"matches": "("}})
	assert.Equal(t, failure.KindAction, failure.KindOf(err))
}

func TestInvalidLocatorFailsImmediately(t *testing.T) {
	exec := newTestContext(t, drivertest.New(), nil)
	start := time.Now()
	_, err := run(t, exec, spec.StepSpec{Action: spec.ActionAssertVisible, Target: "!!broken["})
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrInvalidLocator))
	assert.Equal(t, failure.KindAction, failure.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAssertCountAgainstCapturedValue(t *testing.T) {
	drv := drivertest.New()
	drv.Page.Set(".paper-card", drivertest.Element{Text: "a"}, drivertest.Element{Text: "b"})
	drv.Page.OnScroll(func(p *drivertest.Page) {
		p.Set(".paper-card", drivertest.Element{Text: "a"}, drivertest.Element{Text: "b"}, drivertest.Element{Text: "c"})
	})
	exec := newTestContext(t, drv, nil)

	meta, err := run(t, exec, spec.StepSpec{Action: spec.ActionCaptureCount, Target: ".paper-card", Value: "before"})
	require.NoError(t, err)
	assert.Equal(t, "2", meta["before"])
	assert.Equal(t, "2", exec.Vars["before"])

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionScrollToBottom, With: map[string]interface{}{"times": 2, "pause": "10ms"}})
	require.NoError(t, err)

	meta, err = run(t, exec, spec.StepSpec{Action: spec.ActionAssertCount, Target: ".paper-card", With: map[string]interface{}{"op": ">", "var": "before"}})
	require.NoError(t, err)
	assert.Equal(t, "3", meta["count"])

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionAssertCount, Target: ".paper-card", Value: "5", Timeout: "200ms", With: map[string]interface{}{"op": "gte"}})
	var timeoutErr *failure.AssertionTimeout
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "count >= 5", timeoutErr.Expected)
	assert.Equal(t, "3", timeoutErr.Observed)

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionAssertCount, Target: ".paper-card", With: map[string]interface{}{"var": "missing"}})
	assert.ErrorContains(t, err, `variable "missing" was not captured`)
}

func TestAssertAttribute(t *testing.T) {
	drv := drivertest.New()
	drv.Page.Set("a.pdf", drivertest.Element{Attrs: map[string]string{"href": "https://arxiv.org/pdf/1234.5678"}})
	exec := newTestContext(t, drv, nil)

	_, err := run(t, exec, spec.StepSpec{Action: spec.ActionAssertAttribute, Target: "a.pdf", Value: `\.pdf|/pdf/`, With: map[string]interface{}{"attribute": "href"}})
	require.NoError(t, err)

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionAssertAttribute, Target: "a.pdf", Value: "x", Timeout: "200ms", With: map[string]interface{}{"attribute": "download"}})
	var timeoutErr *failure.AssertionTimeout
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "<missing>", timeoutErr.Observed)
}

func TestOptionalAssertion(t *testing.T) {
	drv := drivertest.New()
	exec := newTestContext(t, drv, nil)
	step := spec.StepSpec{
		Action:  spec.ActionOptionalAssertion,
		Target:  ".ai-summary",
		Value:   "Summary",
		Timeout: "200ms",
		With:    map[string]interface{}{"assert": spec.ActionAssertText},
	}

	meta, err := run(t, exec, step)
	require.NoError(t, err)
	assert.Equal(t, "true", meta["absent"])

	drv.Page.Show(".ai-summary", "Summary: transformers")
	meta, err = run(t, exec, step)
	require.NoError(t, err)
	assert.Equal(t, "false", meta["absent"])

	drv.Page.Show(".ai-summary", "Generating")
	_, err = run(t, exec, step)
	var timeoutErr *failure.AssertionTimeout
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "optional-assertion/assert-text", timeoutErr.Assertion)

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionOptionalAssertion, Target: ".x", With: map[string]interface{}{"assert": spec.ActionClick}})
	assert.ErrorContains(t, err, "cannot wrap")
}

func TestWaitForCondition(t *testing.T) {
	drv := drivertest.New()
	drv.Page.SetURL("http://localhost:3000/papers")
	exec := newTestContext(t, drv, nil)
	timer := time.AfterFunc(200*time.Millisecond, func() {
		drv.Page.Set(".row", drivertest.Element{}, drivertest.Element{})
	})
	defer timer.Stop()

	meta, err := run(t, exec, spec.StepSpec{Action: spec.ActionWaitForCondition, Value: `count(".row") >= 2 && url() contains "/papers"`})
	require.NoError(t, err)
	assert.NotEqual(t, "1", meta["attempts"])

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionWaitForCondition, Value: `visible(".modal")`, Timeout: "200ms"})
	assert.Equal(t, failure.KindAssertionTimeout, failure.KindOf(err))

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionWaitForCondition, Value: `count(`})
	assert.Equal(t, failure.KindAction, failure.KindOf(err))

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionWaitForCondition, Value: `visible("!!bad")`})
	assert.True(t, errors.Is(err, driver.ErrInvalidLocator))
}

func TestWaitForConditionFailsFastOnFatalErrors(t *testing.T) {
	drv := drivertest.New()
	drv.Page.Show(".total", "many")
	exec := newTestContext(t, drv, nil)

	start := time.Now()
	_, err := run(t, exec, spec.StepSpec{Action: spec.ActionWaitForCondition, Value: `int(text(".total")) > 2`, Timeout: "5s"})
	require.Error(t, err)
	assert.Equal(t, failure.KindAction, failure.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)

	start = time.Now()
	_, err = run(t, newTestContext(t, nil, nil), spec.StepSpec{Action: spec.ActionWaitForCondition, Value: `visible(".modal")`, Timeout: "5s"})
	assert.Equal(t, failure.KindAction, failure.KindOf(err))
	assert.True(t, errors.Is(err, ErrNoDriver))
	assert.Less(t, time.Since(start), time.Second)

	_, err = run(t, newTestContext(t, nil, nil), spec.StepSpec{Action: spec.ActionWaitForCondition, Value: `vars.base_url != ""`})
	assert.NoError(t, err)
}

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/papers/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"query":  r.URL.Query().Get("q"),
			"papers": []map[string]string{{"id": "p-1", "title": "Attention"}},
			"total":  1,
		})
	})
	mux.HandleFunc("/api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPRequestExpectationsAndCapture(t *testing.T) {
	srv := newAPIServer(t)
	exec := newTestContext(t, nil, httpprobe.NewClient(httpprobe.Options{}))
	exec.SetVar("api_url", srv.URL)

	meta, err := run(t, exec, spec.StepSpec{
		Action: spec.ActionHTTPRequest,
		Target: "/api/papers/search?q=transformers",
		With: map[string]interface{}{
			"expect":  []interface{}{"status == 200", `body.query == "transformers"`, "len(body.papers) > 0"},
			"capture": map[string]interface{}{"paper_id": "body.papers[0].id"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "GET /api/papers/search?q=transformers", meta[MetaEndpoint])
	assert.Equal(t, "200", meta[MetaHTTPStatus])
	assert.Equal(t, "p-1", exec.Vars["paper_id"])

	meta, err = run(t, exec, spec.StepSpec{Action: spec.ActionHTTPRequest, Target: "/api/projects"})
	var assertErr *failure.AssertionError
	require.True(t, errors.As(err, &assertErr), "got %v", err)
	assert.Equal(t, "404", meta[MetaHTTPStatus])

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionHTTPRequest, Target: "/api/auth/register", With: map[string]interface{}{"status": 405}})
	assert.NoError(t, err)
}

func TestHTTPRequestTransportFailureKeepsEndpoint(t *testing.T) {
	exec := newTestContext(t, nil, httpprobe.NewClient(httpprobe.Options{}))
	meta, err := run(t, exec, spec.StepSpec{Action: spec.ActionHTTPRequest, Target: "http://127.0.0.1:1/health"})
	require.Error(t, err)
	assert.Equal(t, failure.KindTransport, failure.KindOf(err))
	assert.Equal(t, "GET /health", meta[MetaEndpoint])
	assert.Equal(t, "0", meta[MetaHTTPStatus])
}

func TestHTTPRequestHonorsStepTimeoutOverActionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(1500 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	exec := newTestContext(t, nil, httpprobe.NewClient(httpprobe.Options{BaseURL: srv.URL, Timeout: time.Second}))

	meta, err := run(t, exec, spec.StepSpec{Action: spec.ActionHTTPRequest, Target: "/api/slow", Timeout: "5s"})
	require.NoError(t, err)
	assert.Equal(t, "200", meta[MetaHTTPStatus])

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionHTTPRequest, Target: "/api/slow"})
	assert.Equal(t, failure.KindTransport, failure.KindOf(err))
}

func TestProvisionUser(t *testing.T) {
	srv := newAPIServer(t)
	exec := newTestContext(t, nil, httpprobe.NewClient(httpprobe.Options{BaseURL: srv.URL}))

	meta, err := run(t, exec, spec.StepSpec{Action: spec.ActionProvisionUser, With: map[string]interface{}{"prefix": "owner"}})
	require.NoError(t, err)
	assert.Contains(t, meta["owner_email"], "@example.com")
	assert.Equal(t, meta["owner_email"], exec.Vars["owner_email"])
	assert.Len(t, exec.Vars["owner_password"], 16)
}

func TestCustomActions(t *testing.T) {
	drv := drivertest.New()
	drv.Page.SetURL("http://localhost:3000/projects/42")
	exec := newTestContext(t, drv, nil)
	exec.Custom.Register("Mark", func(_ context.Context, exec *Context, _ spec.StepSpec) (map[string]string, error) {
		exec.SetVar("marked", "yes")
		return nil, nil
	})

	_, err := run(t, exec, spec.StepSpec{Action: spec.ActionCustom, Value: "store-url", With: map[string]interface{}{"var": "project_url"}})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/projects/42", exec.Vars["project_url"])

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionCustom, Value: "mark"})
	require.NoError(t, err)
	assert.Equal(t, "yes", exec.Vars["marked"])

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionCustom, Value: "teleport"})
	assert.ErrorContains(t, err, `unknown custom action "teleport"`)
}

func TestSleepHonorsCancellation(t *testing.T) {
	exec := newTestContext(t, nil, nil)
	meta, err := run(t, exec, spec.StepSpec{Action: spec.ActionSleep, Value: "10ms"})
	require.NoError(t, err)
	assert.Equal(t, "10ms", meta["slept"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DefaultRegistry().Execute(ctx, exec, spec.StepSpec{Action: spec.ActionSleep, Value: "1h"})
	assert.ErrorIs(t, err, wait.ErrCanceled)
	assert.Equal(t, failure.KindCanceled, failure.KindOf(err))

	_, err = run(t, exec, spec.StepSpec{Action: spec.ActionSleep, Value: "soon"})
	assert.Error(t, err)
}

func TestScenarioContextIsolatesVars(t *testing.T) {
	suite := newTestContext(t, nil, nil)
	require.NoError(t, suite.ApplySuite(&spec.Suite{
		Metadata: spec.Metadata{Name: "papers"},
		BaseURL:  "http://app.test/",
		Defaults: spec.Defaults{AssertionTimeout: "3s"},
	}))
	assert.Equal(t, "http://app.test", suite.Vars["base_url"])
	assert.Equal(t, 3*time.Second, suite.Timeouts.Assertion)

	a := suite.ForScenario("a", nil)
	b := suite.ForScenario("b", nil)
	a.SetVar("count", "1")
	assert.Empty(t, b.Vars["count"])
	assert.Empty(t, suite.Vars["count"])
	assert.Equal(t, "a", a.Vars["scenario"])

	assert.Error(t, suite.ApplySuite(&spec.Suite{Defaults: spec.Defaults{PollInterval: "-1s"}}))
}
