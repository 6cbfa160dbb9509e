package spec_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarai/scholarai/e2e/framework/spec"
)

const authSuite = `
apiVersion: e2e.scholarai.dev/v1
kind: Suite
metadata:
  name: auth
  tags: [auth]
defaults:
  assertionTimeout: 15s
scenarios:
  - name: login existing user
    tags: [smoke]
    setup:
      - action: navigate
        target: ${base_url}/
    steps:
      - name: open login form
        action: click
        target: text=登录
      - action: fill-input
        target: '[name="email"]'
        value: test@example.com
      - action: assert-url-matches
        value: /dashboard|/$
        timeout: 20s
---
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSuitesReadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "auth.yaml", authSuite)
	writeFile(t, dir, "notes.txt", "ignored")

	suites, err := spec.LoadSuites(dir)
	require.NoError(t, err)
	require.Len(t, suites, 1)

	suite := suites[0]
	assert.Equal(t, "auth", suite.Metadata.Name)
	assert.Equal(t, "15s", suite.Defaults.AssertionTimeout)
	assert.Equal(t, filepath.Join(dir, "auth.yaml"), suite.SourceFile)
	require.Len(t, suite.Scenarios, 1)

	want := []spec.StepSpec{
		{Name: "open login form", Action: spec.ActionClick, Target: "text=登录"},
		{Action: spec.ActionFillInput, Target: `[name="email"]`, Value: "test@example.com"},
		{Action: spec.ActionAssertURLMatches, Value: "/dashboard|/$", Timeout: "20s"},
	}
	if diff := cmp.Diff(want, suite.Scenarios[0].Steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}

	timeout, err := suite.Scenarios[0].Steps[2].StepTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, timeout)
	timeout, err = suite.Scenarios[0].Steps[0].StepTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)
}

func TestParseRejectsInvalidSuites(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "unknown action",
			body: `
kind: Suite
metadata: {name: broken}
scenarios:
  - name: s
    steps:
      - action: hover
        target: a
`,
		},
		{
			name: "unknown field",
			body: `
kind: Suite
metadata: {name: broken}
scenarios:
  - name: s
    retries: 3
    steps: []
`,
		},
		{
			name: "zero timeout",
			body: `
kind: Suite
metadata: {name: broken}
scenarios:
  - name: s
    steps:
      - action: click
        target: button
        timeout: 0s
`,
		},
		{
			name: "missing target",
			body: `
kind: Suite
metadata: {name: broken}
scenarios:
  - name: s
    steps:
      - action: click
`,
		},
		{
			name: "duplicate scenario",
			body: `
kind: Suite
metadata: {name: broken}
scenarios:
  - name: s
    steps: []
  - name: S
    steps: []
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := spec.Parse([]byte(tt.body))
			assert.ErrorIs(t, err, spec.ErrInvalidSuite)
		})
	}
}

func TestMatchesTagsInheritsSuiteTags(t *testing.T) {
	scenario := spec.Scenario{Name: "send message", Tags: []string{"chat"}}

	assert.True(t, scenario.MatchesTags([]string{"ai"}, nil, nil))
	assert.True(t, scenario.MatchesTags([]string{"ai"}, []string{"AI"}, nil))
	assert.True(t, scenario.MatchesTags([]string{"ai"}, []string{"chat"}, nil))
	assert.False(t, scenario.MatchesTags([]string{"ai"}, []string{"auth"}, nil))
	assert.False(t, scenario.MatchesTags([]string{"ai"}, nil, []string{"ai"}))
}

func TestIsAssertion(t *testing.T) {
	assert.True(t, spec.IsAssertion(spec.ActionAssertVisible))
	assert.True(t, spec.IsAssertion(spec.ActionWaitForCondition))
	assert.False(t, spec.IsAssertion(spec.ActionClick))
	assert.False(t, spec.IsAssertion(spec.ActionHTTPRequest))
}

func TestNeedsBrowser(t *testing.T) {
	api := spec.Suite{Scenarios: []spec.Scenario{{Name: "health", Steps: []spec.StepSpec{{Action: spec.ActionHTTPRequest, Target: "/health"}}}}}
	assert.False(t, api.NeedsBrowser())

	api.Teardown = []spec.StepSpec{{Action: spec.ActionNavigate, Value: "/logout"}}
	assert.True(t, api.NeedsBrowser())
}

func TestBundledSuitesAreValid(t *testing.T) {
	suites, err := spec.LoadSuites(filepath.Join("..", "..", "specs"))
	require.NoError(t, err)

	names := make([]string, 0, len(suites))
	for _, suite := range suites {
		names = append(names, suite.Metadata.Name)
		assert.NotEmpty(t, suite.Scenarios, suite.Metadata.Name)
	}
	assert.ElementsMatch(t, []string{"ai-assistant", "api-smoke", "auth", "favorites", "papers", "projects"}, names)
	for _, suite := range suites {
		if suite.Metadata.Name == "api-smoke" {
			assert.False(t, suite.NeedsBrowser())
		}
	}
}
