package spec

import (
	"fmt"
	"strings"
	"time"
)

// Step actions understood by the step registry.
const (
	ActionNavigate          = "navigate"
	ActionFillInput         = "fill-input"
	ActionClick             = "click"
	ActionSelectOption      = "select-option"
	ActionScrollToBottom    = "scroll-to-bottom"
	ActionAssertVisible     = "assert-visible"
	ActionAssertNotVisible  = "assert-not-visible"
	ActionAssertText        = "assert-text"
	ActionAssertCount       = "assert-count"
	ActionAssertAttribute   = "assert-attribute"
	ActionAssertURLMatches  = "assert-url-matches"
	ActionWaitForCondition  = "wait-for-condition"
	ActionOptionalAssertion = "optional-assertion"
	ActionCaptureCount      = "capture-count"
	ActionCustom            = "custom-action"
	ActionHTTPRequest       = "http-request"
	ActionSleep             = "sleep"
	ActionProvisionUser     = "provision-user"
)

// Suite is a named, ordered group of scenarios sharing setup and teardown.
type Suite struct {
	APIVersion string     `json:"apiVersion" yaml:"apiVersion"`
	Kind       string     `json:"kind" yaml:"kind"`
	Metadata   Metadata   `json:"metadata" yaml:"metadata"`
	BaseURL    string     `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	Defaults   Defaults   `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Setup      []StepSpec `json:"setup,omitempty" yaml:"setup,omitempty"`
	Teardown   []StepSpec `json:"teardown,omitempty" yaml:"teardown,omitempty"`
	Scenarios  []Scenario `json:"scenarios" yaml:"scenarios"`
	SourceFile string     `json:"-" yaml:"-"`
}

// Metadata captures human-readable suite metadata.
type Metadata struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Owner       string   `json:"owner,omitempty" yaml:"owner,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Defaults overrides the run-wide step timeouts for one suite.
type Defaults struct {
	ActionTimeout    string `json:"actionTimeout,omitempty" yaml:"actionTimeout,omitempty"`
	AssertionTimeout string `json:"assertionTimeout,omitempty" yaml:"assertionTimeout,omitempty"`
	PollInterval     string `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty"`
}

// Scenario is one user-observable behavior expressed as ordered steps.
type Scenario struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	Timeout     string     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Setup       []StepSpec `json:"setup,omitempty" yaml:"setup,omitempty"`
	Teardown    []StepSpec `json:"teardown,omitempty" yaml:"teardown,omitempty"`
	Steps       []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec defines a single action or assertion.
type StepSpec struct {
	Name        string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Action      string                 `json:"action" yaml:"action"`
	Target      string                 `json:"target,omitempty" yaml:"target,omitempty"`
	Value       string                 `json:"value,omitempty" yaml:"value,omitempty"`
	Timeout     string                 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	With        map[string]interface{} `json:"with,omitempty" yaml:"with,omitempty"`
}

// Label returns the text used to identify the step in reports.
func (s StepSpec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Description != "" {
		return s.Description
	}
	if s.Target != "" {
		return s.Action + " " + s.Target
	}
	return s.Action
}

// IsAssertion reports whether the action is evaluated through the wait engine.
func IsAssertion(action string) bool {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionAssertVisible, ActionAssertNotVisible, ActionAssertText, ActionAssertCount,
		ActionAssertAttribute, ActionAssertURLMatches, ActionWaitForCondition, ActionOptionalAssertion:
		return true
	default:
		return false
	}
}

// NeedsBrowser reports whether the action talks to a driver session.
func NeedsBrowser(action string) bool {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionHTTPRequest, ActionSleep, ActionProvisionUser:
		return false
	default:
		return true
	}
}

// NeedsBrowser reports whether any step of the suite needs a driver session.
func (s Suite) NeedsBrowser() bool {
	groups := [][]StepSpec{s.Setup, s.Teardown}
	for _, scenario := range s.Scenarios {
		groups = append(groups, scenario.Setup, scenario.Steps, scenario.Teardown)
	}
	for _, group := range groups {
		for _, step := range group {
			if NeedsBrowser(step.Action) {
				return true
			}
		}
	}
	return false
}

// StepTimeout resolves the step timeout, falling back to the given default.
func (s StepSpec) StepTimeout(fallback time.Duration) (time.Duration, error) {
	return parseTimeout(s.Timeout, fallback)
}

// MatchesTags returns true if the scenario is allowed by include/exclude tags.
// Suite tags are inherited by every scenario.
func (s Scenario) MatchesTags(suiteTags []string, include []string, exclude []string) bool {
	if len(include) == 0 && len(exclude) == 0 {
		return true
	}
	tags := append(append([]string(nil), suiteTags...), s.Tags...)
	for _, tag := range exclude {
		for _, existing := range tags {
			if strings.EqualFold(tag, existing) {
				return false
			}
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, tag := range include {
		for _, existing := range tags {
			if strings.EqualFold(tag, existing) {
				return true
			}
		}
	}
	return false
}

func parseTimeout(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, errNonPositive(raw)
	}
	return parsed, nil
}

func errNonPositive(raw string) error {
	return fmt.Errorf("timeout %q must be positive", raw)
}
