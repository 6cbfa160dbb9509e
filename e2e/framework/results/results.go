package results

import (
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Status indicates outcome for a scenario or step.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusTimedOut Status = "timed-out"
)

// Failed reports whether the status counts as a failure.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusTimedOut
}

// StepResult captures a single step execution.
type StepResult struct {
	Name      string            `json:"name"`
	Action    string            `json:"action"`
	Target    string            `json:"target,omitempty"`
	Status    Status            `json:"status"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Duration  time.Duration     `json:"duration"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Artifact  string            `json:"artifact,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ScenarioResult captures one scenario execution.
type ScenarioResult struct {
	Index       int               `json:"index"`
	Suite       string            `json:"suite"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Status      Status            `json:"status"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	Duration    time.Duration     `json:"duration"`
	Setup       []StepResult      `json:"setup,omitempty"`
	Steps       []StepResult      `json:"steps"`
	Teardown    []StepResult      `json:"teardown,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FirstFailure returns the first failed or timed-out step, if any.
func (r ScenarioResult) FirstFailure() (StepResult, bool) {
	for _, group := range [][]StepResult{r.Setup, r.Steps} {
		for _, step := range group {
			if step.Status.Failed() {
				return step, true
			}
		}
	}
	return StepResult{}, false
}

// Summary holds the run totals. Total always equals Passed+Failed+Skipped.
type Summary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	PassRate float64 `json:"pass_rate"`
}

// RunReport is the finalized record of one suite execution.
type RunReport struct {
	RunID          string                                 `json:"run_id"`
	Suite          string                                 `json:"suite"`
	Environment    *orderedmap.OrderedMap[string, string] `json:"environment"`
	StartTime      time.Time                              `json:"start_time"`
	EndTime        time.Time                              `json:"end_time"`
	Duration       time.Duration                          `json:"duration"`
	Scenarios      []ScenarioResult                       `json:"scenarios"`
	Summary        Summary                                `json:"summary"`
	TeardownErrors []string                               `json:"teardown_errors,omitempty"`
	Finalized      bool                                   `json:"finalized"`
}

// NewEnvironment returns an empty, insertion-ordered environment map.
func NewEnvironment() *orderedmap.OrderedMap[string, string] {
	return orderedmap.New[string, string]()
}
