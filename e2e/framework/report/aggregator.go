package report

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/scholarai/scholarai/e2e/framework/artifacts"
	"github.com/scholarai/scholarai/e2e/framework/results"
)

var (
	// ErrInvariant is returned when the summary counts do not add up.
	ErrInvariant = errors.New("report: total != passed + failed + skipped")
	// ErrFinalized is returned when recording into a frozen report.
	ErrFinalized = errors.New("report: already finalized")
	// ErrNotFinalized is returned when persisting before Finalize.
	ErrNotFinalized = errors.New("report: not finalized")
)

// Aggregator collects scenario results for one run. It is safe for
// concurrent use and is the only writer of the persisted report.
type Aggregator struct {
	mu        sync.Mutex
	report    results.RunReport
	finalized bool
	now       func() time.Time
}

// NewAggregator starts a report for suite.
func NewAggregator(runID, suite string, env *orderedmap.OrderedMap[string, string]) *Aggregator {
	if env == nil {
		env = results.NewEnvironment()
	}
	agg := &Aggregator{now: func() time.Time { return time.Now().UTC() }}
	agg.report = results.RunReport{
		RunID:       runID,
		Suite:       suite,
		Environment: env,
		StartTime:   agg.now(),
	}
	return agg
}

// Record appends a scenario result.
func (a *Aggregator) Record(result results.ScenarioResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return ErrFinalized
	}
	a.report.Scenarios = append(a.report.Scenarios, result)
	return nil
}

// RecordTeardownError notes a suite teardown failure; it does not change the
// scenario counts.
func (a *Aggregator) RecordTeardownError(err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.TeardownErrors = append(a.report.TeardownErrors, err.Error())
}

// Finalize freezes the report, orders scenarios by declaration, and computes
// the summary. Calling it again returns the same report.
func (a *Aggregator) Finalize() (*results.RunReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		out := a.report
		return &out, nil
	}

	sort.SliceStable(a.report.Scenarios, func(i, j int) bool {
		return a.report.Scenarios[i].Index < a.report.Scenarios[j].Index
	})
	summary, err := Summarize(a.report.Scenarios)
	if err != nil {
		return nil, err
	}
	a.report.Summary = summary
	a.report.EndTime = a.now()
	a.report.Duration = a.report.EndTime.Sub(a.report.StartTime)
	a.report.Finalized = true
	a.finalized = true
	out := a.report
	return &out, nil
}

// Summarize counts scenario outcomes and verifies the total.
func Summarize(scenarios []results.ScenarioResult) (results.Summary, error) {
	summary := results.Summary{Total: len(scenarios)}
	for _, scenario := range scenarios {
		switch {
		case scenario.Status == results.StatusPassed:
			summary.Passed++
		case scenario.Status.Failed():
			summary.Failed++
		case scenario.Status == results.StatusSkipped:
			summary.Skipped++
		}
	}
	if summary.Total != summary.Passed+summary.Failed+summary.Skipped {
		return summary, errors.Wrapf(ErrInvariant, "total=%d passed=%d failed=%d skipped=%d", summary.Total, summary.Passed, summary.Failed, summary.Skipped)
	}
	summary.PassRate = PassRate(summary.Passed, summary.Total)
	return summary, nil
}

// PassRate returns passed/total as a percentage rounded to one decimal.
func PassRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(passed)/float64(total)*1000) / 10
}

// FormatPassRate renders a pass rate the way the report shows it.
func FormatPassRate(rate float64) string {
	return fmt.Sprintf("%.1f%%", rate)
}

// Persist renders the finalized report in every format into the artifact
// directory and writes reportPath, picking its format from the extension.
func (a *Aggregator) Persist(writer *artifacts.Writer, reportPath string, formats []string) ([]string, error) {
	a.mu.Lock()
	if !a.finalized {
		a.mu.Unlock()
		return nil, ErrNotFinalized
	}
	snapshot := a.report
	a.mu.Unlock()

	var written []string
	for _, format := range formats {
		payload, err := Render(&snapshot, format)
		if err != nil {
			return written, err
		}
		path, err := writer.WriteBytes("report"+Extension(format), payload)
		if err != nil {
			return written, errors.Wrapf(err, "write %s report", format)
		}
		written = append(written, path)
	}
	if _, err := writer.WriteJSON("summary.json", snapshot.Summary); err != nil {
		return written, errors.Wrap(err, "write summary")
	}
	if strings.TrimSpace(reportPath) == "" {
		return written, nil
	}
	payload, err := Render(&snapshot, FormatForPath(reportPath))
	if err != nil {
		return written, err
	}
	if err := writeFile(reportPath, payload); err != nil {
		return written, errors.Wrapf(err, "write report %s", reportPath)
	}
	return append(written, reportPath), nil
}

// FormatForPath maps a report file extension to a render format.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".xml":
		return FormatJUnit
	default:
		return FormatMarkdown
	}
}
