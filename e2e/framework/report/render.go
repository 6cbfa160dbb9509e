package report

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/results"
)

// Supported render formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatJUnit    = "junit"
)

// Metadata keys the runner sets on HTTP probe scenarios.
const (
	MetaEndpoint   = "endpoint"
	MetaHTTPStatus = "http_status"
)

// ErrUnknownFormat is returned for unsupported render formats.
var ErrUnknownFormat = errors.New("report: unknown format")

// Render serializes a report. It depends only on its arguments, so the same
// report renders to identical bytes every time.
func Render(report *results.RunReport, format string) ([]byte, error) {
	if report == nil {
		return nil, errors.New("report: nil report")
	}
	switch NormalizeFormat(format) {
	case FormatJSON:
		return renderJSON(report)
	case FormatMarkdown:
		return renderMarkdown(report), nil
	case FormatJUnit:
		return renderJUnit(report)
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
}

// NormalizeFormat maps aliases to a supported format name.
func NormalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return FormatJSON
	case "md", "markdown", "narrative", "":
		return FormatMarkdown
	case "junit", "xml":
		return FormatJUnit
	default:
		return strings.ToLower(strings.TrimSpace(format))
	}
}

// Extension returns the file extension for a format.
func Extension(format string) string {
	switch NormalizeFormat(format) {
	case FormatJSON:
		return ".json"
	case FormatJUnit:
		return ".xml"
	default:
		return ".md"
	}
}

func renderJSON(report *results.RunReport) ([]byte, error) {
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(payload, '\n'), nil
}

func marker(status results.Status) string {
	switch status {
	case results.StatusPassed:
		return "OK"
	case results.StatusSkipped:
		return "SKIP"
	case results.StatusTimedOut:
		return "TIMEOUT"
	default:
		return "FAIL"
	}
}

func scenarioMarker(status results.Status) string {
	if status.Failed() {
		return "FAIL"
	}
	return marker(status)
}

func renderMarkdown(report *results.RunReport) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# E2E Test Report: %s\n\n", report.Suite)
	fmt.Fprintf(&b, "**Run ID**: %s\n\n", report.RunID)
	fmt.Fprintf(&b, "**Test Date**: %s\n\n", report.StartTime.UTC().Format(time.RFC3339))
	if report.Environment != nil && report.Environment.Len() > 0 {
		b.WriteString("**Environment**:\n")
		for pair := report.Environment.Oldest(); pair != nil; pair = pair.Next() {
			fmt.Fprintf(&b, "- %s: %s\n", pair.Key, pair.Value)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Test Results\n\n")
	for _, scenario := range report.Scenarios {
		fmt.Fprintf(&b, "### [%s] %s\n\n", scenarioMarker(scenario.Status), scenario.Name)
		if endpoint := scenario.Metadata[MetaEndpoint]; endpoint != "" {
			fmt.Fprintf(&b, "**Endpoint**: %s\n\n", endpoint)
			status := scenario.Metadata[MetaHTTPStatus]
			if status == "" || status == "0" {
				status = "ERROR"
			}
			fmt.Fprintf(&b, "**Status**: %s\n\n", status)
		} else {
			fmt.Fprintf(&b, "**Status**: %s\n\n", scenario.Status)
		}
		fmt.Fprintf(&b, "**Duration**: %s\n\n", scenario.Duration.Round(time.Millisecond))
		if failed, ok := scenario.FirstFailure(); ok {
			fmt.Fprintf(&b, "**Failed Step**: %s (%s)\n\n", failed.Name, failed.Action)
			if failed.Artifact != "" {
				fmt.Fprintf(&b, "**Artifact**: %s\n\n", failed.Artifact)
			}
		}
		if scenario.Error != "" {
			fmt.Fprintf(&b, "**Error**: %s\n\n", scenario.Error)
		}
		steps := append(append(append([]results.StepResult(nil), scenario.Setup...), scenario.Steps...), scenario.Teardown...)
		if len(steps) > 0 {
			for _, step := range steps {
				fmt.Fprintf(&b, "- [%s] %s", marker(step.Status), step.Name)
				if step.Status != results.StatusSkipped {
					fmt.Fprintf(&b, " (%s)", step.Duration.Round(time.Millisecond))
				}
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}

	if len(report.TeardownErrors) > 0 {
		b.WriteString("## Teardown Errors\n\n")
		for _, msg := range report.TeardownErrors {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Total Tests: %d\n", report.Summary.Total)
	fmt.Fprintf(&b, "- Passed: %d\n", report.Summary.Passed)
	fmt.Fprintf(&b, "- Failed: %d\n", report.Summary.Failed)
	fmt.Fprintf(&b, "- Skipped: %d\n", report.Summary.Skipped)
	fmt.Fprintf(&b, "- Pass Rate: %s\n", FormatPassRate(report.Summary.PassRate))
	return b.Bytes()
}

type junitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Name     string       `xml:"name,attr"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Time     string       `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name      string      `xml:"name,attr"`
	Tests     int         `xml:"tests,attr"`
	Failures  int         `xml:"failures,attr"`
	Skipped   int         `xml:"skipped,attr"`
	Time      string      `xml:"time,attr"`
	Timestamp string      `xml:"timestamp,attr"`
	Cases     []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

func renderJUnit(report *results.RunReport) ([]byte, error) {
	suite := junitSuite{
		Name:      report.Suite,
		Tests:     report.Summary.Total,
		Failures:  report.Summary.Failed,
		Skipped:   report.Summary.Skipped,
		Time:      seconds(report.Duration),
		Timestamp: report.StartTime.UTC().Format(time.RFC3339),
	}
	for _, scenario := range report.Scenarios {
		tc := junitCase{
			Name:      scenario.Name,
			Classname: report.Suite,
			Time:      seconds(scenario.Duration),
		}
		switch {
		case scenario.Status.Failed():
			failure := &junitFailure{Message: scenario.Error, Type: scenario.ErrorKind}
			if step, ok := scenario.FirstFailure(); ok {
				failure.Message = step.Error
				failure.Type = step.ErrorKind
				failure.Body = fmt.Sprintf("step %q (%s) %s", step.Name, step.Action, step.Status)
			}
			tc.Failure = failure
		case scenario.Status == results.StatusSkipped:
			tc.Skipped = &junitSkipped{Message: scenario.Metadata["skip_reason"]}
		}
		var out []string
		for _, step := range scenario.Steps {
			out = append(out, fmt.Sprintf("[%s] %s", marker(step.Status), step.Name))
		}
		tc.SystemOut = strings.Join(out, "\n")
		suite.Cases = append(suite.Cases, tc)
	}
	doc := junitSuites{
		Name:     report.Suite,
		Tests:    suite.Tests,
		Failures: suite.Failures,
		Skipped:  suite.Skipped,
		Time:     suite.Time,
		Suites:   []junitSuite{suite},
	}
	payload, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(append([]byte(xml.Header), payload...), '\n'), nil
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a JSON report previously written by Render.
func Load(path string) (*results.RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	report := &results.RunReport{Environment: results.NewEnvironment()}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, errors.Wrapf(err, "decode report %s", path)
	}
	return report, nil
}
