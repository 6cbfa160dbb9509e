// Package console renders run progress and the final summary on a terminal.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/scholarai/scholarai/e2e/framework/results"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	skipColor = color.New(color.FgYellow)
	headColor = color.New(color.FgCyan, color.Bold)
)

// Reporter follows a suite run: a progress bar while scenarios finish and
// a colored summary at the end.
type Reporter struct {
	out      io.Writer
	progress bool

	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	passed  int
	failed  int
	skipped int
}

// NewReporter writes to out. The progress bar is only drawn when progress
// is requested and out is a terminal.
func NewReporter(out io.Writer, progress bool) *Reporter {
	if out == nil {
		out = os.Stderr
	}
	return &Reporter{out: out, progress: progress && IsTerminal(out)}
}

// IsTerminal reports whether w is a character device.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (r *Reporter) describe() string {
	return headColor.Sprint("Running scenarios: ") +
		okColor.Sprintf("[passed: %d", r.passed) + " | " +
		failColor.Sprintf("failed: %d", r.failed) + " | " +
		skipColor.Sprintf("skipped: %d]", r.skipped)
}

// SuiteStarted resets the counters and starts the bar.
func (r *Reporter) SuiteStarted(suite string, scenarios int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passed, r.failed, r.skipped = 0, 0, 0
	fmt.Fprintf(r.out, "%s %s (%d scenarios)\n", headColor.Sprint("Suite"), suite, scenarios)
	if !r.progress {
		return
	}
	r.bar = progressbar.NewOptions(scenarios,
		progressbar.OptionSetDescription(r.describe()),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        color.CyanString("█"),
			SaucerHead:    color.CyanString("█"),
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(r.out, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// ScenarioFinished advances the bar, or prints one line per scenario when
// no bar is drawn.
func (r *Reporter) ScenarioFinished(result results.ScenarioResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case result.Status == results.StatusPassed:
		r.passed++
	case result.Status.Failed():
		r.failed++
	default:
		r.skipped++
	}
	if r.bar != nil {
		r.bar.Describe(r.describe())
		_ = r.bar.Add(1)
		return
	}
	fmt.Fprintf(r.out, "  %s %s\n", statusLabel(result.Status), result.Name)
}

// SuiteFinished prints the summary and every failure.
func (r *Reporter) SuiteFinished(report *results.RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
	}
	if report == nil {
		return
	}
	PrintSummary(r.out, report)
}

// PrintSummary writes the totals, pass rate, and failed scenarios of report.
func PrintSummary(out io.Writer, report *results.RunReport) {
	summary := report.Summary
	fmt.Fprintln(out)
	headColor.Fprintf(out, "Summary: %s\n", report.Suite)
	fmt.Fprintf(out, "  Total:     %d\n", summary.Total)
	fmt.Fprintf(out, "  Passed:    %s\n", okColor.Sprint(summary.Passed))
	fmt.Fprintf(out, "  Failed:    %s\n", failColor.Sprint(summary.Failed))
	fmt.Fprintf(out, "  Skipped:   %s\n", skipColor.Sprint(summary.Skipped))
	fmt.Fprintf(out, "  Pass Rate: %.1f%%\n", summary.PassRate)
	for _, scenario := range report.Scenarios {
		if !scenario.Status.Failed() {
			continue
		}
		fmt.Fprintf(out, "  %s %s", statusLabel(scenario.Status), scenario.Name)
		if scenario.ErrorKind != "" {
			fmt.Fprintf(out, " (%s)", scenario.ErrorKind)
		}
		fmt.Fprintln(out)
		if scenario.Error != "" {
			fmt.Fprintf(out, "      %s\n", scenario.Error)
		}
	}
	for _, teardown := range report.TeardownErrors {
		fmt.Fprintf(out, "  %s %s\n", skipColor.Sprint("[TEARDOWN]"), teardown)
	}
}

func statusLabel(status results.Status) string {
	switch {
	case status == results.StatusPassed:
		return okColor.Sprint("[OK]")
	case status.Failed():
		return failColor.Sprint("[FAIL]")
	default:
		return skipColor.Sprint("[SKIP]")
	}
}
