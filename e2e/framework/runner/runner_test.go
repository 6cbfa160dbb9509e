package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scholarai/scholarai/e2e/framework/config"
	"github.com/scholarai/scholarai/e2e/framework/driver"
	"github.com/scholarai/scholarai/e2e/framework/driver/drivertest"
	"github.com/scholarai/scholarai/e2e/framework/failure"
	"github.com/scholarai/scholarai/e2e/framework/report"
	"github.com/scholarai/scholarai/e2e/framework/results"
	"github.com/scholarai/scholarai/e2e/framework/spec"
	"github.com/scholarai/scholarai/e2e/framework/steps"
)

func testConfig() *config.Config {
	dir := GinkgoT().TempDir()
	return &config.Config{
		RunID:            "test-run",
		ArtifactDir:      filepath.Join(dir, "artifacts"),
		ReportPath:       filepath.Join(dir, "Progress-Logs", "e2e-test-report.md"),
		ReportFormats:    []string{"json", "markdown", "junit"},
		BaseURL:          "http://app.test",
		ActionTimeout:    time.Second,
		AssertionTimeout: time.Second,
		PollInterval:     100 * time.Millisecond,
		Parallelism:      1,
		Screenshots:      true,
		MetricsEnabled:   true,
	}
}

func statuses(steps []results.StepResult) []results.Status {
	out := make([]results.Status, 0, len(steps))
	for _, step := range steps {
		out = append(out, step.Status)
	}
	return out
}

// counter registers a custom action that counts its invocations.
func counter(name string, hits *int32) Option {
	return WithCustomActions(func(actions *steps.CustomActions) {
		actions.Register(name, func(context.Context, *steps.Context, spec.StepSpec) (map[string]string, error) {
			atomic.AddInt32(hits, 1)
			return nil, nil
		})
	})
}

func homePage(p *drivertest.Page) {
	p.SetURL("http://app.test/")
	p.Show("#ready", "Ready")
}

var _ = Describe("Runner", func() {
	var (
		cfg      *config.Config
		factory  driver.Factory
		sessions *drivertest.Sessions
	)

	BeforeEach(func() {
		cfg = testConfig()
		factory, sessions = drivertest.Factory(homePage)
	})

	run := func(suite *spec.Suite, opts ...Option) *results.RunReport {
		r, err := NewRunner(cfg, nil, factory, opts...)
		Expect(err).NotTo(HaveOccurred())
		rep, err := r.Run(context.Background(), suite)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Finalized).To(BeTrue())
		Expect(rep.Summary.Total).To(Equal(rep.Summary.Passed + rep.Summary.Failed + rep.Summary.Skipped))
		return rep
	}

	Context("sequential execution", func() {
		It("isolates a failing scenario from its sibling", func() {
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "isolation"},
				Scenarios: []spec.Scenario{
					{Name: "A", Steps: []spec.StepSpec{
						{Action: spec.ActionAssertVisible, Target: "#ready"},
						{Action: spec.ActionAssertVisible, Target: "#never", Timeout: "200ms"},
						{Action: spec.ActionClick, Target: "#ready"},
					}},
					{Name: "B", Steps: []spec.StepSpec{
						{Action: spec.ActionAssertText, Target: "#ready", Value: "Ready"},
					}},
				},
			}
			rep := run(suite)

			Expect(rep.Scenarios).To(HaveLen(2))
			a, b := rep.Scenarios[0], rep.Scenarios[1]
			Expect(a.Name).To(Equal("A"))
			Expect(a.Status).To(Equal(results.StatusFailed))
			Expect(statuses(a.Steps)).To(Equal([]results.Status{results.StatusPassed, results.StatusTimedOut, results.StatusSkipped}))
			Expect(a.ErrorKind).To(Equal(string(failure.KindAssertionTimeout)))
			Expect(a.Error).To(ContainSubstring(`expected visible, observed not visible`))
			Expect(b.Status).To(Equal(results.StatusPassed))

			Expect(rep.Summary.Passed).To(Equal(1))
			Expect(rep.Summary.Failed).To(Equal(1))
			Expect(rep.Summary.PassRate).To(Equal(50.0))

			By("sharing one session that is closed at the end")
			Expect(sessions.Pages()).To(HaveLen(1))
			Expect(sessions.Pages()[0].Closed()).To(BeTrue())

			By("capturing a screenshot of the failed step")
			artifact := a.Steps[1].Artifact
			Expect(artifact).To(HavePrefix("screenshots/a/02-"))
			Expect(filepath.Join(cfg.ArtifactDir, artifact)).To(BeAnExistingFile())
		})

		It("skips the remaining steps after the first failure", func() {
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "first-step"},
				Scenarios: []spec.Scenario{{Name: "broken", Steps: []spec.StepSpec{
					{Action: spec.ActionClick, Target: "#missing"},
					{Action: spec.ActionAssertVisible, Target: "#ready"},
					{Action: spec.ActionNavigate, Value: "/papers"},
				}}},
			}
			rep := run(suite)

			scenario := rep.Scenarios[0]
			Expect(statuses(scenario.Steps)).To(Equal([]results.Status{results.StatusFailed, results.StatusSkipped, results.StatusSkipped}))
			Expect(scenario.ErrorKind).To(Equal(string(failure.KindAction)))
			for _, call := range sessions.Pages()[0].Calls() {
				Expect(call.Method).NotTo(Equal("navigate"))
				Expect(call.Locator).NotTo(Equal("#ready"))
			}
		})

		It("runs suite teardown exactly once when every scenario fails", func() {
			var suiteTeardown, scenarioTeardown int32
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "teardown"},
				Teardown: []spec.StepSpec{{Action: spec.ActionCustom, Value: "suite-cleanup"}},
				Scenarios: []spec.Scenario{
					{Name: "one", Teardown: []spec.StepSpec{{Action: spec.ActionCustom, Value: "scenario-cleanup"}}, Steps: []spec.StepSpec{{Action: spec.ActionClick, Target: "#missing"}}},
					{Name: "two", Teardown: []spec.StepSpec{{Action: spec.ActionCustom, Value: "scenario-cleanup"}}, Steps: []spec.StepSpec{{Action: spec.ActionClick, Target: "#missing"}}},
				},
			}
			rep := run(suite, WithCustomActions(func(actions *steps.CustomActions) {
				actions.Register("suite-cleanup", func(context.Context, *steps.Context, spec.StepSpec) (map[string]string, error) {
					atomic.AddInt32(&suiteTeardown, 1)
					return nil, nil
				})
				actions.Register("scenario-cleanup", func(context.Context, *steps.Context, spec.StepSpec) (map[string]string, error) {
					atomic.AddInt32(&scenarioTeardown, 1)
					return nil, nil
				})
			}))

			Expect(rep.Summary.Failed).To(Equal(2))
			Expect(atomic.LoadInt32(&suiteTeardown)).To(Equal(int32(1)))
			Expect(atomic.LoadInt32(&scenarioTeardown)).To(Equal(int32(2)))
			Expect(rep.Scenarios[0].Teardown).To(HaveLen(1))
			Expect(rep.TeardownErrors).To(BeEmpty())
		})

		It("records a teardown failure without changing the counts", func() {
			suite := &spec.Suite{
				Metadata:  spec.Metadata{Name: "teardown-error"},
				Teardown:  []spec.StepSpec{{Name: "logout", Action: spec.ActionClick, Target: "#logout"}},
				Scenarios: []spec.Scenario{{Name: "ok", Steps: []spec.StepSpec{{Action: spec.ActionAssertVisible, Target: "#ready"}}}},
			}
			rep := run(suite)
			Expect(rep.Summary.Passed).To(Equal(1))
			Expect(rep.TeardownErrors).To(HaveLen(1))
			Expect(rep.TeardownErrors[0]).To(ContainSubstring("logout"))
		})

		It("fails every scenario with skipped steps when suite setup fails", func() {
			var hits int32
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "setup"},
				Setup:    []spec.StepSpec{{Name: "login", Action: spec.ActionAssertVisible, Target: "#dashboard", Timeout: "200ms"}},
				Teardown: []spec.StepSpec{{Action: spec.ActionCustom, Value: "count"}},
				Scenarios: []spec.Scenario{
					{Name: "one", Steps: []spec.StepSpec{{Action: spec.ActionAssertVisible, Target: "#ready"}, {Action: spec.ActionClick, Target: "#ready"}}},
					{Name: "two", Steps: []spec.StepSpec{{Action: spec.ActionAssertVisible, Target: "#ready"}}},
				},
			}
			rep := run(suite, counter("count", &hits))

			Expect(rep.Summary.Failed).To(Equal(2))
			for _, scenario := range rep.Scenarios {
				Expect(scenario.Status).To(Equal(results.StatusFailed))
				Expect(scenario.ErrorKind).To(Equal(string(failure.KindSetup)))
				Expect(scenario.Error).To(ContainSubstring("suite setup failed"))
				for _, step := range scenario.Steps {
					Expect(step.Status).To(Equal(results.StatusSkipped))
				}
			}
			Expect(atomic.LoadInt32(&hits)).To(Equal(int32(1)))
		})

		It("contains a scenario setup failure to its scenario", func() {
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "scenario-setup"},
				Scenarios: []spec.Scenario{
					{Name: "needs project", Setup: []spec.StepSpec{{Action: spec.ActionClick, Target: "#new-project"}}, Steps: []spec.StepSpec{{Action: spec.ActionAssertVisible, Target: "#ready"}}},
					{Name: "sibling", Steps: []spec.StepSpec{{Action: spec.ActionAssertVisible, Target: "#ready"}}},
				},
			}
			rep := run(suite)

			Expect(rep.Scenarios[0].Status).To(Equal(results.StatusFailed))
			Expect(rep.Scenarios[0].ErrorKind).To(Equal(string(failure.KindSetup)))
			Expect(statuses(rep.Scenarios[0].Setup)).To(Equal([]results.Status{results.StatusFailed}))
			Expect(statuses(rep.Scenarios[0].Steps)).To(Equal([]results.Status{results.StatusSkipped}))
			Expect(rep.Scenarios[1].Status).To(Equal(results.StatusPassed))
		})

		It("shares vars captured during suite setup", func() {
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "vars"},
				Setup:    []spec.StepSpec{{Action: spec.ActionCustom, Value: "set-var", With: map[string]interface{}{"vars": map[string]interface{}{"query": "transformers"}}}},
				Scenarios: []spec.Scenario{
					{Name: "uses var", Steps: []spec.StepSpec{{Action: spec.ActionWaitForCondition, Value: `vars.query == "transformers"`}}},
				},
			}
			rep := run(suite)
			Expect(rep.Scenarios[0].Status).To(Equal(results.StatusPassed))
		})

		It("reports tag-filtered scenarios as skipped", func() {
			cfg.IncludeTags = []string{"smoke"}
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "tags"},
				Scenarios: []spec.Scenario{
					{Name: "smoke", Tags: []string{"smoke"}, Steps: []spec.StepSpec{{Action: spec.ActionAssertVisible, Target: "#ready"}}},
					{Name: "slow", Tags: []string{"slow"}, Steps: []spec.StepSpec{{Action: spec.ActionAssertVisible, Target: "#ready"}}},
				},
			}
			rep := run(suite)

			Expect(rep.Summary.Passed).To(Equal(1))
			Expect(rep.Summary.Skipped).To(Equal(1))
			Expect(rep.Scenarios[1].Status).To(Equal(results.StatusSkipped))
			Expect(rep.Scenarios[1].Metadata).To(HaveKeyWithValue("skip_reason", "tag filtered"))
		})

		It("stops starting scenarios once the run timeout expires", func() {
			var hits int32
			cfg.RunTimeout = 300 * time.Millisecond
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "ceiling"},
				Teardown: []spec.StepSpec{{Action: spec.ActionCustom, Value: "count"}},
				Scenarios: []spec.Scenario{
					{Name: "slow", Steps: []spec.StepSpec{{Action: spec.ActionSleep, Value: "1m"}}},
					{Name: "next", Steps: []spec.StepSpec{{Action: spec.ActionSleep, Value: "10ms"}}},
				},
			}
			start := time.Now()
			rep := run(suite, counter("count", &hits))

			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
			Expect(rep.Summary.Failed).To(Equal(2))
			Expect(rep.Scenarios[0].ErrorKind).To(Equal(string(failure.KindCanceled)))
			Expect(rep.Scenarios[1].ErrorKind).To(Equal(string(failure.KindCanceled)))
			Expect(statuses(rep.Scenarios[1].Steps)).To(Equal([]results.Status{results.StatusSkipped}))
			Expect(atomic.LoadInt32(&hits)).To(Equal(int32(1)))
		})
	})

	Context("parallel execution", func() {
		It("gives every scenario its own session and variable scope", func() {
			cfg.Parallel = true
			cfg.Parallelism = 2
			var scenarios []spec.Scenario
			for _, name := range []string{"alpha", "beta", "gamma"} {
				scenarios = append(scenarios, spec.Scenario{Name: name, Steps: []spec.StepSpec{
					{Action: spec.ActionCustom, Value: "set-var", With: map[string]interface{}{"vars": map[string]interface{}{"owner": "${scenario}"}}},
					{Action: spec.ActionNavigate, Value: "/projects/${owner}"},
					{Action: spec.ActionAssertURLMatches, Value: "/projects/" + name + "$"},
				}})
			}
			rep := run(&spec.Suite{Metadata: spec.Metadata{Name: "parallel"}, Scenarios: scenarios})

			Expect(rep.Summary.Passed).To(Equal(3))
			Expect(rep.Scenarios[0].Name).To(Equal("alpha"))
			Expect(rep.Scenarios[2].Name).To(Equal("gamma"))

			pages := sessions.Pages()
			Expect(pages).To(HaveLen(4), "one suite session plus one per scenario")
			visited := map[string]bool{}
			for _, page := range pages {
				Expect(page.Closed()).To(BeTrue())
				for _, call := range page.Calls() {
					if call.Method == "navigate" {
						Expect(visited).NotTo(HaveKey(call.Value))
						visited[call.Value] = true
					}
				}
			}
			Expect(visited).To(HaveLen(3))
		})
	})

	Context("HTTP probe suite", func() {
		var server *httptest.Server

		BeforeEach(func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			})
			mux.HandleFunc("/api/papers/search", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"papers": []map[string]string{{"title": "On " + r.URL.Query().Get("query")}},
				})
			})
			server = httptest.NewServer(mux)
			cfg.APIURL = server.URL
			factory = nil
		})

		AfterEach(func() {
			server.Close()
		})

		It("reports two passed, one failed and a 66.7% pass rate", func() {
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "api-smoke"},
				Scenarios: []spec.Scenario{
					{Name: "Health Check", Steps: []spec.StepSpec{{Action: spec.ActionHTTPRequest, Target: "/health", With: map[string]interface{}{"expect": `body.status == "ok"`}}}},
					{Name: "Search Papers", Steps: []spec.StepSpec{{Action: spec.ActionHTTPRequest, Target: "/api/papers/search?query=x", With: map[string]interface{}{"expect": "body.papers != nil"}}}},
					{Name: "Unreachable Host", Steps: []spec.StepSpec{{Action: spec.ActionHTTPRequest, Target: "http://127.0.0.1:1/health"}}},
				},
			}
			rep := run(suite)

			Expect(rep.Summary.Total).To(Equal(3))
			Expect(rep.Summary.Passed).To(Equal(2))
			Expect(rep.Summary.Failed).To(Equal(1))
			Expect(report.FormatPassRate(rep.Summary.PassRate)).To(Equal("66.7%"))

			Expect(rep.Scenarios[0].Metadata).To(HaveKeyWithValue(report.MetaEndpoint, "GET /health"))
			Expect(rep.Scenarios[0].Metadata).To(HaveKeyWithValue(report.MetaHTTPStatus, "200"))
			Expect(rep.Scenarios[1].Metadata).To(HaveKeyWithValue(report.MetaEndpoint, "GET /api/papers/search?query=x"))
			Expect(rep.Scenarios[2].ErrorKind).To(Equal(string(failure.KindTransport)))
			Expect(rep.Scenarios[2].Metadata).To(HaveKeyWithValue(report.MetaHTTPStatus, "0"))

			By("persisting every report artifact")
			for _, name := range []string{"report.json", "report.md", "report.xml", "results.json", "summary.json", "metrics.prom"} {
				Expect(filepath.Join(cfg.ArtifactDir, name)).To(BeAnExistingFile())
			}
			narrative, err := os.ReadFile(cfg.ReportPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(narrative)).To(ContainSubstring("### [OK] Health Check"))
			Expect(string(narrative)).To(ContainSubstring("### [FAIL] Unreachable Host"))
			Expect(string(narrative)).To(ContainSubstring("**Status**: ERROR"))
			Expect(string(narrative)).To(ContainSubstring("- Pass Rate: 66.7%"))

			loaded, err := report.Load(filepath.Join(cfg.ArtifactDir, "report.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Summary).To(Equal(rep.Summary))
		})
	})

	Context("observers", func() {
		It("sees every scenario and the final report", func() {
			obs := &recordingObserver{}
			suite := &spec.Suite{
				Metadata: spec.Metadata{Name: "observed"},
				Scenarios: []spec.Scenario{
					{Name: "one", Steps: []spec.StepSpec{{Action: spec.ActionAssertVisible, Target: "#ready"}}},
					{Name: "two", Steps: []spec.StepSpec{{Action: spec.ActionSleep, Value: "10ms"}}},
				},
			}
			rep := run(suite, WithObserver(obs))
			Expect(obs.total).To(Equal(2))
			Expect(obs.finished).To(ConsistOf("one", "two"))
			Expect(obs.final).To(Equal(rep))
		})
	})
})

type recordingObserver struct {
	mu       sync.Mutex
	total    int
	finished []string
	final    *results.RunReport
}

func (o *recordingObserver) SuiteStarted(_ string, scenarios int) {
	o.total = scenarios
}

func (o *recordingObserver) ScenarioFinished(result results.ScenarioResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, result.Name)
}

func (o *recordingObserver) SuiteFinished(rep *results.RunReport) {
	o.final = rep
}
