package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one scenario run.
type Result struct {
	ID       string
	Name     string
	Status   Status
	Duration time.Duration
	Err      error
	Category ErrorCategory
}

func (r Result) Passed() bool {
	return r.Status == StatusPassed
}

// SuiteResult aggregates a Suite run.
type SuiteResult struct {
	Name      string
	Results   []Result
	Duration  time.Duration
	PassCount int
	FailCount int
	SkipCount int
}

func (s *SuiteResult) add(r Result) {
	s.Results = append(s.Results, r)
	switch r.Status {
	case StatusPassed:
		s.PassCount++
	case StatusSkipped:
		s.SkipCount++
	default:
		s.FailCount++
	}
}

func (s *SuiteResult) Passed() bool {
	return s.FailCount == 0
}

// Suite runs scenarios one after another on a Runner.
type Suite struct {
	Name      string
	Scenarios []Scenario
	runner    *Runner
}

func NewSuite(name string, runner *Runner, scenarios ...Scenario) *Suite {
	return &Suite{Name: name, Scenarios: scenarios, runner: runner}
}

// Run executes every scenario. Once ctx is done the remaining scenarios are
// reported as skipped.
func (s *Suite) Run(ctx context.Context) *SuiteResult {
	start := time.Now()
	res := &SuiteResult{Name: s.Name}
	for _, sc := range s.Scenarios {
		if ctx.Err() != nil {
			res.add(Result{Name: sc.Name, Status: StatusSkipped, Err: ctx.Err()})
			continue
		}
		res.add(s.runner.Run(ctx, sc))
	}
	res.Duration = time.Since(start)
	return res
}

// Reporter renders suite results.
type Reporter interface {
	ReportSuite(result *SuiteResult)
	ReportResult(result Result)
}

// TextReporter outputs human-readable text reports.
type TextReporter struct {
	writer  io.Writer
	verbose bool
}

func NewTextReporter(w io.Writer, verbose bool) *TextReporter {
	return &TextReporter{writer: w, verbose: verbose}
}

func (r *TextReporter) ReportSuite(result *SuiteResult) {
	fmt.Fprintf(r.writer, "\n=== Suite: %s ===\n", result.Name)
	fmt.Fprintf(r.writer, "Duration: %s\n\n", result.Duration.Round(time.Millisecond))

	for _, res := range result.Results {
		r.ReportResult(res)
	}

	fmt.Fprintf(r.writer, "\n--- Summary ---\n")
	fmt.Fprintf(r.writer, "Total:   %d\n", len(result.Results))
	fmt.Fprintf(r.writer, "Passed:  %d\n", result.PassCount)
	fmt.Fprintf(r.writer, "Failed:  %d\n", result.FailCount)
	fmt.Fprintf(r.writer, "Skipped: %d\n", result.SkipCount)

	total := result.PassCount + result.FailCount
	if total > 0 {
		rate := float64(result.PassCount) / float64(total) * 100
		fmt.Fprintf(r.writer, "Pass Rate: %.1f%%\n", rate)
	}
}

func (r *TextReporter) ReportResult(result Result) {
	var status string
	switch result.Status {
	case StatusPassed:
		status = "PASS"
	case StatusSkipped:
		status = "SKIP"
	default:
		status = "FAIL"
	}
	fmt.Fprintf(r.writer, "[%s] %s (%s)\n", status, result.Name, result.Duration.Round(time.Millisecond))

	if result.Status == StatusFailed && result.Err != nil {
		fmt.Fprintf(r.writer, "       Error (%s): %v\n", result.Category, result.Err)
	}
	if r.verbose && result.ID != "" {
		fmt.Fprintf(r.writer, "       Run: %s\n", result.ID)
	}
}

// JSONReporter outputs JSON-formatted reports.
type JSONReporter struct {
	writer io.Writer
	pretty bool
}

func NewJSONReporter(w io.Writer, pretty bool) *JSONReporter {
	return &JSONReporter{writer: w, pretty: pretty}
}

type JSONSuiteResult struct {
	Name     string       `json:"suite_name"`
	Duration string       `json:"duration"`
	Total    int          `json:"total"`
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Skipped  int          `json:"skipped"`
	PassRate float64      `json:"pass_rate"`
	Results  []JSONResult `json:"results"`
}

type JSONResult struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
}

func toJSONResult(r Result) JSONResult {
	out := JSONResult{
		ID:       r.ID,
		Name:     r.Name,
		Status:   r.Status,
		Duration: r.Duration.String(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
		out.Category = r.Category.String()
	}
	return out
}

func (r *JSONReporter) ReportSuite(result *SuiteResult) {
	out := JSONSuiteResult{
		Name:     result.Name,
		Duration: result.Duration.String(),
		Total:    len(result.Results),
		Passed:   result.PassCount,
		Failed:   result.FailCount,
		Skipped:  result.SkipCount,
	}
	if total := result.PassCount + result.FailCount; total > 0 {
		out.PassRate = float64(result.PassCount) / float64(total) * 100
	}
	for _, res := range result.Results {
		out.Results = append(out.Results, toJSONResult(res))
	}
	r.encode(out)
}

func (r *JSONReporter) ReportResult(result Result) {
	r.encode(toJSONResult(result))
}

func (r *JSONReporter) encode(v any) {
	enc := json.NewEncoder(r.writer)
	if r.pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}
