package droidfleet

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// RunSummary is the run-level aggregate over settled task results.
type RunSummary struct {
	Results      []TaskResult
	SuccessCount int
	Total        int
	Elapsed      time.Duration
	Concurrency  int
}

// Summarize aggregates results. It does not mutate its input.
func Summarize(results []TaskResult, concurrency int, elapsed time.Duration) RunSummary {
	copied := make([]TaskResult, len(results))
	copy(copied, results)
	success := 0
	for _, r := range copied {
		if r.Success {
			success++
		}
	}
	return RunSummary{
		Results:      copied,
		SuccessCount: success,
		Total:        len(copied),
		Elapsed:      elapsed,
		Concurrency:  concurrency,
	}
}

// FailedCount is Total minus SuccessCount.
func (s RunSummary) FailedCount() int {
	return s.Total - s.SuccessCount
}

// AllSucceeded reports whether every device succeeded.
func (s RunSummary) AllSucceeded() bool {
	return s.SuccessCount == s.Total
}

// ModeLabel names the execution mode.
func (s RunSummary) ModeLabel() string {
	if s.Concurrency <= 1 {
		return "sequential"
	}
	return fmt.Sprintf("parallel (concurrency=%d)", s.Concurrency)
}

// Render writes one block per device and a totals block.
func (s RunSummary) Render(w io.Writer) {
	rule := strings.Repeat("=", bannerWidth)
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n📊 Execution Summary\n%s\n\n", rule, rule)
	for _, r := range s.Results {
		if r.Success {
			fmt.Fprintf(&b, "✅ [%s] Success\n", r.DeviceName)
		} else {
			fmt.Fprintf(&b, "❌ [%s] Failed\n", r.DeviceName)
		}
		fmt.Fprintf(&b, "   ├─ Duration: %.1fs\n", r.Duration.Seconds())
		if r.Steps > 0 {
			fmt.Fprintf(&b, "   ├─ Steps: %d\n", r.Steps)
		}
		if r.LogPath != "" {
			fmt.Fprintf(&b, "   ├─ Log: %s\n", r.LogPath)
		}
		if r.TrajectoryPath != "" {
			fmt.Fprintf(&b, "   ├─ Trajectory: %s\n", r.TrajectoryPath)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "   └─ Error: %s\n", r.Error)
		} else {
			fmt.Fprintf(&b, "   └─ Output: %s\n", truncate(r.Output, 100))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s\n", rule)
	fmt.Fprintf(&b, "✅ Successful: %d/%d\n", s.SuccessCount, s.Total)
	fmt.Fprintf(&b, "❌ Failed: %d/%d\n", s.FailedCount(), s.Total)
	fmt.Fprintf(&b, "⏱️  Total time: %.1fs\n", s.Elapsed.Seconds())
	fmt.Fprintf(&b, "⚙️  Mode: %s\n", s.ModeLabel())
	fmt.Fprintf(&b, "%s\n", rule)
	_, _ = io.WriteString(w, b.String())
}
