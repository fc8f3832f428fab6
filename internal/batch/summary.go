package batch

import (
	"fmt"
	"strings"
	"time"
)

// SummaryLine is the one-line human-readable report of a terminal run.
func SummaryLine(r Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.ID, r.Status)
	switch r.Status {
	case StatusSkipped, StatusVetoed, StatusFailed:
		if len(r.Items) == 0 && r.Reason != "" {
			fmt.Fprintf(&b, " (%s)", r.Reason)
		}
	}
	if r.RequestedCount > 0 {
		fmt.Fprintf(&b, ": %d/%d succeeded, %d failed, %d not attempted",
			r.SuccessCount, r.RequestedCount, r.FailedCount, r.SkippedCount)
	}
	fmt.Fprintf(&b, " in %s", r.Duration().Round(time.Millisecond))
	return b.String()
}

// ExitCode maps a run to a process exit status: only Failed is an error;
// skips and vetoes are expected outcomes.
func ExitCode(r Run) int {
	if r.Status == StatusFailed {
		return 1
	}
	return 0
}
