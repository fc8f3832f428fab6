package decision

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"antigravity/internal/batch"
)

// Rules is the built-in heuristic: the default size, one more during peak
// hours, and an optional veto when recent runs mostly failed.
type Rules struct {
	DefaultSize  int
	MaxBatchSize int
	PeakHours    []int
	Location     *time.Location

	// VetoBelow vetoes when the success rate of the last runs is under
	// this fraction; 0 disables it. VetoMinRuns is how many executed runs
	// are needed before the veto can apply.
	VetoBelow   float64
	VetoMinRuns int
}

func (r Rules) Decide(_ context.Context, req batch.DecisionRequest) (batch.Decision, error) {
	perf := batch.Measure(req.RecentHistory)
	if r.VetoBelow > 0 && perf.Runs >= max(r.VetoMinRuns, 1) && perf.SuccessRate < r.VetoBelow {
		return batch.Decision{
			Proceed: false,
			Reasoning: fmt.Sprintf("recent success rate %.0f%% over %d runs is below %.0f%%",
				perf.SuccessRate*100, perf.Runs, r.VetoBelow*100),
		}, nil
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	if r.Location != nil {
		now = now.In(r.Location)
	}

	size := max(r.DefaultSize, 1)
	reasons := []string{fmt.Sprintf("default %d", size)}
	if slices.Contains(r.PeakHours, now.Hour()) {
		size++
		reasons = append(reasons, fmt.Sprintf("peak hour %02d:00 +1", now.Hour()))
	}
	if r.MaxBatchSize > 0 && size > r.MaxBatchSize {
		size = r.MaxBatchSize
		reasons = append(reasons, fmt.Sprintf("capped at max %d", r.MaxBatchSize))
	}
	if size > req.MaxAllowed {
		size = req.MaxAllowed
		reasons = append(reasons, fmt.Sprintf("quota allows %d", req.MaxAllowed))
	}

	return batch.Decision{
		Proceed:        size > 0,
		RequestedCount: size,
		Platforms:      req.Platforms,
		Niche:          req.Niche,
		Reasoning:      strings.Join(reasons, ", "),
	}, nil
}

// Static proceeds with a fixed size. It backs non-adaptive mode; a size
// of 0 declines every run.
type Static struct {
	Size int
}

func (s Static) Decide(_ context.Context, req batch.DecisionRequest) (batch.Decision, error) {
	n := min(max(s.Size, 0), req.MaxAllowed)
	return batch.Decision{
		Proceed:        n > 0,
		RequestedCount: n,
		Platforms:      req.Platforms,
		Niche:          req.Niche,
		Reasoning:      fmt.Sprintf("adaptive batching disabled; fixed size %d", s.Size),
	}, nil
}
