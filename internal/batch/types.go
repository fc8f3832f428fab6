package batch

import "time"

type Status string

const (
	StatusAdmitted       Status = "admitted"
	StatusDeciding       Status = "deciding"
	StatusExecuting      Status = "executing"
	StatusCompleted      Status = "completed"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
	StatusVetoed         Status = "vetoed"
	StatusSkipped        Status = "skipped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartialFailure, StatusFailed, StatusVetoed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Trigger names what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerOnce      Trigger = "once"
	TriggerManual    Trigger = "manual"
	TriggerAPI       Trigger = "api"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ItemResult is one attempted unit of generation. Error is set iff the
// outcome is a failure.
type ItemResult struct {
	Index      int       `json:"index"`
	Platform   string    `json:"platform"`
	Niche      string    `json:"niche,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// DecisionRecord keeps what the decision-maker answered for a run.
type DecisionRecord struct {
	Proceed        bool     `json:"proceed"`
	RequestedCount int      `json:"requested_count"`
	Platforms      []string `json:"platforms,omitempty"`
	Niche          string   `json:"niche,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// Run is the audit record of one trigger. RequestedCount is the effective
// count admitted for execution; len(Items) never exceeds it.
type Run struct {
	ID             string          `json:"id"`
	Trigger        Trigger         `json:"trigger"`
	Status         Status          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	MaxAllowed     int             `json:"max_allowed"`
	RequestedCount int             `json:"requested_count"`
	Decision       *DecisionRecord `json:"decision,omitempty"`
	Items          []ItemResult    `json:"items"`
	Interrupted    bool            `json:"interrupted,omitempty"`

	SuccessCount int `json:"success_count"`
	FailedCount  int `json:"failed_count"`
	SkippedCount int `json:"skipped_count"`
}

func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary is the compact view of a past run handed to decision-makers.
type Summary struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	Status         Status    `json:"status"`
	RequestedCount int       `json:"requested_count"`
	SuccessCount   int       `json:"success_count"`
	FailedCount    int       `json:"failed_count"`
}

func (r Run) Summary() Summary {
	return Summary{
		ID:             r.ID,
		StartedAt:      r.StartedAt,
		Status:         r.Status,
		RequestedCount: r.RequestedCount,
		SuccessCount:   r.SuccessCount,
		FailedCount:    r.FailedCount,
	}
}

// Classify derives the terminal status of an executed run from its items.
func Classify(items []ItemResult) Status {
	ok, failed := 0, 0
	for _, it := range items {
		if it.Outcome == OutcomeSuccess {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case ok > 0 && failed == 0:
		return StatusCompleted
	case ok > 0:
		return StatusPartialFailure
	default:
		return StatusFailed
	}
}

func (r *Run) tally() {
	r.SuccessCount, r.FailedCount = 0, 0
	for _, it := range r.Items {
		if it.Outcome == OutcomeSuccess {
			r.SuccessCount++
		} else {
			r.FailedCount++
		}
	}
	r.SkippedCount = max(r.RequestedCount-len(r.Items), 0)
	// a decision fault counts as the run's only failure, without an item
	if r.Status == StatusFailed && r.RequestedCount == 0 && len(r.Items) == 0 {
		r.FailedCount = 1
	}
}
