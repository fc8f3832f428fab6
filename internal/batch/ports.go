package batch

import (
	"context"
	"errors"
	"time"

	"antigravity/internal/quota"
)

var ErrMalformedDecision = errors.New("malformed decision")

// DecisionRequest is the context handed to the decision-maker.
type DecisionRequest struct {
	Platforms     []string  `json:"platforms"`
	Niche         string    `json:"niche,omitempty"`
	MaxAllowed    int       `json:"max_allowed"`
	RecentHistory []Summary `json:"recent_history"`
	Now           time.Time `json:"now"`
}

// Decision is the decision-maker's answer. RequestedCount must lie in
// [0, maxBatchSize] and be positive when Proceed is set.
type Decision struct {
	Proceed        bool     `json:"proceed"`
	RequestedCount int      `json:"requested_count"`
	Platforms      []string `json:"platforms,omitempty"`
	Niche          string   `json:"niche,omitempty"`
	Reasoning      string   `json:"reasoning"`
}

type DecisionMaker interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

type ItemRequest struct {
	RunID    string `json:"run_id"`
	Index    int    `json:"index"`
	Platform string `json:"platform"`
	Niche    string `json:"niche,omitempty"`
}

type ItemResponse struct {
	Success    bool   `json:"success"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Executor performs one unit of generation. A returned error and
// Success == false both count as an item failure.
type Executor interface {
	Execute(ctx context.Context, req ItemRequest) (ItemResponse, error)
}

// Store persists terminal runs and the quota counters.
type Store interface {
	AppendRun(ctx context.Context, run Run) error
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	SaveQuota(ctx context.Context, st quota.State) error
	LoadQuota(ctx context.Context) (quota.State, bool, error)
}

// Locker serializes runs across processes sharing one storage directory.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}
