package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"antigravity/internal/batch"
)

// DryRun sleeps for Delay and reports success with a random artifact ID.
// When FailEvery > 0, every FailEvery-th call fails.
type DryRun struct {
	Delay     time.Duration
	FailEvery int

	calls atomic.Int64
}

func (d *DryRun) Execute(ctx context.Context, req batch.ItemRequest) (batch.ItemResponse, error) {
	n := d.calls.Add(1)
	if d.Delay > 0 {
		t := time.NewTimer(d.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return batch.ItemResponse{}, ctx.Err()
		case <-t.C:
		}
	}
	if d.FailEvery > 0 && n%int64(d.FailEvery) == 0 {
		return batch.ItemResponse{Success: false, Error: fmt.Sprintf("dry run: simulated failure for %s item %d", req.Platform, req.Index)}, nil
	}
	return batch.ItemResponse{Success: true, ArtifactID: "dry_" + uuid.NewString()}, nil
}

// Calls reports how many items were executed.
func (d *DryRun) Calls() int64 { return d.calls.Load() }
