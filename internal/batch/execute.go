package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"antigravity/internal/eventbus"
	logx "antigravity/pkg/logx"
)

// Plan assigns count items to platforms round-robin.
func Plan(runID string, count int, platforms []string, niche string) []ItemRequest {
	if count <= 0 || len(platforms) == 0 {
		return nil
	}
	out := make([]ItemRequest, count)
	for i := range out {
		out[i] = ItemRequest{RunID: runID, Index: i, Platform: platforms[i%len(platforms)], Niche: niche}
	}
	return out
}

// execute dispatches plan on a pool of cfg.Concurrency workers. Every item
// is attempted unless ctx ends, in which case no further item starts and the
// run is marked interrupted. Items keep dispatch order.
func (c *Coordinator) execute(ctx context.Context, log logx.Logger, cfg Config, run *Run, plan []ItemRequest) {
	results := make([]ItemResult, len(plan))
	started := make([]bool, len(plan))

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, req := range plan {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// The slot may have freed after shutdown began.
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			results[i] = c.executeOne(ctx, log, cfg, req)
			c.publish(eventbus.TypeBatchItem, results[i])
			return nil
		})
	}
	_ = g.Wait()

	for i := range plan {
		if started[i] {
			run.Items = append(run.Items, results[i])
		}
	}
	run.Interrupted = len(run.Items) < len(plan)
}

// executeOne never fails the batch: errors, panics and timeouts all become a
// failed ItemResult.
func (c *Coordinator) executeOne(ctx context.Context, log logx.Logger, cfg Config, req ItemRequest) (res ItemResult) {
	res = ItemResult{
		Index:     req.Index,
		Platform:  req.Platform,
		Niche:     req.Niche,
		StartedAt: c.now(),
	}

	execCtx := ctx
	if !cfg.CancelInFlight {
		execCtx = context.WithoutCancel(ctx)
	}
	if cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, cfg.ItemTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panic", logx.Int("item", req.Index), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res.Outcome = OutcomeFailure
			res.Error = fmt.Sprintf("panic: %v", r)
			res.ArtifactID = ""
		}
		res.FinishedAt = c.now()
	}()

	resp, err := c.exec.Execute(execCtx, req)
	switch {
	case err != nil:
		res.Outcome = OutcomeFailure
		res.Error = err.Error()
		if errors.Is(err, context.Canceled) {
			res.Error = "cancelled"
		} else if errors.Is(err, context.DeadlineExceeded) {
			res.Error = "timeout: " + err.Error()
		}
	case !resp.Success:
		res.Outcome = OutcomeFailure
		res.Error = firstString(resp.Error, "executor reported failure")
	default:
		res.Outcome = OutcomeSuccess
		res.ArtifactID = resp.ArtifactID
	}

	log.Debug("item finished",
		logx.Int("item", req.Index),
		logx.String("platform", req.Platform),
		logx.String("outcome", string(res.Outcome)),
		logx.String("error", res.Error),
	)
	return res
}
