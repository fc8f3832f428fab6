package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"antigravity/internal/batch"
	"antigravity/internal/config"
	"antigravity/internal/decision"
	"antigravity/internal/executor"
)

// newDecisionMaker builds the configured driver. With adaptive batching off
// every run uses the default size.
func newDecisionMaker(cfg *config.Config) (batch.DecisionMaker, error) {
	if !cfg.Batch.Adaptive {
		return decision.Static{Size: cfg.Batch.DefaultBatchSize}, nil
	}
	dc := cfg.Decision
	switch dc.Driver {
	case "", "rules":
		loc, err := cfg.Location()
		if err != nil {
			return nil, err
		}
		return decision.Rules{
			DefaultSize:  cfg.Batch.DefaultBatchSize,
			MaxBatchSize: cfg.Batch.MaxBatchSize,
			PeakHours:    dc.PeakHours,
			Location:     loc,
			VetoBelow:    dc.VetoBelowSuccessRate,
			VetoMinRuns:  dc.VetoMinRuns,
		}, nil
	case "static":
		return decision.Static{Size: cfg.Batch.DefaultBatchSize}, nil
	case "http":
		timeout, err := config.ParseDurationField("decision.timeout", dc.Timeout)
		if err != nil {
			return nil, err
		}
		return decision.NewHTTP(dc.URL, dc.Token, timeout), nil
	default:
		return nil, fmt.Errorf("unknown decision.driver: %s", dc.Driver)
	}
}

func newExecutor(cfg *config.Config) (batch.Executor, error) {
	ec := cfg.Executor
	switch ec.Driver {
	case "", "dryrun":
		delay, err := config.ParseDurationField("executor.dry_run_delay", ec.DryRunDelay)
		if err != nil {
			return nil, err
		}
		return &executor.DryRun{Delay: delay, FailEvery: ec.DryRunFailEvery}, nil
	case "command":
		return executor.NewCommand(ec.Command)
	case "http":
		timeout, err := config.ParseDurationField("executor.timeout", ec.Timeout)
		if err != nil {
			return nil, err
		}
		return executor.NewHTTP(ec.URL, ec.Token, timeout), nil
	default:
		return nil, fmt.Errorf("unknown executor.driver: %s", ec.Driver)
	}
}

// deciderSwitch lets a config reload replace the decision driver between
// runs.
type deciderSwitch struct{ v atomic.Pointer[deciderBox] }

type deciderBox struct{ batch.DecisionMaker }

func newDeciderSwitch(dm batch.DecisionMaker) *deciderSwitch {
	s := &deciderSwitch{}
	s.Store(dm)
	return s
}

func (s *deciderSwitch) Store(dm batch.DecisionMaker) { s.v.Store(&deciderBox{dm}) }

func (s *deciderSwitch) Decide(ctx context.Context, req batch.DecisionRequest) (batch.Decision, error) {
	return s.v.Load().Decide(ctx, req)
}

type executorSwitch struct{ v atomic.Pointer[executorBox] }

type executorBox struct{ batch.Executor }

func newExecutorSwitch(ex batch.Executor) *executorSwitch {
	s := &executorSwitch{}
	s.Store(ex)
	return s
}

func (s *executorSwitch) Store(ex batch.Executor) { s.v.Store(&executorBox{ex}) }

func (s *executorSwitch) Execute(ctx context.Context, req batch.ItemRequest) (batch.ItemResponse, error) {
	return s.v.Load().Execute(ctx, req)
}
