package scheduler

import (
	"context"

	"swing-trade-bot-go/internal/config"
	"swing-trade-bot-go/internal/trader"
)

// Job names.
const (
	JobShortlist     = "shortlist"
	JobEntryDecision = "entry_decision"
	JobExitMarking   = "exit_marking"
	JobExitExecution = "exit_execution"
)

// Engine is the set of engine operations run on a schedule.
type Engine interface {
	UpdateShortlist(ctx context.Context) trader.Summary
	RunEntryDecision(ctx context.Context) trader.Summary
	RunExitMarking(ctx context.Context) trader.Summary
	RunExitExecution(ctx context.Context) trader.Summary
}

// EngineJobs binds the four daily engine operations to their schedules.
func EngineJobs(e Engine, sched config.Schedule) []Job {
	op := func(fn func(context.Context) trader.Summary) func(context.Context) error {
		return func(ctx context.Context) error {
			s := fn(ctx)
			return s.Err()
		}
	}
	return []Job{
		{Name: JobShortlist, Spec: sched.Shortlist, Run: op(e.UpdateShortlist)},
		{Name: JobEntryDecision, Spec: sched.EntryDecision, Run: op(e.RunEntryDecision)},
		{Name: JobExitMarking, Spec: sched.ExitMarking, Run: op(e.RunExitMarking)},
		{Name: JobExitExecution, Spec: sched.ExitExecution, Run: op(e.RunExitExecution)},
	}
}
