package tasks

import "time"

// TaskContext describes a tracker execution to hooks.
type TaskContext struct {
	TrackerID string
	Name      string
	Type      Type
	Level     int
	StartedAt time.Time
	// Duration is only set for OnTaskDone and OnTaskError.
	Duration time.Duration
}

// TaskHooks are optional lifecycle callbacks. Nil hooks are skipped.
type TaskHooks struct {
	OnTaskStart func(ctx TaskContext)
	OnTaskDone  func(ctx TaskContext)
	OnTaskError func(ctx TaskContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h TaskHooks) Merge(other TaskHooks) TaskHooks {
	return TaskHooks{
		OnTaskStart: chain(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:  chain(h.OnTaskDone, other.OnTaskDone),
		OnTaskError: chainErr(h.OnTaskError, other.OnTaskError),
	}
}

func chain(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErr(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}
