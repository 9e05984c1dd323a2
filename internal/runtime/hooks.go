package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/metadata"
)

// JobContext provides information about a command execution to hooks.
type JobContext struct {
	// Command is the name of the command processing the message.
	Command string
	// Header is the routing header of the incoming message.
	Header string
	// PayloadID identifies the transmission payload.
	PayloadID string
	// MessageID is the unique identifier of the message.
	MessageID string
	// Metadata contains the message metadata.
	Metadata metadata.Metadata
	// Context is the context the command runs under.
	Context context.Context
	// StartedAt is when the command started processing.
	StartedAt time.Time
	// Duration is how long the command took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// RetryCount is the number of retries spent before this attempt.
	RetryCount int
}

// JobHooks defines callbacks for command lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before each attempt of the command handler.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when an attempt succeeds.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when an attempt returns an error.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// around every attempt. Register it after RetryMiddleware to observe each
// retry, before it to observe the final outcome only.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) CommandMiddleware {
	return func(h CommandHandler) CommandHandler {
		return func(ctx context.Context, cc *CommandContext) error {
			jobCtx := JobContext{
				Command:    cc.Command,
				Header:     cc.Request.Header().String(),
				MessageID:  cc.Request.ID,
				Metadata:   cc.Request.Metadata,
				Context:    ctx,
				StartedAt:  time.Now(),
				RetryCount: cc.Attempt,
			}
			if cc.Payload != nil {
				jobCtx.PayloadID = cc.Payload.ID
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			err := h(ctx, cc)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return err
		}
	}
}

// LoggingHooks returns pre-built hooks that log command lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	logger = loggingpkg.Or(logger)
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"command":     ctx.Command,
				"header":      ctx.Header,
				"message_id":  ctx.MessageID,
				"retry_count": ctx.RetryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"command":     ctx.Command,
				"header":      ctx.Header,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"command":     ctx.Command,
				"header":      ctx.Header,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"retry_count": ctx.RetryCount,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record command metrics.
func MetricsHooks(onStart, onDone, onError func(command, header string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Command, ctx.Header)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Command, ctx.Header)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Command, ctx.Header)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on command errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
