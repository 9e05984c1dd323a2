package collector

import (
	"github.com/xigadee/microservice/internal/runtime/logging"
)

// LoggingCollector writes events to a ServiceLogger. Boundary and dispatch
// events are high volume and go to trace/debug.
type LoggingCollector struct {
	logger logging.ServiceLogger
}

// NewLoggingCollector returns a collector backed by logger.
func NewLoggingCollector(logger logging.ServiceLogger) *LoggingCollector {
	return &LoggingCollector{logger: logging.Component(logger, "collector")}
}

func (l *LoggingCollector) Write(e Event) {
	switch ev := e.(type) {
	case BoundaryEvent:
		l.logger.Trace("Boundary", logging.LogFields{
			"direction":  ev.Direction,
			"channel":    ev.ChannelID,
			"client":     ev.ClientID,
			"payload_id": ev.PayloadID,
			"header":     ev.Header,
		})
	case RedirectEvent:
		l.logger.Debug("Redirected payload", logging.LogFields{
			"rule":       ev.RuleID,
			"from":       ev.From,
			"to":         ev.To,
			"payload_id": ev.PayloadID,
			"cached":     ev.Cached,
		})
	case StateChangeEvent:
		l.logger.Info("Master job state changed", logging.LogFields{
			"job":     ev.Job,
			"old":     ev.Old,
			"new":     ev.New,
			"counter": ev.Counter,
		})
	case ErrorEvent:
		l.logger.Error("Contained failure", ev.Err, logging.LogFields{
			"component":  ev.Component,
			"payload_id": ev.PayloadID,
		})
	case DispatchEvent:
		l.logger.Debug("Dispatched payload", logging.LogFields{
			"header":      ev.Header,
			"payload_id":  ev.PayloadID,
			"success":     ev.Success,
			"unhandled":   ev.Unhandled,
			"duration_ms": ev.Duration.Milliseconds(),
		})
	case ResourceEvent:
		l.logger.Debug("Resource throttle", logging.LogFields{
			"profile":     ev.ProfileID,
			"percentage":  ev.Percentage,
			"retry_ratio": ev.RetryRatio,
		})
	case PurgeEvent:
		l.logger.Info("Purged listener", logging.LogFields{
			"client": ev.ClientID,
			"count":  ev.Count,
		})
	default:
		l.logger.Debug("Collected event", logging.LogFields{"event_type": string(e.EventType())})
	}
}
