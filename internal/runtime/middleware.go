package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	idspkg "github.com/xigadee/microservice/internal/runtime/ids"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
)

const tracerName = "github.com/xigadee/microservice"

// CommandHandler executes a command for one incoming message.
type CommandHandler func(ctx context.Context, cc *CommandContext) error

// CommandMiddleware wraps a CommandHandler.
type CommandMiddleware func(CommandHandler) CommandHandler

// MiddlewareBuilder constructs a command middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (CommandMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service.
// The first registered middleware is the outermost.
type MiddlewareRegistration struct {
	Name       string
	Middleware CommandMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour. Zero
// values fall back to the service config, then to library defaults.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = retryable
	}
	return cfg
}

// retryable rejects failures a second attempt cannot fix.
func retryable(err error) bool {
	var unprocessable *errspkg.UnprocessableMessageError
	return !errors.As(err, &unprocessable) &&
		!errors.Is(err, errspkg.ErrTransitCountExceeded) &&
		!errors.Is(err, context.Canceled)
}

// DefaultMiddlewares returns the standard middleware chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationKeyMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// CorrelationKeyMiddleware stamps a correlation key on requests that arrive without one.
func CorrelationKeyMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_key",
		Middleware: func(h CommandHandler) CommandHandler {
			return func(ctx context.Context, cc *CommandContext) error {
				if cc.Request.CorrelationKey == "" {
					cc.Request.CorrelationKey = idspkg.CreateULID()
				}
				return h(ctx, cc)
			}
		},
	}
}

// LogMessagesMiddleware logs the header, size and metadata of handled messages.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (CommandMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) CommandMiddleware {
	return func(h CommandHandler) CommandHandler {
		return func(ctx context.Context, cc *CommandContext) error {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_id":      cc.Request.ID,
				"command":         cc.Command,
				"header":          cc.Request.Header().String(),
				"correlation_key": cc.Request.CorrelationKey,
				"body_bytes":      len(cc.Request.Body),
				"metadata":        cc.Request.Metadata,
			})
			return h(ctx, cc)
		}
	}
}

// TracerMiddleware wraps command execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h CommandHandler) CommandHandler {
			return func(ctx context.Context, cc *CommandContext) error {
				ctx, span := otel.Tracer(tracerName).Start(ctx, "command "+cc.Command,
					trace.WithSpanKind(trace.SpanKindConsumer),
					trace.WithAttributes(
						attribute.String("message.id", cc.Request.ID),
						attribute.String("message.header", cc.Request.Header().String()),
						attribute.String("message.correlation_key", cc.Request.CorrelationKey),
						attribute.Int("message.transit_count", cc.Request.TransitCount),
					),
				)
				defer span.End()

				err := h(ctx, cc)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return err
			}
		},
	}
}

// MetricsMiddleware records command latency and outcome in Prometheus.
// It is a no-op unless metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (CommandMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			duration, err := registerCollector(s.registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "microservice",
				Name:      "command_duration_seconds",
				Help:      "Command execution time.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"command", "outcome"}))
			if err != nil {
				return nil, err
			}
			total, err := registerCollector(s.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "microservice",
				Name:      "command_total",
				Help:      "Command executions by outcome.",
			}, []string{"command", "outcome"}))
			if err != nil {
				return nil, err
			}

			return func(h CommandHandler) CommandHandler {
				return func(ctx context.Context, cc *CommandContext) error {
					start := time.Now()
					err := h(ctx, cc)
					outcome := "success"
					if err != nil {
						outcome = string(s.getErrorClassifier()(err))
					}
					duration.WithLabelValues(cc.Command, outcome).Observe(time.Since(start).Seconds())
					total.WithLabelValues(cc.Command, outcome).Inc()
					return err
				}
			}, nil
		},
	}
}

// registerCollector registers c, reusing an identical collector that is
// already registered.
func registerCollector[T prometheus.Collector](r prometheus.Registerer, c T) (T, error) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RetryMiddleware retries command execution with exponential backoff. Each
// retry is reported to the command's resource profiles so the listener
// poll throttles back.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (CommandMiddleware, error) {
			merged := cfg
			if merged.MaxRetries <= 0 {
				merged.MaxRetries = s.Conf.RetryMaxRetries
			}
			if merged.InitialInterval <= 0 {
				merged.InitialInterval = s.Conf.RetryInitialInterval
			}
			if merged.MaxInterval <= 0 {
				merged.MaxInterval = s.Conf.RetryMaxInterval
			}
			return retryMiddleware(merged.withDefaults()), nil
		},
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig) CommandMiddleware {
	return func(h CommandHandler) CommandHandler {
		return func(ctx context.Context, cc *CommandContext) error {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxInterval = cfg.MaxInterval

			_, err := backoff.Retry(ctx, func() (struct{}, error) {
				cc.resetOutgoing()
				err := h(ctx, cc)
				if err != nil && !cfg.RetryIf(err) {
					return struct{}{}, backoff.Permanent(err)
				}
				return struct{}{}, err
			},
				backoff.WithBackOff(b),
				backoff.WithMaxTries(uint(cfg.MaxRetries+1)),
				backoff.WithNotify(func(err error, next time.Duration) {
					cc.retry(err.Error())
					cc.Logger.Debug("Command failed, retrying", loggingpkg.LogFields{
						"attempt":    cc.Attempt,
						"next_in_ms": next.Milliseconds(),
						"error":      err.Error(),
					})
				}),
			)
			return err
		}
	}
}

// RecovererMiddleware converts panics into command errors so they can be retried.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: func(h CommandHandler) CommandHandler {
			return func(ctx context.Context, cc *CommandContext) (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("%w: %v", errspkg.ErrTaskPanicked, r)
						cc.Logger.Error("Command panicked", err, loggingpkg.LogFields{
							"stack": string(debug.Stack()),
						})
					}
				}()
				return h(ctx, cc)
			}
		},
	}
}

// RegisterMiddleware appends a middleware to the command chain. Middleware
// must be registered before Start.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.started.Load() {
		return errspkg.ErrServiceStarted
	}

	var mw CommandMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.commandsMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.commandsMu.Unlock()
	return nil
}

// chain wraps h in every registered middleware, first registered outermost.
func (s *Service) chain(h CommandHandler) CommandHandler {
	s.commandsMu.RLock()
	defer s.commandsMu.RUnlock()
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}
