// Package fabric is the in-process message fabric. A Bridge pairs listener
// and sender endpoints and delivers payloads between them either round robin
// (queue mode) or to every listener (broadcast mode).
package fabric

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/jsoncodec"
	"github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// Mode selects how the agent distributes payloads.
type Mode int

const (
	ModeQueue Mode = iota
	ModeBroadcast
)

func (m Mode) String() string {
	if m == ModeBroadcast {
		return "broadcast"
	}
	return "queue"
}

// ParseMode maps a config string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue", "roundrobin", "round-robin":
		return ModeQueue, nil
	case "broadcast":
		return ModeBroadcast, nil
	}
	return ModeQueue, fmt.Errorf("fabric: unknown mode %q", s)
}

// Defaults for sender retries.
const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 50 * time.Millisecond
)

type options struct {
	maxRetries    int
	retryInterval time.Duration
	collector     collector.Collector
	logger        logging.ServiceLogger
}

// Option configures a Bridge.
type Option func(*options)

// WithMaxRetries bounds the retries a sender performs before failing with
// ErrRetryExceeded.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithRetryInterval sets the constant wait between sender retries.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// WithCollector enables boundary, purge and error events.
func WithCollector(c collector.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithLogger sets the bridge logger.
func WithLogger(l logging.ServiceLogger) Option {
	return func(o *options) { o.logger = l }
}

// Bridge owns an Agent and hands out paired endpoints.
type Bridge struct {
	mode  Mode
	opts  options
	agent *Agent
}

// NewBridge creates a bridge in the given mode.
func NewBridge(mode Mode, opts ...Option) *Bridge {
	o := options{maxRetries: DefaultMaxRetries, retryInterval: DefaultRetryInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 0 {
		o.maxRetries = 0
	}
	o.collector = collector.Or(o.collector)
	o.logger = logging.Component(o.logger, "fabric").With(logging.LogFields{"mode": mode.String()})

	return &Bridge{
		mode:  mode,
		opts:  o,
		agent: &Agent{mode: mode, collector: o.collector, logger: o.logger},
	}
}

// Mode returns the delivery mode.
func (b *Bridge) Mode() Mode { return b.mode }

// Agent returns the delivery agent shared by every endpoint.
func (b *Bridge) Agent() *Agent { return b.agent }

// Listener creates and registers a listener endpoint.
func (b *Bridge) Listener(id string) *Listener {
	l := &Listener{
		id:        id,
		agent:     b.agent,
		notify:    make(chan struct{}, 1),
		collector: b.opts.collector,
		logger:    b.opts.logger.With(logging.LogFields{"listener": id}),
	}
	b.agent.register(l)
	return l
}

// Sender creates a sender endpoint.
func (b *Bridge) Sender(id string) *Sender {
	return &Sender{
		id:            id,
		agent:         b.agent,
		maxRetries:    b.opts.maxRetries,
		retryInterval: b.opts.retryInterval,
		collector:     b.opts.collector,
		logger:        b.opts.logger.With(logging.LogFields{"sender": id}),
	}
}

// Agent distributes payloads to registered listeners.
type Agent struct {
	mode      Mode
	counter   atomic.Uint64
	mu        sync.RWMutex
	listeners []*Listener
	collector collector.Collector
	logger    logging.ServiceLogger
}

func (a *Agent) register(l *Listener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

func (a *Agent) unregister(l *Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.listeners {
		if existing == l {
			a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns the registered listeners in registration order.
func (a *Agent) Listeners() []*Listener {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Listener(nil), a.listeners...)
}

// Deliver hands p to the listeners according to the mode. The sender keeps
// ownership of p; listeners receive their own payloads.
func (a *Agent) Deliver(p *messaging.TransmissionPayload) error {
	if p == nil || p.Message == nil {
		return errs.ErrPayloadRequired
	}
	listeners := a.Listeners()
	if len(listeners) == 0 {
		return errs.ErrNoListeners
	}

	if a.mode == ModeQueue {
		n := a.counter.Add(1) - 1
		target := listeners[n%uint64(len(listeners))]
		return target.Inject(forward(p, p.Message.Clone()))
	}

	a.counter.Add(1)
	var delivered int
	var lastErr error
	for _, l := range listeners {
		clone, err := jsoncodec.Clone(p.Message)
		if err != nil {
			return fmt.Errorf("fabric: clone payload %s: %w", p.ID, err)
		}
		if err := l.Inject(forward(p, clone)); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}

// Sent returns how many deliveries the agent has attempted.
func (a *Agent) Sent() uint64 {
	return a.counter.Load()
}

func forward(origin *messaging.TransmissionPayload, msg *messaging.ServiceMessage) *messaging.TransmissionPayload {
	opts := []messaging.PayloadOption{messaging.WithMaxProcessingTime(origin.MaxProcessingTime)}
	if origin.TraceEnabled {
		opts = append(opts, messaging.WithTrace())
	}
	return messaging.NewPayload(msg, opts...)
}
