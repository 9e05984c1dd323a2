package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xigadee/microservice/internal/runtime/ids"
)

// SignalFunc observes the outcome of a payload.
type SignalFunc func(p *TransmissionPayload, success bool)

// Trace is one entry of a payload's processing trace.
type Trace struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Detail string    `json:"detail"`
}

// TransmissionPayload wraps exactly one ServiceMessage while it is in flight.
// Its completion signal fires at most once; later signals are ignored.
type TransmissionPayload struct {
	ID                string
	Source            string
	Message           *ServiceMessage
	MaxProcessingTime time.Duration
	TraceEnabled      bool
	Created           time.Time

	once      sync.Once
	done      chan struct{}
	signalled atomic.Bool
	success   atomic.Bool

	mu        sync.Mutex
	observers []SignalFunc
	traces    []Trace
}

// PayloadOption configures a payload at construction.
type PayloadOption func(*TransmissionPayload)

// WithSource records the client id that produced the payload.
func WithSource(source string) PayloadOption {
	return func(p *TransmissionPayload) { p.Source = source }
}

// WithMaxProcessingTime bounds how long dispatch may take.
func WithMaxProcessingTime(d time.Duration) PayloadOption {
	return func(p *TransmissionPayload) { p.MaxProcessingTime = d }
}

// WithTrace enables trace recording.
func WithTrace() PayloadOption {
	return func(p *TransmissionPayload) { p.TraceEnabled = true }
}

// WithSignal registers a completion observer.
func WithSignal(fn SignalFunc) PayloadOption {
	return func(p *TransmissionPayload) {
		if fn != nil {
			p.observers = append(p.observers, fn)
		}
	}
}

// NewPayload wraps msg.
func NewPayload(msg *ServiceMessage, opts ...PayloadOption) *TransmissionPayload {
	p := &TransmissionPayload{
		ID:      ids.CreateULID(),
		Message: msg,
		Created: time.Now(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Header returns the wrapped message's routing triple.
func (p *TransmissionPayload) Header() ServiceMessageHeader {
	if p.Message == nil {
		return ServiceMessageHeader{}
	}
	return p.Message.Header()
}

// Priority returns the message's channel priority when one was set.
func (p *TransmissionPayload) Priority() (int, bool) {
	if p.Message == nil || p.Message.ChannelPriority == nil {
		return 0, false
	}
	return *p.Message.ChannelPriority, true
}

// OnSignal registers an observer. If the payload has already been signalled
// fn runs immediately with the recorded outcome.
func (p *TransmissionPayload) OnSignal(fn SignalFunc) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	if !p.signalled.Load() {
		p.observers = append(p.observers, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn(p, p.success.Load())
}

// Signal completes the payload. It returns false when the payload had
// already been signalled, in which case nothing happens.
func (p *TransmissionPayload) Signal(success bool) bool {
	fired := false
	p.once.Do(func() {
		fired = true
		p.mu.Lock()
		p.success.Store(success)
		p.signalled.Store(true)
		observers := p.observers
		p.observers = nil
		p.mu.Unlock()

		if p.done != nil {
			close(p.done)
		}
		for _, fn := range observers {
			fn(p, success)
		}
	})
	return fired
}

// SignalSuccess is shorthand for Signal(true).
func (p *TransmissionPayload) SignalSuccess() bool { return p.Signal(true) }

// SignalFail is shorthand for Signal(false).
func (p *TransmissionPayload) SignalFail() bool { return p.Signal(false) }

// Signalled reports whether the payload has completed.
func (p *TransmissionPayload) Signalled() bool { return p.signalled.Load() }

// Succeeded reports whether the payload completed successfully.
func (p *TransmissionPayload) Succeeded() bool { return p.signalled.Load() && p.success.Load() }

// Wait blocks until the payload is signalled or ctx ends.
func (p *TransmissionPayload) Wait(ctx context.Context) (bool, error) {
	if p.done == nil {
		return p.Succeeded(), nil
	}
	select {
	case <-p.done:
		return p.success.Load(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// TraceWrite appends a trace entry when tracing is enabled.
func (p *TransmissionPayload) TraceWrite(source, detail string) {
	if !p.TraceEnabled {
		return
	}
	p.mu.Lock()
	p.traces = append(p.traces, Trace{At: time.Now(), Source: source, Detail: detail})
	p.mu.Unlock()
}

// Traces returns a copy of the recorded trace.
func (p *TransmissionPayload) Traces() []Trace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Trace(nil), p.traces...)
}

// Deadline returns the processing deadline, if MaxProcessingTime is set.
func (p *TransmissionPayload) Deadline() (time.Time, bool) {
	if p.MaxProcessingTime <= 0 {
		return time.Time{}, false
	}
	return p.Created.Add(p.MaxProcessingTime), true
}
