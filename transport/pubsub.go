package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/ids"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// PubSub adapts a watermill publisher and subscriber pair into a Transport.
// Each channel id maps to one topic.
type PubSub struct {
	name          string
	publisher     message.Publisher
	subscriber    message.Subscriber
	caps          Capabilities
	logger        watermill.LoggerAdapter
	topic         func(channelID string) string
	maxRetries    int
	retryInterval time.Duration
	hooks         ClientHooks

	mu        sync.Mutex
	closed    bool
	listeners []*pubSubListener
}

// PubSubOption configures a PubSub.
type PubSubOption func(*PubSub)

// WithCapabilities sets the capabilities reported by the transport.
func WithCapabilities(caps Capabilities) PubSubOption {
	return func(ps *PubSub) { ps.caps = caps }
}

// WithLogger sets the watermill logger used by the clients.
func WithLogger(logger watermill.LoggerAdapter) PubSubOption {
	return func(ps *PubSub) {
		if logger != nil {
			ps.logger = logger
		}
	}
}

// WithTopic maps channel ids to broker topics. The default uses the id as is.
func WithTopic(fn func(channelID string) string) PubSubOption {
	return func(ps *PubSub) {
		if fn != nil {
			ps.topic = fn
		}
	}
}

// WithRetry sets the sender publish retry budget.
func WithRetry(maxRetries int, interval time.Duration) PubSubOption {
	return func(ps *PubSub) {
		ps.maxRetries = max(maxRetries, 0)
		ps.retryInterval = interval
	}
}

// WithHooks sets the client hooks.
func WithHooks(hooks ClientHooks) PubSubOption {
	return func(ps *PubSub) { ps.hooks = hooks }
}

// ConfigOptions derives the options every broker transport shares from cfg.
func ConfigOptions(cfg Config, caps Capabilities, logger watermill.LoggerAdapter) []PubSubOption {
	opts := []PubSubOption{WithCapabilities(caps), WithLogger(logger)}
	if cfg != nil && cfg.GetTransmitMaxRetries() > 0 {
		opts = append(opts, WithRetry(cfg.GetTransmitMaxRetries(), cfg.GetTransmitRetryInterval()))
	}
	return opts
}

// NewPubSub creates the adapter. publisher and subscriber may be the same
// value; Close closes each once.
func NewPubSub(name string, publisher message.Publisher, subscriber message.Subscriber, opts ...PubSubOption) *PubSub {
	ps := &PubSub{
		name:          name,
		publisher:     publisher,
		subscriber:    subscriber,
		caps:          Capabilities{Name: name},
		logger:        watermill.NopLogger{},
		topic:         func(channelID string) string { return channelID },
		maxRetries:    3,
		retryInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(ps)
	}
	return ps
}

// Name returns the transport name.
func (ps *PubSub) Name() string { return ps.name }

// Capabilities returns the transport capabilities.
func (ps *PubSub) Capabilities() Capabilities { return ps.caps }

// Publisher returns the underlying publisher.
func (ps *PubSub) Publisher() message.Publisher { return ps.publisher }

// Subscriber returns the underlying subscriber.
func (ps *PubSub) Subscriber() message.Subscriber { return ps.subscriber }

// NewListener creates a listener client for channelID.
func (ps *PubSub) NewListener(channelID string) (ListenerClient, error) {
	if channelID == "" {
		return nil, errs.ErrChannelIDRequired
	}
	if ps.subscriber == nil {
		return nil, fmt.Errorf("transport %s: subscriber is not configured", ps.name)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, errs.ErrListenerClosed
	}
	l := &pubSubListener{
		id:         ids.NewServiceID(ps.name + "-listener"),
		channelID:  channelID,
		topic:      ps.topic(channelID),
		subscriber: ps.subscriber,
		logger:     ps.logger,
		hooks:      ps.hooks,
	}
	if _, err := l.subscribe(); err != nil {
		return nil, err
	}
	ps.listeners = append(ps.listeners, l)
	return l, nil
}

// NewSender creates a sender client for channelID.
func (ps *PubSub) NewSender(channelID string) (SenderClient, error) {
	if channelID == "" {
		return nil, errs.ErrChannelIDRequired
	}
	if ps.publisher == nil {
		return nil, fmt.Errorf("transport %s: publisher is not configured", ps.name)
	}
	return &pubSubSender{
		id:            ids.NewServiceID(ps.name + "-sender"),
		channelID:     channelID,
		topic:         ps.topic(channelID),
		publisher:     ps.publisher,
		logger:        ps.logger,
		hooks:         ps.hooks,
		maxRetries:    ps.maxRetries,
		retryInterval: ps.retryInterval,
	}, nil
}

// Close stops every listener and closes the publisher and subscriber.
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	listeners := ps.listeners
	ps.listeners = nil
	ps.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}

	var errList []error
	if ps.publisher != nil {
		errList = append(errList, ps.publisher.Close())
	}
	if ps.subscriber != nil && any(ps.subscriber) != any(ps.publisher) {
		errList = append(errList, ps.subscriber.Close())
	}
	return errors.Join(errList...)
}

type pubSubListener struct {
	id         string
	channelID  string
	topic      string
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
	hooks      ClientHooks

	mu       sync.Mutex
	messages <-chan *message.Message
	cancel   context.CancelFunc
	closed   atomic.Bool
}

func (l *pubSubListener) ID() string        { return l.id }
func (l *pubSubListener) ChannelID() string { return l.channelID }

// subscribe opens the subscription once. It outlives individual pulls and
// is cancelled by Close.
func (l *pubSubListener) subscribe() (<-chan *message.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.messages != nil {
		return l.messages, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := l.subscriber.Subscribe(ctx, l.topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", l.topic, err)
	}
	l.messages = msgs
	l.cancel = cancel
	return msgs, nil
}

// Pull waits up to wait for the first message, then takes whatever else is
// immediately available up to count.
func (l *pubSubListener) Pull(ctx context.Context, count int, wait time.Duration) ([]*messaging.TransmissionPayload, error) {
	if l.closed.Load() {
		return nil, errs.ErrListenerClosed
	}
	if count <= 0 {
		return nil, nil
	}
	msgs, err := l.subscribe()
	if err != nil {
		l.hooks.exception(l.id, err)
		return nil, err
	}

	out := make([]*messaging.TransmissionPayload, 0, count)
	var first *message.Message
	select {
	case wm, ok := <-msgs:
		if !ok {
			return nil, errs.ErrListenerClosed
		}
		first = wm
	default:
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case wm, ok := <-msgs:
			if !ok {
				return nil, errs.ErrListenerClosed
			}
			first = wm
		}
	}
	if p := l.accept(first); p != nil {
		out = append(out, p)
	}

	for len(out) < count {
		select {
		case wm, ok := <-msgs:
			if !ok {
				return out, nil
			}
			if p := l.accept(wm); p != nil {
				out = append(out, p)
			}
		default:
			return out, nil
		}
	}
	return out, nil
}

// accept decodes wm into a payload whose signal acks or nacks the message.
// Undecodable messages are acked so they do not loop.
func (l *pubSubListener) accept(wm *message.Message) *messaging.TransmissionPayload {
	sm, err := DecodeMessage(wm, l.channelID)
	if err != nil {
		wm.Ack()
		l.logger.Error("Dropping undecodable message", err, watermill.LogFields{
			"listener_id": l.id,
			"message_id":  wm.UUID,
		})
		l.hooks.exception(l.id, err)
		return nil
	}
	p := messaging.NewPayload(sm,
		messaging.WithSource(l.id),
		messaging.WithSignal(func(_ *messaging.TransmissionPayload, success bool) {
			if success {
				wm.Ack()
				return
			}
			wm.Nack()
		}),
	)
	l.hooks.receive(l.id, p)
	return p
}

func (l *pubSubListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	return nil
}

type pubSubSender struct {
	id            string
	channelID     string
	topic         string
	publisher     message.Publisher
	logger        watermill.LoggerAdapter
	hooks         ClientHooks
	maxRetries    int
	retryInterval time.Duration
}

func (s *pubSubSender) ID() string        { return s.id }
func (s *pubSubSender) ChannelID() string { return s.channelID }
func (s *pubSubSender) Close() error      { return nil }

// Transmit publishes p, retrying until the budget left after retry upstream
// attempts is spent. p is signalled with the outcome.
func (s *pubSubSender) Transmit(ctx context.Context, p *messaging.TransmissionPayload, retry int) error {
	if p == nil || p.Message == nil {
		return errs.ErrPayloadRequired
	}
	wm, err := EncodeMessage(p.Message)
	if err != nil {
		p.SignalFail()
		s.hooks.exception(s.id, err)
		return err
	}
	wm.SetContext(ctx)

	remaining := max(s.maxRetries-max(retry, 0), 0)
	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, s.publisher.Publish(s.topic, wm)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.retryInterval)),
		backoff.WithMaxTries(uint(remaining+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("Publish failed, retrying", watermill.LogFields{
				"sender_id":  s.id,
				"topic":      s.topic,
				"attempt":    attempt,
				"next_in_ms": next.Milliseconds(),
				"error":      err.Error(),
			})
		}),
	)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %d attempts: %w", errs.ErrRetryExceeded, attempt, err)
		}
		p.SignalFail()
		s.hooks.exception(s.id, err)
		return err
	}
	p.SignalSuccess()
	s.hooks.transmit(s.id, p)
	return nil
}
