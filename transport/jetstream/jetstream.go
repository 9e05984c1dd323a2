// Package jetstream provides a NATS JetStream transport. Listeners are
// durable pull consumers, so Pull maps directly onto a JetStream fetch and
// the queue length comes from the consumer's pending count.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/ids"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultStreamName is used when Config.StreamName is empty.
	DefaultStreamName = "MICROSERVICE"

	minFetchWait = 10 * time.Millisecond
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(Config{
		URL:          cfg.GetNATSURL(),
		ConsumerName: cfg.GetServiceName(),
	}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	StreamName string

	// ConsumerName prefixes the durable consumer of each channel. Instances
	// sharing it share the work on a channel.
	ConsumerName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "microservice"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport hands out JetStream listener and sender clients.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	listeners []*Listener
	closed    bool
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger,
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: t.config.Replicas,
	}

	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string { return TransportName }

// Capabilities returns the transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Subject maps a channel id onto a stream subject.
func (t *Transport) Subject(channelID string) string {
	return t.config.StreamName + "." + channelID
}

func (t *Transport) consumer(channelID string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(t.config.ConsumerName + "_" + channelID)
}

// NewListener creates a durable pull consumer for channelID.
func (t *Transport) NewListener(channelID string) (transport.ListenerClient, error) {
	if channelID == "" {
		return nil, errs.ErrChannelIDRequired
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errs.ErrListenerClosed
	}

	subject := t.Subject(channelID)
	durable := t.consumer(channelID)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	l := &Listener{
		id:        ids.NewServiceID("jetstream-listener"),
		channelID: channelID,
		sub:       sub,
		logger:    t.logger,
	}
	t.listeners = append(t.listeners, l)
	return l, nil
}

// NewSender creates a sender publishing to the channel's subject.
func (t *Transport) NewSender(channelID string) (transport.SenderClient, error) {
	if channelID == "" {
		return nil, errs.ErrChannelIDRequired
	}
	return &Sender{
		id:        ids.NewServiceID("jetstream-sender"),
		channelID: channelID,
		subject:   t.Subject(channelID),
		js:        t.js,
	}, nil
}

// Close unsubscribes every listener and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	t.nc.Close()
	return nil
}

// Listener is a JetStream pull consumer bound to one channel.
type Listener struct {
	id        string
	channelID string
	sub       *nats.Subscription
	logger    watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

func (l *Listener) ID() string        { return l.id }
func (l *Listener) ChannelID() string { return l.channelID }

// Pull fetches up to count messages, waiting up to wait for them.
func (l *Listener) Pull(ctx context.Context, count int, wait time.Duration) ([]*messaging.TransmissionPayload, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, errs.ErrListenerClosed
	}
	if count <= 0 {
		return nil, nil
	}

	// Fetch needs a deadline; a zero wait still gives the server a round trip.
	fetchCtx, cancel := context.WithTimeout(ctx, max(wait, minFetchWait))
	defer cancel()

	msgs, err := l.sub.Fetch(count, nats.Context(fetchCtx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]*messaging.TransmissionPayload, 0, len(msgs))
	for _, nm := range msgs {
		if p := l.accept(nm); p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (l *Listener) accept(nm *nats.Msg) *messaging.TransmissionPayload {
	wm := message.NewMessage(nm.Header.Get(nats.MsgIdHdr), nm.Data)
	for k, v := range nm.Header {
		if len(v) > 0 {
			wm.Metadata.Set(k, v[0])
		}
	}
	sm, err := transport.DecodeMessage(wm, l.channelID)
	if err != nil {
		l.logger.Error("Dropping undecodable message", err, watermill.LogFields{"subject": nm.Subject})
		_ = nm.Term()
		return nil
	}
	return messaging.NewPayload(sm,
		messaging.WithSource(l.id),
		messaging.WithSignal(func(_ *messaging.TransmissionPayload, success bool) {
			var err error
			if success {
				err = nm.Ack()
			} else {
				err = nm.Nak()
			}
			if err != nil {
				l.logger.Error("Failed to settle message", err, watermill.LogFields{"message_id": sm.ID})
			}
		}),
	)
}

// QueueLength returns the consumer's pending message count.
func (l *Listener) QueueLength() int {
	info, err := l.sub.ConsumerInfo()
	if err != nil {
		return 0
	}
	return int(info.NumPending)
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.sub.Unsubscribe()
}

// Sender publishes envelopes to one subject.
type Sender struct {
	id        string
	channelID string
	subject   string
	js        nats.JetStreamContext
}

func (s *Sender) ID() string        { return s.id }
func (s *Sender) ChannelID() string { return s.channelID }
func (s *Sender) Close() error      { return nil }

// Transmit publishes p once; JetStream deduplicates by message id, so the
// caller may retry safely.
func (s *Sender) Transmit(ctx context.Context, p *messaging.TransmissionPayload, retry int) error {
	if p == nil || p.Message == nil {
		return errs.ErrPayloadRequired
	}
	wm, err := transport.EncodeMessage(p.Message)
	if err != nil {
		p.SignalFail()
		return err
	}
	header := nats.Header{}
	for k, v := range wm.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, wm.UUID)

	if _, err := s.js.PublishMsg(&nats.Msg{Subject: s.subject, Data: wm.Payload, Header: header}, nats.Context(ctx)); err != nil {
		p.SignalFail()
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	p.SignalSuccess()
	return nil
}
