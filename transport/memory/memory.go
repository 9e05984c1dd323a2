// Package memory provides the in-process fabric transport. Every channel id
// gets its own fabric bridge, so services sharing one Transport value can
// talk to each other without a broker.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/fabric"
	"github.com/xigadee/microservice/internal/runtime/ids"
	"github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a memory transport from config. The fabric mode and the
// sender retry budget come from the config.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	mode, err := fabric.ParseMode(cfg.GetFabricMode())
	if err != nil {
		return nil, err
	}
	opts := []Option{WithMode(mode)}
	if ch := cfg.GetMasterJobChannel(); ch != "" {
		opts = append(opts, WithBroadcastChannels(ch))
	}
	opts = append(opts, WithRetry(cfg.GetTransmitMaxRetries(), cfg.GetTransmitRetryInterval()))
	if logger != nil {
		opts = append(opts, WithLogger(logging.NewWatermillServiceLogger(logger)))
	}
	return New(opts...), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Option configures a Transport.
type Option func(*Transport)

// WithMode sets the default delivery mode for channels.
func WithMode(mode fabric.Mode) Option {
	return func(t *Transport) { t.mode = mode }
}

// WithBroadcastChannels forces broadcast delivery on the given channels
// regardless of the default mode. Master job negotiation channels need it.
func WithBroadcastChannels(channelIDs ...string) Option {
	return func(t *Transport) {
		for _, id := range channelIDs {
			t.broadcast[id] = true
		}
	}
}

// WithRetry sets the sender retry budget.
func WithRetry(maxRetries int, interval time.Duration) Option {
	return func(t *Transport) {
		t.fabricOpts = append(t.fabricOpts, fabric.WithMaxRetries(maxRetries))
		if interval > 0 {
			t.fabricOpts = append(t.fabricOpts, fabric.WithRetryInterval(interval))
		}
	}
}

// WithCollector routes fabric events to col.
func WithCollector(col collector.Collector) Option {
	return func(t *Transport) { t.fabricOpts = append(t.fabricOpts, fabric.WithCollector(col)) }
}

// WithLogger sets the fabric logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(t *Transport) { t.fabricOpts = append(t.fabricOpts, fabric.WithLogger(logger)) }
}

// Transport hands out fabric endpoints keyed by channel id.
type Transport struct {
	mode       fabric.Mode
	broadcast  map[string]bool
	fabricOpts []fabric.Option

	mu        sync.Mutex
	bridges   map[string]*fabric.Bridge
	listeners []*Listener
	closed    bool
}

// New creates a memory transport. The default mode is queue.
func New(opts ...Option) *Transport {
	t := &Transport{
		mode:      fabric.ModeQueue,
		broadcast: make(map[string]bool),
		bridges:   make(map[string]*fabric.Bridge),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the transport name.
func (t *Transport) Name() string { return TransportName }

// Capabilities returns the transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities { return transport.MemoryCapabilities }

// Bridge returns the bridge serving channelID, creating it on first use.
func (t *Transport) Bridge(channelID string) *fabric.Bridge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bridgeLocked(channelID)
}

func (t *Transport) bridgeLocked(channelID string) *fabric.Bridge {
	if b, ok := t.bridges[channelID]; ok {
		return b
	}
	mode := t.mode
	if t.broadcast[channelID] {
		mode = fabric.ModeBroadcast
	}
	b := fabric.NewBridge(mode, t.fabricOpts...)
	t.bridges[channelID] = b
	return b
}

// NewListener registers a listener on the channel's bridge.
func (t *Transport) NewListener(channelID string) (transport.ListenerClient, error) {
	if channelID == "" {
		return nil, errs.ErrChannelIDRequired
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errs.ErrListenerClosed
	}
	id := ids.NewServiceID("memory-listener")
	l := &Listener{channelID: channelID, fabric: t.bridgeLocked(channelID).Listener(id)}
	t.listeners = append(t.listeners, l)
	return l, nil
}

// NewSender creates a sender on the channel's bridge.
func (t *Transport) NewSender(channelID string) (transport.SenderClient, error) {
	if channelID == "" {
		return nil, errs.ErrChannelIDRequired
	}
	id := ids.NewServiceID("memory-sender")
	return &Sender{channelID: channelID, fabric: t.Bridge(channelID).Sender(id)}, nil
}

// Close closes every listener, failing what they still hold.
func (t *Transport) Close() error {
	t.mu.Lock()
	listeners := t.listeners
	t.listeners = nil
	t.closed = true
	t.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	return nil
}

// Listener is a listener client backed by a fabric listener.
type Listener struct {
	channelID string
	fabric    *fabric.Listener
}

func (l *Listener) ID() string        { return l.fabric.ID() }
func (l *Listener) ChannelID() string { return l.channelID }

// Pull takes up to count payloads, waiting up to wait for the first one.
func (l *Listener) Pull(ctx context.Context, count int, wait time.Duration) ([]*messaging.TransmissionPayload, error) {
	return l.fabric.Pull(ctx, count, wait, "")
}

// QueueLength reports the pending payload count.
func (l *Listener) QueueLength() int { return l.fabric.QueueLength() }

// Purge fails every pending payload.
func (l *Listener) Purge() int { return l.fabric.Purge() }

func (l *Listener) Close() error { return l.fabric.Close() }

// Sender is a sender client backed by a fabric sender.
type Sender struct {
	channelID string
	fabric    *fabric.Sender
}

func (s *Sender) ID() string        { return s.fabric.ID() }
func (s *Sender) ChannelID() string { return s.channelID }

// Transmit delivers p through the channel's bridge.
func (s *Sender) Transmit(ctx context.Context, p *messaging.TransmissionPayload, retry int) error {
	return s.fabric.Transmit(ctx, p, retry)
}

func (s *Sender) Close() error { return nil }
