package runtime

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xigadee/microservice/internal/runtime/channel"
	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/poll"
	"github.com/xigadee/microservice/internal/runtime/resource"
	"github.com/xigadee/microservice/transport"
)

// listenerClient is a listener attached to one partition of an incoming
// channel together with its poll state. polling is set while a poll task
// for the client is queued or running.
type listenerClient struct {
	client    transport.ListenerClient
	channel   *channel.Channel
	partition channel.Partition
	limiter   *resource.RateLimiter

	mu      sync.Mutex
	metrics *poll.ClientMetrics

	polling atomic.Bool
	closed  atomic.Bool
}

// withMetrics runs fn holding the metrics lock.
func (lc *listenerClient) withMetrics(fn func(m *poll.ClientMetrics)) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	fn(lc.metrics)
}

func (lc *listenerClient) queueLength() int {
	if r, ok := lc.client.(transport.QueueLengthReporter); ok {
		return r.QueueLength()
	}
	return 0
}

// senderGroup round-robins over the senders attached to one outgoing channel.
type senderGroup struct {
	channel *channel.Channel
	next    atomic.Uint64

	mu      sync.RWMutex
	clients []transport.SenderClient
}

func (g *senderGroup) add(c transport.SenderClient) {
	g.mu.Lock()
	g.clients = append(g.clients, c)
	g.mu.Unlock()
}

func (g *senderGroup) pick() transport.SenderClient {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.clients) == 0 {
		return nil
	}
	return g.clients[(g.next.Add(1)-1)%uint64(len(g.clients))]
}

func (g *senderGroup) list() []transport.SenderClient {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.clients)
}

// ClientStatus describes an attached transport client for the status API.
type ClientStatus struct {
	ID          string        `json:"id"`
	ChannelID   string        `json:"channel_id"`
	Direction   string        `json:"direction"`
	Priority    int           `json:"priority,omitempty"`
	Polling     bool          `json:"polling,omitempty"`
	Closed      bool          `json:"closed,omitempty"`
	QueueLength int           `json:"queue_length,omitempty"`
	Metrics     string        `json:"metrics,omitempty"`
	PollWait    time.Duration `json:"poll_wait,omitempty"`
}

// RegisterChannel declares a channel. Incoming and outgoing channels with
// the same id are distinct.
func (s *Service) RegisterChannel(id string, dir channel.Direction, opts ...channel.Option) (*channel.Channel, error) {
	opts = append(opts, channel.WithCollector(s.collector))
	ch, err := s.channels.Add(id, dir, opts...)
	if err != nil {
		return nil, err
	}
	s.Logger.Debug("Channel registered", loggingpkg.LogFields{
		"channel_id": id,
		"direction":  dir.String(),
		"internal":   ch.Internal,
	})
	return ch, nil
}

// RegisterResourceProfile declares a downstream resource that channels and
// commands name in their resource profiles. It may run before or after the
// profile is first referenced; a second registration of the same id fails.
func (s *Service) RegisterResourceProfile(p resource.Profile) error {
	if _, err := s.resources.Define(p); err != nil {
		return err
	}
	s.Logger.Debug("Resource profile registered", loggingpkg.LogFields{
		"profile_id": p.ID,
		"cutout":     p.CutoutPercentage,
		"rate_limit": p.RateLimit,
	})
	return nil
}

// RedirectAdd adds a redirect rule to a registered channel.
func (s *Service) RedirectAdd(channelID string, dir channel.Direction, rule *channel.RedirectRule) error {
	ch, ok := s.channels.Get(channelID, dir)
	if !ok {
		return fmt.Errorf("%w: %s (%s)", errspkg.ErrChannelNotFound, channelID, dir)
	}
	ch.RedirectAdd(rule)
	return nil
}

// AttachListener attaches client to the partition of an incoming channel
// with the given priority.
func (s *Service) AttachListener(channelID string, priority int, client transport.ListenerClient) error {
	if client == nil {
		return errspkg.ErrTransportRequired
	}
	ch, ok := s.channels.Get(channelID, channel.Incoming)
	if !ok {
		return fmt.Errorf("%w: %s (incoming)", errspkg.ErrChannelNotFound, channelID)
	}
	if err := attachable(ch); err != nil {
		return err
	}
	part, ok := ch.Partition(priority)
	if !ok {
		return fmt.Errorf("%w: channel %s has no partition %d", errspkg.ErrPartitionsRequired, channelID, priority)
	}
	if err := ch.Attach(true); err != nil {
		return err
	}

	metrics := poll.NewClientMetrics(client.ID(), part.Priority, part.Weighting, part.FabricMaxPollWait)
	s.algorithm.InitialiseMetrics(metrics, time.Now())
	lc := &listenerClient{
		client:    client,
		channel:   ch,
		partition: part,
		metrics:   metrics,
		limiter:   s.resources.RateLimiter(ch.ResourceProfiles()...),
	}

	s.clientsMu.Lock()
	s.listeners = append(s.listeners, lc)
	s.clientsMu.Unlock()

	s.Logger.Debug("Listener attached", loggingpkg.LogFields{
		"channel_id": channelID,
		"client_id":  client.ID(),
		"priority":   part.Priority,
	})
	return nil
}

// AttachSender attaches client to an outgoing channel. Messages for the
// channel are spread round robin over its senders.
func (s *Service) AttachSender(channelID string, client transport.SenderClient) error {
	if client == nil {
		return errspkg.ErrTransportRequired
	}
	ch, ok := s.channels.Get(channelID, channel.Outgoing)
	if !ok {
		return fmt.Errorf("%w: %s (outgoing)", errspkg.ErrChannelNotFound, channelID)
	}
	if err := ch.Attach(true); err != nil {
		return err
	}

	s.clientsMu.Lock()
	g, ok := s.senders[channelID]
	if !ok {
		g = &senderGroup{channel: ch}
		s.senders[channelID] = g
	}
	s.clientsMu.Unlock()
	g.add(client)

	s.Logger.Debug("Sender attached", loggingpkg.LogFields{
		"channel_id": channelID,
		"client_id":  client.ID(),
	})
	return nil
}

// AttachTransport builds clients for a registered channel from tr, or from
// the service transport when tr is nil: one listener per partition of an
// incoming channel, one sender for an outgoing channel.
func (s *Service) AttachTransport(channelID string, dir channel.Direction, tr transport.Transport) error {
	if tr == nil {
		tr = s.transport
	}
	if tr == nil {
		return errspkg.ErrTransportRequired
	}
	ch, ok := s.channels.Get(channelID, dir)
	if !ok {
		return fmt.Errorf("%w: %s (%s)", errspkg.ErrChannelNotFound, channelID, dir)
	}
	if err := attachable(ch); err != nil {
		return err
	}

	if dir == channel.Outgoing {
		sender, err := tr.NewSender(channelID)
		if err != nil {
			return fmt.Errorf("create %s sender for %s: %w", tr.Name(), channelID, err)
		}
		return s.AttachSender(channelID, sender)
	}

	for _, part := range ch.Partitions() {
		listener, err := tr.NewListener(channelID)
		if err != nil {
			return fmt.Errorf("create %s listener for %s: %w", tr.Name(), channelID, err)
		}
		if err := s.AttachListener(channelID, part.Priority, listener); err != nil {
			_ = listener.Close()
			return err
		}
	}
	return nil
}

func attachable(ch *channel.Channel) error {
	if ch.Internal {
		return errspkg.ErrInternalChannel
	}
	if len(ch.Partitions()) == 0 {
		return errspkg.ErrPartitionsRequired
	}
	return nil
}

func (s *Service) listenerClients() []*listenerClient {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return slices.Clone(s.listeners)
}

func (s *Service) sendersFor(channelID string) *senderGroup {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return s.senders[channelID]
}

// Clients describes every attached transport client.
func (s *Service) Clients() []ClientStatus {
	var out []ClientStatus
	for _, lc := range s.listenerClients() {
		st := ClientStatus{
			ID:          lc.client.ID(),
			ChannelID:   lc.channel.ID,
			Direction:   channel.Incoming.String(),
			Priority:    lc.partition.Priority,
			Polling:     lc.polling.Load(),
			Closed:      lc.closed.Load(),
			QueueLength: lc.queueLength(),
		}
		lc.withMetrics(func(m *poll.ClientMetrics) {
			st.Metrics = m.String()
			st.PollWait = m.FabricPollWait
		})
		out = append(out, st)
	}

	s.clientsMu.RLock()
	groups := make([]*senderGroup, 0, len(s.senders))
	for _, g := range s.senders {
		groups = append(groups, g)
	}
	s.clientsMu.RUnlock()
	for _, g := range groups {
		for _, c := range g.list() {
			out = append(out, ClientStatus{
				ID:        c.ID(),
				ChannelID: g.channel.ID,
				Direction: channel.Outgoing.String(),
			})
		}
	}
	return out
}

func (s *Service) closeClients() []error {
	s.clientsMu.Lock()
	listeners := s.listeners
	senders := s.senders
	s.listeners = nil
	s.senders = make(map[string]*senderGroup)
	s.clientsMu.Unlock()

	var errList []error
	for _, lc := range listeners {
		lc.closed.Store(true)
		if err := lc.client.Close(); err != nil && !errors.Is(err, errspkg.ErrListenerClosed) {
			errList = append(errList, fmt.Errorf("close listener %s: %w", lc.client.ID(), err))
		}
	}
	for _, g := range senders {
		for _, c := range g.list() {
			if err := c.Close(); err != nil {
				errList = append(errList, fmt.Errorf("close sender %s: %w", c.ID(), err))
			}
		}
	}
	return errList
}
