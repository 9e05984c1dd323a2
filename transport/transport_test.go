package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/xigadee/microservice/internal/runtime/config"
)

var _ Config = (*config.Config)(nil)

func testConfig(system string) *config.Config {
	return &config.Config{PubSubSystem: system, ServiceName: "test"}
}

// Mock publisher and subscriber
type mockPublisher struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	published []*message.Message
	closed    bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failUntil {
		return errors.New("broker unavailable")
	}
	m.published = append(m.published, messages...)
	return nil
}

func (m *mockPublisher) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type mockSubscriber struct {
	ch     chan *message.Message
	err    error
	topics []string
	closed bool
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.topics = append(m.topics, topic)
	if m.ch == nil {
		m.ch = make(chan *message.Message, 16)
	}
	return m.ch, nil
}

func (m *mockSubscriber) Close() error {
	m.closed = true
	return nil
}

type nopTransport struct{ name string }

func (n nopTransport) Name() string                                { return n.name }
func (n nopTransport) NewListener(string) (ListenerClient, error) { return nil, nil }
func (n nopTransport) NewSender(string) (SenderClient, error)     { return nil, nil }
func (n nopTransport) Capabilities() Capabilities                  { return Capabilities{Name: n.name} }
func (n nopTransport) Close() error                                { return nil }
