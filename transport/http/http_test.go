package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xigadee/microservice/internal/runtime/config"
	"github.com/xigadee/microservice/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestRoute(t *testing.T) {
	assert.Equal(t, "/orders", Route("orders"))
	assert.Equal(t, "/orders", Route("/orders"))
}

func TestBuild(t *testing.T) {
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	t.Run("publisher targets base url plus route", func(t *testing.T) {
		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}
		var marshal watermillhttp.MarshalMessageFunc

		PublisherFactory = func(cfg watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			marshal = cfg.MarshalMessageFunc
			return mockPub, nil
		}
		SubscriberFactory = func(addr string, cfg watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, ":8080", addr)
			return mockSub, nil
		}

		cfg := &config.Config{HTTPServerAddress: ":8080", HTTPPublisherURL: "http://localhost:8080/"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		ps := tr.(*transport.PubSub)
		assert.Same(t, mockPub, ps.Publisher())
		assert.Same(t, mockSub, ps.Subscriber())

		require.NotNil(t, marshal)
		req, err := marshal(Route("orders"), message.NewMessage("id-1", []byte("{}")))
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080/orders", req.URL.String())
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
	})
}

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
