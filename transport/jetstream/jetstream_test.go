package jetstream

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsQueueLength)
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, "microservice", result.ConsumerName)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "CUSTOM",
			ConsumerName:    "billing",
			MaxDeliver:      5,
			AckWait:         time.Minute,
			Replicas:        3,
			RetentionPolicy: "workqueue",
		}
		assert.Equal(t, cfg, cfg.withDefaults())
	})

	t.Run("negative values get defaults", func(t *testing.T) {
		result := Config{MaxDeliver: -1, AckWait: -1, Replicas: -1}.withDefaults()

		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})
}

func TestNaming(t *testing.T) {
	tr := &Transport{config: Config{ConsumerName: "billing"}.withDefaults()}
	assert.Equal(t, "MICROSERVICE.orders", tr.Subject("orders"))
	assert.Equal(t, "billing_orders_eu", tr.consumer("orders.eu"))
	assert.Equal(t, "billing_a__", tr.consumer("a.>"))
}

func TestAcceptDecodesEnvelope(t *testing.T) {
	msg := messaging.NewServiceMessage(messaging.NewHeader("orders", "order", "create"), []byte(`{}`))
	wm, err := transport.EncodeMessage(msg)
	require.NoError(t, err)

	header := nats.Header{}
	for k, v := range wm.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, wm.UUID)

	l := &Listener{id: "l-1", channelID: "orders", logger: watermill.NopLogger{}}
	p := l.accept(&nats.Msg{Subject: "MICROSERVICE.orders", Data: wm.Payload, Header: header})
	require.NotNil(t, p)
	assert.Equal(t, msg.ID, p.Message.ID)
	assert.Equal(t, "l-1", p.Source)
	assert.Equal(t, "create", p.Message.ActionType)

	// Settling an unbound message only logs.
	assert.True(t, p.SignalSuccess())

	assert.Nil(t, l.accept(&nats.Msg{Subject: "MICROSERVICE.orders", Data: []byte("{")}))
}
