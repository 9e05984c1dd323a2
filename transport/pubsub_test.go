package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/internal/runtime/metadata"
)

func newPayload(channelID string, body string) *messaging.TransmissionPayload {
	msg := messaging.NewServiceMessage(messaging.NewHeader(channelID, "greeting", "hello"), []byte(body))
	msg.CorrelationKey = "corr-1"
	return messaging.NewPayload(msg.WithPriority(2))
}

func TestEncodeDecodeMessage(t *testing.T) {
	p := newPayload("incoming", `{"name":"ada"}`)
	p.Message.Metadata = metadata.Metadata{"tenant": "acme"}

	wm, err := EncodeMessage(p.Message)
	require.NoError(t, err)
	assert.Equal(t, p.Message.ID, wm.UUID)
	assert.Equal(t, "incoming", wm.Metadata.Get(metadata.KeyChannelID))
	assert.Equal(t, "2", wm.Metadata.Get(metadata.KeyChannelPriority))
	assert.Equal(t, "corr-1", wm.Metadata.Get(metadata.KeyCorrelationKey))
	assert.Equal(t, "acme", wm.Metadata.Get("tenant"))

	sm, err := DecodeMessage(wm, "ignored")
	require.NoError(t, err)
	assert.Equal(t, p.Message.ID, sm.ID)
	assert.Equal(t, "incoming", sm.ChannelID)
	assert.Equal(t, []byte(`{"name":"ada"}`), sm.Body)
	prio, ok := messaging.NewPayload(sm).Priority()
	require.True(t, ok)
	assert.Equal(t, 2, prio)
	assert.Equal(t, "acme", sm.Metadata["tenant"])
	assert.NotContains(t, sm.Metadata, metadata.KeyMessageID, "routing mirrors stay on the broker message")

	_, err = EncodeMessage(nil)
	assert.Error(t, err)
	_, err = DecodeMessage(message.NewMessage("x", []byte("not json")), "c")
	assert.Error(t, err)
}

func TestDecodeMessageDefaults(t *testing.T) {
	wm := message.NewMessage("wm-uuid", []byte(`{"message_type":"a","action_type":"b"}`))
	sm, err := DecodeMessage(wm, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "wm-uuid", sm.ID)
	assert.Equal(t, "fallback", sm.ChannelID)
}

func TestPubSubRoundTrip(t *testing.T) {
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	ps := NewPubSub("channel", gc, gc, WithCapabilities(ChannelCapabilities))
	defer ps.Close()

	var received, transmitted int
	ps.hooks = ClientHooks{
		OnReceive:  func(string, *messaging.TransmissionPayload) { received++ },
		OnTransmit: func(string, *messaging.TransmissionPayload) { transmitted++ },
	}

	l, err := ps.NewListener("orders")
	require.NoError(t, err)
	s, err := ps.NewSender("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", l.ChannelID())
	assert.Equal(t, "orders", s.ChannelID())

	out := newPayload("orders", "1")
	require.NoError(t, s.Transmit(context.Background(), out, 0))
	assert.True(t, out.Succeeded())

	got, err := l.Pull(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, out.Message.ID, got[0].Message.ID)
	assert.Equal(t, l.ID(), got[0].Source)
	got[0].SignalSuccess()

	assert.Equal(t, 1, received)
	assert.Equal(t, 1, transmitted)
}

func TestPubSubNackRedelivers(t *testing.T) {
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	ps := NewPubSub("channel", gc, gc)
	defer ps.Close()

	l, err := ps.NewListener("jobs")
	require.NoError(t, err)
	s, _ := ps.NewSender("jobs")
	out := newPayload("jobs", "x")
	require.NoError(t, s.Transmit(context.Background(), out, 0))

	first, err := l.Pull(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)
	first[0].SignalFail()

	again, err := l.Pull(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, out.Message.ID, again[0].Message.ID)
	again[0].SignalSuccess()
}

func TestPubSubPullTimesOut(t *testing.T) {
	sub := &mockSubscriber{}
	ps := NewPubSub("mock", &mockPublisher{}, sub, WithTopic(func(id string) string { return "t." + id }))
	l, err := ps.NewListener("idle")
	require.NoError(t, err)
	assert.Equal(t, []string{"t.idle"}, sub.topics)

	got, err := l.Pull(context.Background(), 5, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = l.Pull(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Pull(ctx, 5, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPubSubDropsUndecodable(t *testing.T) {
	sub := &mockSubscriber{ch: make(chan *message.Message, 4)}
	var exceptions int
	ps := NewPubSub("mock", &mockPublisher{}, sub, WithHooks(ClientHooks{
		OnException: func(string, error) { exceptions++ },
	}))
	l, err := ps.NewListener("c")
	require.NoError(t, err)

	bad := message.NewMessage("bad", []byte("{"))
	sub.ch <- bad
	got, err := l.Pull(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, exceptions)
	select {
	case <-bad.Acked():
	default:
		t.Fatal("undecodable message was not acked")
	}
}

func TestPubSubSenderRetries(t *testing.T) {
	t.Run("succeeds within budget", func(t *testing.T) {
		pub := &mockPublisher{failUntil: 2}
		ps := NewPubSub("mock", pub, &mockSubscriber{}, WithRetry(3, time.Millisecond))
		s, _ := ps.NewSender("c")
		p := newPayload("c", "x")
		require.NoError(t, s.Transmit(context.Background(), p, 0))
		assert.Equal(t, 3, pub.calls)
		assert.True(t, p.Succeeded())
	})

	t.Run("upstream retries reduce budget", func(t *testing.T) {
		pub := &mockPublisher{failUntil: 10}
		var exceptions int
		ps := NewPubSub("mock", pub, &mockSubscriber{},
			WithRetry(3, time.Millisecond),
			WithHooks(ClientHooks{OnException: func(string, error) { exceptions++ }}))
		s, _ := ps.NewSender("c")
		p := newPayload("c", "x")
		err := s.Transmit(context.Background(), p, 2)
		require.ErrorIs(t, err, errs.ErrRetryExceeded)
		assert.Equal(t, 2, pub.calls)
		assert.True(t, p.Signalled())
		assert.False(t, p.Succeeded())
		assert.Equal(t, 1, exceptions)
	})
}

func TestPubSubValidationAndClose(t *testing.T) {
	pub := &mockPublisher{}
	sub := &mockSubscriber{}
	ps := NewPubSub("mock", pub, sub)

	_, err := ps.NewListener("")
	assert.ErrorIs(t, err, errs.ErrChannelIDRequired)
	_, err = ps.NewSender("")
	assert.ErrorIs(t, err, errs.ErrChannelIDRequired)
	_, err = ps.NewSender("c")
	require.NoError(t, err)
	s, _ := ps.NewSender("c")
	assert.ErrorIs(t, s.Transmit(context.Background(), nil, 0), errs.ErrPayloadRequired)

	failing := NewPubSub("mock", pub, &mockSubscriber{err: errors.New("no topic")})
	_, err = failing.NewListener("c")
	assert.ErrorContains(t, err, "no topic")

	l, err := ps.NewListener("c")
	require.NoError(t, err)
	require.NoError(t, ps.Close())
	assert.True(t, pub.closed)
	assert.True(t, sub.closed)

	_, err = l.Pull(context.Background(), 1, 0)
	assert.ErrorIs(t, err, errs.ErrListenerClosed)
	_, err = ps.NewListener("c")
	assert.ErrorIs(t, err, errs.ErrListenerClosed)
	assert.NoError(t, ps.Close())
}

func TestConfigOptions(t *testing.T) {
	cfg := testConfig("mock")
	cfg.Fabric.TransmitMaxRetries = 7
	cfg.Fabric.TransmitRetryInterval = time.Second
	ps := NewPubSub("mock", nil, nil, ConfigOptions(cfg, KafkaCapabilities, nil)...)
	assert.Equal(t, KafkaCapabilities, ps.Capabilities())
	assert.Equal(t, 7, ps.maxRetries)
	assert.Equal(t, time.Second, ps.retryInterval)
	assert.NotNil(t, ps.logger)
}
