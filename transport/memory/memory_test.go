package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xigadee/microservice/internal/runtime/config"
	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/fabric"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/transport"
)

func send(t *testing.T, tr *Transport, channelID, body string) *messaging.TransmissionPayload {
	t.Helper()
	s, err := tr.NewSender(channelID)
	require.NoError(t, err)
	p := messaging.NewPayload(messaging.NewServiceMessage(messaging.NewHeader(channelID, "hello", "say"), []byte(body)))
	require.NoError(t, s.Transmit(context.Background(), p, 0))
	return p
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.MemoryCapabilities, transport.GetCapabilities(TransportName))
}

func TestBuildFromConfig(t *testing.T) {
	cfg := &config.Config{PubSubSystem: "memory", Fabric: config.FabricConfig{Mode: "broadcast"}}
	tr, err := transport.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	mt, ok := tr.(*Transport)
	require.True(t, ok)
	assert.Equal(t, fabric.ModeBroadcast, mt.Bridge("x").Mode())

	_, err = transport.Build(context.Background(), &config.Config{PubSubSystem: "memory", Fabric: config.FabricConfig{Mode: "carrier-pigeon"}}, nil)
	assert.Error(t, err)
}

func TestQueueDeliversOnce(t *testing.T) {
	tr := New()
	a, err := tr.NewListener("orders")
	require.NoError(t, err)
	b, err := tr.NewListener("orders")
	require.NoError(t, err)

	p := send(t, tr, "orders", "one")
	assert.True(t, p.Succeeded())

	la := a.(*Listener)
	lb := b.(*Listener)
	assert.Equal(t, 1, la.QueueLength()+lb.QueueLength())
}

func TestBroadcastChannel(t *testing.T) {
	tr := New(WithBroadcastChannels("masterjob"))
	a, _ := tr.NewListener("masterjob")
	b, _ := tr.NewListener("masterjob")
	send(t, tr, "masterjob", "whoismaster")

	for _, l := range []transport.ListenerClient{a, b} {
		got, err := l.Pull(context.Background(), 5, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "masterjob", got[0].Message.ChannelID)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	tr := New()
	l, _ := tr.NewListener("a")
	_, _ = tr.NewListener("b")
	send(t, tr, "b", "x")

	got, err := l.Pull(context.Background(), 5, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSendWithoutListenerFails(t *testing.T) {
	tr := New(WithRetry(1, time.Millisecond))
	s, _ := tr.NewSender("nobody")
	p := messaging.NewPayload(messaging.NewServiceMessage(messaging.NewHeader("nobody", "a", "b"), nil))
	err := s.Transmit(context.Background(), p, 0)
	require.ErrorIs(t, err, errs.ErrRetryExceeded)
	assert.True(t, p.Signalled())
	assert.False(t, p.Succeeded())
}

func TestPurgeAndClose(t *testing.T) {
	tr := New()
	l, _ := tr.NewListener("q")
	send(t, tr, "q", "1")
	send(t, tr, "q", "2")

	purger, ok := l.(transport.Purger)
	require.True(t, ok)
	assert.Equal(t, 2, purger.Purge())

	require.NoError(t, tr.Close())
	_, err := l.Pull(context.Background(), 1, 0)
	assert.ErrorIs(t, err, errs.ErrListenerClosed)
	_, err = tr.NewListener("q")
	assert.ErrorIs(t, err, errs.ErrListenerClosed)
}
