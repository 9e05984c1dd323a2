package handlers

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	metadatapkg "github.com/xigadee/microservice/internal/runtime/metadata"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMessageContextBase_Get(t *testing.T) {
	ctx := MessageContextBase{
		Metadata: metadatapkg.Metadata{"key1": "value1", "key2": "value2"},
		Logger:   testLogger(),
	}

	assert.Equal(t, "value1", ctx.Get("key1"))
	assert.Equal(t, "value2", ctx.Get("key2"))
	assert.Equal(t, "", ctx.Get("nonexistent"))
}

func TestMessageContextBase_CorrelationKey(t *testing.T) {
	req := messaging.NewServiceMessage(messaging.NewHeader("a", "b", "c"), nil)
	req.CorrelationKey = "correlation-123"

	assert.Equal(t, "correlation-123", newContextBase(req, nil).CorrelationKey())
	assert.Equal(t, "", MessageContextBase{}.CorrelationKey())
}

func TestMessageContextBase_CloneMetadata(t *testing.T) {
	req := messaging.NewServiceMessage(messaging.NewHeader("a", "b", "c"), nil)
	req.Metadata = metadatapkg.Metadata{"key1": "value1", "key2": "value2"}

	ctx := newContextBase(req, testLogger())
	cloned := ctx.CloneMetadata()

	assert.Equal(t, "value1", cloned["key1"])
	assert.Equal(t, "value2", cloned["key2"])

	cloned["key1"] = "modified"
	cloned["key3"] = "new"

	assert.Equal(t, "value1", ctx.Metadata["key1"])
	assert.Equal(t, "", ctx.Metadata["key3"])
	assert.Equal(t, "value1", req.Metadata["key1"])
}

func TestOutputAddress(t *testing.T) {
	req := messaging.NewServiceMessage(messaging.NewHeader("in", "order", "create"), nil)
	req.TransitCount = 2

	t.Run("reply without response channel is dropped", func(t *testing.T) {
		assert.Nil(t, Output{}.address(req, []byte("x"), "schema", nil))
	})

	t.Run("reply goes to response header", func(t *testing.T) {
		r := req.Clone()
		r.SetResponseHeader(messaging.NewHeader("out", "order", "created"))
		msg := Output{}.address(r, []byte("x"), "schema", metadatapkg.Metadata{"k": "v"})
		if assert.NotNil(t, msg) {
			assert.Equal(t, "out", msg.ChannelID)
			assert.Equal(t, messaging.StatusOK, msg.Status)
			assert.Equal(t, r.ID, msg.CorrelationKey)
			assert.Equal(t, "schema", msg.Metadata[MetadataKeyEventSchema])
			assert.Equal(t, "v", msg.Metadata["k"])
		}
	})

	t.Run("explicit header carries transit count", func(t *testing.T) {
		msg := Output{Header: messaging.NewHeader("next", "t", "a"), Metadata: metadatapkg.Metadata{"own": "1"}}.
			address(req, nil, "schema", metadatapkg.Metadata{"k": "v"})
		if assert.NotNil(t, msg) {
			assert.Equal(t, "next", msg.ChannelID)
			assert.Equal(t, 2, msg.TransitCount)
			assert.Equal(t, "1", msg.Metadata["own"])
			assert.Empty(t, msg.Metadata["k"])
		}
	})
}
