package handlers

import (
	"context"

	"github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/internal/runtime/metadata"
)

// HandlerFunc is the untyped form every typed command handler is built
// into. It returns the messages to send once the command succeeds.
type HandlerFunc func(ctx context.Context, req *messaging.ServiceMessage) ([]*messaging.ServiceMessage, error)

// MessageContextBase provides common functionality for all message context types.
// It holds the request, its metadata and the logger shared by JSON and Proto handlers.
type MessageContextBase struct {
	Request  *messaging.ServiceMessage
	Metadata metadata.Metadata
	Logger   logging.ServiceLogger
}

func newContextBase(req *messaging.ServiceMessage, logger logging.ServiceLogger) MessageContextBase {
	return MessageContextBase{
		Request:  req,
		Metadata: req.Metadata.Clone(),
		Logger:   logging.Or(logger),
	}
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing messages without touching the original map.
func (b MessageContextBase) CloneMetadata() metadata.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationKey returns the request correlation key.
func (b MessageContextBase) CorrelationKey() string {
	if b.Request == nil {
		return ""
	}
	return b.Request.CorrelationKey
}

// Output addresses one outgoing message. A zero Header replies to the
// request's response routing triple; when the request has none the output
// is dropped.
type Output struct {
	Header   messaging.ServiceMessageHeader
	Status   string
	Metadata metadata.Metadata
}

// address builds the outgoing envelope for body. It returns nil when the
// output has nowhere to go.
func (o Output) address(req *messaging.ServiceMessage, body []byte, schema string, fallback metadata.Metadata) *messaging.ServiceMessage {
	var msg *messaging.ServiceMessage
	if o.Header.ChannelID == "" {
		if req.ResponseChannelID == "" {
			return nil
		}
		status := o.Status
		if status == "" {
			status = messaging.StatusOK
		}
		msg = req.ToResponse(status, "")
	} else {
		msg = messaging.NewServiceMessage(o.Header, nil)
		msg.CorrelationKey = req.CorrelationKey
		msg.TransitCount = req.TransitCount
		msg.Status = o.Status
	}
	msg.Body = body

	md := o.Metadata
	if md == nil {
		md = fallback
	}
	msg.Metadata = md.With(MetadataKeyEventSchema, schema)
	return msg
}
