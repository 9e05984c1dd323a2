package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/xigadee/microservice/internal/runtime/channel"
	"github.com/xigadee/microservice/internal/runtime/collector"
	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	handlerpkg "github.com/xigadee/microservice/internal/runtime/handlers"
	"github.com/xigadee/microservice/internal/runtime/jsoncodec"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	metadatapkg "github.com/xigadee/microservice/internal/runtime/metadata"
	"github.com/xigadee/microservice/internal/runtime/resource"
	"github.com/xigadee/microservice/transport"
)

const loopbackSource = "loopback"

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// Producer emits messages onto the outgoing path.
type Producer interface {
	Send(ctx context.Context, msg *messaging.ServiceMessage) error
	SendProto(ctx context.Context, header messaging.ServiceMessageHeader, event proto.Message, metadata metadatapkg.Metadata) error
	SendJSON(ctx context.Context, header messaging.ServiceMessageHeader, v any, metadata metadatapkg.Metadata) error
}

var _ Producer = (*Service)(nil)

// NewMessageFromProto builds a message addressed to header carrying the
// protojson encoding of event.
func NewMessageFromProto(header messaging.ServiceMessageHeader, event proto.Message, metadata metadatapkg.Metadata) (*messaging.ServiceMessage, error) {
	if event == nil {
		return nil, errspkg.ErrPayloadRequired
	}

	body, err := protoJSONMarshalOptions.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	msg := messaging.NewServiceMessage(header, body)
	msg.Metadata = metadata.
		With(handlerpkg.MetadataKeyEventSchema, handlerpkg.ProtoSchema(event)).
		With(handlerpkg.MetadataKeyContentType, handlerpkg.ContentTypeProtoJSON)
	return msg, nil
}

// NewMessageFromJSON builds a message addressed to header carrying the JSON
// encoding of v.
func NewMessageFromJSON(header messaging.ServiceMessageHeader, v any, metadata metadatapkg.Metadata) (*messaging.ServiceMessage, error) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	msg := messaging.NewServiceMessage(header, body)
	msg.Metadata = metadata.
		With(handlerpkg.MetadataKeyEventSchema, fmt.Sprintf("%T", v)).
		With(handlerpkg.MetadataKeyContentType, handlerpkg.ContentTypeJSON)
	return msg, nil
}

// SendProto encodes event and sends it.
func (s *Service) SendProto(ctx context.Context, header messaging.ServiceMessageHeader, event proto.Message, metadata metadatapkg.Metadata) error {
	msg, err := NewMessageFromProto(header, event, metadata)
	if err != nil {
		return err
	}
	return s.Send(ctx, msg)
}

// SendJSON encodes v and sends it.
func (s *Service) SendJSON(ctx context.Context, header messaging.ServiceMessageHeader, v any, metadata metadatapkg.Metadata) error {
	msg, err := NewMessageFromJSON(header, v, metadata)
	if err != nil {
		return err
	}
	return s.Send(ctx, msg)
}

// Send stamps msg with this service's identity and routes it: outgoing
// redirect rules first, then a sender attached to the target channel, then
// loopback into a local incoming channel with the same id.
func (s *Service) Send(ctx context.Context, msg *messaging.ServiceMessage) error {
	return s.send(ctx, msg, nil)
}

func (s *Service) send(ctx context.Context, msg *messaging.ServiceMessage, op *resource.Operation) error {
	if msg == nil {
		return errspkg.ErrPayloadRequired
	}
	if msg.OriginatorServiceID == "" {
		msg.OriginatorServiceID = s.ID
	}
	if msg.OriginatorName == "" {
		msg.OriginatorName = s.Conf.ServiceName
	}
	if msg.OriginatorUTC.IsZero() {
		msg.OriginatorUTC = time.Now().UTC()
	}

	p := messaging.NewPayload(msg, messaging.WithSource(s.ID))
	s.channels.Redirect(channel.Outgoing, p)
	channelID := p.Message.ChannelID

	if g := s.sendersFor(channelID); g != nil {
		if client := g.pick(); client != nil {
			return s.transmit(ctx, g, client, p, op)
		}
	}

	if s.channels.Exists(channelID, channel.Incoming) {
		return s.loopback(p)
	}

	p.SignalFail()
	err := fmt.Errorf("%w: %s", errspkg.ErrNoSender, channelID)
	s.collector.Write(collector.NewErrorEvent("send", p.ID, err))
	return err
}

func (s *Service) transmit(ctx context.Context, g *senderGroup, client transport.SenderClient, p *messaging.TransmissionPayload, op *resource.Operation) error {
	p.Source = client.ID()
	s.boundary(collector.DirectionOut, channel.Outgoing, p)

	tracked := s.resources.Track("transmit:"+g.channel.ID, g.channel.ResourceProfiles()...)
	if err := client.Transmit(ctx, p, 0); err != nil {
		tracked.End(resource.ResultFailed)
		if op != nil {
			op.Retry("transmit:" + g.channel.ID)
		}
		s.collector.Write(collector.NewErrorEvent("send", p.ID, err))
		return err
	}
	tracked.End(resource.ResultSuccess)
	return nil
}

// loopback hands p to the local dispatcher as if a listener had pulled it.
// The caller's payload is settled once the copy is accepted.
func (s *Service) loopback(p *messaging.TransmissionPayload) error {
	local := messaging.NewPayload(p.Message.Clone(), messaging.WithSource(loopbackSource))
	err := s.Dispatch(local)
	if err != nil && !errors.Is(err, errspkg.ErrUnhandledMessage) {
		p.SignalFail()
		return err
	}
	p.SignalSuccess()
	return nil
}

// OutgoingChannels lists channels with at least one sender attached.
func (s *Service) OutgoingChannels() []string {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	ids := make([]string, 0, len(s.senders))
	for id := range s.senders {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
