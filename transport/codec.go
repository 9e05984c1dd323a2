package transport

import (
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/xigadee/microservice/internal/runtime/jsoncodec"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/internal/runtime/metadata"
)

// EncodeMessage turns a service message into a watermill message. The
// whole envelope is the JSON payload; routing fields are mirrored into
// metadata so brokers and tracing middleware can see them.
func EncodeMessage(sm *messaging.ServiceMessage) (*message.Message, error) {
	if sm == nil {
		return nil, fmt.Errorf("transport: message is required")
	}
	body, err := jsoncodec.Marshal(sm)
	if err != nil {
		return nil, fmt.Errorf("transport: encode message %s: %w", sm.ID, err)
	}
	routing := metadata.New(
		metadata.KeyMessageID, sm.ID,
		metadata.KeyChannelID, sm.ChannelID,
		metadata.KeyMessageType, sm.MessageType,
		metadata.KeyActionType, sm.ActionType,
		metadata.KeyTransitCount, strconv.Itoa(sm.TransitCount),
	)
	if sm.CorrelationKey != "" {
		routing[metadata.KeyCorrelationKey] = sm.CorrelationKey
	}
	if sm.OriginatorServiceID != "" {
		routing[metadata.KeyOriginator] = sm.OriginatorServiceID
	}
	if sm.ChannelPriority != nil {
		routing[metadata.KeyChannelPriority] = strconv.Itoa(*sm.ChannelPriority)
	}
	wm := message.NewMessage(sm.ID, body)
	wm.Metadata = metadata.Outbound(sm.Metadata, routing)
	return wm, nil
}

// DecodeMessage restores a service message. Broker headers the envelope does
// not already carry are merged in, except the routing mirrors. An empty channel id falls
// back to channelID.
func DecodeMessage(wm *message.Message, channelID string) (*messaging.ServiceMessage, error) {
	var sm messaging.ServiceMessage
	if err := jsoncodec.Unmarshal(wm.Payload, &sm); err != nil {
		return nil, fmt.Errorf("transport: decode message %s: %w", wm.UUID, err)
	}
	if sm.ID == "" {
		sm.ID = wm.UUID
	}
	if sm.ChannelID == "" {
		sm.ChannelID = channelID
	}
	sm.Metadata = metadata.Inbound(wm.Metadata, sm.Metadata)
	return &sm, nil
}
