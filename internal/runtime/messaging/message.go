// Package messaging defines the routed service message and the transmission
// payload that wraps it while it moves through the dispatch pipeline.
package messaging

import (
	"fmt"
	"strings"
	"time"

	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/ids"
	"github.com/xigadee/microservice/internal/runtime/metadata"
)

// Response status codes carried in ServiceMessage.Status.
const (
	StatusOK           = "200"
	StatusAccepted     = "202"
	StatusBadRequest   = "400"
	StatusNotFound     = "404"
	StatusTimeout      = "408"
	StatusLoopDetected = "508"
	StatusError        = "500"
)

// ServiceMessageHeader is the routing triple a command or redirect rule
// matches against.
type ServiceMessageHeader struct {
	ChannelID   string `json:"channel_id"`
	MessageType string `json:"message_type,omitempty"`
	ActionType  string `json:"action_type,omitempty"`
}

// NewHeader builds a header from its three parts.
func NewHeader(channelID, messageType, actionType string) ServiceMessageHeader {
	return ServiceMessageHeader{ChannelID: channelID, MessageType: messageType, ActionType: actionType}
}

// Key is the case-insensitive lookup key for the header.
func (h ServiceMessageHeader) Key() string {
	return strings.ToLower(h.ChannelID + "/" + h.MessageType + "/" + h.ActionType)
}

func (h ServiceMessageHeader) String() string {
	return h.ChannelID + "/" + h.MessageType + "/" + h.ActionType
}

// IsPartial reports whether the header leaves the type or action open.
func (h ServiceMessageHeader) IsPartial() bool {
	return h.MessageType == "" || h.ActionType == ""
}

// Matches treats h as a pattern: empty fields match anything.
func (h ServiceMessageHeader) Matches(other ServiceMessageHeader) bool {
	return matchPart(h.ChannelID, other.ChannelID) &&
		matchPart(h.MessageType, other.MessageType) &&
		matchPart(h.ActionType, other.ActionType)
}

func matchPart(pattern, value string) bool {
	return pattern == "" || strings.EqualFold(pattern, value)
}

// ServiceMessage is the routed unit of communication between services.
type ServiceMessage struct {
	ID string `json:"id"`

	ChannelID       string `json:"channel_id"`
	MessageType     string `json:"message_type"`
	ActionType      string `json:"action_type"`
	ChannelPriority *int   `json:"channel_priority,omitempty"`

	CorrelationKey       string `json:"correlation_key,omitempty"`
	CorrelationServiceID string `json:"correlation_service_id,omitempty"`

	OriginatorServiceID string    `json:"originator_service_id,omitempty"`
	OriginatorName      string    `json:"originator_name,omitempty"`
	OriginatorUTC       time.Time `json:"originator_utc"`

	ResponseChannelID       string `json:"response_channel_id,omitempty"`
	ResponseMessageType     string `json:"response_message_type,omitempty"`
	ResponseActionType      string `json:"response_action_type,omitempty"`
	ResponseChannelPriority *int   `json:"response_channel_priority,omitempty"`

	TransitCount int `json:"transit_count"`

	Status            string `json:"status,omitempty"`
	StatusDescription string `json:"status_description,omitempty"`

	Body     []byte            `json:"body,omitempty"`
	Metadata metadata.Metadata `json:"metadata,omitempty"`
}

// NewServiceMessage creates a message with a fresh id addressed to header.
func NewServiceMessage(header ServiceMessageHeader, body []byte) *ServiceMessage {
	return &ServiceMessage{
		ID:            ids.CreateULID(),
		ChannelID:     header.ChannelID,
		MessageType:   header.MessageType,
		ActionType:    header.ActionType,
		OriginatorUTC: time.Now().UTC(),
		Body:          body,
		Metadata:      metadata.Metadata{},
	}
}

// Header returns the destination routing triple.
func (m *ServiceMessage) Header() ServiceMessageHeader {
	return ServiceMessageHeader{ChannelID: m.ChannelID, MessageType: m.MessageType, ActionType: m.ActionType}
}

// SetHeader readdresses the message.
func (m *ServiceMessage) SetHeader(h ServiceMessageHeader) {
	m.ChannelID = h.ChannelID
	m.MessageType = h.MessageType
	m.ActionType = h.ActionType
}

// ResponseHeader returns the routing triple replies should be sent to.
func (m *ServiceMessage) ResponseHeader() ServiceMessageHeader {
	return ServiceMessageHeader{ChannelID: m.ResponseChannelID, MessageType: m.ResponseMessageType, ActionType: m.ResponseActionType}
}

// SetResponseHeader sets the reply routing triple.
func (m *ServiceMessage) SetResponseHeader(h ServiceMessageHeader) {
	m.ResponseChannelID = h.ChannelID
	m.ResponseMessageType = h.MessageType
	m.ResponseActionType = h.ActionType
}

// WithPriority sets the channel priority and returns m for chaining.
func (m *ServiceMessage) WithPriority(priority int) *ServiceMessage {
	m.ChannelPriority = &priority
	return m
}

// Clone returns a deep copy sharing no mutable state with m. The id is kept.
func (m *ServiceMessage) Clone() *ServiceMessage {
	if m == nil {
		return nil
	}
	c := *m
	c.ChannelPriority = cloneInt(m.ChannelPriority)
	c.ResponseChannelPriority = cloneInt(m.ResponseChannelPriority)
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.Metadata != nil {
		c.Metadata = m.Metadata.Clone()
	}
	return &c
}

// Forward returns a clone with a new id, ready to be sent on another hop.
// The transit count is carried so loops remain detectable.
func (m *ServiceMessage) Forward() *ServiceMessage {
	c := m.Clone()
	c.ID = ids.CreateULID()
	return c
}

// IncrementTransit records a hop. Once the count passes max the message is
// considered to be looping and ErrTransitCountExceeded is returned. A max
// of zero disables the check.
func (m *ServiceMessage) IncrementTransit(max int) error {
	m.TransitCount++
	if max > 0 && m.TransitCount > max {
		return fmt.Errorf("%w: %d hops for %s (max %d)", errs.ErrTransitCountExceeded, m.TransitCount, m.ID, max)
	}
	return nil
}

// ToResponse builds a reply addressed to the response routing triple with
// the correlation carried over.
func (m *ServiceMessage) ToResponse(status, description string) *ServiceMessage {
	resp := NewServiceMessage(m.ResponseHeader(), nil)
	resp.ChannelPriority = cloneInt(m.ResponseChannelPriority)
	resp.CorrelationKey = m.CorrelationKey
	if resp.CorrelationKey == "" {
		resp.CorrelationKey = m.ID
	}
	resp.CorrelationServiceID = m.OriginatorServiceID
	resp.TransitCount = m.TransitCount
	resp.Status = status
	resp.StatusDescription = description
	return resp
}

// IsSuccessStatus reports whether Status is empty or a 2xx code.
func (m *ServiceMessage) IsSuccessStatus() bool {
	return m.Status == "" || strings.HasPrefix(m.Status, "2")
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
