// Package transport defines the client contracts a service attaches to its
// channels and the registry of transport implementations. Each transport
// (memory, kafka, rabbitmq, aws, ...) lives in its own sub-package and
// registers itself with the default registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// ListenerClient pulls payloads for one incoming channel. Every pulled
// payload must eventually be signalled; the signal acknowledges or rejects
// the message at the transport.
type ListenerClient interface {
	ID() string
	ChannelID() string
	Pull(ctx context.Context, count int, wait time.Duration) ([]*messaging.TransmissionPayload, error)
	Close() error
}

// SenderClient transmits payloads for one outgoing channel. retry is the
// number of attempts already spent upstream. The payload is signalled with
// the outcome.
type SenderClient interface {
	ID() string
	ChannelID() string
	Transmit(ctx context.Context, p *messaging.TransmissionPayload, retry int) error
	Close() error
}

// QueueLengthReporter is implemented by listeners that know their backlog.
// The poll algorithm uses it to prioritise clients.
type QueueLengthReporter interface {
	QueueLength() int
}

// Purger is implemented by listeners that hold payloads locally. Purge fails
// every pending payload and returns how many there were.
type Purger interface {
	Purge() int
}

// ClientHooks observe client activity. All hooks are optional.
type ClientHooks struct {
	OnException func(clientID string, err error)
	OnTransmit  func(clientID string, p *messaging.TransmissionPayload)
	OnReceive   func(clientID string, p *messaging.TransmissionPayload)
}

func (h ClientHooks) exception(id string, err error) {
	if h.OnException != nil && err != nil {
		h.OnException(id, err)
	}
}

func (h ClientHooks) transmit(id string, p *messaging.TransmissionPayload) {
	if h.OnTransmit != nil {
		h.OnTransmit(id, p)
	}
}

func (h ClientHooks) receive(id string, p *messaging.TransmissionPayload) {
	if h.OnReceive != nil {
		h.OnReceive(id, p)
	}
}

// Transport builds listener and sender clients bound to channel ids.
type Transport interface {
	Name() string
	NewListener(channelID string) (ListenerClient, error)
	NewSender(channelID string) (SenderClient, error)
	Capabilities() Capabilities
	Close() error
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports need without depending on the full
// config package.
type Config interface {
	GetPubSubSystem() string
	GetServiceName() string

	// Fabric and sender retries
	GetFabricMode() string
	// GetMasterJobChannel names the channel master job negotiation uses.
	// Transports that distinguish queues from topics deliver it to every
	// listener.
	GetMasterJobChannel() string
	GetTransmitMaxRetries() int
	GetTransmitRetryInterval() time.Duration

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
