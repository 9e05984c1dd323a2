package transport

// Capabilities describes what a transport backend supports.
type Capabilities struct {
	// SupportsOrdering indicates messages within a channel arrive in order.
	SupportsOrdering bool

	// SupportsTracing indicates the backend carries tracing headers.
	SupportsTracing bool

	// SupportsBatching indicates one pull can return several messages.
	SupportsBatching bool

	// SupportsAck indicates explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates negative acknowledgment with redelivery.
	SupportsNack bool

	// SupportsBroadcast indicates every listener on a channel can receive
	// every message, which master job negotiation relies on.
	SupportsBroadcast bool

	// SupportsQueueLength indicates listeners implement QueueLengthReporter.
	SupportsQueueLength bool

	// SupportsPurge indicates listeners implement Purger.
	SupportsPurge bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// MemoryCapabilities for the in-process fabric bridge.
	MemoryCapabilities = Capabilities{
		Name:                "memory",
		SupportsOrdering:    true,
		SupportsBatching:    true,
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsBroadcast:   true,
		SupportsQueueLength: true,
		SupportsPurge:       true,
	}

	// ChannelCapabilities for the watermill Go channel pub/sub.
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsBroadcast: true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsBatching: true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsBroadcast: true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:              "nats",
		SupportsTracing:   true,
		SupportsBroadcast: true,
		MaxMessageSize:    1048576,
	}

	// NATSJetStreamCapabilities for NATS JetStream.
	NATSJetStreamCapabilities = Capabilities{
		Name:                "nats-jetstream",
		SupportsOrdering:    true,
		SupportsTracing:     true,
		SupportsBatching:    true,
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsQueueLength: true,
		MaxMessageSize:      1048576,
	}

	// AWSCapabilities for AWS SNS/SQS.
	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsBatching: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144,
	}

	// HTTPCapabilities for HTTP push.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered in the default
// registry for name.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
