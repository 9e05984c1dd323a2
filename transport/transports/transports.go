// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	"github.com/xigadee/microservice/transport/nats"
	"github.com/xigadee/microservice/transport/rabbitmq"

	// Import all transports for side-effect registration
	_ "github.com/xigadee/microservice/transport/aws"
	_ "github.com/xigadee/microservice/transport/channel"
	_ "github.com/xigadee/microservice/transport/http"
	_ "github.com/xigadee/microservice/transport/jetstream"
	_ "github.com/xigadee/microservice/transport/kafka"
	_ "github.com/xigadee/microservice/transport/memory"
)

// NATS and RabbitMQ register explicitly so programs that link them
// directly can choose when; the aggregate registers everything.
func init() {
	nats.Register()
	rabbitmq.Register()
}
