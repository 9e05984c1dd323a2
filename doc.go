// Package microservice hosts services that exchange routed messages over
// pluggable transports and dispatch them to registered commands.
//
// A Service owns a set of channels. Incoming channels carry prioritised
// partitions and listener clients that the service polls adaptively: clients
// with a backlog or an overdue poll are served first, and idle clients back
// off. Outgoing channels carry sender clients; a message sent on an outgoing
// channel without a sender is looped back into the local dispatcher when an
// incoming channel with the same id exists. Redirect rules rewrite the
// channel/type/action header of a message on the way in or out.
//
// Commands are registered against a header, which may leave the message type
// or action open. RegisterJSONCommand and RegisterProtoCommand decode the
// request body, call a typed handler, and queue the replies it produces. A
// failed command answers the sender with a 400, 408, or 500 status; a message
// that has circulated too often is answered with 508.
//
// # Transports
//
// Transports are built by name from a registry:
//   - memory: in-process queues for tests and single-binary deployments
//   - channel: Watermill Go channels
//   - kafka: consumer groups over Sarama
//   - rabbitmq: AMQP durable queues
//   - aws: SNS/SQS, LocalStack friendly
//   - nats: core NATS subjects
//   - jetstream: NATS JetStream durable consumers
//   - http: request/response over HTTP
//
// Import transport/transports to register them all with DefaultTransportRegistry.
//
// # Middleware
//
// The default command middleware stamps correlation keys, logs boundary
// messages, records OpenTelemetry spans and Prometheus metrics, retries with
// exponential backoff, and recovers from panics. JobHooksMiddleware adds
// OnJobStart, OnJobDone, and OnJobError callbacks around every command.
//
// # Schedules and master jobs
//
// Schedules run on a fixed interval or a cron expression. A master job
// negotiates over a shared channel so that exactly one service in a group
// runs its schedules; the others stand by and take over when the master goes
// quiet.
//
// # Status
//
// With WebUIEnabled the service serves its channels, clients, commands,
// schedules, master jobs, and recent collector events as JSON. With MetricsEnabled and a MetricsPort it
// also serves Prometheus metrics on /metrics.
package microservice
