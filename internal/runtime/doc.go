/*
Package runtime hosts the service pipeline of a microservice: channels,
transport clients, commands, schedules and master jobs sharing one bounded
task manager.

# Architecture Overview

Incoming messages are pulled by listener clients attached to the
partitions of incoming channels. The listener loop hands the free worker
slots to clients using the configured poll algorithm, so busy or higher
priority partitions get more of the pool. Every pulled payload is
dispatched to the command registered for its header and runs on the task
manager; its signal acknowledges or rejects the message at the transport.

Outgoing messages follow the redirect rules of their channel and are
transmitted by a sender attached to that channel, or looped back into the
local dispatcher when only an incoming channel with that id exists.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Channel container and redirect rules
  - Listener and sender clients built from a transport
  - Task manager, schedule container and poll algorithm
  - Resource profiles and the data collector
  - HTTP servers for metrics and the status API

## Commands (registration*.go, dispatch.go)

  - registration.go: the dispatch table and CommandContext
  - registration_json.go: typed JSON commands
  - registration_proto.go: typed Protocol Buffer commands
  - dispatch.go: the incoming path

## Middleware (middleware.go)

Command middleware wraps every handler:
  - CorrelationKey: ensures message traceability
  - LogMessages: debug logging of message payloads
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus command metrics
  - Retry: exponential backoff
  - Recoverer: panic recovery
  - JobHooks: lifecycle callbacks (hooks.go)

## Listener loop (listener.go)

Slot allocation across listener clients and the poll tasks themselves.

## Master jobs (masterjob.go)

Schedules that run on exactly one of the cooperating services, chosen by
negotiation over a shared channel.

## Status API (webui.go)

JSON views of channels, clients, commands, schedules, master jobs and
resources.

# Sub-packages

  - channel/: channels, partitions and redirect rules
  - collector/: observability events and their sinks
  - config/: service configuration with validation
  - errors/: sentinel errors and error types
  - fabric/: the in-memory broker behind the memory transport
  - handlers/: typed message decoding helpers
  - masterjob/: master job negotiation
  - messaging/: messages, headers and transmission payloads
  - poll/: slot allocation algorithms
  - resource/: resource profiles and rate limiting
  - schedule/: recurring jobs
  - tasks/: priority queue and worker pool

# Usage Example

	cfg := &microservice.Config{ServiceName: "greeter", PubSubSystem: "memory"}
	svc := microservice.MustNewService(cfg, logger, microservice.ServiceDependencies{})

	_, _ = svc.RegisterChannel("greeter", microservice.Incoming, microservice.WithPartitions(microservice.Partitions(0, 1)...))
	_ = svc.AttachTransport("greeter", microservice.Incoming, nil)

	_ = microservice.RegisterJSONCommand(svc, microservice.JSONCommandRegistration[HelloRequest, HelloResponse]{
		Header:  microservice.NewHeader("greeter", "hello", "say"),
		Handler: sayHello,
	})

	_ = svc.Start(ctx)
*/
package runtime
