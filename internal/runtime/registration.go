package runtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/jsoncodec"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/internal/runtime/metadata"
	"github.com/xigadee/microservice/internal/runtime/resource"
)

// CommandRegistration binds a handler to a message header. Empty MessageType
// or ActionType fields make the registration partial: it matches any value
// for that field and is consulted after every exact registration.
type CommandRegistration struct {
	Name    string
	Header  messaging.ServiceMessageHeader
	Handler CommandHandler
	// ResourceProfiles are tracked for every execution in addition to the
	// profiles of the incoming channel.
	ResourceProfiles []string
	// MaxProcessingTime overrides the dispatcher default for this command.
	MaxProcessingTime time.Duration
}

type command struct {
	name              string
	header            messaging.ServiceMessageHeader
	partial           bool
	handler           CommandHandler
	profiles          []string
	maxProcessingTime time.Duration
	stats             *CommandStats

	once    sync.Once
	chained CommandHandler
}

// execute runs the handler under the service middleware chain with the
// statistics wrapper innermost. The chain is fixed on first use.
func (c *command) execute(ctx context.Context, s *Service, cc *CommandContext) error {
	c.once.Do(func() {
		c.chained = s.chain(c.instrument(s))
	})
	return c.chained(ctx, cc)
}

func (c *command) instrument(s *Service) CommandHandler {
	return func(ctx context.Context, cc *CommandContext) error {
		start := time.Now()
		c.stats.onStart(cc.created)
		err := c.handler(ctx, cc)
		c.stats.onFinish(time.Since(start), err, s.getErrorClassifier())
		return err
	}
}

// RegisterCommand adds a command to the dispatch table. Commands must be
// registered before Start.
func (s *Service) RegisterCommand(reg CommandRegistration) error {
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if reg.Header.ChannelID == "" {
		return errspkg.ErrCommandKeyRequired
	}
	if s.started.Load() {
		return errspkg.ErrServiceStarted
	}
	if reg.Name == "" {
		reg.Name = reg.Header.String()
	}

	cmd := &command{
		name:              reg.Name,
		header:            reg.Header,
		partial:           reg.Header.IsPartial(),
		handler:           reg.Handler,
		profiles:          slices.Clone(reg.ResourceProfiles),
		maxProcessingTime: reg.MaxProcessingTime,
		stats:             newCommandStats(reg.ResourceProfiles, s.processSampler),
	}

	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	key := reg.Header.Key()
	if _, exists := s.commandIndex[key]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateCommand, reg.Header)
	}
	s.commandIndex[key] = cmd
	s.commands = append(s.commands, cmd)

	s.Logger.Debug("Command registered", loggingpkg.LogFields{
		"command": cmd.name,
		"header":  key,
		"partial": cmd.partial,
	})
	return nil
}

// lookupCommand resolves the command for h: an exact registration first,
// then partial registrations in registration order.
func (s *Service) lookupCommand(h messaging.ServiceMessageHeader) (*command, bool) {
	s.commandsMu.RLock()
	defer s.commandsMu.RUnlock()
	if cmd, ok := s.commandIndex[h.Key()]; ok && !cmd.partial {
		return cmd, true
	}
	for _, cmd := range s.commands {
		if cmd.partial && cmd.header.Matches(h) {
			return cmd, true
		}
	}
	return nil, false
}

// Commands lists the registered commands with their statistics.
func (s *Service) Commands() []CommandInfo {
	s.commandsMu.RLock()
	defer s.commandsMu.RUnlock()
	infos := make([]CommandInfo, 0, len(s.commands))
	for _, cmd := range s.commands {
		infos = append(infos, CommandInfo{
			Name:             cmd.name,
			Header:           cmd.header.Key(),
			Partial:          cmd.partial,
			ResourceProfiles: cmd.profiles,
			Stats:            cmd.stats,
		})
	}
	return infos
}

func (s *Service) commandList() []*command {
	s.commandsMu.RLock()
	defer s.commandsMu.RUnlock()
	return slices.Clone(s.commands)
}

// CommandContext is handed to a command handler for one incoming message.
// Messages queued through Respond, Send and Forward are transmitted once the
// handler succeeds and discarded when it fails or is retried.
type CommandContext struct {
	Request *messaging.ServiceMessage
	Payload *messaging.TransmissionPayload
	Command string
	Logger  loggingpkg.ServiceLogger
	// Attempt counts the retries spent so far.
	Attempt int

	created time.Time
	op      *resource.Operation
	stats   *CommandStats

	mu       sync.Mutex
	outgoing []*messaging.ServiceMessage
}

func newCommandContext(cmd *command, p *messaging.TransmissionPayload, op *resource.Operation, logger loggingpkg.ServiceLogger) *CommandContext {
	return &CommandContext{
		Request: p.Message,
		Payload: p,
		Command: cmd.name,
		Logger: logger.With(loggingpkg.LogFields{
			"command":    cmd.name,
			"message_id": p.Message.ID,
		}),
		created: p.Created,
		op:      op,
		stats:   cmd.stats,
	}
}

// Metadata returns a copy of the request metadata.
func (c *CommandContext) Metadata() metadata.Metadata {
	return c.Request.Metadata.Clone()
}

// CorrelationKey returns the correlation key of the request.
func (c *CommandContext) CorrelationKey() string {
	return c.Request.CorrelationKey
}

// Respond queues a reply to the request's response channel. It returns nil
// when the request did not ask for a response.
func (c *CommandContext) Respond(status string, body []byte) *messaging.ServiceMessage {
	if c.Request.ResponseChannelID == "" {
		return nil
	}
	resp := c.Request.ToResponse(status, "")
	resp.Body = body
	c.mu.Lock()
	c.outgoing = append(c.outgoing, resp)
	c.mu.Unlock()
	return resp
}

// RespondJSON queues a JSON encoded reply.
func (c *CommandContext) RespondJSON(status string, v any) error {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	c.Respond(status, body)
	return nil
}

// Send queues msg for the outgoing path. The correlation key of the request
// is carried when msg has none.
func (c *CommandContext) Send(msg *messaging.ServiceMessage) {
	if msg == nil {
		return
	}
	if msg.CorrelationKey == "" {
		msg.CorrelationKey = c.Request.CorrelationKey
	}
	if msg.TransitCount < c.Request.TransitCount {
		msg.TransitCount = c.Request.TransitCount
	}
	c.mu.Lock()
	c.outgoing = append(c.outgoing, msg)
	c.mu.Unlock()
}

// Forward queues a copy of the request readdressed to h.
func (c *CommandContext) Forward(h messaging.ServiceMessageHeader) *messaging.ServiceMessage {
	msg := c.Request.Forward()
	msg.SetHeader(h)
	c.Send(msg)
	return msg
}

// Outgoing returns the messages queued so far.
func (c *CommandContext) Outgoing() []*messaging.ServiceMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.outgoing)
}

// Retry reports a retry against the resource profiles tracked for this
// execution without failing it.
func (c *CommandContext) Retry(reason string) {
	if c.op != nil {
		c.op.Retry(reason)
	}
}

func (c *CommandContext) retry(reason string) {
	c.Attempt++
	c.Retry(reason)
	if c.stats != nil {
		c.stats.onRetry()
	}
}

func (c *CommandContext) resetOutgoing() {
	c.mu.Lock()
	c.outgoing = nil
	c.mu.Unlock()
}
