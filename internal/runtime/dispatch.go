package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/xigadee/microservice/internal/runtime/channel"
	"github.com/xigadee/microservice/internal/runtime/collector"
	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/internal/runtime/resource"
	"github.com/xigadee/microservice/internal/runtime/tasks"
)

// Dispatch routes an incoming payload to its command. The payload is
// redirected by the incoming channel rules, checked for loops and queued
// on the task manager; its signal reports the command outcome. A payload
// no command matches is signalled success and ErrUnhandledMessage returned.
func (s *Service) Dispatch(p *messaging.TransmissionPayload) error {
	if p == nil || p.Message == nil {
		return errspkg.ErrPayloadRequired
	}

	s.channels.Redirect(channel.Incoming, p)
	msg := p.Message
	header := msg.Header()
	s.boundary(collector.DirectionIn, channel.Incoming, p)

	if err := msg.IncrementTransit(s.Conf.Dispatcher.TransitCountMax); err != nil {
		p.SignalFail()
		s.collector.Write(collector.NewErrorEvent("dispatch", p.ID, err))
		s.respondFailure(msg, messaging.StatusLoopDetected, err)
		return err
	}

	cmd, ok := s.lookupCommand(header)
	if !ok {
		p.SignalSuccess()
		s.collector.Write(collector.DispatchEvent{
			Header:    header.Key(),
			PayloadID: p.ID,
			Success:   true,
			Unhandled: true,
			At:        time.Now(),
		})
		s.Logger.Debug("No command for message", loggingpkg.LogFields{
			"header":     header.Key(),
			"message_id": msg.ID,
		})
		return fmt.Errorf("%w: %s", errspkg.ErrUnhandledMessage, header.Key())
	}

	profiles := cmd.profiles
	if ch, ok := s.channels.Get(msg.ChannelID, channel.Incoming); ok {
		profiles = slices.Concat(ch.ResourceProfiles(), profiles)
	}
	op := s.resources.Track(cmd.name, profiles...)
	cc := newCommandContext(cmd, p, op, s.Logger)

	tracker := tasks.NewPayloadTracker(p, func(ctx context.Context, _ *tasks.Tracker) error {
		if err := cmd.execute(ctx, s, cc); err != nil {
			return err
		}
		s.flush(ctx, cc)
		return nil
	})
	tracker.Name = cmd.name
	if cmd.maxProcessingTime > 0 && tracker.MaxProcessingTime <= 0 {
		tracker.MaxProcessingTime = cmd.maxProcessingTime
	}
	tracker.ExecuteComplete = func(t *tasks.Tracker, err error) {
		s.completeCommand(t, cc, op, err)
	}

	if err := s.tasks.Submit(tracker); err != nil {
		op.End(resource.ResultFailed)
		p.SignalFail()
		s.collector.Write(collector.NewErrorEvent("dispatch", p.ID, err))
		return err
	}
	return nil
}

func (s *Service) completeCommand(t *tasks.Tracker, cc *CommandContext, op *resource.Operation, err error) {
	p := cc.Payload
	var duration time.Duration
	if !t.Started.IsZero() {
		duration = time.Since(t.Started)
	}

	switch {
	case err == nil:
		op.End(resource.ResultSuccess)
		p.SignalSuccess()
	case errors.Is(err, errspkg.ErrProcessingTimeout):
		op.End(resource.ResultTimeout)
		p.SignalFail()
		s.respondFailure(cc.Request, messaging.StatusTimeout, err)
	default:
		op.End(resource.ResultFailed)
		p.SignalFail()
		status := messaging.StatusError
		if s.getErrorClassifier()(err) == ErrorCategoryValidation {
			status = messaging.StatusBadRequest
		}
		s.respondFailure(cc.Request, status, err)
	}

	s.collector.Write(collector.DispatchEvent{
		Header:    cc.Request.Header().Key(),
		PayloadID: p.ID,
		Success:   err == nil,
		Duration:  duration,
		At:        time.Now(),
	})
}

// respondFailure reports err to the request's response channel, if any.
// Replies a failed command queued are discarded, so this is the only answer.
func (s *Service) respondFailure(req *messaging.ServiceMessage, status string, err error) {
	if req.ResponseChannelID == "" {
		return
	}
	resp := req.ToResponse(status, err.Error())
	if sendErr := s.Send(s.runContext(), resp); sendErr != nil {
		s.Logger.Error("Failed to send failure response", sendErr, loggingpkg.LogFields{
			"message_id": req.ID,
			"status":     status,
		})
	}
}

// flush sends the messages a successful command queued. A failed send is
// logged and recorded against the command's resource profiles; it does not
// fail the command.
func (s *Service) flush(ctx context.Context, cc *CommandContext) {
	for _, msg := range cc.Outgoing() {
		if err := s.send(ctx, msg, cc.op); err != nil {
			cc.Logger.Error("Failed to send command output", err, loggingpkg.LogFields{
				"header": msg.Header().Key(),
			})
			s.collector.Write(collector.NewErrorEvent("dispatch", cc.Payload.ID, err))
		}
	}
}

// boundary records a payload crossing a transport boundary when the
// channel has boundary logging active.
func (s *Service) boundary(direction string, dir channel.Direction, p *messaging.TransmissionPayload) {
	ch, ok := s.channels.Get(p.Message.ChannelID, dir)
	if !ok || !ch.BoundaryLogging(s.Conf.Dispatcher.BoundaryLoggingDefault) {
		return
	}
	s.collector.Write(collector.BoundaryEvent{
		Direction: direction,
		ChannelID: p.Message.ChannelID,
		ClientID:  p.Source,
		PayloadID: p.ID,
		MessageID: p.Message.ID,
		Header:    p.Message.Header().Key(),
		At:        time.Now(),
	})
}

func (s *Service) runContext() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}
