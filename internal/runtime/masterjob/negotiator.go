package masterjob

import (
	"context"
	"strings"

	"github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// SendFunc broadcasts a negotiation message through the service's ordinary
// outgoing path.
type SendFunc func(ctx context.Context, msg *messaging.ServiceMessage) error

// Negotiator drives one Context: Poll runs from the negotiation schedule
// and Receive handles peer messages delivered by ordinary dispatch.
type Negotiator struct {
	job       *Context
	serviceID string
	channelID string
	send      SendFunc
	logger    logging.ServiceLogger

	onMaster  func()
	onStandby func()
}

// NegotiatorOption configures a Negotiator.
type NegotiatorOption func(*Negotiator)

// OnMaster is called when this node becomes master.
func OnMaster(fn func()) NegotiatorOption {
	return func(n *Negotiator) { n.onMaster = fn }
}

// OnStandby is called when this node stops being master for any reason.
func OnStandby(fn func()) NegotiatorOption {
	return func(n *Negotiator) { n.onStandby = fn }
}

func WithLogger(l logging.ServiceLogger) NegotiatorOption {
	return func(n *Negotiator) { n.logger = l }
}

// NewNegotiator binds job to this node's identity and negotiation channel.
func NewNegotiator(job *Context, serviceID, channelID string, send SendFunc, opts ...NegotiatorOption) *Negotiator {
	n := &Negotiator{
		job:       job,
		serviceID: serviceID,
		channelID: channelID,
		send:      send,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = logging.Component(logging.Or(n.logger), "masterjob").With(logging.LogFields{"job": job.Name})
	job.OnStateChange(n.stateChanged)
	return n
}

// Job returns the negotiated context.
func (n *Negotiator) Job() *Context { return n.job }

// Header is the message header negotiation traffic for this job uses; the
// action part varies.
func (n *Negotiator) Header(a Action) messaging.ServiceMessageHeader {
	return messaging.NewHeader(n.channelID, n.job.Name, string(a))
}

func (n *Negotiator) stateChanged(ev StateChangeEvent) {
	n.logger.Info("Master job state changed", logging.LogFields{
		"old":     ev.Old.String(),
		"new":     ev.New.String(),
		"counter": ev.Counter,
	})
	switch {
	case ev.New == Master && n.onMaster != nil:
		n.onMaster()
	case ev.Old == Master && n.onStandby != nil:
		n.onStandby()
	}
}

// Start begins negotiation.
func (n *Negotiator) Start() { n.job.Start() }

// Stop forces Disabled. A master announces it is standing down so peers
// renegotiate without waiting for missed heartbeats.
func (n *Negotiator) Stop(ctx context.Context) {
	wasMaster := n.job.State() == Master
	n.job.Stop()
	if wasMaster {
		_ = n.broadcast(ctx, ActionIAmStandby)
	}
}

func (n *Negotiator) broadcast(ctx context.Context, a Action) error {
	msg := messaging.NewServiceMessage(n.Header(a), nil)
	msg.OriginatorServiceID = n.serviceID
	err := n.send(ctx, msg)
	if err != nil {
		n.logger.Error("Negotiation broadcast failed", err, logging.LogFields{"action": string(a)})
	}
	return err
}

// Poll advances the negotiation by one step and broadcasts this node's
// current claim. It never returns negotiation anomalies as errors; stalled
// rounds restart.
func (n *Negotiator) Poll(ctx context.Context) error {
	state := n.job.State()
	if state == Disabled {
		return nil
	}

	if state.Negotiating() && n.job.PartnerMaster() != nil {
		n.job.SetState(Standby)
		_ = n.broadcast(ctx, ActionIAmStandby)
		return nil
	}

	switch state {
	case VerifyingComms:
		if err := n.broadcast(ctx, ActionWhoIsMaster); err != nil {
			n.job.MasterPollAttemptsIncrement()
			if n.job.MasterPollAttemptsExceeded() {
				n.job.Start()
			}
			return nil
		}
		n.job.CompareAndSetState(VerifyingComms, Starting)

	case Starting, Requesting1, Requesting2, TakingControl:
		next := state
		if n.job.PollAttempts() > 0 {
			next = advance(state)
			if !n.job.CompareAndSetState(state, next) {
				return nil
			}
		}
		_ = n.broadcast(ctx, announce(next))
		if next != Master && n.job.State() == next {
			n.job.MasterPollAttemptsIncrement()
		}

	case Standby:
		_ = n.broadcast(ctx, ActionIAmStandby)
		n.job.MasterPollAttemptsIncrement()
		if n.job.MasterPollAttemptsExceeded() {
			n.logger.Info("Master heartbeat lost, renegotiating", nil)
			n.job.PartnerMasterClear()
			n.job.SetState(VerifyingComms)
		}

	case Master:
		_ = n.broadcast(ctx, ActionIAmMaster)
	}
	return nil
}

// Receive processes a negotiation message. Messages for other jobs are
// ignored.
func (n *Negotiator) Receive(ctx context.Context, msg *messaging.ServiceMessage) error {
	if msg == nil || !strings.EqualFold(msg.MessageType, n.job.Name) {
		return nil
	}
	action, ok := ParseAction(msg.ActionType)
	if !ok {
		return nil
	}
	state := n.job.State()
	if state == Disabled {
		return nil
	}

	from := msg.OriginatorServiceID
	if from == n.serviceID {
		n.job.CompareAndSetState(VerifyingComms, Starting)
		return nil
	}

	switch action {
	case ActionWhoIsMaster:
		if state == Master {
			_ = n.broadcast(ctx, ActionIAmMaster)
		}

	case ActionIAmStandby:
		if n.job.PartnerStandbyRecord(from) && state == Standby {
			n.job.SetState(VerifyingComms)
		}

	case ActionIAmMaster:
		n.job.PartnerMasterRecord(from)
		switch {
		case state == Master, state.Negotiating():
			n.job.SetState(Standby)
		case state == Standby:
			n.job.ResetPollAttempts()
		}

	case ActionRequestingControl1, ActionRequestingControl2, ActionTakingControl:
		switch {
		case state == Master:
			_ = n.broadcast(ctx, ActionIAmMaster)
		case state >= Starting && state <= TakingControl && claimRank(action) >= state:
			n.job.SetState(Starting)
			n.job.ResetPollAttempts()
		}
	}
	return nil
}
