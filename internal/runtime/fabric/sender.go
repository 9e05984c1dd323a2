package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// Sender pushes payloads into the fabric.
type Sender struct {
	id            string
	agent         *Agent
	maxRetries    int
	retryInterval time.Duration
	collector     collector.Collector
	logger        logging.ServiceLogger
}

// ID returns the endpoint id.
func (s *Sender) ID() string { return s.id }

// Transmit delivers p. retry is the number of attempts already spent on this
// payload upstream; the sender retries until the configured maximum is used
// up and then fails with ErrRetryExceeded. p is signalled with the outcome.
func (s *Sender) Transmit(ctx context.Context, p *messaging.TransmissionPayload, retry int) error {
	if p == nil || p.Message == nil {
		return errs.ErrPayloadRequired
	}

	remaining := max(s.maxRetries-max(retry, 0), 0)
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, s.agent.Deliver(p)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.retryInterval)),
		backoff.WithMaxTries(uint(remaining+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("Fabric delivery failed, retrying", logging.LogFields{
				"payload_id": p.ID,
				"attempt":    attempt,
				"next_in_ms": next.Milliseconds(),
				"error":      err.Error(),
			})
		}),
	)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %d attempts: %w", errs.ErrRetryExceeded, attempt, err)
		}
		s.logger.Error("Fabric transmit failed", err, logging.LogFields{"payload_id": p.ID})
		s.collector.Write(collector.NewErrorEvent("fabric", p.ID, err))
		p.TraceWrite("fabric", "transmit failed")
		p.SignalFail()
		return err
	}

	s.collector.Write(collector.BoundaryEvent{
		Direction: collector.DirectionOut,
		ChannelID: p.Message.ChannelID,
		ClientID:  s.id,
		PayloadID: p.ID,
		MessageID: p.Message.ID,
		Header:    p.Message.Header().String(),
		At:        time.Now(),
	})
	p.SignalSuccess()
	return nil
}
