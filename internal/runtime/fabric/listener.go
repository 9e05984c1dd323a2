package fabric

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// Listener is a concurrent FIFO fed by the agent.
type Listener struct {
	id     string
	agent  *Agent
	mu     sync.Mutex
	queue  []*messaging.TransmissionPayload
	notify chan struct{}
	closed atomic.Bool

	collector collector.Collector
	logger    logging.ServiceLogger
}

// ID returns the endpoint id.
func (l *Listener) ID() string { return l.id }

// Inject enqueues p.
func (l *Listener) Inject(p *messaging.TransmissionPayload) error {
	if l.closed.Load() {
		return errs.ErrListenerClosed
	}
	p.Source = l.id
	l.mu.Lock()
	l.queue = append(l.queue, p)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pull dequeues up to count payloads. When the queue is empty it waits up to
// wait for the first arrival. A non-empty remap rewrites the channel id of
// every pulled message, which lets one fabric subscription feed a
// differently named service channel.
func (l *Listener) Pull(ctx context.Context, count int, wait time.Duration, remap string) ([]*messaging.TransmissionPayload, error) {
	if l.closed.Load() {
		return nil, errs.ErrListenerClosed
	}
	if count <= 0 {
		return nil, nil
	}

	batch := l.take(count)
	if len(batch) == 0 && wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-l.notify:
			batch = l.take(count)
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	now := time.Now()
	for _, p := range batch {
		if remap != "" {
			p.Message.ChannelID = remap
		}
		l.collector.Write(collector.BoundaryEvent{
			Direction: collector.DirectionIn,
			ChannelID: p.Message.ChannelID,
			ClientID:  l.id,
			PayloadID: p.ID,
			MessageID: p.Message.ID,
			Header:    p.Message.Header().String(),
			At:        now,
		})
	}
	return batch, nil
}

func (l *Listener) take(count int) []*messaging.TransmissionPayload {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := min(count, len(l.queue))
	if n == 0 {
		return nil
	}
	batch := make([]*messaging.TransmissionPayload, n)
	copy(batch, l.queue[:n])
	clear(l.queue[:n])
	l.queue = l.queue[n:]
	if len(l.queue) > 0 {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
	return batch
}

// QueueLength returns the number of pending payloads.
func (l *Listener) QueueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Purge drops the queued payloads and marks each copy failed. The sender
// signalled its original once the copy was queued, so producers do not see
// the loss. The caller reports the purge; Purge itself writes no event.
func (l *Listener) Purge() int {
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, p := range pending {
		p.TraceWrite("fabric", "purged")
		p.SignalFail()
	}
	if len(pending) > 0 {
		l.logger.Info("Purged pending payloads", logging.LogFields{"count": len(pending)})
	}
	return len(pending)
}

// Close detaches the listener from the agent, purges what is left and
// reports that purge.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.agent.unregister(l)
	if n := l.Purge(); n > 0 {
		l.collector.Write(collector.PurgeEvent{ClientID: l.id, Count: n, At: time.Now()})
	}
	return nil
}
