package runtime

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/poll"
	"github.com/xigadee/microservice/internal/runtime/tasks"
)

// runListeners drives the poll cycle until ctx is done.
func (s *Service) runListeners(ctx context.Context) error {
	ticker := time.NewTicker(s.Conf.Dispatcher.PollLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.pollCycle(ctx, now)
		}
	}
}

type pollCandidate struct {
	lc       *listenerClient
	pastDue  bool
	score    int64
	lastPoll time.Time
}

// pollCycle hands the free worker slots to listener clients. Past due
// clients are served first, then clients by descending priority score. A
// client whose last pull was full may be granted AllowedOverage slots past
// what is free; the extra tasks wait in the manager's queue. It returns the
// number of slots granted.
func (s *Service) pollCycle(ctx context.Context, now time.Time) int {
	available := s.tasks.AvailableSlots()
	if available <= 0 {
		return 0
	}

	candidates := make([]pollCandidate, 0)
	for _, lc := range s.listenerClients() {
		if lc.closed.Load() || lc.polling.Load() {
			continue
		}
		queueLength := lc.queueLength()
		c := pollCandidate{lc: lc}
		lc.withMetrics(func(m *poll.ClientMetrics) {
			if s.algorithm.CapacityResetDue(m, now) {
				s.algorithm.CapacityReset(m, now)
			}
			if s.algorithm.SupportPassDueScan() {
				s.algorithm.PastDueCalculate(m, now)
			}
			s.algorithm.PriorityRecalculate(queueLength, m, now)
			c.pastDue, c.score, c.lastPoll = m.IsPastDue, m.PriorityScore, m.LastPoll
		})
		candidates = append(candidates, c)
	}

	slices.SortStableFunc(candidates, func(a, b pollCandidate) int {
		switch {
		case a.pastDue != b.pastDue:
			if a.pastDue {
				return -1
			}
			return 1
		case a.score != b.score:
			if a.score > b.score {
				return -1
			}
			return 1
		default:
			return a.lastPoll.Compare(b.lastPoll)
		}
	})

	granted := 0
	for _, c := range candidates {
		if available <= 0 {
			break
		}
		lc := c.lc
		throttle := lc.limiter.RateLimitAdjustmentPercentage()
		slots := 0
		lc.withMetrics(func(m *poll.ClientMetrics) {
			// The throttle is refreshed before the skip check, which reads it.
			m.SetRateLimit(throttle)
			if s.algorithm.ShouldSkip(m, now) {
				return
			}
			s.algorithm.CapacityPercentageRecalculate(m, throttle)
			slots = s.algorithm.CalculateSlots(available, m)
		})
		slots = lc.limiter.Allow(slots)
		if slots <= 0 || !lc.polling.CompareAndSwap(false, true) {
			continue
		}

		if err := s.submitPoll(ctx, lc, slots); err != nil {
			lc.polling.Store(false)
			if !errors.Is(err, errspkg.ErrManagerStopped) {
				s.Logger.Error("Failed to queue listener poll", err, loggingpkg.LogFields{"client_id": lc.client.ID()})
			}
			continue
		}
		available -= slots
		granted += slots
	}
	return granted
}

func (s *Service) submitPoll(ctx context.Context, lc *listenerClient, slots int) error {
	tracker := tasks.NewTracker(tasks.TypeListener, "poll:"+lc.client.ID(), func(tctx context.Context, _ *tasks.Tracker) error {
		defer lc.polling.Store(false)
		return s.pollClient(tctx, lc, slots)
	})
	tracker.Context = lc.client
	tracker.WithPriority(s.tasks.Levels() - 1)
	return s.tasks.Submit(tracker)
}

// pollClient pulls up to slots payloads from lc and dispatches them.
func (s *Service) pollClient(ctx context.Context, lc *listenerClient, slots int) error {
	var wait time.Duration
	lc.withMetrics(func(m *poll.ClientMetrics) { wait = m.FabricPollWait })
	if lc.queueLength() > 0 {
		wait = 0
	}

	payloads, err := lc.client.Pull(ctx, slots, wait)
	lc.withMetrics(func(m *poll.ClientMetrics) {
		m.RecordPoll(slots, len(payloads), time.Now())
		s.algorithm.PollMetricsRecalculate(err == nil && len(payloads) > 0, err != nil, m)
	})

	if err != nil {
		if errors.Is(err, errspkg.ErrListenerClosed) {
			lc.closed.Store(true)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		s.collector.Write(collector.NewErrorEvent("poll", lc.client.ID(), err))
		return err
	}

	priority := lc.partition.Priority
	for _, p := range payloads {
		if p.Message != nil && p.Message.ChannelPriority == nil {
			p.Message.ChannelPriority = &priority
		}
		if err := s.Dispatch(p); err != nil {
			fields := loggingpkg.LogFields{"client_id": lc.client.ID(), "payload_id": p.ID}
			if errors.Is(err, errspkg.ErrUnhandledMessage) {
				s.Logger.Debug("Unhandled message", fields)
				continue
			}
			s.Logger.Error("Failed to dispatch payload", err, fields)
		}
	}
	return nil
}
