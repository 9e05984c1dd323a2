package masterjob

import (
	"math/rand/v2"
	"time"

	"github.com/xigadee/microservice/internal/runtime/config"
	"github.com/xigadee/microservice/internal/runtime/schedule"
)

// NegotiationStrategy decides the negotiation cadence and when a round has
// stalled.
type NegotiationStrategy interface {
	// PollAttemptsExceeded reports whether attempts polls in state without
	// progress should abandon the round.
	PollAttemptsExceeded(state State, attempts int) bool
	// Timer returns the negotiation schedule timer for this node.
	Timer() schedule.Timer
}

// DefaultStrategy polls at Frequency plus a per-node random offset of up to
// Jitter, which keeps cooperating nodes out of lockstep.
type DefaultStrategy struct {
	MaxAttempts int
	Frequency   time.Duration
	InitialWait time.Duration
	Jitter      time.Duration
}

// NewDefaultStrategy builds the default strategy from configuration. Jitter
// is a fifth of the frequency.
func NewDefaultStrategy(c config.MasterJobConfig) *DefaultStrategy {
	return &DefaultStrategy{
		MaxAttempts: c.NegotiationMaxAttempts,
		Frequency:   c.NegotiationFrequency,
		InitialWait: c.NegotiationInitialWait,
		Jitter:      c.NegotiationFrequency / 5,
	}
}

// PollAttemptsExceeded never abandons Master or Disabled.
func (d *DefaultStrategy) PollAttemptsExceeded(state State, attempts int) bool {
	if state == Master || state == Disabled {
		return false
	}
	limit := d.MaxAttempts
	if limit <= 0 {
		limit = 3
	}
	return attempts >= limit
}

func (d *DefaultStrategy) Timer() schedule.Timer {
	freq := d.Frequency
	if freq <= 0 {
		freq = 5 * time.Second
	}
	var offset time.Duration
	if d.Jitter > 0 {
		offset = rand.N(d.Jitter)
	}
	return schedule.Timer{
		Frequency:   freq + offset,
		InitialWait: max(d.InitialWait, 0) + offset,
	}
}
