// Package poll decides, per transport client and per cycle, how many
// messages to pull and how soon to poll again.
package poll

import (
	"fmt"
	"time"
)

// Settings tunes the poll algorithms.
type Settings struct {
	AllowedOverage               int
	MinExpectedWaitBetweenPolls  time.Duration
	MaxAllowedWaitBetweenPolls   time.Duration
	PollTimeReduceRatio          float64
	PriorityRecalculateFrequency time.Duration
	FabricPollWaitMin            time.Duration
	FabricPollWaitMax            time.Duration
	SupportPassDueScan           bool
	// CapacityFloor stops repeated reductions from starving a client.
	CapacityFloor float64
	// MaxSkipCount bounds how many cycles an erroring client sits out.
	MaxSkipCount int
}

// DefaultSettings returns the stock tuning.
func DefaultSettings() Settings {
	return Settings{
		AllowedOverage:               5,
		MinExpectedWaitBetweenPolls:  100 * time.Millisecond,
		MaxAllowedWaitBetweenPolls:   time.Second,
		PollTimeReduceRatio:          0.75,
		PriorityRecalculateFrequency: 10 * time.Minute,
		FabricPollWaitMin:            100 * time.Millisecond,
		FabricPollWaitMax:            time.Second,
		SupportPassDueScan:           true,
		CapacityFloor:                0.1,
		MaxSkipCount:                 10,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.AllowedOverage < 0 {
		s.AllowedOverage = 0
	}
	if s.MinExpectedWaitBetweenPolls <= 0 {
		s.MinExpectedWaitBetweenPolls = d.MinExpectedWaitBetweenPolls
	}
	if s.MaxAllowedWaitBetweenPolls <= 0 {
		s.MaxAllowedWaitBetweenPolls = d.MaxAllowedWaitBetweenPolls
	}
	if s.PollTimeReduceRatio <= 0 || s.PollTimeReduceRatio > 1 {
		s.PollTimeReduceRatio = d.PollTimeReduceRatio
	}
	if s.PriorityRecalculateFrequency <= 0 {
		s.PriorityRecalculateFrequency = d.PriorityRecalculateFrequency
	}
	if s.FabricPollWaitMin <= 0 {
		s.FabricPollWaitMin = d.FabricPollWaitMin
	}
	if s.FabricPollWaitMax < s.FabricPollWaitMin {
		s.FabricPollWaitMax = max(d.FabricPollWaitMax, s.FabricPollWaitMin)
	}
	if s.CapacityFloor <= 0 || s.CapacityFloor > 1 {
		s.CapacityFloor = d.CapacityFloor
	}
	if s.MaxSkipCount <= 0 {
		s.MaxSkipCount = d.MaxSkipCount
	}
	return s
}

// ClientMetrics is the per-client state the algorithm reads and updates.
// Only the poll cycle that owns the client mutates it.
type ClientMetrics struct {
	ClientID  string
	Priority  int
	Weighting float64

	PriorityScore           int64
	LastPoll                time.Time
	LastPriorityRecalculate time.Time
	LastCapacityReset       time.Time

	CapacityPercentage  float64
	RateLimitPercentage float64

	SkipCount         int
	ConsecutiveErrors int

	PollAttempted int64
	PollAchieved  int64
	LastAttempted int
	LastAchieved  int

	FabricPollWait    time.Duration
	FabricPollWaitMin time.Duration
	FabricPollWaitMax time.Duration

	IsPastDue bool
}

// NewClientMetrics creates metrics for a client attached on a partition.
// maxPollWait optionally tightens the fabric wait ceiling for the partition.
func NewClientMetrics(clientID string, priority int, weighting float64, maxPollWait time.Duration) *ClientMetrics {
	if weighting <= 0 {
		weighting = 1
	}
	return &ClientMetrics{
		ClientID:            clientID,
		Priority:            priority,
		Weighting:           weighting,
		CapacityPercentage:  1,
		RateLimitPercentage: 1,
		FabricPollWaitMax:   maxPollWait,
	}
}

// RecordPoll notes a completed pull.
func (m *ClientMetrics) RecordPoll(attempted, achieved int, at time.Time) {
	if m == nil {
		return
	}
	m.LastPoll = at
	m.LastAttempted = attempted
	m.LastAchieved = achieved
	m.PollAttempted += int64(attempted)
	m.PollAchieved += int64(achieved)
}

// LastPollFullyAchieved reports whether the previous pull filled every slot.
// SetRateLimit records the current resource throttle, clamped to 0..1.
func (m *ClientMetrics) SetRateLimit(pct float64) {
	if m != nil {
		m.RateLimitPercentage = clamp01(pct)
	}
}

func (m *ClientMetrics) LastPollFullyAchieved() bool {
	return m.LastAttempted > 0 && m.LastAchieved >= m.LastAttempted
}

func (m *ClientMetrics) String() string {
	return fmt.Sprintf("%s[p=%d score=%d cap=%.2f rate=%.2f skip=%d wait=%s]",
		m.ClientID, m.Priority, m.PriorityScore, m.CapacityPercentage, m.RateLimitPercentage, m.SkipCount, m.FabricPollWait)
}

// Algorithm is the slot allocation contract. Implementations must not panic
// and must only touch the metrics they are given.
type Algorithm interface {
	Name() string
	SupportPassDueScan() bool
	InitialiseMetrics(m *ClientMetrics, now time.Time)
	CalculateSlots(available int, m *ClientMetrics) int
	ShouldSkip(m *ClientMetrics, now time.Time) bool
	PriorityRecalculate(queueLength int, m *ClientMetrics, now time.Time) int64
	CapacityPercentageRecalculate(m *ClientMetrics, rateLimitPercentage float64)
	CapacityResetDue(m *ClientMetrics, now time.Time) bool
	CapacityReset(m *ClientMetrics, now time.Time)
	PollMetricsRecalculate(success, hasErrored bool, m *ClientMetrics)
	PastDueCalculate(m *ClientMetrics, now time.Time) bool
}

// Algorithm names accepted by New.
const (
	NameSingle   = "single"
	NameMultiple = "multiple"
)

// New returns the algorithm registered under name.
func New(name string, settings Settings) (Algorithm, error) {
	switch name {
	case NameSingle:
		return NewSingleClientAlgorithm(settings), nil
	case "", NameMultiple:
		return NewMultipleClientAlgorithm(settings), nil
	}
	return nil, fmt.Errorf("poll: unknown algorithm %q", name)
}
