package poll

import (
	"math"
	"time"
)

// MultipleClientAlgorithm shares a limited pool of slots across many
// clients. Backlog and idle time drive priority, achieved/attempted ratios
// and the resource throttle drive capacity, and the overdue scan bounds the
// time any client waits between polls.
type MultipleClientAlgorithm struct {
	settings Settings
}

// NewMultipleClientAlgorithm returns the production algorithm.
func NewMultipleClientAlgorithm(settings Settings) *MultipleClientAlgorithm {
	return &MultipleClientAlgorithm{settings: settings.withDefaults()}
}

// Settings returns the effective tuning.
func (a *MultipleClientAlgorithm) Settings() Settings { return a.settings }

func (a *MultipleClientAlgorithm) Name() string { return NameMultiple }

func (a *MultipleClientAlgorithm) SupportPassDueScan() bool { return a.settings.SupportPassDueScan }

func (a *MultipleClientAlgorithm) InitialiseMetrics(m *ClientMetrics, now time.Time) {
	if m == nil {
		return
	}
	ceiling := a.settings.FabricPollWaitMax
	if m.FabricPollWaitMax > 0 && m.FabricPollWaitMax < ceiling {
		ceiling = max(m.FabricPollWaitMax, a.settings.FabricPollWaitMin)
	}
	m.FabricPollWaitMin = a.settings.FabricPollWaitMin
	m.FabricPollWaitMax = ceiling
	m.FabricPollWait = a.settings.FabricPollWaitMin
	m.CapacityPercentage = 1
	m.RateLimitPercentage = 1
	if m.Weighting <= 0 {
		m.Weighting = 1
	}
	m.LastCapacityReset = now
	m.LastPriorityRecalculate = now
}

// CalculateSlots scales the available slots by capacity and throttle. A
// client whose previous pull filled every slot may take AllowedOverage
// extra, which lets a busy client grow its share.
func (a *MultipleClientAlgorithm) CalculateSlots(available int, m *ClientMetrics) int {
	if m == nil || available <= 0 {
		return 0
	}
	factor := clamp01(m.CapacityPercentage) * clamp01(m.RateLimitPercentage)
	if factor <= 0 {
		return 0
	}
	slots := int(math.Ceil(float64(available) * factor))
	if m.LastPollFullyAchieved() {
		slots += a.settings.AllowedOverage
	}
	return min(slots, available+a.settings.AllowedOverage)
}

// ShouldSkip holds a client back while it is inside the minimum wait, while
// its resources are fully throttled, or while it sits out skip cycles after
// errors or empty pulls. Consuming a skip cycle decrements the counter.
func (a *MultipleClientAlgorithm) ShouldSkip(m *ClientMetrics, now time.Time) bool {
	if m == nil {
		return true
	}
	if m.RateLimitPercentage <= 0 {
		return true
	}
	if !m.LastPoll.IsZero() && now.Sub(m.LastPoll) < a.settings.MinExpectedWaitBetweenPolls {
		return true
	}
	if m.SkipCount > 0 {
		m.SkipCount--
		return true
	}
	return false
}

// PriorityRecalculate scores backlog in thousands plus idle milliseconds,
// scaled by the partition weighting. With equal backlog the client idle the
// longest scores highest.
func (a *MultipleClientAlgorithm) PriorityRecalculate(queueLength int, m *ClientMetrics, now time.Time) int64 {
	if m == nil {
		return 0
	}
	idle := a.settings.MaxAllowedWaitBetweenPolls * 10
	if !m.LastPoll.IsZero() {
		idle = min(now.Sub(m.LastPoll), idle)
	}
	backlog := int64(max(queueLength, 0)) * 1000
	score := float64(backlog+max(idle.Milliseconds(), 0)) * m.Weighting
	m.PriorityScore = int64(score)
	m.LastPriorityRecalculate = now
	return m.PriorityScore
}

// CapacityPercentageRecalculate records the resource throttle and adapts
// capacity: a poor achieved/attempted ratio shrinks it by the reduce ratio,
// a full pull grows it back toward 1.
func (a *MultipleClientAlgorithm) CapacityPercentageRecalculate(m *ClientMetrics, rateLimitPercentage float64) {
	if m == nil {
		return
	}
	m.RateLimitPercentage = clamp01(rateLimitPercentage)
	if m.LastAttempted <= 0 {
		return
	}
	ratio := float64(m.LastAchieved) / float64(m.LastAttempted)
	switch {
	case ratio < a.settings.PollTimeReduceRatio:
		m.CapacityPercentage = max(m.CapacityPercentage*a.settings.PollTimeReduceRatio, a.settings.CapacityFloor)
	case ratio >= 1:
		m.CapacityPercentage = min(m.CapacityPercentage/a.settings.PollTimeReduceRatio, 1)
	}
}

func (a *MultipleClientAlgorithm) CapacityResetDue(m *ClientMetrics, now time.Time) bool {
	if m == nil {
		return false
	}
	return now.Sub(m.LastCapacityReset) >= a.settings.PriorityRecalculateFrequency
}

func (a *MultipleClientAlgorithm) CapacityReset(m *ClientMetrics, now time.Time) {
	if m == nil {
		return
	}
	m.CapacityPercentage = 1
	m.PollAttempted = 0
	m.PollAchieved = 0
	m.LastCapacityReset = now
}

// PollMetricsRecalculate adapts the skip counter and fabric wait after a
// pull. Errors back off harder than empty pulls.
func (a *MultipleClientAlgorithm) PollMetricsRecalculate(success, hasErrored bool, m *ClientMetrics) {
	if m == nil {
		return
	}
	floor, ceiling := m.FabricPollWaitMin, m.FabricPollWaitMax
	if floor <= 0 {
		floor = a.settings.FabricPollWaitMin
	}
	if ceiling < floor {
		ceiling = max(a.settings.FabricPollWaitMax, floor)
	}
	wait := max(m.FabricPollWait, floor)

	switch {
	case hasErrored:
		m.ConsecutiveErrors++
		m.SkipCount = min(m.ConsecutiveErrors, a.settings.MaxSkipCount)
		m.FabricPollWait = min(wait*2, ceiling)
	case success:
		m.ConsecutiveErrors = 0
		m.SkipCount = 0
		m.FabricPollWait = max(wait/2, floor)
	default:
		m.ConsecutiveErrors = 0
		m.SkipCount = min(m.SkipCount+1, 1)
		m.FabricPollWait = min(wait+wait/2, ceiling)
	}
}

// PastDueCalculate flags a client not polled within the maximum allowed
// wait. Overdue clients are serviced before the priority ordering.
func (a *MultipleClientAlgorithm) PastDueCalculate(m *ClientMetrics, now time.Time) bool {
	if m == nil {
		return false
	}
	if !a.settings.SupportPassDueScan {
		m.IsPastDue = false
		return false
	}
	m.IsPastDue = m.LastPoll.IsZero() || now.Sub(m.LastPoll) > a.settings.MaxAllowedWaitBetweenPolls
	return m.IsPastDue
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, 0), 1)
}
