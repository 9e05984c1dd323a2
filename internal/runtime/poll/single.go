package poll

import "time"

// SingleClientAlgorithm grants every available slot and never skips. It is
// meant for a service with one transport client or for debugging.
type SingleClientAlgorithm struct {
	settings Settings
}

// NewSingleClientAlgorithm returns the trivial algorithm.
func NewSingleClientAlgorithm(settings Settings) *SingleClientAlgorithm {
	return &SingleClientAlgorithm{settings: settings.withDefaults()}
}

func (a *SingleClientAlgorithm) Name() string { return NameSingle }

func (a *SingleClientAlgorithm) SupportPassDueScan() bool { return false }

func (a *SingleClientAlgorithm) InitialiseMetrics(m *ClientMetrics, now time.Time) {
	if m == nil {
		return
	}
	m.CapacityPercentage = 1
	m.RateLimitPercentage = 1
	m.FabricPollWaitMin = a.settings.FabricPollWaitMax
	m.FabricPollWaitMax = a.settings.FabricPollWaitMax
	m.FabricPollWait = a.settings.FabricPollWaitMax
	m.LastCapacityReset = now
}

func (a *SingleClientAlgorithm) CalculateSlots(available int, _ *ClientMetrics) int {
	return max(available, 0)
}

func (a *SingleClientAlgorithm) ShouldSkip(*ClientMetrics, time.Time) bool { return false }

func (a *SingleClientAlgorithm) PriorityRecalculate(_ int, m *ClientMetrics, now time.Time) int64 {
	if m != nil {
		m.PriorityScore = 0
		m.LastPriorityRecalculate = now
	}
	return 0
}

func (a *SingleClientAlgorithm) CapacityPercentageRecalculate(m *ClientMetrics, rateLimitPercentage float64) {
	if m != nil {
		m.RateLimitPercentage = rateLimitPercentage
	}
}

func (a *SingleClientAlgorithm) CapacityResetDue(*ClientMetrics, time.Time) bool { return false }

func (a *SingleClientAlgorithm) CapacityReset(m *ClientMetrics, now time.Time) {
	if m != nil {
		m.CapacityPercentage = 1
		m.LastCapacityReset = now
	}
}

func (a *SingleClientAlgorithm) PollMetricsRecalculate(_, _ bool, _ *ClientMetrics) {}

func (a *SingleClientAlgorithm) PastDueCalculate(m *ClientMetrics, _ time.Time) bool {
	if m != nil {
		m.IsPastDue = false
	}
	return false
}
