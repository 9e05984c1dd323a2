// Package resource tracks retries against named downstream resources and
// turns them into a 0..1 throttle percentage that feeds the poll algorithm.
package resource

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCutoutPercentage is the retry ratio at which a resource throttles
// to zero.
const DefaultCutoutPercentage = 0.75

// Profile describes a named resource.
type Profile struct {
	ID string `json:"id"`
	// CutoutPercentage is the retry ratio at or above which polling stops.
	CutoutPercentage float64 `json:"cutout_percentage"`
	// RateLimit caps messages per second when positive. The cap is scaled by
	// the current adjustment percentage.
	RateLimit float64 `json:"rate_limit,omitempty"`
	Burst     int     `json:"burst,omitempty"`
}

// NewProfile returns a profile with the default cutout.
func NewProfile(id string) Profile {
	return Profile{ID: id, CutoutPercentage: DefaultCutoutPercentage}
}

// Result is the outcome recorded when an operation ends.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailed
	ResultTimeout
)

type activeOperation struct {
	group   string
	started time.Time
	retries atomic.Int64
}

// Statistics holds in-flight operations for one resource.
type Statistics struct {
	profile atomic.Pointer[Profile]
	// defaulted marks statistics created on first use, before any explicit
	// registration of their profile.
	defaulted atomic.Bool

	active      sync.Map
	activeCount atomic.Int64

	started atomic.Int64
	retries atomic.Int64
	failed  atomic.Int64
	timeout atomic.Int64
}

func newStatistics(p Profile) *Statistics {
	if p.CutoutPercentage <= 0 {
		p.CutoutPercentage = DefaultCutoutPercentage
	}
	st := &Statistics{}
	st.profile.Store(&p)
	return st
}

// Profile returns the resource profile.
func (s *Statistics) Profile() Profile { return *s.profile.Load() }

// adopt replaces a defaulted profile with an explicit one. It reports false
// when the profile was already registered explicitly.
func (s *Statistics) adopt(p Profile) bool {
	if !s.defaulted.CompareAndSwap(true, false) {
		return false
	}
	if p.CutoutPercentage <= 0 {
		p.CutoutPercentage = DefaultCutoutPercentage
	}
	s.profile.Store(&p)
	return true
}

// Start registers an in-flight operation.
func (s *Statistics) Start(group, id string) {
	op := &activeOperation{group: group, started: time.Now()}
	if _, loaded := s.active.LoadOrStore(id, op); loaded {
		return
	}
	s.activeCount.Add(1)
	s.started.Add(1)
}

// Retry increments the retry count of an in-flight operation. Unknown ids
// are ignored.
func (s *Statistics) Retry(id, reason string) {
	v, ok := s.active.Load(id)
	if !ok {
		return
	}
	v.(*activeOperation).retries.Add(1)
	s.retries.Add(1)
}

// End removes an in-flight operation.
func (s *Statistics) End(id string, result Result) {
	if _, ok := s.active.LoadAndDelete(id); !ok {
		return
	}
	s.activeCount.Add(-1)
	switch result {
	case ResultFailed:
		s.failed.Add(1)
	case ResultTimeout:
		s.timeout.Add(1)
	}
}

// ActiveCount returns the number of in-flight operations.
func (s *Statistics) ActiveCount() int {
	return int(s.activeCount.Load())
}

// RetryRatio is the sum of retries across in-flight operations divided by
// their count.
func (s *Statistics) RetryRatio() float64 {
	var total, count int64
	s.active.Range(func(_, v any) bool {
		total += v.(*activeOperation).retries.Load()
		count++
		return true
	})
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

// RateLimitAdjustmentPercentage maps the retry ratio onto a throttle.
func (s *Statistics) RateLimitAdjustmentPercentage() float64 {
	return AdjustmentPercentage(s.RetryRatio(), s.Profile().CutoutPercentage)
}

// AdjustmentPercentage is clamp(1 - ratio/cutout, 0, 1). A ratio of zero
// never throttles; a ratio at or past the cutout stops polling.
func AdjustmentPercentage(ratio, cutout float64) float64 {
	if ratio <= 0 {
		return 1
	}
	if cutout <= 0 {
		return 0
	}
	return min(max(1-ratio/cutout, 0), 1)
}

// StatisticsSnapshot is a point-in-time view of a resource.
type StatisticsSnapshot struct {
	Profile    Profile `json:"profile"`
	Active     int     `json:"active"`
	RetryRatio float64 `json:"retry_ratio"`
	Percentage float64 `json:"percentage"`
	Started    int64   `json:"started"`
	Retries    int64   `json:"retries"`
	Failed     int64   `json:"failed"`
	Timeout    int64   `json:"timeout"`
}

// Snapshot captures the current statistics.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	ratio, p := s.RetryRatio(), s.Profile()
	return StatisticsSnapshot{
		Profile:    p,
		Active:     s.ActiveCount(),
		RetryRatio: ratio,
		Percentage: AdjustmentPercentage(ratio, p.CutoutPercentage),
		Started:    s.started.Load(),
		Retries:    s.retries.Load(),
		Failed:     s.failed.Load(),
		Timeout:    s.timeout.Load(),
	}
}
