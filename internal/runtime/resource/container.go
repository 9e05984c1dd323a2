package resource

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/ids"
)

// Container lazily creates one Statistics per profile id.
type Container struct {
	stats     sync.Map
	collector collector.Collector
}

// NewContainer returns an empty container.
func NewContainer(col collector.Collector) *Container {
	return &Container{collector: collector.Or(col)}
}

// Register installs p. A profile created by first use is replaced, keeping
// its in-flight operations; an explicitly registered profile is kept.
func (c *Container) Register(p Profile) *Statistics {
	s, _ := c.Define(p)
	return s
}

// Define is Register that reports ErrDuplicateResource when p.ID was
// already registered explicitly.
func (c *Container) Define(p Profile) (*Statistics, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, errspkg.ErrResourceIDRequired
	}
	v, loaded := c.stats.LoadOrStore(p.ID, newStatistics(p))
	s := v.(*Statistics)
	if loaded && !s.adopt(p) {
		return s, fmt.Errorf("%w: %s", errspkg.ErrDuplicateResource, p.ID)
	}
	return s, nil
}

// Statistics returns the statistics for id, creating them with the default
// profile on first use.
func (c *Container) Statistics(id string) *Statistics {
	if v, ok := c.stats.Load(id); ok {
		return v.(*Statistics)
	}
	fresh := newStatistics(NewProfile(id))
	fresh.defaulted.Store(true)
	v, _ := c.stats.LoadOrStore(id, fresh)
	return v.(*Statistics)
}

// Operation is a handle on one tracked in-flight operation.
type Operation struct {
	ID    string
	stats []*Statistics
}

// Track starts an operation against every named profile.
func (c *Container) Track(group string, profileIDs ...string) *Operation {
	op := &Operation{ID: ids.CreateULID()}
	for _, id := range profileIDs {
		s := c.Statistics(id)
		s.Start(group, op.ID)
		op.stats = append(op.stats, s)
	}
	return op
}

// Retry records a retry against every tracked profile.
func (o *Operation) Retry(reason string) {
	if o == nil {
		return
	}
	for _, s := range o.stats {
		s.Retry(o.ID, reason)
	}
}

// End completes the operation.
func (o *Operation) End(result Result) {
	if o == nil {
		return
	}
	for _, s := range o.stats {
		s.End(o.ID, result)
	}
}

// Snapshot returns every resource sorted by id.
func (c *Container) Snapshot() []StatisticsSnapshot {
	var out []StatisticsSnapshot
	c.stats.Range(func(_, v any) bool {
		out = append(out, v.(*Statistics).Snapshot())
		return true
	})
	slices.SortFunc(out, func(a, b StatisticsSnapshot) int { return strings.Compare(a.Profile.ID, b.Profile.ID) })
	return out
}

// Report writes the current throttle of every resource to the collector.
func (c *Container) Report() {
	now := time.Now()
	for _, s := range c.Snapshot() {
		c.collector.Write(collector.ResourceEvent{
			ProfileID:  s.Profile.ID,
			Percentage: s.Percentage,
			RetryRatio: s.RetryRatio,
			Active:     s.Active,
			At:         now,
		})
	}
}

// RateLimiter returns a limiter over the named profiles.
func (c *Container) RateLimiter(profileIDs ...string) *RateLimiter {
	stats := make([]*Statistics, 0, len(profileIDs))
	for _, id := range profileIDs {
		stats = append(stats, c.Statistics(id))
	}
	return NewRateLimiter(stats...)
}

// RateLimiter aggregates several resources. The most constrained resource
// governs.
type RateLimiter struct {
	stats   []*Statistics
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter over stats.
func NewRateLimiter(stats ...*Statistics) *RateLimiter {
	return &RateLimiter{stats: stats}
}

// bucket returns the lowest declared RateLimit and the largest burst. Profiles
// are read on every call so a later registration takes effect.
func (r *RateLimiter) bucket() (float64, int) {
	var base float64
	burst := 0
	for _, s := range r.stats {
		p := s.Profile()
		if p.RateLimit > 0 && (base == 0 || p.RateLimit < base) {
			base = p.RateLimit
		}
		burst = max(burst, p.Burst)
	}
	if base > 0 && burst <= 0 {
		burst = int(math.Ceil(base))
	}
	return base, burst
}

// RateLimitAdjustmentPercentage is the minimum across resources, or 1 when
// no resources are attached.
func (r *RateLimiter) RateLimitAdjustmentPercentage() float64 {
	if r == nil {
		return 1
	}
	pct := 1.0
	for _, s := range r.stats {
		pct = min(pct, s.RateLimitAdjustmentPercentage())
	}
	return pct
}

// Allow grants up to n slots. Without a token bucket every slot is granted;
// with one, the bucket refills at the base rate scaled by the current
// adjustment percentage.
func (r *RateLimiter) Allow(n int) int {
	if r == nil || n <= 0 {
		return max(n, 0)
	}
	base, burst := r.bucket()
	if base <= 0 {
		return n
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	limit := rate.Limit(base * r.RateLimitAdjustmentPercentage())
	if r.limiter == nil {
		r.limiter = rate.NewLimiter(limit, burst)
	} else {
		r.limiter.SetLimitAt(now, limit)
		r.limiter.SetBurstAt(now, burst)
	}
	granted := 0
	for granted < n && r.limiter.AllowN(now, 1) {
		granted++
	}
	return granted
}
