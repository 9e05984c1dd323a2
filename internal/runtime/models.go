package runtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// CommandStats aggregates the executions of one command.
type CommandStats struct {
	mu sync.Mutex `json:"-"`

	ExecutionsProcessed uint64    `json:"executions_processed"`
	ExecutionsFailed    uint64    `json:"executions_failed"`
	Retries             uint64    `json:"retries"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency      LatencyMetrics     `json:"latency"`
	Throughput   ThroughputMetrics  `json:"throughput"`
	Errors       ErrorBreakdown     `json:"errors"`
	Resource     ResourceUsage      `json:"resource"`
	Backlog      BacklogMetrics     `json:"backlog"`
	Dependencies []DependencyHealth `json:"dependencies"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *processSampler   `json:"-"`
	dependencyIndex  map[string]int    `json:"-"`
}

// CommandInfo describes a registered command for the status API.
type CommandInfo struct {
	Name             string        `json:"name"`
	Header           string        `json:"header"`
	Partial          bool          `json:"partial"`
	ResourceProfiles []string      `json:"resource_profiles,omitempty"`
	Stats            *CommandStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
	// QueueWaitMillis is how long the last payload waited between arrival
	// and execution.
	QueueWaitMillis int64 `json:"queue_wait_millis"`
}

type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets command errors for the statistics breakdown.
type ErrorClassifier func(error) ErrorCategory

func newCommandStats(profiles []string, sampler *processSampler) *CommandStats {
	stats := &CommandStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog:          BacklogMetrics{QueueWaitMillis: -1},
		dependencyIndex:  make(map[string]int),
	}
	for _, p := range profiles {
		stats.addDependency("resource:" + p)
	}
	return stats
}

func (c *CommandStats) addDependency(name string) {
	c.Dependencies = append(c.Dependencies, DependencyHealth{
		Name:   name,
		Status: DependencyStatusUnknown,
	})
	c.dependencyIndex[name] = len(c.Dependencies) - 1
}

func (c *CommandStats) onStart(created time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Backlog.InFlight++
	if c.Backlog.InFlight > c.Backlog.MaxInFlight {
		c.Backlog.MaxInFlight = c.Backlog.InFlight
	}
	if !created.IsZero() {
		c.Backlog.QueueWaitMillis = max(time.Since(created).Milliseconds(), 0)
	}
}

func (c *CommandStats) onRetry() {
	c.mu.Lock()
	c.Retries++
	c.mu.Unlock()
}

func (c *CommandStats) onFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Backlog.InFlight > 0 {
		c.Backlog.InFlight--
	}

	c.ExecutionsProcessed++
	if err != nil {
		c.ExecutionsFailed++
	}
	c.TotalProcessingTime += int64(duration)
	c.LastProcessedAt = time.Now().UTC()

	c.latencyWindow.Add(duration)
	snapshot := c.latencyWindow.Snapshot()
	snapshot.LastNs = int64(duration)
	snapshot.AverageNs = c.TotalProcessingTime / int64(c.ExecutionsProcessed)
	c.Latency = snapshot

	tp := c.throughputWindow.AddAndSnapshot(time.Now())
	c.Throughput.CurrentRPS = tp.CurrentRPS
	c.Throughput.WindowSeconds = tp.WindowSeconds
	c.Throughput.MessagesInWindow = uint64(tp.Count)
	c.Throughput.TotalMessages = c.ExecutionsProcessed

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	category := classifier(err)
	c.Errors.Record(category, err)

	if c.resourceSampler != nil {
		c.Resource = c.resourceSampler.Snapshot()
	}

	status, details := DependencyStatusHealthy, ""
	if category == ErrorCategoryTransport || category == ErrorCategoryDownstream {
		status, details = DependencyStatusDegraded, err.Error()
	}
	now := time.Now().UTC()
	for i := range c.Dependencies {
		c.Dependencies[i].Status = status
		c.Dependencies[i].Details = details
		c.Dependencies[i].LastChecked = now
	}
}

func (c *CommandStats) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type Alias CommandStats
	return jsoncodec.Marshal((*Alias)(c))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// latencyWindow keeps the most recent durations in a fixed ring.
type latencyWindow struct {
	ring []int64
	pos  int
	full bool
	last int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{ring: make([]int64, 0, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.last = int64(d)
	if !lw.full {
		lw.ring = append(lw.ring, lw.last)
		lw.full = len(lw.ring) == cap(lw.ring)
		return
	}
	lw.ring[lw.pos] = lw.last
	lw.pos = (lw.pos + 1) % len(lw.ring)
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	out := LatencyMetrics{LastNs: lw.last, SampleSize: len(lw.ring)}
	if len(lw.ring) == 0 {
		return out
	}
	sorted := slices.Clone(lw.ring)
	slices.Sort(sorted)

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	out.AverageNs = sum / int64(len(sorted))
	out.P50Ns = percentile(sorted, 0.50)
	out.P95Ns = percentile(sorted, 0.95)
	out.P99Ns = percentile(sorted, 0.99)
	return out
}

// percentile interpolates linearly between the two closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	rank := q * float64(n-1)
	lo := int(rank)
	if lo+1 >= n {
		return sorted[lo]
	}
	return sorted[lo] + int64(float64(sorted[lo+1]-sorted[lo])*(rank-float64(lo)))
}

// throughputWindow counts arrivals over a sliding horizon.
type throughputWindow struct {
	horizon  time.Duration
	arrivals []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	cutoff := now.Add(-tw.horizon)
	if keep := slices.IndexFunc(tw.arrivals, func(t time.Time) bool { return !t.Before(cutoff) }); keep > 0 {
		tw.arrivals = slices.Delete(tw.arrivals, 0, keep)
	} else if keep < 0 {
		tw.arrivals = tw.arrivals[:0]
	}
	tw.arrivals = append(tw.arrivals, now)

	span := max(now.Sub(tw.arrivals[0]), time.Nanosecond).Seconds()
	return throughputSnapshot{
		Count:         len(tw.arrivals),
		WindowSeconds: span,
		CurrentRPS:    float64(len(tw.arrivals)) / span,
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var unprocessable *errspkg.UnprocessableMessageError
	switch {
	case errors.As(err, &unprocessable), errors.Is(err, errspkg.ErrTransitCountExceeded):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrRetryExceeded), errors.Is(err, errspkg.ErrNoSender), errors.Is(err, errspkg.ErrNoListeners):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, errspkg.ErrProcessingTimeout):
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
