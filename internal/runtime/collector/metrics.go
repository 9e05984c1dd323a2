package collector

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector turns collected events into Prometheus series and keeps a
// small in-process tally for the status API.
type MetricsCollector struct {
	mu sync.RWMutex

	channels map[string]*ChannelMetrics

	boundaryTotal    *prometheus.CounterVec
	redirectTotal    *prometheus.CounterVec
	stateChanges     *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	resourceThrottle *prometheus.GaugeVec
	purgedTotal      *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// ChannelMetrics holds per-channel tallies.
type ChannelMetrics struct {
	Incoming      uint64    `json:"incoming"`
	Outgoing      uint64    `json:"outgoing"`
	Redirected    uint64    `json:"redirected"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// MetricsSnapshot is a point-in-time view of the tallies.
type MetricsSnapshot struct {
	Channels    map[string]ChannelMetrics `json:"channels"`
	CollectedAt time.Time                 `json:"collected_at"`
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microservice",
		Subsystem: "dispatch",
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetricsCollector creates a collector registering on registerer, or the
// default registerer when nil.
func NewMetricsCollector(registerer prometheus.Registerer) *MetricsCollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &MetricsCollector{
		channels:      make(map[string]*ChannelMetrics),
		registerer:    registerer,
		boundaryTotal: newCounterVec("boundary_total", "Payloads crossing a transport client boundary", "channel", "direction"),
		redirectTotal: newCounterVec("redirect_total", "Payloads rewritten by a redirect rule", "rule"),
		stateChanges:  newCounterVec("masterjob_state_changes_total", "Master job state transitions", "job", "state"),
		errorsTotal:   newCounterVec("errors_total", "Contained failures by component", "component"),
		dispatchTotal: newCounterVec("commands_total", "Command executions by result", "result"),
		purgedTotal:   newCounterVec("purged_total", "Payloads failed by a listener purge", "client"),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "microservice",
			Subsystem: "dispatch",
			Name:      "command_duration_seconds",
			Help:      "Command execution time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		resourceThrottle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "microservice",
			Subsystem: "resource",
			Name:      "throttle_percentage",
			Help:      "Current rate limit adjustment percentage per resource profile",
		}, []string{"profile"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *MetricsCollector) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.boundaryTotal,
		m.redirectTotal,
		m.stateChanges,
		m.errorsTotal,
		m.dispatchTotal,
		m.dispatchDuration,
		m.resourceThrottle,
		m.purgedTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *MetricsCollector) Write(e Event) {
	switch ev := e.(type) {
	case BoundaryEvent:
		m.boundaryTotal.WithLabelValues(ev.ChannelID, ev.Direction).Inc()
		m.updateChannel(ev.ChannelID, func(c *ChannelMetrics) {
			if ev.Direction == DirectionIn {
				c.Incoming++
			} else {
				c.Outgoing++
			}
		})
	case RedirectEvent:
		m.redirectTotal.WithLabelValues(ev.RuleID).Inc()
		m.updateChannel(channelOf(ev.From), func(c *ChannelMetrics) { c.Redirected++ })
	case StateChangeEvent:
		m.stateChanges.WithLabelValues(ev.Job, ev.New).Inc()
	case ErrorEvent:
		m.errorsTotal.WithLabelValues(ev.Component).Inc()
	case DispatchEvent:
		result := "success"
		switch {
		case ev.Unhandled:
			result = "unhandled"
		case !ev.Success:
			result = "failure"
		}
		m.dispatchTotal.WithLabelValues(result).Inc()
		m.dispatchDuration.WithLabelValues(result).Observe(ev.Duration.Seconds())
	case ResourceEvent:
		m.resourceThrottle.WithLabelValues(ev.ProfileID).Set(ev.Percentage)
	case PurgeEvent:
		m.purgedTotal.WithLabelValues(ev.ClientID).Add(float64(ev.Count))
	}
}

// Snapshot returns a copy of the per-channel tallies.
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{Channels: make(map[string]ChannelMetrics, len(m.channels)), CollectedAt: time.Now()}
	for id, c := range m.channels {
		snap.Channels[id] = *c
	}
	return snap
}

// Reset clears all series and tallies.
func (m *MetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels = make(map[string]*ChannelMetrics)
	m.boundaryTotal.Reset()
	m.redirectTotal.Reset()
	m.stateChanges.Reset()
	m.errorsTotal.Reset()
	m.dispatchTotal.Reset()
	m.dispatchDuration.Reset()
	m.resourceThrottle.Reset()
	m.purgedTotal.Reset()
}

func (m *MetricsCollector) updateChannel(id string, fn func(*ChannelMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[id]
	if !ok {
		c = &ChannelMetrics{}
		m.channels[id] = c
	}
	fn(c)
	c.LastUpdatedAt = time.Now()
}

// channelOf extracts the channel from a "channel/type/action" header string.
func channelOf(header string) string {
	for i := 0; i < len(header); i++ {
		if header[i] == '/' {
			return header[:i]
		}
	}
	return header
}
