package masterjob

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xigadee/microservice/internal/runtime/collector"
	"github.com/xigadee/microservice/internal/runtime/schedule"
)

// StateChangeEvent is raised once per real state transition.
type StateChangeEvent struct {
	Name    string
	Old     State
	New     State
	Counter int64
}

// Partner is a peer known to this node.
type Partner struct {
	ServiceID string    `json:"serviceId"`
	IsStandby bool      `json:"isStandby"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Context is the negotiation state of one master job on this node.
type Context struct {
	Name string

	strategy  NegotiationStrategy
	collector collector.Collector

	mu        sync.Mutex
	state     State
	counter   int64
	attempts  int
	observers []func(StateChangeEvent)

	partners      sync.Map
	partnerMaster atomic.Pointer[Partner]

	schedule *schedule.Schedule
}

// NewContext returns a disabled context.
func NewContext(name string, strategy NegotiationStrategy, col collector.Collector) *Context {
	if strategy == nil {
		strategy = &DefaultStrategy{}
	}
	return &Context{Name: name, strategy: strategy, collector: collector.Or(col)}
}

// Strategy returns the negotiation strategy.
func (c *Context) Strategy() NegotiationStrategy { return c.strategy }

// OnStateChange registers an observer. Observers run synchronously after
// the transition, outside the state lock.
func (c *Context) OnStateChange(fn func(StateChangeEvent)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChangeCounter returns the number of transitions so far.
func (c *Context) StateChangeCounter() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// SetState moves to s. Setting the current state is a no-op; a real change
// resets the poll attempts and notifies observers. It reports whether the
// state changed.
func (c *Context) SetState(s State) bool {
	c.mu.Lock()
	return c.transitionLocked(s)
}

// CompareAndSetState moves to s only while the current state is old.
func (c *Context) CompareAndSetState(old, s State) bool {
	c.mu.Lock()
	if c.state != old {
		c.mu.Unlock()
		return false
	}
	return c.transitionLocked(s)
}

// transitionLocked is entered with c.mu held and releases it.
func (c *Context) transitionLocked(s State) bool {
	if c.state == s {
		c.mu.Unlock()
		return false
	}
	old := c.state
	c.state = s
	c.attempts = 0
	c.counter++
	ev := StateChangeEvent{Name: c.Name, Old: old, New: s, Counter: c.counter}
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	c.collector.Write(collector.StateChangeEvent{
		Job:     ev.Name,
		Old:     old.String(),
		New:     s.String(),
		Counter: ev.Counter,
		At:      time.Now(),
	})
	for _, fn := range observers {
		fn(ev)
	}
	return true
}

// Start clears what this node knows about its peers and begins verifying
// communications.
func (c *Context) Start() {
	c.clearPartners()
	c.SetState(VerifyingComms)
	c.ResetPollAttempts()
}

// Stop forces Disabled whatever the current state.
func (c *Context) Stop() {
	c.SetState(Disabled)
	c.clearPartners()
}

func (c *Context) clearPartners() {
	c.partners.Clear()
	c.partnerMaster.Store(nil)
}

// PartnerStandbyRecord upserts a standby peer. A standby claim from the
// current partner master means it has stepped down.
func (c *Context) PartnerStandbyRecord(serviceID string) (wasMaster bool) {
	c.partners.Store(serviceID, Partner{ServiceID: serviceID, IsStandby: true, LastSeen: time.Now()})
	if pm := c.partnerMaster.Load(); pm != nil && pm.ServiceID == serviceID {
		return c.partnerMaster.CompareAndSwap(pm, nil)
	}
	return false
}

// PartnerMasterRecord records serviceID as the master. The most recent
// claim wins.
func (c *Context) PartnerMasterRecord(serviceID string) {
	c.partners.Delete(serviceID)
	c.partnerMaster.Store(&Partner{ServiceID: serviceID, LastSeen: time.Now()})
}

// PartnerMasterClear forgets the partner master.
func (c *Context) PartnerMasterClear() { c.partnerMaster.Store(nil) }

// PartnerMaster returns the current partner master, or nil.
func (c *Context) PartnerMaster() *Partner { return c.partnerMaster.Load() }

// Partners returns the standby peers sorted by service id.
func (c *Context) Partners() []Partner {
	var out []Partner
	c.partners.Range(func(_, v any) bool {
		out = append(out, v.(Partner))
		return true
	})
	slices.SortFunc(out, func(a, b Partner) int { return strings.Compare(a.ServiceID, b.ServiceID) })
	return out
}

// MasterPollAttemptsIncrement counts a poll made without progress.
func (c *Context) MasterPollAttemptsIncrement() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

// MasterPollAttemptsExceeded asks the strategy whether the current round
// has stalled.
func (c *Context) MasterPollAttemptsExceeded() bool {
	c.mu.Lock()
	state, attempts := c.state, c.attempts
	c.mu.Unlock()
	return c.strategy.PollAttemptsExceeded(state, attempts)
}

// PollAttempts returns the attempts made in the current state.
func (c *Context) PollAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ResetPollAttempts zeroes the attempt counter without a state change.
func (c *Context) ResetPollAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// NegotiationPollScheduleInitialise registers the internal schedule that
// drives negotiation.
func (c *Context) NegotiationPollScheduleInitialise(container *schedule.Container, execute schedule.ExecuteFunc) (*schedule.Schedule, error) {
	s, err := container.Register("masterjob:"+c.Name, execute, c.strategy.Timer(), schedule.WithInternal())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.schedule = s
	c.mu.Unlock()
	return s, nil
}

// NegotiationSchedule returns the schedule registered for this context.
func (c *Context) NegotiationSchedule() *schedule.Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedule
}

// Status is a point in time view for the status API.
type Status struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Counter       int64     `json:"stateChangeCounter"`
	PollAttempts  int       `json:"pollAttempts"`
	PartnerMaster *Partner  `json:"partnerMaster,omitempty"`
	Partners      []Partner `json:"partners"`
}

func (c *Context) Status() Status {
	c.mu.Lock()
	st := Status{Name: c.Name, State: c.state.String(), Counter: c.counter, PollAttempts: c.attempts}
	c.mu.Unlock()
	st.PartnerMaster = c.PartnerMaster()
	st.Partners = c.Partners()
	return st
}
