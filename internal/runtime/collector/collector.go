// Package collector is the write-only data collection sink. The dispatch
// core reports boundary crossings, redirects, negotiation state changes and
// errors here and never reads them back.
package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/xigadee/microservice/internal/runtime/logging"
)

// EventType names a category of collected event.
type EventType string

const (
	TypeBoundary    EventType = "boundary"
	TypeRedirect    EventType = "redirect"
	TypeStateChange EventType = "state_change"
	TypeError       EventType = "error"
	TypeDispatch    EventType = "dispatch"
	TypeResource    EventType = "resource"
	TypePurge       EventType = "purge"
)

// Event is anything the collector accepts.
type Event interface {
	EventType() EventType
}

// Boundary directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// BoundaryEvent records a payload crossing a transport client boundary.
type BoundaryEvent struct {
	Direction string    `json:"direction"`
	ChannelID string    `json:"channel_id"`
	ClientID  string    `json:"client_id"`
	PayloadID string    `json:"payload_id"`
	MessageID string    `json:"message_id"`
	Header    string    `json:"header"`
	At        time.Time `json:"at"`
}

func (BoundaryEvent) EventType() EventType { return TypeBoundary }

// RedirectEvent records a redirect rule rewriting a payload.
type RedirectEvent struct {
	RuleID    string    `json:"rule_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	PayloadID string    `json:"payload_id"`
	Cached    bool      `json:"cached"`
	At        time.Time `json:"at"`
}

func (RedirectEvent) EventType() EventType { return TypeRedirect }

// StateChangeEvent records a master job negotiation transition.
type StateChangeEvent struct {
	Job     string    `json:"job"`
	Old     string    `json:"old"`
	New     string    `json:"new"`
	Counter int64     `json:"counter"`
	At      time.Time `json:"at"`
}

func (StateChangeEvent) EventType() EventType { return TypeStateChange }

// ErrorEvent records a contained failure.
type ErrorEvent struct {
	Component string    `json:"component"`
	PayloadID string    `json:"payload_id,omitempty"`
	Err       error     `json:"-"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

func (ErrorEvent) EventType() EventType { return TypeError }

// NewErrorEvent builds an ErrorEvent stamped with the current time.
func NewErrorEvent(component, payloadID string, err error) ErrorEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrorEvent{Component: component, PayloadID: payloadID, Err: err, Message: msg, At: time.Now()}
}

// DispatchEvent records the outcome of one command execution.
type DispatchEvent struct {
	Header    string        `json:"header"`
	PayloadID string        `json:"payload_id"`
	Success   bool          `json:"success"`
	Unhandled bool          `json:"unhandled"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

func (DispatchEvent) EventType() EventType { return TypeDispatch }

// ResourceEvent records a resource profile's current throttle percentage.
type ResourceEvent struct {
	ProfileID  string    `json:"profile_id"`
	Percentage float64   `json:"percentage"`
	RetryRatio float64   `json:"retry_ratio"`
	Active     int       `json:"active"`
	At         time.Time `json:"at"`
}

func (ResourceEvent) EventType() EventType { return TypeResource }

// PurgeEvent records pending payloads failed by a listener purge.
type PurgeEvent struct {
	ClientID string    `json:"client_id"`
	Count    int       `json:"count"`
	At       time.Time `json:"at"`
}

func (PurgeEvent) EventType() EventType { return TypePurge }

// Collector is the write-only sink contract.
type Collector interface {
	Write(Event)
}

// Func adapts a function to Collector.
type Func func(Event)

func (f Func) Write(e Event) { f(e) }

type nop struct{}

func (nop) Write(Event) {}

// Nop discards every event.
func Nop() Collector { return nop{} }

// Or returns c, or Nop when c is nil.
func Or(c Collector) Collector {
	if c == nil {
		return nop{}
	}
	return c
}

// Multi fans events out to an explicit list of observers. A panicking
// observer is logged and skipped so it cannot break the writer.
type Multi struct {
	mu        sync.RWMutex
	observers []Collector
	logger    logging.ServiceLogger
}

// NewMulti returns a fan-out collector over observers.
func NewMulti(logger logging.ServiceLogger, observers ...Collector) *Multi {
	m := &Multi{logger: logging.Component(logger, "collector")}
	for _, o := range observers {
		m.Add(o)
	}
	return m
}

// Add registers another observer.
func (m *Multi) Add(c Collector) {
	if c == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, c)
	m.mu.Unlock()
}

// Len returns the number of observers.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

func (m *Multi) Write(e Event) {
	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()

	for _, o := range observers {
		m.safeWrite(o, e)
	}
}

func (m *Multi) safeWrite(o Collector, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Collector observer panicked", fmt.Errorf("panic: %v", r), logging.LogFields{
				"event_type": string(e.EventType()),
			})
		}
	}()
	o.Write(e)
}
