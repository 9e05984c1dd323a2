// Package tasks holds the priority queue and the bounded worker pool that
// runs every unit of work in a service: dispatched payloads, listener polls,
// schedules and internal jobs.
package tasks

import (
	"context"
	"time"

	"github.com/xigadee/microservice/internal/runtime/ids"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// Type classifies a tracker.
type Type string

const (
	TypePayload  Type = "payload"
	TypeSchedule Type = "schedule"
	TypeListener Type = "listener"
	TypeInternal Type = "internal"
)

// ExecuteFunc runs the tracked work.
type ExecuteFunc func(ctx context.Context, t *Tracker) error

// CompleteFunc is called once per tracker after execution, or when the
// tracker is abandoned at shutdown.
type CompleteFunc func(t *Tracker, err error)

// Tracker is one unit of work waiting for or holding a worker slot.
type Tracker struct {
	ID       string
	Name     string
	Type     Type
	Priority *int
	// Context carries the tracked object: a payload, a schedule or a client.
	Context           any
	Execute           ExecuteFunc
	ExecuteComplete   CompleteFunc
	MaxProcessingTime time.Duration
	Created           time.Time
	Started           time.Time
	Level             int
}

// NewTracker returns a tracker of the given type.
func NewTracker(typ Type, name string, execute ExecuteFunc) *Tracker {
	return &Tracker{
		ID:      ids.CreateULID(),
		Name:    name,
		Type:    typ,
		Execute: execute,
		Created: time.Now(),
	}
}

// NewPayloadTracker wraps a payload. The payload's processing budget becomes
// the tracker timeout.
func NewPayloadTracker(p *messaging.TransmissionPayload, execute ExecuteFunc) *Tracker {
	name := ""
	var maxTime time.Duration
	if p != nil {
		maxTime = p.MaxProcessingTime
		if p.Message != nil {
			name = p.Message.Header().Key()
		}
	}
	t := NewTracker(TypePayload, name, execute)
	t.Context = p
	t.MaxProcessingTime = maxTime
	return t
}

// WithPriority sets the tracker priority and returns t.
func (t *Tracker) WithPriority(p int) *Tracker {
	t.Priority = &p
	return t
}

// Payload returns the tracked payload, if any.
func (t *Tracker) Payload() *messaging.TransmissionPayload {
	p, _ := t.Context.(*messaging.TransmissionPayload)
	return p
}

// ResolvePriority picks the queue level for t among levels. Internal work
// always takes the top level; otherwise the payload's channel priority wins,
// then the tracker priority, then the lowest level.
func (t *Tracker) ResolvePriority(levels int) int {
	if levels <= 1 {
		return 0
	}
	if t.Type == TypeInternal {
		return levels - 1
	}
	level := 0
	if p := t.Payload(); p != nil {
		if v, ok := p.Priority(); ok {
			return clampLevel(v, levels)
		}
	}
	if t.Priority != nil {
		level = *t.Priority
	}
	return clampLevel(level, levels)
}

func clampLevel(v, levels int) int {
	return min(max(v, 0), levels-1)
}
