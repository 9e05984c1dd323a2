// Package channel implements named, directional pipes with priority
// partitions, redirect rules and resource profile attachments.
package channel

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errs "github.com/xigadee/microservice/internal/runtime/errors"
)

// Direction is the flow of a channel relative to the service.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Partition is a priority band of a channel. Listener clients are created
// per partition.
type Partition struct {
	Priority  int     `json:"priority"`
	Weighting float64 `json:"weighting"`
	// FabricMaxPollWait caps how long a pull may wait on an empty queue.
	FabricMaxPollWait time.Duration `json:"fabric_max_poll_wait"`
}

// Partitions builds one partition per priority with unit weighting.
func Partitions(priorities ...int) []Partition {
	out := make([]Partition, 0, len(priorities))
	for _, p := range priorities {
		out = append(out, Partition{Priority: p, Weighting: 1})
	}
	return out
}

// Channel is a named directional pipe. Partitions are fixed once a transport
// client has attached.
type Channel struct {
	ID          string    `json:"id"`
	Direction   Direction `json:"direction"`
	Description string    `json:"description,omitempty"`
	// Internal channels never leave the process and refuse transport clients.
	Internal bool `json:"internal"`

	mu               sync.RWMutex
	partitions       []Partition
	attached         int
	resourceProfiles []string
	boundaryLogging  *bool
	rules            []*RedirectRule

	cache     sync.Map
	cacheGen  atomic.Uint64
	collector collector.Collector
}

// New creates a channel. Use Container.Add to register one with a service.
func New(id string, dir Direction, opts ...Option) *Channel {
	c := &Channel{ID: id, Direction: dir, collector: collector.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a channel.
type Option func(*Channel)

// WithPartitions sets the priority partitions.
func WithPartitions(partitions ...Partition) Option {
	return func(c *Channel) { c.partitions = slices.Clone(partitions) }
}

// WithResourceProfiles attaches resource profiles whose throttle governs how
// aggressively clients on this channel are polled.
func WithResourceProfiles(ids ...string) Option {
	return func(c *Channel) { c.resourceProfiles = slices.Clone(ids) }
}

// WithBoundaryLogging overrides the service default.
func WithBoundaryLogging(active bool) Option {
	return func(c *Channel) { c.boundaryLogging = &active }
}

// WithInternal marks the channel as process-local.
func WithInternal() Option {
	return func(c *Channel) { c.Internal = true }
}

// WithDescription sets a human readable description.
func WithDescription(desc string) Option {
	return func(c *Channel) { c.Description = desc }
}

// WithRedirects installs redirect rules at construction.
func WithRedirects(rules ...*RedirectRule) Option {
	return func(c *Channel) {
		for _, r := range rules {
			c.RedirectAdd(r)
		}
	}
}

// WithCollector sets the event sink for redirects.
func WithCollector(col collector.Collector) Option {
	return func(c *Channel) { c.collector = collector.Or(col) }
}

// Partitions returns a copy of the partitions, highest priority first.
func (c *Channel) Partitions() []Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := slices.Clone(c.partitions)
	slices.SortStableFunc(out, func(a, b Partition) int { return b.Priority - a.Priority })
	return out
}

// Partition returns the partition for priority.
func (c *Channel) Partition(priority int) (Partition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.partitions {
		if p.Priority == priority {
			return p, true
		}
	}
	return Partition{}, false
}

// SetPartitions replaces the partitions. It fails once a client is attached.
func (c *Channel) SetPartitions(partitions ...Partition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached > 0 {
		return fmt.Errorf("%w: %s", errs.ErrPartitionsLocked, c.ID)
	}
	c.partitions = slices.Clone(partitions)
	return nil
}

// Attach records a client attaching. external is true for transport clients;
// internal channels only accept in-process attachment.
func (c *Channel) Attach(external bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if external && c.Internal {
		return fmt.Errorf("%w: %s", errs.ErrInternalChannel, c.ID)
	}
	if len(c.partitions) == 0 {
		return fmt.Errorf("%w: %s", errs.ErrPartitionsRequired, c.ID)
	}
	c.attached++
	return nil
}

// Attached returns the number of attached clients.
func (c *Channel) Attached() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attached
}

// ResourceProfiles returns the attached profile ids.
func (c *Channel) ResourceProfiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.resourceProfiles)
}

// BoundaryLogging resolves the channel flag against the service default.
func (c *Channel) BoundaryLogging(serviceDefault bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.boundaryLogging == nil {
		return serviceDefault
	}
	return *c.boundaryLogging
}

// BoundaryLoggingActive returns the raw nullable flag.
func (c *Channel) BoundaryLoggingActive() *bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boundaryLogging
}
