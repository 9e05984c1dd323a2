package schedule

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/tasks"
)

// Submitter accepts trackers for execution. *tasks.Manager satisfies it.
type Submitter interface {
	Submit(t *tasks.Tracker) error
}

// Container owns the registered schedules and hands due ones to the task
// manager.
type Container struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule

	submitter Submitter
	logger    logging.ServiceLogger
	collector collector.Collector
}

// NewContainer returns an empty container submitting to sub.
func NewContainer(sub Submitter, logger logging.ServiceLogger, col collector.Collector) *Container {
	return &Container{
		schedules: make(map[string]*Schedule),
		submitter: sub,
		logger:    logging.Component(logging.Or(logger), "schedule"),
		collector: collector.Or(col),
	}
}

// Register creates and adds a schedule.
func (c *Container) Register(name string, execute ExecuteFunc, timer Timer, opts ...Option) (*Schedule, error) {
	s, err := New(name, execute, timer, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Add registers an existing schedule.
func (c *Container) Add(s *Schedule) error {
	if s == nil || s.execute == nil {
		return errs.ErrHandlerRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.schedules[s.ID]; ok {
		return errs.ErrDuplicateSchedule
	}
	c.schedules[s.ID] = s
	return nil
}

// Unregister removes the schedule with id. An in-flight execution finishes.
func (c *Container) Unregister(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.schedules[id]; !ok {
		return false
	}
	delete(c.schedules, id)
	return true
}

// Get returns the schedule with id.
func (c *Container) Get(id string) (*Schedule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schedules[id]
	return s, ok
}

// List returns every schedule sorted by name.
func (c *Container) List() []*Schedule {
	c.mu.RLock()
	out := make([]*Schedule, 0, len(c.schedules))
	for _, s := range c.schedules {
		out = append(out, s)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Schedule) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Process submits every due schedule and returns how many were submitted.
// The registry lock is only held while taking the snapshot.
func (c *Container) Process(ctx context.Context) int {
	now := time.Now()
	submitted := 0
	for _, s := range c.List() {
		if ctx.Err() != nil {
			break
		}
		if !s.ShouldExecute(now) || !s.Start() {
			continue
		}
		if err := c.Execute(ctx, s); err == nil {
			submitted++
		}
	}
	return submitted
}

// Execute wraps a started schedule in a tracker and submits it. The
// schedule is stopped when the tracker completes or cannot be submitted.
func (c *Container) Execute(_ context.Context, s *Schedule) error {
	typ := tasks.TypeSchedule
	if s.IsInternal {
		typ = tasks.TypeInternal
	}
	t := tasks.NewTracker(typ, s.Name, func(ctx context.Context, _ *tasks.Tracker) error {
		return s.execute(ctx, s)
	})
	t.Context = s
	if s.ExecutionPriority != nil {
		t.WithPriority(*s.ExecutionPriority)
	}
	t.ExecuteComplete = func(_ *tasks.Tracker, err error) {
		if err != nil {
			c.logger.Error("Schedule failed", err, logging.LogFields{"schedule": s.Name, "schedule_id": s.ID})
			c.collector.Write(collector.NewErrorEvent("schedule", s.ID, err))
		}
		s.Stop(err == nil, err)
	}
	if c.submitter == nil {
		s.Stop(false, errs.ErrManagerStopped)
		return errs.ErrManagerStopped
	}
	if err := c.submitter.Submit(t); err != nil {
		s.Stop(false, err)
		return err
	}
	return nil
}

// Run calls Process every tick until ctx is done.
func (c *Container) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Process(ctx)
		}
	}
}

// Status returns the status of every schedule.
func (c *Container) Status() []Status {
	list := c.List()
	out := make([]Status, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	return out
}
