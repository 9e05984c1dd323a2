package schedule

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/ids"
)

// ExecuteFunc is the scheduled work.
type ExecuteFunc func(ctx context.Context, s *Schedule) error

// Schedule is one registered piece of recurring work.
type Schedule struct {
	ID                string
	Name              string
	Timer             Timer
	IsInternal        bool
	ExecutionPriority *int

	execute ExecuteFunc
	enabled atomic.Bool
	active  atomic.Bool

	mu          sync.Mutex
	nextDue     time.Time
	lastRun     time.Time
	lastSuccess time.Time
	lastError   error
	executions  int64
	failures    int64
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithInternal marks framework owned schedules. They run at the reserved
// top priority.
func WithInternal() Option {
	return func(s *Schedule) { s.IsInternal = true }
}

// WithPriority sets the queue priority for each execution.
func WithPriority(p int) Option {
	return func(s *Schedule) { s.ExecutionPriority = &p }
}

// WithEnabled sets the initial enabled state. Schedules start enabled.
func WithEnabled(enabled bool) Option {
	return func(s *Schedule) { s.enabled.Store(enabled) }
}

// WithID overrides the generated id.
func WithID(id string) Option {
	return func(s *Schedule) { s.ID = id }
}

// New validates the timer and returns an enabled schedule.
func New(name string, execute ExecuteFunc, timer Timer, opts ...Option) (*Schedule, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errs.ErrScheduleNameRequired
	}
	if execute == nil {
		return nil, errs.ErrHandlerRequired
	}
	if err := timer.Validate(); err != nil {
		return nil, err
	}
	s := &Schedule{
		ID:      ids.NewServiceID(name),
		Name:    name,
		Timer:   timer,
		execute: execute,
	}
	s.enabled.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	s.nextDue = s.Timer.First(time.Now())
	return s, nil
}

// Enabled reports whether the schedule may run.
func (s *Schedule) Enabled() bool { return s.enabled.Load() }

// SetEnabled toggles the schedule.
func (s *Schedule) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

// Active reports whether an execution is in flight.
func (s *Schedule) Active() bool { return s.active.Load() }

// ShouldExecute reports whether the schedule is enabled, idle and due.
func (s *Schedule) ShouldExecute(now time.Time) bool {
	if !s.Enabled() || s.Active() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.nextDue.IsZero() && !now.Before(s.nextDue)
}

// Start claims the schedule for one execution. It returns false when an
// execution is already in flight.
func (s *Schedule) Start() bool {
	if !s.active.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()
	return true
}

// Stop records the result of the execution claimed by Start and computes
// the next due time.
func (s *Schedule) Stop(success bool, err error) {
	now := time.Now()
	s.mu.Lock()
	s.executions++
	if success {
		s.lastSuccess = now
		s.lastError = nil
	} else {
		s.failures++
		s.lastError = err
	}
	s.nextDue = s.Timer.Next(now)
	s.mu.Unlock()
	s.active.Store(false)
}

// NextDue returns the next due time; zero when the schedule will not run
// again.
func (s *Schedule) NextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDue
}

// LastError returns the error of the most recent failed execution, cleared
// by the next success.
func (s *Schedule) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Status is a point in time view of a schedule.
type Status struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Timer       string    `json:"timer"`
	Enabled     bool      `json:"enabled"`
	Active      bool      `json:"active"`
	Internal    bool      `json:"internal"`
	NextDue     time.Time `json:"nextDue"`
	LastRun     time.Time `json:"lastRun"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastError   string    `json:"lastError,omitempty"`
	Executions  int64     `json:"executions"`
	Failures    int64     `json:"failures"`
}

// Status returns the current status.
func (s *Schedule) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:          s.ID,
		Name:        s.Name,
		Timer:       s.Timer.String(),
		Enabled:     s.Enabled(),
		Active:      s.Active(),
		Internal:    s.IsInternal,
		NextDue:     s.nextDue,
		LastRun:     s.lastRun,
		LastSuccess: s.lastSuccess,
		Executions:  s.executions,
		Failures:    s.failures,
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	return st
}
