package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xigadee/microservice/internal/runtime/collector"
	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/logging"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// Manager is the shared bounded worker pool. Trackers wait in the priority
// queue until a slot frees up.
type Manager struct {
	queue          *PriorityQueue
	concurrency    int
	defaultTimeout time.Duration
	pollInterval   time.Duration
	hooks          TaskHooks
	logger         logging.ServiceLogger
	collector      collector.Collector

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	stopped   atomic.Bool
	notify    chan struct{}
	wg        sync.WaitGroup

	// stopMu orders Stop against Submit and dispatch: once Stop holds it,
	// no tracker can be enqueued after the drain or started after the wait.
	stopMu sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithConcurrency bounds the number of trackers executing at once.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithLevels sets the number of priority levels.
func WithLevels(n int) Option {
	return func(m *Manager) { m.queue = NewPriorityQueue(n) }
}

// WithDefaultTimeout applies to trackers without a MaxProcessingTime.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithPollInterval sets how often the dispatch loop checks the queue when
// it has not been woken.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithHooks merges hooks into the manager's hooks.
func WithHooks(h TaskHooks) Option {
	return func(m *Manager) { m.hooks = m.hooks.Merge(h) }
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(m *Manager) { m.logger = logging.Component(logging.Or(l), "tasks") }
}

func WithCollector(c collector.Collector) Option {
	return func(m *Manager) { m.collector = collector.Or(c) }
}

// NewManager returns an idle manager. Call Run to start dispatching.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		queue:          NewPriorityQueue(DefaultLevels),
		concurrency:    4,
		defaultTimeout: defaultTimeout,
		pollInterval:   defaultPollInterval,
		logger:         logging.Nop(),
		collector:      collector.Nop(),
		notify:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Levels returns the number of priority levels.
func (m *Manager) Levels() int { return m.queue.Levels() }

// Queue exposes the priority queue for status reporting.
func (m *Manager) Queue() *PriorityQueue { return m.queue }

// Concurrency returns the worker bound.
func (m *Manager) Concurrency() int { return m.concurrency }

// Active returns the number of executing trackers.
func (m *Manager) Active() int { return int(m.active.Load()) }

// AvailableSlots is the number of trackers that could be accepted without
// waiting: free workers minus the backlog already queued.
func (m *Manager) AvailableSlots() int {
	return max(m.concurrency-m.Active()-m.queue.Count(), 0)
}

// Stats returns completed and failed execution counts.
func (m *Manager) Stats() (completed, failed int64) {
	return m.completed.Load(), m.failed.Load()
}

// Submit queues t.
func (m *Manager) Submit(t *Tracker) error {
	if t == nil || t.Execute == nil {
		return errs.ErrHandlerRequired
	}
	if t.Created.IsZero() {
		t.Created = time.Now()
	}
	m.stopMu.RLock()
	if m.stopped.Load() {
		m.stopMu.RUnlock()
		return errs.ErrManagerStopped
	}
	m.queue.Enqueue(t)
	m.stopMu.RUnlock()
	m.wake()
	return nil
}

func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run dispatches queued trackers until ctx is done. Executions already in
// flight are not cancelled by ctx; Stop waits for them.
func (m *Manager) Run(ctx context.Context) error {
	execCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		m.dispatch(execCtx)
		select {
		case <-ctx.Done():
			return nil
		case <-m.notify:
		case <-ticker.C:
		}
	}
}

func (m *Manager) dispatch(ctx context.Context) {
	m.stopMu.RLock()
	defer m.stopMu.RUnlock()
	if m.stopped.Load() {
		return
	}
	free := m.concurrency - m.Active()
	for _, t := range m.queue.Dequeue(free) {
		m.active.Add(1)
		m.wg.Add(1)
		go m.execute(ctx, t)
	}
}

// Stop refuses new work, fails everything still queued with
// ErrManagerStopped and waits for in-flight executions or ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopMu.Lock()
	m.stopped.Store(true)
	m.stopMu.Unlock()
	for _, t := range m.queue.Drain() {
		m.complete(t, errs.ErrManagerStopped)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) execute(ctx context.Context, t *Tracker) {
	defer func() {
		m.active.Add(-1)
		m.wg.Done()
		m.wake()
	}()

	t.Started = time.Now()
	tc := TaskContext{TrackerID: t.ID, Name: t.Name, Type: t.Type, Level: t.Level, StartedAt: t.Started}
	m.safeHook(func() {
		if m.hooks.OnTaskStart != nil {
			m.hooks.OnTaskStart(tc)
		}
	})

	err := m.run(ctx, t)
	tc.Duration = time.Since(t.Started)

	if err != nil {
		m.failed.Add(1)
		m.safeHook(func() {
			if m.hooks.OnTaskError != nil {
				m.hooks.OnTaskError(tc, err)
			}
		})
	} else {
		m.completed.Add(1)
		m.safeHook(func() {
			if m.hooks.OnTaskDone != nil {
				m.hooks.OnTaskDone(tc)
			}
		})
	}
	m.complete(t, err)
}

// run executes t under its timeout. A handler that ignores its context is
// abandoned when the timeout fires.
func (m *Manager) run(ctx context.Context, t *Tracker) error {
	timeout := t.MaxProcessingTime
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", errs.ErrTaskPanicked, r)
			}
		}()
		result <- t.Execute(tctx, t)
	}()

	select {
	case err := <-result:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s: %w", errs.ErrProcessingTimeout, t.Name, timeout, err)
		}
		return err
	case <-tctx.Done():
		return fmt.Errorf("%w: %s after %s", errs.ErrProcessingTimeout, t.Name, timeout)
	}
}

func (m *Manager) complete(t *Tracker, err error) {
	if err != nil {
		m.logger.Error("Task failed", err, logging.LogFields{
			"tracker_id": t.ID,
			"name":       t.Name,
			"type":       string(t.Type),
		})
		m.collector.Write(collector.NewErrorEvent("tasks", t.ID, err))
	}
	if t.ExecuteComplete == nil {
		return
	}
	m.safeHook(func() { t.ExecuteComplete(t, err) })
}

func (m *Manager) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Task callback panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	fn()
}
