package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/tasks"
)

func noop(context.Context, *Schedule) error { return nil }

// recordingSubmitter runs trackers inline.
type recordingSubmitter struct {
	trackers []*tasks.Tracker
	err      error
}

func (r *recordingSubmitter) Submit(t *tasks.Tracker) error {
	if r.err != nil {
		return r.err
	}
	r.trackers = append(r.trackers, t)
	err := t.Execute(context.Background(), t)
	t.ExecuteComplete(t, err)
	return nil
}

func TestTimerValidate(t *testing.T) {
	cases := map[string]struct {
		timer Timer
		ok    bool
	}{
		"frequency":   {Every(time.Second), true},
		"cron":        {Cron("*/5 * * * *"), true},
		"descriptor":  {Cron("@every 10s"), true},
		"bad cron":    {Cron("not a cron"), false},
		"empty":       {Timer{}, false},
		"negative":    {Timer{Frequency: -time.Second}, false},
		"one shot":    {Timer{InitialWait: time.Second}, true},
		"initialTime": {Timer{InitialTime: ptr(time.Now())}, true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			timer := tc.timer
			err := timer.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errs.ErrInvalidTimer)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestTimerNext(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 2, 0, 0, time.UTC)

	every := Every(time.Minute)
	require.NoError(t, every.Validate())
	assert.Equal(t, now.Add(time.Minute), every.First(now))
	assert.Equal(t, now.Add(time.Minute), every.Next(now))

	c := Cron("*/5 * * * *")
	require.NoError(t, c.Validate())
	assert.True(t, time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC).Equal(c.Next(now)))

	once := Timer{InitialWait: time.Second}
	require.NoError(t, once.Validate())
	assert.Equal(t, now.Add(time.Second), once.First(now))
	assert.True(t, once.Next(now).IsZero())
}

func TestScheduleStartGuard(t *testing.T) {
	s, err := New("job", noop, Timer{InitialTime: ptr(time.Now().Add(-time.Second)), Frequency: time.Hour})
	require.NoError(t, err)

	assert.True(t, s.ShouldExecute(time.Now()))
	require.True(t, s.Start())
	assert.False(t, s.Start(), "second start rejected while active")
	assert.False(t, s.ShouldExecute(time.Now()))

	failure := errors.New("down")
	s.Stop(false, failure)
	assert.Equal(t, failure, s.LastError())
	assert.False(t, s.ShouldExecute(time.Now()), "next due an hour away")

	st := s.Status()
	assert.Equal(t, int64(1), st.Executions)
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, "down", st.LastError)

	require.True(t, s.Start())
	s.Stop(true, nil)
	assert.NoError(t, s.LastError())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(" ", noop, Every(time.Second))
	assert.ErrorIs(t, err, errs.ErrScheduleNameRequired)
	_, err = New("x", nil, Every(time.Second))
	assert.ErrorIs(t, err, errs.ErrHandlerRequired)
	_, err = New("x", noop, Timer{})
	assert.ErrorIs(t, err, errs.ErrInvalidTimer)
}

func TestContainerRegistry(t *testing.T) {
	c := NewContainer(&recordingSubmitter{}, nil, nil)
	b, err := c.Register("b", noop, Every(time.Second))
	require.NoError(t, err)
	_, err = c.Register("a", noop, Every(time.Second))
	require.NoError(t, err)

	assert.ErrorIs(t, c.Add(b), errs.ErrDuplicateSchedule)
	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)

	got, ok := c.Get(b.ID)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.True(t, c.Unregister(b.ID))
	assert.False(t, c.Unregister(b.ID))
	assert.Len(t, c.Status(), 1)
}

func TestProcessSubmitsDueSchedules(t *testing.T) {
	sub := &recordingSubmitter{}
	c := NewContainer(sub, nil, nil)
	past := ptr(time.Now().Add(-time.Millisecond))

	var runs atomic.Int32
	count := func(context.Context, *Schedule) error { runs.Add(1); return nil }

	_, err := c.Register("due", count, Timer{InitialTime: past, Frequency: time.Hour})
	require.NoError(t, err)
	_, err = c.Register("later", count, Every(time.Hour))
	require.NoError(t, err)
	_, err = c.Register("disabled", count, Timer{InitialTime: past, Frequency: time.Hour}, WithEnabled(false))
	require.NoError(t, err)
	internal, err := c.Register("internal", count, Timer{InitialTime: past, Frequency: time.Hour}, WithInternal())
	require.NoError(t, err)
	_, err = c.Register("prio", count, Timer{InitialTime: past, Frequency: time.Hour}, WithPriority(1))
	require.NoError(t, err)

	assert.Equal(t, 3, c.Process(context.Background()))
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 0, c.Process(context.Background()), "not due again")

	byName := map[string]*tasks.Tracker{}
	for _, tr := range sub.trackers {
		byName[tr.Name] = tr
	}
	assert.Equal(t, tasks.TypeInternal, byName["internal"].Type)
	assert.Equal(t, 2, byName["internal"].ResolvePriority(3))
	assert.Equal(t, 1, byName["prio"].ResolvePriority(3))
	assert.Equal(t, 0, byName["due"].ResolvePriority(3))
	assert.Same(t, internal, byName["internal"].Context)
}

func TestExecuteSubmitFailureReleasesSchedule(t *testing.T) {
	c := NewContainer(&recordingSubmitter{err: errs.ErrManagerStopped}, nil, nil)
	s, err := c.Register("x", noop, Timer{InitialTime: ptr(time.Now()), Frequency: time.Hour})
	require.NoError(t, err)

	require.True(t, s.Start())
	assert.ErrorIs(t, c.Execute(context.Background(), s), errs.ErrManagerStopped)
	assert.False(t, s.Active())
	assert.ErrorIs(t, s.LastError(), errs.ErrManagerStopped)
}

func TestRunWithTaskManager(t *testing.T) {
	m := tasks.NewManager(tasks.WithPollInterval(5 * time.Millisecond))
	c := NewContainer(m, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	go func() { _ = c.Run(ctx, 5*time.Millisecond) }()

	var runs atomic.Int32
	_, err := c.Register("tick", func(context.Context, *Schedule) error {
		runs.Add(1)
		return nil
	}, Every(10*time.Millisecond))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}
