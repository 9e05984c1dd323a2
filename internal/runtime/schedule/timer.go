// Package schedule runs recurring work on the shared task manager.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	errs "github.com/xigadee/microservice/internal/runtime/errors"
)

// Timer describes when a schedule fires. Cron takes precedence over
// Frequency. A timer with only InitialWait or InitialTime fires once.
type Timer struct {
	Frequency   time.Duration `yaml:"frequency" json:"frequency"`
	InitialWait time.Duration `yaml:"initial_wait" json:"initialWait"`
	InitialTime *time.Time    `yaml:"initial_time" json:"initialTime,omitempty"`
	// Cron is a standard five field expression or a descriptor such as
	// "@hourly" or "@every 30s".
	Cron string `yaml:"cron" json:"cron,omitempty"`

	parsed cron.Schedule
}

// Every returns a fixed frequency timer.
func Every(d time.Duration) Timer { return Timer{Frequency: d} }

// Cron returns a timer driven by a cron expression.
func Cron(expr string) Timer { return Timer{Cron: expr} }

// Validate checks the timer and parses its cron expression.
func (t *Timer) Validate() error {
	if t.Cron != "" {
		sched, err := cron.ParseStandard(t.Cron)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", errs.ErrInvalidTimer, t.Cron, err)
		}
		t.parsed = sched
		return nil
	}
	if t.Frequency < 0 || t.InitialWait < 0 {
		return errs.ErrInvalidTimer
	}
	if t.Frequency == 0 && t.InitialWait == 0 && t.InitialTime == nil {
		return errs.ErrInvalidTimer
	}
	return nil
}

// First returns the first due time.
func (t *Timer) First(now time.Time) time.Time {
	switch {
	case t.InitialTime != nil:
		return *t.InitialTime
	case t.InitialWait > 0:
		return now.Add(t.InitialWait)
	case t.parsed != nil:
		return t.parsed.Next(now)
	}
	return now.Add(t.Frequency)
}

// Next returns the due time following a run finished at now, or the zero
// time when the timer does not repeat.
func (t *Timer) Next(now time.Time) time.Time {
	if t.parsed != nil {
		return t.parsed.Next(now)
	}
	if t.Frequency > 0 {
		return now.Add(t.Frequency)
	}
	return time.Time{}
}

func (t *Timer) String() string {
	if t.Cron != "" {
		return "cron(" + t.Cron + ")"
	}
	return "every(" + t.Frequency.String() + ")"
}
