package runtime

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/xigadee/microservice/internal/runtime/channel"
	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/masterjob"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/internal/runtime/schedule"
)

// MasterJobSchedule is a schedule that only runs while this service holds
// the master role for its job.
type MasterJobSchedule struct {
	Name     string
	Timer    schedule.Timer
	Execute  schedule.ExecuteFunc
	Priority int
}

// MasterJobRegistration declares a job negotiated between every service
// sharing the negotiation channel. At most one of them should run the
// schedules at a time.
type MasterJobRegistration struct {
	Name string
	// Strategy defaults to the configured DefaultStrategy.
	Strategy  masterjob.NegotiationStrategy
	Schedules []MasterJobSchedule
	OnMaster  func()
	OnStandby func()
}

type masterJob struct {
	ctx        *masterjob.Context
	negotiator *masterjob.Negotiator
	schedules  []*schedule.Schedule
}

func (j *masterJob) setSchedulesEnabled(enabled bool) {
	for _, sc := range j.schedules {
		sc.SetEnabled(enabled)
	}
}

// RegisterSchedule adds a recurring job run on the shared task manager.
func (s *Service) RegisterSchedule(name string, execute schedule.ExecuteFunc, timer schedule.Timer, opts ...schedule.Option) (*schedule.Schedule, error) {
	sc, err := s.schedules.Register(name, execute, timer, opts...)
	if err != nil {
		return nil, err
	}
	s.Logger.Debug("Schedule registered", loggingpkg.LogFields{
		"schedule": name,
		"timer":    timer.String(),
	})
	return sc, nil
}

// RegisterMasterJob wires a master job: the negotiation channel in both
// directions, a command receiving peer claims, the negotiation schedule and
// the master-only schedules, which start disabled.
func (s *Service) RegisterMasterJob(reg MasterJobRegistration) (*masterjob.Context, error) {
	if s.started.Load() {
		return nil, errspkg.ErrServiceStarted
	}
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, errspkg.ErrScheduleNameRequired
	}

	s.masterJobsMu.Lock()
	defer s.masterJobsMu.Unlock()
	if _, exists := s.masterJobs[name]; exists {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateMasterJob, name)
	}

	channelID := s.Conf.MasterJob.NegotiationChannel
	if err := s.ensureNegotiationChannel(channelID); err != nil {
		return nil, err
	}

	strategy := reg.Strategy
	if strategy == nil {
		strategy = masterjob.NewDefaultStrategy(s.Conf.MasterJob)
	}
	job := &masterJob{ctx: masterjob.NewContext(name, strategy, s.collector)}

	for _, sc := range reg.Schedules {
		registered, err := s.RegisterSchedule(name+":"+sc.Name, sc.Execute, sc.Timer,
			schedule.WithEnabled(false), schedule.WithPriority(sc.Priority))
		if err != nil {
			s.unregisterSchedules(job.schedules)
			return nil, fmt.Errorf("master job %s schedule %s: %w", name, sc.Name, err)
		}
		job.schedules = append(job.schedules, registered)
	}

	job.negotiator = masterjob.NewNegotiator(job.ctx, s.ID, channelID, s.Send,
		masterjob.WithLogger(s.Logger),
		masterjob.OnMaster(func() {
			job.setSchedulesEnabled(true)
			if reg.OnMaster != nil {
				reg.OnMaster()
			}
		}),
		masterjob.OnStandby(func() {
			job.setSchedulesEnabled(false)
			if reg.OnStandby != nil {
				reg.OnStandby()
			}
		}),
	)

	negotiation, err := job.ctx.NegotiationPollScheduleInitialise(s.schedules, func(ctx context.Context, _ *schedule.Schedule) error {
		return job.negotiator.Poll(ctx)
	})
	if err != nil {
		s.unregisterSchedules(job.schedules)
		return nil, err
	}

	err = s.RegisterCommand(CommandRegistration{
		Name:   "masterjob:" + name,
		Header: messaging.NewHeader(channelID, name, ""),
		Handler: func(ctx context.Context, cc *CommandContext) error {
			return job.negotiator.Receive(ctx, cc.Request)
		},
	})
	if err != nil {
		s.unregisterSchedules(append(job.schedules, negotiation))
		return nil, err
	}

	s.masterJobs[name] = job
	s.Logger.Info("Master job registered", loggingpkg.LogFields{
		"job":       name,
		"channel":   channelID,
		"schedules": len(job.schedules),
	})
	return job.ctx, nil
}

func (s *Service) ensureNegotiationChannel(channelID string) error {
	for _, dir := range []channel.Direction{channel.Incoming, channel.Outgoing} {
		if s.channels.Exists(channelID, dir) {
			continue
		}
		if _, err := s.RegisterChannel(channelID, dir,
			channel.WithPartitions(channel.Partitions(1)...),
			channel.WithDescription("master job negotiation"),
		); err != nil {
			return err
		}
		if err := s.AttachTransport(channelID, dir, nil); err != nil {
			return fmt.Errorf("attach negotiation channel %s (%s): %w", channelID, dir, err)
		}
	}
	return nil
}

func (s *Service) unregisterSchedules(list []*schedule.Schedule) {
	for _, sc := range list {
		s.schedules.Unregister(sc.ID)
	}
}

func (s *Service) masterJobList() []*masterJob {
	s.masterJobsMu.Lock()
	defer s.masterJobsMu.Unlock()
	jobs := make([]*masterJob, 0, len(s.masterJobs))
	for _, j := range s.masterJobs {
		jobs = append(jobs, j)
	}
	return jobs
}

func (s *Service) startMasterJobs() {
	for _, j := range s.masterJobList() {
		j.negotiator.Start()
	}
}

// stopMasterJobs forces every job to Disabled; a master announces standby
// before the transports close.
func (s *Service) stopMasterJobs(ctx context.Context) {
	for _, j := range s.masterJobList() {
		j.negotiator.Stop(ctx)
		j.setSchedulesEnabled(false)
	}
}

// MasterJobs reports the negotiation state of every master job.
func (s *Service) MasterJobs() []masterjob.Status {
	jobs := s.masterJobList()
	out := make([]masterjob.Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ctx.Status())
	}
	slices.SortFunc(out, func(a, b masterjob.Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}
