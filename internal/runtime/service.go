package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/xigadee/microservice/internal/runtime/channel"
	"github.com/xigadee/microservice/internal/runtime/collector"
	configpkg "github.com/xigadee/microservice/internal/runtime/config"
	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	idspkg "github.com/xigadee/microservice/internal/runtime/ids"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/poll"
	"github.com/xigadee/microservice/internal/runtime/resource"
	"github.com/xigadee/microservice/internal/runtime/schedule"
	"github.com/xigadee/microservice/internal/runtime/tasks"
	"github.com/xigadee/microservice/transport"

	// Registers every built-in transport so PubSubSystem can name any of them.
	_ "github.com/xigadee/microservice/transport/transports"
)

const (
	resourceReportInterval = 10 * time.Second
	recentEventsSize       = 256
	httpShutdownTimeout    = 5 * time.Second
)

var buildTransport = transport.Build

// ProtoValidator validates unmarshalled payloads. Implementations typically
// forward to protovalidate or a custom struct validator.
type ProtoValidator interface {
	Validate(value any) error
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to the defaults.
type ServiceDependencies struct {
	// Transport is used for clients attached without an explicit transport.
	// When nil one is built from Config.PubSubSystem and closed on Stop.
	Transport                 transport.Transport
	Validator                 ProtoValidator
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	ErrorClassifier           ErrorClassifier
	// Registry receives the collector and command metrics. Defaults to the
	// prometheus default registry.
	Registry   *prometheus.Registry
	TaskHooks  tasks.TaskHooks
	Collectors []collector.Collector
}

// Service hosts channels, transport clients, commands, schedules and master
// jobs on top of one shared task manager.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger
	ID     string

	transport     transport.Transport
	ownsTransport bool

	channels  *channel.Container
	resources *resource.Container
	collector *collector.Multi
	metrics   *collector.MetricsCollector
	events    *collector.Buffer
	tasks     *tasks.Manager
	schedules *schedule.Container
	algorithm poll.Algorithm

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	validator  ProtoValidator

	commandsMu   sync.RWMutex
	commands     []*command
	commandIndex map[string]*command

	middlewares []CommandMiddleware

	clientsMu sync.RWMutex
	listeners []*listenerClient
	senders   map[string]*senderGroup

	masterJobsMu sync.Mutex
	masterJobs   map[string]*masterJob

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	errorClassifier ErrorClassifier
	processSampler  *processSampler

	runMu   sync.Mutex
	runCtx  context.Context
	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService constructs a Service for the supplied configuration. Register
// channels, clients and commands on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg := conf.WithDefaults()
	if err := errspkg.NewConfigValidationError(cfg.Validate()); err != nil {
		return nil, err
	}

	id := cfg.ServiceID
	if id == "" {
		id = idspkg.NewServiceID(cfg.ServiceName)
	}
	log = log.With(loggingpkg.LogFields{"service": cfg.ServiceName, "service_id": id})
	log.Info("Creating service", loggingpkg.LogFields{
		"pubsub_system": cfg.PubSubSystem,
		"config":        cfg.String(),
	})

	s := &Service{
		Conf:            &cfg,
		Logger:          log,
		ID:              id,
		validator:       deps.Validator,
		commandIndex:    make(map[string]*command),
		senders:         make(map[string]*senderGroup),
		masterJobs:      make(map[string]*masterJob),
		errorClassifier: deps.ErrorClassifier,
		processSampler:  newProcessSampler(),
		done:            make(chan struct{}),
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	s.registerer, s.gatherer = prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	if deps.Registry != nil {
		s.registerer, s.gatherer = deps.Registry, deps.Registry
	}

	s.events = collector.NewBuffer(recentEventsSize)
	s.collector = collector.NewMulti(log, collector.NewLoggingCollector(log), s.events)
	for _, c := range deps.Collectors {
		s.collector.Add(c)
	}
	if cfg.MetricsEnabled {
		s.metrics = collector.NewMetricsCollector(s.registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register collector metrics: %w", err)
		}
		s.collector.Add(s.metrics)
	}

	s.channels = channel.NewContainer(s.collector)
	s.resources = resource.NewContainer(s.collector)
	s.tasks = tasks.NewManager(
		tasks.WithConcurrency(cfg.Dispatcher.TaskConcurrency),
		tasks.WithLevels(cfg.Dispatcher.PriorityLevels),
		tasks.WithDefaultTimeout(cfg.Dispatcher.DefaultProcessingTime),
		tasks.WithPollInterval(cfg.Dispatcher.PollLoopInterval),
		tasks.WithHooks(deps.TaskHooks),
		tasks.WithLogger(log),
		tasks.WithCollector(s.collector),
	)
	s.schedules = schedule.NewContainer(s.tasks, log, s.collector)

	algorithm, err := poll.New(cfg.Poll.Algorithm, pollSettings(cfg.Poll))
	if err != nil {
		return nil, err
	}
	s.algorithm = algorithm

	if deps.Transport != nil {
		s.transport = deps.Transport
	} else {
		tr, err := buildTransport(context.Background(), s.Conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, fmt.Errorf("build %s transport: %w", cfg.PubSubSystem, err)
		}
		s.transport = tr
		s.ownsTransport = true
	}

	if _, err := s.schedules.Register("resources:report", func(context.Context, *schedule.Schedule) error {
		s.resources.Report()
		return nil
	}, schedule.Every(resourceReportInterval), schedule.WithInternal()); err != nil {
		return nil, err
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	return s, nil
}

// MustNewService is NewService for program setup code; it panics on error.
func MustNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := NewService(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

func pollSettings(c configpkg.PollConfig) poll.Settings {
	s := poll.DefaultSettings()
	s.AllowedOverage = c.AllowedOverage
	s.MinExpectedWaitBetweenPolls = c.MinExpectedWaitBetweenPolls
	s.MaxAllowedWaitBetweenPolls = c.MaxAllowedWaitBetweenPolls
	s.PollTimeReduceRatio = c.PollTimeReduceRatio
	s.PriorityRecalculateFrequency = c.PriorityRecalculateFrequency
	s.FabricPollWaitMin = c.FabricPollWaitMin
	s.FabricPollWaitMax = c.FabricPollWaitMax
	s.SupportPassDueScan = !c.DisablePassDueScan
	return s
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Transport returns the default transport.
func (s *Service) Transport() transport.Transport { return s.transport }

// Tasks exposes the shared task manager.
func (s *Service) Tasks() *tasks.Manager { return s.tasks }

// Schedules exposes the schedule container.
func (s *Service) Schedules() *schedule.Container { return s.schedules }

// Resources exposes the resource container.
func (s *Service) Resources() *resource.Container { return s.resources }

// Channels exposes the channel container.
func (s *Service) Channels() *channel.Container { return s.channels }

// Collector returns the service data collector.
func (s *Service) Collector() collector.Collector { return s.collector }

// AddCollector adds an observer to the data collector.
func (s *Service) AddCollector(c collector.Collector) { s.collector.Add(c) }

// Started reports whether Start has been called.
func (s *Service) Started() bool { return s.started.Load() }

// Start runs the task manager, listener loop, schedule loop and HTTP servers
// until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if s.stopped.Load() || !s.started.CompareAndSwap(false, true) {
		return errspkg.ErrServiceStarted
	}
	defer close(s.done)

	runCtx, cancel := context.WithCancel(ctx)
	s.runMu.Lock()
	s.runCtx, s.cancel = runCtx, cancel
	s.runMu.Unlock()
	defer cancel()

	s.StartWebUIServer()
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.metricsHandler())
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.tasks.Run(gctx) })
	g.Go(func() error { return s.runListeners(gctx) })
	g.Go(func() error { return s.schedules.Run(gctx, s.Conf.Schedule.TickInterval) })
	s.startHTTPServers(gctx, g)
	s.startMasterJobs()

	s.Logger.Info("Service started", loggingpkg.LogFields{
		"listeners": len(s.listenerClients()),
		"commands":  len(s.commandList()),
	})
	return g.Wait()
}

// Stop disables every master job, stops polling, fails payloads still held
// by listeners and drains the task manager. It is safe to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.stopMasterJobs(ctx)
	s.runMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.runMu.Unlock()

	var errList []error
	for _, lc := range s.listenerClients() {
		if purger, ok := lc.client.(transport.Purger); ok {
			if n := purger.Purge(); n > 0 {
				s.collector.Write(collector.PurgeEvent{ClientID: lc.client.ID(), Count: n, At: time.Now()})
			}
		}
	}
	if err := s.tasks.Stop(ctx); err != nil {
		errList = append(errList, fmt.Errorf("drain tasks: %w", err))
	}
	errList = append(errList, s.closeClients()...)
	if s.ownsTransport && s.transport != nil {
		errList = append(errList, s.transport.Close())
	}
	if s.started.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
			errList = append(errList, ctx.Err())
		}
	}
	s.Logger.Info("Service stopped", nil)
	return errors.Join(errList...)
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// start with the service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}
