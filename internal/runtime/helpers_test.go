package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xigadee/microservice/internal/runtime/channel"
	configpkg "github.com/xigadee/microservice/internal/runtime/config"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/transport/memory"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// newTestConfig tightens every loop so tests settle in milliseconds.
func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		ServiceName:  "test",
		PubSubSystem: "memory",
		Dispatcher: configpkg.DispatcherConfig{
			TaskConcurrency:       8,
			PollLoopInterval:      5 * time.Millisecond,
			DefaultProcessingTime: 5 * time.Second,
		},
		Poll: configpkg.PollConfig{
			MinExpectedWaitBetweenPolls: time.Millisecond,
			MaxAllowedWaitBetweenPolls:  50 * time.Millisecond,
			FabricPollWaitMin:           2 * time.Millisecond,
			FabricPollWaitMax:           10 * time.Millisecond,
		},
		Fabric: configpkg.FabricConfig{
			TransmitMaxRetries:    2,
			TransmitRetryInterval: 5 * time.Millisecond,
		},
		Schedule: configpkg.ScheduleConfig{TickInterval: 5 * time.Millisecond},
		MasterJob: configpkg.MasterJobConfig{
			NegotiationFrequency: 10 * time.Millisecond,
			NegotiationChannel:   "masterjob",
		},
		RetryMaxRetries:      2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	}
}

func newTestTransport() *memory.Transport {
	return memory.New(memory.WithBroadcastChannels("masterjob"), memory.WithRetry(2, 5*time.Millisecond))
}

func newTestService(t *testing.T, tr *memory.Transport, mutate ...func(*configpkg.Config, *ServiceDependencies)) *Service {
	t.Helper()
	if tr == nil {
		tr = newTestTransport()
	}
	cfg := newTestConfig()
	deps := ServiceDependencies{
		Transport:                 tr,
		Registry:                  prometheus.NewRegistry(),
		DisableDefaultMiddlewares: true,
	}
	for _, fn := range mutate {
		fn(cfg, &deps)
	}
	svc, err := NewService(cfg, newTestLogger(), deps)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

// runService starts svc and stops it when the test ends.
func runService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()
	waitFor(t, time.Second, svc.Started)

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = svc.Stop(stopCtx)
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Errorf("service did not return from Start")
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// registerInbound declares an incoming channel with the given partitions and
// attaches the service transport to it.
func registerInbound(t *testing.T, svc *Service, id string, priorities ...int) {
	t.Helper()
	if len(priorities) == 0 {
		priorities = []int{1}
	}
	if _, err := svc.RegisterChannel(id, channel.Incoming, channel.WithPartitions(channel.Partitions(priorities...)...)); err != nil {
		t.Fatalf("register incoming %s: %v", id, err)
	}
	if err := svc.AttachTransport(id, channel.Incoming, nil); err != nil {
		t.Fatalf("attach incoming %s: %v", id, err)
	}
}

func registerOutbound(t *testing.T, svc *Service, id string) {
	t.Helper()
	if _, err := svc.RegisterChannel(id, channel.Outgoing, channel.WithPartitions(channel.Partitions(1)...)); err != nil {
		t.Fatalf("register outgoing %s: %v", id, err)
	}
	if err := svc.AttachTransport(id, channel.Outgoing, nil); err != nil {
		t.Fatalf("attach outgoing %s: %v", id, err)
	}
}

// recorder is a command handler that remembers every request it sees.
type recorder struct {
	mu       sync.Mutex
	requests []*messaging.ServiceMessage
	err      error
}

func (r *recorder) handle(_ context.Context, cc *CommandContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, cc.Request.Clone())
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *recorder) last() *messaging.ServiceMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return nil
	}
	return r.requests[len(r.requests)-1]
}

type testValidator struct{ err error }

func (v *testValidator) Validate(_ any) error { return v.err }
