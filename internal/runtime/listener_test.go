package runtime

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xigadee/microservice/internal/runtime/channel"
	configpkg "github.com/xigadee/microservice/internal/runtime/config"
	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	"github.com/xigadee/microservice/internal/runtime/poll"
	"github.com/xigadee/microservice/internal/runtime/resource"
)

// stubListener hands out queued payloads and reports its backlog.
type stubListener struct {
	id        string
	channelID string
	pullErr   error

	mu      sync.Mutex
	queue   []*messaging.TransmissionPayload
	pulls   int
	counts  []int
	backlog int
}

func (l *stubListener) ID() string        { return l.id }
func (l *stubListener) ChannelID() string { return l.channelID }
func (l *stubListener) Close() error      { return nil }

func (l *stubListener) QueueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return max(l.backlog, len(l.queue))
}

func (l *stubListener) Pull(_ context.Context, count int, _ time.Duration) ([]*messaging.TransmissionPayload, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pulls++
	l.counts = append(l.counts, count)
	if l.pullErr != nil {
		return nil, l.pullErr
	}
	n := min(count, len(l.queue))
	out := l.queue[:n]
	l.queue = l.queue[n:]
	return out, nil
}

func (l *stubListener) push(p *messaging.TransmissionPayload) {
	l.mu.Lock()
	l.queue = append(l.queue, p)
	l.mu.Unlock()
}

func (l *stubListener) pullCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pulls
}

func attachStub(t *testing.T, svc *Service, channelID string, l *stubListener) *listenerClient {
	t.Helper()
	if !svc.channels.Exists(channelID, channel.Incoming) {
		if _, err := svc.RegisterChannel(channelID, channel.Incoming, channel.WithPartitions(channel.Partitions(1)...)); err != nil {
			t.Fatalf("RegisterChannel: %v", err)
		}
	}
	if err := svc.AttachListener(channelID, 1, l); err != nil {
		t.Fatalf("AttachListener: %v", err)
	}
	for _, lc := range svc.listenerClients() {
		if lc.client == l {
			return lc
		}
	}
	t.Fatalf("listener %s not attached", l.id)
	return nil
}

func TestAttachListenerRequiresPartition(t *testing.T) {
	svc := newTestService(t, nil)
	if _, err := svc.RegisterChannel("orders", channel.Incoming); err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}
	err := svc.AttachListener("orders", 1, &stubListener{id: "a", channelID: "orders"})
	if err == nil {
		t.Fatalf("expected an error attaching to a channel without partitions")
	}

	if _, err := svc.RegisterChannel("internal", channel.Incoming, channel.WithInternal(), channel.WithPartitions(channel.Partitions(1)...)); err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}
	if err := svc.AttachListener("internal", 1, &stubListener{id: "b", channelID: "internal"}); !errors.Is(err, errspkg.ErrInternalChannel) {
		t.Fatalf("expected ErrInternalChannel, got %v", err)
	}
}

func TestPollCycleGrantsSlotsOncePerClient(t *testing.T) {
	svc := newTestService(t, nil)
	attachStub(t, svc, "orders", &stubListener{id: "a", channelID: "orders"})

	now := time.Now()
	if granted := svc.pollCycle(context.Background(), now); granted == 0 {
		t.Fatalf("expected slots for an idle client")
	}
	if granted := svc.pollCycle(context.Background(), now); granted != 0 {
		t.Fatalf("a client with a queued poll must not be granted again, got %d", granted)
	}
}

func TestPollCycleSkipsClosedClients(t *testing.T) {
	svc := newTestService(t, nil)
	lc := attachStub(t, svc, "orders", &stubListener{id: "a", channelID: "orders"})
	lc.closed.Store(true)

	if granted := svc.pollCycle(context.Background(), time.Now()); granted != 0 {
		t.Fatalf("expected no slots for a closed client, got %d", granted)
	}
}

func TestPollCyclePrefersBacklog(t *testing.T) {
	svc := newTestService(t, nil, func(c *configpkg.Config, _ *ServiceDependencies) {
		c.Dispatcher.TaskConcurrency = 1
	})
	idle := attachStub(t, svc, "orders", &stubListener{id: "idle", channelID: "orders"})
	busy := attachStub(t, svc, "orders", &stubListener{id: "busy", channelID: "orders", backlog: 5})

	if granted := svc.pollCycle(context.Background(), time.Now()); granted != 1 {
		t.Fatalf("expected the single slot granted, got %d", granted)
	}
	if !busy.polling.Load() || idle.polling.Load() {
		t.Fatalf("expected the client with a backlog to win the slot")
	}
}

func TestPollClientMarksClosedListener(t *testing.T) {
	svc := newTestService(t, nil)
	l := &stubListener{id: "a", channelID: "orders", pullErr: errspkg.ErrListenerClosed}
	lc := attachStub(t, svc, "orders", l)

	if err := svc.pollClient(context.Background(), lc, 4); err != nil {
		t.Fatalf("pollClient: %v", err)
	}
	if !lc.closed.Load() {
		t.Fatalf("expected the client marked closed")
	}
}

func TestPollClientBacksOffOnEmptyPull(t *testing.T) {
	svc := newTestService(t, nil)
	lc := attachStub(t, svc, "orders", &stubListener{id: "a", channelID: "orders"})

	var before time.Duration
	lc.withMetrics(func(m *poll.ClientMetrics) { before = m.FabricPollWait })
	if err := svc.pollClient(context.Background(), lc, 4); err != nil {
		t.Fatalf("pollClient: %v", err)
	}
	lc.withMetrics(func(m *poll.ClientMetrics) {
		if m.FabricPollWait <= before {
			t.Fatalf("expected the fabric wait to grow after an empty pull, %s -> %s", before, m.FabricPollWait)
		}
		if m.SkipCount != 1 {
			t.Fatalf("expected one skip cycle, got %d", m.SkipCount)
		}
	})
}

func TestListenerLoopDispatchesPulledPayloads(t *testing.T) {
	svc := newTestService(t, nil)
	l := &stubListener{id: "a", channelID: "orders"}
	attachStub(t, svc, "orders", l)
	rec := &recorder{}
	if err := svc.RegisterCommand(CommandRegistration{Header: messaging.NewHeader("orders", "", ""), Handler: rec.handle}); err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	p := messaging.NewPayload(messaging.NewServiceMessage(messaging.NewHeader("orders", "create", "new"), []byte("x")))
	l.push(p)
	runService(t, svc)

	ok, err := p.Wait(waitCtx(t))
	if err != nil || !ok {
		t.Fatalf("expected the payload to succeed, got ok=%v err=%v", ok, err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", rec.count())
	}
	if prio := rec.last().ChannelPriority; prio == nil || *prio != 1 {
		t.Fatalf("expected the partition priority stamped on the message")
	}
	if l.pullCount() == 0 {
		t.Fatalf("expected the listener to be polled")
	}
}

func registerProfiledChannel(t *testing.T, svc *Service, id string, profiles ...string) {
	t.Helper()
	_, err := svc.RegisterChannel(id, channel.Incoming,
		channel.WithPartitions(channel.Partitions(1)...),
		channel.WithResourceProfiles(profiles...))
	if err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}
}

func TestPollCycleRecoversAfterResourceThrottle(t *testing.T) {
	svc := newTestService(t, nil)
	registerProfiledChannel(t, svc, "orders", "db")
	attachStub(t, svc, "orders", &stubListener{id: "a", channelID: "orders"})

	op := svc.Resources().Track("save", "db")
	op.Retry("timeout")
	op.Retry("timeout")

	now := time.Now()
	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Millisecond)
		if granted := svc.pollCycle(context.Background(), now); granted != 0 {
			t.Fatalf("expected no slots while the resource is cut out, got %d", granted)
		}
	}

	op.End(resource.ResultSuccess)
	want := svc.tasks.AvailableSlots()
	if granted := svc.pollCycle(context.Background(), now.Add(10*time.Millisecond)); granted != want {
		t.Fatalf("expected all %d slots once the resource recovered, got %d", want, granted)
	}
}

func TestPollCycleScalesSlotsByThrottle(t *testing.T) {
	svc := newTestService(t, nil)
	registerProfiledChannel(t, svc, "orders", "db")
	attachStub(t, svc, "orders", &stubListener{id: "a", channelID: "orders"})

	retried := svc.Resources().Track("save", "db")
	retried.Retry("busy")
	svc.Resources().Track("save", "db")

	pct := svc.Resources().Statistics("db").RateLimitAdjustmentPercentage()
	if pct <= 0 || pct >= 1 {
		t.Fatalf("expected a partial throttle, got %f", pct)
	}
	available := svc.tasks.AvailableSlots()
	want := int(math.Ceil(float64(available) * pct))
	granted := svc.pollCycle(context.Background(), time.Now())
	if granted != want || granted >= available {
		t.Fatalf("expected %d of %d slots under throttle %.2f, got %d", want, available, pct, granted)
	}
}

func TestPollCycleGrantsOverageAfterFullPull(t *testing.T) {
	svc := newTestService(t, nil)
	lc := attachStub(t, svc, "orders", &stubListener{id: "a", channelID: "orders"})

	now := time.Now()
	lc.withMetrics(func(m *poll.ClientMetrics) { m.RecordPoll(4, 4, now.Add(-time.Second)) })

	available := svc.tasks.AvailableSlots()
	want := available + svc.Conf.Poll.AllowedOverage
	if granted := svc.pollCycle(context.Background(), now); granted != want {
		t.Fatalf("expected %d slots including the overage, got %d", want, granted)
	}
}

func TestRegisterResourceProfileAfterAttach(t *testing.T) {
	svc := newTestService(t, nil)
	registerProfiledChannel(t, svc, "orders", "api")
	attachStub(t, svc, "orders", &stubListener{id: "a", channelID: "orders"})

	err := svc.RegisterResourceProfile(resource.Profile{ID: "api", CutoutPercentage: 1, RateLimit: 1, Burst: 2})
	if err != nil {
		t.Fatalf("RegisterResourceProfile: %v", err)
	}
	if got := svc.Resources().Statistics("api").Profile().RateLimit; got != 1 {
		t.Fatalf("expected the registered profile to replace the default, got rate %v", got)
	}
	if granted := svc.pollCycle(context.Background(), time.Now()); granted != 2 {
		t.Fatalf("expected the token bucket burst to cap the grant at 2, got %d", granted)
	}

	if err := svc.RegisterResourceProfile(resource.Profile{ID: "api"}); !errors.Is(err, errspkg.ErrDuplicateResource) {
		t.Fatalf("expected ErrDuplicateResource, got %v", err)
	}
	if err := svc.RegisterResourceProfile(resource.Profile{}); !errors.Is(err, errspkg.ErrResourceIDRequired) {
		t.Fatalf("expected ErrResourceIDRequired, got %v", err)
	}
}
