package runtime

import (
	"context"
	"errors"
	"testing"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

func TestRegisterCommandValidation(t *testing.T) {
	svc := newTestService(t, nil)

	err := svc.RegisterCommand(CommandRegistration{Header: messaging.NewHeader("orders", "create", "new")})
	if !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}

	err = svc.RegisterCommand(CommandRegistration{Handler: (&recorder{}).handle})
	if !errors.Is(err, errspkg.ErrCommandKeyRequired) {
		t.Fatalf("expected ErrCommandKeyRequired, got %v", err)
	}
}

func TestRegisterCommandRejectsDuplicateHeader(t *testing.T) {
	svc := newTestService(t, nil)
	reg := CommandRegistration{
		Header:  messaging.NewHeader("orders", "create", "new"),
		Handler: (&recorder{}).handle,
	}
	if err := svc.RegisterCommand(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}

	reg.Header = messaging.NewHeader("Orders", "CREATE", "New")
	if err := svc.RegisterCommand(reg); !errors.Is(err, errspkg.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand for a case variant, got %v", err)
	}
}

func TestLookupPrefersExactOverPartial(t *testing.T) {
	svc := newTestService(t, nil)
	for _, reg := range []CommandRegistration{
		{Name: "any-orders", Header: messaging.NewHeader("orders", "", "")},
		{Name: "create-any", Header: messaging.NewHeader("orders", "create", "")},
		{Name: "create-new", Header: messaging.NewHeader("orders", "create", "new")},
	} {
		reg.Handler = (&recorder{}).handle
		if err := svc.RegisterCommand(reg); err != nil {
			t.Fatalf("register %s: %v", reg.Name, err)
		}
	}

	cases := []struct {
		header messaging.ServiceMessageHeader
		want   string
	}{
		{messaging.NewHeader("orders", "create", "new"), "create-new"},
		{messaging.NewHeader("ORDERS", "Create", "NEW"), "create-new"},
		{messaging.NewHeader("orders", "create", "cancel"), "any-orders"},
		{messaging.NewHeader("orders", "delete", "now"), "any-orders"},
	}
	for _, tc := range cases {
		cmd, ok := svc.lookupCommand(tc.header)
		if !ok {
			t.Fatalf("no command for %s", tc.header)
		}
		if cmd.name != tc.want {
			t.Fatalf("header %s resolved to %s, want %s", tc.header, cmd.name, tc.want)
		}
	}

	if _, ok := svc.lookupCommand(messaging.NewHeader("payments", "create", "new")); ok {
		t.Fatalf("expected no command for another channel")
	}
}

func TestCommandsListsRegistrations(t *testing.T) {
	svc := newTestService(t, nil)
	err := svc.RegisterCommand(CommandRegistration{
		Header:           messaging.NewHeader("orders", "create", ""),
		Handler:          (&recorder{}).handle,
		ResourceProfiles: []string{"db"},
	})
	if err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	infos := svc.Commands()
	if len(infos) != 1 {
		t.Fatalf("expected one command, got %d", len(infos))
	}
	info := infos[0]
	if info.Name == "" {
		t.Fatalf("expected a default name, got %q", info.Name)
	}
	if !info.Partial {
		t.Fatalf("expected a partial registration")
	}
	if info.Header != "orders/create/" {
		t.Fatalf("unexpected header key %q", info.Header)
	}
	if len(info.Stats.Dependencies) != 1 || info.Stats.Dependencies[0].Name != "resource:db" {
		t.Fatalf("expected the resource profile as a dependency, got %+v", info.Stats.Dependencies)
	}
}

func TestCommandContextRespondAndSend(t *testing.T) {
	req := messaging.NewServiceMessage(messaging.NewHeader("orders", "create", "new"), []byte(`{}`))
	req.ResponseChannelID = "replies"
	req.CorrelationKey = "corr-1"
	req.TransitCount = 2
	p := messaging.NewPayload(req)
	cc := newCommandContext(&command{name: "create"}, p, nil, newTestLogger())

	if err := cc.RespondJSON(messaging.StatusOK, map[string]string{"ok": "yes"}); err != nil {
		t.Fatalf("RespondJSON: %v", err)
	}

	event := messaging.NewServiceMessage(messaging.NewHeader("audit", "order", "created"), nil)
	cc.Send(event)
	if event.CorrelationKey != "corr-1" || event.TransitCount != 2 {
		t.Fatalf("expected correlation and transit carried, got %q/%d", event.CorrelationKey, event.TransitCount)
	}

	fwd := cc.Forward(messaging.NewHeader("archive", "order", "created"))
	if fwd.ChannelID != "archive" {
		t.Fatalf("unexpected forward channel %s", fwd.ChannelID)
	}

	out := cc.Outgoing()
	if len(out) != 3 {
		t.Fatalf("expected three queued messages, got %d", len(out))
	}
	if out[0].ChannelID != "replies" || out[0].Status != messaging.StatusOK {
		t.Fatalf("unexpected response %+v", out[0])
	}

	cc.resetOutgoing()
	if len(cc.Outgoing()) != 0 {
		t.Fatalf("expected reset to clear queued messages")
	}
}

func TestCommandContextRespondWithoutResponseChannel(t *testing.T) {
	req := messaging.NewServiceMessage(messaging.NewHeader("orders", "create", "new"), nil)
	cc := newCommandContext(&command{name: "create"}, messaging.NewPayload(req), nil, newTestLogger())
	if resp := cc.Respond(messaging.StatusOK, nil); resp != nil {
		t.Fatalf("expected no response without a response channel")
	}
	if len(cc.Outgoing()) != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestCommandExecuteRecordsStats(t *testing.T) {
	svc := newTestService(t, nil)
	failing := errors.New("boom")
	calls := 0
	err := svc.RegisterCommand(CommandRegistration{
		Header: messaging.NewHeader("orders", "create", "new"),
		Handler: func(context.Context, *CommandContext) error {
			calls++
			if calls == 1 {
				return failing
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}
	cmd, _ := svc.lookupCommand(messaging.NewHeader("orders", "create", "new"))

	for range 2 {
		req := messaging.NewServiceMessage(cmd.header, nil)
		cc := newCommandContext(cmd, messaging.NewPayload(req), nil, svc.Logger)
		_ = cmd.execute(context.Background(), svc, cc)
	}

	if cmd.stats.ExecutionsProcessed != 2 || cmd.stats.ExecutionsFailed != 1 {
		t.Fatalf("unexpected stats processed=%d failed=%d", cmd.stats.ExecutionsProcessed, cmd.stats.ExecutionsFailed)
	}
	if cmd.stats.Errors.Other != 1 || cmd.stats.Errors.LastError != "boom" {
		t.Fatalf("unexpected error breakdown %+v", cmd.stats.Errors)
	}
}
