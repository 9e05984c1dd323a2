package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	metadatapkg "github.com/xigadee/microservice/internal/runtime/metadata"
)

func jsonRequest(body string) *messaging.ServiceMessage {
	msg := messaging.NewServiceMessage(messaging.NewHeader("orders", "order", "create"), []byte(body))
	msg.Metadata = metadatapkg.Metadata{"origin": "test"}
	msg.SetResponseHeader(messaging.NewHeader("replies", "order", "created"))
	return msg
}

func TestBuildJSONHandlerProcessesPayload(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*jsonIncoming]) ([]JSONMessageOutput[*jsonOutgoing], error) {
		if ctx == nil {
			t.Fatalf("context should not be nil")
		}
		if evt.Payload == nil || evt.Payload.ID != 42 {
			t.Fatalf("unexpected payload: %#v", evt.Payload)
		}
		md := evt.CloneMetadata()
		md["processed"] = "true"
		return []JSONMessageOutput[*jsonOutgoing]{
			{
				Output:  Output{Metadata: md},
				Message: &jsonOutgoing{ID: evt.Payload.ID, Processed: time.Unix(100, 0)},
			},
		}, nil
	}, loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{}))
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	req := jsonRequest(`{"id":42}`)
	produced, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if len(produced) != 1 {
		t.Fatalf("expected single outgoing message, got %d", len(produced))
	}
	out := produced[0]
	if out.Metadata["processed"] != "true" || out.Metadata["origin"] != "test" {
		t.Fatalf("metadata not propagated: %#v", out.Metadata)
	}
	if out.Metadata[MetadataKeyEventSchema] == "" {
		t.Fatal("expected schema metadata to be set")
	}
	if out.Metadata[MetadataKeyContentType] != ContentTypeJSON {
		t.Fatalf("unexpected content type %q", out.Metadata[MetadataKeyContentType])
	}
	if out.ChannelID != "replies" || out.CorrelationKey != req.ID {
		t.Fatalf("reply not addressed to response header: %s corr=%s", out.Header(), out.CorrelationKey)
	}
}

func TestBuildJSONHandlerUnmarshalError(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*jsonIncoming]) ([]JSONMessageOutput[*jsonOutgoing], error) {
		return nil, nil
	}, loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{}))
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	_, err = handler(context.Background(), jsonRequest(`{invalid-json`))
	var unprocessable *errspkg.UnprocessableMessageError
	if !errors.As(err, &unprocessable) {
		t.Fatalf("expected unprocessable message error, got %v", err)
	}
}

func TestBuildJSONHandlerEmptyBody(t *testing.T) {
	called := false
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*jsonIncoming]) ([]JSONMessageOutput[*jsonOutgoing], error) {
		called = true
		if evt.Payload == nil || evt.Payload.ID != 0 {
			t.Fatalf("expected zero payload, got %#v", evt.Payload)
		}
		return nil, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}
	if _, err := handler(context.Background(), jsonRequest("")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestBuildJSONHandlerHandlerError(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*jsonIncoming]) ([]JSONMessageOutput[*jsonOutgoing], error) {
		return nil, errors.New("handler failed")
	}, loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{}))
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	if _, err = handler(context.Background(), jsonRequest(`{"id":42}`)); err == nil {
		t.Fatal("expected handler error")
	}
}

func TestBuildJSONHandlerValidatesInputs(t *testing.T) {
	if _, err := BuildJSONHandler[*jsonIncoming, *jsonOutgoing](nil, nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
}

func TestJSONPrototypeFactoryValidations(t *testing.T) {
	_, err := jsonPrototypeFactory[any]()
	if !errors.Is(err, errspkg.ErrMessageTypeRequired) {
		t.Fatalf("expected message type required error, got %v", err)
	}

	_, err = jsonPrototypeFactory[jsonIncoming]()
	if !errors.Is(err, errspkg.ErrMessagePointerNeeded) {
		t.Fatalf("expected pointer needed error, got %v", err)
	}

	factory, err := jsonPrototypeFactory[*jsonIncoming]()
	if err != nil {
		t.Fatalf("unexpected error creating factory: %v", err)
	}
	if factory() == factory() {
		t.Fatalf("expected distinct instances")
	}
}

func TestConvertJSONOutputs(t *testing.T) {
	req := jsonRequest("")

	msgs, err := convertJSONOutputs[*jsonOutgoing](req, nil, nil)
	if err != nil || msgs != nil {
		t.Fatalf("expected nil result for no outputs, got %v %v", msgs, err)
	}

	_, err = convertJSONOutputs(req, []JSONMessageOutput[*jsonOutgoing]{{Message: nil}}, nil)
	if err == nil || err.Error() != "json handler emitted zero-value message" {
		t.Fatalf("expected zero value error, got %v", err)
	}

	produced, err := convertJSONOutputs(req, []JSONMessageOutput[*jsonOutgoing]{
		{Message: &jsonOutgoing{ID: 7}},
		{Output: Output{Header: messaging.NewHeader("audit", "order", "seen"), Status: messaging.StatusAccepted}, Message: &jsonOutgoing{ID: 8}},
	}, metadatapkg.Metadata{"origin": "fallback"})
	if err != nil {
		t.Fatalf("unexpected error converting outputs: %v", err)
	}
	if len(produced) != 2 {
		t.Fatalf("expected two messages, got %d", len(produced))
	}
	if produced[0].Metadata.Get("origin") != "fallback" {
		t.Fatalf("expected fallback metadata to be used")
	}
	if produced[1].ChannelID != "audit" || produced[1].Status != messaging.StatusAccepted {
		t.Fatalf("unexpected explicit output %s status=%s", produced[1].Header(), produced[1].Status)
	}
}

func TestConvertJSONOutputsDropsRepliesWithoutResponseChannel(t *testing.T) {
	req := messaging.NewServiceMessage(messaging.NewHeader("orders", "order", "create"), nil)
	produced, err := convertJSONOutputs(req, []JSONMessageOutput[*jsonOutgoing]{{Message: &jsonOutgoing{ID: 1}}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(produced) != 0 {
		t.Fatalf("expected reply to be dropped, got %d", len(produced))
	}
}

type jsonIncoming struct {
	ID int `json:"id"`
}

type jsonOutgoing struct {
	ID        int       `json:"id"`
	Processed time.Time `json:"processed"`
}
