package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	metadatapkg "github.com/xigadee/microservice/internal/runtime/metadata"
)

func protoRequest(t *testing.T, msg proto.Message) *messaging.ServiceMessage {
	t.Helper()
	body, err := protojson.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal proto: %v", err)
	}
	req := messaging.NewServiceMessage(messaging.NewHeader("greetings", "greeting", "say"), body)
	req.Metadata = metadatapkg.Metadata{"origin": "test"}
	req.SetResponseHeader(messaging.NewHeader("replies", "greeting", "said"))
	return req
}

func noopProtoHandler(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
	return nil, nil
}

func TestBuildProtoHandlerProcessesPayload(t *testing.T) {
	validated := 0
	handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
		if ctx == nil {
			t.Fatalf("context should not be nil")
		}
		if evt.Payload.GetFields()["name"].GetStringValue() != "world" {
			t.Fatalf("unexpected payload %v", evt.Payload)
		}
		md := evt.CloneMetadata()
		md["seen"] = "true"
		return []ProtoMessageOutput{
			{Output: Output{Metadata: md}, Message: wrapperspb.String("hello world")},
			{Output: Output{Header: messaging.NewHeader("audit", "greeting", "seen")}, Message: evt.Payload},
		}, nil
	}, func(msg proto.Message) error {
		validated++
		return nil
	}, true, loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{}))
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	payload, _ := structpb.NewStruct(map[string]any{"name": "world"})
	produced, err := handler(context.Background(), protoRequest(t, payload))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if len(produced) != 2 {
		t.Fatalf("expected two outgoing messages, got %d", len(produced))
	}
	if validated != 3 {
		t.Fatalf("expected validator to run on request and outputs, got %d", validated)
	}

	reply := produced[0]
	if reply.ChannelID != "replies" || reply.Metadata["seen"] != "true" {
		t.Fatalf("unexpected reply %s %v", reply.Header(), reply.Metadata)
	}
	if reply.Metadata[MetadataKeyEventSchema] != "google.protobuf.StringValue" {
		t.Fatalf("unexpected schema %q", reply.Metadata[MetadataKeyEventSchema])
	}
	var decoded wrapperspb.StringValue
	if err := protojson.Unmarshal(reply.Body, &decoded); err != nil || decoded.GetValue() != "hello world" {
		t.Fatalf("unexpected reply body %s: %v", reply.Body, err)
	}

	if produced[1].ChannelID != "audit" || produced[1].Metadata["origin"] != "test" {
		t.Fatalf("unexpected forwarded message %s %v", produced[1].Header(), produced[1].Metadata)
	}
}

func TestBuildProtoHandlerUnmarshalError(t *testing.T) {
	handler, err := BuildProtoHandler(&structpb.Struct{}, noopProtoHandler, nil, false, nil)
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	req := messaging.NewServiceMessage(messaging.NewHeader("a", "b", "c"), []byte(`{invalid-json`))
	_, err = handler(context.Background(), req)
	var unprocessable *errspkg.UnprocessableMessageError
	if !errors.As(err, &unprocessable) || unprocessable.MessageID != req.ID {
		t.Fatalf("expected unprocessable message error, got %v", err)
	}
}

func TestBuildProtoHandlerHandlerError(t *testing.T) {
	handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
		return nil, errors.New("handler failed")
	}, nil, false, nil)
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	if _, err = handler(context.Background(), protoRequest(t, &structpb.Struct{})); err == nil {
		t.Fatal("expected handler error")
	}
}

func TestBuildProtoHandlerIncomingValidationFailure(t *testing.T) {
	called := false
	handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
		called = true
		return nil, nil
	}, func(msg proto.Message) error {
		return errors.New("validation failed")
	}, false, nil)
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	_, err = handler(context.Background(), protoRequest(t, &structpb.Struct{}))
	var unprocessable *errspkg.UnprocessableMessageError
	if !errors.As(err, &unprocessable) {
		t.Fatalf("expected unprocessable validation error, got %v", err)
	}
	if called {
		t.Fatal("handler should not run for invalid input")
	}
}

func TestBuildProtoHandlerOutgoingValidation(t *testing.T) {
	build := func(validateOutgoing bool) HandlerFunc {
		handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
			return []ProtoMessageOutput{{Message: wrapperspb.String("bad")}}, nil
		}, func(msg proto.Message) error {
			if _, ok := msg.(*wrapperspb.StringValue); ok {
				return errors.New("outgoing rejected")
			}
			return nil
		}, validateOutgoing, nil)
		if err != nil {
			t.Fatalf("unexpected error building handler: %v", err)
		}
		return handler
	}

	if _, err := build(true)(context.Background(), protoRequest(t, &structpb.Struct{})); err == nil {
		t.Fatal("expected outgoing validation error")
	}
	if _, err := build(false)(context.Background(), protoRequest(t, &structpb.Struct{})); err != nil {
		t.Fatalf("outgoing validation should be skipped, got %v", err)
	}
}

func TestBuildProtoHandlerNilOutput(t *testing.T) {
	handler, _ := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
		return []ProtoMessageOutput{{Message: nil}}, nil
	}, nil, false, nil)

	_, err := handler(context.Background(), protoRequest(t, &structpb.Struct{}))
	if err == nil || err.Error() != "proto handler emitted nil message" {
		t.Fatalf("expected nil message error, got %v", err)
	}
}

func TestBuildProtoHandlerValidations(t *testing.T) {
	_, err := BuildProtoHandler[*structpb.Struct](nil, nil, nil, false, nil)
	if !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}

	_, err = BuildProtoHandler[*structpb.Struct](nil, noopProtoHandler, nil, false, nil)
	if !errors.Is(err, errspkg.ErrMessageTypeRequired) {
		t.Fatalf("expected message type required error, got %v", err)
	}
}

func TestClonePrototype(t *testing.T) {
	var zero *structpb.Struct
	if _, err := clonePrototype(zero); !errors.Is(err, errspkg.ErrMessageTypeRequired) {
		t.Fatalf("expected message type required error, got %v", err)
	}

	prototype, _ := structpb.NewStruct(map[string]any{"a": 1})
	cloned, err := clonePrototype(prototype)
	if err != nil {
		t.Fatalf("unexpected clone error: %v", err)
	}
	if cloned == prototype {
		t.Fatalf("expected clone to return new instance")
	}
	if len(cloned.GetFields()) != 0 {
		t.Fatalf("expected clone to be reset, got %v", cloned)
	}
}

func TestEnsureProtoPrototype(t *testing.T) {
	var nilStruct *structpb.Struct
	res, err := EnsureProtoPrototype(nilStruct)
	if err != nil || res == nil {
		t.Fatalf("expected fresh instance for typed nil, got %v %v", res, err)
	}

	s := &structpb.Struct{}
	res, err = EnsureProtoPrototype(s)
	if err != nil {
		t.Fatalf("unexpected error for non-nil input: %v", err)
	}
	if res != s {
		t.Fatal("expected same instance for non-nil input")
	}

	var iface proto.Message
	if _, err := EnsureProtoPrototype(iface); !errors.Is(err, errspkg.ErrMessageTypeRequired) {
		t.Fatalf("expected type required error, got %v", err)
	}

	var mp mapProto
	if _, err := EnsureProtoPrototype(mp); !errors.Is(err, errspkg.ErrMessagePointerNeeded) {
		t.Fatalf("expected pointer needed error, got %v", err)
	}
}

func TestIsNilProto(t *testing.T) {
	var nilStruct *structpb.Struct
	if !isNilProto(nilStruct) {
		t.Fatal("expected nil pointer to be detected")
	}
	if isNilProto(&structpb.Struct{}) {
		t.Fatal("expected non-nil pointer to be detected")
	}
	if isNilProto(structProto{}) {
		t.Fatal("expected struct to be non-nil")
	}
}

func TestConvertProtoOutputsEmpty(t *testing.T) {
	msgs, err := convertProtoOutputs(protoRequest(t, &structpb.Struct{}), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatal("expected empty result")
	}
}

func TestProtoSchema(t *testing.T) {
	if got := ProtoSchema(&structpb.Struct{}); got != "google.protobuf.Struct" {
		t.Fatalf("unexpected schema %q", got)
	}
}

type mapProto map[string]string

func (m mapProto) ProtoReflect() protoreflect.Message { return nil }

type structProto struct{}

func (s structProto) ProtoReflect() protoreflect.Message { return nil }
